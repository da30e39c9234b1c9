package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/spacegoose/k8s-manager/pkg/apierror"
)

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	projectID, err := s.loadOwnedProject(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	session, err := s.proxy.CreateSession(r.Context(), projectID, body.Name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Session created successfully",
		"session": session,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	projectID, err := s.loadOwnedProject(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sessions, err := s.proxy.ListSessions(r.Context(), projectID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	projectID, err := s.loadOwnedProject(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.proxy.DeleteSession(r.Context(), projectID, chi.URLParam(r, "sid")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Session deleted"})
}

func (s *Server) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	projectID, err := s.loadOwnedProject(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	history, err := s.proxy.SessionMessages(r.Context(), projectID, chi.URLParam(r, "sid"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(history)
}

type messageBody struct {
	SessionID string `json:"session_id"`
	Content   string `json:"content"`
}

func (b messageBody) validate() error {
	if b.SessionID == "" {
		return apierror.New(apierror.KindInvalidArgument, "session_id is required")
	}
	if b.Content == "" {
		return apierror.New(apierror.KindInvalidArgument, "content is required")
	}
	return nil
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var body messageBody
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := body.validate(); err != nil {
		s.writeError(w, r, err)
		return
	}
	projectID, err := s.loadOwnedProject(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	result, err := s.proxy.SendMessage(r.Context(), projectID, body.SessionID, body.Content)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":    "Message sent successfully",
		"result":     json.RawMessage(result),
		"session_id": body.SessionID,
	})
}

func (s *Server) handleStreamMessage(w http.ResponseWriter, r *http.Request) {
	var body messageBody
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := body.validate(); err != nil {
		s.writeError(w, r, err)
		return
	}
	projectID, err := s.loadOwnedProject(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	// StreamMessage owns the response once the relay starts; errors before
	// the first byte still get a JSON answer.
	if err := s.proxy.StreamMessage(r.Context(), projectID, body.SessionID, body.Content, w); err != nil {
		s.writeError(w, r, err)
	}
}
