package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/spacegoose/k8s-manager/pkg/apierror"
	"github.com/spacegoose/k8s-manager/pkg/model"
)

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]map[string]string, 0, len(users))
	for _, u := range users {
		out = append(out, map[string]string{"id": u.UserID, "name": u.Name})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.Name == "" {
		s.writeError(w, r, apierror.New(apierror.KindInvalidArgument, "user name is required"))
		return
	}
	if body.ID == "" {
		body.ID = uuid.NewString()
	}

	now := time.Now().UTC()
	user := &model.User{UserID: body.ID, Name: body.Name, CreatedAt: now, UpdatedAt: now}
	if err := s.store.UpsertUser(r.Context(), user); err != nil {
		s.writeError(w, r, err)
		return
	}
	apiKey, err := s.auth.MintKey(body.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	// The key is returned exactly once; verification is stateless.
	writeJSON(w, http.StatusCreated, map[string]string{
		"id":      body.ID,
		"name":    body.Name,
		"api_key": apiKey,
	})
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user")
	if err := s.store.DeleteUser(r.Context(), userID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "User deleted"})
}

// credentialBody is shared by the github-key and api-key endpoints. A null
// value clears the credential.
type credentialBody struct {
	GithubKey *string `json:"github_key"`
	APIKey    *string `json:"api_key"`
}

func (s *Server) handlePutUserGithubKey(w http.ResponseWriter, r *http.Request) {
	var body credentialBody
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	userID := chi.URLParam(r, "user")
	if err := s.engine.UpdateUserGlobalToken(r.Context(), userID, body.GithubKey); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Global GitHub key updated"})
}

func (s *Server) handleGetUserGithubKey(w http.ResponseWriter, r *http.Request) {
	user, err := s.store.GetUser(r.Context(), chi.URLParam(r, "user"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := map[string]any{"github_key_set": user.GithubKeySet}
	if user.GithubKeySet {
		resp["github_key"] = user.GithubKeyMasked
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeleteUserGithubKey(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user")
	if err := s.engine.UpdateUserGlobalToken(r.Context(), userID, nil); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Global GitHub key deleted"})
}

func (s *Server) handlePutUserAPIKey(w http.ResponseWriter, r *http.Request) {
	var body credentialBody
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	userID := chi.URLParam(r, "user")
	if err := s.engine.UpdateUserAPIKey(r.Context(), userID, body.APIKey); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Workspace API key updated"})
}

func (s *Server) handleGetUserAPIKey(w http.ResponseWriter, r *http.Request) {
	user, err := s.store.GetUser(r.Context(), chi.URLParam(r, "user"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := map[string]any{"api_key_set": user.APIKeySet}
	if user.APIKeySet {
		resp["api_key"] = user.APIKeyMasked
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeleteUserAPIKey(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user")
	if err := s.engine.UpdateUserAPIKey(r.Context(), userID, nil); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Workspace API key deleted"})
}
