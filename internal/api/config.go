package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/spacegoose/k8s-manager/pkg/apierror"
	"github.com/spacegoose/k8s-manager/pkg/model"
	"github.com/spacegoose/k8s-manager/pkg/settings"
)

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	projectID, err := s.loadOwnedProject(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	project, err := s.store.GetProject(r.Context(), projectID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"settings": settings.Effective(project.Settings)})
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Settings map[string]json.RawMessage `json:"settings"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	changes, err := rawSettingValues(body.Settings)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	projectID, err := s.loadOwnedProject(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	restart, err := s.engine.UpdateSettings(r.Context(), projectID, changes)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":          "Settings updated",
		"restart_required": restart,
	})
}

func (s *Server) handleGetSetting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	spec, err := settings.Lookup(key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	projectID, err := s.loadOwnedProject(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	project, err := s.store.GetProject(r.Context(), projectID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	raw, ok := project.Settings[key]
	if !ok || raw == "" {
		raw = spec.Default
	}
	var value any
	if raw != "" {
		value, err = settings.TypedValue(key, raw)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": key, "value": value})
}

func (s *Server) handlePutSetting(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Value json.RawMessage `json:"value"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	key := chi.URLParam(r, "key")
	value, err := rawToString(body.Value)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	projectID, err := s.loadOwnedProject(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	restart, err := s.engine.UpdateSettings(r.Context(), projectID, map[string]string{key: value})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":          "Setting updated",
		"restart_required": restart,
	})
}

func (s *Server) handleDeleteSetting(w http.ResponseWriter, r *http.Request) {
	projectID, err := s.loadOwnedProject(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	restart, err := s.engine.UnsetSetting(r.Context(), projectID, chi.URLParam(r, "key"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":          "Setting removed",
		"restart_required": restart,
	})
}

// rawSettingValues unwraps JSON values (strings, numbers, bools) into the
// canonical string form the registry coerces.
func rawSettingValues(raw map[string]json.RawMessage) (map[string]string, error) {
	out := make(map[string]string, len(raw))
	for key, value := range raw {
		s, err := rawToString(value)
		if err != nil {
			return nil, apierror.Wrap(apierror.KindInvalidArgument, err, "setting %q", key)
		}
		out[key] = s
	}
	return out, nil
}

func rawToString(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", apierror.New(apierror.KindInvalidArgument, "value is required")
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", err
	}
	switch t := v.(type) {
	case string:
		return t, nil
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64), nil
	case bool:
		return strconv.FormatBool(t), nil
	default:
		return "", fmt.Errorf("unsupported value type %T", v)
	}
}

func (s *Server) handleListExtensions(w http.ResponseWriter, r *http.Request) {
	projectID, err := s.loadOwnedProject(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	project, err := s.store.GetProject(r.Context(), projectID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	exts := project.Extensions
	if exts == nil {
		exts = []model.Extension{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"extensions": exts})
}

func (s *Server) handleAddExtension(w http.ResponseWriter, r *http.Request) {
	var ext model.Extension
	if err := decodeBody(r, &ext); err != nil {
		s.writeError(w, r, err)
		return
	}
	projectID, err := s.loadOwnedProject(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	restart, err := s.engine.PutExtension(r.Context(), projectID, ext)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":          "Extension added",
		"restart_required": restart,
	})
}

func (s *Server) handleUpdateExtension(w http.ResponseWriter, r *http.Request) {
	var ext model.Extension
	if err := decodeBody(r, &ext); err != nil {
		s.writeError(w, r, err)
		return
	}
	ext.Name = chi.URLParam(r, "name")
	projectID, err := s.loadOwnedProject(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	restart, err := s.engine.PutExtension(r.Context(), projectID, ext)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":          "Extension updated",
		"restart_required": restart,
	})
}

func (s *Server) handleRemoveExtension(w http.ResponseWriter, r *http.Request) {
	projectID, err := s.loadOwnedProject(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	restart, err := s.engine.RemoveExtension(r.Context(), projectID, chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":          "Extension removed",
		"restart_required": restart,
	})
}

func (s *Server) handleToggleExtension(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.Enabled == nil {
		s.writeError(w, r, apierror.New(apierror.KindInvalidArgument, "enabled is required"))
		return
	}
	projectID, err := s.loadOwnedProject(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	restart, err := s.engine.ToggleExtension(r.Context(), projectID, chi.URLParam(r, "name"), *body.Enabled)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":          "Extension toggled",
		"restart_required": restart,
	})
}
