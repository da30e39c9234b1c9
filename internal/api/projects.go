package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/spacegoose/k8s-manager/pkg/apierror"
	"github.com/spacegoose/k8s-manager/pkg/model"
)

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.ListProjectsByUser(r.Context(), chi.URLParam(r, "user"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if projects == nil {
		projects = []model.Project{}
	}
	writeJSON(w, http.StatusOK, projects)
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name      string `json:"name"`
		GithubKey string `json:"github_key"`
		RepoURL   string `json:"repo_url"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	userID := chi.URLParam(r, "user")
	project, err := s.engine.CreateProject(r.Context(), userID, body.Name, body.RepoURL, body.GithubKey)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := map[string]any{
		"project_id": project.ProjectID,
		"message":    "Project created successfully",
		"endpoint":   project.Endpoint,
	}
	if project.RepoURL != "" && !project.HasRepository {
		resp["warning"] = "repository clone failed: " + project.LastError
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleRenameProject(w http.ResponseWriter, r *http.Request) {
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
	if err := s.engine.Rename(r.Context(), projectID, body.Name); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Project updated"})
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	projectID, err := s.loadOwnedProject(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.engine.Delete(r.Context(), projectID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Project deleted"})
}

func (s *Server) handleActivateProject(w http.ResponseWriter, r *http.Request) {
	projectID, err := s.loadOwnedProject(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	project, err := s.engine.Activate(r.Context(), projectID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message":  "Project activated",
		"endpoint": project.Endpoint,
	})
}

func (s *Server) handleDeactivateProject(w http.ResponseWriter, r *http.Request) {
	projectID, err := s.loadOwnedProject(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.engine.Deactivate(r.Context(), projectID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Project deactivated"})
}

func (s *Server) handleCloneRepository(w http.ResponseWriter, r *http.Request) {
	projectID, err := s.loadOwnedProject(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.engine.CloneRepository(r.Context(), projectID); err != nil {
		// Clone failures land on the project record and come back as a
		// warning, not a request failure.
		if apierror.Is(err, apierror.KindCloneFailed) {
			writeJSON(w, http.StatusOK, map[string]string{
				"message": "Repository clone failed",
				"warning": err.Error(),
			})
			return
		}
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Repository cloned"})
}

func (s *Server) handlePutProjectGithubKey(w http.ResponseWriter, r *http.Request) {
	var body credentialBody
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	projectID, err := s.loadOwnedProject(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.engine.UpdateGithubToken(r.Context(), projectID, body.GithubKey); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Project GitHub key updated"})
}

func (s *Server) handlePutProjectAPIKey(w http.ResponseWriter, r *http.Request) {
	var body credentialBody
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	projectID, err := s.loadOwnedProject(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.engine.UpdateProjectAPIKey(r.Context(), projectID, body.APIKey); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Project API key updated"})
}

func (s *Server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	projectID, err := s.loadOwnedProject(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status, err := s.proxy.AgentStatus(r.Context(), projectID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}
