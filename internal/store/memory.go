package store

import (
	"context"
	"sync"
	"time"

	"github.com/spacegoose/k8s-manager/pkg/apierror"
	"github.com/spacegoose/k8s-manager/pkg/model"
)

// Memory is an in-process Store used by tests and by local development runs
// without a database. Semantics mirror the Mongo implementation.
type Memory struct {
	mu       sync.RWMutex
	users    map[string]model.User
	projects map[string]model.Project
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users:    make(map[string]model.User),
		projects: make(map[string]model.Project),
	}
}

var _ Store = (*Memory)(nil)

func (s *Memory) GetUser(_ context.Context, userID string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, apierror.New(apierror.KindNotFound, "user %q not found", userID)
	}
	return &u, nil
}

func (s *Memory) ListUsers(_ context.Context) ([]model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]model.User, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, u)
	}
	return users, nil
}

func (s *Memory) UpsertUser(_ context.Context, user *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	existing, ok := s.users[user.UserID]
	if !ok {
		user.CreatedAt = now
		user.UpdatedAt = now
		s.users[user.UserID] = *user
		return nil
	}
	existing.Name = user.Name
	existing.UpdatedAt = now
	s.users[user.UserID] = existing
	return nil
}

func (s *Memory) DeleteUser(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return apierror.New(apierror.KindNotFound, "user %q not found", userID)
	}
	delete(s.users, userID)
	return nil
}

func (s *Memory) SetUserGithubKey(_ context.Context, userID, masked string, set bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return apierror.New(apierror.KindNotFound, "user %q not found", userID)
	}
	u.GithubKeySet = set
	u.GithubKeyMasked = masked
	if !set {
		u.GithubKeyMasked = ""
	}
	u.UpdatedAt = time.Now().UTC()
	s.users[userID] = u
	return nil
}

func (s *Memory) SetUserAPIKey(_ context.Context, userID, masked string, set bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return apierror.New(apierror.KindNotFound, "user %q not found", userID)
	}
	u.APIKeySet = set
	u.APIKeyMasked = masked
	if !set {
		u.APIKeyMasked = ""
	}
	u.UpdatedAt = time.Now().UTC()
	s.users[userID] = u
	return nil
}

func (s *Memory) ListProjectsByUser(_ context.Context, userID string) ([]model.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var projects []model.Project
	for _, p := range s.projects {
		if p.UserID == userID {
			projects = append(projects, copyProject(p))
		}
	}
	return projects, nil
}

func (s *Memory) GetProject(_ context.Context, projectID string) (*model.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[projectID]
	if !ok {
		return nil, apierror.New(apierror.KindNotFound, "project %q not found", projectID)
	}
	cp := copyProject(p)
	return &cp, nil
}

func (s *Memory) CreateProject(_ context.Context, project *model.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[project.ProjectID]; ok {
		return apierror.New(apierror.KindConflict, "project %q already exists", project.ProjectID)
	}
	if project.Sessions == nil {
		project.Sessions = []model.Session{}
	}
	s.projects[project.ProjectID] = copyProject(*project)
	return nil
}

func (s *Memory) UpdateProjectFields(_ context.Context, projectID string, fields map[string]any) error {
	if err := validateProjectFields(fields); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return apierror.New(apierror.KindNotFound, "project %q not found", projectID)
	}
	for k, v := range fields {
		switch k {
		case "name":
			p.Name = asString(v)
		case "status":
			if v != nil {
				switch sv := v.(type) {
				case model.ProjectStatus:
					p.Status = sv
				case string:
					p.Status = model.ProjectStatus(sv)
				}
			}
		case "endpoint":
			p.Endpoint = asString(v)
		case "repo_url":
			p.RepoURL = asString(v)
		case "has_repository":
			p.HasRepository = asBool(v)
		case "last_error":
			p.LastError = asString(v)
		case "github_key_set":
			p.GithubKeySet = asBool(v)
		case "github_key_source":
			p.GithubKeySource = model.KeySource(asString(v))
		case "github_key_masked":
			p.GithubKeyMasked = asString(v)
		case "blackbox_api_key_set":
			p.APIKeySet = asBool(v)
		case "blackbox_api_key_source":
			p.APIKeySource = model.KeySource(asString(v))
		case "blackbox_api_key_masked":
			p.APIKeyMasked = asString(v)
		}
	}
	p.UpdatedAt = time.Now().UTC()
	s.projects[projectID] = p
	return nil
}

func (s *Memory) DeleteProject(_ context.Context, projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[projectID]; !ok {
		return apierror.New(apierror.KindNotFound, "project %q not found", projectID)
	}
	delete(s.projects, projectID)
	return nil
}

func (s *Memory) AddSession(_ context.Context, projectID string, session model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return apierror.New(apierror.KindNotFound, "project %q not found", projectID)
	}
	// Replace in place so re-adding a session id keeps its position.
	replaced := false
	for i := range p.Sessions {
		if p.Sessions[i].SessionID == session.SessionID {
			p.Sessions[i] = session
			replaced = true
			break
		}
	}
	if !replaced {
		p.Sessions = append(p.Sessions, session)
	}
	p.UpdatedAt = time.Now().UTC()
	s.projects[projectID] = p
	return nil
}

func (s *Memory) RemoveSession(_ context.Context, projectID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return apierror.New(apierror.KindNotFound, "project %q not found", projectID)
	}
	found := false
	filtered := p.Sessions[:0:0]
	for _, sess := range p.Sessions {
		if sess.SessionID == sessionID {
			found = true
			continue
		}
		filtered = append(filtered, sess)
	}
	if !found {
		return apierror.New(apierror.KindNotFound, "session %q not found in project", sessionID)
	}
	p.Sessions = filtered
	p.UpdatedAt = time.Now().UTC()
	s.projects[projectID] = p
	return nil
}

func (s *Memory) IncrementSessionMessages(_ context.Context, projectID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return apierror.New(apierror.KindNotFound, "project %q not found", projectID)
	}
	for i := range p.Sessions {
		if p.Sessions[i].SessionID == sessionID {
			p.Sessions[i].MessageCount++
			p.UpdatedAt = time.Now().UTC()
			s.projects[projectID] = p
			return nil
		}
	}
	return apierror.New(apierror.KindNotFound, "session %q not found in project", sessionID)
}

func (s *Memory) SetSettings(_ context.Context, projectID string, changes map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return apierror.New(apierror.KindNotFound, "project %q not found", projectID)
	}
	if p.Settings == nil {
		p.Settings = make(map[string]string)
	}
	for k, v := range changes {
		p.Settings[k] = v
	}
	p.UpdatedAt = time.Now().UTC()
	s.projects[projectID] = p
	return nil
}

func (s *Memory) UnsetSetting(_ context.Context, projectID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return apierror.New(apierror.KindNotFound, "project %q not found", projectID)
	}
	delete(p.Settings, key)
	p.UpdatedAt = time.Now().UTC()
	s.projects[projectID] = p
	return nil
}

func (s *Memory) UpsertExtension(_ context.Context, projectID string, ext model.Extension) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return apierror.New(apierror.KindNotFound, "project %q not found", projectID)
	}
	// Update in place so a reconfigured extension keeps its position.
	replaced := false
	for i := range p.Extensions {
		if p.Extensions[i].Name == ext.Name {
			p.Extensions[i] = ext
			replaced = true
			break
		}
	}
	if !replaced {
		p.Extensions = append(p.Extensions, ext)
	}
	p.UpdatedAt = time.Now().UTC()
	s.projects[projectID] = p
	return nil
}

func (s *Memory) RemoveExtension(_ context.Context, projectID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return apierror.New(apierror.KindNotFound, "project %q not found", projectID)
	}
	found := false
	filtered := p.Extensions[:0:0]
	for _, e := range p.Extensions {
		if e.Name == name {
			found = true
			continue
		}
		filtered = append(filtered, e)
	}
	if !found {
		return apierror.New(apierror.KindNotFound, "extension %q not found", name)
	}
	p.Extensions = filtered
	p.UpdatedAt = time.Now().UTC()
	s.projects[projectID] = p
	return nil
}

func (s *Memory) SetExtensionEnabled(_ context.Context, projectID, name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[projectID]
	if !ok {
		return apierror.New(apierror.KindNotFound, "project %q not found", projectID)
	}
	for i := range p.Extensions {
		if p.Extensions[i].Name == name {
			p.Extensions[i].Enabled = enabled
			p.UpdatedAt = time.Now().UTC()
			s.projects[projectID] = p
			return nil
		}
	}
	return apierror.New(apierror.KindNotFound, "extension %q not found", name)
}

func copyProject(p model.Project) model.Project {
	cp := p
	cp.Sessions = append([]model.Session(nil), p.Sessions...)
	cp.Extensions = append([]model.Extension(nil), p.Extensions...)
	if p.Settings != nil {
		cp.Settings = make(map[string]string, len(p.Settings))
		for k, v := range p.Settings {
			cp.Settings[k] = v
		}
	}
	return cp
}

func asString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func asBool(v any) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	return false
}
