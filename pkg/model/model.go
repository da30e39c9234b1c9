// Package model holds the persisted document types shared by the store, the
// lifecycle engine and the HTTP layer.
package model

import (
	"strings"
	"time"
)

// ProjectStatus is the persisted lifecycle state of a project.
type ProjectStatus string

const (
	StatusInactive     ProjectStatus = "inactive"
	StatusActivating   ProjectStatus = "activating"
	StatusActive       ProjectStatus = "active"
	StatusDeactivating ProjectStatus = "deactivating"
	StatusError        ProjectStatus = "error"
)

// KeySource records which entity owns the credential a project resolves.
type KeySource string

const (
	KeySourceProject KeySource = "project"
	KeySourceUser    KeySource = "user"
)

// User is a document in the users collection. Credential material is never
// stored here; the masked copy is for display and the clear value lives in
// the cluster secret store.
type User struct {
	UserID          string    `bson:"user_id" json:"id"`
	Name            string    `bson:"name" json:"name"`
	GithubKeySet    bool      `bson:"github_key_set" json:"github_key_set"`
	GithubKeyMasked string    `bson:"github_key_masked,omitempty" json:"-"`
	APIKeySet       bool      `bson:"blackbox_api_key_set" json:"api_key_set"`
	APIKeyMasked    string    `bson:"blackbox_api_key_masked,omitempty" json:"-"`
	CreatedAt       time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt       time.Time `bson:"updated_at" json:"updated_at"`
}

// Session is a summary of an agent-side conversational context, embedded in
// the owning project.
type Session struct {
	SessionID    string    `bson:"session_id" json:"session_id"`
	Name         string    `bson:"name" json:"name"`
	CreatedAt    time.Time `bson:"created_at" json:"created_at"`
	MessageCount int       `bson:"message_count" json:"message_count"`
}

// Project is a document in the projects collection. Sessions, settings and
// extensions are embedded; the project strongly owns them.
type Project struct {
	ProjectID       string            `bson:"_id" json:"id"`
	UserID          string            `bson:"user_id" json:"user_id"`
	Name            string            `bson:"name" json:"name"`
	Status          ProjectStatus     `bson:"status" json:"status"`
	Endpoint        string            `bson:"endpoint,omitempty" json:"endpoint,omitempty"`
	RepoURL         string            `bson:"repo_url,omitempty" json:"repo_url,omitempty"`
	HasRepository   bool              `bson:"has_repository" json:"has_repository"`
	LastError       string            `bson:"last_error,omitempty" json:"last_error,omitempty"`
	GithubKeySet    bool              `bson:"github_key_set" json:"github_key_set"`
	GithubKeySource KeySource         `bson:"github_key_source,omitempty" json:"github_key_source,omitempty"`
	GithubKeyMasked string            `bson:"github_key_masked,omitempty" json:"-"`
	APIKeySet       bool              `bson:"blackbox_api_key_set" json:"api_key_set"`
	APIKeySource    KeySource         `bson:"blackbox_api_key_source,omitempty" json:"api_key_source,omitempty"`
	APIKeyMasked    string            `bson:"blackbox_api_key_masked,omitempty" json:"-"`
	Sessions        []Session         `bson:"sessions" json:"sessions"`
	Settings        map[string]string `bson:"settings,omitempty" json:"settings,omitempty"`
	Extensions      []Extension       `bson:"extensions,omitempty" json:"extensions,omitempty"`
	CreatedAt       time.Time         `bson:"created_at" json:"created_at"`
	UpdatedAt       time.Time         `bson:"updated_at" json:"updated_at"`
}

// CanActivate reports whether the state machine permits an activate call.
func (p *Project) CanActivate() bool {
	return p.Status == StatusInactive || p.Status == StatusError
}

// FindSession returns the embedded session summary with the given id.
func (p *Project) FindSession(sessionID string) (Session, bool) {
	for _, s := range p.Sessions {
		if s.SessionID == sessionID {
			return s, true
		}
	}
	return Session{}, false
}

// MaskKey produces the display form of a credential: first eight and last
// four characters survive, the middle is starred. Short keys are fully
// starred so nothing useful leaks.
func MaskKey(key string) string {
	if len(key) > 12 {
		return key[:8] + strings.Repeat("*", len(key)-12) + key[len(key)-4:]
	}
	return strings.Repeat("*", len(key))
}
