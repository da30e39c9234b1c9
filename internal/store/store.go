// Package store is the metadata layer over the document database. It is the
// single source of truth for desired state; all mutations write through.
package store

import (
	"context"

	"github.com/spacegoose/k8s-manager/pkg/apierror"
	"github.com/spacegoose/k8s-manager/pkg/model"
)

// Store is the narrow persistence interface the rest of the control plane
// depends on. Implementations: Mongo (production) and Memory (tests, local
// development without a database).
type Store interface {
	// Users.
	GetUser(ctx context.Context, userID string) (*model.User, error)
	ListUsers(ctx context.Context) ([]model.User, error)
	UpsertUser(ctx context.Context, user *model.User) error
	DeleteUser(ctx context.Context, userID string) error
	SetUserGithubKey(ctx context.Context, userID, masked string, set bool) error
	SetUserAPIKey(ctx context.Context, userID, masked string, set bool) error

	// Projects.
	ListProjectsByUser(ctx context.Context, userID string) ([]model.Project, error)
	GetProject(ctx context.Context, projectID string) (*model.Project, error)
	CreateProject(ctx context.Context, project *model.Project) error
	UpdateProjectFields(ctx context.Context, projectID string, fields map[string]any) error
	DeleteProject(ctx context.Context, projectID string) error

	// Embedded sessions. Add/remove are idempotent on session_id.
	AddSession(ctx context.Context, projectID string, session model.Session) error
	RemoveSession(ctx context.Context, projectID, sessionID string) error
	IncrementSessionMessages(ctx context.Context, projectID, sessionID string) error

	// Embedded settings and extensions.
	SetSettings(ctx context.Context, projectID string, changes map[string]string) error
	UnsetSetting(ctx context.Context, projectID, key string) error
	UpsertExtension(ctx context.Context, projectID string, ext model.Extension) error
	RemoveExtension(ctx context.Context, projectID, name string) error
	SetExtensionEnabled(ctx context.Context, projectID, name string, enabled bool) error
}

// projectFields is the whitelist for UpdateProjectFields. Anything else is
// rejected with InvalidArgument before it reaches the database.
var projectFields = map[string]bool{
	"name":                    true,
	"status":                  true,
	"endpoint":                true,
	"repo_url":                true,
	"has_repository":          true,
	"last_error":              true,
	"github_key_set":          true,
	"github_key_source":       true,
	"github_key_masked":       true,
	"blackbox_api_key_set":    true,
	"blackbox_api_key_source": true,
	"blackbox_api_key_masked": true,
}

func validateProjectFields(fields map[string]any) error {
	for k := range fields {
		if !projectFields[k] {
			return apierror.New(apierror.KindInvalidArgument, "unknown project field %q", k)
		}
	}
	return nil
}
