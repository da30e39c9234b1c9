package lifecycle

import (
	"context"

	"github.com/spacegoose/k8s-manager/internal/orchestrator"
	"github.com/spacegoose/k8s-manager/internal/render"
	"github.com/spacegoose/k8s-manager/pkg/apierror"
	"github.com/spacegoose/k8s-manager/pkg/model"
	"github.com/spacegoose/k8s-manager/pkg/settings"
)

// UpdateSettings coerces and persists the changes. When a restart-requiring
// key changed and the project is active, the config map is re-pushed and the
// pods roll; the call returns once the restart annotation is written.
func (e *Engine) UpdateSettings(ctx context.Context, projectID string, changes map[string]string) (restartRequired bool, err error) {
	if len(changes) == 0 {
		return false, apierror.New(apierror.KindInvalidArgument, "no settings provided")
	}
	canonical := make(map[string]string, len(changes))
	for key, raw := range changes {
		value, err := settings.Coerce(key, raw)
		if err != nil {
			return false, err
		}
		canonical[key] = value
	}

	unlock := e.locks.lock(projectID)
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.OperationTimeout)
	defer cancel()

	if err := e.store.SetSettings(ctx, projectID, canonical); err != nil {
		return false, err
	}
	restartRequired = settings.RequiresRestart(canonical)
	return restartRequired, e.pushConfigIfActive(ctx, projectID, restartRequired)
}

// UnsetSetting removes a stored value so the declared default applies again.
func (e *Engine) UnsetSetting(ctx context.Context, projectID, key string) (restartRequired bool, err error) {
	spec, err := settings.Lookup(key)
	if err != nil {
		return false, err
	}

	unlock := e.locks.lock(projectID)
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.OperationTimeout)
	defer cancel()

	if err := e.store.UnsetSetting(ctx, projectID, key); err != nil {
		return false, err
	}
	return spec.RequiresRestart, e.pushConfigIfActive(ctx, projectID, spec.RequiresRestart)
}

// PutExtension validates and upserts an extension. All extension mutations
// require a restart.
func (e *Engine) PutExtension(ctx context.Context, projectID string, ext model.Extension) (restartRequired bool, err error) {
	if err := ext.Validate(); err != nil {
		return false, err
	}

	unlock := e.locks.lock(projectID)
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.OperationTimeout)
	defer cancel()

	if err := e.store.UpsertExtension(ctx, projectID, ext); err != nil {
		return false, err
	}
	return true, e.pushConfigIfActive(ctx, projectID, true)
}

// RemoveExtension deletes an extension by name.
func (e *Engine) RemoveExtension(ctx context.Context, projectID, name string) (restartRequired bool, err error) {
	unlock := e.locks.lock(projectID)
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.OperationTimeout)
	defer cancel()

	if err := e.store.RemoveExtension(ctx, projectID, name); err != nil {
		return false, err
	}
	return true, e.pushConfigIfActive(ctx, projectID, true)
}

// ToggleExtension flips the enabled flag, preserving the payload.
func (e *Engine) ToggleExtension(ctx context.Context, projectID, name string, enabled bool) (restartRequired bool, err error) {
	unlock := e.locks.lock(projectID)
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.OperationTimeout)
	defer cancel()

	if err := e.store.SetExtensionEnabled(ctx, projectID, name, enabled); err != nil {
		return false, err
	}
	return true, e.pushConfigIfActive(ctx, projectID, true)
}

// UpdateGithubToken sets or clears the project-level git token. A nil or
// empty token clears it, falling back to the user's global token when one is
// set. The project secret is re-applied and an active project rolls.
func (e *Engine) UpdateGithubToken(ctx context.Context, projectID string, token *string) error {
	return e.updateProjectCredential(ctx, projectID, token, func(ov *overrides, v *string) { ov.githubToken = v })
}

// UpdateProjectAPIKey sets or clears the project-level workspace API key,
// with the same fallback and restart contract as the git token.
func (e *Engine) UpdateProjectAPIKey(ctx context.Context, projectID string, key *string) error {
	return e.updateProjectCredential(ctx, projectID, key, func(ov *overrides, v *string) { ov.apiKey = v })
}

func (e *Engine) updateProjectCredential(ctx context.Context, projectID string, value *string, assign func(*overrides, *string)) error {
	unlock := e.locks.lock(projectID)
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.OperationTimeout)
	defer cancel()

	project, err := e.store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	user, err := e.store.GetUser(ctx, project.UserID)
	if err != nil {
		return err
	}

	cleared := ""
	var ov overrides
	if value != nil && *value != "" {
		assign(&ov, value)
	} else {
		assign(&ov, &cleared)
	}
	return e.pushCredentials(ctx, user, project, ov)
}

// UpdateUserGlobalToken writes (or clears) the user-scoped git token secret
// and fans the change out to every project of the user that inherits it,
// restarting the active ones.
func (e *Engine) UpdateUserGlobalToken(ctx context.Context, userID string, token *string) error {
	return e.updateUserCredential(ctx, userID, token, userCredential{
		secretName: render.UserGithubSecretName(userID),
		dataKey:    envGithubToken,
		persist: func(ctx context.Context, e *Engine, masked string, set bool) error {
			return e.store.SetUserGithubKey(ctx, userID, masked, set)
		},
		inherited: func(p *model.Project) bool {
			return !(p.GithubKeySet && p.GithubKeySource == model.KeySourceProject)
		},
	})
}

// UpdateUserAPIKey writes (or clears) the user-scoped workspace API key
// secret with the same fanout contract as the global git token.
func (e *Engine) UpdateUserAPIKey(ctx context.Context, userID string, key *string) error {
	return e.updateUserCredential(ctx, userID, key, userCredential{
		secretName: render.UserAPIKeySecretName(userID),
		dataKey:    envAPIKey,
		persist: func(ctx context.Context, e *Engine, masked string, set bool) error {
			return e.store.SetUserAPIKey(ctx, userID, masked, set)
		},
		inherited: func(p *model.Project) bool {
			return !(p.APIKeySet && p.APIKeySource == model.KeySourceProject)
		},
	})
}

type userCredential struct {
	secretName string
	dataKey    string
	persist    func(ctx context.Context, e *Engine, masked string, set bool) error
	inherited  func(*model.Project) bool
}

func (e *Engine) updateUserCredential(ctx context.Context, userID string, value *string, cred userCredential) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ActivationTimeout)
	defer cancel()

	user, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}

	namespace, quota := e.renderer.UserNamespace(userID)
	if err := e.orch.EnsureNamespace(ctx, namespace, quota); err != nil {
		return err
	}

	set := value != nil && *value != ""
	if set {
		secret := render.UserSecret(userID, cred.secretName, map[string][]byte{cred.dataKey: []byte(*value)})
		if err := e.orch.ApplySecret(ctx, secret); err != nil {
			return err
		}
		if err := cred.persist(ctx, e, model.MaskKey(*value), true); err != nil {
			return err
		}
	} else {
		if err := e.orch.DeleteNamespaced(ctx, orchestrator.KindSecret, namespace.Name, cred.secretName); err != nil {
			return err
		}
		if err := cred.persist(ctx, e, "", false); err != nil {
			return err
		}
	}

	// Fan out to inheriting projects. At-least-once: a duplicate restart
	// annotation is harmless.
	user, err = e.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	projects, err := e.store.ListProjectsByUser(ctx, userID)
	if err != nil {
		return err
	}
	for i := range projects {
		project := &projects[i]
		if !cred.inherited(project) {
			continue
		}
		unlock := e.locks.lock(project.ProjectID)
		if err := e.pushCredentials(ctx, user, project, overrides{}); err != nil {
			e.log.Error(err, "credential fanout failed", "project", project.ProjectID)
		}
		unlock()
	}
	return nil
}

// pushCredentials re-resolves the environment, re-applies the project
// secret, persists the sourcing metadata and rolls active pods.
func (e *Engine) pushCredentials(ctx context.Context, user *model.User, project *model.Project, ov overrides) error {
	env, keys, err := e.resolveEnv(ctx, user, project, ov)
	if err != nil {
		return err
	}

	namespace, quota := e.renderer.UserNamespace(user.UserID)
	if err := e.orch.EnsureNamespace(ctx, namespace, quota); err != nil {
		return err
	}
	bundle := e.renderer.Render(user, project, env)
	if err := e.orch.ApplySecret(ctx, bundle.Secret); err != nil {
		return err
	}

	if err := e.store.UpdateProjectFields(ctx, project.ProjectID, keyFields(keys)); err != nil {
		return err
	}
	if project.Status == model.StatusActive {
		return e.orch.RollingRestart(ctx, namespace.Name, render.WorkloadName(project.ProjectID))
	}
	return nil
}

// pushConfigIfActive re-renders and re-applies the config map for an active
// project, stamping a rolling restart when required. Inactive projects pick
// the change up on their next activation.
func (e *Engine) pushConfigIfActive(ctx context.Context, projectID string, restart bool) error {
	project, err := e.store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if project.Status != model.StatusActive {
		return nil
	}
	user, err := e.store.GetUser(ctx, project.UserID)
	if err != nil {
		return err
	}
	env, _, err := e.resolveEnv(ctx, user, project, overrides{})
	if err != nil {
		return err
	}
	bundle := e.renderer.Render(user, project, env)
	if err := e.orch.ApplyConfigMap(ctx, bundle.ConfigMap); err != nil {
		return err
	}
	if !restart {
		return nil
	}
	return e.orch.RollingRestart(ctx, render.NamespaceName(user.UserID), render.WorkloadName(projectID))
}
