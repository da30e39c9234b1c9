// Package lifecycle drives the project state machine. It composes the store,
// the renderer and the orchestrator into the public operations (create,
// activate, deactivate, delete, credential and config updates) and owns the
// readiness waiter. Transitions on the same project are serialized by a
// per-project mutex; every transition persists its status before returning.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/spacegoose/k8s-manager/internal/metrics"
	"github.com/spacegoose/k8s-manager/internal/orchestrator"
	"github.com/spacegoose/k8s-manager/internal/render"
	"github.com/spacegoose/k8s-manager/internal/store"
	"github.com/spacegoose/k8s-manager/pkg/apierror"
	"github.com/spacegoose/k8s-manager/pkg/model"
)

// Config bounds the engine's operations.
type Config struct {
	SystemToken       string
	AgentHealthPath   string
	ActivationTimeout time.Duration
	OperationTimeout  time.Duration
	ReadinessPoll     time.Duration
	ReadinessTimeout  time.Duration

	// Probe overrides the agent health check used during the readiness
	// wait. Nil means a plain HTTP GET.
	Probe func(ctx context.Context, url string) error
}

// RepoCloner runs the in-pod repository clone after a successful activation.
type RepoCloner interface {
	Clone(ctx context.Context, user *model.User, project *model.Project) error
}

// Engine owns project state transitions.
type Engine struct {
	store    store.Store
	orch     orchestrator.Client
	renderer *render.Renderer
	cloner   RepoCloner
	cfg      Config
	metrics  *metrics.Metrics
	log      logr.Logger

	// probe checks the agent health endpoint during the readiness wait.
	// Replaced in tests.
	probe func(ctx context.Context, url string) error

	locks keyedMutex
}

// New wires an engine. cloner may be nil when repository support is disabled.
func New(st store.Store, orch orchestrator.Client, renderer *render.Renderer, cloner RepoCloner, cfg Config, m *metrics.Metrics, log logr.Logger) *Engine {
	probe := cfg.Probe
	if probe == nil {
		probe = httpProbe
	}
	return &Engine{
		store:    st,
		orch:     orch,
		renderer: renderer,
		cloner:   cloner,
		cfg:      cfg,
		metrics:  m,
		log:      log.WithName("lifecycle"),
		probe:    probe,
	}
}

// appliedObject tracks one cluster object created during the current call,
// for scoped rollback.
type appliedObject struct {
	kind orchestrator.Kind
	name string
}

// CreateProject inserts the record, provisions the cluster objects, waits
// for readiness and, when a repository is configured, clones it. The record
// survives a failed activation with status error; the cluster objects
// created by the failed call are rolled back.
func (e *Engine) CreateProject(ctx context.Context, userID, name, repoURL, githubToken string) (*model.Project, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ActivationTimeout)
	defer cancel()

	user, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, apierror.New(apierror.KindInvalidArgument, "project name is required")
	}

	now := time.Now().UTC()
	project := &model.Project{
		ProjectID: uuid.NewString(),
		UserID:    userID,
		Name:      name,
		Status:    model.StatusInactive,
		RepoURL:   repoURL,
		Sessions:  []model.Session{},
		Settings:  map[string]string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.CreateProject(ctx, project); err != nil {
		return nil, err
	}

	unlock := e.locks.lock(project.ProjectID)
	defer unlock()

	var ov overrides
	if githubToken != "" {
		ov.githubToken = &githubToken
	}
	err = e.provision(ctx, user, project, ov, true)
	e.observe("create", start, err)
	if err != nil {
		return nil, err
	}
	return e.store.GetProject(ctx, project.ProjectID)
}

// Activate brings an inactive or errored project back up. Cluster objects
// from previous runs are reused; on failure nothing is rolled back so a
// retry starts from the same place.
func (e *Engine) Activate(ctx context.Context, projectID string) (*model.Project, error) {
	start := time.Now()
	unlock := e.locks.lock(projectID)
	defer unlock()

	// The budget starts after the lock so time spent queued behind another
	// transition does not count against it.
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ActivationTimeout)
	defer cancel()

	project, err := e.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	switch project.Status {
	case model.StatusActive:
		return project, nil
	case model.StatusActivating, model.StatusDeactivating:
		return nil, apierror.New(apierror.KindConflict, "project %q has a transition in flight", projectID)
	}

	user, err := e.store.GetUser(ctx, project.UserID)
	if err != nil {
		return nil, err
	}

	err = e.provision(ctx, user, project, overrides{}, false)
	e.observe("activate", start, err)
	if err != nil {
		return nil, err
	}
	return e.store.GetProject(ctx, projectID)
}

// provision runs the shared activation path: persist the intermediate
// status, apply the rendered bundle, wait for readiness, persist the
// terminal status and clone the repository. rollbackOnFailure scopes the
// cleanup to objects created in this call (create path only).
func (e *Engine) provision(ctx context.Context, user *model.User, project *model.Project, ov overrides, rollbackOnFailure bool) error {
	env, keys, err := e.resolveEnv(ctx, user, project, ov)
	if err != nil {
		return err
	}

	fields := keyFields(keys)
	fields["status"] = model.StatusActivating
	fields["last_error"] = ""
	if err := e.store.UpdateProjectFields(ctx, project.ProjectID, fields); err != nil {
		return err
	}
	project.Status = model.StatusActivating

	namespace := render.NamespaceName(user.UserID)
	bundle := e.renderer.Render(user, project, env)

	var created []appliedObject
	fail := func(err error) error {
		if rollbackOnFailure {
			e.rollback(namespace, created)
		}
		e.writeStatus(project.ProjectID, model.StatusError, err.Error())
		return err
	}

	if err := e.orch.EnsureNamespace(ctx, bundle.Namespace, bundle.Quota); err != nil {
		return fail(err)
	}
	if err := e.orch.ApplySecret(ctx, bundle.Secret); err != nil {
		return fail(err)
	}
	created = append(created, appliedObject{orchestrator.KindSecret, bundle.Secret.Name})
	if err := e.orch.ApplyConfigMap(ctx, bundle.ConfigMap); err != nil {
		return fail(err)
	}
	created = append(created, appliedObject{orchestrator.KindConfigMap, bundle.ConfigMap.Name})
	if err := e.orch.ApplyService(ctx, bundle.Service); err != nil {
		return fail(err)
	}
	created = append(created, appliedObject{orchestrator.KindService, bundle.Service.Name})
	if bundle.Ingress != nil {
		if err := e.orch.ApplyIngress(ctx, bundle.Ingress); err != nil {
			return fail(err)
		}
		created = append(created, appliedObject{orchestrator.KindIngress, bundle.Ingress.Name})
	}
	if err := e.orch.ApplyDeployment(ctx, bundle.Deployment); err != nil {
		return fail(err)
	}
	created = append(created, appliedObject{orchestrator.KindDeployment, bundle.Deployment.Name})

	endpoint, err := e.orch.ReadServiceEndpoint(ctx, namespace, bundle.Service.Name)
	if err != nil {
		return fail(err)
	}

	waitStart := time.Now()
	err = e.waitReady(ctx, namespace, project.ProjectID, endpoint)
	e.metrics.ReadinessWait.Observe(time.Since(waitStart).Seconds())
	if err != nil {
		return fail(err)
	}

	if err := e.store.UpdateProjectFields(ctx, project.ProjectID, map[string]any{
		"status":   model.StatusActive,
		"endpoint": endpoint,
	}); err != nil {
		return err
	}
	project.Status = model.StatusActive
	project.Endpoint = endpoint

	if project.RepoURL != "" && e.cloner != nil {
		// Clone failures are recorded on the project but never fail the
		// activation; the agent is usable without the repository.
		if err := e.runClone(ctx, user, project); err != nil {
			e.log.Info("repository clone failed", "project", project.ProjectID, "error", err.Error())
		}
	}
	return nil
}

// Deactivate scales the workload to zero and waits (bounded) for the pods to
// terminate. A termination timeout still lands on inactive; the next
// activation reconciles.
func (e *Engine) Deactivate(ctx context.Context, projectID string) error {
	start := time.Now()
	unlock := e.locks.lock(projectID)
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.OperationTimeout)
	defer cancel()

	project, err := e.store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	switch project.Status {
	case model.StatusInactive:
		return nil
	case model.StatusActive:
	default:
		return apierror.New(apierror.KindConflict, "project %q is %s, not active", projectID, project.Status)
	}

	if err := e.store.UpdateProjectFields(ctx, projectID, map[string]any{
		"status": model.StatusDeactivating,
	}); err != nil {
		return err
	}

	namespace := render.NamespaceName(project.UserID)
	name := render.WorkloadName(projectID)
	if err := e.orch.ScaleDeployment(ctx, namespace, name, 0); err != nil && !apierror.Is(err, apierror.KindNotFound) {
		e.writeStatus(projectID, model.StatusError, err.Error())
		e.observe("deactivate", start, err)
		return err
	}
	e.waitForTermination(ctx, namespace, projectID)

	err = e.store.UpdateProjectFields(ctx, projectID, map[string]any{
		"status":     model.StatusInactive,
		"endpoint":   "",
		"last_error": "",
	})
	e.observe("deactivate", start, err)
	return err
}

// Delete tears down the project's cluster objects and removes the record.
// Object deletions are best effort; the shared user namespace stays.
func (e *Engine) Delete(ctx context.Context, projectID string) error {
	start := time.Now()
	unlock := e.locks.lock(projectID)
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.OperationTimeout)
	defer cancel()

	project, err := e.store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}

	namespace := render.NamespaceName(project.UserID)
	name := render.WorkloadName(projectID)
	teardown := []appliedObject{
		{orchestrator.KindIngress, name},
		{orchestrator.KindService, name},
		{orchestrator.KindDeployment, name},
		{orchestrator.KindSecret, render.SecretName(projectID)},
		{orchestrator.KindConfigMap, render.ConfigMapName(projectID)},
	}
	for _, obj := range teardown {
		if err := e.orch.DeleteNamespaced(ctx, obj.kind, namespace, obj.name); err != nil {
			e.log.Error(err, "object deletion failed, continuing", "kind", obj.kind, "name", obj.name)
		}
	}

	err = e.store.DeleteProject(ctx, projectID)
	e.observe("delete", start, err)
	return err
}

// Rename updates the display name. Names are not unique.
func (e *Engine) Rename(ctx context.Context, projectID, name string) error {
	if name == "" {
		return apierror.New(apierror.KindInvalidArgument, "project name is required")
	}
	return e.store.UpdateProjectFields(ctx, projectID, map[string]any{"name": name})
}

// CloneRepository re-runs the in-pod clone on an active project.
func (e *Engine) CloneRepository(ctx context.Context, projectID string) error {
	unlock := e.locks.lock(projectID)
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.ActivationTimeout)
	defer cancel()

	project, err := e.store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if project.Status != model.StatusActive {
		return apierror.New(apierror.KindProjectNotActive, "project %q is %s", projectID, project.Status)
	}
	if project.RepoURL == "" {
		return apierror.New(apierror.KindInvalidArgument, "project %q has no repository configured", projectID)
	}
	user, err := e.store.GetUser(ctx, project.UserID)
	if err != nil {
		return err
	}
	return e.runClone(ctx, user, project)
}

// runClone executes the cloner and records the outcome on the project.
func (e *Engine) runClone(ctx context.Context, user *model.User, project *model.Project) error {
	err := e.cloner.Clone(ctx, user, project)
	fields := map[string]any{"has_repository": err == nil}
	outcome := "success"
	if err != nil {
		fields["has_repository"] = false
		fields["last_error"] = err.Error()
		outcome = "failure"
	} else {
		fields["last_error"] = ""
	}
	e.metrics.CloneRuns.WithLabelValues(outcome).Inc()
	if storeErr := e.store.UpdateProjectFields(ctx, project.ProjectID, fields); storeErr != nil {
		e.log.Error(storeErr, "recording clone outcome failed", "project", project.ProjectID)
	}
	return err
}

// rollback deletes the objects created in the current call, newest first.
// Runs on its own context since the caller's may already be expired.
func (e *Engine) rollback(namespace string, created []appliedObject) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.OperationTimeout)
	defer cancel()
	for i := len(created) - 1; i >= 0; i-- {
		obj := created[i]
		if err := e.orch.DeleteNamespaced(ctx, obj.kind, namespace, obj.name); err != nil {
			e.log.Error(err, "rollback deletion failed", "kind", obj.kind, "name", obj.name)
		}
	}
}

// writeStatus persists a terminal status on a fresh context so failures past
// the operation deadline are still recorded.
func (e *Engine) writeStatus(projectID string, status model.ProjectStatus, lastError string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	fields := map[string]any{"status": status, "last_error": lastError}
	if status != model.StatusActive {
		fields["endpoint"] = ""
	}
	if err := e.store.UpdateProjectFields(ctx, projectID, fields); err != nil {
		e.log.Error(err, "persisting status failed", "project", projectID, "status", status)
	}
}

func (e *Engine) observe(operation string, start time.Time, err error) {
	outcome := "success"
	if err != nil {
		outcome = string(apierror.KindOf(err))
		if outcome == "" {
			outcome = "error"
		}
	}
	e.metrics.Transitions.WithLabelValues(operation, outcome).Inc()
	e.metrics.TransitionDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// keyFields maps resolved credential sourcing onto store fields.
func keyFields(keys resolvedKeys) map[string]any {
	return map[string]any{
		"github_key_set":          keys.githubSet,
		"github_key_source":       string(keys.githubSource),
		"github_key_masked":       keys.githubMasked,
		"blackbox_api_key_set":    keys.apiKeySet,
		"blackbox_api_key_source": string(keys.apiKeySource),
		"blackbox_api_key_masked": keys.apiKeyMasked,
	}
}

// keyedMutex serializes transitions per project id.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*lockEntry)
	}
	entry, ok := k.locks[key]
	if !ok {
		entry = &lockEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
