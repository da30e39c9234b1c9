// Package webhook receives GitHub push deliveries and pulls the latest
// commit into the matching project's workspace.
package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-logr/logr"
	"github.com/tidwall/gjson"

	"github.com/spacegoose/k8s-manager/internal/metrics"
	"github.com/spacegoose/k8s-manager/internal/store"
	"github.com/spacegoose/k8s-manager/pkg/model"
)

const (
	maxPayloadBytes = 1 << 20 // 1 MiB

	cloneBudget = 2 * time.Minute
)

// CloneTrigger is the slice of the lifecycle engine the receiver drives.
type CloneTrigger interface {
	CloneRepository(ctx context.Context, projectID string) error
}

// Receiver handles POST /webhook/github/{user}/{pid}. Deliveries are
// HMAC-verified before any project lookup, so the endpoint does not leak
// which project ids exist.
type Receiver struct {
	store   store.Store
	engine  CloneTrigger
	secret  string
	metrics *metrics.Metrics
	log     logr.Logger
}

func New(st store.Store, engine CloneTrigger, secret string, m *metrics.Metrics, log logr.Logger) *Receiver {
	return &Receiver{
		store:   st,
		engine:  engine,
		secret:  secret,
		metrics: m,
		log:     log.WithName("webhook"),
	}
}

// Handle accepts a push delivery. The clone runs in the background; GitHub
// expects an answer well before a large fetch can finish.
func (rv *Receiver) Handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		rv.reject(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if rv.secret != "" {
		signature := r.Header.Get("X-Hub-Signature-256")
		if err := ValidateHMAC(body, signature, rv.secret); err != nil {
			rv.metrics.WebhookEvents.WithLabelValues("unauthorized").Inc()
			rv.reject(w, http.StatusUnauthorized, "unauthorized")
			return
		}
	}

	ref := gjson.GetBytes(body, "ref").String()
	if ref == "" {
		rv.reject(w, http.StatusBadRequest, "no ref found in payload")
		return
	}

	userID := chi.URLParam(r, "user")
	projectID := chi.URLParam(r, "pid")
	project, err := rv.store.GetProject(r.Context(), projectID)
	if err != nil || project.UserID != userID {
		rv.reject(w, http.StatusNotFound, "not found")
		return
	}
	if project.RepoURL == "" {
		rv.reject(w, http.StatusBadRequest, "project has no repository")
		return
	}
	if cloneURL := gjson.GetBytes(body, "repository.clone_url").String(); cloneURL != "" && !sameRepo(cloneURL, project.RepoURL) {
		rv.reject(w, http.StatusBadRequest, "repository does not match project")
		return
	}

	// An inactive project picks up the push on its next activation; the
	// activation path always runs the clone.
	if project.Status != model.StatusActive {
		rv.metrics.WebhookEvents.WithLabelValues("deferred").Inc()
		writeJSON(w, http.StatusOK, map[string]any{
			"accepted": false,
			"ref":      ref,
			"message":  "project not active; repository updates on next activation",
		})
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), cloneBudget)
		defer cancel()
		if err := rv.engine.CloneRepository(ctx, projectID); err != nil {
			rv.metrics.WebhookEvents.WithLabelValues("clone_failed").Inc()
			rv.log.Error(err, "push-triggered clone failed", "project", projectID, "ref", ref)
			return
		}
		rv.metrics.WebhookEvents.WithLabelValues("cloned").Inc()
		rv.log.Info("push delivered", "project", projectID, "ref", ref)
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"accepted": true,
		"ref":      ref,
	})
}

// sameRepo compares clone URLs ignoring case and a trailing .git.
func sameRepo(a, b string) bool {
	norm := func(u string) string {
		u = strings.TrimSuffix(strings.TrimSuffix(u, "/"), ".git")
		return strings.ToLower(u)
	}
	return norm(a) == norm(b)
}

func (rv *Receiver) reject(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, data map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
