// Package api is the HTTP surface of the control plane. Handlers are thin:
// parse and validate, call the engine or the proxy, translate errors to
// status codes.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-logr/logr"

	"github.com/spacegoose/k8s-manager/internal/agentproxy"
	"github.com/spacegoose/k8s-manager/internal/auth"
	"github.com/spacegoose/k8s-manager/internal/lifecycle"
	"github.com/spacegoose/k8s-manager/internal/metrics"
	"github.com/spacegoose/k8s-manager/internal/store"
	"github.com/spacegoose/k8s-manager/internal/webhook"
	"github.com/spacegoose/k8s-manager/pkg/apierror"
)

// Server wires the HTTP routes to the engine, the proxy and the store.
type Server struct {
	store       store.Store
	engine      *lifecycle.Engine
	proxy       *agentproxy.Proxy
	auth        *auth.Manager
	receiver    *webhook.Receiver
	systemToken string
	metrics     *metrics.Metrics
	log         logr.Logger
}

// New builds a Server. systemToken guards the user-management endpoints.
func New(st store.Store, engine *lifecycle.Engine, proxy *agentproxy.Proxy, authMgr *auth.Manager, receiver *webhook.Receiver, systemToken string, m *metrics.Metrics, log logr.Logger) *Server {
	return &Server{
		store:       st,
		engine:      engine,
		proxy:       proxy,
		auth:        authMgr,
		receiver:    receiver,
		systemToken: systemToken,
		metrics:     m,
		log:         log.WithName("api"),
	}
}

// Router assembles the full route tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-API-Key"},
	}))
	r.Use(s.instrument)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	// Push deliveries authenticate by HMAC signature, not API key.
	r.Post("/webhook/github/{user}/{pid}", s.receiver.Handle)

	// User management is an operator surface, guarded by the system token.
	r.Group(func(r chi.Router) {
		r.Use(s.systemAuth)
		r.Get("/users", s.handleListUsers)
		r.Post("/users", s.handleCreateUser)
		r.Delete("/users/{user}", s.handleDeleteUser)
	})

	// Everything under a user id requires that user's API key.
	r.Route("/users/{user}", func(r chi.Router) {
		r.Use(s.auth.Middleware)

		r.Put("/github-key", s.handlePutUserGithubKey)
		r.Get("/github-key", s.handleGetUserGithubKey)
		r.Delete("/github-key", s.handleDeleteUserGithubKey)

		r.Put("/api-key", s.handlePutUserAPIKey)
		r.Get("/api-key", s.handleGetUserAPIKey)
		r.Delete("/api-key", s.handleDeleteUserAPIKey)

		r.Route("/projects", func(r chi.Router) {
			r.Get("/", s.handleListProjects)
			r.Post("/", s.handleCreateProject)

			r.Route("/{pid}", func(r chi.Router) {
				r.Put("/", s.handleRenameProject)
				r.Delete("/", s.handleDeleteProject)
				r.Post("/activate", s.handleActivateProject)
				r.Post("/deactivate", s.handleDeactivateProject)
				r.Post("/clone-repository", s.handleCloneRepository)
				r.Put("/github-key", s.handlePutProjectGithubKey)
				r.Put("/api-key", s.handlePutProjectAPIKey)
				r.Get("/agent/status", s.handleAgentStatus)

				r.Post("/sessions", s.handleCreateSession)
				r.Get("/sessions", s.handleListSessions)
				r.Delete("/sessions/{sid}", s.handleDeleteSession)
				r.Get("/sessions/{sid}/messages", s.handleSessionMessages)

				r.Post("/messages", s.handleStreamMessage)
				r.Post("/messages/send", s.handleSendMessage)

				r.Get("/settings", s.handleGetSettings)
				r.Put("/settings", s.handlePutSettings)
				r.Get("/settings/{key}", s.handleGetSetting)
				r.Put("/settings/{key}", s.handlePutSetting)
				r.Delete("/settings/{key}", s.handleDeleteSetting)

				r.Get("/extensions", s.handleListExtensions)
				r.Post("/extensions", s.handleAddExtension)
				r.Put("/extensions/{name}", s.handleUpdateExtension)
				r.Delete("/extensions/{name}", s.handleRemoveExtension)
				r.Post("/extensions/{name}/toggle", s.handleToggleExtension)
			})
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// systemAuth guards operator endpoints with the shared system token.
func (s *Server) systemAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.systemToken == "" || r.Header.Get("X-API-Key") != s.systemToken {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "system token required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// instrument counts requests by route pattern and status.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		s.metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).Inc()
	})
}

// loadOwnedProject resolves {pid} and enforces ownership by the path user.
// Foreign projects read as absent.
func (s *Server) loadOwnedProject(r *http.Request) (string, error) {
	userID := chi.URLParam(r, "user")
	projectID := chi.URLParam(r, "pid")
	project, err := s.store.GetProject(r.Context(), projectID)
	if err != nil {
		return "", err
	}
	if project.UserID != userID {
		return "", apierror.New(apierror.KindNotFound, "project %q not found", projectID)
	}
	return projectID, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError translates the taxonomy to a status code and a JSON detail.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ae *apierror.Error
	if errors.As(err, &ae) {
		if ae.HTTPStatus() >= http.StatusInternalServerError {
			s.log.Error(err, "request failed", "path", r.URL.Path)
		}
		writeJSON(w, ae.HTTPStatus(), map[string]string{"detail": ae.Message})
		return
	}
	s.log.Error(err, "unclassified failure", "path", r.URL.Path)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "internal error"})
}

// decodeBody parses a JSON request body into dst.
func decodeBody(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apierror.Wrap(apierror.KindInvalidArgument, err, "malformed request body")
	}
	return nil
}
