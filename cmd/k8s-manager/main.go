// k8s-manager is the control plane binary: it connects the metadata store
// and the cluster, wires the lifecycle engine, the repo cloner, the agent
// proxy and the HTTP API, and serves until SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/zapr"
	"go.uber.org/zap"

	"github.com/spacegoose/k8s-manager/internal/agentproxy"
	"github.com/spacegoose/k8s-manager/internal/api"
	"github.com/spacegoose/k8s-manager/internal/auth"
	"github.com/spacegoose/k8s-manager/internal/cloner"
	"github.com/spacegoose/k8s-manager/internal/config"
	"github.com/spacegoose/k8s-manager/internal/lifecycle"
	"github.com/spacegoose/k8s-manager/internal/metrics"
	"github.com/spacegoose/k8s-manager/internal/orchestrator"
	"github.com/spacegoose/k8s-manager/internal/render"
	"github.com/spacegoose/k8s-manager/internal/store"
	"github.com/spacegoose/k8s-manager/internal/webhook"
)

const shutdownGrace = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "k8s-manager:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	zapLog, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer func() { _ = zapLog.Sync() }()
	log := zapr.NewLogger(zapLog).WithName("k8s-manager")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bootCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	st, err := store.NewMongo(bootCtx, cfg.MongoURI, cfg.MongoDB)
	if err != nil {
		return fmt.Errorf("connecting to mongodb: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = st.Close(closeCtx)
	}()

	restConfig, err := orchestrator.ResolveRESTConfig()
	if err != nil {
		return fmt.Errorf("resolving cluster config: %w", err)
	}
	clientset, err := orchestrator.NewClientset(restConfig)
	if err != nil {
		return fmt.Errorf("building cluster client: %w", err)
	}
	orch := orchestrator.New(clientset, restConfig, log)

	m := metrics.New()
	renderer := render.New(render.Config{
		AgentImage:       cfg.AgentImage,
		AgentPort:        cfg.AgentPort,
		AgentHealthPath:  cfg.AgentHealthPath,
		BaseDomain:       cfg.BaseDomain,
		IngressClassName: cfg.IngressClassName,
		TLSSecretPattern: cfg.TLSSecretPattern,
	})
	repoCloner := cloner.New(orch, cfg.WorkspaceDir, log)
	engine := lifecycle.New(st, orch, renderer, repoCloner, lifecycle.Config{
		SystemToken:       cfg.SystemToken,
		AgentHealthPath:   cfg.AgentHealthPath,
		ActivationTimeout: cfg.ActivationTimeout,
		OperationTimeout:  cfg.OperationTimeout,
		ReadinessPoll:     cfg.ReadinessPoll,
		ReadinessTimeout:  cfg.ReadinessTimeout,
	}, m, log)
	proxy := agentproxy.New(st, cfg.AgentHealthPath, m, log)
	authMgr := auth.New(cfg.JWTSecret)
	receiver := webhook.New(st, engine, cfg.WebhookSecret, m, log)
	server := api.New(st, engine, proxy, authMgr, receiver, cfg.SystemToken, m, log)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
