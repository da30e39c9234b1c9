// Package config loads the control-plane configuration from environment
// variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds everything the control plane needs at boot.
type Config struct {
	ListenAddr string

	MongoURI string
	MongoDB  string

	AgentImage      string
	AgentPort       int
	AgentHealthPath string

	BaseDomain       string // empty disables ingress rendering
	IngressClassName string
	TLSSecretPattern string // e.g. "wildcard-%s-tls"; empty disables TLS blocks

	SystemToken   string // agent-system token injected into every project secret
	JWTSecret     string // HS256 key for API-key tokens
	WebhookSecret string // HMAC key for push deliveries; empty skips verification
	WorkspaceDir  string // clone target inside the agent container

	ActivationTimeout time.Duration
	OperationTimeout  time.Duration
	ReadinessPoll     time.Duration
	ReadinessTimeout  time.Duration
}

// Load reads configuration from the environment. A .env file, when present,
// seeds variables that are not already set (development convenience, same as
// the original deployment).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		ListenAddr:       getEnv("LISTEN_ADDR", ":8000"),
		MongoURI:         os.Getenv("MONGO_URI"),
		MongoDB:          getEnv("MONGO_DB", "spacegoose"),
		AgentImage:       os.Getenv("AGENT_IMAGE"),
		AgentHealthPath:  getEnv("AGENT_HEALTH_PATH", "/api/v1/health"),
		BaseDomain:       os.Getenv("BASE_DOMAIN"),
		IngressClassName: getEnv("INGRESS_CLASS", "nginx"),
		TLSSecretPattern: os.Getenv("TLS_SECRET_PATTERN"),
		SystemToken:      os.Getenv("GOOSE_SYSTEM_TOKEN"),
		JWTSecret:        os.Getenv("JWT_SECRET"),
		WebhookSecret:    os.Getenv("WEBHOOK_SECRET"),
		WorkspaceDir:     getEnv("AGENT_WORKSPACE_DIR", "/workspace"),
	}

	cfg.AgentPort = getEnvInt("AGENT_PORT", 3001)

	cfg.ActivationTimeout = getEnvDuration("ACTIVATION_TIMEOUT", 150*time.Second)
	cfg.OperationTimeout = getEnvDuration("OPERATION_TIMEOUT", 30*time.Second)
	cfg.ReadinessPoll = getEnvDuration("READINESS_POLL", 3*time.Second)
	cfg.ReadinessTimeout = getEnvDuration("READINESS_TIMEOUT", 120*time.Second)

	if cfg.MongoURI == "" {
		return nil, fmt.Errorf("MONGO_URI env var is required")
	}
	if cfg.AgentImage == "" {
		return nil, fmt.Errorf("AGENT_IMAGE env var is required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET env var is required")
	}

	return cfg, nil
}

// IngressEnabled reports whether per-project ingresses should be rendered.
func (c *Config) IngressEnabled() bool {
	return c.BaseDomain != ""
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}
