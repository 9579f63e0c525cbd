package main

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
)

const (
	storeNATS   = "nats"
	storeMemory = "memory"
)

// Config holds the service configuration.
type Config struct {
	NatsURL  string `env:"NATS_URL"  envDefault:"nats://localhost:4222"`
	NatsUser string `env:"NATS_USER" envDefault:"realtime-service"`
	NatsPass string `env:"NATS_PASS" envDefault:"realtime-service-secret"`
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8095"`
	// NodeID names this process in presence records and relay subjects.
	// Defaults to a random id.
	NodeID string `env:"NODE_ID"`

	// Authentication is off when KeycloakURL is empty.
	KeycloakURL       string `env:"KEYCLOAK_URL"`
	KeycloakRealm     string `env:"KEYCLOAK_REALM"      envDefault:"nats-chat"`
	KeycloakIssuerURL string `env:"KEYCLOAK_ISSUER_URL"`

	// Store is "nats" for JetStream KV buckets shared by every node, or
	// "memory" for a single node.
	Store           string        `env:"STORE"            envDefault:"nats"`
	PresenceTTL     time.Duration `env:"PRESENCE_TTL"     envDefault:"45s"`
	TypingTTL       time.Duration `env:"TYPING_TTL"       envDefault:"10s"`
	OfflineCapacity int           `env:"OFFLINE_CAPACITY" envDefault:"100"`

	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"`
	OtelEnabled bool   `env:"OTEL_ENABLED" envDefault:"false"`
}

func loadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// validate fills derived defaults and rejects settings the service cannot
// run with.
func (c *Config) validate() error {
	c.Store = strings.ToLower(strings.TrimSpace(c.Store))
	if c.Store != storeNATS && c.Store != storeMemory {
		return fmt.Errorf("STORE must be %q or %q, got %q", storeNATS, storeMemory, c.Store)
	}
	if c.NodeID == "" {
		c.NodeID = uuid.NewString()
	}
	if strings.ContainsAny(c.NodeID, ".*> ") {
		return fmt.Errorf("NODE_ID %q must be a single subject token", c.NodeID)
	}
	if c.PresenceTTL < 3*time.Second {
		return fmt.Errorf("PRESENCE_TTL must be at least 3s, got %s", c.PresenceTTL)
	}
	if c.TypingTTL <= 0 {
		return fmt.Errorf("TYPING_TTL must be positive, got %s", c.TypingTTL)
	}
	if c.OfflineCapacity <= 0 {
		return fmt.Errorf("OFFLINE_CAPACITY must be positive, got %d", c.OfflineCapacity)
	}
	if _, err := parseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// heartbeatInterval renews presence and viewer keys three times per TTL.
func (c Config) heartbeatInterval() time.Duration {
	return c.PresenceTTL / 3
}

func parseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return level, nil
}
