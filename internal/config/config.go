// Package config loads process configuration from environment variables,
// the way every cmd/* entrypoint in this repo starts up.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config holds everything a backplane process needs to start: where the
// bus lives and where the static catalogue data is. BusRequestTimeout is
// loaded and validated, but no component reads it: request/reply calls
// use their own timeout or bus.DefaultRequestTimeout.
type Config struct {
	NATSEndpoint   string
	NATSName       string
	AccountsPath   string
	CharactersPath string
	UniversePath   string

	GatewayAddr       string
	GatewayHealthAddr string

	BusRequestTimeout   time.Duration
	SessionPingInterval time.Duration

	AdminAllowedOrigins []string
}

// Load reads configuration from environment variables, applying the same
// defaults a developer running this against a local NATS would want.
func Load() (*Config, error) {
	cfg := &Config{
		NATSEndpoint:         getEnv("NATS_ENDPOINT", "nats://127.0.0.1:4222"),
		NATSName:             getEnv("NATS_CLIENT_NAME", "poq"),
		AccountsPath:         getEnv("ACCOUNTS_PATH", "./data/accounts.json"),
		CharactersPath:       getEnv("CHARACTERS_PATH", "./data/characters.json"),
		UniversePath:         getEnv("UNIVERSE_PATH", "./data/universe.json"),
		GatewayAddr:          getEnv("GATEWAY_ADDR", ":7070"),
		GatewayHealthAddr:    getEnv("GATEWAY_HEALTH_ADDR", ":8080"),
		BusRequestTimeout:    getEnvDuration("BUS_REQUEST_TIMEOUT", 10*time.Second),
		SessionPingInterval:  getEnvDuration("SESSION_PING_INTERVAL", 30*time.Second),
		AdminAllowedOrigins:  getEnvList("ADMIN_ALLOWED_ORIGINS", []string{"*"}),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.NATSEndpoint == "" {
		return fmt.Errorf("NATS_ENDPOINT cannot be empty")
	}
	if c.AccountsPath == "" {
		return fmt.Errorf("ACCOUNTS_PATH cannot be empty")
	}
	if c.CharactersPath == "" {
		return fmt.Errorf("CHARACTERS_PATH cannot be empty")
	}
	if c.UniversePath == "" {
		return fmt.Errorf("UNIVERSE_PATH cannot be empty")
	}
	if c.BusRequestTimeout <= 0 {
		return fmt.Errorf("BUS_REQUEST_TIMEOUT must be > 0")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	parts := strings.Split(value, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			origins = append(origins, p)
		}
	}
	if len(origins) == 0 {
		return fallback
	}
	return origins
}
