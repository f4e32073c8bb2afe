// Package config loads the gateway's process-wide configuration from
// the environment, matching the env-var surface spec.md §6.1 enumerates.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/signet-gw/gateway/pkg/tenant"
)

// Config holds server configuration. Loaded once at startup; read-only
// from the hot path thereafter (spec.md §9 Design Notes: "forbid
// re-reads in the hot path").
type Config struct {
	Port int

	Storage     string // "sqlite", "postgres", or "memory"
	DBPath      string
	PostgresURL string

	PrivateKeyB64 string
	KID           string

	AdminJWTSecret string

	APIKeys         map[string]tenant.Config
	HELAllowlist    []string
	ReservedConfig  string

	RedisURL      string
	LogLevel      string
	OTLPEndpoint  string

	OpenAIAPIKey  string
	StripeAPIKey  string

	ArtifactStore string // "file", "s3", or "gcs"
	ArtifactPath  string

	SemanticAmountTolerance float64
}

// Load reads configuration from the process environment, falling back
// to the defaults the original implementation and the teacher's config
// loader both use.
func Load() (*Config, error) {
	c := &Config{
		Port:                    envInt("PORT", 8088),
		Storage:                 strings.ToLower(envOr("STORAGE", "sqlite")),
		DBPath:                  envOr("DB_PATH", "./data/gateway.db"),
		PostgresURL:             os.Getenv("POSTGRES_URL"),
		PrivateKeyB64:           os.Getenv("PRIVATE_KEY_B64"),
		KID:                     os.Getenv("KID"),
		AdminJWTSecret:          os.Getenv("ADMIN_JWT_SECRET"),
		HELAllowlist:            splitCSV(os.Getenv("HEL_ALLOWLIST")),
		ReservedConfig:          os.Getenv("RESERVED_CONFIG"),
		RedisURL:                os.Getenv("REDIS_URL"),
		LogLevel:                envOr("LOG_LEVEL", "INFO"),
		OTLPEndpoint:            os.Getenv("OTLP_ENDPOINT"),
		OpenAIAPIKey:            os.Getenv("OPENAI_API_KEY"),
		StripeAPIKey:            os.Getenv("STRIPE_API_KEY"),
		ArtifactStore:           envOr("ARTIFACT_STORE", "file"),
		ArtifactPath:            envOr("ARTIFACT_PATH", "./data/artifacts"),
		SemanticAmountTolerance: envFloat("SEMANTIC_AMOUNT_TOLERANCE", 0.01),
	}

	if c.Storage == "postgres" && c.PostgresURL == "" {
		return nil, fmt.Errorf("config: STORAGE=postgres requires POSTGRES_URL")
	}

	apiKeys, err := parseAPIKeys(os.Getenv("API_KEYS"))
	if err != nil {
		return nil, fmt.Errorf("config: API_KEYS: %w", err)
	}
	c.APIKeys = apiKeys

	if err := LoadReservedConfig(c.ReservedConfig, c.APIKeys); err != nil {
		return nil, err
	}

	return c, nil
}

func parseAPIKeys(raw string) (map[string]tenant.Config, error) {
	out := map[string]tenant.Config{}
	if raw == "" {
		return out, nil
	}
	var mapping map[string]tenant.Config
	if err := json.Unmarshal([]byte(raw), &mapping); err != nil {
		return nil, err
	}
	for k, v := range mapping {
		v.Tenant = firstNonEmpty(v.Tenant, k)
		out[k] = v
	}
	return out, nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envInt(name string, def int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(name string, def float64) float64 {
	if v := os.Getenv(name); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
