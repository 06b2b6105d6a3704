// Package config loads process configuration from the environment and the
// optional models file. A .env file, when present, is loaded by the binary
// entrypoint before Load runs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the process configuration.
type Config struct {
	// Bind address.
	Host string
	Port int

	// APIKey is the bearer token required on every request; either a literal
	// or a Secrets Manager ARN resolved at startup.
	APIKey string

	// AllowedOrigins is the CORS allow-list. Empty denies all cross-origin
	// requests.
	AllowedOrigins []string

	UseHTTPS bool
	CertFile string
	KeyFile  string

	// LogDir, when set, sends logs to a file under this directory instead of
	// stderr.
	LogDir string

	// IdleHorizon evicts agent sessions idle longer than this.
	IdleHorizon time.Duration

	// MaxTurns bounds model/tool round trips per chat request.
	MaxTurns int

	// BodyLimit is the request body ceiling in bytes. Images arrive inline
	// as base64, so this is generous.
	BodyLimit int64

	// ModelsFile points to the YAML model catalogue; empty uses built-ins.
	ModelsFile string

	// ScratchDir is the root under which per-user MCP working directories
	// are created.
	ScratchDir string

	// Persistence selection: a Redis address takes precedence over DynamoDB;
	// with neither set the store is in-memory (dev only).
	RedisAddr   string
	DynamoTable string
	AWSRegion   string

	// Provider credentials.
	AnthropicAPIKey string
	OpenAIAPIKey    string
}

// Load reads configuration from the environment, applying defaults and
// validating the combinations that cannot work.
func Load() (*Config, error) {
	cfg := &Config{
		Host:            envOr("MCP_SERVICE_HOST", "0.0.0.0"),
		APIKey:          os.Getenv("API_KEY"),
		CertFile:        os.Getenv("CERT_FILE"),
		KeyFile:         os.Getenv("KEY_FILE"),
		LogDir:          os.Getenv("LOG_DIR"),
		ModelsFile:      os.Getenv("MODELS_FILE"),
		ScratchDir:      envOr("MCP_SCRATCH_DIR", "/tmp/agentgate"),
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		DynamoTable:     os.Getenv("DDB_TABLE"),
		AWSRegion:       envOr("AWS_REGION", "us-east-1"),
		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		OpenAIAPIKey:    os.Getenv("OPENAI_API_KEY"),
	}

	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API_KEY is required")
	}

	port, err := envInt("MCP_SERVICE_PORT", 8080)
	if err != nil {
		return nil, err
	}
	cfg.Port = port

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		for _, origin := range strings.Split(origins, ",") {
			origin = strings.TrimSpace(origin)
			if origin == "" {
				continue
			}
			if origin == "*" {
				return nil, fmt.Errorf("ALLOWED_ORIGINS must not contain a wildcard")
			}
			cfg.AllowedOrigins = append(cfg.AllowedOrigins, origin)
		}
	}

	cfg.UseHTTPS = envBool("USE_HTTPS")
	if cfg.UseHTTPS && (cfg.CertFile == "" || cfg.KeyFile == "") {
		return nil, fmt.Errorf("USE_HTTPS requires CERT_FILE and KEY_FILE")
	}

	// INACTIVE_TIME is in minutes, matching the deployment convention.
	idleMinutes, err := envInt("INACTIVE_TIME", 30)
	if err != nil {
		return nil, err
	}
	if idleMinutes <= 0 {
		return nil, fmt.Errorf("INACTIVE_TIME must be positive")
	}
	cfg.IdleHorizon = time.Duration(idleMinutes) * time.Minute

	maxTurns, err := envInt("MAX_TURNS", 10)
	if err != nil {
		return nil, err
	}
	cfg.MaxTurns = maxTurns

	bodyMB, err := envInt("BODY_LIMIT_MB", 50)
	if err != nil {
		return nil, err
	}
	if bodyMB <= 0 {
		return nil, fmt.Errorf("BODY_LIMIT_MB must be positive")
	}
	cfg.BodyLimit = int64(bodyMB) << 20

	return cfg, nil
}

// Addr returns the bind address in host:port form.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}

func envBool(key string) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
