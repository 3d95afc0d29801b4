package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the relay bridge service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"9090"`

	// Comma separated list of allowed browser origins. Empty allows any origin.
	AllowedOrigins string `envconfig:"ALLOWED_ORIGINS" default:""`

	// Upstream analysis service
	GoogleAPIKey          string  `envconfig:"GOOGLE_API_KEY" required:"true"`
	UpstreamURL           string  `envconfig:"UPSTREAM_URL" default:"wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1alpha.GenerativeService.BidiGenerateContent"`
	UpstreamModel         string  `envconfig:"UPSTREAM_MODEL" default:"gemini-2.0-flash-exp"`
	UpstreamTemperature   float64 `envconfig:"UPSTREAM_TEMPERATURE" default:"0.6"`
	UpstreamAudioMimeType string  `envconfig:"UPSTREAM_AUDIO_MIME_TYPE" default:"audio/pcm;rate=16000"`
	UpstreamSetupTimeout  int     `envconfig:"UPSTREAM_SETUP_TIMEOUT" default:"10"` // seconds
	UpstreamDialTimeout   int     `envconfig:"UPSTREAM_DIAL_TIMEOUT" default:"15"`  // seconds
	SystemInstructionFile string  `envconfig:"SYSTEM_INSTRUCTION_FILE" default:""`  // overrides the embedded instruction

	// Upstream frame and turn size limits
	UpstreamMaxMessageKB int `envconfig:"UPSTREAM_MAX_MESSAGE_KB" default:"1024"` // read limit per upstream frame
	TurnBufferMaxKB      int `envconfig:"TURN_BUFFER_MAX_KB" default:"256"`       // text kept for one upstream turn, 0 disables

	// Client connection handling
	ClientWriteTimeout  int     `envconfig:"CLIENT_WRITE_TIMEOUT" default:"5"`    // seconds
	ClientMaxMessageKB  int     `envconfig:"CLIENT_MAX_MESSAGE_KB" default:"2048"` // read limit per client frame
	ClientMessageRate   float64 `envconfig:"CLIENT_MESSAGE_RATE" default:"200"`    // messages per second, 0 disables
	ClientMessageBurst  int     `envconfig:"CLIENT_MESSAGE_BURST" default:"400"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Upstream dial attempts
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.GoogleAPIKey == "" {
		return nil, fmt.Errorf("GOOGLE_API_KEY is required")
	}
	if cfg.UpstreamTemperature < 0 || cfg.UpstreamTemperature > 2 {
		return nil, fmt.Errorf("UPSTREAM_TEMPERATURE must be within [0, 2], got %v", cfg.UpstreamTemperature)
	}

	return &cfg, nil
}

// Origins returns the parsed allow-list of browser origins.
func (c *Config) Origins() []string {
	if strings.TrimSpace(c.AllowedOrigins) == "" {
		return nil
	}
	var out []string
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// SetupTimeout is the wait for the upstream setupComplete acknowledgement.
func (c *Config) SetupTimeout() time.Duration {
	return time.Duration(c.UpstreamSetupTimeout) * time.Second
}

// DialTimeout bounds a single upstream websocket handshake.
func (c *Config) DialTimeout() time.Duration {
	return time.Duration(c.UpstreamDialTimeout) * time.Second
}

// WriteTimeout is the deadline applied to every client write.
func (c *Config) WriteTimeout() time.Duration {
	return time.Duration(c.ClientWriteTimeout) * time.Second
}

// SystemInstruction returns the instruction text from SystemInstructionFile,
// or fallback when no file is configured.
func (c *Config) SystemInstruction(fallback string) (string, error) {
	if c.SystemInstructionFile == "" {
		return fallback, nil
	}
	data, err := os.ReadFile(c.SystemInstructionFile)
	if err != nil {
		return "", fmt.Errorf("failed to read system instruction: %w", err)
	}
	return string(data), nil
}
