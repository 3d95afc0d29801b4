package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ClientConfig holds configuration for the interview client
type ClientConfig struct {
	BridgeURL string `envconfig:"BRIDGE_URL" default:"ws://localhost:9090/ws"`

	// Seconds to wait in Processing before synthesizing the fallback result
	AnalysisTimeout int `envconfig:"ANALYSIS_TIMEOUT" default:"15"`

	// Capture configuration
	SampleRate   int `envconfig:"SAMPLE_RATE" default:"16000"`
	FrameSamples int `envconfig:"FRAME_SAMPLES" default:"1024"` // samples per audio callback
	VideoEvery   int `envconfig:"VIDEO_EVERY" default:"10"`     // one frame per N audio callbacks
	JPEGQuality  int `envconfig:"JPEG_QUALITY" default:"50"`

	QuestionsFile string `envconfig:"QUESTIONS_FILE" default:""`

	ReconnectMaxAttempts int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`
	ReconnectBackoff     int `envconfig:"RECONNECT_BACKOFF" default:"1000"` // milliseconds

	LogLevel  string `envconfig:"LOG_LEVEL" default:"warn"`
	LogPretty bool   `envconfig:"LOG_PRETTY" default:"true"`
}

// LoadClient reads INTERVIEW_* variables, loading .env first when present.
func LoadClient() (*ClientConfig, error) {
	_ = godotenv.Load()

	var cfg ClientConfig
	if err := envconfig.Process("interview", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load client config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the tunables are usable.
func (c *ClientConfig) Validate() error {
	if c.AnalysisTimeout <= 0 {
		return fmt.Errorf("ANALYSIS_TIMEOUT must be positive, got %d", c.AnalysisTimeout)
	}
	if c.VideoEvery < 0 {
		return fmt.Errorf("VIDEO_EVERY must not be negative, got %d", c.VideoEvery)
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return fmt.Errorf("JPEG_QUALITY must be within [1, 100], got %d", c.JPEGQuality)
	}
	if c.SampleRate <= 0 || c.FrameSamples <= 0 {
		return fmt.Errorf("SAMPLE_RATE and FRAME_SAMPLES must be positive")
	}
	return nil
}

// Timeout returns AnalysisTimeout as a duration.
func (c *ClientConfig) Timeout() time.Duration {
	return time.Duration(c.AnalysisTimeout) * time.Second
}

// Backoff returns ReconnectBackoff as a duration.
func (c *ClientConfig) Backoff() time.Duration {
	return time.Duration(c.ReconnectBackoff) * time.Millisecond
}
