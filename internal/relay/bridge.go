// Package relay pairs each interview client websocket with its own upstream
// analysis connection and turns the upstream text stream into validated
// analysis results.
package relay

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/lexiqai/insight-bridge/internal/config"
	"github.com/lexiqai/insight-bridge/internal/observability"
	"github.com/lexiqai/insight-bridge/internal/resilience"
)

// DefaultInstruction is the behavioral instruction sent in every upstream
// setup unless SYSTEM_INSTRUCTION_FILE overrides it.
//
//go:embed instruction.txt
var DefaultInstruction string

// Bridge is the HTTP handler that accepts client websockets.
type Bridge struct {
	dialer   *UpstreamDialer
	sessCfg  SessionConfig
	registry *Registry
	upgrader websocket.Upgrader
	readMax  int64
	writeTTL time.Duration
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewBridge builds a Bridge from the relay configuration.
func NewBridge(cfg *config.Config, logger zerolog.Logger) (*Bridge, error) {
	instruction, err := cfg.SystemInstruction(DefaultInstruction)
	if err != nil {
		return nil, err
	}

	breaker := resilience.NewCircuitBreaker("upstream",
		cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second)

	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = cfg.RetryMaxAttempts
	retry.InitialBackoff = time.Duration(cfg.RetryInitialBackoff) * time.Millisecond

	dialer := &UpstreamDialer{
		URL:          cfg.UpstreamURL,
		APIKey:       cfg.GoogleAPIKey,
		Model:        cfg.UpstreamModel,
		Temperature:  cfg.UpstreamTemperature,
		Instruction:  strings.TrimSpace(instruction),
		DialTimeout:  cfg.DialTimeout(),
		SetupTimeout: cfg.SetupTimeout(),
		WriteTimeout: cfg.WriteTimeout(),
		MaxMessage:   int64(cfg.UpstreamMaxMessageKB) * 1024,
		Breaker:      breaker,
		Retry:        retry,
		Logger:       logger.With().Str("component", "upstream").Logger(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		dialer: dialer,
		sessCfg: SessionConfig{
			AudioMimeType: cfg.UpstreamAudioMimeType,
			MessageRate:   rate.Limit(cfg.ClientMessageRate),
			MessageBurst:  cfg.ClientMessageBurst,
			MaxTurnBytes:  cfg.TurnBufferMaxKB * 1024,
		},
		registry: NewRegistry(),
		readMax:  int64(cfg.ClientMaxMessageKB) * 1024,
		writeTTL: cfg.WriteTimeout(),
		logger:   logger.With().Str("component", "relay").Logger(),
		ctx:      ctx,
		cancel:   cancel,
	}
	b.upgrader = websocket.Upgrader{
		ReadBufferSize:  16 * 1024,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(cfg.Origins()),
	}
	return b, nil
}

// Registry exposes the live sessions.
func (b *Bridge) Registry() *Registry {
	return b.registry
}

// ServeHTTP upgrades the request and runs one relay session until either
// side closes.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		b.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
		observability.RecordError("upgrade", "relay")
		return
	}
	if b.readMax > 0 {
		raw.SetReadLimit(b.readMax)
	}
	client := newWSConn(raw, b.writeTTL)

	correlationID := r.Header.Get("X-Correlation-ID")
	if correlationID == "" {
		correlationID = observability.NewCorrelationID()
	}
	logger := b.logger.With().Str("correlation_id", correlationID).Logger()

	dialCtx, cancel := context.WithTimeout(b.ctx, b.dialer.DialTimeout*time.Duration(max(1, b.retryAttempts())))
	upstream, err := b.dialer.Dial(dialCtx)
	cancel()
	if err != nil {
		logger.Error().Err(err).Msg("Upstream unavailable, refusing client")
		client.Close(websocket.CloseTryAgainLater, "upstream unavailable")
		return
	}

	session := NewSession(client, upstream, b.sessCfg, logger)
	b.registry.Add(session)
	defer b.registry.Remove(session.ID())

	if err := session.Run(b.ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn().Err(err).Msg("Relay session ended with error")
	}
}

func (b *Bridge) retryAttempts() int {
	if b.dialer.Retry == nil {
		return resilience.DefaultRetryConfig().MaxAttempts
	}
	return b.dialer.Retry.MaxAttempts
}

// ReadinessChecks reports upstream availability and session load for /ready.
func (b *Bridge) ReadinessChecks() map[string]observability.HealthCheckFunc {
	return map[string]observability.HealthCheckFunc{
		"upstream": func(ctx context.Context) (bool, error) {
			if b.dialer.Breaker != nil && !b.dialer.Breaker.Allow() {
				return false, resilience.ErrCircuitOpen
			}
			return true, nil
		},
		"relay": func(ctx context.Context) (bool, error) {
			if b.ctx.Err() != nil {
				return false, errShutdown
			}
			return true, nil
		},
	}
}

// Shutdown stops accepting work and closes every live session. It waits for
// sessions to unregister until ctx is done.
func (b *Bridge) Shutdown(ctx context.Context) error {
	b.cancel()
	n := b.registry.CloseAll()
	b.logger.Info().Int("sessions", n).Msg("Closing relay sessions")

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for b.registry.Len() > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%d sessions still open: %w", b.registry.Len(), ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

// originChecker allows any origin when the allow-list is empty.
func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(strings.ToLower(o), "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Non-browser clients such as the CLI send no Origin.
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		_, ok := set[strings.ToLower(u.Scheme+"://"+u.Host)]
		return ok
	}
}
