package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/insight-bridge/internal/observability"
	"github.com/lexiqai/insight-bridge/internal/protocol"
	"github.com/lexiqai/insight-bridge/internal/resilience"
)

// ErrSetupTimeout means the upstream peer accepted the socket but never
// acknowledged the setup frame.
var ErrSetupTimeout = errors.New("upstream setup not acknowledged")

// UpstreamDialer opens and handshakes connections to the analysis peer.
type UpstreamDialer struct {
	URL          string
	APIKey       string
	Model        string
	Temperature  float64
	Instruction  string
	DialTimeout  time.Duration
	SetupTimeout time.Duration
	WriteTimeout time.Duration
	MaxMessage   int64

	Breaker *resilience.CircuitBreaker
	Retry   *resilience.RetryConfig
	Logger  zerolog.Logger
}

// Dial connects, sends the setup frame and waits for setupComplete. Transient
// failures are retried; repeated failures trip the circuit breaker.
func (d *UpstreamDialer) Dial(ctx context.Context) (*wsConn, error) {
	var conn *wsConn

	attempt := func(ctx context.Context) error {
		call := func() error {
			c, err := d.dialOnce(ctx)
			if err != nil {
				return err
			}
			conn = c
			return nil
		}
		if d.Breaker == nil {
			return call()
		}
		return d.Breaker.Call(call)
	}

	err := resilience.Retry(ctx, attempt, d.Retry, func(err error) bool {
		if errors.Is(err, ErrSetupTimeout) {
			return true
		}
		return resilience.IsRetryableNetworkError(err)
	})
	if err != nil {
		observability.RecordError("dial", "upstream")
		return nil, err
	}
	return conn, nil
}

func (d *UpstreamDialer) dialOnce(ctx context.Context) (*wsConn, error) {
	endpoint, err := d.endpoint()
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.DialTimeout,
	}

	raw, resp, err := dialer.DialContext(ctx, endpoint, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("upstream dial failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("upstream dial failed: %w", err)
	}
	if d.MaxMessage > 0 {
		raw.SetReadLimit(d.MaxMessage)
	}

	conn := newWSConn(raw, d.WriteTimeout)
	if err := d.handshake(conn); err != nil {
		conn.Close(websocket.CloseNormalClosure, "setup failed")
		return nil, err
	}

	d.Logger.Debug().Str("model", d.Model).Msg("Upstream setup complete")
	return conn, nil
}

func (d *UpstreamDialer) handshake(conn *wsConn) error {
	setup := protocol.NewSetup(d.Model, d.Temperature, d.Instruction)
	if err := conn.WriteJSON(setup); err != nil {
		return fmt.Errorf("failed to send setup: %w", err)
	}

	if d.SetupTimeout > 0 {
		_ = conn.conn.SetReadDeadline(time.Now().Add(d.SetupTimeout))
		defer conn.conn.SetReadDeadline(time.Time{})
	}

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				return ErrSetupTimeout
			}
			return fmt.Errorf("upstream closed during setup: %w", err)
		}

		var msg protocol.ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			d.Logger.Warn().Err(err).Msg("Ignoring undecodable upstream frame during setup")
			continue
		}
		if msg.Error != nil {
			return fmt.Errorf("upstream rejected setup: %s (%d)", msg.Error.Message, msg.Error.Code)
		}
		if msg.SetupComplete != nil {
			return nil
		}
	}
}

func (d *UpstreamDialer) endpoint() (string, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return "", fmt.Errorf("invalid upstream URL: %w", err)
	}
	if d.APIKey != "" {
		q := u.Query()
		q.Set("key", d.APIKey)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
