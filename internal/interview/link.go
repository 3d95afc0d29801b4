package interview

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/insight-bridge/internal/analysis"
	"github.com/lexiqai/insight-bridge/internal/protocol"
)

// Link is the controller's connection to the relay.
type Link interface {
	Connect(ctx context.Context) error
	Send(msg protocol.ClientMessage) error
	Results() <-chan analysis.Result
	Connected() bool
	Close() error
}

// BridgeLink is a Link over a gorilla websocket. Results keep flowing on the
// same channel across reconnects.
type BridgeLink struct {
	url       string
	dialer    websocket.Dialer
	writeWait time.Duration
	logger    zerolog.Logger

	mu   sync.Mutex
	conn *websocket.Conn

	writeMu sync.Mutex

	results   chan analysis.Result
	done      chan struct{}
	closeOnce sync.Once
}

// NewBridgeLink prepares a link to the relay websocket at url.
func NewBridgeLink(url string, logger zerolog.Logger) *BridgeLink {
	return &BridgeLink{
		url: url,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		writeWait: 5 * time.Second,
		logger:    logger.With().Str("component", "bridge_link").Logger(),
		results:   make(chan analysis.Result, 8),
		done:      make(chan struct{}),
	}
}

// Connect dials the relay, replacing any previous connection.
func (l *BridgeLink) Connect(ctx context.Context) error {
	select {
	case <-l.done:
		return ErrNotConnected
	default:
	}

	conn, resp, err := l.dialer.DialContext(ctx, l.url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("failed to connect to relay: %w", err)
	}

	l.mu.Lock()
	old := l.conn
	l.conn = conn
	l.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	go l.readLoop(conn)
	l.logger.Debug().Str("url", l.url).Msg("Connected to relay")
	return nil
}

// Send writes one client message. It fails fast with ErrNotConnected when
// the link is down.
func (l *BridgeLink) Send(msg protocol.ClientMessage) error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(l.writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		l.drop(conn)
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

// Results delivers every analysis the relay sends.
func (l *BridgeLink) Results() <-chan analysis.Result {
	return l.results
}

// Connected reports whether a relay connection is open.
func (l *BridgeLink) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn != nil
}

// Close shuts the link down for good.
func (l *BridgeLink) Close() error {
	l.closeOnce.Do(func() { close(l.done) })

	l.mu.Lock()
	conn := l.conn
	l.conn = nil
	l.mu.Unlock()
	if conn == nil {
		return nil
	}

	l.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	l.writeMu.Unlock()
	return conn.Close()
}

func (l *BridgeLink) readLoop(conn *websocket.Conn) {
	defer l.drop(conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ce, ok := err.(*websocket.CloseError); ok {
				l.logger.Warn().Int("code", ce.Code).Str("reason", ce.Text).Msg("Relay closed the connection")
			} else {
				l.logger.Debug().Err(err).Msg("Relay read ended")
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type != protocol.EnvelopeTypeAnalysis {
			l.logger.Debug().Msg("Ignoring unexpected relay frame")
			continue
		}
		result, err := analysis.Decode(env.Data)
		if err != nil {
			l.logger.Warn().Err(err).Msg("Discarding invalid analysis")
			continue
		}

		select {
		case l.results <- result:
		case <-l.done:
			return
		}
	}
}

// drop forgets conn if it is still the current connection.
func (l *BridgeLink) drop(conn *websocket.Conn) {
	l.mu.Lock()
	if l.conn == conn {
		l.conn = nil
	}
	l.mu.Unlock()
	_ = conn.Close()
}
