package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/lexiqai/insight-bridge/internal/analysis"
	"github.com/lexiqai/insight-bridge/internal/observability"
	"github.com/lexiqai/insight-bridge/internal/protocol"
)

var (
	// ErrSessionClosed is returned by writes after the session was torn down.
	ErrSessionClosed = errors.New("session closed")

	errClientGone   = errors.New("client connection closed")
	errUpstreamGone = errors.New("upstream connection closed")
	errShutdown     = errors.New("relay shutting down")

	// errStaleTurn marks an upstream turn answering a question the client
	// already moved past.
	errStaleTurn = errors.New("upstream turn answers an earlier question")
)

const (
	triggerTurnComplete = "turn_complete"
	triggerStop         = "stop"
)

// finalizePrompt closes the media turn after a stop when nothing could be
// derived from the buffer yet, asking the peer for its analysis right away.
const finalizePrompt = "FIM DA RESPOSTA. O usuário terminou de responder. Envie agora o JSON final da análise."

// SessionConfig tunes one relay session.
type SessionConfig struct {
	AudioMimeType string
	MessageRate   rate.Limit // media frames per second, 0 disables rate limiting
	MessageBurst  int
	MaxTurnBytes  int // 0 disables the turn buffer cap
}

// Session pairs one client connection with one upstream connection. It owns
// the turn buffer; nothing in it is shared with other sessions.
type Session struct {
	id        string
	client    *wsConn
	upstream  *wsConn
	buffer    *TurnBuffer
	cfg       SessionConfig
	limiter   *rate.Limiter
	metrics   *observability.Metrics
	logger    zerolog.Logger
	startedAt time.Time

	// mu orders result extraction and client delivery against context resets.
	mu          sync.Mutex
	lastContext string

	// pendingTurns counts complete turns sent upstream and not yet answered;
	// staleTurns is how many of those belong to earlier questions.
	pendingTurns int
	staleTurns   int
}

// NewSession wires a client and an upstream connection together.
func NewSession(client, upstream *wsConn, cfg SessionConfig, logger zerolog.Logger) *Session {
	id := uuid.New().String()
	s := &Session{
		id:        id,
		client:    client,
		upstream:  upstream,
		buffer:    NewTurnBuffer(cfg.MaxTurnBytes),
		cfg:       cfg,
		metrics:   observability.NewSessionMetrics(id),
		logger:    logger.With().Str("session_id", id).Logger(),
		startedAt: time.Now(),
	}
	if cfg.MessageRate > 0 {
		burst := cfg.MessageBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(cfg.MessageRate, burst)
	}
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// LastContext returns the most recent question context sent by the client.
func (s *Session) LastContext() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastContext
}

// Run relays traffic until either side closes or ctx is cancelled. Whichever
// side ends first, both connections are closed before Run returns.
func (s *Session) Run(ctx context.Context) error {
	s.metrics.RecordSessionStart()
	defer s.metrics.RecordSessionEnd()

	s.logger.Info().Msg("Relay session started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(s.clientLoop)
	g.Go(s.upstreamLoop)
	g.Go(func() error {
		<-gctx.Done()
		s.closeBoth(context.Cause(gctx))
		return nil
	})

	err := g.Wait()
	s.logger.Info().
		Err(err).
		Dur("duration", time.Since(s.startedAt)).
		Msg("Relay session ended")

	if errors.Is(err, errClientGone) || errors.Is(err, errUpstreamGone) {
		return nil
	}
	return err
}

// Close tears the session down as if the relay were shutting down.
func (s *Session) Close() {
	s.closeBoth(errShutdown)
}

func (s *Session) closeBoth(cause error) {
	switch {
	case errors.Is(cause, errUpstreamGone):
		// The client learns its link is unusable; its own timeout covers the question.
		s.client.Close(websocket.CloseGoingAway, "upstream closed")
		s.upstream.Close(websocket.CloseNormalClosure, "")
	case errors.Is(cause, errClientGone):
		s.upstream.Close(websocket.CloseNormalClosure, "client closed")
		s.client.Close(websocket.CloseNormalClosure, "")
	default:
		s.client.Close(websocket.CloseGoingAway, "relay shutting down")
		s.upstream.Close(websocket.CloseNormalClosure, "")
	}
}

func (s *Session) clientLoop() error {
	for {
		data, err := s.client.ReadMessage()
		if err != nil {
			if !isExpectedClose(err) && !isClosed(s.client) {
				s.logger.Debug().Err(err).Msg("Client read ended")
			}
			return fmt.Errorf("%w: %v", errClientGone, err)
		}

		msg, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.metrics.RecordClientMessage("invalid")
			s.logger.Warn().Err(err).Int("bytes", len(data)).Msg("Dropping client message")
			continue
		}

		// Only media is shed; context and stop frames carry question boundaries.
		if msg.Kind() == protocol.KindMedia && s.limiter != nil && !s.limiter.Allow() {
			s.metrics.RecordClientMessage("rate_limited")
			continue
		}
		s.metrics.RecordClientMessage(string(msg.Kind()))

		if err := s.handleClientMessage(msg); err != nil {
			return err
		}
	}
}

func (s *Session) handleClientMessage(msg protocol.ClientMessage) error {
	switch msg.Kind() {
	case protocol.KindMedia:
		for _, c := range msg.RealtimeInput.MediaChunks {
			s.metrics.RecordMedia(c.MimeType, len(c.Data))
		}
		turn := protocol.NewMediaTurn(msg.RealtimeInput.MediaChunks, s.cfg.AudioMimeType)
		if err := s.upstream.WriteJSON(turn); err != nil {
			return fmt.Errorf("%w: %v", errUpstreamGone, err)
		}

	case protocol.KindContext:
		s.mu.Lock()
		s.buffer.Reset()
		s.lastContext = *msg.TextInput
		// Replies still owed for earlier turns must not answer this question.
		s.staleTurns = s.pendingTurns
		s.pendingTurns++
		s.mu.Unlock()
		s.metrics.RecordContext()

		s.logger.Debug().Msg("New question context, turn buffer reset")
		if err := s.upstream.WriteJSON(protocol.NewTextTurn(*msg.TextInput)); err != nil {
			return fmt.Errorf("%w: %v", errUpstreamGone, err)
		}

	case protocol.KindStop:
		delivered, err := s.deliver(s.flushTurn, triggerStop)
		if err != nil {
			return err
		}
		if !delivered && !s.buffer.Delivered() {
			s.mu.Lock()
			s.pendingTurns++
			s.mu.Unlock()
			if err := s.upstream.WriteJSON(protocol.NewTextTurn(finalizePrompt)); err != nil {
				return fmt.Errorf("%w: %v", errUpstreamGone, err)
			}
		}
	}
	return nil
}

func (s *Session) upstreamLoop() error {
	for {
		data, err := s.upstream.ReadMessage()
		if err != nil {
			if !isExpectedClose(err) && !isClosed(s.upstream) {
				s.metrics.RecordError("read", "upstream")
				s.logger.Warn().Err(err).Msg("Upstream read failed")
			}
			return fmt.Errorf("%w: %v", errUpstreamGone, err)
		}

		var msg protocol.ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.metrics.RecordError("decode", "upstream")
			s.logger.Warn().Err(err).Msg("Ignoring undecodable upstream frame")
			continue
		}
		if msg.Error != nil {
			s.logger.Error().
				Int("code", msg.Error.Code).
				Str("status", msg.Error.Status).
				Msg(msg.Error.Message)
			continue
		}

		if text := msg.Text(); text != "" {
			s.metrics.RecordFragment()
			if !s.buffer.Append(text) {
				s.logger.Debug().Int("bytes", len(text)).Msg("Turn over buffer limit, dropping fragment")
			}
		}

		if msg.ServerContent != nil && msg.ServerContent.Interrupted && !msg.TurnComplete() {
			s.mu.Lock()
			s.endTurn()
			s.buffer.Discard()
			s.mu.Unlock()
			s.logger.Debug().Msg("Upstream turn interrupted")
		}

		if msg.TurnComplete() {
			if _, err := s.deliver(s.completeTurn, triggerTurnComplete); err != nil {
				return err
			}
		}
	}
}

// completeTurn runs under mu when the peer closes a turn. A turn owed to an
// earlier question is drained without being parsed.
func (s *Session) completeTurn() (analysis.Result, error) {
	if s.endTurn() {
		s.buffer.Discard()
		return analysis.Result{}, errStaleTurn
	}
	return s.buffer.Complete()
}

// flushTurn runs under mu on stop. While earlier turns are still owed, the
// buffer holds their text, not this question's.
func (s *Session) flushTurn() (analysis.Result, error) {
	if s.staleTurns > 0 {
		return analysis.Result{}, errStaleTurn
	}
	return s.buffer.Flush()
}

// endTurn accounts for one answered upstream turn and reports whether it
// belonged to an earlier question. Callers hold mu.
func (s *Session) endTurn() bool {
	if s.pendingTurns > 0 {
		s.pendingTurns--
	}
	if s.staleTurns > 0 {
		s.staleTurns--
		return true
	}
	return false
}

// deliver runs one extraction and forwards a successful result to the
// client. Extraction failures are logged and swallowed; only a dead client
// connection is returned as an error.
func (s *Session) deliver(extract func() (analysis.Result, error), trigger string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := extract()
	if err != nil {
		outcome := turnOutcome(err)
		s.metrics.RecordTurn(outcome, trigger)
		switch outcome {
		case observability.TurnEmpty:
		case observability.TurnStale:
			s.logger.Debug().Str("trigger", trigger).Msg("Skipping reply to an earlier question")
		default:
			s.logger.Warn().Err(err).Str("trigger", trigger).Msg("Discarding upstream turn")
		}
		return false, nil
	}

	env, err := protocol.NewAnalysisEnvelope(result)
	if err != nil {
		s.metrics.RecordTurn(observability.TurnMalformed, trigger)
		s.logger.Error().Err(err).Msg("Failed to wrap analysis")
		return false, nil
	}
	if err := s.client.WriteJSON(env); err != nil {
		return false, fmt.Errorf("%w: %v", errClientGone, err)
	}

	s.metrics.RecordTurn(observability.TurnDelivered, trigger)
	s.logger.Info().
		Str("trigger", trigger).
		Str("sentimento", string(result.Sentiment)).
		Msg("Analysis delivered")
	return true, nil
}

func turnOutcome(err error) string {
	switch {
	case errors.Is(err, ErrAlreadyDelivered):
		return observability.TurnDuplicate
	case errors.Is(err, errStaleTurn):
		return observability.TurnStale
	case errors.Is(err, analysis.ErrNoPayload):
		return observability.TurnEmpty
	case errors.Is(err, analysis.ErrIrrelevant):
		return observability.TurnIrrelevant
	default:
		return observability.TurnMalformed
	}
}

func isExpectedClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	) || errors.Is(err, ErrSessionClosed)
}

func isClosed(c *wsConn) bool {
	select {
	case <-c.Done():
		return true
	default:
		return false
	}
}
