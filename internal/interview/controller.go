// Package interview drives one interview: consent, per-question recording,
// waiting for the analysis, and the fallback when it never comes.
package interview

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/insight-bridge/internal/analysis"
	"github.com/lexiqai/insight-bridge/internal/protocol"
	"github.com/lexiqai/insight-bridge/internal/resilience"
)

var (
	// ErrNotConnected means the relay link is down.
	ErrNotConnected = errors.New("not connected to relay")
	// ErrInvalidTransition means the operation is not allowed in the current state.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrFinished means every question has been answered.
	ErrFinished = errors.New("interview finished")
)

// PendingFeedback is shown while a result carries no insight text.
const PendingFeedback = "IA analisando..."

// DefaultTimeout is how long Processing waits for a real result.
const DefaultTimeout = 15 * time.Second

// State is the controller's position in the interview.
type State int

const (
	StateAwaitingConsent State = iota
	StateConnecting
	StateReady
	StateRecording
	StateProcessing
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateAwaitingConsent:
		return "awaiting_consent"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateRecording:
		return "recording"
	case StateProcessing:
		return "processing"
	case StateFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Transition is emitted on every state change.
type Transition struct {
	From     State
	To       State
	Question int // index of the current question after the change
	Fallback bool
}

// Recorder is the capture side: Start acquires the devices, Stop releases
// them and returns once nothing more will be sent.
type Recorder interface {
	Start() error
	Stop()
}

// Options tunes a Controller.
type Options struct {
	Timeout   time.Duration
	Reconnect *resilience.ReconnectConfig
	Logger    zerolog.Logger
}

// Controller is the interview state machine. Exactly one result, real or
// fallback, is recorded per question.
type Controller struct {
	questions []Question
	link      Link
	rec       Recorder
	opts      Options
	logger    zerolog.Logger

	mu       sync.Mutex
	state    State
	index    int
	results  []analysis.Result
	feedback string
	timer    *time.Timer
	gen      uint64 // bumped whenever the pending timer must be ignored

	changes   chan Transition
	done      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

// NewController builds a controller in AwaitingConsent.
func NewController(questions []Question, link Link, rec Recorder, opts Options) *Controller {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Controller{
		questions: questions,
		link:      link,
		rec:       rec,
		opts:      opts,
		logger:    opts.Logger.With().Str("component", "controller").Logger(),
		changes:   make(chan Transition, 32),
		done:      make(chan struct{}),
		closed:    make(chan struct{}),
	}
}

// Consent records the candidate's consent and connects to the relay.
// On failure the controller stays in Connecting and Reconnect may be used.
func (c *Controller) Consent(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateAwaitingConsent {
		defer c.mu.Unlock()
		return c.invalid("consent")
	}
	if len(c.questions) == 0 {
		c.mu.Unlock()
		return fmt.Errorf("%w: no questions", ErrFinished)
	}
	c.setState(StateConnecting, false)
	c.mu.Unlock()

	go c.consumeResults()
	return c.connect(ctx)
}

// Reconnect re-establishes the relay link with backoff, replacing any dead
// connection. A pending timeout keeps running, so an interrupted question
// still resolves.
func (c *Controller) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateAwaitingConsent:
		defer c.mu.Unlock()
		return c.invalid("reconnect")
	case StateFinished:
		c.mu.Unlock()
		return ErrFinished
	}
	c.mu.Unlock()

	return c.connect(ctx)
}

func (c *Controller) connect(ctx context.Context) error {
	cfg := resilience.ReconnectConfig{MaxAttempts: 1}
	if c.opts.Reconnect != nil {
		cfg = *c.opts.Reconnect
	}
	if cfg.Logger == nil {
		cfg.Logger = &c.logger
	}
	if err := resilience.Reconnect(ctx, c.link.Connect, &cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateConnecting {
		c.setState(StateReady, false)
	}
	return nil
}

// StartRecording opens the current question. The context turn is sent
// before capture is acquired; without a relay link the transition is
// refused.
func (c *Controller) StartRecording() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateReady:
	case StateFinished:
		return ErrFinished
	default:
		return c.invalid("start recording")
	}
	if !c.link.Connected() {
		return ErrNotConnected
	}

	c.feedback = ""
	q := c.questions[c.index]
	if err := c.link.Send(protocol.NewContextMessage(q.ContextMessage())); err != nil {
		return fmt.Errorf("failed to send question context: %w", err)
	}
	if err := c.rec.Start(); err != nil {
		return err
	}

	c.setState(StateRecording, false)
	c.logger.Debug().Int("question_id", q.ID).Msg("Recording started")
	return nil
}

// StopRecording releases capture, asks the relay for the analysis, and
// starts the timeout window.
func (c *Controller) StopRecording() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateRecording:
	case StateFinished:
		return ErrFinished
	default:
		return c.invalid("stop recording")
	}

	c.rec.Stop()
	if err := c.link.Send(protocol.NewStopMessage()); err != nil {
		c.logger.Warn().Err(err).Msg("Stop signal not delivered, waiting for timeout")
	}

	c.setState(StateProcessing, false)
	c.armTimer()
	return nil
}

// State returns the current state and question index.
func (c *Controller) State() (State, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.index
}

// Question returns the question currently being asked.
func (c *Controller) Question() (Question, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.index >= len(c.questions) {
		return Question{}, false
	}
	return c.questions[c.index], true
}

// Results returns the recorded results in question order.
func (c *Controller) Results() []analysis.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]analysis.Result(nil), c.results...)
}

// Feedback returns the insight of the most recent analysis, cleared when
// the next recording starts.
func (c *Controller) Feedback() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.feedback
}

// Changes streams state transitions. Slow readers miss transitions rather
// than stall the controller.
func (c *Controller) Changes() <-chan Transition {
	return c.changes
}

// Done is closed once the last question has a result.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Close stops the timer and the result consumer and closes the link.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })

	c.mu.Lock()
	c.stopTimer()
	if c.state == StateRecording {
		c.rec.Stop()
	}
	c.mu.Unlock()
	return c.link.Close()
}

func (c *Controller) consumeResults() {
	for {
		select {
		case <-c.closed:
			return
		case r := <-c.link.Results():
			c.onResult(r)
		}
	}
}

func (c *Controller) onResult(r analysis.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateRecording:
		// An early result ends the answer; capture is released first.
		c.rec.Stop()
		c.setState(StateProcessing, false)
	case StateProcessing:
	default:
		c.logger.Debug().Str("state", c.state.String()).Msg("Ignoring result outside a question")
		return
	}

	c.feedback = r.Insight
	if c.feedback == "" {
		c.feedback = PendingFeedback
	}
	c.accept(r)
}

func (c *Controller) armTimer() {
	c.stopTimer()
	gen := c.gen
	c.timer = time.AfterFunc(c.opts.Timeout, func() { c.expire(gen) })
}

// stopTimer invalidates the pending timer even if it already fired.
func (c *Controller) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.gen++
}

func (c *Controller) expire(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen || c.state != StateProcessing {
		return
	}
	c.logger.Warn().
		Int("question", c.index+1).
		Dur("timeout", c.opts.Timeout).
		Msg("No analysis received, using fallback")
	c.accept(analysis.Fallback())
}

// accept records the single result of the current question and advances.
func (c *Controller) accept(r analysis.Result) {
	c.stopTimer()
	c.results = append(c.results, r)
	c.index++

	if c.index >= len(c.questions) {
		c.setState(StateFinished, r.Fallback)
		close(c.done)
		return
	}
	c.setState(StateReady, r.Fallback)
}

func (c *Controller) setState(to State, fallback bool) {
	t := Transition{From: c.state, To: to, Question: c.index, Fallback: fallback}
	c.state = to
	c.logger.Debug().
		Str("from", t.From.String()).
		Str("to", to.String()).
		Int("question", c.index).
		Msg("State transition")

	select {
	case c.changes <- t:
	default:
	}
}

func (c *Controller) invalid(op string) error {
	return fmt.Errorf("%w: cannot %s while %s", ErrInvalidTransition, op, c.state)
}
