package relay

import (
	"errors"
	"strings"
	"sync"

	"github.com/lexiqai/insight-bridge/internal/analysis"
)

var (
	// ErrAlreadyDelivered is returned when a result was already delivered for
	// the current question.
	ErrAlreadyDelivered = errors.New("result already delivered for this question")
	// ErrTurnTooLarge is returned for a turn whose text outgrew the buffer cap.
	ErrTurnTooLarge = errors.New("upstream turn exceeds buffer limit")
)

// TurnBuffer accumulates upstream text fragments for one turn and extracts a
// result when the turn ends. At most one result is handed out between two
// Resets.
type TurnBuffer struct {
	mu        sync.Mutex
	text      strings.Builder
	maxBytes  int
	overflow  bool
	delivered bool
}

// NewTurnBuffer returns an empty buffer holding at most maxBytes of text per
// turn. Zero means no limit.
func NewTurnBuffer(maxBytes int) *TurnBuffer {
	return &TurnBuffer{maxBytes: maxBytes}
}

// Append adds a fragment. No parsing happens here. It reports false when the
// turn went over the cap; the turn's text is then dropped up to its end.
func (b *TurnBuffer) Append(fragment string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.overflow {
		return false
	}
	if b.maxBytes > 0 && b.text.Len()+len(fragment) > b.maxBytes {
		b.text.Reset()
		b.overflow = true
		return false
	}
	b.text.WriteString(fragment)
	return true
}

// Complete is called when the upstream peer signals the end of a turn.
func (b *TurnBuffer) Complete() (analysis.Result, error) {
	return b.extract()
}

// Flush forces an extraction without waiting for the end of the turn.
func (b *TurnBuffer) Flush() (analysis.Result, error) {
	return b.extract()
}

// extract always empties the buffer, whatever the outcome, so a malformed
// turn cannot leak into the next one.
func (b *TurnBuffer) extract() (analysis.Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	text := b.text.String()
	b.text.Reset()

	if b.overflow {
		b.overflow = false
		return analysis.Result{}, ErrTurnTooLarge
	}
	if b.delivered {
		return analysis.Result{}, ErrAlreadyDelivered
	}

	result, err := analysis.Extract(text)
	if err != nil {
		return analysis.Result{}, err
	}
	b.delivered = true
	return result, nil
}

// Reset empties the buffer and re-arms delivery for a new question.
func (b *TurnBuffer) Reset() {
	b.mu.Lock()
	b.text.Reset()
	b.overflow = false
	b.delivered = false
	b.mu.Unlock()
}

// Discard drops the text of the turn in progress without touching delivery.
func (b *TurnBuffer) Discard() {
	b.mu.Lock()
	b.text.Reset()
	b.overflow = false
	b.mu.Unlock()
}

// Len returns the number of buffered bytes.
func (b *TurnBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.text.Len()
}

// Delivered reports whether the current question already produced a result.
func (b *TurnBuffer) Delivered() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.delivered
}
