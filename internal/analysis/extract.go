package analysis

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Extract recovers a Result from the accumulated text of one upstream turn.
// The whole text is tried first; failing that, the span from the first '{' to
// the last '}' is tried, which discards commentary and code fences around the
// object. The returned Result is normalized.
func Extract(text string) (Result, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Result{}, ErrNoPayload
	}

	raw, err := locateObject(trimmed)
	if err != nil {
		return Result{}, err
	}

	return decode(raw)
}

// Decode validates and normalizes an already isolated JSON object, as found
// in an analysis envelope.
func Decode(raw []byte) (Result, error) {
	if !isObject(raw) {
		return Result{}, ErrMalformed
	}
	return decode(raw)
}

func locateObject(text string) ([]byte, error) {
	if whole := []byte(text); isObject(whole) {
		return whole, nil
	}

	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end < 0 {
		return nil, ErrNoPayload
	}
	if end < start {
		return nil, fmt.Errorf("%w: closing brace precedes opening brace", ErrMalformed)
	}

	slice := []byte(text[start : end+1])
	if !json.Valid(slice) {
		return nil, fmt.Errorf("%w: %q", ErrMalformed, abbreviate(text, 80))
	}
	if !isObject(slice) {
		return nil, ErrMalformed
	}
	return slice, nil
}

func decode(raw []byte) (Result, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !hasText(fields["transcricao"]) && !hasText(fields["sentimento"]) {
		return Result{}, ErrIrrelevant
	}

	if err := Validate(raw); err != nil {
		return Result{}, err
	}

	var r Result
	if err := json.Unmarshal(raw, &r); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return r.Normalize(), nil
}

func isObject(raw []byte) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{' && json.Valid(raw)
}

func hasText(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return false
	}
	return strings.TrimSpace(s) != ""
}

func abbreviate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
