// Package protocol defines the JSON frames exchanged between the interview
// client and the relay, and between the relay and the upstream analysis peer.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Media types used by the capture side.
const (
	MimeAudioPCM  = "audio/pcm"
	MimeImageJPEG = "image/jpeg"
)

// Kind classifies an inbound client message by shape.
type Kind string

const (
	KindMedia   Kind = "media"
	KindContext Kind = "context"
	KindStop    Kind = "stop"
	KindUnknown Kind = "unknown"
)

var (
	// ErrMalformedMessage means the frame is not a JSON object.
	ErrMalformedMessage = errors.New("malformed client message")
	// ErrUnknownMessage means the frame parsed but matched no known shape.
	ErrUnknownMessage = errors.New("unrecognized client message")
)

// MediaChunk is one encoded piece of audio or image data.
type MediaChunk struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"` // base64
}

// RealtimeInput carries the media of one capture callback.
type RealtimeInput struct {
	MediaChunks []MediaChunk `json:"media_chunks"`
}

// ClientMessage is the union of every client → relay frame. Exactly one of
// the fields is expected to be set.
type ClientMessage struct {
	RealtimeInput *RealtimeInput `json:"realtime_input,omitempty"`
	TextInput     *string        `json:"text_input,omitempty"`
	StopRecording bool           `json:"stop_recording,omitempty"`
}

// Kind reports which variant the message carries. A context string wins over
// media when a client sends both, since it opens a new question.
func (m ClientMessage) Kind() Kind {
	switch {
	case m.TextInput != nil:
		return KindContext
	case m.StopRecording:
		return KindStop
	case m.RealtimeInput != nil && len(m.RealtimeInput.MediaChunks) > 0:
		return KindMedia
	default:
		return KindUnknown
	}
}

// ParseClientMessage decodes and classifies one client frame. Frames that
// carry nothing to forward are rejected.
func ParseClientMessage(raw []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	switch msg.Kind() {
	case KindUnknown:
		return msg, ErrUnknownMessage
	case KindContext:
		if strings.TrimSpace(*msg.TextInput) == "" {
			return msg, fmt.Errorf("%w: empty text_input", ErrUnknownMessage)
		}
	case KindMedia:
		for i, c := range msg.RealtimeInput.MediaChunks {
			if c.MimeType == "" || c.Data == "" {
				return msg, fmt.Errorf("%w: media chunk %d has no mime_type or data", ErrUnknownMessage, i)
			}
		}
	}
	return msg, nil
}

// NewMediaMessage builds a realtime_input frame.
func NewMediaMessage(chunks ...MediaChunk) ClientMessage {
	return ClientMessage{RealtimeInput: &RealtimeInput{MediaChunks: chunks}}
}

// NewContextMessage builds a text_input frame.
func NewContextMessage(text string) ClientMessage {
	return ClientMessage{TextInput: &text}
}

// NewStopMessage builds a stop_recording frame.
func NewStopMessage() ClientMessage {
	return ClientMessage{StopRecording: true}
}

// EnvelopeTypeAnalysis tags a relayed analysis result.
const EnvelopeTypeAnalysis = "analysis"

// Envelope is the relay → client frame.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// NewAnalysisEnvelope wraps a marshalled result.
func NewAnalysisEnvelope(v any) (Envelope, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal analysis: %w", err)
	}
	return Envelope{Type: EnvelopeTypeAnalysis, Data: data}, nil
}
