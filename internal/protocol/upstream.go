package protocol

import (
	"strings"
)

// Outbound frames use the snake_case field names the Live API accepts;
// inbound frames arrive camelCase.

// Setup is the first frame sent on an upstream connection.
type Setup struct {
	Setup SetupBody `json:"setup"`
}

// SetupBody selects the model and response format.
type SetupBody struct {
	Model             string           `json:"model"`
	GenerationConfig  GenerationConfig `json:"generation_config"`
	SystemInstruction *Content         `json:"system_instruction,omitempty"`
}

// GenerationConfig holds response modality and sampling settings.
type GenerationConfig struct {
	ResponseModalities []string `json:"response_modalities"`
	Temperature        *float64 `json:"temperature,omitempty"`
}

// Content is a role-tagged list of parts.
type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

// Part is one text or inline media piece of a Content.
type Part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *InlineData `json:"inline_data,omitempty"`
}

// InlineData carries base64 media inside a Part.
type InlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

// ClientContentMessage sends one turn fragment upstream.
type ClientContentMessage struct {
	ClientContent ClientContent `json:"client_content"`
}

// ClientContent marks whether the turns close the current turn.
type ClientContent struct {
	Turns        []Content `json:"turns"`
	TurnComplete bool      `json:"turn_complete"`
}

// NewSetup builds the handshake frame. model may be given with or without the
// "models/" prefix.
func NewSetup(model string, temperature float64, instruction string) Setup {
	if !strings.HasPrefix(model, "models/") {
		model = "models/" + model
	}
	temp := temperature
	body := SetupBody{
		Model: model,
		GenerationConfig: GenerationConfig{
			ResponseModalities: []string{"TEXT"},
			Temperature:        &temp,
		},
	}
	if instruction != "" {
		body.SystemInstruction = &Content{Parts: []Part{{Text: instruction}}}
	}
	return Setup{Setup: body}
}

// NewMediaTurn converts client media chunks into an incremental, non-final
// user turn. Audio media types are rewritten to audioMimeType.
func NewMediaTurn(chunks []MediaChunk, audioMimeType string) ClientContentMessage {
	parts := make([]Part, 0, len(chunks))
	for _, c := range chunks {
		parts = append(parts, Part{InlineData: &InlineData{
			MimeType: TranslateMimeType(c.MimeType, audioMimeType),
			Data:     c.Data,
		}})
	}
	return ClientContentMessage{ClientContent: ClientContent{
		Turns:        []Content{{Role: "user", Parts: parts}},
		TurnComplete: false,
	}}
}

// NewTextTurn wraps context text as a complete user turn of its own.
func NewTextTurn(text string) ClientContentMessage {
	return ClientContentMessage{ClientContent: ClientContent{
		Turns:        []Content{{Role: "user", Parts: []Part{{Text: text}}}},
		TurnComplete: true,
	}}
}

// TranslateMimeType rewrites the capture-side audio token to the one the
// upstream peer expects. Anything that is not bare audio/pcm passes through.
func TranslateMimeType(mimeType, audioMimeType string) string {
	if audioMimeType == "" {
		return mimeType
	}
	base, _, _ := strings.Cut(mimeType, ";")
	if strings.EqualFold(strings.TrimSpace(base), MimeAudioPCM) && !strings.Contains(mimeType, "rate=") {
		return audioMimeType
	}
	return mimeType
}

// ServerMessage is one frame received from the upstream peer.
type ServerMessage struct {
	SetupComplete *struct{}      `json:"setupComplete,omitempty"`
	ServerContent *ServerContent `json:"serverContent,omitempty"`
	Error         *ServerError   `json:"error,omitempty"`
}

// ServerContent carries partial model output and turn boundaries.
type ServerContent struct {
	ModelTurn    *ModelTurn `json:"modelTurn,omitempty"`
	TurnComplete bool       `json:"turnComplete,omitempty"`
	Interrupted  bool       `json:"interrupted,omitempty"`
}

// ModelTurn is the model's share of a turn.
type ModelTurn struct {
	Parts []ServerPart `json:"parts,omitempty"`
}

// ServerPart is one part of model output.
type ServerPart struct {
	Text string `json:"text,omitempty"`
}

// ServerError is reported by some upstream deployments before closing.
type ServerError struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Status  string `json:"status,omitempty"`
}

// Text concatenates every text part of the message, in order.
func (m ServerMessage) Text() string {
	if m.ServerContent == nil || m.ServerContent.ModelTurn == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range m.ServerContent.ModelTurn.Parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

// TurnComplete reports whether the message closes the current turn.
func (m ServerMessage) TurnComplete() bool {
	return m.ServerContent != nil && m.ServerContent.TurnComplete
}
