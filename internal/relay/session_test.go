package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/insight-bridge/internal/analysis"
	"github.com/lexiqai/insight-bridge/internal/protocol"
	"github.com/lexiqai/insight-bridge/internal/resilience"
)

const testAudioMime = "audio/pcm;rate=16000"

// fakeUpstream speaks just enough of the live analysis protocol: it
// acknowledges setup and records every client_content frame.
type fakeUpstream struct {
	srv    *httptest.Server
	reject bool

	setups chan protocol.Setup
	frames chan protocol.ClientContentMessage
	conns  chan *websocket.Conn
	closed chan struct{}
}

func newFakeUpstream(t *testing.T, reject bool) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{
		reject: reject,
		setups: make(chan protocol.Setup, 4),
		frames: make(chan protocol.ClientContentMessage, 32),
		conns:  make(chan *websocket.Conn, 4),
		closed: make(chan struct{}, 16),
	}
	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() {
			_ = conn.Close()
			f.closed <- struct{}{}
		}()

		var setup protocol.Setup
		if err := conn.ReadJSON(&setup); err != nil {
			return
		}
		f.setups <- setup

		if f.reject {
			_ = conn.WriteJSON(protocol.ServerMessage{Error: &protocol.ServerError{
				Code:    403,
				Message: "API key not valid",
				Status:  "PERMISSION_DENIED",
			}})
			return
		}
		if err := conn.WriteJSON(protocol.ServerMessage{SetupComplete: &struct{}{}}); err != nil {
			return
		}
		f.conns <- conn

		for {
			var msg protocol.ClientContentMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			f.frames <- msg
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeUpstream) wsURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeUpstream) conn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-f.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("upstream connection never established")
		return nil
	}
}

func (f *fakeUpstream) frame(t *testing.T) protocol.ClientContentMessage {
	t.Helper()
	select {
	case m := <-f.frames:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no frame reached upstream")
		return protocol.ClientContentMessage{}
	}
}

func sendText(t *testing.T, up *websocket.Conn, text string, complete bool) {
	t.Helper()
	msg := protocol.ServerMessage{ServerContent: &protocol.ServerContent{TurnComplete: complete}}
	if text != "" {
		msg.ServerContent.ModelTurn = &protocol.ModelTurn{Parts: []protocol.ServerPart{{Text: text}}}
	}
	require.NoError(t, up.WriteJSON(msg))
}

func newTestBridge(t *testing.T, upstreamURL string) (*Bridge, string) {
	t.Helper()
	return newTestBridgeWith(t, upstreamURL, SessionConfig{AudioMimeType: testAudioMime})
}

func newTestBridgeWith(t *testing.T, upstreamURL string, sessCfg SessionConfig) (*Bridge, string) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		dialer: &UpstreamDialer{
			URL:          upstreamURL,
			APIKey:       "test-key",
			Model:        "test-model",
			Instruction:  "observe",
			DialTimeout:  time.Second,
			SetupTimeout: time.Second,
			WriteTimeout: time.Second,
			Breaker:      resilience.NewCircuitBreaker("upstream-test", 5, time.Second),
			Retry:        &resilience.RetryConfig{MaxAttempts: 1},
			Logger:       zerolog.Nop(),
		},
		sessCfg:  sessCfg,
		registry: NewRegistry(),
		writeTTL: time.Second,
		logger:   zerolog.Nop(),
		ctx:      ctx,
		cancel:   cancel,
	}
	b.upgrader = websocket.Upgrader{CheckOrigin: originChecker(nil)}

	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)
	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer scancel()
		_ = b.Shutdown(sctx)
	})
	return b, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialClient(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func readResult(t *testing.T, c *websocket.Conn) analysis.Result {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env protocol.Envelope
	require.NoError(t, c.ReadJSON(&env))
	require.Equal(t, protocol.EnvelopeTypeAnalysis, env.Type)
	r, err := analysis.Decode(env.Data)
	require.NoError(t, err)
	return r
}

func onlySession(t *testing.T, r *Registry) *Session {
	t.Helper()
	var s *Session
	require.Eventually(t, func() bool {
		r.mu.RLock()
		defer r.mu.RUnlock()
		for _, v := range r.sessions {
			s = v
		}
		return len(r.sessions) == 1
	}, 2*time.Second, 10*time.Millisecond)
	return s
}

func turnCounts(s *Session) (pending, stale int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingTurns, s.staleTurns
}

func turnText(m protocol.ClientContentMessage) string {
	if len(m.ClientContent.Turns) == 0 || len(m.ClientContent.Turns[0].Parts) == 0 {
		return ""
	}
	return m.ClientContent.Turns[0].Parts[0].Text
}

func TestSession_SetupHandshake(t *testing.T) {
	up := newFakeUpstream(t, false)
	b, url := newTestBridge(t, up.wsURL())
	dialClient(t, url)

	select {
	case setup := <-up.setups:
		assert.Equal(t, "models/test-model", setup.Setup.Model)
		assert.Equal(t, []string{"TEXT"}, setup.Setup.GenerationConfig.ResponseModalities)
		require.NotNil(t, setup.Setup.SystemInstruction)
		assert.Equal(t, "observe", setup.Setup.SystemInstruction.Parts[0].Text)
	case <-time.After(2 * time.Second):
		t.Fatal("setup never reached upstream")
	}
	up.conn(t)
	onlySession(t, b.Registry())
}

func TestSession_ContextAndMediaForwarding(t *testing.T) {
	up := newFakeUpstream(t, false)
	_, url := newTestBridge(t, up.wsURL())
	client := dialClient(t, url)
	up.conn(t)

	// Frames with nothing to forward are dropped and the session stays up.
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"text_input":"  "}`)))
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte(`{"realtime_input":{"media_chunks":[{}]}}`)))
	require.NoError(t, client.WriteJSON(protocol.NewContextMessage("CONTEXTO ATUAL: pergunta 1")))

	ctxTurn := up.frame(t)
	assert.True(t, ctxTurn.ClientContent.TurnComplete)
	require.Len(t, ctxTurn.ClientContent.Turns, 1)
	assert.Equal(t, "CONTEXTO ATUAL: pergunta 1", ctxTurn.ClientContent.Turns[0].Parts[0].Text)

	require.NoError(t, client.WriteJSON(protocol.NewMediaMessage(
		protocol.MediaChunk{MimeType: protocol.MimeAudioPCM, Data: "AAAA"},
		protocol.MediaChunk{MimeType: protocol.MimeImageJPEG, Data: "/9j/"},
	)))

	media := up.frame(t)
	assert.False(t, media.ClientContent.TurnComplete)
	parts := media.ClientContent.Turns[0].Parts
	require.Len(t, parts, 2)
	assert.Equal(t, testAudioMime, parts[0].InlineData.MimeType)
	assert.Equal(t, "AAAA", parts[0].InlineData.Data)
	assert.Equal(t, protocol.MimeImageJPEG, parts[1].InlineData.MimeType)
}

func TestSession_FragmentsBecomeOneResult(t *testing.T) {
	up := newFakeUpstream(t, false)
	_, url := newTestBridge(t, up.wsURL())
	client := dialClient(t, url)
	upConn := up.conn(t)

	require.NoError(t, client.WriteJSON(protocol.NewContextMessage("pergunta 1")))
	up.frame(t)

	// The acknowledgement of a context turn is discarded.
	sendText(t, upConn, `{"status": "aguardando"}`, true)

	mid := len(resultJSON) / 3
	sendText(t, upConn, "Análise:\n"+resultJSON[:mid], false)
	sendText(t, upConn, resultJSON[mid:], false)
	sendText(t, upConn, "", true)

	r := readResult(t, client)
	assert.Equal(t, "Gosto da equipe", r.Transcript)
	assert.Equal(t, analysis.ToneCalm, r.Prosody.VoiceTone)

	// A new question re-arms delivery.
	require.NoError(t, client.WriteJSON(protocol.NewContextMessage("pergunta 2")))
	up.frame(t)
	sendText(t, upConn, strings.Replace(resultJSON, "Gosto da equipe", "Segunda resposta", 1), true)

	r = readResult(t, client)
	assert.Equal(t, "Segunda resposta", r.Transcript)
}

func TestSession_DuplicateSuppressed(t *testing.T) {
	up := newFakeUpstream(t, false)
	_, url := newTestBridge(t, up.wsURL())
	client := dialClient(t, url)
	upConn := up.conn(t)

	require.NoError(t, client.WriteJSON(protocol.NewContextMessage("pergunta 1")))
	up.frame(t)

	sendText(t, upConn, resultJSON, true)
	readResult(t, client)

	sendText(t, upConn, resultJSON, true)
	require.NoError(t, client.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, _, err := client.ReadMessage()
	require.Error(t, err)
	var netErr interface{ Timeout() bool }
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout(), "second result for the same question must not be relayed")
}

func TestSession_StopFlushesBufferedResult(t *testing.T) {
	up := newFakeUpstream(t, false)
	b, url := newTestBridge(t, up.wsURL())
	client := dialClient(t, url)
	upConn := up.conn(t)
	s := onlySession(t, b.Registry())

	require.NoError(t, client.WriteJSON(protocol.NewContextMessage("pergunta 1")))
	up.frame(t)

	sendText(t, upConn, resultJSON, false)
	require.Eventually(t, func() bool { return s.buffer.Len() > 0 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, client.WriteJSON(protocol.NewStopMessage()))
	r := readResult(t, client)
	assert.Equal(t, "Gosto da equipe", r.Transcript)

	// Nothing else goes upstream: the result was already derivable.
	select {
	case m := <-up.frames:
		t.Fatalf("unexpected upstream frame after flush: %+v", m)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSession_StopWithoutResultAsksForAnalysis(t *testing.T) {
	up := newFakeUpstream(t, false)
	_, url := newTestBridge(t, up.wsURL())
	client := dialClient(t, url)
	upConn := up.conn(t)

	require.NoError(t, client.WriteJSON(protocol.NewContextMessage("pergunta 1")))
	up.frame(t)

	require.NoError(t, client.WriteJSON(protocol.NewStopMessage()))
	finalize := up.frame(t)
	assert.True(t, finalize.ClientContent.TurnComplete)
	assert.Equal(t, finalizePrompt, finalize.ClientContent.Turns[0].Parts[0].Text)

	sendText(t, upConn, resultJSON, true)
	r := readResult(t, client)
	assert.Equal(t, analysis.SentimentPositive, r.Sentiment)
}

func TestSession_RateLimitShedsOnlyMedia(t *testing.T) {
	up := newFakeUpstream(t, false)
	b, url := newTestBridgeWith(t, up.wsURL(), SessionConfig{
		AudioMimeType: testAudioMime,
		MessageRate:   1,
		MessageBurst:  1,
	})
	client := dialClient(t, url)
	upConn := up.conn(t)
	s := onlySession(t, b.Registry())

	audio := protocol.MediaChunk{MimeType: protocol.MimeAudioPCM, Data: "AAAA"}
	require.NoError(t, client.WriteJSON(protocol.NewMediaMessage(audio)))
	assert.False(t, up.frame(t).ClientContent.TurnComplete)
	require.NoError(t, client.WriteJSON(protocol.NewMediaMessage(audio)))

	sendText(t, upConn, `{"transcricao":"resposta da pergunta anterior"`, false)
	require.Eventually(t, func() bool { return s.buffer.Len() > 0 }, 2*time.Second, 10*time.Millisecond)

	// The limiter is spent, yet the new question still resets the buffer.
	require.NoError(t, client.WriteJSON(protocol.NewContextMessage("pergunta 2")))
	ctxTurn := up.frame(t)
	require.True(t, ctxTurn.ClientContent.TurnComplete, "the second media frame should have been shed")
	assert.Equal(t, "pergunta 2", turnText(ctxTurn))
	assert.Zero(t, s.buffer.Len())
	assert.Equal(t, "pergunta 2", s.LastContext())

	require.NoError(t, client.WriteJSON(protocol.NewStopMessage()))
	assert.Equal(t, finalizePrompt, turnText(up.frame(t)))
}

func TestSession_LateReplyToEarlierQuestionIsSkipped(t *testing.T) {
	up := newFakeUpstream(t, false)
	b, url := newTestBridge(t, up.wsURL())
	client := dialClient(t, url)
	upConn := up.conn(t)
	s := onlySession(t, b.Registry())

	require.NoError(t, client.WriteJSON(protocol.NewContextMessage("pergunta 1")))
	up.frame(t)
	sendText(t, upConn, `{"status": "aguardando"}`, true)
	require.Eventually(t, func() bool {
		pending, _ := turnCounts(s)
		return pending == 0
	}, 2*time.Second, 10*time.Millisecond)

	// The peer is slow: question 1 ends on the client's timer.
	require.NoError(t, client.WriteJSON(protocol.NewStopMessage()))
	assert.Equal(t, finalizePrompt, turnText(up.frame(t)))

	require.NoError(t, client.WriteJSON(protocol.NewContextMessage("pergunta 2")))
	up.frame(t)
	pending, stale := turnCounts(s)
	assert.Equal(t, 2, pending)
	assert.Equal(t, 1, stale)

	late := strings.Replace(resultJSON, "Gosto da equipe", "resposta atrasada", 1)
	sendText(t, upConn, late, false)
	require.Eventually(t, func() bool { return s.buffer.Len() > 0 }, 2*time.Second, 10*time.Millisecond)

	// Stopping question 2 does not flush the late reply.
	require.NoError(t, client.WriteJSON(protocol.NewStopMessage()))
	assert.Equal(t, finalizePrompt, turnText(up.frame(t)))

	sendText(t, upConn, "", true)
	sendText(t, upConn, `{"status": "aguardando"}`, true)
	sendText(t, upConn, strings.Replace(resultJSON, "Gosto da equipe", "Segunda resposta", 1), true)

	r := readResult(t, client)
	assert.Equal(t, "Segunda resposta", r.Transcript)
	pending, stale = turnCounts(s)
	assert.Zero(t, pending)
	assert.Zero(t, stale)
}

func TestSession_OversizedTurnIsDropped(t *testing.T) {
	up := newFakeUpstream(t, false)
	_, url := newTestBridgeWith(t, up.wsURL(), SessionConfig{
		AudioMimeType: testAudioMime,
		MaxTurnBytes:  len(resultJSON) + 16,
	})
	client := dialClient(t, url)
	upConn := up.conn(t)

	require.NoError(t, client.WriteJSON(protocol.NewContextMessage("pergunta 1")))
	up.frame(t)

	sendText(t, upConn, resultJSON, false)
	sendText(t, upConn, strings.Repeat(" ", 64), true)
	sendText(t, upConn, strings.Replace(resultJSON, "Gosto da equipe", "Dentro do limite", 1), true)

	r := readResult(t, client)
	assert.Equal(t, "Dentro do limite", r.Transcript)
}

func TestSession_ClientCloseClosesUpstream(t *testing.T) {
	up := newFakeUpstream(t, false)
	b, url := newTestBridge(t, up.wsURL())
	client := dialClient(t, url)
	up.conn(t)
	onlySession(t, b.Registry())

	require.NoError(t, client.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	_ = client.Close()

	select {
	case <-up.closed:
	case <-time.After(time.Second):
		t.Fatal("upstream still open one second after the client left")
	}
	require.Eventually(t, func() bool { return b.Registry().Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSession_UpstreamCloseClosesClient(t *testing.T) {
	up := newFakeUpstream(t, false)
	_, url := newTestBridge(t, up.wsURL())
	client := dialClient(t, url)
	upConn := up.conn(t)

	require.NoError(t, upConn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	_ = upConn.Close()

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := client.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestBridge_DialFailureRefusesClient(t *testing.T) {
	up := newFakeUpstream(t, true)
	b, url := newTestBridge(t, up.wsURL())
	client := dialClient(t, url)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := client.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseTryAgainLater), "got %v", err)
	assert.Zero(t, b.Registry().Len())
}

func TestBridge_ShutdownClosesSessions(t *testing.T) {
	up := newFakeUpstream(t, false)
	b, url := newTestBridge(t, up.wsURL())
	client := dialClient(t, url)
	up.conn(t)
	onlySession(t, b.Registry())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, b.Shutdown(ctx))

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := client.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseGoingAway, closeErr.Code)
	assert.Equal(t, "relay shutting down", closeErr.Text)

	ready := b.ReadinessChecks()["relay"]
	ok, err := ready(context.Background())
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://rh.example.com/", "http://localhost:3000"})

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"https://rh.example.com", true},
		{"HTTPS://RH.EXAMPLE.COM", true},
		{"http://localhost:3000", true},
		{"https://evil.example.com", false},
		{"http://localhost:3001", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		assert.Equal(t, tt.want, check(r), tt.origin)
	}
}
