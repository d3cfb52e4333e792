package gateway

import (
	"encoding/base64"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rangasandbox/eniac-speech-2-speech-docs/internal/config"
	"github.com/rangasandbox/eniac-speech-2-speech-docs/internal/observability"
	"github.com/rangasandbox/eniac-speech-2-speech-docs/internal/protocol"
	"github.com/rangasandbox/eniac-speech-2-speech-docs/internal/provider"
	"github.com/rangasandbox/eniac-speech-2-speech-docs/internal/session"
)

func newTestServer(t *testing.T, secret string) (*httptest.Server, string, *session.Manager) {
	t.Helper()

	registry := provider.NewRegistry()
	mock := provider.NewMockProvider()
	if err := registry.RegisterSTT(mock); err != nil {
		t.Fatalf("RegisterSTT() error = %v", err)
	}
	if err := registry.RegisterLLM(mock); err != nil {
		t.Fatalf("RegisterLLM() error = %v", err)
	}
	if err := registry.RegisterTTS(mock); err != nil {
		t.Fatalf("RegisterTTS() error = %v", err)
	}

	metrics := observability.NewMetrics(fmt.Sprintf("gateway_test_%d", time.Now().UnixNano()))
	sessions := session.NewManager(time.Minute, metrics)
	cfg := config.Config{
		SessionSecret:  secret,
		SilenceTimeout: 30 * time.Second,
		CallTimeout:    15 * time.Second,
		HistoryLimit:   8,
		IngestCapacity: 64,
	}
	srv := New(cfg, registry, sessions, nil, metrics, log.New(os.Stderr, "gateway-test ", log.LstdFlags))

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/session/ws"
	return ts, wsURL, sessions
}

func dial(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readUntil reads messages until pred accepts one; every message read is
// handed to pred, so intermediate traffic is simply skipped.
func readUntil(t *testing.T, conn *websocket.Conn, desc string, pred func(map[string]any) bool) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %s: %v", desc, err)
		}
		if pred(msg) {
			return msg
		}
	}
}

func isErrorCode(code string) func(map[string]any) bool {
	return func(msg map[string]any) bool {
		return msg["type"] == string(protocol.TypeError) && msg["code"] == code
	}
}

func startMessage(secret string) map[string]any {
	return map[string]any{
		"type":         string(protocol.TypeSessionStart),
		"instruction":  "be helpful",
		"stt_provider": "mock",
		"llm_provider": "mock",
		"tts_provider": "mock",
		"secret":       secret,
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts, _, _ := newTestServer(t, "")
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestRejectsWrongSecret(t *testing.T) {
	_, wsURL, _ := newTestServer(t, "topsecret")
	conn := dial(t, wsURL)

	if err := conn.WriteJSON(startMessage("wrong")); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	readUntil(t, conn, "unauthorized error", isErrorCode("unauthorized"))

	// The server hangs up after the rejection.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("connection stayed open after failed auth")
	}
}

func TestRejectsNonStartFirstMessage(t *testing.T) {
	_, wsURL, _ := newTestServer(t, "")
	conn := dial(t, wsURL)

	if err := conn.WriteJSON(map[string]any{"type": "input", "audio": "AAAA", "seq": 0}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	readUntil(t, conn, "session_not_started error", isErrorCode("session_not_started"))
}

func TestRejectsUnknownProvider(t *testing.T) {
	_, wsURL, _ := newTestServer(t, "")
	conn := dial(t, wsURL)

	start := startMessage("")
	start["llm_provider"] = "nonexistent"
	if err := conn.WriteJSON(start); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	readUntil(t, conn, "unknown_provider error", isErrorCode("unknown_provider"))
}

func TestSessionStreamsTranscription(t *testing.T) {
	_, wsURL, sessions := newTestServer(t, "topsecret")
	conn := dial(t, wsURL)

	if err := conn.WriteJSON(startMessage("topsecret")); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}

	audio := base64.StdEncoding.EncodeToString(make([]byte, 320))
	if err := conn.WriteJSON(map[string]any{"type": "input", "audio": audio, "seq": 0}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}

	msg := readUntil(t, conn, "interim transcription", func(m map[string]any) bool {
		return m["type"] == string(protocol.TypeTranscription) && m["interim"] == true
	})
	if msg["message"] == "" {
		t.Fatalf("interim transcription has no text: %v", msg)
	}
	if got := sessions.ActiveCount(); got != 1 {
		t.Fatalf("ActiveCount() = %d, want 1", got)
	}
}

func TestSequenceGapReported(t *testing.T) {
	_, wsURL, _ := newTestServer(t, "")
	conn := dial(t, wsURL)

	if err := conn.WriteJSON(startMessage("")); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	audio := base64.StdEncoding.EncodeToString(make([]byte, 320))
	for _, seq := range []int{0, 7} {
		if err := conn.WriteJSON(map[string]any{"type": "input", "audio": audio, "seq": seq}); err != nil {
			t.Fatalf("WriteJSON() error = %v", err)
		}
	}
	readUntil(t, conn, "frame_sequence_gap error", isErrorCode("frame_sequence_gap"))
}

func TestRepeatedSessionStartRejected(t *testing.T) {
	_, wsURL, _ := newTestServer(t, "")
	conn := dial(t, wsURL)

	if err := conn.WriteJSON(startMessage("")); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	if err := conn.WriteJSON(startMessage("")); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	readUntil(t, conn, "session_already_started error", isErrorCode("session_already_started"))
}

func TestInvalidAudioEncodingReported(t *testing.T) {
	_, wsURL, _ := newTestServer(t, "")
	conn := dial(t, wsURL)

	if err := conn.WriteJSON(startMessage("")); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	if err := conn.WriteJSON(map[string]any{"type": "input", "audio": "%%%not-base64%%%", "seq": 0}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	readUntil(t, conn, "invalid_audio_encoding error", isErrorCode("invalid_audio_encoding"))
}
