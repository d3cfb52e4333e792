package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rangasandbox/eniac-speech-2-speech-docs/internal/reliability"
)

type ElevenLabsConfig struct {
	APIKey       string
	WSBaseURL    string
	STTModelID   string
	TTSVoiceID   string
	TTSModelID   string
	OutputFormat string
	SampleRate   int
}

// ElevenLabsProvider exposes the ElevenLabs realtime websocket APIs as STT
// and TTS adapters.
type ElevenLabsProvider struct {
	cfg ElevenLabsConfig
}

func NewElevenLabsProvider(cfg ElevenLabsConfig) *ElevenLabsProvider {
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = "wss://api.elevenlabs.io"
	}
	if strings.TrimSpace(cfg.STTModelID) == "" {
		cfg.STTModelID = "scribe_v1"
	}
	if strings.TrimSpace(cfg.TTSModelID) == "" {
		cfg.TTSModelID = "eleven_multilingual_v2"
	}
	if strings.TrimSpace(cfg.OutputFormat) == "" {
		cfg.OutputFormat = "pcm_16000"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	return &ElevenLabsProvider{cfg: cfg}
}

func (p *ElevenLabsProvider) Name() string { return "elevenlabs" }

const (
	dialAttempts   = 3
	dialBackoffMin = 200 * time.Millisecond
	dialBackoffCap = 2 * time.Second
)

// dialRealtime retries transient upstream failures with capped backoff;
// non-retryable HTTP rejections (bad key, bad voice) fail immediately.
func dialRealtime(ctx context.Context, endpoint string, headers http.Header) (*websocket.Conn, error) {
	var lastErr error
	for attempt := 0; attempt < dialAttempts; attempt++ {
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, headers)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if resp != nil && !reliability.IsRetryableHTTPStatus(resp.StatusCode) {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(reliability.ExponentialBackoff(attempt, dialBackoffMin, dialBackoffCap)):
		}
	}
	return nil, lastErr
}

func (p *ElevenLabsProvider) StartSession(ctx context.Context, _ string) (STTStream, error) {
	u, err := url.Parse(strings.TrimRight(p.cfg.WSBaseURL, "/") + "/v1/speech-to-text/realtime")
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("model_id", p.cfg.STTModelID)
	q.Set("commit_strategy", "vad")
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("xi-api-key", p.cfg.APIKey)

	conn, err := dialRealtime(ctx, u.String(), headers)
	if err != nil {
		return nil, fmt.Errorf("dial stt websocket: %w", err)
	}

	s := &elevenSTTStream{
		conn:       conn,
		sampleRate: p.cfg.SampleRate,
		events:     make(chan TranscriptEvent, 256),
	}
	go s.readLoop()
	return s, nil
}

func (p *ElevenLabsProvider) StartStream(ctx context.Context, _ string) (TTSStream, error) {
	if strings.TrimSpace(p.cfg.TTSVoiceID) == "" {
		return nil, fmt.Errorf("elevenlabs tts voice id is required")
	}
	u, err := url.Parse(strings.TrimRight(p.cfg.WSBaseURL, "/") +
		"/v1/text-to-speech/" + url.PathEscape(p.cfg.TTSVoiceID) + "/stream-input")
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("model_id", p.cfg.TTSModelID)
	q.Set("output_format", p.cfg.OutputFormat)
	q.Set("auto_mode", "true")
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("xi-api-key", p.cfg.APIKey)

	conn, err := dialRealtime(ctx, u.String(), headers)
	if err != nil {
		return nil, fmt.Errorf("dial tts websocket: %w", err)
	}

	s := &elevenTTSStream{
		conn:   conn,
		format: p.cfg.OutputFormat,
		events: make(chan TTSEvent, 512),
	}
	go s.readLoop()
	// Prime the stream as documented for stream-input flows.
	_ = s.writeJSON(map[string]any{"text": " "})
	return s, nil
}

type elevenSTTStream struct {
	conn       *websocket.Conn
	sampleRate int
	writeMu    sync.Mutex
	closeOnce  sync.Once
	events     chan TranscriptEvent
}

func (s *elevenSTTStream) Feed(_ context.Context, frame AudioFrame) error {
	payload := map[string]any{
		"message_type":  "input_audio_chunk",
		"audio_base_64": base64.StdEncoding.EncodeToString(frame.PCM),
		"commit":        false,
		"sample_rate":   s.sampleRate,
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(payload)
}

func (s *elevenSTTStream) Events() <-chan TranscriptEvent { return s.events }

// sttFlushTimeout bounds how long Close waits for the committed transcript.
// Var, not const, so tests can shorten the window.
var sttFlushTimeout = 5 * time.Second

// Close requests a final commit for any buffered audio, then tears the
// connection down. The read loop delivers the final transcript (if any)
// before the channel closes; if the vendor never answers the commit, the
// read deadline unblocks the loop so the connection cannot linger.
func (s *elevenSTTStream) Close() error {
	s.writeMu.Lock()
	err := s.conn.WriteJSON(map[string]any{
		"message_type": "input_audio_chunk",
		"commit":       true,
		"sample_rate":  s.sampleRate,
	})
	s.writeMu.Unlock()
	if err != nil {
		s.closeConn()
		return nil
	}
	_ = s.conn.SetReadDeadline(time.Now().Add(sttFlushTimeout))
	return nil
}

// readLoop is the only writer and closer of the events channel.
func (s *elevenSTTStream) readLoop() {
	defer close(s.events)
	defer s.closeConn()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			continue
		}
		switch msgType := jsonString(raw["message_type"]); msgType {
		case "partial_transcript":
			s.events <- TranscriptEvent{Type: TranscriptInterim, Text: jsonString(raw["text"])}
		case "committed_transcript", "committed_transcript_with_timestamps":
			s.events <- TranscriptEvent{Type: TranscriptFinal, Text: jsonString(raw["text"])}
			return
		case "", "session_started", "input_audio_chunk":
			// control traffic
		default:
			s.events <- TranscriptEvent{
				Type:      TranscriptError,
				Code:      msgType,
				Detail:    jsonString(raw["error"]),
				Retryable: reliability.IsRetryableRealtimeMessageType(msgType),
			}
			return
		}
	}
}

func (s *elevenSTTStream) closeConn() {
	s.closeOnce.Do(func() {
		_ = s.conn.Close()
	})
}

type elevenTTSStream struct {
	conn      *websocket.Conn
	format    string
	writeMu   sync.Mutex
	closeOnce sync.Once
	events    chan TTSEvent
}

func (s *elevenTTSStream) Speak(_ context.Context, text string) error {
	if !strings.HasSuffix(text, " ") {
		text += " "
	}
	return s.writeJSON(map[string]any{
		"text":                   text,
		"try_trigger_generation": true,
	})
}

func (s *elevenTTSStream) CloseInput(_ context.Context) error {
	// Empty text closes the input side; audio keeps draining until isFinal.
	return s.writeJSON(map[string]any{"text": ""})
}

func (s *elevenTTSStream) Events() <-chan TTSEvent { return s.events }

// Cancel drops the vendor connection; the read loop then winds down and
// closes the events channel. Safe to call any number of times.
func (s *elevenTTSStream) Cancel() {
	s.closeOnce.Do(func() {
		_ = s.conn.Close()
	})
}

func (s *elevenTTSStream) writeJSON(payload map[string]any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(payload)
}

func (s *elevenTTSStream) readLoop() {
	defer close(s.events)
	defer s.Cancel()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			continue
		}
		if audio := jsonString(raw["audio"]); audio != "" {
			s.events <- TTSEvent{Type: TTSEventAudio, AudioBase64: audio, Format: s.format}
		}
		if jsonBool(raw["isFinal"]) || jsonBool(raw["is_final"]) {
			s.events <- TTSEvent{Type: TTSEventFinal}
			return
		}
		if errMsg := jsonString(raw["error"]); errMsg != "" {
			s.events <- TTSEvent{
				Type:      TTSEventError,
				Code:      jsonString(raw["message_type"]),
				Detail:    errMsg,
				Retryable: reliability.IsRetryableRealtimeMessageType(jsonString(raw["message_type"])),
			}
			return
		}
	}
}

func jsonString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func jsonBool(v any) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	return false
}
