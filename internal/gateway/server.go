// Package gateway terminates client websocket connections: it authenticates
// the session.start handshake, decodes wire messages, and bridges them to a
// per-connection session.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/rangasandbox/eniac-speech-2-speech-docs/internal/config"
	"github.com/rangasandbox/eniac-speech-2-speech-docs/internal/history"
	"github.com/rangasandbox/eniac-speech-2-speech-docs/internal/ingest"
	"github.com/rangasandbox/eniac-speech-2-speech-docs/internal/observability"
	"github.com/rangasandbox/eniac-speech-2-speech-docs/internal/protocol"
	"github.com/rangasandbox/eniac-speech-2-speech-docs/internal/provider"
	"github.com/rangasandbox/eniac-speech-2-speech-docs/internal/session"
)

const (
	handshakeTimeout = 10 * time.Second
	readTimeout      = 120 * time.Second
	writeTimeout     = 10 * time.Second
	outboundDepth    = 256
)

type Server struct {
	cfg      config.Config
	registry *provider.Registry
	sessions *session.Manager
	store    history.Store
	metrics  *observability.Metrics
	logger   *log.Logger
	upgrader websocket.Upgrader
}

func New(
	cfg config.Config,
	registry *provider.Registry,
	sessions *session.Manager,
	store history.Store,
	metrics *observability.Metrics,
	logger *log.Logger,
) *Server {
	return &Server{
		cfg:      cfg,
		registry: registry,
		sessions: sessions,
		store:    store,
		metrics:  metrics,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Same-origin only by default so another site cannot drive
				// the user's mic session if this is ever exposed beyond
				// localhost. Non-browser clients omit Origin and pass.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/session/ws", s.handleSessionWS)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}` + "\n"))
}

// handleSessionWS owns one connection end to end: handshake, session
// assembly, the writer pump, and the read loop.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()
	conn.SetReadLimit(2 << 20)

	start, ok := s.awaitSessionStart(conn)
	if !ok {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbound := make(chan any, outboundDepth)
	send := func(msg any) {
		select {
		case outbound <- msg:
		default:
			// Writes stay single-threaded; a saturated client loses the
			// message rather than stalling the state machine.
			s.metrics.SessionEvents.WithLabelValues("outbound_dropped").Inc()
		}
	}

	sess, err := session.New(s.registry, session.SettingsFromStart(start, session.Settings{
		SilenceTimeout: s.cfg.SilenceTimeout,
		CallTimeout:    s.cfg.CallTimeout,
		HistoryLimit:   s.cfg.HistoryLimit,
		IngestCapacity: s.cfg.IngestCapacity,
	}), s.store, s.metrics, s.logger, send)
	if err != nil {
		s.writeDirect(conn, protocol.ErrorEvent{
			Type:   protocol.TypeError,
			Code:   "unknown_provider",
			Source: "gateway",
			Detail: err.Error(),
		})
		return
	}

	s.sessions.Register(sess, func() { _ = conn.Close() })
	defer func() {
		_ = s.sessions.End(sess.ID)
		s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
	}()

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = sess.Machine.Run(ctx)
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
				if t, ok := messageTypeOf(msg); ok {
					s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
				}
			}
		}
	}()

	s.readLoop(ctx, conn, sess, send)

	cancel()
	<-runDone
	<-writerDone
}

// awaitSessionStart enforces the auth gate: the very first message must be a
// session.start carrying the shared secret. Anything else closes the
// connection without further processing.
func (s *Server) awaitSessionStart(conn *websocket.Conn) (protocol.SessionStart, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return protocol.SessionStart{}, false
	}

	parsed, err := protocol.ParseClientMessage(data)
	if err != nil {
		s.writeDirect(conn, protocol.ErrorEvent{
			Type:   protocol.TypeError,
			Code:   "invalid_client_message",
			Source: "gateway",
			Detail: err.Error(),
		})
		return protocol.SessionStart{}, false
	}

	start, ok := parsed.(protocol.SessionStart)
	if !ok {
		s.writeDirect(conn, protocol.ErrorEvent{
			Type:   protocol.TypeError,
			Code:   "session_not_started",
			Source: "gateway",
			Detail: "first message must be session.start",
		})
		return protocol.SessionStart{}, false
	}

	if s.cfg.SessionSecret != "" &&
		subtle.ConstantTimeCompare([]byte(start.Secret), []byte(s.cfg.SessionSecret)) != 1 {
		s.metrics.SessionEvents.WithLabelValues("auth_failed").Inc()
		s.writeDirect(conn, protocol.ErrorEvent{
			Type:   protocol.TypeError,
			Code:   "unauthorized",
			Source: "gateway",
			Detail: "invalid session secret",
		})
		return protocol.SessionStart{}, false
	}

	s.metrics.WSMessages.WithLabelValues("inbound", string(protocol.TypeSessionStart)).Inc()
	return start, true
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sess *session.Session, send func(any)) {
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		if ctx.Err() != nil {
			return
		}
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		if msgType != websocket.TextMessage {
			continue
		}

		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			send(protocol.ErrorEvent{
				Type:   protocol.TypeError,
				Code:   "invalid_client_message",
				Source: "gateway",
				Detail: err.Error(),
			})
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.WSMessages.WithLabelValues("inbound", string(t)).Inc()
		}

		switch msg := parsed.(type) {
		case protocol.Input:
			_ = s.sessions.Touch(sess.ID)
			s.ingestFrame(sess, msg, send)
		case protocol.FunctionCallResult:
			_ = s.sessions.Touch(sess.ID)
			sess.Machine.HandleCallResult(msg)
		case protocol.SessionStart:
			send(protocol.ErrorEvent{
				Type:   protocol.TypeError,
				Code:   "session_already_started",
				Source: "gateway",
				Detail: "session.start is only valid as the first message",
			})
		}
	}
}

func (s *Server) ingestFrame(sess *session.Session, msg protocol.Input, send func(any)) {
	pcm, err := base64.StdEncoding.DecodeString(msg.AudioBase64)
	if err != nil {
		send(protocol.ErrorEvent{
			Type:   protocol.TypeError,
			Code:   "invalid_audio_encoding",
			Source: "gateway",
			Detail: err.Error(),
		})
		return
	}

	err = sess.Machine.Ingest(provider.AudioFrame{Seq: msg.Seq, PCM: pcm, TSMs: msg.TSMs})
	switch {
	case err == nil:
	case errors.Is(err, ingest.ErrSequenceGap):
		send(protocol.ErrorEvent{
			Type:   protocol.TypeError,
			Code:   "frame_sequence_gap",
			Source: "gateway",
			Detail: err.Error(),
		})
	case errors.Is(err, ingest.ErrOverrun):
		// Frame was accepted; the oldest buffered frame was sacrificed.
		s.metrics.SessionEvents.WithLabelValues("ingest_overrun").Inc()
		s.logger.Printf("session %s: ingest overrun, %d frames dropped so far", sess.ID, sess.Machine.FramesDropped())
	case errors.Is(err, ingest.ErrClosed):
		// Session is shutting down; nothing useful to tell the client.
	}
}

func (s *Server) writeDirect(conn *websocket.Conn, msg any) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = conn.WriteJSON(msg)
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.SessionStart:
		return m.Type, true
	case protocol.Input:
		return m.Type, true
	case protocol.FunctionCallResult:
		return m.Type, true
	case protocol.Transcription:
		return m.Type, true
	case protocol.StartInterruption:
		return m.Type, true
	case protocol.StopInterruption:
		return m.Type, true
	case protocol.Status:
		return m.Type, true
	case protocol.Speak:
		return m.Type, true
	case protocol.TTSResponse:
		return m.Type, true
	case protocol.LLMText:
		return m.Type, true
	case protocol.LLMResponse:
		return m.Type, true
	case protocol.FunctionCall:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
