// Package session composes one live speech session: the adapters resolved
// from the registry, the turn state machine, and the manager that tracks
// liveness across connections.
package session

import (
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/rangasandbox/eniac-speech-2-speech-docs/internal/history"
	"github.com/rangasandbox/eniac-speech-2-speech-docs/internal/observability"
	"github.com/rangasandbox/eniac-speech-2-speech-docs/internal/protocol"
	"github.com/rangasandbox/eniac-speech-2-speech-docs/internal/provider"
	"github.com/rangasandbox/eniac-speech-2-speech-docs/internal/turn"
)

// Settings is everything fixed at session start: the client-chosen providers
// and prompts plus the server-side timeout policy. Immutable once the session
// exists.
type Settings struct {
	Instruction    string
	InitialPrompt  string
	Selection      provider.Selection
	Tools          []provider.ToolDefinition
	SilenceTimeout time.Duration
	CallTimeout    time.Duration
	HistoryLimit   int
	IngestCapacity int
}

// Session is the composition root for one websocket connection. It owns one
// adapter per capability and the machine driving them; everything is released
// when the connection goes away.
type Session struct {
	ID        string
	Settings  Settings
	StartedAt time.Time
	Machine   *turn.Machine
}

// New resolves the requested providers and assembles a session. The send
// callback delivers outbound protocol messages to the connection writer.
func New(
	reg *provider.Registry,
	st Settings,
	store history.Store,
	metrics *observability.Metrics,
	logger *log.Logger,
	send func(any),
) (*Session, error) {
	adapters, err := reg.Resolve(st.Selection)
	if err != nil {
		return nil, fmt.Errorf("resolve providers: %w", err)
	}

	id := uuid.NewString()
	machine := turn.NewMachine(turn.Config{
		SessionID:      id,
		Instruction:    st.Instruction,
		InitialPrompt:  st.InitialPrompt,
		Tools:          st.Tools,
		SilenceTimeout: st.SilenceTimeout,
		CallTimeout:    st.CallTimeout,
		HistoryLimit:   st.HistoryLimit,
		IngestCapacity: st.IngestCapacity,
	}, adapters, store, metrics, logger, send)

	return &Session{
		ID:        id,
		Settings:  st,
		StartedAt: time.Now().UTC(),
		Machine:   machine,
	}, nil
}

// SettingsFromStart maps a validated session.start message onto server policy.
func SettingsFromStart(msg protocol.SessionStart, base Settings) Settings {
	st := base
	st.Instruction = msg.Instruction
	st.InitialPrompt = msg.InitialPrompt
	st.Selection = provider.Selection{
		STT: msg.STTProvider,
		LLM: msg.LLMProvider,
		TTS: msg.TTSProvider,
	}
	for _, tool := range msg.Tools {
		st.Tools = append(st.Tools, provider.ToolDefinition{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  tool.Parameters,
		})
	}
	return st
}
