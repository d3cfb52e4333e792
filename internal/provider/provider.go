package provider

import (
	"context"
	"encoding/json"
)

// Role identifies which streaming capability a provider implements.
type Role string

const (
	RoleSTT Role = "stt"
	RoleLLM Role = "llm"
	RoleTTS Role = "tts"
)

// AudioFrame is one ordered chunk of raw PCM samples. Sequence numbers are
// assigned by the client and must be contiguous within an open segment.
type AudioFrame struct {
	Seq  int
	PCM  []byte
	TSMs int64
}

type TranscriptEventType string

const (
	TranscriptInterim TranscriptEventType = "interim"
	TranscriptFinal   TranscriptEventType = "final"
	TranscriptError   TranscriptEventType = "error"
)

type TranscriptEvent struct {
	Type      TranscriptEventType
	Text      string
	Code      string
	Detail    string
	Retryable bool
}

// STTStream is one live transcription stream bound to a session.
//
// Events delivers interim updates followed by at most one final per segment.
// Vendor failures surface as a single terminal TranscriptError event; the
// channel is closed afterwards. Close flushes and finalizes any open segment
// and is safe to call more than once.
type STTStream interface {
	Feed(ctx context.Context, frame AudioFrame) error
	Events() <-chan TranscriptEvent
	Close() error
}

type STTProvider interface {
	Name() string
	StartSession(ctx context.Context, sessionID string) (STTStream, error)
}

// ToolDefinition describes one callable function exposed to the LLM. The
// parameter schema is opaque to the orchestration core.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// FunctionCall is an LLM-requested tool invocation.
type FunctionCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// ToolResult carries a client-executed function result back to the LLM.
type ToolResult struct {
	CallID string
	Name   string
	Result string
	Failed bool
}

// Exchange is one prior conversational message fed back as context.
type Exchange struct {
	Role    string
	Content string
}

type LLMEventType string

const (
	LLMEventDelta LLMEventType = "delta"
	LLMEventCall  LLMEventType = "call"
	LLMEventEnd   LLMEventType = "end"
	LLMEventError LLMEventType = "error"
)

type LLMEvent struct {
	Type      LLMEventType
	TextDelta string
	Call      FunctionCall
	Code      string
	Detail    string
	Retryable bool
}

// LLMRequest is the full context for one generation turn.
type LLMRequest struct {
	SessionID     string
	TurnID        string
	Instruction   string
	InitialPrompt string
	History       []Exchange
	UserText      string
	Tools         []ToolDefinition
}

// LLMStream is one logical generation. It may span several vendor requests
// when tool calls suspend and resume the stream; all deltas arrive on the
// same Events channel regardless.
//
// Cancel is idempotent, never blocks, and guarantees that no further events
// are delivered once the consumer has observed it. Events already queued
// before the cancel remain valid.
type LLMStream interface {
	Events() <-chan LLMEvent
	SubmitToolResult(ctx context.Context, result ToolResult) error
	Cancel()
}

type LLMProvider interface {
	Name() string
	Generate(ctx context.Context, req LLMRequest) (LLMStream, error)
}

type TTSEventType string

const (
	TTSEventAudio TTSEventType = "audio"
	TTSEventFinal TTSEventType = "final"
	TTSEventError TTSEventType = "error"
)

type TTSEvent struct {
	Type        TTSEventType
	AudioBase64 string
	Format      string
	Code        string
	Detail      string
	Retryable   bool
}

// TTSStream synthesizes committed text passages into audio frames.
//
// Speak may be called repeatedly as the LLM commits more text. CloseInput
// signals that no more text will arrive; the stream then drains remaining
// audio and emits a terminal TTSEventFinal. Cancel is idempotent, never
// blocks, and is a no-op if synthesis already completed.
type TTSStream interface {
	Speak(ctx context.Context, text string) error
	CloseInput(ctx context.Context) error
	Events() <-chan TTSEvent
	Cancel()
}

type TTSProvider interface {
	Name() string
	StartStream(ctx context.Context, sessionID string) (TTSStream, error)
}
