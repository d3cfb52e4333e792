// Package protocol defines the JSON wire envelope spoken over the session
// websocket. Each message is one JSON object whose "type" field selects the
// schema; outbound TTS/LLM event families are disambiguated by "service".
// Messages are decoded once at this boundary into typed values; nothing
// downstream inspects raw fields.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

type MessageType string

const (
	// Inbound (client -> server).
	TypeSessionStart       MessageType = "session.start"
	TypeInput              MessageType = "input"
	TypeFunctionCallResult MessageType = "function_call_result"

	// Outbound (server -> client).
	TypeTranscription     MessageType = "transcription"
	TypeStartInterruption MessageType = "start_interruption"
	TypeStopInterruption  MessageType = "stop_interruption"
	TypeStatus            MessageType = "status"
	TypeSpeak             MessageType = "speak"
	TypeResponse          MessageType = "response"
	TypeLLMText           MessageType = "llm_text"
	TypeFunctionCall      MessageType = "function_call"
	TypeError             MessageType = "error"
)

// Service tags outbound events with their originating pipeline.
const (
	ServiceTTS = "tts"
	ServiceLLM = "llm"
)

// Transcript event tags name which trigger finalized (or produced) the
// segment.
const (
	TagInterim        = "interim"
	TagSTTFinal       = "stt_final"
	TagSilenceTimeout = "silence_timeout"
	TagInterruption   = "interruption"
)

// Function call lifecycle updates.
const (
	CallUpdateInProgress = "in_progress"
	CallUpdateResult     = "result"
	CallUpdateCancelled  = "cancelled"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// Tool mirrors one tool definition supplied at session start. The parameter
// schema is opaque to the server and forwarded to the LLM verbatim.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type SessionStart struct {
	Type          MessageType `json:"type"`
	Instruction   string      `json:"instruction"`
	InitialPrompt string      `json:"initial_prompt,omitempty"`
	STTProvider   string      `json:"stt_provider"`
	LLMProvider   string      `json:"llm_provider"`
	TTSProvider   string      `json:"tts_provider"`
	Secret        string      `json:"secret"`
	Tools         []Tool      `json:"tools,omitempty"`
}

type Input struct {
	Type        MessageType `json:"type"`
	AudioBase64 string      `json:"audio"`
	Seq         int         `json:"seq"`
	TSMs        int64       `json:"ts_ms,omitempty"`
}

type FunctionCallResult struct {
	Type         MessageType     `json:"type"`
	FunctionName string          `json:"function_name"`
	ToolCallID   string          `json:"tool_call_id"`
	Arguments    json.RawMessage `json:"arguments,omitempty"`
	Result       string          `json:"result"`
}

type Transcription struct {
	Type     MessageType `json:"type"`
	Message  string      `json:"message"`
	Interim  bool        `json:"interim"`
	EventTag string      `json:"event_tag"`
}

type StartInterruption struct {
	Type MessageType `json:"type"`
}

type StopInterruption struct {
	Type MessageType `json:"type"`
}

type Status struct {
	Type   MessageType `json:"type"`
	Status string      `json:"status"`
}

// Speak announces the start of one synthesized utterance (service "tts").
type Speak struct {
	Type    MessageType `json:"type"`
	Service string      `json:"service"`
	Text    string      `json:"text"`
	Update  string      `json:"update"`
}

// TTSResponse carries one synthesized audio frame (service "tts").
type TTSResponse struct {
	Type        MessageType `json:"type"`
	Service     string      `json:"service"`
	AudioBase64 string      `json:"audio"`
}

// LLMText carries one streamed text delta (service "llm").
type LLMText struct {
	Type    MessageType `json:"type"`
	Service string      `json:"service"`
	Text    string      `json:"text"`
}

// LLMResponse brackets a generation: update "start" then "end" (service "llm").
type LLMResponse struct {
	Type    MessageType `json:"type"`
	Service string      `json:"service"`
	Update  string      `json:"update"`
}

type FunctionCall struct {
	Type         MessageType     `json:"type"`
	Service      string          `json:"service"`
	Update       string          `json:"update"`
	FunctionName string          `json:"function_name"`
	ToolCallID   string          `json:"tool_call_id"`
	Arguments    json.RawMessage `json:"arguments,omitempty"`
	Result       string          `json:"result,omitempty"`
}

type ErrorEvent struct {
	Type   MessageType `json:"type"`
	Code   string      `json:"code"`
	Source string      `json:"source"`
	Detail string      `json:"detail,omitempty"`
}

// ParseClientMessage decodes and validates one inbound message.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeSessionStart:
		var msg SessionStart
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.STTProvider == "" || msg.LLMProvider == "" || msg.TTSProvider == "" {
			return nil, errors.New("session.start requires stt_provider, llm_provider and tts_provider")
		}
		for _, tool := range msg.Tools {
			if tool.Name == "" {
				return nil, errors.New("session.start tool without a name")
			}
		}
		return msg, nil
	case TypeInput:
		var msg Input
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.AudioBase64 == "" {
			return nil, errors.New("input requires audio")
		}
		if msg.Seq < 0 {
			return nil, errors.New("input seq must not be negative")
		}
		return msg, nil
	case TypeFunctionCallResult:
		var msg FunctionCallResult
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.ToolCallID == "" {
			return nil, errors.New("function_call_result requires tool_call_id")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
