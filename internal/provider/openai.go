package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	openai "github.com/sashabaranov/go-openai"

	"github.com/rangasandbox/eniac-speech-2-speech-docs/internal/reliability"
)

type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// OpenAIProvider streams chat completions, surfacing text deltas and tool
// calls through the uniform LLM adapter contract. Tool calls suspend the
// vendor stream; submitted results trigger a continuation request so the
// consumer sees one uninterrupted event sequence per turn.
type OpenAIProvider struct {
	cfg    OpenAIConfig
	client *openai.Client
}

func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = openai.GPT4oMini
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	return &OpenAIProvider{cfg: cfg, client: openai.NewClientWithConfig(clientCfg)}
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Generate(ctx context.Context, req LLMRequest) (LLMStream, error) {
	if strings.TrimSpace(req.UserText) == "" {
		return nil, errors.New("user text is required")
	}

	streamCtx, cancel := context.WithCancel(ctx)
	s := &openAIStream{
		client:   p.client,
		model:    p.cfg.Model,
		ctx:      streamCtx,
		cancel:   cancel,
		events:   make(chan LLMEvent, 64),
		resume:   make(chan struct{}, 1),
		messages: buildChatMessages(req),
		tools:    buildChatTools(req.Tools),
	}
	go s.run()
	return s, nil
}

func buildChatMessages(req LLMRequest) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.History)+3)
	if strings.TrimSpace(req.Instruction) != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.Instruction,
		})
	}
	if strings.TrimSpace(req.InitialPrompt) != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: req.InitialPrompt,
		})
	}
	for _, ex := range req.History {
		role := openai.ChatMessageRoleUser
		if ex.Role == "assistant" {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: ex.Content})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.UserText,
	})
	return msgs
}

func buildChatTools(defs []ToolDefinition) []openai.Tool {
	if len(defs) == 0 {
		return nil
	}
	tools := make([]openai.Tool, 0, len(defs))
	for _, def := range defs {
		params := def.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  params,
			},
		})
	}
	return tools
}

type openAIStream struct {
	client *openai.Client
	model  string

	ctx    context.Context
	cancel context.CancelFunc
	events chan LLMEvent
	resume chan struct{}

	mu          sync.Mutex
	messages    []openai.ChatCompletionMessage
	tools       []openai.Tool
	toolReplies []openai.ChatCompletionMessage

	cancelOnce sync.Once
}

func (s *openAIStream) Events() <-chan LLMEvent { return s.events }

func (s *openAIStream) Cancel() {
	s.cancelOnce.Do(s.cancel)
}

// SubmitToolResult queues a completed (or failed-placeholder) call result.
// Once all outstanding calls from the current round have results, the run
// loop issues a continuation request and streaming resumes.
func (s *openAIStream) SubmitToolResult(_ context.Context, result ToolResult) error {
	content := result.Result
	if result.Failed && strings.TrimSpace(content) == "" {
		content = "the function call failed; continue without its result"
	}
	s.mu.Lock()
	s.toolReplies = append(s.toolReplies, openai.ChatCompletionMessage{
		Role:       openai.ChatMessageRoleTool,
		Content:    content,
		Name:       result.Name,
		ToolCallID: result.CallID,
	})
	s.mu.Unlock()

	select {
	case s.resume <- struct{}{}:
	default:
	}
	return nil
}

func (s *openAIStream) run() {
	defer close(s.events)
	defer s.cancel()

	for {
		calls, finish, err := s.streamOnce()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			retryable := true
			var apiErr *openai.APIError
			if errors.As(err, &apiErr) {
				retryable = reliability.IsRetryableHTTPStatus(apiErr.HTTPStatusCode)
			}
			s.emit(LLMEvent{
				Type:      LLMEventError,
				Code:      "llm_stream_failed",
				Detail:    err.Error(),
				Retryable: retryable,
			})
			return
		}

		if finish != openai.FinishReasonToolCalls || len(calls) == 0 {
			s.emit(LLMEvent{Type: LLMEventEnd})
			return
		}

		s.mu.Lock()
		s.messages = append(s.messages, openai.ChatCompletionMessage{
			Role:      openai.ChatMessageRoleAssistant,
			ToolCalls: calls,
		})
		s.mu.Unlock()

		for _, call := range calls {
			if !s.emit(LLMEvent{
				Type: LLMEventCall,
				Call: FunctionCall{
					ID:        call.ID,
					Name:      call.Function.Name,
					Arguments: json.RawMessage(call.Function.Arguments),
				},
			}) {
				return
			}
		}

		if !s.awaitToolReplies(len(calls)) {
			return
		}
	}
}

// streamOnce performs one vendor request, emitting text deltas as they
// arrive and accumulating any tool-call fragments by index.
func (s *openAIStream) streamOnce() ([]openai.ToolCall, openai.FinishReason, error) {
	s.mu.Lock()
	req := openai.ChatCompletionRequest{
		Model:    s.model,
		Messages: append([]openai.ChatCompletionMessage(nil), s.messages...),
		Tools:    s.tools,
		Stream:   true,
	}
	s.mu.Unlock()

	stream, err := s.client.CreateChatCompletionStream(s.ctx, req)
	if err != nil {
		return nil, "", fmt.Errorf("create completion stream: %w", err)
	}
	defer stream.Close()

	var (
		calls  []openai.ToolCall
		finish openai.FinishReason
	)
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, "", fmt.Errorf("recv completion delta: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]
		if choice.Delta.Content != "" {
			if !s.emit(LLMEvent{Type: LLMEventDelta, TextDelta: choice.Delta.Content}) {
				return nil, "", s.ctx.Err()
			}
		}
		for _, frag := range choice.Delta.ToolCalls {
			calls = mergeToolCallFragment(calls, frag)
		}
		if choice.FinishReason != "" {
			finish = choice.FinishReason
		}
	}
	return calls, finish, nil
}

func (s *openAIStream) awaitToolReplies(expected int) bool {
	for {
		s.mu.Lock()
		ready := len(s.toolReplies) >= expected
		if ready {
			s.messages = append(s.messages, s.toolReplies...)
			s.toolReplies = nil
		}
		s.mu.Unlock()
		if ready {
			return true
		}
		select {
		case <-s.ctx.Done():
			return false
		case <-s.resume:
		}
	}
}

func (s *openAIStream) emit(evt LLMEvent) bool {
	select {
	case <-s.ctx.Done():
		return false
	case s.events <- evt:
		return true
	}
}

// Streaming tool calls arrive as fragments keyed by index: the first carries
// the id and name, later ones append argument text.
func mergeToolCallFragment(calls []openai.ToolCall, frag openai.ToolCall) []openai.ToolCall {
	idx := len(calls)
	if frag.Index != nil {
		idx = *frag.Index
	}
	for idx >= len(calls) {
		calls = append(calls, openai.ToolCall{Type: openai.ToolTypeFunction})
	}
	tc := &calls[idx]
	if frag.ID != "" {
		tc.ID = frag.ID
	}
	if frag.Function.Name != "" {
		tc.Function.Name = frag.Function.Name
	}
	tc.Function.Arguments += frag.Function.Arguments
	return calls
}
