package provider

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
)

// MockProvider implements all three roles in-process so the server can run
// with no vendor keys. The STT role emits an interim update per frame and a
// canned final on flush; the LLM role echoes the user text as streamed
// deltas; the TTS role produces silence frames sized to the text.
type MockProvider struct{}

func NewMockProvider() *MockProvider { return &MockProvider{} }

func (p *MockProvider) Name() string { return "mock" }

func (p *MockProvider) StartSession(_ context.Context, _ string) (STTStream, error) {
	return &mockSTTStream{events: make(chan TranscriptEvent, 64)}, nil
}

func (p *MockProvider) Generate(ctx context.Context, req LLMRequest) (LLMStream, error) {
	s := &mockLLMStream{
		events:    make(chan LLMEvent, 64),
		cancelled: make(chan struct{}),
	}
	go s.run(ctx, req)
	return s, nil
}

func (p *MockProvider) StartStream(_ context.Context, _ string) (TTSStream, error) {
	return &mockTTSStream{events: make(chan TTSEvent, 64)}, nil
}

type mockSTTStream struct {
	mu     sync.Mutex
	events chan TranscriptEvent
	frames int
	bytes  int
	closed bool
}

func (s *mockSTTStream) Feed(_ context.Context, frame AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.frames++
	s.bytes += len(frame.PCM)
	s.events <- TranscriptEvent{
		Type: TranscriptInterim,
		Text: fmt.Sprintf("(hearing %d frames)", s.frames),
	}
	return nil
}

func (s *mockSTTStream) Events() <-chan TranscriptEvent { return s.events }

func (s *mockSTTStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.frames > 0 {
		s.events <- TranscriptEvent{
			Type: TranscriptFinal,
			Text: fmt.Sprintf("mock utterance over %d frames", s.frames),
		}
	}
	close(s.events)
	return nil
}

type mockLLMStream struct {
	events     chan LLMEvent
	cancelOnce sync.Once
	cancelled  chan struct{}
}

func (s *mockLLMStream) run(ctx context.Context, req LLMRequest) {
	defer close(s.events)

	reply := "You said: " + strings.TrimSpace(req.UserText) + "."
	for _, word := range strings.SplitAfter(reply, " ") {
		select {
		case <-ctx.Done():
			return
		case <-s.cancelled:
			return
		case s.events <- LLMEvent{Type: LLMEventDelta, TextDelta: word}:
		}
	}
	select {
	case <-ctx.Done():
	case <-s.cancelled:
	case s.events <- LLMEvent{Type: LLMEventEnd}:
	}
}

func (s *mockLLMStream) Events() <-chan LLMEvent { return s.events }

func (s *mockLLMStream) SubmitToolResult(_ context.Context, _ ToolResult) error { return nil }

func (s *mockLLMStream) Cancel() {
	s.cancelOnce.Do(func() {
		close(s.cancelled)
	})
}

type mockTTSStream struct {
	mu     sync.Mutex
	events chan TTSEvent
	closed bool
}

func (s *mockTTSStream) Speak(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	// 20ms of 16kHz mono PCM16 per rune keeps playback roughly speech-paced.
	pcm := make([]byte, len([]rune(text))*640)
	s.events <- TTSEvent{
		Type:        TTSEventAudio,
		AudioBase64: base64.StdEncoding.EncodeToString(pcm),
		Format:      "pcm_16000",
	}
	return nil
}

func (s *mockTTSStream) CloseInput(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.events <- TTSEvent{Type: TTSEventFinal}
	close(s.events)
	return nil
}

func (s *mockTTSStream) Events() <-chan TTSEvent { return s.events }

func (s *mockTTSStream) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
}
