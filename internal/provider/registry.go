package provider

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	ErrUnknownProvider   = errors.New("unknown provider")
	ErrDuplicateProvider = errors.New("provider already registered")
)

// Selection names the provider chosen for each role at session start.
type Selection struct {
	STT string
	LLM string
	TTS string
}

// Adapters holds one resolved provider per role for a single session.
type Adapters struct {
	STT STTProvider
	LLM LLMProvider
	TTS TTSProvider
}

// Registry maps provider names to constructors per role. It is populated at
// startup and read-only afterwards; lookups are safe from many sessions.
type Registry struct {
	mu  sync.RWMutex
	stt map[string]STTProvider
	llm map[string]LLMProvider
	tts map[string]TTSProvider
}

func NewRegistry() *Registry {
	return &Registry{
		stt: make(map[string]STTProvider),
		llm: make(map[string]LLMProvider),
		tts: make(map[string]TTSProvider),
	}
}

func (r *Registry) RegisterSTT(p STTProvider) error {
	name, err := registryKey(p.Name())
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.stt[name]; ok {
		return fmt.Errorf("%w: stt %q", ErrDuplicateProvider, name)
	}
	r.stt[name] = p
	return nil
}

func (r *Registry) RegisterLLM(p LLMProvider) error {
	name, err := registryKey(p.Name())
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.llm[name]; ok {
		return fmt.Errorf("%w: llm %q", ErrDuplicateProvider, name)
	}
	r.llm[name] = p
	return nil
}

func (r *Registry) RegisterTTS(p TTSProvider) error {
	name, err := registryKey(p.Name())
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tts[name]; ok {
		return fmt.Errorf("%w: tts %q", ErrDuplicateProvider, name)
	}
	r.tts[name] = p
	return nil
}

// Resolve looks up one provider per role. Names are matched case-insensitively
// after trimming; a name that matches nothing fails with ErrUnknownProvider.
func (r *Registry) Resolve(sel Selection) (Adapters, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out Adapters
	sttName := strings.ToLower(strings.TrimSpace(sel.STT))
	llmName := strings.ToLower(strings.TrimSpace(sel.LLM))
	ttsName := strings.ToLower(strings.TrimSpace(sel.TTS))

	var ok bool
	if out.STT, ok = r.stt[sttName]; !ok {
		return Adapters{}, fmt.Errorf("%w: stt %q", ErrUnknownProvider, sttName)
	}
	if out.LLM, ok = r.llm[llmName]; !ok {
		return Adapters{}, fmt.Errorf("%w: llm %q", ErrUnknownProvider, llmName)
	}
	if out.TTS, ok = r.tts[ttsName]; !ok {
		return Adapters{}, fmt.Errorf("%w: tts %q", ErrUnknownProvider, ttsName)
	}
	return out, nil
}

// Names lists registered provider names for one role, for diagnostics.
func (r *Registry) Names(role Role) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	switch role {
	case RoleSTT:
		for name := range r.stt {
			out = append(out, name)
		}
	case RoleLLM:
		for name := range r.llm {
			out = append(out, name)
		}
	case RoleTTS:
		for name := range r.tts {
			out = append(out, name)
		}
	}
	return out
}

func registryKey(name string) (string, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return "", errors.New("provider name must not be empty")
	}
	return name, nil
}
