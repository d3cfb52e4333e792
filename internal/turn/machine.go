// Package turn implements the turn-taking and interruption state machine at
// the center of a realtime speech session. All adapter event streams feed one
// ordered queue consumed by a single goroutine; that goroutine is the only
// mutator of turn state, so cross-stream coordination needs no locking.
package turn

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rangasandbox/eniac-speech-2-speech-docs/internal/broker"
	"github.com/rangasandbox/eniac-speech-2-speech-docs/internal/history"
	"github.com/rangasandbox/eniac-speech-2-speech-docs/internal/ingest"
	"github.com/rangasandbox/eniac-speech-2-speech-docs/internal/observability"
	"github.com/rangasandbox/eniac-speech-2-speech-docs/internal/policy"
	"github.com/rangasandbox/eniac-speech-2-speech-docs/internal/protocol"
	"github.com/rangasandbox/eniac-speech-2-speech-docs/internal/provider"
)

// State is the conversational phase of a session.
type State string

const (
	StateIdle         State = "idle"
	StateListening    State = "listening"
	StateTranscribing State = "transcribing"
	StateGenerating   State = "generating"
	StateSpeaking     State = "speaking"
)

const (
	DefaultSilenceTimeout    = 1200 * time.Millisecond
	DefaultCallTimeout       = 15 * time.Second
	DefaultCallSweepInterval = time.Second
	DefaultHistoryLimit      = 8

	historyFetchTimeout = 350 * time.Millisecond
	historySaveTimeout  = 2 * time.Second
	queueCapacity       = 512
)

// Config carries the immutable per-session parameters fixed at session start.
type Config struct {
	SessionID         string
	Instruction       string
	InitialPrompt     string
	Tools             []provider.ToolDefinition
	SilenceTimeout    time.Duration
	CallTimeout       time.Duration
	CallSweepInterval time.Duration
	HistoryLimit      int
	IngestCapacity    int
}

func (c *Config) applyDefaults() {
	if c.SilenceTimeout <= 0 {
		c.SilenceTimeout = DefaultSilenceTimeout
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.CallSweepInterval <= 0 {
		c.CallSweepInterval = DefaultCallSweepInterval
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
}

// Events posted to the machine's queue. Transcript events are tagged with the
// segment counter and generation events with the turn id, so anything emitted
// by an already-cancelled stream is recognized as stale and dropped.
type (
	frameEvent struct {
		frame provider.AudioFrame
	}
	sttEvent struct {
		seg int
		evt provider.TranscriptEvent
	}
	sttClosed struct {
		seg int
	}
	llmEvent struct {
		turnID string
		evt    provider.LLMEvent
	}
	llmClosed struct {
		turnID string
	}
	ttsEvent struct {
		turnID string
		evt    provider.TTSEvent
	}
	ttsClosed struct {
		turnID string
	}
	callResultEvent struct {
		msg protocol.FunctionCallResult
	}
	// turnReady and turnFailed report the outcome of adapter start-up, which
	// runs off the loop because it dials vendors. Guarded by the pending turn
	// id so a turn superseded while dialing is released instead of activated.
	turnReady struct {
		turnID string
		llm    provider.LLMStream
		tts    provider.TTSStream
	}
	turnFailed struct {
		turnID string
		code   string
		source string
		detail string
	}
)

// Machine drives one session's turn lifecycle. Ingest and HandleCallResult may
// be called from any goroutine; everything else runs on the Run goroutine.
type Machine struct {
	cfg      Config
	adapters provider.Adapters
	store    history.Store
	metrics  *observability.Metrics
	logger   *log.Logger
	send     func(any)

	buffer *ingest.Buffer
	queue  chan any
	done   chan struct{}

	mu    sync.Mutex
	state State

	// Owned by the Run goroutine.
	seg          int
	stt          provider.STTStream
	interim      string
	silence      *time.Timer
	silenceArmed bool

	pending   string
	turnID    string
	userText  string
	llm       provider.LLMStream
	tts       provider.TTSStream
	calls     *broker.Broker
	cancelled map[string]string
	chunks    *chunker
	assistant strings.Builder
	spoken    int
	llmDone   bool
	heard     bool
	turnStart time.Time
}

func NewMachine(
	cfg Config,
	adapters provider.Adapters,
	store history.Store,
	metrics *observability.Metrics,
	logger *log.Logger,
	send func(any),
) *Machine {
	cfg.applyDefaults()
	silence := time.NewTimer(time.Hour)
	if !silence.Stop() {
		<-silence.C
	}
	return &Machine{
		cfg:       cfg,
		adapters:  adapters,
		store:     store,
		metrics:   metrics,
		logger:    logger,
		send:      send,
		buffer:    ingest.New(cfg.IngestCapacity),
		queue:     make(chan any, queueCapacity),
		done:      make(chan struct{}),
		state:     StateIdle,
		silence:   silence,
		cancelled: make(map[string]string),
		chunks:    newChunker(),
	}
}

// State reports the current phase; safe from any goroutine.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Ingest accepts one client audio frame. ErrSequenceGap and ErrOverrun are
// surfaced so the connection layer can report them; an overrun frame was still
// accepted.
func (m *Machine) Ingest(frame provider.AudioFrame) error {
	return m.buffer.Push(frame)
}

// FramesDropped reports how many frames the bounded ingest buffer discarded.
func (m *Machine) FramesDropped() int {
	return m.buffer.Dropped()
}

// HandleCallResult routes a client-executed function result to the machine.
func (m *Machine) HandleCallResult(msg protocol.FunctionCallResult) {
	select {
	case m.queue <- callResultEvent{msg: msg}:
	case <-m.done:
	}
}

// Run consumes the event queue until ctx ends. It is the sole writer of turn
// state; call it exactly once per machine.
func (m *Machine) Run(ctx context.Context) error {
	defer close(m.done)
	defer m.teardown()

	go m.pumpFrames(ctx)

	sweep := time.NewTicker(m.cfg.CallSweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.silence.C:
			m.silenceArmed = false
			m.onSilence(ctx)
		case <-sweep.C:
			m.expireCalls(ctx)
		case ev := <-m.queue:
			m.dispatch(ctx, ev)
		}
	}
}

func (m *Machine) dispatch(ctx context.Context, ev any) {
	switch e := ev.(type) {
	case frameEvent:
		m.onFrame(ctx, e.frame)
	case sttEvent:
		if e.seg == m.seg {
			m.onTranscript(ctx, e.evt)
		}
	case sttClosed:
		if e.seg == m.seg && m.stt != nil {
			// Stream ended without a final; whatever interim we hold is
			// all we will ever get for this segment.
			if m.interim != "" {
				m.finalizeSegment(ctx, m.interim, protocol.TagSTTFinal)
			} else {
				m.abortSegment()
			}
		}
	case llmEvent:
		if e.turnID == m.turnID {
			m.onLLM(ctx, e.evt)
		}
	case llmClosed:
		if e.turnID == m.turnID && !m.llmDone {
			m.finishGeneration(ctx)
		}
	case ttsEvent:
		if e.turnID == m.turnID {
			m.onTTS(ctx, e.evt)
		}
	case ttsClosed:
		if e.turnID == m.turnID {
			m.completeTurn()
		}
	case callResultEvent:
		m.onCallResult(ctx, e.msg)
	case turnReady:
		if e.turnID != m.pending {
			// Superseded while the vendors were dialing; release the streams.
			e.llm.Cancel()
			e.tts.Cancel()
			return
		}
		m.activateTurn(ctx, e)
	case turnFailed:
		if e.turnID != m.pending {
			return
		}
		m.failPendingTurn(e)
	}
}

func (m *Machine) post(ctx context.Context, ev any) {
	select {
	case m.queue <- ev:
	case <-ctx.Done():
	case <-m.done:
	}
}

func (m *Machine) pumpFrames(ctx context.Context) {
	for {
		frame, err := m.buffer.Next(ctx)
		if err != nil {
			return
		}
		m.post(ctx, frameEvent{frame: frame})
	}
}

func (m *Machine) pumpTranscripts(ctx context.Context, seg int, events <-chan provider.TranscriptEvent) {
	for evt := range events {
		m.post(ctx, sttEvent{seg: seg, evt: evt})
	}
	m.post(ctx, sttClosed{seg: seg})
}

func (m *Machine) pumpLLM(ctx context.Context, turnID string, events <-chan provider.LLMEvent) {
	for evt := range events {
		m.post(ctx, llmEvent{turnID: turnID, evt: evt})
	}
	m.post(ctx, llmClosed{turnID: turnID})
}

func (m *Machine) pumpTTS(ctx context.Context, turnID string, events <-chan provider.TTSEvent) {
	for evt := range events {
		m.post(ctx, ttsEvent{turnID: turnID, evt: evt})
	}
	m.post(ctx, ttsClosed{turnID: turnID})
}

// onFrame is the barge-in decision point: any audio arriving while the
// assistant is generating or speaking cancels the active turn before the frame
// opens a fresh segment.
func (m *Machine) onFrame(ctx context.Context, frame provider.AudioFrame) {
	switch m.State() {
	case StateGenerating, StateSpeaking:
		m.interrupt()
	}

	if m.stt == nil {
		if !m.startSegment(ctx) {
			return
		}
	}
	if err := m.stt.Feed(ctx, frame); err != nil {
		m.metrics.ProviderErrors.WithLabelValues(string(provider.RoleSTT), "stt_feed_failed").Inc()
		m.sendError("stt_feed_failed", "stt", err.Error())
		m.abortSegment()
		return
	}
	m.armSilence()
}

func (m *Machine) startSegment(ctx context.Context) bool {
	stream, err := m.adapters.STT.StartSession(ctx, m.cfg.SessionID)
	if err != nil {
		m.metrics.ProviderErrors.WithLabelValues(string(provider.RoleSTT), "stt_connect_failed").Inc()
		m.sendError("stt_connect_failed", "stt", err.Error())
		return false
	}
	m.stt = stream
	m.interim = ""
	m.setState(StateListening)
	go m.pumpTranscripts(ctx, m.seg, stream.Events())
	return true
}

func (m *Machine) onTranscript(ctx context.Context, evt provider.TranscriptEvent) {
	switch evt.Type {
	case provider.TranscriptInterim:
		text := strings.TrimSpace(evt.Text)
		if text == "" {
			return
		}
		m.interim = text
		if m.State() == StateListening {
			m.setState(StateTranscribing)
		}
		m.send(protocol.Transcription{
			Type:     protocol.TypeTranscription,
			Message:  text,
			Interim:  true,
			EventTag: protocol.TagInterim,
		})
		m.armSilence()
	case provider.TranscriptFinal:
		text := strings.TrimSpace(evt.Text)
		if text == "" {
			text = m.interim
		}
		m.finalizeSegment(ctx, text, protocol.TagSTTFinal)
	case provider.TranscriptError:
		m.metrics.ProviderErrors.WithLabelValues(string(provider.RoleSTT), errorCode(evt.Code, "stt_stream_failed")).Inc()
		m.sendError(errorCode(evt.Code, "stt_stream_failed"), "stt", evt.Detail)
		m.abortSegment()
	}
}

// onSilence fires when no interim content arrived for the configured window.
// Pending interim text is promoted to a final transcript; an empty segment is
// quietly abandoned.
func (m *Machine) onSilence(ctx context.Context) {
	if m.stt == nil {
		return
	}
	if m.interim == "" {
		m.abortSegment()
		return
	}
	m.finalizeSegment(ctx, m.interim, protocol.TagSilenceTimeout)
}

// finalizeSegment closes the open STT segment exactly once and, if it carried
// any speech, opens a turn bound to that transcript. Bumping the segment
// counter first guarantees no late transcript event can reopen it.
func (m *Machine) finalizeSegment(ctx context.Context, text, tag string) {
	m.seg++
	if m.stt != nil {
		_ = m.stt.Close()
		m.stt = nil
	}
	m.interim = ""
	m.disarmSilence()

	text = strings.TrimSpace(text)
	if text == "" {
		m.setState(StateIdle)
		return
	}

	m.send(protocol.Transcription{
		Type:     protocol.TypeTranscription,
		Message:  text,
		Interim:  false,
		EventTag: tag,
	})
	m.startTurn(ctx, text)
}

func (m *Machine) abortSegment() {
	m.seg++
	if m.stt != nil {
		_ = m.stt.Close()
		m.stt = nil
	}
	m.interim = ""
	m.disarmSilence()
	m.setState(StateIdle)
}

// startTurn opens a turn for a final transcript. Adapter start-up dials two
// vendors and can take seconds, so it runs on its own goroutine and reports
// back through the queue; the loop keeps draining frames meanwhile, which is
// what lets a user barge in on a turn that is still connecting.
func (m *Machine) startTurn(ctx context.Context, userText string) {
	turnID := uuid.NewString()
	m.pending = turnID
	m.userText = userText
	m.cancelled = make(map[string]string)
	m.assistant.Reset()
	m.chunks.Reset()
	m.spoken = 0
	m.llmDone = false
	m.heard = false
	m.turnStart = time.Now()

	m.metrics.SessionEvents.WithLabelValues("turn_started").Inc()
	m.send(protocol.LLMResponse{Type: protocol.TypeResponse, Service: protocol.ServiceLLM, Update: "start"})
	m.setState(StateGenerating)

	go m.prepareTurn(ctx, turnID, userText)
}

func (m *Machine) prepareTurn(ctx context.Context, turnID, userText string) {
	var past []provider.Exchange
	if m.store != nil {
		hctx, cancel := context.WithTimeout(ctx, historyFetchTimeout)
		recent, err := m.store.RecentContext(hctx, m.cfg.SessionID, m.cfg.HistoryLimit)
		cancel()
		if err != nil {
			m.metrics.SessionEvents.WithLabelValues("history_context_miss").Inc()
			m.logger.Printf("session %s: history context unavailable: %v", m.cfg.SessionID, err)
		}
		for _, ex := range recent {
			past = append(past, provider.Exchange{Role: ex.Role, Content: ex.Content})
		}
	}

	llm, err := m.adapters.LLM.Generate(ctx, provider.LLMRequest{
		SessionID:     m.cfg.SessionID,
		TurnID:        turnID,
		Instruction:   m.cfg.Instruction,
		InitialPrompt: m.cfg.InitialPrompt,
		History:       past,
		UserText:      userText,
		Tools:         m.cfg.Tools,
	})
	if err != nil {
		m.post(ctx, turnFailed{turnID: turnID, code: "llm_start_failed", source: string(provider.RoleLLM), detail: err.Error()})
		return
	}

	tts, err := m.adapters.TTS.StartStream(ctx, m.cfg.SessionID)
	if err != nil {
		llm.Cancel()
		m.post(ctx, turnFailed{turnID: turnID, code: "tts_start_failed", source: string(provider.RoleTTS), detail: err.Error()})
		return
	}

	ev := turnReady{turnID: turnID, llm: llm, tts: tts}
	select {
	case m.queue <- ev:
	case <-ctx.Done():
		llm.Cancel()
		tts.Cancel()
	case <-m.done:
		llm.Cancel()
		tts.Cancel()
	}
}

func (m *Machine) activateTurn(ctx context.Context, ev turnReady) {
	m.pending = ""
	m.turnID = ev.turnID
	m.llm = ev.llm
	m.tts = ev.tts
	m.calls = broker.New()

	go m.pumpLLM(ctx, ev.turnID, ev.llm.Events())
	go m.pumpTTS(ctx, ev.turnID, ev.tts.Events())
}

func (m *Machine) failPendingTurn(ev turnFailed) {
	m.pending = ""
	m.userText = ""
	m.metrics.ProviderErrors.WithLabelValues(ev.source, ev.code).Inc()
	m.metrics.SessionEvents.WithLabelValues("turn_failed").Inc()
	m.sendError(ev.code, ev.source, ev.detail)
	m.send(protocol.LLMResponse{Type: protocol.TypeResponse, Service: protocol.ServiceLLM, Update: "end"})
	m.setState(StateIdle)
}

func (m *Machine) onLLM(ctx context.Context, evt provider.LLMEvent) {
	switch evt.Type {
	case provider.LLMEventDelta:
		m.assistant.WriteString(evt.TextDelta)
		m.send(protocol.LLMText{Type: protocol.TypeLLMText, Service: protocol.ServiceLLM, Text: evt.TextDelta})
		for _, passage := range m.chunks.Push(evt.TextDelta) {
			m.speakPassage(ctx, passage)
			if m.turnID == "" {
				return
			}
		}
	case provider.LLMEventCall:
		m.onFunctionCall(ctx, evt.Call)
	case provider.LLMEventEnd:
		m.finishGeneration(ctx)
	case provider.LLMEventError:
		m.failTurn(errorCode(evt.Code, "llm_stream_failed"), "llm", evt.Detail)
	}
}

func (m *Machine) speakPassage(ctx context.Context, passage string) {
	text := sanitizeSpeechText(passage)
	if text == "" || m.tts == nil {
		return
	}
	m.send(protocol.Speak{Type: protocol.TypeSpeak, Service: protocol.ServiceTTS, Text: text, Update: "start"})
	if err := m.tts.Speak(ctx, text); err != nil {
		m.failTurn("tts_speak_failed", "tts", err.Error())
		return
	}
	m.spoken++
}

func (m *Machine) onFunctionCall(ctx context.Context, call provider.FunctionCall) {
	if _, err := m.calls.Open(call.ID, call.Name, call.Arguments); err != nil {
		// A reused identifier within one turn is a vendor bug; overwriting
		// state silently would corrupt result matching.
		m.failTurn("duplicate_tool_call_id", "llm",
			fmt.Sprintf("function call id %s already open for %s", call.ID, call.Name))
		return
	}
	m.metrics.FunctionCalls.WithLabelValues("opened").Inc()
	m.send(protocol.FunctionCall{
		Type:         protocol.TypeFunctionCall,
		Service:      protocol.ServiceLLM,
		Update:       protocol.CallUpdateInProgress,
		FunctionName: call.Name,
		ToolCallID:   call.ID,
		Arguments:    call.Arguments,
	})
}

func (m *Machine) onCallResult(ctx context.Context, msg protocol.FunctionCallResult) {
	if m.turnID == "" || m.calls == nil {
		if _, ok := m.cancelled[msg.ToolCallID]; ok {
			// Late result racing an interruption; drop it quietly.
			return
		}
		m.sendError("unknown_tool_call_id", "client",
			fmt.Sprintf("no open function call with id %s", msg.ToolCallID))
		return
	}

	call, err := m.calls.Complete(msg.ToolCallID)
	switch {
	case err == nil:
		m.metrics.FunctionCalls.WithLabelValues("completed").Inc()
		m.send(protocol.FunctionCall{
			Type:         protocol.TypeFunctionCall,
			Service:      protocol.ServiceLLM,
			Update:       protocol.CallUpdateResult,
			FunctionName: call.Name,
			ToolCallID:   call.ID,
			Arguments:    call.Arguments,
			Result:       msg.Result,
		})
		if m.llm != nil {
			result := provider.ToolResult{CallID: call.ID, Name: call.Name, Result: msg.Result}
			if err := m.llm.SubmitToolResult(ctx, result); err != nil {
				m.failTurn("llm_tool_result_failed", "llm", err.Error())
			}
		}
	case errors.Is(err, broker.ErrCallCancelled):
		// Result landed after the call was cancelled: harmless no-op.
	case errors.Is(err, broker.ErrCallCompleted):
		m.sendError("tool_call_already_completed", "client",
			fmt.Sprintf("function call %s already has a result", msg.ToolCallID))
	default:
		if _, ok := m.cancelled[msg.ToolCallID]; ok {
			return
		}
		m.sendError("unknown_tool_call_id", "client",
			fmt.Sprintf("no open function call with id %s", msg.ToolCallID))
	}
}

// expireCalls fails calls stuck in_progress past the configured deadline and
// feeds the LLM a failure placeholder so generation does not hang the turn.
func (m *Machine) expireCalls(ctx context.Context) {
	if m.calls == nil {
		return
	}
	for _, c := range m.calls.Expire(m.cfg.CallTimeout) {
		m.cancelled[c.ID] = c.Name
		m.metrics.FunctionCalls.WithLabelValues("expired").Inc()
		m.send(protocol.FunctionCall{
			Type:         protocol.TypeFunctionCall,
			Service:      protocol.ServiceLLM,
			Update:       protocol.CallUpdateCancelled,
			FunctionName: c.Name,
			ToolCallID:   c.ID,
		})
		if m.llm != nil {
			_ = m.llm.SubmitToolResult(ctx, provider.ToolResult{
				CallID: c.ID,
				Name:   c.Name,
				Result: "function call timed out before the client replied",
				Failed: true,
			})
		}
	}
}

func (m *Machine) finishGeneration(ctx context.Context) {
	if m.llmDone || m.turnID == "" {
		return
	}
	m.llmDone = true

	if tail := m.chunks.Flush(); tail != "" {
		m.speakPassage(ctx, tail)
		if m.turnID == "" {
			return
		}
	}
	m.send(protocol.LLMResponse{Type: protocol.TypeResponse, Service: protocol.ServiceLLM, Update: "end"})

	if m.spoken == 0 {
		if m.tts != nil {
			m.tts.Cancel()
		}
		m.completeTurn()
		return
	}
	if m.tts != nil {
		_ = m.tts.CloseInput(ctx)
	}
	m.setState(StateSpeaking)
}

func (m *Machine) onTTS(ctx context.Context, evt provider.TTSEvent) {
	switch evt.Type {
	case provider.TTSEventAudio:
		if !m.heard {
			m.heard = true
			m.metrics.ObserveFirstAudioLatency(time.Since(m.turnStart))
		}
		m.send(protocol.TTSResponse{Type: protocol.TypeResponse, Service: protocol.ServiceTTS, AudioBase64: evt.AudioBase64})
	case provider.TTSEventFinal:
		m.completeTurn()
	case provider.TTSEventError:
		m.failTurn(errorCode(evt.Code, "tts_stream_failed"), "tts", evt.Detail)
	}
}

// interrupt handles barge-in: cancel generation and synthesis, cancel open
// function calls, and only then tell the client playback stopped. Ordering
// matters so the client never believes audio is still coming.
func (m *Machine) interrupt() {
	if m.turnID == "" && m.pending == "" {
		return
	}
	m.metrics.Interruptions.Inc()
	m.metrics.SessionEvents.WithLabelValues("turn_interrupted").Inc()

	if m.llm != nil {
		m.llm.Cancel()
	}
	if m.tts != nil {
		m.tts.Cancel()
	}
	m.dropOpenCalls()

	m.send(protocol.StartInterruption{Type: protocol.TypeStartInterruption})
	m.send(protocol.Status{Type: protocol.TypeStatus, Status: "interrupted"})
	m.send(protocol.StopInterruption{Type: protocol.TypeStopInterruption})
	if !m.llmDone {
		m.send(protocol.LLMResponse{Type: protocol.TypeResponse, Service: protocol.ServiceLLM, Update: "end"})
	}

	m.persistTurn()
	m.clearTurn()
	m.setState(StateListening)
}

func (m *Machine) failTurn(code, source, detail string) {
	if m.turnID == "" {
		return
	}
	m.metrics.ProviderErrors.WithLabelValues(source, code).Inc()
	m.metrics.SessionEvents.WithLabelValues("turn_failed").Inc()

	if m.llm != nil {
		m.llm.Cancel()
	}
	if m.tts != nil {
		m.tts.Cancel()
	}
	m.dropOpenCalls()

	m.sendError(code, source, detail)
	if !m.llmDone {
		m.send(protocol.LLMResponse{Type: protocol.TypeResponse, Service: protocol.ServiceLLM, Update: "end"})
	}

	m.persistTurn()
	m.clearTurn()
	m.setState(StateIdle)
}

func (m *Machine) completeTurn() {
	if m.turnID == "" {
		return
	}
	m.dropOpenCalls()
	m.persistTurn()
	m.metrics.ObserveTurnDuration(time.Since(m.turnStart))
	m.metrics.SessionEvents.WithLabelValues("turn_completed").Inc()
	m.clearTurn()
	m.setState(StateIdle)
}

func (m *Machine) dropOpenCalls() {
	if m.calls == nil {
		return
	}
	for _, c := range m.calls.CancelAll() {
		m.cancelled[c.ID] = c.Name
		m.metrics.FunctionCalls.WithLabelValues("cancelled").Inc()
		m.send(protocol.FunctionCall{
			Type:         protocol.TypeFunctionCall,
			Service:      protocol.ServiceLLM,
			Update:       protocol.CallUpdateCancelled,
			FunctionName: c.Name,
			ToolCallID:   c.ID,
		})
	}
}

func (m *Machine) persistTurn() {
	if m.store == nil || m.userText == "" {
		return
	}
	sctx, cancel := context.WithTimeout(context.Background(), historySaveTimeout)
	defer cancel()

	userText, _ := policy.RedactPII(m.userText)
	if err := m.store.SaveExchange(sctx, history.Exchange{
		SessionID: m.cfg.SessionID,
		Role:      "user",
		Content:   userText,
	}); err != nil {
		m.logger.Printf("session %s: save user exchange: %v", m.cfg.SessionID, err)
	}
	if text := strings.TrimSpace(m.assistant.String()); text != "" {
		text, _ = policy.RedactPII(text)
		if err := m.store.SaveExchange(sctx, history.Exchange{
			SessionID: m.cfg.SessionID,
			Role:      "assistant",
			Content:   text,
		}); err != nil {
			m.logger.Printf("session %s: save assistant exchange: %v", m.cfg.SessionID, err)
		}
	}
}

// clearTurn makes every still-in-flight event of the old turn stale; the
// turnID guard in dispatch drops them on arrival.
func (m *Machine) clearTurn() {
	m.pending = ""
	m.turnID = ""
	m.userText = ""
	m.llm = nil
	m.tts = nil
	m.calls = nil
	m.chunks.Reset()
	m.assistant.Reset()
	m.spoken = 0
	m.llmDone = false
	m.heard = false
}

func (m *Machine) teardown() {
	if m.interim != "" {
		// Connection is going away with speech still open; deliver what we
		// heard so the client transcript is not truncated.
		m.send(protocol.Transcription{
			Type:     protocol.TypeTranscription,
			Message:  m.interim,
			Interim:  false,
			EventTag: protocol.TagInterruption,
		})
	}
	if m.stt != nil {
		_ = m.stt.Close()
	}
	if m.llm != nil {
		m.llm.Cancel()
	}
	if m.tts != nil {
		m.tts.Cancel()
	}
	if m.calls != nil {
		m.calls.CancelAll()
	}
	m.buffer.Close()
}

func (m *Machine) sendError(code, source, detail string) {
	m.send(protocol.ErrorEvent{Type: protocol.TypeError, Code: code, Source: source, Detail: detail})
}

func (m *Machine) armSilence() {
	m.disarmSilence()
	m.silence.Reset(m.cfg.SilenceTimeout)
	m.silenceArmed = true
}

func (m *Machine) disarmSilence() {
	if !m.silence.Stop() && m.silenceArmed {
		select {
		case <-m.silence.C:
		default:
		}
	}
	m.silenceArmed = false
}

func errorCode(code, fallback string) string {
	if strings.TrimSpace(code) == "" {
		return fallback
	}
	return code
}
