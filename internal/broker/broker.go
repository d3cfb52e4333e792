// Package broker tracks outstanding function calls requested by the LLM
// during one turn, matching client-supplied results back by identifier.
package broker

import (
	"encoding/json"
	"errors"
	"sync"
	"time"
)

type CallState string

const (
	StatePending    CallState = "pending"
	StateInProgress CallState = "in_progress"
	StateCompleted  CallState = "completed"
	StateCancelled  CallState = "cancelled"
)

var (
	// ErrDuplicateCall reports a second function_call_request reusing an
	// identifier within the same turn (vendor bug, treated as a protocol
	// error upstream).
	ErrDuplicateCall = errors.New("duplicate function call id")
	// ErrUnknownCall reports a result whose identifier matches no call.
	ErrUnknownCall = errors.New("unknown function call id")
	// ErrCallCancelled reports a result arriving after the owning turn was
	// cancelled; upstream treats this as a harmless no-op.
	ErrCallCancelled = errors.New("function call already cancelled")
	// ErrCallCompleted reports a second result for an already-completed
	// call; rejected without side effects.
	ErrCallCompleted = errors.New("function call already completed")
)

// Call is one tracked tool invocation.
type Call struct {
	ID        string
	Name      string
	Arguments json.RawMessage
	State     CallState
	StartedAt time.Time
}

// Broker tracks the calls of a single turn. Each turn gets a fresh broker;
// identifiers are unique within it.
type Broker struct {
	mu    sync.Mutex
	calls map[string]*Call
	now   func() time.Time
}

func New() *Broker {
	return &Broker{
		calls: make(map[string]*Call),
		now:   time.Now,
	}
}

// Open registers a new in-progress call. Multiple calls may be open at once;
// each is tracked independently.
func (b *Broker) Open(id, name string, args json.RawMessage) (Call, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.calls[id]; ok {
		return Call{}, ErrDuplicateCall
	}
	c := &Call{
		ID:        id,
		Name:      name,
		Arguments: args,
		State:     StateInProgress,
		StartedAt: b.now(),
	}
	b.calls[id] = c
	return *c, nil
}

// Complete transitions an in-progress call to completed exactly once.
func (b *Broker) Complete(id string) (Call, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.calls[id]
	if !ok {
		return Call{}, ErrUnknownCall
	}
	switch c.State {
	case StateCancelled:
		return *c, ErrCallCancelled
	case StateCompleted:
		return *c, ErrCallCompleted
	}
	c.State = StateCompleted
	return *c, nil
}

// CancelAll marks every open call cancelled and returns them, so the caller
// can notify the client per call. Completed calls are left untouched.
func (b *Broker) CancelAll() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	var cancelled []Call
	for _, c := range b.calls {
		if c.State != StateInProgress && c.State != StatePending {
			continue
		}
		c.State = StateCancelled
		cancelled = append(cancelled, *c)
	}
	return cancelled
}

// Expire cancels calls that have been in progress longer than maxAge and
// returns them, so generation can proceed with a failure placeholder rather
// than hanging the turn.
func (b *Broker) Expire(maxAge time.Duration) []Call {
	if maxAge <= 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := b.now().Add(-maxAge)
	var expired []Call
	for _, c := range b.calls {
		if c.State != StateInProgress {
			continue
		}
		if c.StartedAt.After(cutoff) {
			continue
		}
		c.State = StateCancelled
		expired = append(expired, *c)
	}
	return expired
}

// InFlight reports how many calls are still awaiting a result.
func (b *Broker) InFlight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.calls {
		if c.State == StateInProgress || c.State == StatePending {
			n++
		}
	}
	return n
}

// Lookup returns a snapshot of one call.
func (b *Broker) Lookup(id string) (Call, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.calls[id]
	if !ok {
		return Call{}, false
	}
	return *c, true
}
