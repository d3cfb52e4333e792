package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rangasandbox/eniac-speech-2-speech-docs/internal/observability"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var ErrNotFound = errors.New("session not found")

// Handle is the manager's view of one live session.
type Handle struct {
	ID             string
	Status         Status
	StartedAt      time.Time
	LastActivityAt time.Time
}

type tracked struct {
	Handle
	close func()
}

// Manager tracks live sessions so idle ones can be reaped and the active
// count stays observable. Session internals stay with their connection; the
// manager only holds liveness metadata and a close hook.
type Manager struct {
	mu          sync.RWMutex
	sessions    map[string]*tracked
	idleTimeout time.Duration
	metrics     *observability.Metrics
}

func NewManager(idleTimeout time.Duration, metrics *observability.Metrics) *Manager {
	if idleTimeout <= 0 {
		idleTimeout = 2 * time.Minute
	}
	return &Manager{
		sessions:    make(map[string]*tracked),
		idleTimeout: idleTimeout,
		metrics:     metrics,
	}
}

// Register adds a session; closeFn severs its connection when the janitor
// expires it.
func (m *Manager) Register(s *Session, closeFn func()) {
	now := time.Now().UTC()
	m.mu.Lock()
	m.sessions[s.ID] = &tracked{
		Handle: Handle{
			ID:             s.ID,
			Status:         StatusActive,
			StartedAt:      s.StartedAt,
			LastActivityAt: now,
		},
		close: closeFn,
	}
	m.mu.Unlock()

	m.metrics.ActiveSessions.Inc()
	m.metrics.SessionEvents.WithLabelValues("session_started").Inc()
}

func (m *Manager) Get(sessionID string) (Handle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.sessions[sessionID]
	if !ok {
		return Handle{}, ErrNotFound
	}
	return t.Handle, nil
}

func (m *Manager) Touch(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	t.LastActivityAt = time.Now().UTC()
	return nil
}

// End removes a session; called by the connection handler on disconnect.
// Safe to call after a janitor expiry.
func (m *Manager) End(sessionID string) error {
	m.mu.Lock()
	t, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	if t.Status == StatusActive {
		m.metrics.ActiveSessions.Dec()
	}
	m.metrics.SessionEvents.WithLabelValues("session_ended").Inc()
	return nil
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, t := range m.sessions {
		if t.Status == StatusActive {
			count++
		}
	}
	return count
}

// StartJanitor reaps sessions with no activity for the idle timeout. Expiry
// closes the connection; the handler's End call then removes the entry.
func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireIdle()
			}
		}
	}()
}

func (m *Manager) expireIdle() {
	now := time.Now().UTC()
	var closers []func()
	expired := 0

	m.mu.Lock()
	for _, t := range m.sessions {
		if t.Status != StatusActive {
			continue
		}
		if now.Sub(t.LastActivityAt) < m.idleTimeout {
			continue
		}
		t.Status = StatusEnded
		expired++
		if t.close != nil {
			closers = append(closers, t.close)
		}
	}
	m.mu.Unlock()

	for _, closeFn := range closers {
		closeFn()
	}
	if expired > 0 {
		m.metrics.ActiveSessions.Sub(float64(expired))
		m.metrics.SessionEvents.WithLabelValues("session_idle_expired").Add(float64(expired))
	}
}
