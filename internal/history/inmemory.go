package history

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is a simple in-process history store for local/dev use.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string][]Exchange
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string][]Exchange)}
}

func (s *InMemoryStore) SaveExchange(_ context.Context, ex Exchange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ex.ID == "" {
		ex.ID = uuid.NewString()
	}
	if ex.CreatedAt.IsZero() {
		ex.CreatedAt = time.Now().UTC()
	}
	s.records[ex.SessionID] = append(s.records[ex.SessionID], ex)
	return nil
}

func (s *InMemoryStore) RecentContext(_ context.Context, sessionID string, limit int) ([]Exchange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.records[sessionID]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]Exchange, 0, limit)
	for i := len(arr) - limit; i < len(arr); i++ {
		out = append(out, arr[i])
	}
	return out, nil
}

// DropSession releases everything recorded for a finished session.
func (s *InMemoryStore) DropSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, sessionID)
}

func (s *InMemoryStore) Close() error { return nil }
