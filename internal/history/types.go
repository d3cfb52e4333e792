package history

import (
	"context"
	"time"
)

// Exchange stores a single user or assistant message from a completed turn.
type Exchange struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Store keeps prior-turn context for LLM requests. History lives per
// session; nothing outlives the retention the backend applies.
type Store interface {
	SaveExchange(ctx context.Context, ex Exchange) error
	RecentContext(ctx context.Context, sessionID string, limit int) ([]Exchange, error)
	Close() error
}
