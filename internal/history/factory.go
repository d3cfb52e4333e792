package history

import (
	"context"
	"strings"
)

// NewStore picks the conversation store from configuration: pgx-backed when a
// database URL is set, otherwise the in-memory store used in development and
// tests. Callers see the same Store either way.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	databaseURL = strings.TrimSpace(databaseURL)
	if databaseURL == "" {
		return NewInMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}
