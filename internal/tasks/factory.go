package tasks

import (
	"context"
	"strings"
)

// NewStore returns nil when no database is configured.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, nil
	}
	return NewPostgresStore(ctx, databaseURL)
}
