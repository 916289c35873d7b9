package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"chatrelay-backend/internal/store"
	"chatrelay-backend/internal/store/storetest"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// Runs against a real database; point DATABASE_URL at a disposable one.
func TestPostgresStore(t *testing.T) {
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := Connect(ctx, url)
	require.NoError(t, err)
	s := NewPostgresStore(pool, zap.NewNop())
	t.Cleanup(func() { s.Close(context.Background()) })
	require.NoError(t, s.Migrate(ctx))
	// Migrate is idempotent.
	require.NoError(t, s.Migrate(ctx))

	storetest.Run(t, func(t *testing.T) store.Store { return s })
}
