package ledger

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wonny/aegis-exec/pkg/config"
	"github.com/wonny/aegis-exec/pkg/database"
	"github.com/wonny/aegis-exec/pkg/logger"
)

func newPostgres(t *testing.T) Store {
	t.Helper()

	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}

	cfg := &config.Config{Database: config.DatabaseConfig{URL: url, MaxConns: 4, MinConns: 1}}
	db, err := database.New(cfg)
	require.NoError(t, err)

	store := NewPostgresStore(db, logger.Nop())
	ctx := context.Background()
	require.NoError(t, store.Migrate(ctx))
	_, err = db.Pool.Exec(ctx, `TRUNCATE ledger.executions, ledger.orders, ledger.positions,
		ledger.halt_flag, ledger.config_snapshots, ledger.errors RESTART IDENTITY CASCADE`)
	require.NoError(t, err)

	t.Cleanup(func() { store.Close() })
	return store
}

func TestPostgresStore(t *testing.T) {
	if os.Getenv("DATABASE_URL") == "" {
		t.Skip("DATABASE_URL not set")
	}
	storeSuite(t, newPostgres)
}
