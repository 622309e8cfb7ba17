//go:build cgo

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/predmkts/predmkts/internal/config"
)

func TestLibsqlFileStoreSettingsAndSchema(t *testing.T) {
	ctx := context.Background()
	path := "file:" + t.TempDir() + "/predmkts.db"

	s, err := Open(ctx, config.StoreConfig{Driver: "libsql", Path: path})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	require.Equal(t, 1, s.DB.Stats().MaxOpenConnections)

	var journalMode string
	require.NoError(t, s.DB.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&journalMode))
	require.Contains(t, journalMode, "wal")

	var busyTimeout int
	require.NoError(t, s.DB.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&busyTimeout))
	require.GreaterOrEqual(t, busyTimeout, 1000)

	require.NoError(t, s.Migrate(ctx))
	version, err := s.SchemaVersion(ctx)
	require.NoError(t, err)
	require.Equal(t, len(migrations), version)
}
