package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/predmkts/predmkts/internal/config"
	"github.com/predmkts/predmkts/internal/core"
)

func TestBuildLibsqlDSN(t *testing.T) {
	t.Run("URLUsesRawValue", func(t *testing.T) {
		cfg := config.StoreConfig{
			URL:       "libsql://example.turso.io",
			AuthToken: "token123",
		}

		dsn, local, err := buildLibsqlDSN(cfg)
		require.NoError(t, err)
		require.False(t, local)
		require.Equal(t, "libsql://example.turso.io?authToken=token123", dsn)
	})

	t.Run("URLWithExistingQuery", func(t *testing.T) {
		cfg := config.StoreConfig{
			URL:       "libsql://example.turso.io?foo=bar",
			AuthToken: "token123",
		}

		dsn, _, err := buildLibsqlDSN(cfg)
		require.NoError(t, err)
		require.Equal(t, "libsql://example.turso.io?authToken=token123&foo=bar", dsn)
	})

	t.Run("PathWithFilePrefix", func(t *testing.T) {
		cfg := config.StoreConfig{Path: "file:./predmkts.db"}

		dsn, local, err := buildLibsqlDSN(cfg)
		require.NoError(t, err)
		require.True(t, local)
		require.Equal(t, "file:./predmkts.db", dsn)
	})

	t.Run("PathMissing", func(t *testing.T) {
		_, _, err := buildLibsqlDSN(config.StoreConfig{})
		require.Error(t, err)
	})

	t.Run("MemoryPath", func(t *testing.T) {
		dsn, local, err := buildLibsqlDSN(config.StoreConfig{Path: ":memory:"})
		require.NoError(t, err)
		require.True(t, local)
		require.Equal(t, ":memory:", dsn)
	})

	t.Run("PlainPathCreatesDirectory", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "nested", "predmkts.db")

		dsn, _, err := buildLibsqlDSN(config.StoreConfig{Path: path})
		require.NoError(t, err)
		require.Equal(t, "file:"+path, dsn)
		require.DirExists(t, filepath.Dir(path))
	})
}

func TestBuildSQLiteDSN(t *testing.T) {
	_, err := buildSQLiteDSN(config.StoreConfig{URL: "libsql://example.turso.io"})
	require.Error(t, err)

	dsn, err := buildSQLiteDSN(config.StoreConfig{Path: ":memory:"})
	require.NoError(t, err)
	require.Equal(t, ":memory:", dsn)
}

func TestBucketQuery(t *testing.T) {
	require.Error(t, BucketQuery{}.Validate())
	require.NoError(t, BucketQuery{All: true}.Validate())
	require.NoError(t, BucketQuery{Key: "global"}.Validate())
	require.NoError(t, BucketQuery{Prefix: "api."}.Validate())

	require.True(t, BucketQuery{All: true}.Matches("x"))
	require.True(t, BucketQuery{Key: "global"}.Matches("global"))
	require.False(t, BucketQuery{Key: "global"}.Matches("global2"))
	require.True(t, BucketQuery{Prefix: "api."}.Matches("api.kalshi.com"))
	require.False(t, BucketQuery{Prefix: "api."}.Matches("gamma-api.polymarket.com"))

	where, args, err := BucketQuery{Prefix: "a_b%"}.whereClause()
	require.NoError(t, err)
	require.Contains(t, where, "LIKE")
	require.Equal(t, []any{`a\_b\%%`}, args)
}

func openMemoryStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	s, err := Open(ctx, config.StoreConfig{Driver: "sqlite", Path: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenSQLiteMemoryStore(t *testing.T) {
	s := openMemoryStore(t)
	require.Equal(t, "sqlite", s.Driver())
	require.Equal(t, 1, s.DB.Stats().MaxOpenConnections)

	// Migrate is idempotent.
	require.NoError(t, s.Migrate(context.Background()))

	version, err := s.SchemaVersion(context.Background())
	require.NoError(t, err)
	require.Equal(t, len(migrations), version)

	var applied int
	require.NoError(t, s.DB.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&applied))
	require.Equal(t, len(migrations), applied)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), config.StoreConfig{Driver: "postgres", Path: ":memory:"})
	require.Error(t, err)

	_, err = OpenBucketStore(context.Background(), config.StoreConfig{Driver: "none"})
	require.ErrorIs(t, err, ErrDisabled)
}

func TestBucketSnapshotsRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openMemoryStore(t)

	refill := time.Date(2025, 1, 1, 12, 0, 0, 123456789, time.UTC)
	states := []core.BucketState{
		{Key: "gamma-api.polymarket.com", Capacity: 20, Tokens: 3.5, RefillRate: 10, LastRefill: refill},
		{Key: "global", Capacity: 4, Tokens: 4, RefillRate: 2, LastRefill: refill, UpdatedAt: refill},
	}
	require.NoError(t, s.SaveBuckets(ctx, states))

	got, err := s.ListBuckets(ctx, BucketQuery{All: true})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, core.BucketKey("gamma-api.polymarket.com"), got[0].Key)
	require.Equal(t, 3.5, got[0].Tokens)
	require.True(t, refill.Equal(got[0].LastRefill))
	require.False(t, got[0].UpdatedAt.IsZero())
	require.True(t, refill.Equal(got[1].UpdatedAt))

	// Upsert replaces the row.
	states[1].Tokens = 1
	require.NoError(t, s.SaveBuckets(ctx, states[1:]))
	got, err = s.ListBuckets(ctx, BucketQuery{Key: "global"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, 1.0, got[0].Tokens)

	require.Error(t, s.SaveBuckets(ctx, []core.BucketState{{Key: " "}}))
	require.NoError(t, s.SaveBuckets(ctx, nil))
}

func TestBucketSnapshotsCountAndReset(t *testing.T) {
	ctx := context.Background()
	s := openMemoryStore(t)

	now := time.Now().UTC()
	require.NoError(t, s.SaveBuckets(ctx, []core.BucketState{
		{Key: "api.elections.kalshi.com", Capacity: 1, RefillRate: 1, LastRefill: now},
		{Key: "api.elections.kalshi.com:8443", Capacity: 1, RefillRate: 1, LastRefill: now},
		{Key: "gamma-api.polymarket.com", Capacity: 1, RefillRate: 1, LastRefill: now},
	}))

	count, err := s.CountBuckets(ctx, BucketQuery{Prefix: "api.elections"})
	require.NoError(t, err)
	require.Equal(t, 2, count)

	_, err = s.CountBuckets(ctx, BucketQuery{})
	require.Error(t, err)

	deleted, err := s.ResetBuckets(ctx, BucketQuery{Prefix: "api.elections"})
	require.NoError(t, err)
	require.Equal(t, int64(2), deleted)

	deleted, err = s.ResetBuckets(ctx, BucketQuery{All: true})
	require.NoError(t, err)
	require.Equal(t, int64(1), deleted)

	got, err := s.ListBuckets(ctx, BucketQuery{All: true})
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestNilStore(t *testing.T) {
	var s *Store
	require.NoError(t, s.Close())
	require.Empty(t, s.Driver())
	require.Error(t, s.Migrate(context.Background()))
	require.Error(t, s.SaveBuckets(context.Background(), nil))
	_, err := s.ListBuckets(context.Background(), BucketQuery{All: true})
	require.Error(t, err)
}
