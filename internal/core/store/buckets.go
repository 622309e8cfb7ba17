package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/predmkts/predmkts/internal/core"
)

// BucketStore persists limiter bucket snapshots between runs.
type BucketStore interface {
	SaveBuckets(ctx context.Context, states []core.BucketState) error
	ListBuckets(ctx context.Context, q BucketQuery) ([]core.BucketState, error)
	CountBuckets(ctx context.Context, q BucketQuery) (int, error)
	ResetBuckets(ctx context.Context, q BucketQuery) (int64, error)
	Driver() string
	Close() error
}

// BucketQuery selects snapshots by exact key, key prefix, or all of them.
type BucketQuery struct {
	All    bool
	Key    string
	Prefix string
}

func (q BucketQuery) Validate() error {
	if q.All {
		return nil
	}
	if strings.TrimSpace(q.Key) != "" {
		return nil
	}
	if strings.TrimSpace(q.Prefix) != "" {
		return nil
	}
	return errors.New("must specify --all, --key, or --prefix")
}

// Matches reports whether key is selected by q.
func (q BucketQuery) Matches(key string) bool {
	if q.All {
		return true
	}
	if k := strings.TrimSpace(q.Key); k != "" {
		return key == k
	}
	prefix := strings.TrimSpace(q.Prefix)
	return prefix != "" && strings.HasPrefix(key, prefix)
}

func (q BucketQuery) whereClause() (string, []any, error) {
	if err := q.Validate(); err != nil {
		return "", nil, err
	}
	if q.All {
		return "", nil, nil
	}
	if key := strings.TrimSpace(q.Key); key != "" {
		return "WHERE bucket_key = ?", []any{key}, nil
	}
	prefix := strings.TrimSpace(q.Prefix)
	if prefix == "" {
		return "", nil, errors.New("prefix is required")
	}
	return "WHERE bucket_key LIKE ? ESCAPE '\\'", []any{escapeLike(prefix) + "%"}, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// SaveBuckets upserts every state in one transaction. States without an
// UpdatedAt are stamped with the current time.
func (s *Store) SaveBuckets(ctx context.Context, states []core.BucketState) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if len(states) == 0 {
		return nil
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save buckets: %w", err)
	}
	defer tx.Rollback() // nolint:errcheck // no-op after commit

	now := time.Now().UTC()
	for _, state := range states {
		key := strings.TrimSpace(string(state.Key))
		if key == "" {
			return errors.New("bucket key is required")
		}
		updated := state.UpdatedAt
		if updated.IsZero() {
			updated = now
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO bucket_snapshots (bucket_key, capacity, tokens, refill_rate, last_refill, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(bucket_key) DO UPDATE SET
				capacity = excluded.capacity,
				tokens = excluded.tokens,
				refill_rate = excluded.refill_rate,
				last_refill = excluded.last_refill,
				updated_at = excluded.updated_at
		`, key, state.Capacity, state.Tokens, state.RefillRate, state.LastRefill.UTC().UnixNano(), updated.UTC().UnixNano())
		if err != nil {
			return fmt.Errorf("save bucket %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save buckets: %w", err)
	}
	return nil
}

func (s *Store) ListBuckets(ctx context.Context, q BucketQuery) ([]core.BucketState, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	where, args, err := q.whereClause()
	if err != nil {
		return nil, err
	}

	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(`
		SELECT bucket_key, capacity, tokens, refill_rate, last_refill, updated_at
		FROM bucket_snapshots
		%s
		ORDER BY bucket_key
	`, where), args...)
	if err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup

	states := []core.BucketState{}
	for rows.Next() {
		var (
			key        string
			state      core.BucketState
			lastRefill int64
			updatedAt  sql.NullInt64
		)
		if err := rows.Scan(&key, &state.Capacity, &state.Tokens, &state.RefillRate, &lastRefill, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan buckets: %w", err)
		}
		state.Key = core.BucketKey(key)
		state.LastRefill = time.Unix(0, lastRefill).UTC()
		if updatedAt.Valid && updatedAt.Int64 > 0 {
			state.UpdatedAt = time.Unix(0, updatedAt.Int64).UTC()
		}
		states = append(states, state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}

	return states, nil
}

func (s *Store) CountBuckets(ctx context.Context, q BucketQuery) (int, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	where, args, err := q.whereClause()
	if err != nil {
		return 0, err
	}

	row := s.DB.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COUNT(*)
		FROM bucket_snapshots
		%s
	`, where), args...)

	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count buckets: %w", err)
	}
	return count, nil
}

func (s *Store) ResetBuckets(ctx context.Context, q BucketQuery) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	where, args, err := q.whereClause()
	if err != nil {
		return 0, err
	}

	result, err := s.DB.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM bucket_snapshots
		%s
	`, where), args...)
	if err != nil {
		return 0, fmt.Errorf("reset buckets: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset buckets: %w", err)
	}
	return affected, nil
}
