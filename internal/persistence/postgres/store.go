// Package postgres persists instance snapshots in PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quantfoundry/algoexec/errs"
	"github.com/quantfoundry/algoexec/internal/persistence"
)

// Store is a pgx-backed snapshot store.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore constructs a Store backed by the provided pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const (
	snapshotUpsertSQL = `
INSERT INTO algo_instances (
    group_id,
    strategy_id,
    serialized_state,
    active,
    created_at,
    last_active_at
)
VALUES (
    @group_id,
    @strategy_id,
    @serialized_state::jsonb,
    @active,
    NOW(),
    NOW()
)
ON CONFLICT (group_id) DO UPDATE SET
    strategy_id = EXCLUDED.strategy_id,
    serialized_state = EXCLUDED.serialized_state,
    active = EXCLUDED.active,
    last_active_at = NOW();
`

	snapshotSelectSQL = `
SELECT group_id, strategy_id, serialized_state, active, created_at, last_active_at
FROM algo_instances
WHERE group_id = @group_id;
`

	snapshotListActiveSQL = `
SELECT group_id, strategy_id, serialized_state, active, created_at, last_active_at
FROM algo_instances
WHERE active
ORDER BY group_id;
`

	snapshotDeactivateSQL = `
UPDATE algo_instances
SET active = FALSE,
    last_active_at = NOW()
WHERE group_id = @group_id;
`

	snapshotDeleteSQL = `
DELETE FROM algo_instances
WHERE group_id = @group_id;
`
)

// Save upserts the snapshot by group id.
func (s *Store) Save(ctx context.Context, snapshot persistence.Snapshot) error {
	const op = "postgres.Save"
	if err := snapshot.Validate(); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, snapshotUpsertSQL, pgx.NamedArgs{
		"group_id":         snapshot.GroupID,
		"strategy_id":      snapshot.StrategyID,
		"serialized_state": []byte(snapshot.SerializedState),
		"active":           snapshot.Active,
	})
	if err != nil {
		return errs.New(op, errs.CodeUnavailable, errs.WithCause(err))
	}
	return nil
}

// Get returns the snapshot for the group id.
func (s *Store) Get(ctx context.Context, groupID string) (persistence.Snapshot, error) {
	const op = "postgres.Get"
	row := s.pool.QueryRow(ctx, snapshotSelectSQL, pgx.NamedArgs{"group_id": groupID})
	snapshot, err := scanSnapshot(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return persistence.Snapshot{}, errs.New(op, errs.CodeNotFound,
				errs.WithMessage("no snapshot for group "+groupID))
		}
		return persistence.Snapshot{}, errs.New(op, errs.CodeUnavailable, errs.WithCause(err))
	}
	return snapshot, nil
}

// ListActive returns every snapshot still marked active.
func (s *Store) ListActive(ctx context.Context) ([]persistence.Snapshot, error) {
	const op = "postgres.ListActive"
	rows, err := s.pool.Query(ctx, snapshotListActiveSQL)
	if err != nil {
		return nil, errs.New(op, errs.CodeUnavailable, errs.WithCause(err))
	}
	defer rows.Close()

	var out []persistence.Snapshot
	for rows.Next() {
		snapshot, err := scanSnapshot(rows)
		if err != nil {
			return nil, errs.New(op, errs.CodeUnavailable, errs.WithCause(err))
		}
		out = append(out, snapshot)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.New(op, errs.CodeUnavailable, errs.WithCause(err))
	}
	return out, nil
}

// Deactivate marks the instance stopped.
func (s *Store) Deactivate(ctx context.Context, groupID string) error {
	const op = "postgres.Deactivate"
	tag, err := s.pool.Exec(ctx, snapshotDeactivateSQL, pgx.NamedArgs{"group_id": groupID})
	if err != nil {
		return errs.New(op, errs.CodeUnavailable, errs.WithCause(err))
	}
	if tag.RowsAffected() == 0 {
		return errs.New(op, errs.CodeNotFound,
			errs.WithMessage("no snapshot for group "+groupID))
	}
	return nil
}

// Delete removes the record; deleting an absent record is a no-op.
func (s *Store) Delete(ctx context.Context, groupID string) error {
	const op = "postgres.Delete"
	if _, err := s.pool.Exec(ctx, snapshotDeleteSQL, pgx.NamedArgs{"group_id": groupID}); err != nil {
		return errs.New(op, errs.CodeUnavailable, errs.WithCause(err))
	}
	return nil
}

func scanSnapshot(row pgx.Row) (persistence.Snapshot, error) {
	var (
		snapshot     persistence.Snapshot
		state        []byte
		createdAt    time.Time
		lastActiveAt time.Time
	)
	if err := row.Scan(&snapshot.GroupID, &snapshot.StrategyID, &state,
		&snapshot.Active, &createdAt, &lastActiveAt); err != nil {
		return persistence.Snapshot{}, err
	}
	snapshot.SerializedState = state
	snapshot.CreatedAt = createdAt.UTC()
	snapshot.LastActiveAt = lastActiveAt.UTC()
	return snapshot, nil
}
