package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"rotation-service/internal/models"
)

// queryRower is satisfied by both the pool and a transaction, so state reads
// work inside and outside the rotation lock.
type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// GetCurrentState reads the persisted on-call state. ErrNotFound means the
// state has never been initialized.
func (d *DB) GetCurrentState(ctx context.Context) (models.CurrentState, error) {
	return getCurrentState(ctx, d.Conn)
}

// GetCurrentStateTx is the transaction-scoped read used under the rotation
// lock.
func (d *DB) GetCurrentStateTx(ctx context.Context, tx pgx.Tx) (models.CurrentState, error) {
	return getCurrentState(ctx, tx)
}

func getCurrentState(ctx context.Context, q queryRower) (models.CurrentState, error) {
	query := `
	SELECT sprint_index, assignments, updated_at
	FROM current_state
	WHERE singleton`

	var s models.CurrentState
	err := q.QueryRow(ctx, query).Scan(&s.SprintIndex, &s.Assignments, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.CurrentState{}, ErrNotFound
	}
	if err != nil {
		return models.CurrentState{}, fmt.Errorf("failed to get current state: %w", err)
	}
	return s, nil
}

// ReplaceCurrentStateTx swaps the whole state row inside the caller's
// transaction. The row is keyed by a constant, so there is never more than
// one, and partial updates are impossible.
func (d *DB) ReplaceCurrentStateTx(ctx context.Context, tx pgx.Tx, s models.CurrentState) (models.CurrentState, error) {
	query := `
	INSERT INTO current_state (singleton, sprint_index, assignments, updated_at)
	VALUES (TRUE, $1, $2, NOW())
	ON CONFLICT (singleton) DO UPDATE
	SET sprint_index = EXCLUDED.sprint_index,
	    assignments  = EXCLUDED.assignments,
	    updated_at   = EXCLUDED.updated_at
	RETURNING updated_at`

	if err := tx.QueryRow(ctx, query, s.SprintIndex, s.Assignments).Scan(&s.UpdatedAt); err != nil {
		return models.CurrentState{}, fmt.Errorf("failed to replace current state: %w", err)
	}
	return s, nil
}
