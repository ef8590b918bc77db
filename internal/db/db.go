package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Sentinel errors let handlers map storage outcomes to HTTP statuses.
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalid           = errors.New("invalid input")
	ErrDuplicateApproval = errors.New("approved override already exists for this sprint and discipline")
)

// rotationLockKey serializes every writer of current_state and
// notification_snapshots. One key, one writer at a time.
const rotationLockKey = int64(0x726f7461)

type DB struct {
	Conn *pgxpool.Pool
}

func New(dsn string) (*DB, error) {
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	return &DB{Conn: pool}, nil
}

func (d *DB) Close() {
	d.Conn.Close()
}

// WithRotationLock runs fn inside a transaction that holds the rotation
// advisory lock. The lock releases when the transaction ends, so concurrent
// reconciles and pipeline runs serialize instead of interleaving their
// read-compute-write cycles.
func (d *DB) WithRotationLock(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := d.Conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, rotationLockKey); err != nil {
		return fmt.Errorf("failed to acquire rotation lock: %w", err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
