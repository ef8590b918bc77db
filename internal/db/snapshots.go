package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"rotation-service/internal/models"
)

const snapshotColumns = `id, captured_at, assignments, hash, delivery_status,
	       delivery_reason, trigger_ref, next_delivery`

// InsertSnapshotTx appends a snapshot inside the caller's transaction, so the
// snapshot lands atomically with the state write and trigger audit of the
// same pipeline run.
func (d *DB) InsertSnapshotTx(ctx context.Context, tx pgx.Tx, snap models.NotificationSnapshot) (models.NotificationSnapshot, error) {
	if snap.ID == "" {
		snap.ID = uuid.New().String()
	}
	id, err := uuid.Parse(snap.ID)
	if err != nil {
		return models.NotificationSnapshot{}, fmt.Errorf("invalid snapshot ID: %w", err)
	}

	query := `
	INSERT INTO notification_snapshots
		(id, captured_at, assignments, hash, delivery_status, delivery_reason, trigger_ref, next_delivery)
	VALUES ($1, NOW(), $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7)
	RETURNING captured_at`

	err = tx.QueryRow(ctx, query,
		id, snap.Assignments, snap.Hash, snap.DeliveryStatus, snap.DeliveryReason, snap.TriggerRef, snap.NextDelivery,
	).Scan(&snap.CapturedAt)
	if err != nil {
		return models.NotificationSnapshot{}, fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return snap, nil
}

// LatestSnapshot returns the most recent snapshot of any status. ErrNotFound
// means no pipeline run has recorded one yet.
func (d *DB) LatestSnapshot(ctx context.Context) (models.NotificationSnapshot, error) {
	return latestSnapshot(ctx, d.Conn)
}

// LatestSnapshotTx is the transaction-scoped variant used under the rotation
// lock.
func (d *DB) LatestSnapshotTx(ctx context.Context, tx pgx.Tx) (models.NotificationSnapshot, error) {
	return latestSnapshot(ctx, tx)
}

func latestSnapshot(ctx context.Context, q queryRower) (models.NotificationSnapshot, error) {
	query := `SELECT ` + snapshotColumns + `
	FROM notification_snapshots
	ORDER BY captured_at DESC, id DESC
	LIMIT 1`

	var snap models.NotificationSnapshot
	err := scanSnapshot(q.QueryRow(ctx, query), &snap)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.NotificationSnapshot{}, ErrNotFound
	}
	if err != nil {
		return models.NotificationSnapshot{}, fmt.Errorf("failed to get latest snapshot: %w", err)
	}
	return snap, nil
}

// ListSnapshots returns the newest snapshots up to limit.
func (d *DB) ListSnapshots(ctx context.Context, limit int) ([]models.NotificationSnapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + snapshotColumns + `
	FROM notification_snapshots
	ORDER BY captured_at DESC, id DESC
	LIMIT $1`

	rows, err := d.Conn.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []models.NotificationSnapshot
	for rows.Next() {
		var snap models.NotificationSnapshot
		if err := scanSnapshot(rows, &snap); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

func scanSnapshot(row pgx.Row, snap *models.NotificationSnapshot) error {
	var id uuid.UUID
	var reason, triggerRef sql.NullString
	var nextDelivery sql.NullTime

	err := row.Scan(
		&id,
		&snap.CapturedAt,
		&snap.Assignments,
		&snap.Hash,
		&snap.DeliveryStatus,
		&reason,
		&triggerRef,
		&nextDelivery,
	)
	if err != nil {
		return err
	}
	snap.ID = id.String()
	snap.DeliveryReason = reason.String
	snap.TriggerRef = triggerRef.String
	if nextDelivery.Valid {
		t := nextDelivery.Time
		snap.NextDelivery = &t
	}
	return nil
}
