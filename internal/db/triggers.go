package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"rotation-service/internal/models"
)

// GetTriggerAudit looks up a prior webhook invocation by its correlation id.
// ErrNotFound means the trigger id has not been seen.
func (d *DB) GetTriggerAudit(ctx context.Context, id string) (models.CronTriggerAudit, error) {
	return getTriggerAudit(ctx, d.Conn, id)
}

// GetTriggerAuditTx re-checks for a replay under the rotation lock, closing
// the window between the unlocked fast path and the run itself.
func (d *DB) GetTriggerAuditTx(ctx context.Context, tx pgx.Tx, id string) (models.CronTriggerAudit, error) {
	return getTriggerAudit(ctx, tx, id)
}

func getTriggerAudit(ctx context.Context, q queryRower, id string) (models.CronTriggerAudit, error) {
	query := `
	SELECT id, triggered_at, scheduled_at, result, details
	FROM cron_trigger_audit
	WHERE id = $1`

	var a models.CronTriggerAudit
	var scheduledAt sql.NullTime
	var details sql.NullString
	err := q.QueryRow(ctx, query, id).Scan(&a.ID, &a.TriggeredAt, &scheduledAt, &a.Result, &details)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.CronTriggerAudit{}, ErrNotFound
	}
	if err != nil {
		return models.CronTriggerAudit{}, fmt.Errorf("failed to get trigger audit %s: %w", id, err)
	}
	if scheduledAt.Valid {
		t := scheduledAt.Time
		a.ScheduledAt = &t
	}
	a.Details = details.String
	return a, nil
}

// InsertTriggerAuditTx records the outcome of one webhook invocation inside
// the caller's transaction. Exactly one row per trigger id, ever.
func (d *DB) InsertTriggerAuditTx(ctx context.Context, tx pgx.Tx, a models.CronTriggerAudit) (models.CronTriggerAudit, error) {
	query := `
	INSERT INTO cron_trigger_audit (id, triggered_at, scheduled_at, result, details)
	VALUES ($1, NOW(), $2, $3, NULLIF($4, ''))
	RETURNING triggered_at`

	err := tx.QueryRow(ctx, query, a.ID, a.ScheduledAt, a.Result, a.Details).Scan(&a.TriggeredAt)
	if err != nil {
		return models.CronTriggerAudit{}, fmt.Errorf("failed to insert trigger audit %s: %w", a.ID, err)
	}
	return a, nil
}

// RecordHandoffNotice claims the end-of-day notice for one sprint handoff
// day and discipline. It reports false when the notice was already claimed,
// so a rerun of the evening job stays silent.
func (d *DB) RecordHandoffNotice(ctx context.Context, sprintIndex int, noticeDate time.Time, discipline string) (bool, error) {
	query := `
	INSERT INTO handoff_notices (sprint_index, notice_date, discipline, created_at)
	VALUES ($1, $2, $3, NOW())
	ON CONFLICT (sprint_index, notice_date, discipline) DO NOTHING`

	tag, err := d.Conn.Exec(ctx, query, sprintIndex, noticeDate, discipline)
	if err != nil {
		return false, fmt.Errorf("failed to record handoff notice: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
