package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"rotation-service/internal/models"
)

const overrideColumns = `id, sprint_index, discipline, original_user_id, replacement_user_id,
	       requested_by, approved, approved_by, approval_timestamp, superseded_by, created_at`

// CreateOverride records a pending coverage swap request. The request has no
// effect on resolution until it is approved.
func (d *DB) CreateOverride(ctx context.Context, in models.OverrideCreate) (models.Override, error) {
	id := uuid.New()
	query := `
	INSERT INTO overrides (id, sprint_index, discipline, original_user_id,
	                       replacement_user_id, requested_by, approved, created_at)
	VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, FALSE, NOW())
	RETURNING created_at`

	o := models.Override{
		ID:                id.String(),
		SprintIndex:       in.SprintIndex,
		Discipline:        in.Discipline,
		OriginalUserID:    in.OriginalUserID,
		ReplacementUserID: in.ReplacementUserID,
		RequestedBy:       in.RequestedBy,
	}
	err := d.Conn.QueryRow(ctx, query,
		id, in.SprintIndex, in.Discipline, in.OriginalUserID, in.ReplacementUserID, in.RequestedBy,
	).Scan(&o.CreatedAt)
	if err != nil {
		return models.Override{}, fmt.Errorf("failed to create override: %w", err)
	}
	return o, nil
}

// GetOverride retrieves one override by its UUID string.
func (d *DB) GetOverride(ctx context.Context, idStr string) (models.Override, error) {
	id, err := uuid.Parse(idStr)
	if err != nil {
		return models.Override{}, fmt.Errorf("%w: override ID %q is not a UUID", ErrInvalid, idStr)
	}

	query := `SELECT ` + overrideColumns + ` FROM overrides WHERE id = $1`
	var o models.Override
	err = scanOverride(d.Conn.QueryRow(ctx, query, id), &o)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Override{}, ErrNotFound
	}
	if err != nil {
		return models.Override{}, fmt.Errorf("failed to get override %s: %w", idStr, err)
	}
	return o, nil
}

// ListOverrides returns every override for a sprint, pending and approved,
// newest first.
func (d *DB) ListOverrides(ctx context.Context, sprintIndex int) ([]models.Override, error) {
	query := `SELECT ` + overrideColumns + `
	FROM overrides
	WHERE sprint_index = $1
	ORDER BY created_at DESC`

	rows, err := d.Conn.Query(ctx, query, sprintIndex)
	if err != nil {
		return nil, fmt.Errorf("failed to list overrides for sprint %d: %w", sprintIndex, err)
	}
	defer rows.Close()

	var overrides []models.Override
	for rows.Next() {
		var o models.Override
		if err := scanOverride(rows, &o); err != nil {
			return nil, fmt.Errorf("failed to scan override: %w", err)
		}
		overrides = append(overrides, o)
	}
	return overrides, nil
}

// ApprovedOverrides returns the effective overrides for one sprint, meaning
// approved and not superseded. This is the resolver's input.
func (d *DB) ApprovedOverrides(ctx context.Context, sprintIndex int) ([]models.Override, error) {
	query := `SELECT ` + overrideColumns + `
	FROM overrides
	WHERE sprint_index = $1 AND approved AND superseded_by IS NULL`

	rows, err := d.Conn.Query(ctx, query, sprintIndex)
	if err != nil {
		return nil, fmt.Errorf("failed to list approved overrides for sprint %d: %w", sprintIndex, err)
	}
	defer rows.Close()

	var overrides []models.Override
	for rows.Next() {
		var o models.Override
		if err := scanOverride(rows, &o); err != nil {
			return nil, fmt.Errorf("failed to scan override: %w", err)
		}
		overrides = append(overrides, o)
	}
	return overrides, nil
}

// ApproveOverride marks a pending override approved. At most one approved,
// non-superseded override may exist per (sprint_index, discipline); when one
// already does the approval fails with ErrDuplicateApproval unless Supersede
// is set, in which case the standing override is demoted in the same
// transaction. Re-approving an already approved override is a no-op.
func (d *DB) ApproveOverride(ctx context.Context, idStr string, in models.OverrideApprove) (models.Override, error) {
	id, err := uuid.Parse(idStr)
	if err != nil {
		return models.Override{}, fmt.Errorf("%w: override ID %q is not a UUID", ErrInvalid, idStr)
	}

	tx, err := d.Conn.Begin(ctx)
	if err != nil {
		return models.Override{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var o models.Override
	query := `SELECT ` + overrideColumns + ` FROM overrides WHERE id = $1 FOR UPDATE`
	err = scanOverride(tx.QueryRow(ctx, query, id), &o)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Override{}, ErrNotFound
	}
	if err != nil {
		return models.Override{}, fmt.Errorf("failed to get override %s: %w", idStr, err)
	}
	if o.Approved {
		return o, tx.Commit(ctx)
	}

	conflictQuery := `
	SELECT id FROM overrides
	WHERE sprint_index = $1 AND discipline = $2 AND approved AND superseded_by IS NULL AND id <> $3
	FOR UPDATE`
	var conflictID uuid.UUID
	err = tx.QueryRow(ctx, conflictQuery, o.SprintIndex, o.Discipline, id).Scan(&conflictID)
	switch {
	case err == nil:
		if !in.Supersede {
			return models.Override{}, ErrDuplicateApproval
		}
		if _, err := tx.Exec(ctx, `UPDATE overrides SET superseded_by = $1 WHERE id = $2`, id, conflictID); err != nil {
			return models.Override{}, fmt.Errorf("failed to supersede override %s: %w", conflictID, err)
		}
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return models.Override{}, fmt.Errorf("failed to check for standing override: %w", err)
	}

	approveQuery := `
	UPDATE overrides
	SET approved = TRUE, approved_by = $1, approval_timestamp = NOW()
	WHERE id = $2
	RETURNING approval_timestamp`
	var approvedAt time.Time
	if err := tx.QueryRow(ctx, approveQuery, in.ApprovedBy, id).Scan(&approvedAt); err != nil {
		return models.Override{}, fmt.Errorf("failed to approve override %s: %w", idStr, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Override{}, fmt.Errorf("failed to commit approval: %w", err)
	}
	o.Approved = true
	o.ApprovedBy = in.ApprovedBy
	o.ApprovalTimestamp = &approvedAt
	return o, nil
}

func scanOverride(row pgx.Row, o *models.Override) error {
	var id uuid.UUID
	var original, approvedBy, supersededBy sql.NullString
	var approvedAt sql.NullTime

	err := row.Scan(
		&id,
		&o.SprintIndex,
		&o.Discipline,
		&original,
		&o.ReplacementUserID,
		&o.RequestedBy,
		&o.Approved,
		&approvedBy,
		&approvedAt,
		&supersededBy,
		&o.CreatedAt,
	)
	if err != nil {
		return err
	}
	o.ID = id.String()
	o.OriginalUserID = original.String
	o.ApprovedBy = approvedBy.String
	if approvedAt.Valid {
		t := approvedAt.Time
		o.ApprovalTimestamp = &t
	}
	o.SupersededBy = supersededBy.String
	return nil
}
