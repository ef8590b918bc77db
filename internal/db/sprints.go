package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"rotation-service/internal/models"
	"rotation-service/internal/rotation"
)

const sprintDateLayout = "2006-01-02"

// ListSprints returns every sprint ordered by index.
func (d *DB) ListSprints(ctx context.Context) ([]models.Sprint, error) {
	query := `
	SELECT sprint_index, name, start_date, end_date, created_at, updated_at
	FROM sprints
	ORDER BY sprint_index`

	rows, err := d.Conn.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list sprints: %w", err)
	}
	defer rows.Close()

	var sprints []models.Sprint
	for rows.Next() {
		var s models.Sprint
		if err := rows.Scan(&s.Index, &s.Name, &s.StartDate, &s.EndDate, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sprint: %w", err)
		}
		sprints = append(sprints, s)
	}
	return sprints, nil
}

// GetSprintByIndex retrieves one sprint.
func (d *DB) GetSprintByIndex(ctx context.Context, index int) (models.Sprint, error) {
	query := `
	SELECT sprint_index, name, start_date, end_date, created_at, updated_at
	FROM sprints
	WHERE sprint_index = $1`

	var s models.Sprint
	err := d.Conn.QueryRow(ctx, query, index).Scan(&s.Index, &s.Name, &s.StartDate, &s.EndDate, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Sprint{}, ErrNotFound
	}
	if err != nil {
		return models.Sprint{}, fmt.Errorf("failed to get sprint %d: %w", index, err)
	}
	return s, nil
}

// CreateSprint appends a sprint with the next free index. Indices are
// assigned by the store and never reused.
func (d *DB) CreateSprint(ctx context.Context, in models.SprintCreate) (models.Sprint, error) {
	start, err := parseSprintDate("start_date", in.StartDate)
	if err != nil {
		return models.Sprint{}, err
	}
	end, err := parseSprintDate("end_date", in.EndDate)
	if err != nil {
		return models.Sprint{}, err
	}
	if end.Before(start) {
		return models.Sprint{}, fmt.Errorf("%w: end_date %s precedes start_date %s", ErrInvalid, in.EndDate, in.StartDate)
	}

	query := `
	INSERT INTO sprints (sprint_index, name, start_date, end_date, created_at, updated_at)
	VALUES ((SELECT COALESCE(MAX(sprint_index), -1) + 1 FROM sprints), $1, $2, $3, NOW(), NOW())
	RETURNING sprint_index, created_at, updated_at`

	var s models.Sprint
	err = d.Conn.QueryRow(ctx, query, in.Name, start, end).Scan(&s.Index, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return models.Sprint{}, fmt.Errorf("failed to create sprint: %w", err)
	}
	s.Name = in.Name
	s.StartDate = start
	s.EndDate = end
	return s, nil
}

// UpdateSprint edits a sprint's name or window and appends the change to the
// sprint_edits audit log in the same transaction. Sprints are never deleted.
func (d *DB) UpdateSprint(ctx context.Context, index int, in models.SprintUpdate) (models.Sprint, error) {
	current, err := d.GetSprintByIndex(ctx, index)
	if err != nil {
		return models.Sprint{}, err
	}

	updated := current
	var changes []string
	if in.Name != "" && in.Name != current.Name {
		updated.Name = in.Name
		changes = append(changes, fmt.Sprintf("name %q -> %q", current.Name, in.Name))
	}
	if in.StartDate != "" {
		start, err := parseSprintDate("start_date", in.StartDate)
		if err != nil {
			return models.Sprint{}, err
		}
		if !rotation.SameDate(start, current.StartDate) {
			updated.StartDate = start
			changes = append(changes, fmt.Sprintf("start_date %s -> %s",
				current.StartDate.Format(sprintDateLayout), in.StartDate))
		}
	}
	if in.EndDate != "" {
		end, err := parseSprintDate("end_date", in.EndDate)
		if err != nil {
			return models.Sprint{}, err
		}
		if !rotation.SameDate(end, current.EndDate) {
			updated.EndDate = end
			changes = append(changes, fmt.Sprintf("end_date %s -> %s",
				current.EndDate.Format(sprintDateLayout), in.EndDate))
		}
	}
	if updated.EndDate.Before(updated.StartDate) {
		return models.Sprint{}, fmt.Errorf("%w: end_date precedes start_date after edit", ErrInvalid)
	}
	if len(changes) == 0 {
		return current, nil
	}

	tx, err := d.Conn.Begin(ctx)
	if err != nil {
		return models.Sprint{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
	UPDATE sprints
	SET name = $1, start_date = $2, end_date = $3, updated_at = NOW()
	WHERE sprint_index = $4
	RETURNING updated_at`
	if err := tx.QueryRow(ctx, query, updated.Name, updated.StartDate, updated.EndDate, index).Scan(&updated.UpdatedAt); err != nil {
		return models.Sprint{}, fmt.Errorf("failed to update sprint %d: %w", index, err)
	}

	auditQuery := `
	INSERT INTO sprint_edits (id, sprint_index, edited_by, reason, changes, created_at)
	VALUES ($1, $2, $3, $4, $5, NOW())`
	if _, err := tx.Exec(ctx, auditQuery, uuid.New(), index, in.EditedBy, in.Reason, strings.Join(changes, "; ")); err != nil {
		return models.Sprint{}, fmt.Errorf("failed to record sprint edit: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Sprint{}, fmt.Errorf("failed to commit sprint update: %w", err)
	}
	return updated, nil
}

// ListSprintEdits returns the audit trail for one sprint, newest first.
func (d *DB) ListSprintEdits(ctx context.Context, index int) ([]models.SprintEdit, error) {
	query := `
	SELECT id, sprint_index, edited_by, reason, changes, created_at
	FROM sprint_edits
	WHERE sprint_index = $1
	ORDER BY created_at DESC`

	rows, err := d.Conn.Query(ctx, query, index)
	if err != nil {
		return nil, fmt.Errorf("failed to list sprint edits for %d: %w", index, err)
	}
	defer rows.Close()

	var edits []models.SprintEdit
	for rows.Next() {
		var e models.SprintEdit
		if err := rows.Scan(&e.ID, &e.SprintIndex, &e.EditedBy, &e.Reason, &e.Changes, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan sprint edit: %w", err)
		}
		edits = append(edits, e)
	}
	return edits, nil
}

func parseSprintDate(field, value string) (time.Time, error) {
	t, err := time.Parse(sprintDateLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s %q is not a %s date", ErrInvalid, field, value, sprintDateLayout)
	}
	return t, nil
}
