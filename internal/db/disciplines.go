package db

import (
	"context"
	"database/sql"
	"fmt"

	"rotation-service/internal/models"
	"rotation-service/internal/rotation"
)

// RotationLists loads every discipline with its active members in rotation
// order, shaped as resolver input. Disciplines with no active members come
// back with an empty member list so the fallback user still applies.
func (d *DB) RotationLists(ctx context.Context) ([]rotation.List, error) {
	query := `
	SELECT dc.key, dc.name, dc.fallback_user_id,
	       rm.user_id, rm.display_name, rm.position, rm.created_at
	FROM disciplines dc
	LEFT JOIN rotation_members rm
	  ON rm.discipline = dc.key AND rm.active
	ORDER BY dc.key, rm.position`

	rows, err := d.Conn.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to load rotation lists: %w", err)
	}
	defer rows.Close()

	var lists []rotation.List
	index := map[string]int{}
	for rows.Next() {
		var key, name string
		var fallback, userID, displayName sql.NullString
		var position sql.NullInt64
		var created sql.NullTime

		if err := rows.Scan(&key, &name, &fallback, &userID, &displayName, &position, &created); err != nil {
			return nil, fmt.Errorf("failed to scan rotation list row: %w", err)
		}

		i, ok := index[key]
		if !ok {
			lists = append(lists, rotation.List{Discipline: key, Name: name, Fallback: fallback.String})
			i = len(lists) - 1
			index[key] = i
		}
		if userID.Valid {
			lists[i].Members = append(lists[i].Members, models.RotationMember{
				Discipline:  key,
				UserID:      userID.String,
				DisplayName: displayName.String,
				Position:    int(position.Int64),
				Active:      true,
				CreatedAt:   created.Time,
			})
		}
	}
	return lists, nil
}
