package database

import (
	"context"
	"fmt"
	"time"

	"github.com/maltedev/solar-panel-scraper/internal/models"
)

// ListPendingFlags returns the unresolved flags raised against a panel.
func (db *DB) ListPendingFlags(ctx context.Context, panelID string) ([]models.UserFlag, error) {
	query := `
		SELECT id, panel_id, COALESCE(flagged_fields, '{}'), flag_type, status
		FROM user_flags
		WHERE panel_id = $1 AND status = $2
		ORDER BY created_at`

	rows, err := db.pool.Query(ctx, query, panelID, models.FlagStatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to list flags for panel %s: %w", panelID, err)
	}
	defer rows.Close()

	var flags []models.UserFlag
	for rows.Next() {
		var f models.UserFlag
		if err := rows.Scan(&f.ID, &f.PanelID, &f.FlaggedFields, &f.FlagType, &f.Status); err != nil {
			return nil, fmt.Errorf("failed to scan flag: %w", err)
		}
		flags = append(flags, f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return flags, nil
}

// ResolveFlags marks the given flags resolved with an admin note.
func (db *DB) ResolveFlags(ctx context.Context, ids []string, note string, resolvedAt time.Time) error {
	if len(ids) == 0 {
		return nil
	}

	query := `
		UPDATE user_flags
		SET status = $1, admin_note = $2, resolved_at = $3, updated_at = $3
		WHERE id = ANY($4)`

	_, err := db.pool.Exec(ctx, query, models.FlagStatusResolved, note, resolvedAt, ids)
	if err != nil {
		return fmt.Errorf("failed to resolve %d flags: %w", len(ids), err)
	}

	return nil
}

// CreateFlag raises a system review flag (no user) and returns its id.
func (db *DB) CreateFlag(ctx context.Context, flag *models.UserFlag) (string, error) {
	if flag.Status == "" {
		flag.Status = models.FlagStatusPending
	}

	query := `
		INSERT INTO user_flags (
			panel_id, user_id, flag_type, flagged_fields, user_comment, status
		) VALUES ($1, NULL, $2, $3, $4, $5)
		RETURNING id`

	err := db.pool.QueryRow(ctx, query,
		flag.PanelID, flag.FlagType, flag.FlaggedFields, flag.UserComment, flag.Status,
	).Scan(&flag.ID)
	if err != nil {
		return "", fmt.Errorf("failed to create %s flag for panel %s: %w", flag.FlagType, flag.PanelID, err)
	}

	return flag.ID, nil
}
