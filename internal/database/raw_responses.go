package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/maltedev/solar-panel-scraper/internal/models"
)

// ScraperVersion tags every stored raw response.
const ScraperVersion = "v1"

var ErrRawResponseNotFound = errors.New("raw response not found")

// RawMetadata describes how a raw response was fetched.
type RawMetadata struct {
	ScraperVersion string  `json:"scraper_version"`
	ResponseTimeMs int64   `json:"response_time_ms"`
	StatusCode     int     `json:"status_code"`
	Attempts       int     `json:"attempts"`
	ParseError     *string `json:"parse_error,omitempty"`
}

// SaveRawResponse stores the payload for an ASIN, replacing an earlier one.
// panelID may be nil when parsing failed.
func (db *DB) SaveRawResponse(ctx context.Context, asin string, panelID *string, payload json.RawMessage, meta RawMetadata) (int64, error) {
	if meta.ScraperVersion == "" {
		meta.ScraperVersion = ScraperVersion
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal raw metadata: %w", err)
	}

	query := `
		INSERT INTO raw_scraper_data (
			asin, panel_id, scraper_response, scraper_version,
			response_size_bytes, processing_metadata
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (asin) DO UPDATE SET
			panel_id = COALESCE(EXCLUDED.panel_id, raw_scraper_data.panel_id),
			scraper_response = EXCLUDED.scraper_response,
			scraper_version = EXCLUDED.scraper_version,
			response_size_bytes = EXCLUDED.response_size_bytes,
			processing_metadata = EXCLUDED.processing_metadata,
			updated_at = NOW()
		RETURNING id`

	var id int64
	err = db.pool.QueryRow(ctx, query,
		asin, panelID, payload, meta.ScraperVersion, len(payload), metaJSON,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to save raw response for %s: %w", asin, err)
	}

	return id, nil
}

// ListRawResponses returns stored responses newest first. An empty asin
// matches every row.
func (db *DB) ListRawResponses(ctx context.Context, limit, offset int, asin string) ([]models.RawResponse, error) {
	query := `
		SELECT id, asin, panel_id, scraper_response, created_at
		FROM raw_scraper_data
		WHERE ($1 = '' OR asin = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := db.pool.Query(ctx, query, asin, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list raw responses: %w", err)
	}
	defer rows.Close()

	var responses []models.RawResponse
	for rows.Next() {
		var r models.RawResponse
		if err := rows.Scan(&r.ID, &r.ASIN, &r.PanelID, &r.Payload, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan raw response: %w", err)
		}
		responses = append(responses, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return responses, nil
}

// LatestRawResponse returns the most recent response linked to a panel.
func (db *DB) LatestRawResponse(ctx context.Context, panelID string) (*models.RawResponse, error) {
	query := `
		SELECT id, asin, panel_id, scraper_response, created_at
		FROM raw_scraper_data
		WHERE panel_id = $1
		ORDER BY created_at DESC
		LIMIT 1`

	var r models.RawResponse
	err := db.pool.QueryRow(ctx, query, panelID).Scan(&r.ID, &r.ASIN, &r.PanelID, &r.Payload, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRawResponseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get raw response for panel %s: %w", panelID, err)
	}

	return &r, nil
}
