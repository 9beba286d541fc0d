package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/maltedev/solar-panel-scraper/internal/models"
)

// updatableColumns are the solar_panels columns UpdatePanelFields may set.
var updatableColumns = map[string]bool{
	"wattage":             true,
	"length_cm":           true,
	"width_cm":            true,
	"weight_kg":           true,
	"piece_count":         true,
	"voltage":             true,
	"price_usd":           true,
	"description":         true,
	"image_url":           true,
	"web_url":             true,
	"missing_fields":      true,
	"extraction_evidence": true,
}

// GetStoredPanel returns the projection reparse compares against.
func (db *DB) GetStoredPanel(ctx context.Context, id string) (*models.StoredPanel, error) {
	query := `
		SELECT
			id, asin, wattage, length_cm, width_cm, weight_kg,
			piece_count, voltage,
			COALESCE(missing_fields, '{}'),
			COALESCE(manual_overrides, '{}'),
			COALESCE(user_verified_overrides, '{}')
		FROM solar_panels
		WHERE id = $1`

	var p models.StoredPanel
	err := db.pool.QueryRow(ctx, query, id).Scan(
		&p.ID, &p.ASIN, &p.Wattage, &p.LengthCm, &p.WidthCm, &p.WeightKg,
		&p.PieceCount, &p.Voltage,
		&p.MissingFields, &p.ManualOverrides, &p.UserVerifiedOverrides,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrPanelNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get panel %s: %w", id, err)
	}

	return &p, nil
}

// FindPanelIDByASIN returns models.ErrPanelNotFound when no panel has the
// ASIN.
func (db *DB) FindPanelIDByASIN(ctx context.Context, asin string) (string, error) {
	var id string
	err := db.pool.QueryRow(ctx,
		"SELECT id FROM solar_panels WHERE asin = $1 LIMIT 1", asin).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", models.ErrPanelNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up panel %s: %w", asin, err)
	}
	return id, nil
}

// InsertPanel stores a freshly parsed panel and returns its id.
func (db *DB) InsertPanel(ctx context.Context, p *models.Panel) (string, error) {
	evidence, err := json.Marshal(p.ExtractionEvidence)
	if err != nil {
		return "", fmt.Errorf("failed to marshal extraction evidence: %w", err)
	}

	query := `
		INSERT INTO solar_panels (
			asin, name, manufacturer, length_cm, width_cm, weight_kg,
			wattage, voltage, piece_count, price_usd, description,
			image_url, web_url, missing_fields, extraction_evidence
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15
		)
		RETURNING id`

	var id string
	err = db.pool.QueryRow(ctx, query,
		p.ASIN, p.Name, p.Manufacturer, p.LengthCm, p.WidthCm, p.WeightKg,
		p.Wattage, p.Voltage, p.PieceCount, p.PriceUSD, p.Description,
		p.ImageURL, p.WebURL, p.MissingFields, evidence,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("failed to insert panel %s: %w", p.ASIN, err)
	}

	return id, nil
}

// UpdatePanelFromScraper writes the scraped values of an existing panel,
// leaving manual and user-verified overrides alone. It returns the
// protected columns that were skipped.
func (db *DB) UpdatePanelFromScraper(ctx context.Context, id string, p *models.Panel) ([]string, error) {
	stored, err := db.GetStoredPanel(ctx, id)
	if err != nil {
		return nil, err
	}

	evidence, err := json.Marshal(p.ExtractionEvidence)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal extraction evidence: %w", err)
	}

	columns, skipped := scrapedColumns(p, stored.ProtectedFields())
	columns["extraction_evidence"] = evidence
	if err := db.UpdatePanelFields(ctx, id, columns); err != nil {
		return nil, err
	}
	return skipped, nil
}

func scrapedColumns(p *models.Panel, protected map[string]bool) (map[string]any, []string) {
	all := map[string]any{
		"length_cm":      p.LengthCm,
		"width_cm":       p.WidthCm,
		"weight_kg":      p.WeightKg,
		"wattage":        p.Wattage,
		"voltage":        p.Voltage,
		"piece_count":    p.PieceCount,
		"price_usd":      p.PriceUSD,
		"description":    p.Description,
		"image_url":      p.ImageURL,
		"web_url":        p.WebURL,
		"missing_fields": p.MissingFields,
	}

	var skipped []string
	for column := range all {
		if protected[column] {
			delete(all, column)
			skipped = append(skipped, column)
		}
	}
	sort.Strings(skipped)
	return all, skipped
}

// UpdatePanelFields sets the given columns. Unknown columns are rejected.
func (db *DB) UpdatePanelFields(ctx context.Context, id string, columns map[string]any) error {
	query, args, err := buildPanelUpdate(id, columns)
	if err != nil {
		return err
	}

	result, err := db.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update panel %s: %w", id, err)
	}
	if result.RowsAffected() == 0 {
		return models.ErrPanelNotFound
	}

	return nil
}

// buildPanelUpdate renders an UPDATE with columns in sorted order so the
// statement text is stable.
func buildPanelUpdate(id string, columns map[string]any) (string, []any, error) {
	if len(columns) == 0 {
		return "", nil, fmt.Errorf("no columns to update for panel %s", id)
	}

	names := make([]string, 0, len(columns))
	for name := range columns {
		if !updatableColumns[name] {
			return "", nil, fmt.Errorf("column %q cannot be updated", name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	sets := make([]string, 0, len(names)+1)
	args := make([]any, 0, len(names)+1)
	for i, name := range names {
		sets = append(sets, fmt.Sprintf("%s = $%d", name, i+1))
		args = append(args, columns[name])
	}
	sets = append(sets, "updated_at = NOW()")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE solar_panels SET %s WHERE id = $%d",
		strings.Join(sets, ", "), len(args))
	return query, args, nil
}

// SavePanel inserts the panel or, when its ASIN is already stored, updates
// the scraped columns. It returns the panel id.
func (db *DB) SavePanel(ctx context.Context, p *models.Panel) (string, error) {
	id, err := db.FindPanelIDByASIN(ctx, p.ASIN)
	if errors.Is(err, models.ErrPanelNotFound) {
		return db.InsertPanel(ctx, p)
	}
	if err != nil {
		return "", err
	}

	if _, err := db.UpdatePanelFromScraper(ctx, id, p); err != nil {
		return "", err
	}
	return id, nil
}
