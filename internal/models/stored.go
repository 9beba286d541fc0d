package models

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrPanelNotFound is returned when a stored panel does not exist.
var ErrPanelNotFound = errors.New("panel not found")

// Stored panel column names handled by reparse.
const (
	ColumnWattage    = "wattage"
	ColumnLengthCm   = "length_cm"
	ColumnWidthCm    = "width_cm"
	ColumnWeightKg   = "weight_kg"
	ColumnPieceCount = "piece_count"
	ColumnVoltage    = "voltage"
)

// StoredPanel is the persisted projection reparse works against.
type StoredPanel struct {
	ID                    string   `json:"id"`
	ASIN                  string   `json:"asin"`
	Wattage               *int     `json:"wattage"`
	LengthCm              *float64 `json:"length_cm"`
	WidthCm               *float64 `json:"width_cm"`
	WeightKg              *float64 `json:"weight_kg"`
	PieceCount            *int     `json:"piece_count"`
	Voltage               *float64 `json:"voltage"`
	MissingFields         []string `json:"missing_fields"`
	ManualOverrides       []string `json:"manual_overrides"`
	UserVerifiedOverrides []string `json:"user_verified_overrides"`
}

// ProtectedFields is the union of manual and user-verified overrides.
func (p *StoredPanel) ProtectedFields() map[string]bool {
	protected := make(map[string]bool, len(p.ManualOverrides)+len(p.UserVerifiedOverrides))
	for _, f := range p.ManualOverrides {
		protected[f] = true
	}
	for _, f := range p.UserVerifiedOverrides {
		protected[f] = true
	}
	return protected
}

// Column returns the stored value of a reparse column as a float.
func (p *StoredPanel) Column(name string) *float64 {
	switch name {
	case ColumnWattage:
		return intAsFloat(p.Wattage)
	case ColumnLengthCm:
		return p.LengthCm
	case ColumnWidthCm:
		return p.WidthCm
	case ColumnWeightKg:
		return p.WeightKg
	case ColumnPieceCount:
		return intAsFloat(p.PieceCount)
	case ColumnVoltage:
		return p.Voltage
	default:
		return nil
	}
}

// Column returns the parsed value of a reparse column as a float.
func (p *Panel) Column(name string) *float64 {
	switch name {
	case ColumnWattage:
		return intAsFloat(p.Wattage)
	case ColumnLengthCm:
		return p.LengthCm
	case ColumnWidthCm:
		return p.WidthCm
	case ColumnWeightKg:
		return p.WeightKg
	case ColumnPieceCount:
		return intAsFloat(p.PieceCount)
	case ColumnVoltage:
		return p.Voltage
	default:
		return nil
	}
}

func intAsFloat(v *int) *float64 {
	if v == nil {
		return nil
	}
	f := float64(*v)
	return &f
}

// RawResponse is a stored scraping API payload.
type RawResponse struct {
	ID        int64           `json:"id"`
	ASIN      string          `json:"asin"`
	PanelID   *string         `json:"panel_id"`
	Payload   json.RawMessage `json:"scraper_response"`
	CreatedAt time.Time       `json:"created_at"`
}

// Flag statuses and types referenced by reparse.
const (
	FlagStatusPending  = "pending"
	FlagStatusResolved = "resolved"

	FlagTypeDeletionRecommendation = "deletion_recommendation"
	FlagTypeSystemMissingData      = "system_missing_data"
	FlagTypeOverrideMismatch       = "system_override_mismatch"
)

// UserFlag is a human review flag raised against a panel.
type UserFlag struct {
	ID            string     `json:"id"`
	PanelID       string     `json:"panel_id"`
	FlaggedFields []string   `json:"flagged_fields"`
	FlagType      string     `json:"flag_type"`
	Status        string     `json:"status"`
	UserComment   *string    `json:"user_comment,omitempty"`
	AdminNote     *string    `json:"admin_note,omitempty"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
}
