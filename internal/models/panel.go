package models

import (
	"time"
)

// Panel is the normalized record produced from one scraping API response.
// Name, Manufacturer and ASIN are always set; every spec field is nil when
// no candidate passed validation and its confidence threshold.
type Panel struct {
	ASIN               string                  `json:"asin"`
	Name               string                  `json:"name"`
	Manufacturer       string                  `json:"manufacturer"`
	LengthCm           *float64                `json:"length_cm"`
	WidthCm            *float64                `json:"width_cm"`
	WeightKg           *float64                `json:"weight_kg"`
	Wattage            *int                    `json:"wattage"`
	Voltage            *float64                `json:"voltage"`
	PieceCount         *int                    `json:"piece_count"`
	PriceUSD           *float64                `json:"price_usd"`
	Description        *string                 `json:"description"`
	ImageURL           *string                 `json:"image_url"`
	WebURL             *string                 `json:"web_url"`
	MissingFields      []string                `json:"missing_fields"`
	ParsingFailures    []string                `json:"parsing_failures"`
	ExtractionEvidence map[Field]FieldEvidence `json:"extraction_evidence"`
}

func NewPanel(asin, name, manufacturer string) *Panel {
	return &Panel{
		ASIN:               asin,
		Name:               name,
		Manufacturer:       manufacturer,
		MissingFields:      make([]string, 0),
		ParsingFailures:    make([]string, 0),
		ExtractionEvidence: make(map[Field]FieldEvidence),
	}
}

// HasMissing reports whether name is recorded in MissingFields.
func (p *Panel) HasMissing(name string) bool {
	for _, f := range p.MissingFields {
		if f == name {
			return true
		}
	}
	return false
}

// Validate checks the record invariants and returns every violation.
func (p *Panel) Validate() []string {
	var errors []string

	if p.ASIN == "" {
		errors = append(errors, "ASIN is required")
	}

	if p.Name == "" {
		errors = append(errors, "Name is required")
	}

	if p.Manufacturer == "" {
		errors = append(errors, "Manufacturer is required")
	}

	if (p.LengthCm == nil) != (p.WidthCm == nil) {
		errors = append(errors, "Dimensions must be set as a pair")
	}

	if p.LengthCm != nil && p.WidthCm != nil && *p.LengthCm < *p.WidthCm {
		errors = append(errors, "Length must not be smaller than width")
	}

	return errors
}

// ParseResult wraps a parse outcome for API responses and ingest logs.
type ParseResult struct {
	Panel    *Panel    `json:"panel,omitempty"`
	Error    *Error    `json:"error,omitempty"`
	Success  bool      `json:"success"`
	ParsedAt time.Time `json:"parsed_at"`
}

type Error struct {
	Code    string    `json:"code"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
	ASIN    string    `json:"asin,omitempty"`
}

func Float(v float64) *float64 { return &v }

func Int(v int) *int { return &v }

func String(v string) *string { return &v }
