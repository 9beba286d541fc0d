package parser

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/maltedev/solar-panel-scraper/internal/models"
	"github.com/maltedev/solar-panel-scraper/internal/units"
)

const (
	amazonProductURL     = "https://www.amazon.com/dp/"
	maxDescriptionLength = 1000
	unknownManufacturer  = "Unknown"
)

var invisibleCharsPattern = regexp.MustCompile(`[\x{200B}-\x{200D}\x{FEFF}\x{200E}\x{200F}]`)

// AmazonParser turns scraping API listings into panel records.
// It holds no per-call state and is safe for concurrent use.
type AmazonParser struct {
	logger *slog.Logger
}

func NewAmazonParser(logger *slog.Logger) *AmazonParser {
	if logger == nil {
		logger = slog.Default()
	}
	return &AmazonParser{
		logger: logger.With("component", "parser"),
	}
}

// ParseRaw decodes and validates a raw response before parsing it.
func (p *AmazonParser) ParseRaw(data []byte) (*models.Panel, error) {
	listing, err := models.DecodeRawListing(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode listing: %w", err)
	}
	return p.Parse(listing)
}

// Parse builds a panel record. Only name, manufacturer and ASIN are
// required; a missing one returns a *MissingFieldError. Every spec field
// that fails selection is left nil and, for the tracked fields, recorded
// in MissingFields and ParsingFailures.
func (p *AmazonParser) Parse(listing *models.RawListing) (*models.Panel, error) {
	asin := SanitizeASIN(listing.ASIN)
	if asin == "" {
		if specASIN, ok := listing.SpecTable.Get("ASIN"); ok {
			asin = SanitizeASIN(specASIN)
		}
	}

	name := strings.TrimSpace(listing.Name)
	if name == "" {
		p.logger.Error("Product name is missing", "asin", asin)
		return nil, &MissingFieldError{Field: "name", ASIN: asin}
	}

	manufacturer := Manufacturer(listing)
	if manufacturer == "" {
		p.logger.Error("Manufacturer is missing", "asin", asin)
		return nil, &MissingFieldError{Field: "manufacturer", ASIN: asin}
	}

	if asin == "" {
		p.logger.Error("ASIN is missing", "name", name)
		return nil, &MissingFieldError{Field: "asin"}
	}

	panel := models.NewPanel(asin, name, manufacturer)
	evidence := NewSpecExtractor(listing).ExtractAll()

	if v := p.apply(panel, wattageRule, evidence.Wattage); v != nil {
		panel.Wattage = models.Int(v.Int())
	}
	if v := p.apply(panel, dimensionsRule, evidence.Dimensions); v != nil {
		panel.LengthCm = models.Float(v.Pair.LengthCm)
		panel.WidthCm = models.Float(v.Pair.WidthCm)
	}
	if v := p.apply(panel, weightRule, evidence.Weight); v != nil {
		panel.WeightKg = models.Float(v.Number)
	}
	if v := p.apply(panel, pieceCountRule, evidence.PieceCount); v != nil {
		panel.PieceCount = models.Int(v.Int())
	}
	if v := p.apply(panel, voltageRule, evidence.Voltage); v != nil {
		panel.Voltage = models.Float(v.Number)
	}

	p.applyPrice(panel, listing)

	if listing.Description != "" {
		panel.Description = models.String(truncateRunes(listing.Description, maxDescriptionLength))
	}
	if len(listing.Images) > 0 && listing.Images[0] != "" {
		panel.ImageURL = models.String(listing.Images[0])
	}
	panel.WebURL = models.String(amazonProductURL + asin)

	return panel, nil
}

func (p *AmazonParser) apply(panel *models.Panel, rule fieldRule, candidates []models.Candidate) *models.Value {
	sel := selectField(rule, candidates)
	panel.ExtractionEvidence[rule.field] = sel.evidence
	if sel.missing != "" {
		panel.MissingFields = append(panel.MissingFields, sel.missing)
	}
	if sel.failure != "" {
		panel.ParsingFailures = append(panel.ParsingFailures, sel.failure)
		p.logger.Debug("field extraction failed", "asin", panel.ASIN, "field", rule.field, "reason", sel.failure)
	}
	return sel.value
}

// applyPrice sets 0 for unavailable listings, which is distinct from an
// unknown price (nil).
func (p *AmazonParser) applyPrice(panel *models.Panel, listing *models.RawListing) {
	if IsUnavailable(listing.AvailabilityStatus) {
		panel.PriceUSD = models.Float(0)
		p.logger.Info("Product unavailable, setting price to 0", "asin", panel.ASIN)
		return
	}

	price, ok := units.ParsePriceString(listing.Pricing)
	if !ok || price == 0 {
		panel.ParsingFailures = append(panel.ParsingFailures, fmt.Sprintf("Failed to parse price: '%s'", listing.Pricing))
		panel.MissingFields = append(panel.MissingFields, "price")
		p.logger.Warn("Failed to parse price",
			"asin", panel.ASIN,
			"pricing", listing.Pricing,
			"spec_keys", len(listing.SpecTable))
		return
	}
	panel.PriceUSD = models.Float(price)
}

// IsUnavailable reports whether an availability status means the listing
// cannot be bought.
func IsUnavailable(status string) bool {
	lower := strings.ToLower(status)
	return strings.Contains(lower, "unavailable") || strings.Contains(lower, "out of stock")
}

// Manufacturer strips the "Visit the ... Store" wrapper from the brand and
// falls back to the spec-table Brand. It returns "" when neither is usable.
func Manufacturer(listing *models.RawListing) string {
	manufacturer := strings.ReplaceAll(listing.Brand, "Visit the ", "")
	manufacturer = strings.TrimSpace(strings.ReplaceAll(manufacturer, " Store", ""))
	if manufacturer == "" {
		brand, _ := listing.SpecTable.Get("Brand")
		manufacturer = strings.TrimSpace(brand)
	}
	if manufacturer == unknownManufacturer {
		return ""
	}
	return manufacturer
}

// SanitizeASIN removes zero-width and direction-mark characters.
func SanitizeASIN(asin string) string {
	return strings.TrimSpace(invisibleCharsPattern.ReplaceAllString(asin, ""))
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
