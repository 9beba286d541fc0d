package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// RawListing is the typed view of a scraping API autoparse response.
// Heterogeneous wire shapes are coerced by DecodeRawListing so the
// extractor only ever sees this fixed structure.
type RawListing struct {
	Name               string
	Brand              string
	ASIN               string
	SpecTable          SpecTable
	FeatureBullets     []string
	Description        string
	Images             []string
	Pricing            string
	AvailabilityStatus string
}

// SpecEntry is one row of the product information table.
type SpecEntry struct {
	Key   string
	Value string
}

// SpecTable keeps product information rows in document order so candidate
// generation is deterministic.
type SpecTable []SpecEntry

// Get returns the value for an exact key.
func (t SpecTable) Get(key string) (string, bool) {
	for _, e := range t {
		if e.Key == key {
			return e.Value, true
		}
	}
	return "", false
}

// UnmarshalJSON decodes a JSON object token by token. String values are
// kept, numbers and booleans are stringified, nested objects and arrays
// are dropped. A repeated key replaces the earlier value in place.
func (t *SpecTable) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("failed to read product information: %w", err)
	}
	if tok == nil {
		*t = nil
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("product information must be an object, got %v", tok)
	}

	table := SpecTable{}
	index := make(map[string]int)
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("failed to read product information key: %w", err)
		}
		key, _ := keyTok.(string)

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("failed to read product information value for %q: %w", key, err)
		}
		value, ok := scalarString(raw)
		if !ok {
			continue
		}
		if i, seen := index[key]; seen {
			table[i].Value = value
			continue
		}
		index[key] = len(table)
		table = append(table, SpecEntry{Key: key, Value: value})
	}
	if _, err := dec.Token(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to close product information: %w", err)
	}

	*t = table
	return nil
}

func (t SpecTable) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range t {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(e.Key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(e.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func scalarString(raw json.RawMessage) (string, bool) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "", false
	}
	switch x := v.(type) {
	case string:
		return x, true
	case json.Number:
		return x.String(), true
	case bool:
		return strconv.FormatBool(x), true
	default:
		return "", false
	}
}

// flexString accepts a string, number or null.
type flexString string

func (s *flexString) UnmarshalJSON(data []byte) error {
	v, _ := scalarString(data)
	*s = flexString(v)
	return nil
}

// stringList accepts a single string or a list of strings. Non-string
// list items are ignored.
type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		if single != "" {
			*l = stringList{single}
		}
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		*l = nil
		return nil
	}
	out := make(stringList, 0, len(items))
	for _, item := range items {
		if v, ok := scalarString(item); ok && v != "" {
			out = append(out, v)
		}
	}
	*l = out
	return nil
}

type rawListingWire struct {
	Name               flexString `json:"name"`
	Brand              flexString `json:"brand"`
	ASIN               flexString `json:"asin"`
	ProductInformation SpecTable  `json:"product_information"`
	FeatureBullets     stringList `json:"feature_bullets"`
	Features           stringList `json:"features"`
	FullDescription    flexString `json:"full_description"`
	Description        flexString `json:"description"`
	Images             stringList `json:"images"`
	Pricing            flexString `json:"pricing"`
	AvailabilityStatus flexString `json:"availability_status"`
}

const rawListingSchema = `{
	"type": "object",
	"properties": {
		"name": {"type": ["string", "null"]},
		"brand": {"type": ["string", "null"]},
		"asin": {"type": ["string", "null"]},
		"product_information": {"type": ["object", "null"]},
		"feature_bullets": {"type": ["string", "array", "null"]},
		"features": {"type": ["string", "array", "null"]},
		"full_description": {"type": ["string", "null"]},
		"description": {"type": ["string", "null"]},
		"images": {"type": ["array", "string", "null"]},
		"pricing": {"type": ["string", "number", "null"]},
		"availability_status": {"type": ["string", "null"]}
	}
}`

var listingSchema = jsonschema.MustCompileString("raw_listing.json", rawListingSchema)

// ErrInvalidListing is returned when a response does not match the
// listing contract.
var ErrInvalidListing = errors.New("invalid raw listing")

// DecodeRawListing validates a scraping API response against the listing
// contract and coerces it into a RawListing. feature_bullets wins over
// features and full_description over description. HTML markup in text
// fields is reduced to its text content.
func DecodeRawListing(data []byte) (*RawListing, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidListing, err)
	}
	if err := listingSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidListing, err)
	}

	var wire rawListingWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidListing, err)
	}

	listing := &RawListing{
		Name:               string(wire.Name),
		Brand:              string(wire.Brand),
		ASIN:               string(wire.ASIN),
		SpecTable:          wire.ProductInformation,
		Pricing:            string(wire.Pricing),
		AvailabilityStatus: string(wire.AvailabilityStatus),
		Images:             []string(wire.Images),
	}

	bullets := wire.FeatureBullets
	if len(bullets) == 0 {
		bullets = wire.Features
	}
	for _, b := range bullets {
		if text := stripMarkup(b); text != "" {
			listing.FeatureBullets = append(listing.FeatureBullets, text)
		}
	}

	description := string(wire.FullDescription)
	if description == "" {
		description = string(wire.Description)
	}
	listing.Description = stripMarkup(description)

	if listing.ASIN == "" {
		listing.ASIN, _ = listing.SpecTable.Get("ASIN")
	}

	return listing, nil
}

// stripMarkup returns the text content of s when it looks like HTML.
func stripMarkup(s string) string {
	if !strings.Contains(s, "<") {
		return s
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return s
	}
	return strings.TrimSpace(doc.Text())
}
