package units

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDimensionString(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected Dimensions
		ok       bool
	}{
		{
			name:     "labeled inches",
			input:    `45.67"L x 17.71"W x 1.18"H`,
			expected: Dimensions{LengthCm: 116.00, WidthCm: 44.98},
			ok:       true,
		},
		{
			name:     "labeled width first",
			input:    `17.71"W x 45.67"L x 1.18"H`,
			expected: Dimensions{LengthCm: 116.00, WidthCm: 44.98},
			ok:       true,
		},
		{
			name:     "length and width words",
			input:    "Length: 43cm Width: 22cm",
			expected: Dimensions{LengthCm: 43, WidthCm: 22},
			ok:       true,
		},
		{
			name:     "triple with trailing inches",
			input:    "43 x 33.9 x 0.1 inches",
			expected: Dimensions{LengthCm: 109.22, WidthCm: 86.11},
			ok:       true,
		},
		{
			name:     "triple with trailing cm",
			input:    "115 x 66 x 3 cm",
			expected: Dimensions{LengthCm: 115, WidthCm: 66},
			ok:       true,
		},
		{
			name:     "triple in millimeters",
			input:    "1200 x 540 x 30 mm",
			expected: Dimensions{LengthCm: 120, WidthCm: 54},
			ok:       true,
		},
		{
			name:     "unicode multiplication sign",
			input:    "100 × 50 × 2 cm",
			expected: Dimensions{LengthCm: 100, WidthCm: 50},
			ok:       true,
		},
		{
			name:     "bare small values are inches",
			input:    "10 x 5 x 1",
			expected: Dimensions{LengthCm: 25.4, WidthCm: 12.7},
			ok:       true,
		},
		{
			name:     "bare large values are centimeters",
			input:    "45 x 20 x 3",
			expected: Dimensions{LengthCm: 45, WidthCm: 20},
			ok:       true,
		},
		{
			name:     "two values with meters",
			input:    "1.2 x 0.5 m",
			expected: Dimensions{LengthCm: 120, WidthCm: 50},
			ok:       true,
		},
		{name: "single number", input: "45 inches", ok: false},
		{name: "no numbers", input: "varies", ok: false},
		{name: "empty", input: "", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dims, ok := ParseDimensionString(tt.input)
			require.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.expected, dims)
		})
	}
}

func TestParseDimensionStringOrderIndependent(t *testing.T) {
	a, ok := ParseDimensionString("17.71 x 45.67 x 1.18 inches")
	require.True(t, ok)
	b, ok := ParseDimensionString("45.67 x 17.71 x 1.18 inches")
	require.True(t, ok)

	assert.Equal(t, a, b)
	assert.Equal(t, 116.00, a.LengthCm)
	assert.Equal(t, 44.98, a.WidthCm)
	assert.GreaterOrEqual(t, a.LengthCm, a.WidthCm)
}
