package units

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConvertLength(t *testing.T) {
	tests := []struct {
		unit string
		want float64
	}{
		{CM, 254},
		{M, 2.54},
		{Inches, 100},
		{"furlong", 254},
	}
	for _, tt := range tests {
		t.Run(tt.unit, func(t *testing.T) {
			assert.InDelta(t, tt.want, ConvertLength(254, tt.unit), 1e-9)
		})
	}
}

func TestIsValidLength(t *testing.T) {
	assert.True(t, IsValidLength("m"))
	assert.False(t, IsValidLength("mph"))
	assert.Equal(t, "cm, m, in", GetValidLengthUnitsString())
}

func TestAngles(t *testing.T) {
	assert.InDelta(t, math.Pi/2, Radians(90), 1e-12)
	assert.InDelta(t, 270, NormalizeDegrees(-90), 1e-12)
	assert.InDelta(t, 10, NormalizeDegrees(730), 1e-12)
	assert.InDelta(t, 0, NormalizeDegrees(360), 1e-12)
}
