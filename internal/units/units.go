// Package units provides angle helpers and the length units accepted when
// reporting map coordinates.
package units

import (
	"math"
	"strings"
)

// Length unit constants. Calibrated distances and map coordinates are held
// in centimetres.
const (
	CM     = "cm"
	M      = "m"
	Inches = "in"
)

// ValidLengthUnits contains all valid unit values
var ValidLengthUnits = []string{CM, M, Inches}

// IsValidLength checks if the given unit is in the list of valid units
func IsValidLength(unit string) bool {
	for _, u := range ValidLengthUnits {
		if unit == u {
			return true
		}
	}
	return false
}

// GetValidLengthUnitsString returns a comma-separated list for error messages.
func GetValidLengthUnitsString() string {
	return strings.Join(ValidLengthUnits, ", ")
}

// ConvertLength converts a length in centimetres to the target unit.
// Unknown units leave the value in centimetres.
func ConvertLength(cm float64, unit string) float64 {
	switch unit {
	case M:
		return cm / 100
	case Inches:
		return cm / 2.54
	default:
		return cm
	}
}

// Radians converts degrees to radians.
func Radians(deg float64) float64 {
	return deg * math.Pi / 180
}

// NormalizeDegrees wraps an angle into [0, 360).
func NormalizeDegrees(deg float64) float64 {
	d := math.Mod(deg, 360)
	if d < 0 {
		d += 360
	}
	return d
}
