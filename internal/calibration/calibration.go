// Package calibration maps raw sensor values to physical quantities. A
// Converter is a pure function; building one from a curve description is the
// caller's job, and the session loads its converters once at startup.
package calibration

import (
	"errors"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/interp"
)

// ErrInvalidTable is returned when a lookup table cannot be fitted.
var ErrInvalidTable = errors.New("invalid calibration table")

// Converter maps one raw value to a physical value.
type Converter func(raw float64) float64

// Identity returns raw unchanged.
func Identity(raw float64) float64 { return raw }

// Apply converts values in place.
func (c Converter) Apply(values []float64) {
	for i, v := range values {
		values[i] = c(v)
	}
}

// Polynomial evaluates c[0] + c[1]·x + c[2]·x² + ...
func Polynomial(coefficients ...float64) Converter {
	coef := append([]float64(nil), coefficients...)
	return func(x float64) float64 {
		var y float64
		for i := len(coef) - 1; i >= 0; i-- {
			y = y*x + coef[i]
		}
		return y
	}
}

// Linear returns scale·x + offset.
func Linear(scale, offset float64) Converter {
	return func(x float64) float64 { return scale*x + offset }
}

// DefaultInfrared is the Sharp GP2D12 curve the rover firmware ships with,
// giving centimetres from a 10-bit ADC reading.
var DefaultInfrared = Polynomial(100.5, -0.2811, 3.148e-4, -1.254e-7)

// Table interpolates linearly between measured (raw, physical) pairs and
// clamps to the end values outside the measured range. Pairs may be given in
// any order but raw values must be distinct.
func Table(raw, physical []float64) (Converter, error) {
	if len(raw) != len(physical) {
		return nil, fmt.Errorf("%w: %d raw values for %d physical values", ErrInvalidTable, len(raw), len(physical))
	}
	if len(raw) < 2 {
		return nil, fmt.Errorf("%w: need at least 2 points, have %d", ErrInvalidTable, len(raw))
	}

	idx := make([]int, len(raw))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return raw[idx[a]] < raw[idx[b]] })

	xs := make([]float64, len(raw))
	ys := make([]float64, len(raw))
	for i, j := range idx {
		xs[i], ys[i] = raw[j], physical[j]
		if i > 0 && xs[i] == xs[i-1] {
			return nil, fmt.Errorf("%w: duplicate raw value %g", ErrInvalidTable, xs[i])
		}
	}

	var pl interp.PiecewiseLinear
	if err := pl.Fit(xs, ys); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTable, err)
	}
	lo, hi := xs[0], xs[len(xs)-1]
	first, last := ys[0], ys[len(ys)-1]
	return func(x float64) float64 {
		switch {
		case x <= lo:
			return first
		case x >= hi:
			return last
		}
		return pl.Predict(x)
	}, nil
}

// Set holds the converters a session applies.
type Set struct {
	// Infrared and Sonar turn raw readings into centimetres.
	Infrared Converter
	Sonar    Converter
	// ServoPulse turns an angle in degrees into a pulse width in
	// microseconds. Nil means the servo is positioned by angle.
	ServoPulse Converter
}

// Defaults returns the firmware infrared curve and an identity sonar.
func Defaults() Set {
	return Set{Infrared: DefaultInfrared, Sonar: Identity}
}

// WithDefaults fills nil range converters with Identity.
func (s Set) WithDefaults() Set {
	if s.Infrared == nil {
		s.Infrared = Identity
	}
	if s.Sonar == nil {
		s.Sonar = Identity
	}
	return s
}
