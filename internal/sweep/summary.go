package sweep

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// AngleStats summarises the samples taken at one angle.
type AngleStats struct {
	Angle  float64 `json:"angle"`
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
}

// Summary holds per-angle statistics for both sensors.
type Summary struct {
	Infrared []AngleStats `json:"infrared"`
	Sonar    []AngleStats `json:"sonar"`
}

// Summary reduces the result to one row per angle. The standard deviation
// is zero for single-sample angles.
func (r *Result) Summary() Summary {
	return Summary{
		Infrared: r.Infrared.byAngle(),
		Sonar:    r.Sonar.byAngle(),
	}
}

// byAngle relies on rows for one angle being contiguous.
func (m Matrix) byAngle() []AngleStats {
	out := []AngleStats{}
	for start := 0; start < len(m); {
		end := start + 1
		for end < len(m) && m[end].Angle == m[start].Angle {
			end++
		}
		values := make([]float64, 0, end-start)
		for _, row := range m[start:end] {
			values = append(values, row.Distance)
		}
		mean, std := stat.MeanStdDev(values, nil)
		if math.IsNaN(std) {
			std = 0
		}
		out = append(out, AngleStats{Angle: m[start].Angle, Count: len(values), Mean: mean, StdDev: std})
		start = end
	}
	return out
}
