// Package envmodel is the rover's map: categorised observation points in
// world coordinates plus the pose history they were projected through.
package envmodel

import (
	"errors"
	"fmt"
	"math"

	"github.com/banshee-data/rover.scan/internal/units"
)

// MountOffset is the angle in degrees between servo zero and the rover's
// heading. The servo points straight ahead at 90°.
const MountOffset = 90.0

// ErrLengthMismatch is returned when angle and distance columns differ in
// length.
var ErrLengthMismatch = errors.New("angle and distance lengths differ")

// Pose is the rover's position in world coordinates and its heading in
// degrees.
type Pose struct {
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Heading float64 `json:"heading"`
}

// Point is a location in world coordinates.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Project converts servo-frame polar readings into world points:
//
//	θ' = angle − MountOffset + heading
//	x  = r·cos θ' + pose.X
//	y  = r·sin θ' + pose.Y
func Project(angles, distances []float64, pose Pose) ([]Point, error) {
	if len(angles) != len(distances) {
		return nil, fmt.Errorf("%w: %d angles, %d distances", ErrLengthMismatch, len(angles), len(distances))
	}
	points := make([]Point, len(angles))
	for i, a := range angles {
		theta := units.Radians(a - MountOffset + pose.Heading)
		r := distances[i]
		points[i] = Point{
			X: r*math.Cos(theta) + pose.X,
			Y: r*math.Sin(theta) + pose.Y,
		}
	}
	return points, nil
}
