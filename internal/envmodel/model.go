package envmodel

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrUnknownCategory is returned for a category outside Categories.
var ErrUnknownCategory = errors.New("unknown observation category")

// Category classifies an observation point.
type Category string

const (
	Bump                Category = "bump"
	Cliff               Category = "cliff"
	Drop                Category = "drop"
	TapeEdge            Category = "tape-edge"
	InfraredObservation Category = "infrared-observation"
	SonarObservation    Category = "sonar-observation"
)

// Categories lists every category in a stable order.
var Categories = []Category{Bump, Cliff, Drop, TapeEdge, InfraredObservation, SonarObservation}

// Valid reports whether c is one of Categories.
func (c Category) Valid() bool {
	for _, k := range Categories {
		if c == k {
			return true
		}
	}
	return false
}

// ParseCategory accepts a category name, case-insensitively.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownCategory, s)
	}
	return c, nil
}

// Columns is one sensor's matrix split into parallel slices.
type Columns struct {
	Angles    []float64
	Distances []float64
}

// Update describes what one ingestion added. It is what the map feed
// publishes, so consumers never have to repeat the projection. A Reset
// update adds nothing and tells consumers to drop every point they hold.
type Update struct {
	Seq   uint64               `json:"seq"`
	Reset bool                 `json:"reset,omitempty"`
	Added map[Category][]Point `json:"added"`
	Pose  Pose                 `json:"pose"`
}

// Snapshot is a copy of the whole model.
type Snapshot struct {
	Seq         uint64               `json:"seq"`
	Pose        Pose                 `json:"pose"`
	PoseHistory []Pose               `json:"pose_history"`
	Points      map[Category][]Point `json:"points"`
}

// Model is the environment model. Points only ever accumulate; Reset is the
// one way to clear them. Safe for concurrent use, though the session is its
// only writer.
type Model struct {
	mu      sync.RWMutex
	seq     uint64
	history []Pose
	points  map[Category][]Point
}

// NewModel returns an empty model with the rover at the origin facing 0°.
func NewModel() *Model {
	return &Model{
		history: []Pose{{}},
		points:  make(map[Category][]Point),
	}
}

// Pose returns the current pose.
func (m *Model) Pose() Pose {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.history[len(m.history)-1]
}

// SetPose records a new pose. Earlier points are not re-projected.
func (m *Model) SetPose(p Pose) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, p)
}

// PoseHistory returns every pose recorded, oldest first.
func (m *Model) PoseHistory() []Pose {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Pose(nil), m.history...)
}

// IngestScan projects both sensors' columns through pose and appends the
// results to the infrared and sonar categories. Nothing is appended unless
// both projections succeed.
func (m *Model) IngestScan(infrared, sonar Columns, pose Pose) (Update, error) {
	ir, err := Project(infrared.Angles, infrared.Distances, pose)
	if err != nil {
		return Update{}, fmt.Errorf("infrared: %w", err)
	}
	so, err := Project(sonar.Angles, sonar.Distances, pose)
	if err != nil {
		return Update{}, fmt.Errorf("sonar: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(pose, map[Category][]Point{
		InfraredObservation: ir,
		SonarObservation:    so,
	}), nil
}

// Append adds points to one category, for observations that arrive already
// in world coordinates such as bump or cliff events.
func (m *Model) Append(c Category, pts ...Point) (Update, error) {
	if !c.Valid() {
		return Update{}, fmt.Errorf("%w: %q", ErrUnknownCategory, c)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	pose := m.history[len(m.history)-1]
	return m.appendLocked(pose, map[Category][]Point{c: append([]Point(nil), pts...)}), nil
}

func (m *Model) appendLocked(pose Pose, added map[Category][]Point) Update {
	m.seq++
	for c, pts := range added {
		m.points[c] = append(m.points[c], pts...)
	}
	return Update{Seq: m.seq, Added: added, Pose: pose}
}

// Points returns a copy of one category's points.
func (m *Model) Points(c Category) []Point {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Point(nil), m.points[c]...)
}

// Counts returns the number of points per category, including empty ones.
func (m *Model) Counts() map[Category]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[Category]int, len(Categories))
	for _, c := range Categories {
		out[c] = len(m.points[c])
	}
	return out
}

// Snapshot copies the whole model.
func (m *Model) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	points := make(map[Category][]Point, len(Categories))
	for _, c := range Categories {
		points[c] = append([]Point{}, m.points[c]...)
	}
	return Snapshot{
		Seq:         m.seq,
		Pose:        m.history[len(m.history)-1],
		PoseHistory: append([]Pose(nil), m.history...),
		Points:      points,
	}
}

// Reset clears every category and restarts the pose history at the current
// pose. The returned update carries the next sequence number.
func (m *Model) Reset() Update {
	m.mu.Lock()
	defer m.mu.Unlock()
	pose := m.history[len(m.history)-1]
	m.points = make(map[Category][]Point)
	m.history = []Pose{pose}
	m.seq++
	return Update{Seq: m.seq, Reset: true, Added: map[Category][]Point{}, Pose: pose}
}
