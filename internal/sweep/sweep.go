// Package sweep runs a servo sweep: the servo visits every integer angle in
// a range and both range sensors are sampled at each one, giving a
// (angle, distance) matrix per sensor.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/rover.scan/internal/calibration"
	"github.com/banshee-data/rover.scan/internal/monitoring"
	"github.com/banshee-data/rover.scan/internal/protocol"
	"github.com/banshee-data/rover.scan/internal/subsys"
	"github.com/banshee-data/rover.scan/internal/timeutil"
)

// ErrInvalidRequest is returned by Validate.
var ErrInvalidRequest = fmt.Errorf("%w: sweep request", subsys.ErrInvalidArgument)

// Request describes one sweep. Start may be greater than End, in which
// case the servo sweeps downward.
type Request struct {
	Start   int `json:"start"`
	End     int `json:"end"`
	Samples int `json:"samples"`
}

// Validate checks the request against the servo travel and the readings
// count limit.
func (r Request) Validate() error {
	for _, a := range []int{r.Start, r.End} {
		if a < 0 || a > subsys.MaxAngle {
			return fmt.Errorf("%w: angle %d outside [0, %d]", ErrInvalidRequest, a, subsys.MaxAngle)
		}
	}
	if r.Samples < 1 || r.Samples > subsys.MaxReadings {
		return fmt.Errorf("%w: samples %d outside [1, %d]", ErrInvalidRequest, r.Samples, subsys.MaxReadings)
	}
	return nil
}

// Rows is the number of matrix rows a full sweep produces per sensor.
func (r Request) Rows() int {
	return len(Angles(r.Start, r.End)) * r.Samples
}

// Angles lists every integer angle from start to end inclusive, in the
// direction of travel.
func Angles(start, end int) []int {
	step := 1
	if end < start {
		step = -1
	}
	angles := make([]int, 0, abs(end-start)+1)
	for a := start; ; a += step {
		angles = append(angles, a)
		if a == end {
			return angles
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// Row is one sample: the servo angle in degrees and the distance.
type Row struct {
	Angle    float64 `json:"angle"`
	Distance float64 `json:"distance"`
}

// Matrix holds a sensor's rows in acquisition order: all samples for the
// first angle, then all samples for the next.
type Matrix []Row

// Columns splits the matrix into parallel angle and distance slices.
func (m Matrix) Columns() (angles, distances []float64) {
	angles = make([]float64, len(m))
	distances = make([]float64, len(m))
	for i, r := range m {
		angles[i], distances[i] = r.Angle, r.Distance
	}
	return angles, distances
}

// Result is the outcome of a completed sweep. A disabled sensor yields an
// empty matrix.
type Result struct {
	Request  Request `json:"request"`
	Infrared Matrix  `json:"infrared"`
	Sonar    Matrix  `json:"sonar"`
}

// Sampler reads n samples from a range sensor at the current servo angle.
// Satisfied by *subsys.Sonar and *subsys.Infrared.
type Sampler interface {
	ReadN(ctx context.Context, n int, opts subsys.ReadOptions) ([]subsys.Reading, error)
}

// Positioner moves the sensor head to an angle and returns once it is safe
// to sample.
type Positioner interface {
	Position(ctx context.Context, angle int) error
}

// AngleMover is the servo surface used by ServoPositioner.
type AngleMover interface {
	MoveToAngle(ctx context.Context, angle int, wait bool) error
}

// ServoPositioner positions by commanding an angle and waiting for the
// servo to report the move finished.
type ServoPositioner struct {
	Servo AngleMover
}

// Position implements Positioner.
func (p ServoPositioner) Position(ctx context.Context, angle int) error {
	return p.Servo.MoveToAngle(ctx, angle, true)
}

// PulseSetter is the servo surface used by PulsePositioner.
type PulseSetter interface {
	SetPulseWidth(ctx context.Context, width uint16) error
}

// PulsePositioner positions with calibrated pulse widths, for servos whose
// angle response is too far off nominal. The firmware does not report
// completion for raw pulses, so it waits Settle after each one.
type PulsePositioner struct {
	Servo   PulseSetter
	Convert calibration.Converter
	Settle  time.Duration
	Clock   timeutil.Clock
}

// Position implements Positioner.
func (p PulsePositioner) Position(ctx context.Context, angle int) error {
	width := p.Convert(float64(angle))
	if math.IsNaN(width) || width < 0 || width > 0xFFFF {
		return fmt.Errorf("%w: pulse width %.0f for angle %d", subsys.ErrInvalidArgument, width, angle)
	}
	if err := p.Servo.SetPulseWidth(ctx, uint16(width+0.5)); err != nil {
		return err
	}
	if p.Settle > 0 {
		clock := p.Clock
		if clock == nil {
			clock = timeutil.RealClock{}
		}
		clock.Sleep(p.Settle)
	}
	return ctx.Err()
}

// State of the controller.
type State int

const (
	StateIdle State = iota
	StatePositioning
	StateSampling
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePositioning:
		return "positioning"
	case StateSampling:
		return "sampling"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Progress is reported on every state change.
type Progress struct {
	State State `json:"state"`
	Angle int   `json:"angle"`
	// Index is the zero-based position of Angle in the sweep.
	Index int `json:"index"`
	Total int `json:"total"`
}

// Config wires a Controller. A nil sensor is treated as disabled.
type Config struct {
	Positioner Positioner
	Infrared   Sampler
	Sonar      Sampler
	// Calibration converts raw readings once every angle has been visited.
	Calibration calibration.Set
	// Randomized asks the firmware to jitter its sampling interval.
	Randomized bool
	// Progress, when set, observes state changes.
	Progress func(Progress)
}

// Controller runs sweeps. It is not safe for concurrent use; the session
// serialises access to it.
type Controller struct {
	cfg   Config
	state State
}

// NewController returns an idle controller.
func NewController(cfg Config) *Controller {
	cfg.Calibration = cfg.Calibration.WithDefaults()
	return &Controller{cfg: cfg}
}

// State returns the controller's current state.
func (c *Controller) State() State {
	return c.state
}

func (c *Controller) enter(s State, angle, index, total int) {
	c.state = s
	if c.cfg.Progress != nil {
		c.cfg.Progress(Progress{State: s, Angle: angle, Index: index, Total: total})
	}
}

// Sweep visits every angle in req and returns the calibrated matrices. On
// any failure the partial data is discarded and the error names the angle
// it happened at.
func (c *Controller) Sweep(ctx context.Context, req Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if c.cfg.Positioner == nil {
		return nil, errors.New("sweep: no positioner configured")
	}

	angles := Angles(req.Start, req.End)
	total := len(angles)
	rows := total * req.Samples
	var infrared, sonar Matrix
	if c.cfg.Infrared != nil {
		infrared = make(Matrix, 0, rows)
	}
	if c.cfg.Sonar != nil {
		sonar = make(Matrix, 0, rows)
	}
	opts := subsys.ReadOptions{Raw: true, Randomized: c.cfg.Randomized}

	abort := func(angle int, err error) (*Result, error) {
		c.state = StateIdle
		return nil, fmt.Errorf("sweep aborted at %d°: %w", angle, err)
	}
	for i, angle := range angles {
		c.enter(StatePositioning, angle, i, total)
		if err := c.cfg.Positioner.Position(ctx, angle); err != nil {
			return abort(angle, err)
		}

		c.enter(StateSampling, angle, i, total)
		var err error
		if infrared, err = sample(ctx, c.cfg.Infrared, infrared, angle, req.Samples, opts); err != nil {
			return abort(angle, fmt.Errorf("infrared: %w", err))
		}
		if sonar, err = sample(ctx, c.cfg.Sonar, sonar, angle, req.Samples, opts); err != nil {
			return abort(angle, fmt.Errorf("sonar: %w", err))
		}
		monitoring.Debugf("sweep: %d° sampled (%d/%d)", angle, i+1, total)
	}

	calibrate(infrared, c.cfg.Calibration.Infrared)
	calibrate(sonar, c.cfg.Calibration.Sonar)
	c.enter(StateDone, req.End, total-1, total)

	if infrared == nil {
		infrared = Matrix{}
	}
	if sonar == nil {
		sonar = Matrix{}
	}
	return &Result{Request: req, Infrared: infrared, Sonar: sonar}, nil
}

func sample(ctx context.Context, s Sampler, m Matrix, angle, n int, opts subsys.ReadOptions) (Matrix, error) {
	if s == nil {
		return m, nil
	}
	readings, err := s.ReadN(ctx, n, opts)
	if err != nil {
		return m, err
	}
	if len(readings) != n {
		return m, fmt.Errorf("%w: got %d readings, want %d", protocol.ErrMalformedFrame, len(readings), n)
	}
	for _, r := range readings {
		m = append(m, Row{Angle: float64(angle), Distance: float64(r.Value)})
	}
	return m, nil
}

func calibrate(m Matrix, conv calibration.Converter) {
	for i := range m {
		m[i].Distance = conv(m[i].Distance)
	}
}
