package subsys

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/banshee-data/rover.scan/internal/protocol"
)

// MaxReadings is the largest count a single readings request can carry.
const MaxReadings = math.MaxInt16

// ReadOptions select the firmware's reading mode.
type ReadOptions struct {
	// Raw requests uncalibrated values. The firmware only serves raw
	// readings; calibration happens on the host.
	Raw bool
	// Randomized asks the firmware to jitter the interval between samples.
	Randomized bool
	// Timestamps prefixes every reading with the rover's millisecond clock.
	Timestamps bool
}

// Reading is one sample from a range sensor.
type Reading struct {
	Value        uint16 `json:"value"`
	Timestamp    uint32 `json:"timestamp,omitempty"`
	HasTimestamp bool   `json:"-"`
}

// rangeSensor is shared by the sonar and infrared drivers, which speak the
// same command set on different subsystem ids.
type rangeSensor struct {
	link Link
	sub  protocol.SubsystemID
}

// Init initialises the sensor.
func (r *rangeSensor) Init(ctx context.Context) error {
	if _, err := r.link.Exchange(ctx, protocol.Command(r.sub, protocol.RangeInit, nil)); err != nil {
		return fmt.Errorf("%s init: %w", r.sub, err)
	}
	return nil
}

// ReadN requests n readings at the servo's current angle.
func (r *rangeSensor) ReadN(ctx context.Context, n int, opts ReadOptions) ([]Reading, error) {
	if n < 0 || n > MaxReadings {
		return nil, fmt.Errorf("%s readings: %w: count %d outside [0, %d]", r.sub, ErrInvalidArgument, n, MaxReadings)
	}
	if !opts.Raw {
		return nil, fmt.Errorf("%s readings: %w: calibrated readings are not served by the rover", r.sub, ErrUnsupportedCombination)
	}

	req := protocol.ReadingsRequest{
		Count:      int16(n),
		Raw:        opts.Raw,
		Randomized: opts.Randomized,
		Timestamps: opts.Timestamps,
	}
	if n*req.ReadingSize() > protocol.MaxCountedPayload {
		return nil, fmt.Errorf("%s readings: %w: %d readings of %d bytes exceed a %d byte reply",
			r.sub, ErrInvalidArgument, n, req.ReadingSize(), protocol.MaxCountedPayload)
	}
	payload, err := r.link.Exchange(ctx, protocol.Command(r.sub, protocol.RangeReadings, req.Payload()))
	if err != nil {
		return nil, fmt.Errorf("%s readings: %w", r.sub, err)
	}

	size := req.ReadingSize()
	if len(payload) != n*size {
		return nil, fmt.Errorf("%s readings: %w: %d bytes for %d readings of %d bytes",
			r.sub, protocol.ErrMalformedFrame, len(payload), n, size)
	}

	readings := make([]Reading, n)
	for i := range readings {
		b := payload[i*size:]
		if opts.Timestamps {
			readings[i] = Reading{
				Timestamp:    binary.LittleEndian.Uint32(b),
				Value:        binary.LittleEndian.Uint16(b[4:]),
				HasTimestamp: true,
			}
			continue
		}
		readings[i] = Reading{Value: binary.LittleEndian.Uint16(b)}
	}
	return readings, nil
}

// Sonar drives the ultrasonic range finder.
type Sonar struct {
	rangeSensor
}

// NewSonar returns a sonar driver over link.
func NewSonar(link Link) *Sonar {
	return &Sonar{rangeSensor{link: link, sub: protocol.Sonar}}
}

// Infrared drives the infrared range finder.
type Infrared struct {
	rangeSensor
}

// NewInfrared returns an infrared driver over link.
func NewInfrared(link Link) *Infrared {
	return &Infrared{rangeSensor{link: link, sub: protocol.Infrared}}
}
