package subsys

import (
	"context"
	"fmt"
	"strings"

	"github.com/banshee-data/rover.scan/internal/protocol"
)

// MaxAngle is the servo's travel in degrees.
const MaxAngle = 180

// Servo drives the pan servo that the range sensors are mounted on.
type Servo struct {
	link Link
}

// NewServo returns a servo driver over link.
func NewServo(link Link) *Servo {
	return &Servo{link: link}
}

// Init initialises the servo and leaves it powered.
func (s *Servo) Init(ctx context.Context) error {
	_, err := s.link.Exchange(ctx, protocol.Command(protocol.Servo, protocol.ServoInit, nil))
	if err != nil {
		return fmt.Errorf("servo init: %w", err)
	}
	return nil
}

// State reports whether the servo is powered.
func (s *Servo) State(ctx context.Context) (bool, error) {
	payload, err := s.link.Exchange(ctx, protocol.Command(protocol.Servo, protocol.ServoState, []byte{}))
	if err != nil {
		return false, fmt.Errorf("servo state: %w", err)
	}
	if len(payload) != 1 {
		return false, fmt.Errorf("servo state: %w: reply carries %d bytes", protocol.ErrMalformedFrame, len(payload))
	}
	return payload[0] == protocol.StateOn, nil
}

// SetState powers the servo on or off.
func (s *Servo) SetState(ctx context.Context, on bool) error {
	b := protocol.StateOff
	if on {
		b = protocol.StateOn
	}
	if _, err := s.link.Exchange(ctx, protocol.Command(protocol.Servo, protocol.ServoState, []byte{b})); err != nil {
		return fmt.Errorf("servo set state: %w", err)
	}
	return nil
}

// ParseState accepts "on" or "off".
func ParseState(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "on":
		return true, nil
	case "off":
		return false, nil
	default:
		return false, fmt.Errorf("%w: servo state %q, want on or off", ErrInvalidArgument, s)
	}
}

// MoveToAngle commands the servo to angle degrees. Without wait the command
// is sent and the call returns as soon as it is written. With wait the call
// returns once the rover reports the move finished, consuming any status
// frames that report it still moving.
func (s *Servo) MoveToAngle(ctx context.Context, angle int, wait bool) error {
	if angle < 0 || angle > MaxAngle {
		return fmt.Errorf("%w: angle %d outside [0, %d]", ErrInvalidArgument, angle, MaxAngle)
	}
	msg := protocol.Command(protocol.Servo, protocol.ServoAngle, protocol.AnglePayload(uint32(angle), wait))
	if !wait {
		msg.ExpectsResponse = false
		if err := s.link.Send(ctx, msg); err != nil {
			return fmt.Errorf("servo angle %d: %w", angle, err)
		}
		return nil
	}

	status := protocol.Identity{Message: protocol.MessageStatus, Subsystem: protocol.Servo, Command: protocol.ServoAngle}
	err := s.link.ExchangeUntil(ctx, msg, status, func(payload []byte) (bool, error) {
		if len(payload) != 1 {
			return false, fmt.Errorf("%w: reply carries %d bytes", protocol.ErrMalformedFrame, len(payload))
		}
		return payload[0] == protocol.AngleFinished, nil
	})
	if err != nil {
		return fmt.Errorf("servo angle %d: %w", angle, err)
	}
	return nil
}

// SetPulseWidth drives the servo with a raw pulse width in microseconds.
func (s *Servo) SetPulseWidth(ctx context.Context, width uint16) error {
	msg := protocol.Command(protocol.Servo, protocol.ServoPulseWidth, protocol.PulseWidthPayload(width))
	if _, err := s.link.Exchange(ctx, msg); err != nil {
		return fmt.Errorf("servo pulse width %d: %w", width, err)
	}
	return nil
}
