package protocol

import "fmt"

// ShapeKind describes how a payload's length is determined.
type ShapeKind uint8

const (
	// ShapeEmpty payloads carry no bytes.
	ShapeEmpty ShapeKind = iota
	// ShapeFixed payloads are exactly Size bytes.
	ShapeFixed
	// ShapeCounted payloads are prefixed by a u16 byte count.
	ShapeCounted
)

// MaxCountedPayload is the largest payload a counted frame can carry.
const MaxCountedPayload = 0xFFFF

// Shape is the payload layout of one direction of a command.
type Shape struct {
	Kind ShapeKind
	Size int
}

var (
	empty   = Shape{Kind: ShapeEmpty}
	counted = Shape{Kind: ShapeCounted}
)

func fixed(n int) Shape { return Shape{Kind: ShapeFixed, Size: n} }

func (s Shape) String() string {
	switch s.Kind {
	case ShapeEmpty:
		return "empty"
	case ShapeFixed:
		return fmt.Sprintf("fixed(%d)", s.Size)
	case ShapeCounted:
		return "counted"
	default:
		return "unknown"
	}
}

// accepts reports whether a payload of n bytes fits the shape.
func (s Shape) accepts(n int) bool {
	switch s.Kind {
	case ShapeEmpty:
		return n == 0
	case ShapeFixed:
		return n == s.Size
	case ShapeCounted:
		return n <= MaxCountedPayload
	default:
		return false
	}
}

// Direction selects which side of a command a frame belongs to.
type Direction uint8

const (
	// Request frames travel host to rover.
	Request Direction = iota
	// Response frames travel rover to host, including status and error frames.
	Response
)

func (d Direction) String() string {
	if d == Request {
		return "request"
	}
	return "response"
}

type commandSpec struct {
	name     string
	request  Shape
	response Shape
}

// Wire sizes of the fixed request payloads.
const (
	AnglePayloadSize      = 5 // angle u32, wait u8
	PulseWidthPayloadSize = 2 // pulse width u16
	ReadingsPayloadSize   = 5 // count i16, raw u8, randomized u8, timestamps u8
	AngleReplySize        = 1 // 0x00 moving, 0x01 finished
)

var commands = map[SubsystemID]map[CommandCode]commandSpec{
	Servo: {
		ServoInit:       {name: "init", request: empty, response: empty},
		ServoState:      {name: "state", request: counted, response: counted},
		ServoAngle:      {name: "angle", request: fixed(AnglePayloadSize), response: fixed(AngleReplySize)},
		ServoPulseWidth: {name: "pulse-width", request: fixed(PulseWidthPayloadSize), response: empty},
	},
	Sonar: {
		RangeInit:     {name: "init", request: empty, response: empty},
		RangeReadings: {name: "readings", request: fixed(ReadingsPayloadSize), response: counted},
	},
	Infrared: {
		RangeInit:     {name: "init", request: empty, response: empty},
		RangeReadings: {name: "readings", request: fixed(ReadingsPayloadSize), response: counted},
	},
}

func lookup(sub SubsystemID, cmd CommandCode) (commandSpec, bool) {
	set, ok := commands[sub]
	if !ok {
		return commandSpec{}, false
	}
	spec, ok := set[cmd]
	return spec, ok
}

// CommandName returns a human readable name for a command within its
// subsystem.
func CommandName(sub SubsystemID, cmd CommandCode) string {
	if spec, ok := lookup(sub, cmd); ok {
		return spec.name
	}
	return fmt.Sprintf("command(0x%02x)", uint8(cmd))
}

// ShapeOf returns the payload shape of a frame with the given header.
// Error frames always carry a counted payload, whatever the command.
func ShapeOf(dir Direction, id Identity) (Shape, error) {
	if dir == Response && id.Message == MessageError {
		if _, ok := commands[id.Subsystem]; !ok {
			return Shape{}, fmt.Errorf("%w: unknown subsystem %s", ErrMalformedFrame, id.Subsystem)
		}
		return counted, nil
	}
	switch {
	case dir == Request && id.Message != MessageCommand:
		return Shape{}, fmt.Errorf("%w: %s message cannot be a request", ErrMalformedFrame, id.Message)
	case dir == Response && id.Message != MessageCommand && id.Message != MessageStatus:
		return Shape{}, fmt.Errorf("%w: unknown message id %s", ErrMalformedFrame, id.Message)
	}
	spec, ok := lookup(id.Subsystem, id.Command)
	if !ok {
		return Shape{}, fmt.Errorf("%w: unknown command %s/%s", ErrMalformedFrame, id.Subsystem, CommandName(id.Subsystem, id.Command))
	}
	if dir == Request {
		return spec.request, nil
	}
	return spec.response, nil
}
