package protocol

import (
	"encoding/binary"
	"fmt"
)

// Servo angle replies.
const (
	AngleMoving   byte = 0x00
	AngleFinished byte = 0x01
)

// Servo state payload bytes.
const (
	StateOff byte = 0x00
	StateOn  byte = 0x01
)

// AnglePayload builds the servo angle request payload.
func AnglePayload(angle uint32, wait bool) []byte {
	p := binary.LittleEndian.AppendUint32(make([]byte, 0, AnglePayloadSize), angle)
	return append(p, boolByte(wait))
}

// ParseAnglePayload is the inverse of AnglePayload.
func ParseAnglePayload(p []byte) (angle uint32, wait bool, err error) {
	if len(p) != AnglePayloadSize {
		return 0, false, fmt.Errorf("%w: angle payload is %d bytes", ErrMalformedFrame, len(p))
	}
	return binary.LittleEndian.Uint32(p), p[4] != 0, nil
}

// PulseWidthPayload builds the servo pulse width request payload.
func PulseWidthPayload(width uint16) []byte {
	return binary.LittleEndian.AppendUint16(make([]byte, 0, PulseWidthPayloadSize), width)
}

// ParsePulseWidthPayload is the inverse of PulseWidthPayload.
func ParsePulseWidthPayload(p []byte) (uint16, error) {
	if len(p) != PulseWidthPayloadSize {
		return 0, fmt.Errorf("%w: pulse width payload is %d bytes", ErrMalformedFrame, len(p))
	}
	return binary.LittleEndian.Uint16(p), nil
}

// ReadingsRequest is the payload of a range sensor readings command.
type ReadingsRequest struct {
	Count      int16
	Raw        bool
	Randomized bool
	Timestamps bool
}

// Payload encodes the request.
func (r ReadingsRequest) Payload() []byte {
	p := binary.LittleEndian.AppendUint16(make([]byte, 0, ReadingsPayloadSize), uint16(r.Count))
	return append(p, boolByte(r.Raw), boolByte(r.Randomized), boolByte(r.Timestamps))
}

// ReadingSize is the wire size of one reading in a readings reply.
func (r ReadingsRequest) ReadingSize() int {
	if r.Timestamps {
		return 6
	}
	return 2
}

// ParseReadingsRequest is the inverse of ReadingsRequest.Payload.
func ParseReadingsRequest(p []byte) (ReadingsRequest, error) {
	if len(p) != ReadingsPayloadSize {
		return ReadingsRequest{}, fmt.Errorf("%w: readings payload is %d bytes", ErrMalformedFrame, len(p))
	}
	return ReadingsRequest{
		Count:      int16(binary.LittleEndian.Uint16(p)),
		Raw:        p[2] != 0,
		Randomized: p[3] != 0,
		Timestamps: p[4] != 0,
	}, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
