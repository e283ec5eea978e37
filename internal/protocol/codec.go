package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderSize is the length of the message/subsystem/command header.
const HeaderSize = 3

const countSize = 2

// Encode serialises a host-to-rover request.
func Encode(msg Message) ([]byte, error) {
	return encode(Request, msg)
}

// EncodeReply serialises a rover-to-host frame. The simulator and tests use
// it to produce responses.
func EncodeReply(msg Message) ([]byte, error) {
	return encode(Response, msg)
}

func encode(dir Direction, msg Message) ([]byte, error) {
	id := msg.Identity()
	shape, err := ShapeOf(dir, id)
	if err != nil {
		return nil, err
	}
	if !shape.accepts(len(msg.Payload)) {
		return nil, fmt.Errorf("%w: %s %s payload is %d bytes, want %s",
			ErrMalformedFrame, id, dir, len(msg.Payload), shape)
	}

	frame := make([]byte, 0, HeaderSize+countSize+len(msg.Payload))
	frame = append(frame, byte(msg.ID), byte(msg.Subsystem), byte(msg.Command))
	if shape.Kind == ShapeCounted {
		frame = binary.LittleEndian.AppendUint16(frame, uint16(len(msg.Payload)))
	}
	return append(frame, msg.Payload...), nil
}

// Decode validates a complete response frame against the expected identity
// and returns its payload. An error frame for the expected subsystem is
// reported as ErrRemoteRejected.
func Decode(frame []byte, want Identity) ([]byte, error) {
	got, payload, err := parse(Response, frame)
	if err != nil {
		return nil, err
	}
	if got.Message == MessageError && got.Subsystem == want.Subsystem {
		return nil, fmt.Errorf("%w: %s %s: %q", ErrRemoteRejected,
			got.Subsystem, CommandName(got.Subsystem, got.Command), payload)
	}
	if got != want {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrIdentityMismatch, got, want)
	}
	return payload, nil
}

// DecodeRequest parses a complete host-to-rover frame.
func DecodeRequest(frame []byte) (Message, error) {
	id, payload, err := parse(Request, frame)
	if err != nil {
		return Message{}, err
	}
	return Message{
		ID:              id.Message,
		Subsystem:       id.Subsystem,
		Command:         id.Command,
		Payload:         payload,
		ExpectsResponse: true,
	}, nil
}

func parse(dir Direction, frame []byte) (Identity, []byte, error) {
	if len(frame) < HeaderSize {
		return Identity{}, nil, fmt.Errorf("%w: %d byte frame is shorter than the header", ErrMalformedFrame, len(frame))
	}
	id := Identity{
		Message:   MessageID(frame[0]),
		Subsystem: SubsystemID(frame[1]),
		Command:   CommandCode(frame[2]),
	}
	shape, err := ShapeOf(dir, id)
	if err != nil {
		return id, nil, err
	}
	body := frame[HeaderSize:]
	switch shape.Kind {
	case ShapeEmpty, ShapeFixed:
		if !shape.accepts(len(body)) {
			return id, nil, fmt.Errorf("%w: %s payload is %d bytes, want %s", ErrMalformedFrame, id, len(body), shape)
		}
		return id, body, nil
	default:
		if len(body) < countSize {
			return id, nil, fmt.Errorf("%w: %s frame is missing its byte count", ErrMalformedFrame, id)
		}
		n := int(binary.LittleEndian.Uint16(body))
		if len(body)-countSize != n {
			return id, nil, fmt.Errorf("%w: %s declares %d payload bytes, carries %d",
				ErrMalformedFrame, id, n, len(body)-countSize)
		}
		return id, body[countSize:], nil
	}
}

// ReadFrame reads exactly one frame from r. The header decides how many
// payload bytes follow, so a stream can be consumed frame by frame. Errors
// from r are returned unwrapped, with io.ErrUnexpectedEOF for a truncated
// frame.
func ReadFrame(r io.Reader, dir Direction) ([]byte, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	id := Identity{
		Message:   MessageID(header[0]),
		Subsystem: SubsystemID(header[1]),
		Command:   CommandCode(header[2]),
	}
	shape, err := ShapeOf(dir, id)
	if err != nil {
		return nil, err
	}

	frame := header
	n := shape.Size
	switch shape.Kind {
	case ShapeEmpty:
		return frame, nil
	case ShapeCounted:
		count := make([]byte, countSize)
		if _, err := io.ReadFull(r, count); err != nil {
			return nil, unexpected(err)
		}
		frame = append(frame, count...)
		n = int(binary.LittleEndian.Uint16(count))
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, unexpected(err)
	}
	return append(frame, payload...), nil
}

func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
