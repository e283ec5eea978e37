// Package simulator emulates the rover firmware behind a serial port. It
// decodes request frames as they are written and queues the replies the
// firmware would send, so a session can run end to end without hardware.
package simulator

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/banshee-data/rover.scan/internal/calibration"
	"github.com/banshee-data/rover.scan/internal/protocol"
)

var errClosed = errors.New("simulated port closed")

// Source produces the raw value a range sensor reads at a servo angle. The
// sample index counts readings within one request.
type Source func(sub protocol.SubsystemID, angle, sample int) uint16

// Room is a synthetic environment: a square room of the given half-width in
// centimetres with the rover at its centre facing +x. Infrared readings are
// the ADC values the firmware curve maps back to the distance; sonar
// readings are centimetres.
func Room(halfWidth float64) Source {
	return func(sub protocol.SubsystemID, angle, _ int) uint16 {
		theta := float64(angle-90) * math.Pi / 180
		c, s := math.Abs(math.Cos(theta)), math.Abs(math.Sin(theta))
		d := halfWidth / math.Max(c, s)
		if sub == protocol.Infrared {
			return InfraredRaw(d)
		}
		return uint16(math.Min(math.MaxUint16, math.Round(d)))
	}
}

// InfraredRaw inverts calibration.DefaultInfrared over the 10-bit ADC range.
// The curve falls monotonically, so distances past either end clamp to 0 or
// 1023.
func InfraredRaw(cm float64) uint16 {
	lo, hi := 0.0, 1023.0
	for i := 0; i < 32; i++ {
		mid := (lo + hi) / 2
		if calibration.DefaultInfrared(mid) > cm {
			lo = mid
		} else {
			hi = mid
		}
	}
	return uint16(math.Round(lo))
}

// Config tunes the simulated firmware.
type Config struct {
	// Source defaults to Room(60).
	Source Source
	// MovingFrames is how many "still moving" status frames precede the
	// finished frame when a servo move is awaited.
	MovingFrames int
	// RejectReadingsAfter makes every readings request after the first n
	// answer with an error frame. Zero disables it.
	RejectReadingsAfter int
	// Seed drives the jitter applied when randomized sampling is requested.
	Seed int64
}

// Rover is a simulated rover. It implements serialmux.SerialPorter.
type Rover struct {
	mu     sync.Mutex
	cfg    Config
	rng    *rand.Rand
	in     bytes.Buffer
	out    bytes.Buffer
	closed bool

	servoOn    bool
	angle      int
	pulseWidth uint16
	clockMS    uint32

	readingsRequests map[protocol.SubsystemID]int
	requests         []protocol.Message
}

// New returns a simulated rover with the servo centred.
func New(cfg Config) *Rover {
	if cfg.Source == nil {
		cfg.Source = Room(60)
	}
	return &Rover{
		cfg:              cfg,
		rng:              rand.New(rand.NewSource(cfg.Seed)),
		angle:            90,
		readingsRequests: make(map[protocol.SubsystemID]int),
	}
}

// Write accepts request bytes. Complete frames are handled immediately;
// a partial frame waits for the rest.
func (r *Rover) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, errClosed
	}
	r.in.Write(p)
	for r.in.Len() > 0 {
		pending := r.in.Bytes()
		frame, err := protocol.ReadFrame(bytes.NewReader(pending), protocol.Request)
		switch {
		case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
			return len(p), nil
		case err != nil:
			// Unknown header: answer with an error and drop what we have.
			r.in.Reset()
			r.reply(protocol.Message{ID: protocol.MessageError, Subsystem: subsystemOf(pending), Command: commandOf(pending), Payload: []byte(err.Error())})
			return len(p), nil
		}
		r.in.Next(len(frame))
		msg, err := protocol.DecodeRequest(frame)
		if err != nil {
			r.reply(protocol.Message{ID: protocol.MessageError, Subsystem: subsystemOf(frame), Command: commandOf(frame), Payload: []byte(err.Error())})
			continue
		}
		r.requests = append(r.requests, msg)
		r.handle(msg)
	}
	return len(p), nil
}

func subsystemOf(b []byte) protocol.SubsystemID {
	if len(b) > 1 {
		if s := protocol.SubsystemID(b[1]); s <= protocol.Infrared {
			return s
		}
	}
	return protocol.Servo
}

func commandOf(b []byte) protocol.CommandCode {
	if len(b) > 2 {
		return protocol.CommandCode(b[2])
	}
	return 0
}

// Read drains queued replies. With nothing queued it returns io.EOF, which
// the link reports as an I/O failure.
func (r *Rover) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, errClosed
	}
	return r.out.Read(p)
}

// SetReadTimeout lets the simulator stand in for a hardware port.
func (r *Rover) SetReadTimeout(time.Duration) error { return nil }

// Close closes the port.
func (r *Rover) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *Rover) reply(msg protocol.Message) {
	frame, err := protocol.EncodeReply(msg)
	if err != nil {
		frame, _ = protocol.EncodeReply(protocol.Message{
			ID: protocol.MessageError, Subsystem: msg.Subsystem, Command: msg.Command, Payload: []byte(err.Error()),
		})
	}
	r.out.Write(frame)
}

func (r *Rover) fail(req protocol.Message, format string, args ...interface{}) {
	r.reply(protocol.Message{ID: protocol.MessageError, Subsystem: req.Subsystem, Command: req.Command, Payload: []byte(fmt.Sprintf(format, args...))})
}

func (r *Rover) ok(req protocol.Message, payload []byte) {
	r.reply(protocol.Command(req.Subsystem, req.Command, payload))
}

func (r *Rover) handle(req protocol.Message) {
	switch req.Subsystem {
	case protocol.Servo:
		r.handleServo(req)
	default:
		r.handleRange(req)
	}
}

func (r *Rover) handleServo(req protocol.Message) {
	switch req.Command {
	case protocol.ServoInit:
		r.servoOn = true
		r.ok(req, nil)
	case protocol.ServoState:
		if len(req.Payload) == 0 {
			state := protocol.StateOff
			if r.servoOn {
				state = protocol.StateOn
			}
			r.ok(req, []byte{state})
			return
		}
		r.servoOn = req.Payload[0] != protocol.StateOff
		r.ok(req, []byte{})
	case protocol.ServoAngle:
		angle, wait, err := protocol.ParseAnglePayload(req.Payload)
		if err != nil || angle > 180 {
			r.fail(req, "bad angle")
			return
		}
		r.angle = int(angle)
		if !wait {
			return
		}
		if r.cfg.MovingFrames == 0 {
			r.ok(req, []byte{protocol.AngleFinished})
			return
		}
		r.ok(req, []byte{protocol.AngleMoving})
		status := protocol.Message{ID: protocol.MessageStatus, Subsystem: protocol.Servo, Command: protocol.ServoAngle}
		for i := 1; i < r.cfg.MovingFrames; i++ {
			status.Payload = []byte{protocol.AngleMoving}
			r.reply(status)
		}
		status.Payload = []byte{protocol.AngleFinished}
		r.reply(status)
	case protocol.ServoPulseWidth:
		w, err := protocol.ParsePulseWidthPayload(req.Payload)
		if err != nil {
			r.fail(req, "bad pulse width")
			return
		}
		r.pulseWidth = w
		// 600µs..2400µs spans the servo's travel.
		if w >= 600 && w <= 2400 {
			r.angle = int(float64(w-600)/10 + 0.5)
		}
		r.ok(req, nil)
	}
}

func (r *Rover) handleRange(req protocol.Message) {
	switch req.Command {
	case protocol.RangeInit:
		r.ok(req, nil)
	case protocol.RangeReadings:
		rr, err := protocol.ParseReadingsRequest(req.Payload)
		if err != nil || rr.Count < 0 {
			r.fail(req, "bad readings request")
			return
		}
		r.readingsRequests[req.Subsystem]++
		if n := r.cfg.RejectReadingsAfter; n > 0 && r.totalReadingsRequests() > n {
			r.fail(req, "sensor fault")
			return
		}
		payload := make([]byte, 0, int(rr.Count)*rr.ReadingSize())
		for i := 0; i < int(rr.Count); i++ {
			r.clockMS += 20
			if rr.Randomized {
				r.clockMS += uint32(r.rng.Intn(10))
			}
			if rr.Timestamps {
				payload = binary.LittleEndian.AppendUint32(payload, r.clockMS)
			}
			payload = binary.LittleEndian.AppendUint16(payload, r.cfg.Source(req.Subsystem, r.angle, i))
		}
		r.ok(req, payload)
	}
}

func (r *Rover) totalReadingsRequests() int {
	total := 0
	for _, n := range r.readingsRequests {
		total += n
	}
	return total
}

// Angle returns the servo's current angle.
func (r *Rover) Angle() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.angle
}

// ServoOn reports the servo power state.
func (r *Rover) ServoOn() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.servoOn
}

// PulseWidth returns the last pulse width commanded.
func (r *Rover) PulseWidth() uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pulseWidth
}

// ReadingsRequests returns how many readings requests a subsystem received.
func (r *Rover) ReadingsRequests(sub protocol.SubsystemID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readingsRequests[sub]
}

// Requests returns every request decoded so far.
func (r *Rover) Requests() []protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Message(nil), r.requests...)
}
