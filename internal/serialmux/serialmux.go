// Package serialmux owns the serial port between the host and the rover and
// runs the framed request/response exchange over it. At most one request is
// outstanding at a time; observers can subscribe to a trace of every frame
// that crosses the link.
package serialmux

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/rover.scan/internal/monitoring"
	"github.com/banshee-data/rover.scan/internal/protocol"
	"github.com/banshee-data/rover.scan/internal/timeutil"
)

// DefaultResponseTimeout bounds the wait for each response frame.
const DefaultResponseTimeout = 2 * time.Second

var (
	// ErrIO wraps any failure of the underlying port, including end of stream.
	ErrIO = errors.New("serial link i/o failure")
	// ErrTimeout is returned when no complete frame arrives within the
	// response timeout.
	ErrTimeout = errors.New("timed out waiting for response")
	// ErrClosed is returned by every operation after Close.
	ErrClosed = fmt.Errorf("%w: link closed", ErrIO)
	// ErrWriteFailed is returned when the port accepts fewer bytes than the
	// frame holds.
	ErrWriteFailed = fmt.Errorf("%w: short write to serial port", ErrIO)
)

// SerialMux is the transport link over a single serial port.
type SerialMux[T SerialPorter] struct {
	port    T
	clock   timeutil.Clock
	timeout time.Duration

	commandMu sync.Mutex
	closing   bool
	closingMu sync.Mutex

	subscribers  map[string]chan FrameEvent
	subscriberMu sync.Mutex

	stats linkStats
}

// SerialMuxInterface is the link as seen by drivers, sessions and the admin
// surface.
type SerialMuxInterface interface {
	// Exchange writes msg and, if it expects a response, waits for the
	// frame carrying the same identity and returns its payload.
	Exchange(ctx context.Context, msg protocol.Message) ([]byte, error)
	// Send writes msg without waiting for any reply.
	Send(ctx context.Context, msg protocol.Message) error
	// Await reads the next frame and validates it against id. Used for
	// follow-up status frames after an Exchange.
	Await(ctx context.Context, id protocol.Identity) ([]byte, error)
	// ExchangeUntil runs an Exchange followed by Awaits for follow until
	// done reports true, holding the link throughout.
	ExchangeUntil(ctx context.Context, msg protocol.Message, follow protocol.Identity, done func(payload []byte) (bool, error)) error
	// Subscribe returns a channel carrying every frame that crosses the
	// link. The id is used to unsubscribe.
	Subscribe() (string, chan FrameEvent)
	// Unsubscribe removes and closes a subscriber channel.
	Unsubscribe(string)
	// Stats returns a snapshot of the link counters.
	Stats() Stats
	// Close closes subscriber channels and the port.
	Close() error
	// AttachAdminRoutes attaches debugging endpoints served under /debug/.
	AttachAdminRoutes(*http.ServeMux)
}

// Option configures a SerialMux.
type Option func(*linkOptions)

type linkOptions struct {
	clock   timeutil.Clock
	timeout time.Duration
}

// WithResponseTimeout overrides DefaultResponseTimeout.
func WithResponseTimeout(d time.Duration) Option {
	return func(o *linkOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithClock sets the clock used to enforce response deadlines.
func WithClock(c timeutil.Clock) Option {
	return func(o *linkOptions) {
		if c != nil {
			o.clock = c
		}
	}
}

// NewSerialMux wraps an open port.
func NewSerialMux[T SerialPorter](port T, opts ...Option) *SerialMux[T] {
	o := linkOptions{clock: timeutil.RealClock{}, timeout: DefaultResponseTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return &SerialMux[T]{
		port:        port,
		clock:       o.clock,
		timeout:     o.timeout,
		subscribers: make(map[string]chan FrameEvent),
	}
}

// Exchange implements SerialMuxInterface.
func (s *SerialMux[T]) Exchange(ctx context.Context, msg protocol.Message) ([]byte, error) {
	s.commandMu.Lock()
	defer s.commandMu.Unlock()

	if err := s.write(ctx, msg); err != nil {
		return nil, err
	}
	if !msg.ExpectsResponse {
		return nil, nil
	}
	return s.await(ctx, msg.Identity())
}

// Send implements SerialMuxInterface.
func (s *SerialMux[T]) Send(ctx context.Context, msg protocol.Message) error {
	s.commandMu.Lock()
	defer s.commandMu.Unlock()
	return s.write(ctx, msg)
}

// Await implements SerialMuxInterface.
func (s *SerialMux[T]) Await(ctx context.Context, id protocol.Identity) ([]byte, error) {
	s.commandMu.Lock()
	defer s.commandMu.Unlock()
	return s.await(ctx, id)
}

// ExchangeUntil implements SerialMuxInterface. No other request can reach
// the port between the reply and the last follow-up frame.
func (s *SerialMux[T]) ExchangeUntil(ctx context.Context, msg protocol.Message, follow protocol.Identity, done func(payload []byte) (bool, error)) error {
	s.commandMu.Lock()
	defer s.commandMu.Unlock()

	if err := s.write(ctx, msg); err != nil {
		return err
	}
	payload, err := s.await(ctx, msg.Identity())
	for err == nil {
		var finished bool
		if finished, err = done(payload); err != nil || finished {
			return err
		}
		payload, err = s.await(ctx, follow)
	}
	return err
}

func (s *SerialMux[T]) isClosing() bool {
	s.closingMu.Lock()
	defer s.closingMu.Unlock()
	return s.closing
}

func (s *SerialMux[T]) write(ctx context.Context, msg protocol.Message) error {
	if s.isClosing() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	n, err := s.port.Write(frame)
	if err != nil {
		s.stats.ioErrors.Add(1)
		return fmt.Errorf("%w: write %s: %v", ErrIO, msg.Identity(), err)
	}
	if n != len(frame) {
		s.stats.ioErrors.Add(1)
		return ErrWriteFailed
	}
	s.stats.framesSent.Add(1)
	s.publish(protocol.Request, frame)
	monitoring.Debugf("serialmux: sent %s (% x)", msg.Identity(), frame)
	return nil
}

func (s *SerialMux[T]) await(ctx context.Context, id protocol.Identity) ([]byte, error) {
	if s.isClosing() {
		return nil, ErrClosed
	}
	r := &deadlineReader{
		ctx:      ctx,
		port:     s.port,
		clock:    s.clock,
		deadline: s.clock.Now().Add(s.timeout),
	}
	frame, err := protocol.ReadFrame(r, protocol.Response)
	switch {
	case err == nil:
	case errors.Is(err, ErrTimeout):
		s.stats.timeouts.Add(1)
		return nil, fmt.Errorf("%w: no %s within %s", ErrTimeout, id, s.timeout)
	case errors.Is(err, protocol.ErrMalformedFrame):
		s.stats.malformed.Add(1)
		return nil, err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil, err
	default:
		s.stats.ioErrors.Add(1)
		return nil, fmt.Errorf("%w: read %s: %v", ErrIO, id, err)
	}

	s.stats.framesReceived.Add(1)
	s.publish(protocol.Response, frame)
	payload, err := protocol.Decode(frame, id)
	if err != nil {
		if errors.Is(err, protocol.ErrMalformedFrame) {
			s.stats.malformed.Add(1)
		} else {
			s.stats.mismatches.Add(1)
		}
		monitoring.Logf("serialmux: rejected frame % x: %v", frame, err)
		return nil, err
	}
	return payload, nil
}

// deadlineReader turns empty reads into ErrTimeout once the deadline passes.
// Ports opened with a read timeout return (0, nil) when nothing arrives.
type deadlineReader struct {
	ctx      context.Context
	port     SerialPorter
	clock    timeutil.Clock
	deadline time.Time
}

func (r *deadlineReader) Read(p []byte) (int, error) {
	for {
		if err := r.ctx.Err(); err != nil {
			return 0, err
		}
		remaining := r.deadline.Sub(r.clock.Now())
		if remaining <= 0 {
			return 0, ErrTimeout
		}
		if tp, ok := r.port.(TimeoutSerialPorter); ok {
			if err := tp.SetReadTimeout(remaining); err != nil {
				return 0, err
			}
		}
		n, err := r.port.Read(p)
		if n > 0 || err != nil {
			return n, err
		}
	}
}

// FrameEvent is one frame observed on the link.
type FrameEvent struct {
	Direction string    `json:"direction"`
	Frame     string    `json:"frame"`
	At        time.Time `json:"at"`

	dir protocol.Direction
	raw []byte
}

// Subscribe implements SerialMuxInterface.
func (s *SerialMux[T]) Subscribe() (string, chan FrameEvent) {
	id := uuid.NewString()
	ch := make(chan FrameEvent, 16)
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	s.subscribers[id] = ch
	return id, ch
}

// Unsubscribe implements SerialMuxInterface.
func (s *SerialMux[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

func (s *SerialMux[T]) publish(dir protocol.Direction, frame []byte) {
	ev := FrameEvent{Direction: dir.String(), Frame: hex.EncodeToString(frame), At: s.clock.Now(), dir: dir, raw: frame}
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- ev:
		default:
			// slow subscriber, drop rather than stall the link
		}
	}
}

// Close implements SerialMuxInterface.
func (s *SerialMux[T]) Close() error {
	s.closingMu.Lock()
	if s.closing {
		s.closingMu.Unlock()
		return nil
	}
	s.closing = true
	s.closingMu.Unlock()

	s.subscriberMu.Lock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	s.subscriberMu.Unlock()
	return s.port.Close()
}

// Stats is a snapshot of link counters.
type Stats struct {
	FramesSent     int64 `json:"frames_sent"`
	FramesReceived int64 `json:"frames_received"`
	Timeouts       int64 `json:"timeouts"`
	Mismatches     int64 `json:"mismatches"`
	Malformed      int64 `json:"malformed"`
	IOErrors       int64 `json:"io_errors"`
}

type linkStats struct {
	framesSent     atomic.Int64
	framesReceived atomic.Int64
	timeouts       atomic.Int64
	mismatches     atomic.Int64
	malformed      atomic.Int64
	ioErrors       atomic.Int64
}

// Stats implements SerialMuxInterface.
func (s *SerialMux[T]) Stats() Stats {
	return Stats{
		FramesSent:     s.stats.framesSent.Load(),
		FramesReceived: s.stats.framesReceived.Load(),
		Timeouts:       s.stats.timeouts.Load(),
		Mismatches:     s.stats.mismatches.Load(),
		Malformed:      s.stats.malformed.Load(),
		IOErrors:       s.stats.ioErrors.Load(),
	}
}
