package serialmux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/rover.scan/internal/monitoring"
	"github.com/banshee-data/rover.scan/internal/protocol"
)

// CaptureLinkType is the pcap link type of link captures (LINKTYPE_USER0).
// Each packet is one direction byte followed by the frame.
const CaptureLinkType = layers.LinkType(147)

const captureSnapLen = 1 + protocol.HeaderSize + 2 + protocol.MaxCountedPayload

// Capture writes link frames to a pcap stream so sessions can be inspected
// with standard tooling.
type Capture struct {
	mu     sync.Mutex
	w      *pcapgo.Writer
	frames int
}

// NewCapture writes the pcap file header to w.
func NewCapture(w io.Writer) (*Capture, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(captureSnapLen, CaptureLinkType); err != nil {
		return nil, fmt.Errorf("write capture header: %w", err)
	}
	return &Capture{w: pw}, nil
}

// WriteFrame appends one frame.
func (c *Capture) WriteFrame(dir protocol.Direction, at time.Time, frame []byte) error {
	data := make([]byte, 0, 1+len(frame))
	data = append(data, byte(dir))
	data = append(data, frame...)
	ci := gopacket.CaptureInfo{Timestamp: at, CaptureLength: len(data), Length: len(data)}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.w.WritePacket(ci, data); err != nil {
		return fmt.Errorf("write capture packet: %w", err)
	}
	c.frames++
	return nil
}

// Frames returns how many frames have been written.
func (c *Capture) Frames() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames
}

// Record subscribes c to the link and writes every frame crossing it in the
// background until ctx is done or the link closes. The returned function
// waits for the writer to stop and reports the first write error. Frames a
// slow writer misses are dropped like for any other subscriber.
func (s *SerialMux[T]) Record(ctx context.Context, c *Capture) (wait func() error) {
	id, events := s.Subscribe()
	done := make(chan error, 1)
	go func() {
		defer s.Unsubscribe(id)
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					done <- nil
					return
				}
				if err := c.WriteFrame(ev.dir, ev.At, ev.raw); err != nil {
					done <- err
					return
				}
			case <-ctx.Done():
				monitoring.Logf("serialmux: capture stopped after %d frames", c.Frames())
				done <- nil
				return
			}
		}
	}()
	return func() error { return <-done }
}

// CapturedFrame is one frame read back from a capture.
type CapturedFrame struct {
	Direction protocol.Direction
	At        time.Time
	Frame     []byte
}

// ReadCapture reads every frame from a capture written by Capture.
func ReadCapture(r io.Reader) ([]CapturedFrame, error) {
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("read capture header: %w", err)
	}
	if pr.LinkType() != CaptureLinkType {
		return nil, fmt.Errorf("capture link type %d, want %d", pr.LinkType(), CaptureLinkType)
	}

	var frames []CapturedFrame
	for {
		data, ci, err := pr.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return frames, nil
		}
		if err != nil {
			return frames, fmt.Errorf("read capture packet %d: %w", len(frames), err)
		}
		if len(data) < 1+protocol.HeaderSize {
			return frames, fmt.Errorf("%w: capture packet %d is %d bytes", protocol.ErrMalformedFrame, len(frames), len(data))
		}
		frames = append(frames, CapturedFrame{
			Direction: protocol.Direction(data[0]),
			At:        ci.Timestamp,
			Frame:     append([]byte(nil), data[1:]...),
		})
	}
}
