package serialmux

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/rover.scan/internal/protocol"
	"github.com/banshee-data/rover.scan/internal/timeutil"
)

func reply(t *testing.T, msg protocol.Message) []byte {
	t.Helper()
	frame, err := protocol.EncodeReply(msg)
	require.NoError(t, err)
	return frame
}

// echoResponder answers every request with an empty-payload reply of the
// same identity, or the given payload if non-nil.
func echoResponder(t *testing.T, payload []byte) func([]byte) []byte {
	return func(written []byte) []byte {
		req, err := protocol.DecodeRequest(written)
		require.NoError(t, err)
		return reply(t, protocol.Command(req.Subsystem, req.Command, payload))
	}
}

func localHostRequest(method, path string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

func TestExchange(t *testing.T) {
	port := NewTestableSerialPort()
	port.Responder = echoResponder(t, nil)
	mux := NewSerialMux(port)

	payload, err := mux.Exchange(context.Background(), protocol.Command(protocol.Servo, protocol.ServoInit, nil))
	require.NoError(t, err)
	assert.Empty(t, payload)

	if diff := cmp.Diff([]byte{0x00, 0x00, 0x00}, port.GetWrittenData()); diff != "" {
		t.Errorf("written frame mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, Stats{FramesSent: 1, FramesReceived: 1}, mux.Stats())
}

func TestExchangeReturnsPayload(t *testing.T) {
	port := NewTestableSerialPort()
	port.Responder = echoResponder(t, []byte{10, 0, 11, 0})
	mux := NewSerialMux(port)

	req := protocol.ReadingsRequest{Count: 2, Raw: true}
	payload, err := mux.Exchange(context.Background(), protocol.Command(protocol.Infrared, protocol.RangeReadings, req.Payload()))
	require.NoError(t, err)
	assert.Equal(t, []byte{10, 0, 11, 0}, payload)
}

func TestSendDoesNotRead(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)

	msg := protocol.Command(protocol.Servo, protocol.ServoAngle, protocol.AnglePayload(45, false))
	msg.ExpectsResponse = false
	require.NoError(t, mux.Send(context.Background(), msg))

	payload, err := mux.Exchange(context.Background(), msg)
	require.NoError(t, err)
	assert.Nil(t, payload)
	assert.Zero(t, port.ReadCalls)
	assert.Equal(t, int64(2), mux.Stats().FramesSent)
}

func TestExchangeFollowedByAwait(t *testing.T) {
	port := NewTestableSerialPort()
	port.Responder = func([]byte) []byte {
		var out []byte
		out = append(out, reply(t, protocol.Command(protocol.Servo, protocol.ServoAngle, []byte{protocol.AngleMoving}))...)
		out = append(out, reply(t, protocol.Message{
			ID: protocol.MessageStatus, Subsystem: protocol.Servo, Command: protocol.ServoAngle,
			Payload: []byte{protocol.AngleFinished},
		})...)
		return out
	}
	mux := NewSerialMux(port)
	ctx := context.Background()

	payload, err := mux.Exchange(ctx, protocol.Command(protocol.Servo, protocol.ServoAngle, protocol.AnglePayload(90, true)))
	require.NoError(t, err)
	assert.Equal(t, []byte{protocol.AngleMoving}, payload)

	payload, err = mux.Await(ctx, protocol.Identity{Message: protocol.MessageStatus, Subsystem: protocol.Servo, Command: protocol.ServoAngle})
	require.NoError(t, err)
	assert.Equal(t, []byte{protocol.AngleFinished}, payload)
}

func TestExchangeUntilHoldsLink(t *testing.T) {
	status := protocol.Identity{Message: protocol.MessageStatus, Subsystem: protocol.Servo, Command: protocol.ServoAngle}
	port := NewTestableSerialPort()
	port.Responder = func(written []byte) []byte {
		req, err := protocol.DecodeRequest(written)
		require.NoError(t, err)
		if req.Command != protocol.ServoAngle {
			return reply(t, protocol.Command(req.Subsystem, req.Command, nil))
		}
		out := reply(t, protocol.Command(protocol.Servo, protocol.ServoAngle, []byte{protocol.AngleMoving}))
		for _, b := range []byte{protocol.AngleMoving, protocol.AngleMoving, protocol.AngleFinished} {
			out = append(out, reply(t, protocol.Message{
				ID: status.Message, Subsystem: status.Subsystem, Command: status.Command, Payload: []byte{b},
			})...)
		}
		return out
	}
	mux := NewSerialMux(port)
	ctx := context.Background()

	// A request issued mid-move must wait for the terminal status rather
	// than read one of the move's frames.
	other := make(chan error, 1)
	var seen [][]byte
	err := mux.ExchangeUntil(ctx, protocol.Command(protocol.Servo, protocol.ServoAngle, protocol.AnglePayload(10, true)), status,
		func(payload []byte) (bool, error) {
			if len(seen) == 0 {
				go func() {
					_, err := mux.Exchange(ctx, protocol.Command(protocol.Servo, protocol.ServoInit, nil))
					other <- err
				}()
			}
			seen = append(seen, payload)
			return payload[0] == protocol.AngleFinished, nil
		})
	require.NoError(t, err)
	assert.Len(t, seen, 4)

	select {
	case err := <-other:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("request behind the move never completed")
	}
	assert.Equal(t, int64(2), mux.Stats().FramesSent)
}

func TestExchangeUntilStopsOnError(t *testing.T) {
	port := NewTestableSerialPort()
	port.Responder = echoResponder(t, []byte{protocol.AngleMoving})
	mux := NewSerialMux(port)

	bad := errors.New("bad payload")
	err := mux.ExchangeUntil(context.Background(), protocol.Command(protocol.Servo, protocol.ServoAngle, protocol.AnglePayload(10, true)),
		protocol.Identity{Message: protocol.MessageStatus, Subsystem: protocol.Servo, Command: protocol.ServoAngle},
		func([]byte) (bool, error) { return false, bad })
	assert.ErrorIs(t, err, bad)
}

func TestExchangeErrors(t *testing.T) {
	initMsg := protocol.Command(protocol.Sonar, protocol.RangeInit, nil)

	tests := []struct {
		name    string
		setup   func(t *testing.T, port *TestableSerialPort)
		wantErr []error
		notErr  error
	}{
		{
			name:    "end of stream",
			setup:   func(t *testing.T, port *TestableSerialPort) {},
			wantErr: []error{ErrIO},
		},
		{
			name: "truncated frame",
			setup: func(t *testing.T, port *TestableSerialPort) {
				port.Responder = func([]byte) []byte { return []byte{0x00, 0x01} }
			},
			wantErr: []error{ErrIO},
		},
		{
			name: "read error",
			setup: func(t *testing.T, port *TestableSerialPort) {
				port.ReadError = errors.New("device unplugged")
			},
			wantErr: []error{ErrIO},
		},
		{
			name: "write error",
			setup: func(t *testing.T, port *TestableSerialPort) {
				port.WriteError = errors.New("device unplugged")
			},
			wantErr: []error{ErrIO},
		},
		{
			name: "short write",
			setup: func(t *testing.T, port *TestableSerialPort) {
				port.ShortWrite = true
			},
			wantErr: []error{ErrWriteFailed, ErrIO},
		},
		{
			name: "wrong command",
			setup: func(t *testing.T, port *TestableSerialPort) {
				port.Responder = func([]byte) []byte {
					return reply(t, protocol.Command(protocol.Sonar, protocol.RangeReadings, nil))
				}
			},
			wantErr: []error{protocol.ErrIdentityMismatch},
			notErr:  protocol.ErrRemoteRejected,
		},
		{
			name: "wrong subsystem",
			setup: func(t *testing.T, port *TestableSerialPort) {
				port.Responder = func([]byte) []byte {
					return reply(t, protocol.Command(protocol.Infrared, protocol.RangeInit, nil))
				}
			},
			wantErr: []error{protocol.ErrIdentityMismatch},
		},
		{
			name: "rejected",
			setup: func(t *testing.T, port *TestableSerialPort) {
				port.Responder = func([]byte) []byte {
					return reply(t, protocol.Message{ID: protocol.MessageError, Subsystem: protocol.Sonar, Command: protocol.RangeInit, Payload: []byte("busy")})
				}
			},
			wantErr: []error{protocol.ErrRemoteRejected, protocol.ErrIdentityMismatch},
		},
		{
			name: "unknown subsystem in reply",
			setup: func(t *testing.T, port *TestableSerialPort) {
				port.Responder = func([]byte) []byte { return []byte{0x00, 0x09, 0x00} }
			},
			wantErr: []error{protocol.ErrMalformedFrame},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			port := NewTestableSerialPort()
			tt.setup(t, port)
			mux := NewSerialMux(port)

			_, err := mux.Exchange(context.Background(), initMsg)
			require.Error(t, err)
			for _, want := range tt.wantErr {
				assert.ErrorIs(t, err, want)
			}
			if tt.notErr != nil {
				assert.NotErrorIs(t, err, tt.notErr)
			}
		})
	}
}

// stallingPort never produces data and advances the clock on every read,
// like a hardware port whose read timeout keeps expiring.
type stallingPort struct {
	clock *timeutil.MockClock
	step  time.Duration
	reads int
}

func (p *stallingPort) Read([]byte) (int, error) {
	p.reads++
	p.clock.Advance(p.step)
	return 0, nil
}
func (p *stallingPort) Write(b []byte) (int, error) { return len(b), nil }
func (p *stallingPort) Close() error                { return nil }

func TestExchangeTimeout(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	port := &stallingPort{clock: clock, step: 500 * time.Millisecond}
	mux := NewSerialMux[*stallingPort](port, WithClock(clock), WithResponseTimeout(2*time.Second))

	_, err := mux.Exchange(context.Background(), protocol.Command(protocol.Servo, protocol.ServoInit, nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.NotErrorIs(t, err, ErrIO)
	assert.Equal(t, 4, port.reads)
	assert.Equal(t, int64(1), mux.Stats().Timeouts)
}

func TestReadTimeoutPropagatesToPort(t *testing.T) {
	port := NewTestableSerialPort()
	port.Responder = echoResponder(t, nil)
	mux := NewSerialMux(port, WithResponseTimeout(750*time.Millisecond))

	_, err := mux.Exchange(context.Background(), protocol.Command(protocol.Servo, protocol.ServoInit, nil))
	require.NoError(t, err)
	assert.Greater(t, port.ReadTimeout, time.Duration(0))
	assert.LessOrEqual(t, port.ReadTimeout, 750*time.Millisecond)
}

func TestCanceledContextWritesNothing(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := mux.Exchange(ctx, protocol.Command(protocol.Servo, protocol.ServoInit, nil))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, port.GetWrittenData())
}

func TestCloseIsFinal(t *testing.T) {
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	_, ch := mux.Subscribe()

	require.NoError(t, mux.Close())
	assert.True(t, port.Closed)
	_, ok := <-ch
	assert.False(t, ok, "subscriber channel should be closed")

	_, err := mux.Exchange(context.Background(), protocol.Command(protocol.Servo, protocol.ServoInit, nil))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, err, ErrIO)
	require.NoError(t, mux.Close())
}

func TestSubscribeTracesFrames(t *testing.T) {
	port := NewTestableSerialPort()
	port.Responder = echoResponder(t, nil)
	mux := NewSerialMux(port)

	id, ch := mux.Subscribe()
	defer mux.Unsubscribe(id)

	_, err := mux.Exchange(context.Background(), protocol.Command(protocol.Infrared, protocol.RangeInit, nil))
	require.NoError(t, err)

	sent := <-ch
	received := <-ch
	assert.Equal(t, "request", sent.Direction)
	assert.Equal(t, "000200", sent.Frame)
	assert.Equal(t, "response", received.Direction)
	assert.Equal(t, "000200", received.Frame)
}

func TestAdminLinkRoute(t *testing.T) {
	port := NewTestableSerialPort()
	port.Responder = echoResponder(t, nil)
	mux := NewSerialMux(port)
	_, err := mux.Exchange(context.Background(), protocol.Command(protocol.Servo, protocol.ServoInit, nil))
	require.NoError(t, err)

	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	rec := httptest.NewRecorder()
	httpMux.ServeHTTP(rec, localHostRequest(http.MethodGet, "/debug/link"))
	require.Equal(t, http.StatusOK, rec.Code)

	var got Stats
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, int64(1), got.FramesSent)
	assert.Equal(t, int64(1), got.FramesReceived)

	rec = httptest.NewRecorder()
	httpMux.ServeHTTP(rec, localHostRequest(http.MethodPost, "/debug/link-tail"))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestTestableSerialPortEOF(t *testing.T) {
	port := NewTestableSerialPort()
	_, err := port.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}
