package simulator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/rover.scan/internal/calibration"
	"github.com/banshee-data/rover.scan/internal/protocol"
	"github.com/banshee-data/rover.scan/internal/serialmux"
	"github.com/banshee-data/rover.scan/internal/subsys"
)

func link(t *testing.T, cfg Config) (*Rover, *serialmux.SerialMux[*Rover]) {
	t.Helper()
	r := New(cfg)
	mux := serialmux.NewSerialMux(r)
	t.Cleanup(func() { mux.Close() })
	return r, mux
}

func TestServoCommands(t *testing.T) {
	ctx := context.Background()
	r, mux := link(t, Config{MovingFrames: 3})
	servo := subsys.NewServo(mux)

	require.NoError(t, servo.Init(ctx))
	on, err := servo.State(ctx)
	require.NoError(t, err)
	assert.True(t, on)

	require.NoError(t, servo.SetState(ctx, false))
	assert.False(t, r.ServoOn())

	before := mux.Stats().FramesReceived
	require.NoError(t, servo.MoveToAngle(ctx, 45, true))
	assert.Equal(t, 45, r.Angle())
	// The awaited move consumed the reply and every status frame.
	assert.Equal(t, int64(4), mux.Stats().FramesReceived-before)

	require.NoError(t, servo.MoveToAngle(ctx, 120, false))
	assert.Equal(t, 120, r.Angle())

	require.NoError(t, servo.SetPulseWidth(ctx, 1500))
	assert.Equal(t, uint16(1500), r.PulseWidth())
	assert.Equal(t, 90, r.Angle())
}

func TestReadings(t *testing.T) {
	ctx := context.Background()
	src := func(sub protocol.SubsystemID, angle, sample int) uint16 {
		return uint16(int(sub)*1000 + angle*10 + sample)
	}
	r, mux := link(t, Config{Source: src})
	sonar := subsys.NewSonar(mux)
	ir := subsys.NewInfrared(mux)
	servo := subsys.NewServo(mux)

	require.NoError(t, sonar.Init(ctx))
	require.NoError(t, ir.Init(ctx))
	require.NoError(t, servo.MoveToAngle(ctx, 30, true))

	got, err := sonar.ReadN(ctx, 3, subsys.ReadOptions{Raw: true})
	require.NoError(t, err)
	assert.Equal(t, []subsys.Reading{{Value: 1300}, {Value: 1301}, {Value: 1302}}, got)

	got, err = ir.ReadN(ctx, 2, subsys.ReadOptions{Raw: true, Timestamps: true})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint16(2300), got[0].Value)
	assert.True(t, got[0].HasTimestamp)
	assert.Greater(t, got[1].Timestamp, got[0].Timestamp)

	got, err = ir.ReadN(ctx, 0, subsys.ReadOptions{Raw: true})
	require.NoError(t, err)
	assert.Empty(t, got)

	assert.Equal(t, 1, r.ReadingsRequests(protocol.Sonar))
	assert.Equal(t, 2, r.ReadingsRequests(protocol.Infrared))
}

func TestRejectReadingsAfter(t *testing.T) {
	ctx := context.Background()
	_, mux := link(t, Config{RejectReadingsAfter: 1})
	sonar := subsys.NewSonar(mux)

	_, err := sonar.ReadN(ctx, 1, subsys.ReadOptions{Raw: true})
	require.NoError(t, err)
	_, err = sonar.ReadN(ctx, 1, subsys.ReadOptions{Raw: true})
	assert.ErrorIs(t, err, protocol.ErrRemoteRejected)
}

func TestUnknownCommandGetsErrorFrame(t *testing.T) {
	r := New(Config{})
	_, err := r.Write([]byte{0x00, 0x01, 0x09})
	require.NoError(t, err)

	buf := make([]byte, 64)
	n, err := r.Read(buf)
	require.NoError(t, err)
	_, err = protocol.Decode(buf[:n], protocol.Identity{Message: protocol.MessageCommand, Subsystem: protocol.Sonar, Command: 0x09})
	assert.ErrorIs(t, err, protocol.ErrRemoteRejected)
}

func TestPartialWrites(t *testing.T) {
	r := New(Config{})
	frame, err := protocol.Encode(protocol.Command(protocol.Servo, protocol.ServoPulseWidth, protocol.PulseWidthPayload(700)))
	require.NoError(t, err)

	_, err = r.Write(frame[:2])
	require.NoError(t, err)
	assert.Empty(t, r.Requests())

	_, err = r.Write(frame[2:])
	require.NoError(t, err)
	require.Len(t, r.Requests(), 1)
	assert.Equal(t, uint16(700), r.PulseWidth())
	assert.Equal(t, 10, r.Angle())
}

func TestRoomIsSymmetric(t *testing.T) {
	room := Room(100)
	assert.Equal(t, uint16(100), room(protocol.Sonar, 90, 0))
	assert.Equal(t, room(protocol.Sonar, 0, 0), room(protocol.Sonar, 180, 0))
	assert.Greater(t, room(protocol.Sonar, 45, 0), room(protocol.Sonar, 90, 0))

	// Infrared readings rise as the wall gets closer.
	near := Room(50)
	assert.Greater(t, near(protocol.Infrared, 90, 0), near(protocol.Infrared, 45, 0))
}

func TestInfraredRawInvertsFirmwareCurve(t *testing.T) {
	for _, cm := range []float64{15, 30, 50, 80} {
		raw := InfraredRaw(cm)
		assert.InDelta(t, cm, calibration.DefaultInfrared(float64(raw)), 0.5, "cm=%v raw=%d", cm, raw)
	}
	assert.Equal(t, uint16(0), InfraredRaw(500))
	assert.Equal(t, uint16(1023), InfraredRaw(1))
}

func TestClosed(t *testing.T) {
	r := New(Config{})
	require.NoError(t, r.Close())
	_, err := r.Write([]byte{0})
	assert.Error(t, err)
	_, err = r.Read(make([]byte, 1))
	assert.Error(t, err)
}
