package subsys

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/rover.scan/internal/protocol"
)

type result struct {
	payload []byte
	err     error
}

// fakeLink records every message and replays scripted replies in order.
type fakeLink struct {
	sent     []protocol.Message
	awaited  []protocol.Identity
	replies  []result
	sendOnly int
}

func (f *fakeLink) next() ([]byte, error) {
	if len(f.replies) == 0 {
		return nil, errors.New("no scripted reply")
	}
	r := f.replies[0]
	f.replies = f.replies[1:]
	return r.payload, r.err
}

func (f *fakeLink) Exchange(_ context.Context, msg protocol.Message) ([]byte, error) {
	f.sent = append(f.sent, msg)
	return f.next()
}

func (f *fakeLink) Send(_ context.Context, msg protocol.Message) error {
	f.sent = append(f.sent, msg)
	f.sendOnly++
	return nil
}

func (f *fakeLink) ExchangeUntil(ctx context.Context, msg protocol.Message, follow protocol.Identity, done func([]byte) (bool, error)) error {
	payload, err := f.Exchange(ctx, msg)
	for err == nil {
		var finished bool
		if finished, err = done(payload); err != nil || finished {
			return err
		}
		f.awaited = append(f.awaited, follow)
		payload, err = f.next()
	}
	return err
}

func ok(payload ...byte) result { return result{payload: payload} }

func TestServoMoveToAngle(t *testing.T) {
	t.Run("wait with immediate finish", func(t *testing.T) {
		link := &fakeLink{replies: []result{ok(protocol.AngleFinished)}}
		require.NoError(t, NewServo(link).MoveToAngle(context.Background(), 90, true))
		require.Len(t, link.sent, 1)
		assert.Equal(t, protocol.AnglePayload(90, true), link.sent[0].Payload)
		assert.Empty(t, link.awaited)
	})

	t.Run("wait consumes moving status frames", func(t *testing.T) {
		link := &fakeLink{replies: []result{ok(protocol.AngleMoving), ok(protocol.AngleMoving), ok(protocol.AngleFinished)}}
		require.NoError(t, NewServo(link).MoveToAngle(context.Background(), 10, true))
		assert.Len(t, link.awaited, 2)
		assert.Equal(t, protocol.MessageStatus, link.awaited[0].Message)
	})

	t.Run("no wait is send only", func(t *testing.T) {
		link := &fakeLink{}
		require.NoError(t, NewServo(link).MoveToAngle(context.Background(), 180, false))
		assert.Equal(t, 1, link.sendOnly)
		assert.False(t, link.sent[0].ExpectsResponse)
		assert.Equal(t, protocol.AnglePayload(180, false), link.sent[0].Payload)
	})

	t.Run("out of range does no io", func(t *testing.T) {
		for _, angle := range []int{-1, 181} {
			link := &fakeLink{}
			err := NewServo(link).MoveToAngle(context.Background(), angle, true)
			assert.ErrorIs(t, err, ErrInvalidArgument)
			assert.Empty(t, link.sent)
		}
	})

	t.Run("status timeout surfaces", func(t *testing.T) {
		timeout := errors.New("timed out")
		link := &fakeLink{replies: []result{ok(protocol.AngleMoving), {err: timeout}}}
		err := NewServo(link).MoveToAngle(context.Background(), 45, true)
		assert.ErrorIs(t, err, timeout)
	})

	t.Run("malformed reply", func(t *testing.T) {
		link := &fakeLink{replies: []result{ok()}}
		err := NewServo(link).MoveToAngle(context.Background(), 45, true)
		assert.ErrorIs(t, err, protocol.ErrMalformedFrame)
	})
}

func TestServoState(t *testing.T) {
	link := &fakeLink{replies: []result{ok(protocol.StateOn), ok(), ok()}}
	servo := NewServo(link)
	ctx := context.Background()

	on, err := servo.State(ctx)
	require.NoError(t, err)
	assert.True(t, on)
	assert.Empty(t, link.sent[0].Payload)

	require.NoError(t, servo.SetState(ctx, false))
	assert.Equal(t, []byte{protocol.StateOff}, link.sent[1].Payload)
	require.NoError(t, servo.SetState(ctx, true))
	assert.Equal(t, []byte{protocol.StateOn}, link.sent[2].Payload)

	got, err := ParseState(" ON ")
	require.NoError(t, err)
	assert.True(t, got)
	_, err = ParseState("maybe")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestServoPulseWidthAndInit(t *testing.T) {
	link := &fakeLink{replies: []result{ok(), ok()}}
	servo := NewServo(link)
	require.NoError(t, servo.Init(context.Background()))
	require.NoError(t, servo.SetPulseWidth(context.Background(), 1500))
	assert.Equal(t, protocol.ServoInit, link.sent[0].Command)
	assert.Equal(t, protocol.PulseWidthPayload(1500), link.sent[1].Payload)
}

func le16(vals ...uint16) []byte {
	var b []byte
	for _, v := range vals {
		b = binary.LittleEndian.AppendUint16(b, v)
	}
	return b
}

func TestReadN(t *testing.T) {
	ctx := context.Background()

	t.Run("raw values", func(t *testing.T) {
		link := &fakeLink{replies: []result{ok(le16(10, 11, 12)...)}}
		got, err := NewInfrared(link).ReadN(ctx, 3, ReadOptions{Raw: true})
		require.NoError(t, err)
		want := []Reading{{Value: 10}, {Value: 11}, {Value: 12}}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("readings mismatch (-want +got):\n%s", diff)
		}
		assert.Equal(t, protocol.Infrared, link.sent[0].Subsystem)
		assert.Equal(t, protocol.ReadingsRequest{Count: 3, Raw: true}.Payload(), link.sent[0].Payload)
	})

	t.Run("timestamped values", func(t *testing.T) {
		var payload []byte
		payload = binary.LittleEndian.AppendUint32(payload, 1000)
		payload = binary.LittleEndian.AppendUint16(payload, 300)
		payload = binary.LittleEndian.AppendUint32(payload, 1020)
		payload = binary.LittleEndian.AppendUint16(payload, 301)
		link := &fakeLink{replies: []result{ok(payload...)}}

		got, err := NewSonar(link).ReadN(ctx, 2, ReadOptions{Raw: true, Timestamps: true, Randomized: true})
		require.NoError(t, err)
		want := []Reading{
			{Value: 300, Timestamp: 1000, HasTimestamp: true},
			{Value: 301, Timestamp: 1020, HasTimestamp: true},
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("readings mismatch (-want +got):\n%s", diff)
		}
		assert.Equal(t, protocol.Sonar, link.sent[0].Subsystem)
	})

	t.Run("zero readings", func(t *testing.T) {
		link := &fakeLink{replies: []result{ok()}}
		got, err := NewSonar(link).ReadN(ctx, 0, ReadOptions{Raw: true})
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("length mismatch", func(t *testing.T) {
		link := &fakeLink{replies: []result{ok(le16(1, 2)...)}}
		_, err := NewSonar(link).ReadN(ctx, 3, ReadOptions{Raw: true})
		assert.ErrorIs(t, err, protocol.ErrMalformedFrame)
	})

	t.Run("argument errors do no io", func(t *testing.T) {
		tests := []struct {
			n    int
			opts ReadOptions
			want error
		}{
			{-1, ReadOptions{Raw: true}, ErrInvalidArgument},
			{MaxReadings + 1, ReadOptions{Raw: true}, ErrInvalidArgument},
			{5, ReadOptions{}, ErrUnsupportedCombination},
			{5, ReadOptions{Timestamps: true}, ErrUnsupportedCombination},
			{20000, ReadOptions{Raw: true, Timestamps: true}, ErrInvalidArgument},
		}
		for _, tt := range tests {
			link := &fakeLink{}
			_, err := NewInfrared(link).ReadN(ctx, tt.n, tt.opts)
			assert.ErrorIs(t, err, tt.want)
			assert.Empty(t, link.sent)
		}
	})
}
