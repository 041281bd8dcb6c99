package orders

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/optiongate/internal/clock"
)

func TestRateGateSpacesSubmissions(t *testing.T) {
	fake := clock.NewFake(engineEpoch)
	gate := NewRateGate(time.Second, fake)
	ctx := context.Background()

	require.NoError(t, gate.Wait(ctx))

	passed := make(chan error, 1)
	go func() { passed <- gate.Wait(ctx) }()

	select {
	case err := <-passed:
		t.Fatalf("second wait returned early: %v", err)
	case <-time.After(30 * time.Millisecond):
	}

	fake.BlockUntil(1)
	fake.Advance(time.Second)
	select {
	case err := <-passed:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("second wait did not pass after the delay elapsed")
	}
}

func TestRateGateHonoursContext(t *testing.T) {
	fake := clock.NewFake(engineEpoch)
	gate := NewRateGate(time.Minute, fake)
	require.NoError(t, gate.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := gate.Wait(ctx)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestRateGateDisabled(t *testing.T) {
	gate := NewRateGate(0, clock.NewFake(engineEpoch))
	for i := 0; i < 5; i++ {
		require.NoError(t, gate.Wait(context.Background()))
	}
}

func TestSlotCounter(t *testing.T) {
	c := NewSlotCounter(2)
	require.False(t, c.Full())
	c.Acquire()
	c.Acquire()
	require.True(t, c.Full())
	require.Equal(t, int64(1), c.Release())
	require.False(t, c.Full())
	c.Release()
	require.Equal(t, int64(0), c.Release())

	unbounded := NewSlotCounter(0)
	for i := 0; i < 100; i++ {
		unbounded.Acquire()
	}
	require.False(t, unbounded.Full())

	capped := NewSlotCounter(1)
	require.True(t, capped.TryAcquire())
	require.False(t, capped.TryAcquire())
	require.Equal(t, int64(1), capped.Load())
	capped.Release()
	require.True(t, capped.TryAcquire())
}
