package retrain

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryStartIsSingleFlight(t *testing.T) {
	release := make(chan struct{})
	var runs atomic.Int32
	job := New(func(context.Context) error {
		runs.Add(1)
		<-release
		return nil
	}, zerolog.Nop())

	require.True(t, job.TryStart(context.Background(), nil))
	assert.Eventually(t, job.InFlight, time.Second, time.Millisecond)

	// refused while running
	assert.False(t, job.TryStart(context.Background(), nil))
	assert.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, time.Millisecond)

	close(release)
	assert.Eventually(t, func() bool { return !job.InFlight() }, time.Second, time.Millisecond)

	// a fresh run is allowed after completion
	assert.True(t, job.TryStart(context.Background(), nil))
	assert.Eventually(t, func() bool { return runs.Load() == 2 }, time.Second, time.Millisecond)
}

func TestOnExitSeesResultBeforeFlagClears(t *testing.T) {
	wantErr := errors.New("trainer failed")
	observed := make(chan error, 1)
	job := New(func(context.Context) error { return wantErr }, zerolog.Nop())

	require.True(t, job.TryStart(context.Background(), func(err error) {
		// still in flight from the trigger path's point of view
		assert.True(t, job.InFlight())
		observed <- err
	}))

	select {
	case err := <-observed:
		assert.ErrorIs(t, err, wantErr)
	case <-time.After(time.Second):
		t.Fatal("onExit never ran")
	}
}

func TestPanicBecomesError(t *testing.T) {
	observed := make(chan error, 1)
	job := New(func(context.Context) error { panic("boom") }, zerolog.Nop())

	require.True(t, job.TryStart(context.Background(), func(err error) { observed <- err }))

	select {
	case err := <-observed:
		var pe *PanicError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, "boom", pe.Value)
	case <-time.After(time.Second):
		t.Fatal("onExit never ran")
	}
}

func TestNilRunFnRefuses(t *testing.T) {
	job := New(nil, zerolog.Nop())
	assert.False(t, job.TryStart(context.Background(), nil))
}
