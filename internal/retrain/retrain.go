// Package retrain runs the model retraining job: exclusive with
// itself, observed to completion, never blocking the trading path.
package retrain

import (
	"context"
	"os/exec"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Job wraps one retrain command. TryStart is single-flight: a second
// trigger while a run is in progress is refused.
type Job struct {
	runFn    func(ctx context.Context) error
	log      zerolog.Logger
	inFlight atomic.Bool
}

// New builds a job around an injected run function.
func New(runFn func(ctx context.Context) error, log zerolog.Logger) *Job {
	return &Job{runFn: runFn, log: log.With().Str("component", "retrain").Logger()}
}

// NewCommand builds a job that shells out to an external trainer.
func NewCommand(log zerolog.Logger, name string, args ...string) *Job {
	return New(func(ctx context.Context) error {
		cmd := exec.CommandContext(ctx, name, args...)
		return cmd.Run()
	}, log)
}

// InFlight reports whether a run is currently in progress.
func (j *Job) InFlight() bool { return j.inFlight.Load() }

// TryStart launches the job in the background if none is running.
// onExit observes the result exactly once per started job and runs
// before the in-flight flag clears, so a baseline recorded there is
// visible to the next trigger check.
func (j *Job) TryStart(ctx context.Context, onExit func(err error)) bool {
	if j.runFn == nil {
		return false
	}
	if !j.inFlight.CompareAndSwap(false, true) {
		return false
	}
	j.log.Info().Msg("retrain started")
	go func() {
		err := j.run(ctx)
		if err != nil {
			j.log.Warn().Err(err).Msg("retrain failed")
		} else {
			j.log.Info().Msg("retrain finished")
		}
		if onExit != nil {
			onExit(err)
		}
		j.inFlight.Store(false)
	}()
	return true
}

func (j *Job) run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return j.runFn(ctx)
}

// PanicError wraps a panic escaping the retrain function.
type PanicError struct{ Value any }

func (e *PanicError) Error() string { return "retrain panicked" }
