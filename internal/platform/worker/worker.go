// Package worker runs fire-and-forget background tasks that must report
// exactly one outcome each, even when they panic or the process shuts down.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

var (
	ErrRunnerClosed = errors.New("worker runner is shut down")
	ErrTaskPanicked = errors.New("task panicked")
)

// DefaultCallbackTimeout bounds the completion callback of a task.
const DefaultCallbackTimeout = 10 * time.Second

// Task is a unit of background work. Run is called once on its own goroutine.
// OnComplete is always called exactly once with Run's error (nil on success),
// ErrTaskPanicked if Run panicked, or ErrRunnerClosed if the task was spawned
// after Shutdown. The context passed to OnComplete is not cancelled by
// Shutdown.
type Task struct {
	Name       string
	Timeout    time.Duration
	Run        func(ctx context.Context) error
	OnComplete func(ctx context.Context, err error)
}

// Runner tracks spawned tasks so they can be drained on shutdown.
type Runner struct {
	logger          zerolog.Logger
	callbackTimeout time.Duration

	mu     sync.Mutex
	closed bool
	wg     conc.WaitGroup

	ctx      context.Context
	cancel   context.CancelFunc
	inFlight atomic.Int64
}

func NewRunner(logger zerolog.Logger) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		logger:          logger.With().Str("component", "worker").Logger(),
		callbackTimeout: DefaultCallbackTimeout,
		ctx:             ctx,
		cancel:          cancel,
	}
}

// SetCallbackTimeout overrides DefaultCallbackTimeout.
func (r *Runner) SetCallbackTimeout(d time.Duration) {
	if d > 0 {
		r.callbackTimeout = d
	}
}

// InFlight returns the number of tasks that have not finished yet.
func (r *Runner) InFlight() int {
	return int(r.inFlight.Load())
}

// Spawn starts t in the background. After Shutdown has begun the task is not
// run; its OnComplete receives ErrRunnerClosed and Spawn returns the same
// error.
func (r *Runner) Spawn(t Task) error {
	if t.Run == nil {
		return fmt.Errorf("task %q has no run function", t.Name)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.logger.Warn().Str("task", t.Name).Msg("task rejected after shutdown")
		r.complete(t, ErrRunnerClosed)
		return ErrRunnerClosed
	}
	r.inFlight.Add(1)
	r.wg.Go(func() {
		defer r.inFlight.Add(-1)
		r.run(t)
	})
	r.mu.Unlock()
	return nil
}

func (r *Runner) run(t Task) {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if t.Timeout > 0 {
		ctx, cancel = context.WithTimeout(r.ctx, t.Timeout)
	} else {
		ctx, cancel = context.WithCancel(r.ctx)
	}
	defer cancel()

	start := time.Now()
	var err error
	var pc panics.Catcher
	pc.Try(func() { err = t.Run(ctx) })
	if rec := pc.Recovered(); rec != nil {
		r.logger.Error().
			Str("task", t.Name).
			Str("panic", fmt.Sprintf("%v", rec.Value)).
			Str("stack", string(rec.Stack)).
			Msg("task panic recovered")
		err = fmt.Errorf("%w: %v", ErrTaskPanicked, rec.Value)
	}

	evt := r.logger.Debug()
	if err != nil {
		evt = r.logger.Warn().Err(err)
	}
	evt.Str("task", t.Name).Dur("duration", time.Since(start)).Msg("task finished")

	r.complete(t, err)
}

// complete invokes the task callback on a context detached from shutdown
// cancellation.
func (r *Runner) complete(t Task, err error) {
	if t.OnComplete == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), r.callbackTimeout)
	defer cancel()

	var pc panics.Catcher
	pc.Try(func() { t.OnComplete(ctx, err) })
	if rec := pc.Recovered(); rec != nil {
		r.logger.Error().
			Str("task", t.Name).
			Str("panic", fmt.Sprintf("%v", rec.Value)).
			Msg("completion callback panicked")
	}
}

// Shutdown stops accepting tasks and waits for in-flight ones. When ctx
// expires first, the remaining tasks have their contexts cancelled and
// Shutdown waits up to the callback timeout for them to record their
// outcome before returning ctx's error.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.logger.Warn().Int("in_flight", r.InFlight()).Msg("shutdown deadline reached, cancelling tasks")
		r.cancel()

		grace := time.NewTimer(r.callbackTimeout)
		defer grace.Stop()
		select {
		case <-done:
		case <-grace.C:
			r.logger.Error().Int("in_flight", r.InFlight()).Msg("cancelled tasks did not finish")
		}
		return ctx.Err()
	}
}
