// Package supervisor is the outer retry tier: it restarts tasks according
// to an explicit policy, separate from the bounded retry inside a task.
package supervisor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Policy decides whether a unit is started again after it exits.
type Policy int

const (
	// OnFailure restarts only after a failed run.
	OnFailure Policy = iota
	// Always restarts after every run, successful or not.
	Always
)

func (p Policy) String() string {
	if p == Always {
		return "always"
	}
	return "on-failure"
}

// PolicyFor returns Always for refreshing secrets and OnFailure otherwise.
func PolicyFor(refreshes bool) Policy {
	if refreshes {
		return Always
	}
	return OnFailure
}

// ShouldRestart reports whether a run that ended with err is restarted.
func (p Policy) ShouldRestart(err error) bool {
	return p == Always || err != nil
}

// Unit is one supervised task.
type Unit struct {
	ID     string
	Policy Policy
	Run    func(ctx context.Context) error
}

// Exit describes one finished run, reported to observers.
type Exit struct {
	ID         string
	Run        int
	Err        error
	Restarting bool
}

// Supervisor runs units concurrently and restarts them by policy.
type Supervisor struct {
	backoff      time.Duration
	precondition func(ctx context.Context) error
	observers    []func(Exit)
	logger       *zap.SugaredLogger
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithPrecondition gates every start of every unit. A unit does not start
// until fn returns nil.
func WithPrecondition(fn func(ctx context.Context) error) Option {
	return func(s *Supervisor) {
		s.precondition = fn
	}
}

// WithExitObserver registers a callback for every finished run.
func WithExitObserver(fn func(Exit)) Option {
	return func(s *Supervisor) {
		s.observers = append(s.observers, fn)
	}
}

// New returns a Supervisor waiting backoff between restarts.
func New(backoff time.Duration, logger *zap.SugaredLogger, opts ...Option) *Supervisor {
	s := &Supervisor{
		backoff: backoff,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run starts every unit in its own goroutine and returns once all of them
// have stopped: either their policy said not to restart, or ctx is done.
func (s *Supervisor) Run(ctx context.Context, units []Unit) {
	var wg sync.WaitGroup
	for _, u := range units {
		wg.Add(1)
		go func(u Unit) {
			defer wg.Done()
			s.supervise(ctx, u)
		}(u)
	}
	wg.Wait()
}

func (s *Supervisor) supervise(ctx context.Context, u Unit) {
	log := s.logger.With("task", u.ID, "restart", u.Policy)

	for run := 1; ; run++ {
		if s.precondition != nil {
			if err := s.precondition(ctx); err != nil {
				log.Warnw("precondition not met, not starting", "err", err)
				return
			}
		}

		err := u.Run(ctx)
		stopping := ctx.Err() != nil
		restart := !stopping && u.Policy.ShouldRestart(err)

		for _, observe := range s.observers {
			observe(Exit{ID: u.ID, Run: run, Err: err, Restarting: restart})
		}

		switch {
		case stopping:
			log.Infow("task stopped", "runs", run)
			return
		case !restart:
			log.Infow("task finished", "runs", run)
			return
		case err != nil:
			log.Warnw("task failed, restarting", "run", run, "backoff", s.backoff, "err", err)
		default:
			log.Debugw("task exited, restarting", "run", run, "backoff", s.backoff)
		}

		select {
		case <-ctx.Done():
			log.Infow("task stopped", "runs", run)
			return
		case <-time.After(s.backoff):
		}
	}
}
