// Package task drives one secret through probe, install and refresh.
package task

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/brizzbuzz/opnix/internal/config"
	"github.com/brizzbuzz/opnix/internal/logging"
	"github.com/brizzbuzz/opnix/internal/probe"
	"github.com/brizzbuzz/opnix/internal/secrets"
)

// State is a step of the per-secret state machine.
type State int

const (
	Waiting State = iota
	ProbingConnectivity
	Installing
	Installed
	Refreshing
	Failed
)

func (s State) String() string {
	switch s {
	case Waiting:
		return "waiting"
	case ProbingConnectivity:
		return "probing"
	case Installing:
		return "installing"
	case Installed:
		return "installed"
	case Refreshing:
		return "refreshing"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// States lists every state in transition order.
var States = []State{Waiting, ProbingConnectivity, Installing, Installed, Refreshing, Failed}

// Store is a secret store connection good for one cycle.
type Store interface {
	probe.Checker
	secrets.Fetcher
}

// Connector opens a Store. It is called at the start of every cycle so the
// credential file is re-read each time.
type Connector func(ctx context.Context) (Store, error)

type Prober interface {
	Probe(ctx context.Context, c probe.Checker) error
}

type Installer interface {
	Install(ctx context.Context, spec config.SecretSpec, store secrets.Fetcher) error
}

// Waiter blocks until the next refresh is due.
type Waiter interface {
	Wait(ctx context.Context) error
}

// Registrar receives the first successful install.
type Registrar interface {
	Register(id string) error
}

// Observer is told about every transition.
type Observer func(id string, from, to State)

// Options wires a Task. Refresh and Barrier may be nil.
type Options struct {
	Spec      config.SecretSpec
	Prober    Prober
	Installer Installer
	Connect   Connector
	Refresh   Waiter
	Barrier   Registrar

	// StartTimeout bounds the first probe and install. Zero disables it.
	StartTimeout time.Duration
	Observers    []Observer
	Logger       *zap.SugaredLogger
}

// Task owns the state of a single secret. Nothing is persisted between
// runs: every Run starts in Waiting.
type Task struct {
	id   string
	opts Options

	mu    sync.Mutex
	state State

	registered bool
}

func New(opts Options) *Task {
	id := opts.Spec.ID()
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	opts.Logger = logging.ForTask(opts.Logger, id)
	return &Task{
		id:    id,
		opts:  opts,
		state: Waiting,
	}
}

// ID returns the task identity.
func (t *Task) ID() string {
	return t.id
}

// Refreshes reports whether the task loops after installing.
func (t *Task) Refreshes() bool {
	return t.opts.Refresh != nil
}

// State returns the current state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Run executes the state machine. Without a refresh schedule it returns
// nil after the first successful install. With one it loops until ctx is
// cancelled while waiting, which also returns nil. Any probe or install
// failure ends the run with that error.
func (t *Task) Run(ctx context.Context) error {
	t.transition(Waiting)

	first := true
	for {
		if err := t.cycle(ctx, first); err != nil {
			t.transition(Failed)
			t.opts.Logger.Errorw("secret provisioning failed", "state", Failed, "err", err)
			return err
		}
		first = false

		t.transition(Installed)
		t.register()

		if t.opts.Refresh == nil {
			return nil
		}

		t.transition(Refreshing)
		if err := t.opts.Refresh.Wait(ctx); err != nil {
			t.opts.Logger.Infow("refresh stopped", "reason", err)
			return nil
		}
	}
}

func (t *Task) cycle(ctx context.Context, first bool) error {
	if first && t.opts.StartTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.StartTimeout)
		defer cancel()
	}

	log := t.opts.Logger.With("cycle", uuid.NewString())

	t.transition(ProbingConnectivity)
	store, err := t.opts.Connect(ctx)
	if err != nil {
		return err
	}
	if err := t.opts.Prober.Probe(ctx, store); err != nil {
		return err
	}

	t.transition(Installing)
	start := time.Now()
	if err := t.opts.Installer.Install(ctx, t.opts.Spec, store); err != nil {
		return err
	}
	log.Debugw("install cycle finished", "took", time.Since(start))
	return nil
}

func (t *Task) register() {
	if t.registered || t.opts.Barrier == nil {
		return
	}
	if err := t.opts.Barrier.Register(t.id); err != nil {
		t.opts.Logger.Warnw("barrier rejected task", "err", err)
		return
	}
	t.registered = true
}

func (t *Task) transition(to State) {
	t.mu.Lock()
	from := t.state
	t.state = to
	t.mu.Unlock()

	t.opts.Logger.Debugw("state changed", "from", from, "to", to)
	for _, observe := range t.opts.Observers {
		observe(t.id, from, to)
	}
}
