// Package questionnaire ties the step graph, local draft, autosave loop,
// attach protocol and hydration together for one questionnaire run.
//
// A Run is the explicit context object for a single user's pass through a
// questionnaire. Everything it needs is passed in Deps; nothing is held in
// package state. Init acquires the autosave loop and Dispose releases it.
package questionnaire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/questflow/internal/answer"
	"github.com/roach88/questflow/internal/attach"
	"github.com/roach88/questflow/internal/autosave"
	"github.com/roach88/questflow/internal/draft"
	"github.com/roach88/questflow/internal/hydrate"
	"github.com/roach88/questflow/internal/session"
	"github.com/roach88/questflow/internal/stepgraph"
)

var (
	ErrNotInitialized = errors.New("questionnaire run not initialized")
	ErrAlreadyStarted = errors.New("questionnaire run already initialized")
	ErrDisposed       = errors.New("questionnaire run disposed")
)

// Deps are the collaborators of a Run.
type Deps struct {
	Graph  *stepgraph.Graph
	Drafts *draft.Store
	Client session.Client
	Auth   session.AuthState

	// Profiles is optional; without it hydration never uses a profile.
	Profiles hydrate.ProfileSource

	// DateFields restricts date normalization during hydration.
	DateFields []string

	// Autosave options, e.g. a fake clock, a journal or timing config.
	Autosave []autosave.Option
}

// Run is one questionnaire pass.
type Run struct {
	graph    *stepgraph.Graph
	drafts   *draft.Store
	coord    *autosave.Coordinator
	attacher *attach.Orchestrator
	resolver *hydrate.Resolver

	mu       sync.RWMutex
	answers  answer.Set
	source   hydrate.Source
	started  bool
	disposed bool
	cancel   context.CancelFunc
	loopDone chan struct{}
}

// New validates deps and returns an uninitialized Run.
func New(deps Deps) (*Run, error) {
	switch {
	case deps.Graph == nil:
		return nil, errors.New("questionnaire: graph is required")
	case deps.Drafts == nil:
		return nil, errors.New("questionnaire: draft store is required")
	case deps.Client == nil:
		return nil, errors.New("questionnaire: session client is required")
	case deps.Auth == nil:
		return nil, errors.New("questionnaire: auth state is required")
	}

	var hopts []hydrate.Option
	if len(deps.DateFields) > 0 {
		hopts = append(hopts, hydrate.WithDateFields(deps.DateFields...))
	}

	return &Run{
		graph:    deps.Graph,
		drafts:   deps.Drafts,
		coord:    autosave.New(deps.Drafts, deps.Client, deps.Auth, deps.Autosave...),
		attacher: attach.New(deps.Drafts, deps.Client),
		resolver: hydrate.New(deps.Drafts, deps.Auth, deps.Profiles, hopts...),
		answers:  answer.New(),
	}, nil
}

// Init hydrates the starting answers and starts the autosave loop. The
// loop outlives ctx; stop it with Dispose.
func (r *Run) Init(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.disposed {
		return ErrDisposed
	}
	if r.started {
		return ErrAlreadyStarted
	}

	res, err := r.resolver.Resolve(ctx)
	if err != nil {
		return fmt.Errorf("hydrate: %w", err)
	}
	r.answers = res.Answers
	r.source = res.Source

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel
	r.loopDone = make(chan struct{})
	go func() {
		defer close(r.loopDone)
		if err := r.coord.Run(loopCtx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("autosave loop stopped", "error", err)
		}
	}()
	r.started = true

	slog.Info("questionnaire run started", "questionnaire", r.graph.Name(), "source", res.Source)
	return nil
}

// Dispose stops the autosave loop, letting an in-flight sync finish.
// It is safe to call more than once, and before Init.
func (r *Run) Dispose() {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return
	}
	r.disposed = true
	started := r.started
	r.mu.Unlock()

	r.coord.Close()
	if started {
		<-r.loopDone
		r.cancel()
	}
}

// Source reports where the starting answers came from.
func (r *Run) Source() hydrate.Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.source
}

// Answers returns a copy of the current answers.
func (r *Run) Answers() answer.Set {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.answers.Clone()
}

// Set records one answer. The local draft is written before Set returns;
// remote sync follows the autosave cycle.
func (r *Run) Set(ctx context.Context, key string, value any) error {
	return r.update(ctx, func(a answer.Set) answer.Set {
		return a.With(key, value)
	})
}

// Merge records several answers at once.
func (r *Run) Merge(ctx context.Context, values answer.Set) error {
	return r.update(ctx, func(a answer.Set) answer.Set {
		out := a.Clone()
		for k, v := range values {
			out[k] = v
		}
		return out
	})
}

// update holds r.mu across Edit so concurrent writers reach the autosave
// loop in the order their answers were applied.
func (r *Run) update(ctx context.Context, fn func(answer.Set) answer.Set) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.liveLocked(); err != nil {
		return err
	}
	next := fn(r.answers)
	r.answers = next
	return r.coord.Edit(ctx, next)
}

func (r *Run) liveLocked() error {
	if r.disposed {
		return ErrDisposed
	}
	if !r.started {
		return ErrNotInitialized
	}
	return nil
}

// First returns the first step for the current answers.
func (r *Run) First() stepgraph.StepID {
	return r.graph.First(r.Answers())
}

// Next resolves the step after current.
func (r *Run) Next(current stepgraph.StepID) (stepgraph.StepID, error) {
	return r.graph.Next(current, r.Answers())
}

// Previous resolves the step before current.
func (r *Run) Previous(current stepgraph.StepID) (stepgraph.StepID, error) {
	return r.graph.Previous(current, r.Answers())
}

// Path returns the forward path for the current answers.
func (r *Run) Path() ([]stepgraph.StepID, error) {
	return r.graph.Path(r.Answers())
}

// OnAuthenticated runs the attach protocol for a login or registration.
// The outcome is informational; it never undoes the login.
func (r *Run) OnAuthenticated(ctx context.Context) attach.Outcome {
	return r.attacher.OnAuthenticated(ctx)
}

// Complete flushes pending edits and marks the questionnaire completed so
// that later runs do not resume the draft.
func (r *Run) Complete(ctx context.Context) error {
	r.mu.RLock()
	err := r.liveLocked()
	r.mu.RUnlock()
	if err != nil {
		return err
	}

	r.coord.Flush()
	if err := r.drafts.SetCompleted(ctx, true); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return nil
}

// Status returns the autosave status.
func (r *Run) Status() autosave.Status {
	return r.coord.Status()
}

// Settled reports whether autosave has no pending work.
func (r *Run) Settled() bool {
	return r.coord.Settled()
}

// Quiescent reports whether autosave is only waiting on its timers.
func (r *Run) Quiescent() bool {
	return r.coord.Quiescent()
}

// Flush starts any pending remote sync now.
func (r *Run) Flush() {
	r.coord.Flush()
}

// WaitSettled blocks until autosave has no pending work or ctx ends.
func (r *Run) WaitSettled(ctx context.Context) error {
	return r.coord.WaitSettled(ctx)
}
