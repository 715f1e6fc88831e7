// Package hydrate picks the answers a questionnaire run starts from.
//
// Precedence, highest first:
//  1. the authenticated user's completed server-side profile, which
//     overrides any local draft;
//  2. the local draft, unless the questionnaire was completed;
//  3. an empty answer set.
//
// Date-shaped values from either source are normalized to YYYY-MM-DD so
// step predicates never see more than one date representation.
package hydrate

import (
	"context"
	"log/slog"

	"github.com/roach88/questflow/internal/answer"
	"github.com/roach88/questflow/internal/draft"
	"github.com/roach88/questflow/internal/metrics"
	"github.com/roach88/questflow/internal/session"
)

// Source names where hydrated answers came from.
type Source string

const (
	SourceProfile Source = "profile"
	SourceDraft   Source = "draft"
	SourceEmpty   Source = "empty"
)

// Result is the resolved starting state.
type Result struct {
	Answers answer.Set
	Source  Source
}

// ProfileSource fetches the authenticated account's profile.
// A nil profile with a nil error means none exists.
type ProfileSource interface {
	GetProfile(ctx context.Context) (*session.Profile, error)
}

// Resolver resolves starting answers.
type Resolver struct {
	drafts     *draft.Store
	auth       session.AuthState
	profiles   ProfileSource
	dateFields []string
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithDateFields restricts date normalization to the named fields. By
// default every top-level date-shaped value is normalized.
func WithDateFields(fields ...string) Option {
	return func(r *Resolver) {
		r.dateFields = fields
	}
}

// New returns a Resolver. profiles may be nil when no profile service is
// available.
func New(drafts *draft.Store, auth session.AuthState, profiles ProfileSource, opts ...Option) *Resolver {
	r := &Resolver{drafts: drafts, auth: auth, profiles: profiles}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the starting answers. Profile and storage failures
// degrade to the next source and are logged; the only error returned is
// ctx's.
func (r *Resolver) Resolve(ctx context.Context) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	if a, ok := r.fromProfile(ctx); ok {
		return r.done(a, SourceProfile), nil
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	if a, ok := r.fromDraft(ctx); ok {
		return r.done(a, SourceDraft), nil
	}

	return r.done(answer.New(), SourceEmpty), nil
}

func (r *Resolver) done(a answer.Set, src Source) Result {
	metrics.Hydration(string(src))
	slog.Debug("questionnaire hydrated", "source", src, "fields", len(a))
	return Result{Answers: answer.NormalizeDates(a, r.dateFields...), Source: src}
}

func (r *Resolver) fromProfile(ctx context.Context) (answer.Set, bool) {
	if r.profiles == nil || r.auth == nil || !r.auth.IsAuthenticated() {
		return nil, false
	}

	p, err := r.profiles.GetProfile(ctx)
	if err != nil {
		slog.Warn("profile fetch failed, falling back to local draft", "error", err)
		return nil, false
	}
	if p == nil || !p.Completed {
		return nil, false
	}
	return p.Answers, true
}

func (r *Resolver) fromDraft(ctx context.Context) (answer.Set, bool) {
	completed, err := r.drafts.Completed(ctx)
	if err != nil {
		slog.Warn("could not read completion flag", "error", err)
	}
	if completed {
		return nil, false
	}

	rec, ok, err := r.drafts.Load(ctx)
	if err != nil {
		slog.Warn("local draft unavailable", "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	return rec.Answers, true
}
