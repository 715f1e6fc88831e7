// Package attach binds an anonymous remote session to the account that
// just authenticated.
//
// OnAuthenticated runs once per authentication event. It is a no-op
// unless a session handle is stored and the attach flag is pending. On
// success, or when the server reports the session already belongs to the
// caller, the flag is cleared; the handle is left in place. When the
// remote session no longer exists both are cleared. Any other failure
// leaves the flag set for the next authentication event and is never
// retried inline.
package attach

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/roach88/questflow/internal/draft"
	"github.com/roach88/questflow/internal/metrics"
	"github.com/roach88/questflow/internal/session"
)

// Result classifies one OnAuthenticated call.
type Result int

const (
	// Skipped means there was nothing to attach; no network call was made.
	Skipped Result = iota
	Attached
	// AlreadyAttached means the server already had the session bound to
	// this account. Treated as success.
	AlreadyAttached
	// Failed means the attach call failed; the flag stays pending.
	Failed
)

func (r Result) String() string {
	switch r {
	case Skipped:
		return "skipped"
	case Attached:
		return "attached"
	case AlreadyAttached:
		return "already_attached"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// Outcome is reported instead of an error so that a failed attach can
// never reverse a successful login.
type Outcome struct {
	Result Result
	Handle draft.Handle

	// Err is the failure when Result is Failed. It may also be set with
	// Attached when the remote call succeeded but clearing the local flag
	// did not; the next event then sees ALREADY_ATTACHED.
	Err error
}

// Client is the subset of session.Client the orchestrator needs.
type Client interface {
	Attach(ctx context.Context, h draft.Handle) error
}

// Orchestrator runs the attach protocol.
type Orchestrator struct {
	drafts *draft.Store
	client Client
	group  singleflight.Group
}

// New returns an Orchestrator.
func New(drafts *draft.Store, client Client) *Orchestrator {
	return &Orchestrator{drafts: drafts, client: client}
}

// OnAuthenticated attaches the stored session if one is pending.
// Concurrent calls share a single attempt.
func (o *Orchestrator) OnAuthenticated(ctx context.Context) Outcome {
	v, _, _ := o.group.Do("attach", func() (any, error) {
		return o.run(ctx), nil
	})

	out, ok := v.(Outcome)
	if !ok {
		return Outcome{Result: Failed, Err: fmt.Errorf("unexpected type from attach group: got %T", v)}
	}
	return out
}

func (o *Orchestrator) run(ctx context.Context) Outcome {
	out := o.attempt(ctx)
	metrics.Attach(out.Result.String())

	switch out.Result {
	case Skipped:
		slog.Debug("attach skipped: nothing pending")
	case Failed:
		slog.Warn("attach failed, will retry on next login", "session_uuid", out.Handle, "error", out.Err)
	default:
		slog.Info("session attached", "session_uuid", out.Handle, "result", out.Result)
	}
	return out
}

func (o *Orchestrator) attempt(ctx context.Context) Outcome {
	h, ok, err := o.drafts.SessionHandle(ctx)
	if err != nil {
		return Outcome{Result: Failed, Err: fmt.Errorf("read session handle: %w", err)}
	}
	if !ok {
		return Outcome{Result: Skipped}
	}

	pending, err := o.drafts.AttachPending(ctx)
	if err != nil {
		return Outcome{Result: Failed, Handle: h, Err: fmt.Errorf("read attach flag: %w", err)}
	}
	if !pending {
		return Outcome{Result: Skipped, Handle: h}
	}

	result := Attached
	if err := o.client.Attach(ctx, h); err != nil {
		if session.IsNotFound(err) {
			return o.forget(ctx, h, err)
		}
		if !session.IsAlreadyAttached(err) {
			return Outcome{Result: Failed, Handle: h, Err: err}
		}
		result = AlreadyAttached
	}

	out := Outcome{Result: result, Handle: h}
	if err := o.drafts.SetAttachPending(ctx, false); err != nil {
		out.Err = fmt.Errorf("clear attach flag: %w", err)
	}
	return out
}

// forget drops a handle whose remote session no longer exists. With no
// remote data left to attach the flag is cleared, and the next autosave
// creates a session bound to the account.
func (o *Orchestrator) forget(ctx context.Context, h draft.Handle, cause error) Outcome {
	out := Outcome{Result: Failed, Handle: h, Err: cause}
	if err := o.drafts.ClearSessionHandle(ctx); err != nil {
		out.Err = fmt.Errorf("%w; clear session handle: %w", cause, err)
		return out
	}
	if err := o.drafts.SetAttachPending(ctx, false); err != nil {
		out.Err = fmt.Errorf("%w; clear attach flag: %w", cause, err)
	}
	slog.Info("remote session gone, dropped local handle", "session_uuid", h)
	return out
}
