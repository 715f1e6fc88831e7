package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/roach88/questflow/internal/answer"
	"github.com/roach88/questflow/internal/draft"
	"github.com/roach88/questflow/internal/session"
)

// Operation names recorded by FakeClient.
const (
	OpCreate = "create"
	OpPush   = "push"
	OpPull   = "pull"
	OpAttach = "attach"
)

// Call is one recorded FakeClient invocation.
type Call struct {
	Op      string
	Handle  draft.Handle
	Answers answer.Set
}

// FakeClient is an in-memory session.Client.
//
// Sessions created through it are remembered; pushing or pulling an
// unknown handle fails with NOT_FOUND. Errors queued with FailNext are
// returned, one per call, before any state change.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type FakeClient struct {
	mu       sync.Mutex
	calls    []Call
	sessions map[draft.Handle]answer.Set
	attached map[draft.Handle]bool
	failures map[string][]error
	gates    map[string]chan struct{}
	waiting  map[string]int
	created  int
}

var _ session.Client = (*FakeClient)(nil)

// NewFakeClient creates an empty fake.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		sessions: make(map[draft.Handle]answer.Set),
		attached: make(map[draft.Handle]bool),
		failures: make(map[string][]error),
		gates:    make(map[string]chan struct{}),
		waiting:  make(map[string]int),
	}
}

// HandleN returns the handle the fake assigns to its n-th created session,
// counting from 1.
func HandleN(n int) draft.Handle {
	return draft.Handle(fmt.Sprintf("00000000-0000-7000-8000-%012d", n))
}

// NetworkError builds a retryable client error.
func NetworkError(op string) error {
	return &session.Error{Code: session.CodeNetwork, Op: op, Err: errors.New("connection refused")}
}

// RejectedError builds a non-retryable client error.
func RejectedError(op string) error {
	return &session.Error{Code: session.CodeRejected, Op: op, Status: 400, Err: errors.New("bad request")}
}

// FailNext queues errs to be returned by the next calls to op.
func (c *FakeClient) FailNext(op string, errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[op] = append(c.failures[op], errs...)
}

// Gate makes calls to op block until the returned release function is
// called or the call's context ends.
func (c *FakeClient) Gate(op string) (release func()) {
	ch := make(chan struct{})
	c.mu.Lock()
	c.gates[op] = ch
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.gates, op)
			c.mu.Unlock()
			close(ch)
		})
	}
}

// Waiting returns how many calls to op are blocked on a gate.
func (c *FakeClient) Waiting(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waiting[op]
}

// Seed registers an existing remote session.
func (c *FakeClient) Seed(h draft.Handle, answers answer.Set) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[h] = answers.Clone()
}

// Drop forgets a session, as if it expired on the server.
func (c *FakeClient) Drop(h draft.Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, h)
	delete(c.attached, h)
}

// Session returns the server-side answers for h.
func (c *FakeClient) Session(h draft.Handle) (answer.Set, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.sessions[h]
	return a.Clone(), ok
}

// Attached reports whether h was attached.
func (c *FakeClient) Attached(h draft.Handle) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attached[h]
}

// Calls returns every recorded call in order.
func (c *FakeClient) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Call, len(c.calls))
	copy(out, c.calls)
	return out
}

// CallsTo returns the recorded calls to op in order.
func (c *FakeClient) CallsTo(op string) []Call {
	var out []Call
	for _, call := range c.Calls() {
		if call.Op == op {
			out = append(out, call)
		}
	}
	return out
}

// CreateSession implements session.Client.
func (c *FakeClient) CreateSession(ctx context.Context, seed answer.Set) (draft.Handle, error) {
	if err := c.enter(ctx, OpCreate, "", seed); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.created++
	h := HandleN(c.created)
	c.sessions[h] = seed.Clone()
	return h, nil
}

// PushDraft implements session.Client.
func (c *FakeClient) PushDraft(ctx context.Context, h draft.Handle, answers answer.Set) error {
	if err := c.enter(ctx, OpPush, h, answers); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sessions[h]; !ok {
		return notFound("push draft")
	}
	c.sessions[h] = answers.Clone()
	return nil
}

// PullDraft implements session.Client.
func (c *FakeClient) PullDraft(ctx context.Context, h draft.Handle) (draft.Record, error) {
	if err := c.enter(ctx, OpPull, h, nil); err != nil {
		return draft.Record{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.sessions[h]
	if !ok {
		return draft.Record{}, notFound("pull draft")
	}
	return draft.Record{Handle: h, Answers: a.Clone(), UpdatedAt: time.Time{}}, nil
}

// Attach implements session.Client.
func (c *FakeClient) Attach(ctx context.Context, h draft.Handle) error {
	if err := c.enter(ctx, OpAttach, h, nil); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sessions[h]; !ok {
		return notFound("attach")
	}
	if c.attached[h] {
		return &session.Error{Code: session.CodeAlreadyAttached, Op: "attach", Status: 409, Err: errors.New("already attached")}
	}
	c.attached[h] = true
	return nil
}

// enter records the call, waits on any gate and pops a queued failure.
func (c *FakeClient) enter(ctx context.Context, op string, h draft.Handle, answers answer.Set) error {
	c.mu.Lock()
	c.calls = append(c.calls, Call{Op: op, Handle: h, Answers: answers.Clone()})
	gate := c.gates[op]
	if gate != nil {
		c.waiting[op]++
	}
	c.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
		}
		c.mu.Lock()
		c.waiting[op]--
		c.mu.Unlock()
		if err := ctx.Err(); err != nil {
			return &session.Error{Code: session.CodeNetwork, Op: op, Err: err}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if q := c.failures[op]; len(q) > 0 {
		c.failures[op] = q[1:]
		return q[0]
	}
	return nil
}

func notFound(op string) error {
	return &session.Error{Code: session.CodeNotFound, Op: op, Status: 404, Err: errors.New("session not found")}
}
