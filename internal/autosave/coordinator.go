package autosave

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/roach88/questflow/internal/answer"
	"github.com/roach88/questflow/internal/draft"
	"github.com/roach88/questflow/internal/metrics"
	"github.com/roach88/questflow/internal/session"
	"github.com/roach88/questflow/internal/store"
)

// ErrClosed is returned by Edit after Close.
var ErrClosed = errors.New("autosave coordinator closed")

// State is the coordinator's position in its cycle.
type State int

const (
	Idle State = iota
	Debouncing
	Syncing
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Debouncing:
		return "debouncing"
	case Syncing:
		return "syncing"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Cycle outcomes, as journaled and counted.
const (
	OutcomePushed   = "pushed"
	OutcomeSkipped  = "skipped"
	OutcomeNetwork  = "network_error"
	OutcomeRejected = "rejected"
	OutcomeStorage  = "storage_error"
)

// Status is a snapshot of the coordinator.
type Status struct {
	State State

	// Revision is the latest edit the loop has seen.
	Revision int64

	// SyncedRevision is the latest revision known to be on the server.
	SyncedRevision int64

	Handle draft.Handle

	// LocalOnly is set when no remote session could be created; edits are
	// kept locally and creation is retried on later cycles.
	LocalOnly bool

	// Notice asks the UI for a soft, dismissible "not saved remotely"
	// indicator.
	Notice bool

	RetryScheduled bool
	LastError      error
}

// Journal records cycle outcomes. *store.Store satisfies it.
type Journal interface {
	AppendSync(ctx context.Context, e store.SyncEntry) (int64, error)
}

// Config tunes timing.
type Config struct {
	// Debounce is the quiet period after the last edit before a sync.
	Debounce time.Duration

	// RetryInitialInterval is the first retry delay after a network failure.
	RetryInitialInterval time.Duration

	// RetryMaxAttempts bounds automatic retries per failure streak.
	RetryMaxAttempts int
}

// DefaultConfig returns a 400ms debounce and a single retry after 1s.
func DefaultConfig() Config {
	return Config{
		Debounce:             400 * time.Millisecond,
		RetryInitialInterval: time.Second,
		RetryMaxAttempts:     1,
	}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithConfig replaces the timing configuration.
func WithConfig(cfg Config) Option {
	return func(c *Coordinator) {
		c.cfg = cfg
	}
}

// WithClock replaces the wall clock, typically with a fake in tests.
func WithClock(clock Clock) Option {
	return func(c *Coordinator) {
		c.clock = clock
	}
}

// WithJournal records every cycle outcome.
func WithJournal(j Journal) Option {
	return func(c *Coordinator) {
		c.journal = j
	}
}

// WithStatusHook calls fn from the loop goroutine after every transition.
// fn must not block.
func WithStatusHook(fn func(Status)) Option {
	return func(c *Coordinator) {
		c.onStatus = fn
	}
}

// WithRevisionClock resumes revision numbering from an existing clock.
func WithRevisionClock(rc *RevisionClock) Option {
	return func(c *Coordinator) {
		c.revs = rc
	}
}

// syncResult is the outcome of the remote part of one cycle.
type syncResult struct {
	revision  int64
	hash      string
	handle    draft.Handle
	outcome   string
	err       error
	localOnly bool
	elapsed   time.Duration
}

// Coordinator debounces edits and keeps the remote draft in step with the
// local one.
//
// Edit writes through to the local draft store and enqueues. A single
// loop (Run) owns all state; the only concurrent work is the remote part
// of a sync, at most one at a time, reporting back through the queue.
type Coordinator struct {
	drafts   *draft.Store
	client   session.Client
	auth     session.AuthState
	clock    Clock
	cfg      Config
	journal  Journal
	onStatus func(Status)
	revs     *RevisionClock

	queue       *eventQueue
	outstanding atomic.Int64
	inflight    sync.WaitGroup
	started     atomic.Bool
	done        chan struct{}

	orphanMu sync.Mutex
	orphans  []*syncResult

	// saveMu orders local draft writes; savedRev is the newest revision
	// written, so an older set never replaces a newer one.
	saveMu   sync.Mutex
	savedRev int64

	// Loop-owned.
	state     State
	latest    answer.Set
	latestRev int64
	buffered  bool
	timerGen  int64
	stopTimer func() bool
	backoff   *backoff.ExponentialBackOff
	retries   int
	lastHash  string
	syncedRev int64
	handle    draft.Handle
	localOnly bool
	notice    bool
	lastErr   error
	closing   bool

	mu     sync.RWMutex
	status Status
}

// New returns a Coordinator. Call Run to start it.
func New(drafts *draft.Store, client session.Client, auth session.AuthState, opts ...Option) *Coordinator {
	c := &Coordinator{
		drafts: drafts,
		client: client,
		auth:   auth,
		clock:  SystemClock{},
		cfg:    DefaultConfig(),
		revs:   NewRevisionClock(),
		queue:  newEventQueue(),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.backoff = backoff.NewExponentialBackOff()
	c.backoff.InitialInterval = c.cfg.RetryInitialInterval
	c.backoff.RandomizationFactor = 0
	c.backoff.Multiplier = 2
	c.backoff.MaxInterval = 30 * time.Second
	c.backoff.Reset()

	return c
}

// Edit records a new full answer set. The local draft is written before
// Edit returns; the remote sync happens later. A local storage failure
// is returned but the edit is still scheduled for remote sync.
func (c *Coordinator) Edit(ctx context.Context, answers answer.Set) error {
	snapshot := answers.Clone()

	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	rev := c.revs.Next()
	saveErr := c.drafts.Save(ctx, snapshot)
	if saveErr != nil {
		slog.Warn("local draft save failed", "revision", rev, "error", saveErr)
	} else {
		c.savedRev = rev
	}

	if !c.enqueue(event{kind: eventEdit, answers: snapshot, revision: rev}) {
		return ErrClosed
	}
	return saveErr
}

// Flush fires a pending debounce or retry immediately.
func (c *Coordinator) Flush() {
	c.enqueue(event{kind: eventFlush})
}

// DismissNotice clears the soft failure indicator.
func (c *Coordinator) DismissNotice() {
	c.enqueue(event{kind: eventDismiss})
}

// Status returns the latest snapshot.
func (c *Coordinator) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Settled reports whether nothing is queued, debouncing, syncing or
// scheduled for retry.
func (c *Coordinator) Settled() bool {
	if c.outstanding.Load() != 0 {
		return false
	}
	st := c.Status()
	return (st.State == Idle || st.State == Error) && !st.RetryScheduled
}

// Quiescent reports whether nothing is queued and no sync is in flight.
// Unlike Settled it allows an armed debounce or retry timer.
func (c *Coordinator) Quiescent() bool {
	return c.outstanding.Load() == 0 && c.Status().State != Syncing
}

// WaitSettled polls until Settled or ctx ends.
func (c *Coordinator) WaitSettled(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for !c.Settled() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Close stops accepting edits, cancels timers and lets an in-flight sync
// finish. It blocks until Run returns when Run was started.
func (c *Coordinator) Close() {
	c.queue.Close()
	if c.started.Load() {
		<-c.done
	}
}

// Run processes events until ctx is cancelled or Close is called.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("autosave: Run called twice")
	}
	defer close(c.done)

	slog.Debug("autosave loop starting")
	for {
		for {
			e, ok := c.queue.TryDequeue()
			if !ok {
				break
			}
			c.handleEvent(ctx, e)
			c.outstanding.Add(-1)
		}

		select {
		case <-ctx.Done():
			slog.Debug("autosave loop stopping: context cancelled")
			c.shutdown(ctx)
			return ctx.Err()
		case _, open := <-c.queue.Wait():
			if !open {
				for {
					e, ok := c.queue.TryDequeue()
					if !ok {
						break
					}
					c.handleEvent(ctx, e)
					c.outstanding.Add(-1)
				}
				slog.Debug("autosave loop stopping: closed")
				c.shutdown(ctx)
				return nil
			}
		}
	}
}

func (c *Coordinator) enqueue(e event) bool {
	c.outstanding.Add(1)
	if !c.queue.Enqueue(e) {
		c.outstanding.Add(-1)
		return false
	}
	return true
}

func (c *Coordinator) handleEvent(ctx context.Context, e event) {
	switch e.kind {
	case eventEdit:
		c.latest = e.answers
		c.latestRev = e.revision
		if c.state == Syncing {
			c.buffered = true
			break
		}
		c.retries = 0
		c.backoff.Reset()
		c.state = Debouncing
		c.arm(eventDebounceFired, c.cfg.Debounce)

	case eventDebounceFired:
		if e.gen != c.timerGen || c.state != Debouncing {
			return
		}
		c.disarm()
		c.startSync(ctx)

	case eventRetryFired:
		if e.gen != c.timerGen || c.state != Error {
			return
		}
		c.disarm()
		c.startSync(ctx)

	case eventFlush:
		if c.state == Debouncing || (c.state == Error && c.stopTimer != nil) {
			c.disarm()
			c.startSync(ctx)
		}

	case eventDismiss:
		c.notice = false

	case eventSyncDone:
		c.finishSync(ctx, e.result)
	}

	c.publish()
}

// arm replaces any pending timer with one that enqueues kind after d.
func (c *Coordinator) arm(kind eventKind, d time.Duration) {
	c.disarm()
	gen := c.timerGen
	c.stopTimer = c.clock.AfterFunc(d, func() {
		c.enqueue(event{kind: kind, gen: gen})
	})
}

// disarm cancels the pending timer. Bumping the generation makes any
// already-fired event for it stale.
func (c *Coordinator) disarm() {
	if c.stopTimer != nil {
		c.stopTimer()
		c.stopTimer = nil
	}
	c.timerGen++
}

func (c *Coordinator) startSync(ctx context.Context) {
	answers, rev := c.latest, c.latestRev
	c.state = Syncing
	c.buffered = false
	c.publish()

	c.saveLocal(ctx, answers, rev)

	hash, err := answer.Hash(answers)
	if err != nil {
		c.finishSync(ctx, &syncResult{revision: rev, outcome: OutcomeRejected, err: err})
		return
	}
	if hash == c.lastHash {
		c.finishSync(ctx, &syncResult{revision: rev, hash: hash, handle: c.handle, outcome: OutcomeSkipped})
		return
	}

	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		c.deliver(c.syncRemote(ctx, answers, rev, hash))
	}()
}

// saveLocal retries the local write for rev when Edit could not make it.
// A revision at or below savedRev is already covered.
func (c *Coordinator) saveLocal(ctx context.Context, answers answer.Set, rev int64) {
	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	if rev <= c.savedRev {
		return
	}
	if err := c.drafts.Save(ctx, answers); err != nil {
		slog.Warn("local draft save failed before sync", "revision", rev, "error", err)
		return
	}
	c.savedRev = rev
}

// deliver posts a result to the loop. After Close the result is parked
// for shutdown to record.
func (c *Coordinator) deliver(res *syncResult) {
	if c.enqueue(event{kind: eventSyncDone, result: res}) {
		return
	}
	c.orphanMu.Lock()
	c.orphans = append(c.orphans, res)
	c.orphanMu.Unlock()
}

// syncRemote runs outside the loop. It touches only the draft store and
// the client.
func (c *Coordinator) syncRemote(ctx context.Context, answers answer.Set, rev int64, hash string) *syncResult {
	start := c.clock.Now()
	res := &syncResult{revision: rev, hash: hash}
	defer func() {
		res.elapsed = c.clock.Now().Sub(start)
	}()

	h, ok, err := c.drafts.SessionHandle(ctx)
	if err != nil {
		res.outcome, res.err = OutcomeStorage, err
		return res
	}
	if !ok {
		if h, err = c.createSession(ctx, answers); err != nil {
			res.outcome, res.err, res.localOnly = classify(err), err, true
			return res
		}
	}
	res.handle = h

	err = c.client.PushDraft(ctx, h, answers)
	if session.IsNotFound(err) {
		slog.Info("remote session missing, recreating", "session_uuid", h)
		if cerr := c.drafts.ClearSessionHandle(ctx); cerr != nil {
			slog.Warn("could not clear stale session handle", "error", cerr)
		}
		if h, err = c.createSession(ctx, answers); err != nil {
			res.handle = ""
			res.outcome, res.err, res.localOnly = classify(err), err, true
			return res
		}
		res.handle = h
		err = c.client.PushDraft(ctx, h, answers)
	}
	if err != nil {
		res.outcome, res.err = classify(err), err
		return res
	}

	res.outcome = OutcomePushed
	return res
}

// createSession creates and records a remote session. The attach flag is
// set only for anonymous users; an authenticated creation is already bound.
func (c *Coordinator) createSession(ctx context.Context, seed answer.Set) (draft.Handle, error) {
	h, err := c.client.CreateSession(ctx, seed)
	if err != nil {
		return "", err
	}
	if err := c.drafts.SetSessionHandle(ctx, h); err != nil {
		return "", err
	}
	if err := c.drafts.SetAttachPending(ctx, !c.auth.IsAuthenticated()); err != nil {
		return "", err
	}
	slog.Info("remote session created", "session_uuid", h, "authenticated", c.auth.IsAuthenticated())
	return h, nil
}

func classify(err error) string {
	switch {
	case errors.Is(err, draft.ErrStorage):
		return OutcomeStorage
	case session.IsNetwork(err):
		return OutcomeNetwork
	case session.CodeOf(err) != "":
		return OutcomeRejected
	default:
		// Not a classified client error; treat as transient.
		return OutcomeNetwork
	}
}

func (c *Coordinator) finishSync(ctx context.Context, res *syncResult) {
	c.record(ctx, res)

	if res.handle != "" {
		c.handle = res.handle
	}

	switch res.outcome {
	case OutcomePushed, OutcomeSkipped:
		c.lastHash = res.hash
		c.syncedRev = max(c.syncedRev, res.revision)
		c.localOnly = false
		c.notice = false
		c.lastErr = nil
		c.retries = 0
		c.backoff.Reset()
		c.state = Idle
		slog.Debug("autosave cycle done", "outcome", res.outcome, "revision", res.revision, "session_uuid", c.handle)

	case OutcomeNetwork:
		c.state = Error
		c.lastErr = res.err
		c.localOnly = c.localOnly || res.localOnly
		if c.retries < c.cfg.RetryMaxAttempts && !c.buffered && !c.closing {
			c.retries++
			delay := c.backoff.NextBackOff()
			c.arm(eventRetryFired, delay)
			slog.Warn("remote sync failed, retry scheduled",
				"revision", res.revision, "attempt", c.retries, "delay", delay, "error", res.err)
		} else {
			c.notice = true
			slog.Warn("remote sync failed", "revision", res.revision, "error", res.err)
		}

	default:
		c.state = Error
		c.lastErr = res.err
		c.localOnly = c.localOnly || res.localOnly
		c.notice = true
		slog.Warn("remote sync rejected", "outcome", res.outcome, "revision", res.revision, "error", res.err)
	}

	if c.buffered && !c.closing {
		c.buffered = false
		c.retries = 0
		c.backoff.Reset()
		c.state = Debouncing
		c.arm(eventDebounceFired, c.cfg.Debounce)
	}
}

func (c *Coordinator) record(ctx context.Context, res *syncResult) {
	metrics.AutosaveCycle(res.outcome, res.elapsed)
	if c.journal == nil {
		return
	}
	entry := store.SyncEntry{
		SessionUUID: string(res.handle),
		Revision:    res.revision,
		ContentHash: res.hash,
		Outcome:     res.outcome,
	}
	if res.err != nil {
		entry.Detail = res.err.Error()
	}
	if _, err := c.journal.AppendSync(context.WithoutCancel(ctx), entry); err != nil {
		slog.Warn("sync journal append failed", "error", err)
	}
}

// shutdown closes the queue before waiting so an in-flight result is
// parked as an orphan rather than stranded in the queue.
func (c *Coordinator) shutdown(ctx context.Context) {
	c.closing = true
	c.queue.Close()
	c.disarm()
	c.inflight.Wait()

	for {
		e, ok := c.queue.TryDequeue()
		if !ok {
			break
		}
		switch e.kind {
		case eventEdit:
			c.latest, c.latestRev = e.answers, e.revision
		case eventSyncDone:
			c.finishSync(ctx, e.result)
		}
		c.outstanding.Add(-1)
	}

	c.orphanMu.Lock()
	orphans := c.orphans
	c.orphans = nil
	c.orphanMu.Unlock()
	for _, res := range orphans {
		c.finishSync(ctx, res)
	}
	if c.state == Debouncing || c.state == Syncing {
		c.state = Idle
	}
	c.publish()
}

func (c *Coordinator) publish() {
	st := Status{
		State:          c.state,
		Revision:       c.latestRev,
		SyncedRevision: c.syncedRev,
		Handle:         c.handle,
		LocalOnly:      c.localOnly,
		Notice:         c.notice,
		RetryScheduled: c.state == Error && c.stopTimer != nil,
		LastError:      c.lastErr,
	}
	c.mu.Lock()
	c.status = st
	c.mu.Unlock()
	if c.onStatus != nil {
		c.onStatus(st)
	}
}
