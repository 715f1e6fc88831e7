package autosave

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/questflow/internal/answer"
	"github.com/roach88/questflow/internal/draft"
	"github.com/roach88/questflow/internal/session"
	"github.com/roach88/questflow/internal/store"
	"github.com/roach88/questflow/internal/testutil"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	clock  *testutil.FakeClock
	client *testutil.FakeClient
	drafts *draft.Store
	coord  *Coordinator
	cancel context.CancelFunc
}

func newFixture(t *testing.T, authenticated bool, opts ...Option) *fixture {
	t.Helper()
	return newFixtureWithKV(t, draft.NewMemoryKV(), authenticated, opts...)
}

func newFixtureWithKV(t *testing.T, kv draft.KV, authenticated bool, opts ...Option) *fixture {
	t.Helper()

	clock := testutil.NewFakeClock(epoch)
	client := testutil.NewFakeClient()
	drafts := draft.NewStore(kv, draft.WithNow(clock.Now))

	coord := New(drafts, client, session.StaticAuth(authenticated), append([]Option{WithClock(clock)}, opts...)...)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = coord.Run(ctx) }()
	require.Eventually(t, coord.started.Load, time.Second, time.Millisecond)

	t.Cleanup(func() {
		coord.Close()
		cancel()
	})

	return &fixture{clock: clock, client: client, drafts: drafts, coord: coord, cancel: cancel}
}

// draftKV counts writes of the local draft. The write numbered failPut
// fails and the one numbered gatePut blocks until gate is closed.
type draftKV struct {
	draft.KV

	mu      sync.Mutex
	puts    int
	failPut int
	gatePut int
	entered chan struct{}
	gate    chan struct{}
}

func newDraftKV() *draftKV {
	return &draftKV{
		KV:      draft.NewMemoryKV(),
		entered: make(chan struct{}),
		gate:    make(chan struct{}),
	}
}

func (k *draftKV) Put(ctx context.Context, key, value string) error {
	if key != draft.KeyDraft {
		return k.KV.Put(ctx, key, value)
	}
	k.mu.Lock()
	k.puts++
	n := k.puts
	k.mu.Unlock()

	if n == k.failPut {
		return errors.New("disk full")
	}
	if n == k.gatePut {
		close(k.entered)
		<-k.gate
	}
	return k.KV.Put(ctx, key, value)
}

func (k *draftKV) draftPuts() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.puts
}

func (f *fixture) edit(t *testing.T, answers answer.Set) {
	t.Helper()
	want := f.coord.revs.Current() + 1
	require.NoError(t, f.coord.Edit(context.Background(), answers))
	f.waitFor(t, func(st Status) bool { return st.Revision == want && st.State != Idle })
}

func (f *fixture) waitFor(t *testing.T, cond func(Status) bool) {
	t.Helper()
	require.Eventually(t, func() bool { return cond(f.coord.Status()) }, time.Second, time.Millisecond,
		"last status: %+v", f.coord.Status())
}

func (f *fixture) settle(t *testing.T) {
	t.Helper()
	require.Eventually(t, f.coord.Settled, time.Second, time.Millisecond, "last status: %+v", f.coord.Status())
}

func TestCoordinator_CoalescesEditsInsideDebounceWindow(t *testing.T) {
	f := newFixture(t, false)

	f.edit(t, answer.Set{"email": "a@b.com"})
	f.edit(t, answer.Set{"email": "a@b.com", "problem_to_solve": "autre"})
	e3 := answer.Set{"email": "a@b.com", "problem_to_solve": "autre", "problem_other": "x"}
	f.edit(t, e3)
	assert.Equal(t, Debouncing, f.coord.Status().State)

	f.clock.Advance(399 * time.Millisecond)
	assert.Empty(t, f.client.Calls())

	f.clock.Advance(time.Millisecond)
	f.settle(t)

	creates := f.client.CallsTo(testutil.OpCreate)
	pushes := f.client.CallsTo(testutil.OpPush)
	require.Len(t, creates, 1)
	require.Len(t, pushes, 1)
	assert.True(t, answer.SameContent(e3, creates[0].Answers))
	assert.True(t, answer.SameContent(e3, pushes[0].Answers))

	st := f.coord.Status()
	assert.Equal(t, Idle, st.State)
	assert.Equal(t, int64(3), st.SyncedRevision)
	assert.Equal(t, testutil.HandleN(1), st.Handle)
}

func TestCoordinator_EditRestartsDebounce(t *testing.T) {
	f := newFixture(t, false)

	f.edit(t, answer.Set{"a": 1})
	f.clock.Advance(300 * time.Millisecond)
	f.edit(t, answer.Set{"a": 2})

	f.clock.Advance(300 * time.Millisecond)
	assert.Empty(t, f.client.Calls())
	assert.Equal(t, 1, f.clock.Pending())

	f.clock.Advance(100 * time.Millisecond)
	f.settle(t)
	assert.Len(t, f.client.CallsTo(testutil.OpPush), 1)
}

func TestCoordinator_EditWritesLocalDraftImmediately(t *testing.T) {
	f := newFixture(t, false)

	require.NoError(t, f.coord.Edit(context.Background(), answer.Set{"email": "a@b.com"}))

	rec, ok, err := f.drafts.Load(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a@b.com", rec.Answers["email"])
	assert.Empty(t, f.client.Calls())
}

func TestCoordinator_AnonymousCreationMarksAttachPending(t *testing.T) {
	f := newFixture(t, false)

	f.edit(t, answer.Set{"email": "a@b.com"})
	f.clock.Advance(400 * time.Millisecond)
	f.settle(t)

	ctx := context.Background()
	h, ok, err := f.drafts.SessionHandle(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, testutil.HandleN(1), h)

	pending, err := f.drafts.AttachPending(ctx)
	require.NoError(t, err)
	assert.True(t, pending)
}

func TestCoordinator_AuthenticatedCreationIsNotPending(t *testing.T) {
	f := newFixture(t, true)

	f.edit(t, answer.Set{"email": "a@b.com"})
	f.clock.Advance(400 * time.Millisecond)
	f.settle(t)

	pending, err := f.drafts.AttachPending(context.Background())
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestCoordinator_ExistingHandleIsReused(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	h := testutil.HandleN(42)
	f.client.Seed(h, answer.Set{})
	require.NoError(t, f.drafts.SetSessionHandle(ctx, h))

	f.edit(t, answer.Set{"a": 1})
	f.clock.Advance(400 * time.Millisecond)
	f.settle(t)

	assert.Empty(t, f.client.CallsTo(testutil.OpCreate))
	pushes := f.client.CallsTo(testutil.OpPush)
	require.Len(t, pushes, 1)
	assert.Equal(t, h, pushes[0].Handle)
}

func TestCoordinator_CreateFailureStaysLocalOnly(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		network bool
	}{
		{name: "rejected", err: testutil.RejectedError("create session")},
		{name: "unreachable", err: testutil.NetworkError("create session"), network: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// A network failure is retried once before going local-only.
			failures := []error{tt.err}
			if tt.network {
				failures = append(failures, tt.err)
			}
			f := newFixture(t, false)
			f.client.FailNext(testutil.OpCreate, failures...)

			f.edit(t, answer.Set{"email": "a@b.com"})
			f.clock.Advance(400 * time.Millisecond)
			if tt.network {
				f.waitFor(t, func(st Status) bool { return st.RetryScheduled })
				f.clock.Advance(time.Second)
			}
			f.settle(t)

			st := f.coord.Status()
			assert.Equal(t, Error, st.State)
			assert.True(t, st.LocalOnly)
			assert.True(t, st.Notice)
			assert.Equal(t, tt.network, session.IsNetwork(st.LastError))
			assert.Empty(t, f.client.CallsTo(testutil.OpPush), "no push without a session")

			ctx := context.Background()
			_, ok, err := f.drafts.SessionHandle(ctx)
			require.NoError(t, err)
			assert.False(t, ok)
			rec, ok, err := f.drafts.Load(ctx)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "a@b.com", rec.Answers["email"])

			// The next cycle creates the session with everything accumulated.
			full := answer.Set{"email": "a@b.com", "name": "Ada"}
			f.edit(t, full)
			f.clock.Advance(400 * time.Millisecond)
			f.settle(t)

			st = f.coord.Status()
			assert.Equal(t, Idle, st.State)
			assert.False(t, st.LocalOnly)
			assert.False(t, st.Notice)

			creates := f.client.CallsTo(testutil.OpCreate)
			require.Len(t, creates, len(failures)+1)
			assert.True(t, answer.SameContent(full, creates[len(creates)-1].Answers))
			pushes := f.client.CallsTo(testutil.OpPush)
			require.Len(t, pushes, 1)
			assert.True(t, answer.SameContent(full, pushes[0].Answers))
			assert.Equal(t, testutil.HandleN(1), pushes[0].Handle)
		})
	}
}

func TestCoordinator_NetworkFailureRetriesOnce(t *testing.T) {
	f := newFixture(t, false)
	f.client.FailNext(testutil.OpPush, testutil.NetworkError("push draft"))

	f.edit(t, answer.Set{"a": 1})
	f.clock.Advance(400 * time.Millisecond)
	f.waitFor(t, func(st Status) bool { return st.State == Error && st.RetryScheduled })
	assert.False(t, f.coord.Status().Notice)
	assert.True(t, session.IsNetwork(f.coord.Status().LastError))

	f.clock.Advance(time.Second)
	f.settle(t)

	st := f.coord.Status()
	assert.Equal(t, Idle, st.State)
	assert.False(t, st.Notice)
	assert.NoError(t, st.LastError)
	assert.Len(t, f.client.CallsTo(testutil.OpPush), 2)
}

func TestCoordinator_NetworkFailureRaisesNoticeAfterRetry(t *testing.T) {
	f := newFixture(t, false)
	f.client.FailNext(testutil.OpPush,
		testutil.NetworkError("push draft"),
		testutil.NetworkError("push draft"))

	f.edit(t, answer.Set{"a": 1})
	f.clock.Advance(400 * time.Millisecond)
	f.waitFor(t, func(st Status) bool { return st.RetryScheduled })
	f.clock.Advance(time.Second)
	f.settle(t)

	st := f.coord.Status()
	assert.Equal(t, Error, st.State)
	assert.True(t, st.Notice)
	assert.False(t, st.RetryScheduled)
	assert.Equal(t, 0, f.clock.Pending())

	f.coord.DismissNotice()
	f.waitFor(t, func(st Status) bool { return !st.Notice })
}

func TestCoordinator_RejectedIsNotRetried(t *testing.T) {
	f := newFixture(t, false)
	f.client.FailNext(testutil.OpPush, testutil.RejectedError("push draft"))

	f.edit(t, answer.Set{"a": 1})
	f.clock.Advance(400 * time.Millisecond)
	f.settle(t)

	st := f.coord.Status()
	assert.Equal(t, Error, st.State)
	assert.True(t, st.Notice)
	assert.True(t, session.IsRejected(st.LastError))
	assert.Equal(t, 0, f.clock.Pending())

	// A later edit starts a fresh cycle.
	f.edit(t, answer.Set{"a": 2})
	f.clock.Advance(400 * time.Millisecond)
	f.settle(t)
	assert.Equal(t, Idle, f.coord.Status().State)
	assert.False(t, f.coord.Status().Notice)
}

func TestCoordinator_EditDuringSyncIsBuffered(t *testing.T) {
	f := newFixture(t, false)
	release := f.client.Gate(testutil.OpPush)

	f.edit(t, answer.Set{"a": 1})
	f.clock.Advance(400 * time.Millisecond)
	require.Eventually(t, func() bool { return f.client.Waiting(testutil.OpPush) == 1 }, time.Second, time.Millisecond)

	f.edit(t, answer.Set{"a": 2})
	assert.Equal(t, Syncing, f.coord.Status().State)

	release()
	f.waitFor(t, func(st Status) bool { return st.State == Debouncing })
	assert.Equal(t, int64(1), f.coord.Status().SyncedRevision)

	f.clock.Advance(400 * time.Millisecond)
	f.settle(t)

	pushes := f.client.CallsTo(testutil.OpPush)
	require.Len(t, pushes, 2)
	assert.True(t, answer.SameContent(answer.Set{"a": 2}, pushes[1].Answers))
	assert.Equal(t, int64(2), f.coord.Status().SyncedRevision)
}

func TestCoordinator_MissingRemoteSessionIsRecreated(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	stale := testutil.HandleN(99)
	require.NoError(t, f.drafts.SetSessionHandle(ctx, stale))

	f.edit(t, answer.Set{"a": 1})
	f.clock.Advance(400 * time.Millisecond)
	f.settle(t)

	calls := f.client.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, testutil.OpPush, calls[0].Op)
	assert.Equal(t, stale, calls[0].Handle)
	assert.Equal(t, testutil.OpCreate, calls[1].Op)
	assert.Equal(t, testutil.OpPush, calls[2].Op)
	assert.Equal(t, testutil.HandleN(1), calls[2].Handle)

	h, ok, err := f.drafts.SessionHandle(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, testutil.HandleN(1), h)
	assert.Equal(t, Idle, f.coord.Status().State)
}

func TestCoordinator_UnchangedContentSkipsRemote(t *testing.T) {
	f := newFixture(t, false)

	f.edit(t, answer.Set{"a": 1, "b": "x"})
	f.clock.Advance(400 * time.Millisecond)
	f.settle(t)

	f.edit(t, answer.Set{"b": "x", "a": 1.0})
	f.clock.Advance(400 * time.Millisecond)
	f.settle(t)

	assert.Len(t, f.client.CallsTo(testutil.OpPush), 1)
	assert.Equal(t, int64(2), f.coord.Status().SyncedRevision)
}

func TestCoordinator_FlushSkipsDebounce(t *testing.T) {
	f := newFixture(t, false)

	f.edit(t, answer.Set{"a": 1})
	f.coord.Flush()
	f.settle(t)

	assert.Len(t, f.client.CallsTo(testutil.OpPush), 1)
}

func TestCoordinator_JournalsOutcomes(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := newFixture(t, false, WithJournal(db))
	f.client.FailNext(testutil.OpPush, testutil.RejectedError("push draft"))

	for _, a := range []answer.Set{{"a": 1}, {"a": 2}, {"a": 2}} {
		f.edit(t, a)
		f.clock.Advance(400 * time.Millisecond)
		f.settle(t)
	}

	entries, err := db.ReadSyncLog(context.Background(), "", 0)
	require.NoError(t, err)

	var outcomes []string
	for _, e := range entries {
		outcomes = append(outcomes, e.Outcome)
	}
	assert.Equal(t, []string{OutcomeRejected, OutcomePushed, OutcomeSkipped}, outcomes)
	assert.Equal(t, string(testutil.HandleN(1)), entries[1].SessionUUID)
	assert.Equal(t, int64(2), entries[1].Revision)
	assert.NotEmpty(t, entries[0].Detail)
	assert.Equal(t, entries[1].ContentHash, entries[2].ContentHash)
}

func TestCoordinator_StatusHookSeesTransitions(t *testing.T) {
	var mu sync.Mutex
	var states []State
	hook := func(st Status) {
		mu.Lock()
		defer mu.Unlock()
		if len(states) == 0 || states[len(states)-1] != st.State {
			states = append(states, st.State)
		}
	}

	f := newFixture(t, false, WithStatusHook(hook))
	f.edit(t, answer.Set{"a": 1})
	f.clock.Advance(400 * time.Millisecond)
	f.settle(t)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{Debouncing, Syncing, Idle}, states)
}

func TestCoordinator_CloseLetsInflightSyncFinish(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := newFixture(t, false, WithJournal(db))
	release := f.client.Gate(testutil.OpPush)

	f.edit(t, answer.Set{"a": 1})
	f.clock.Advance(400 * time.Millisecond)
	require.Eventually(t, func() bool { return f.client.Waiting(testutil.OpPush) == 1 }, time.Second, time.Millisecond)

	go func() {
		time.Sleep(20 * time.Millisecond)
		release()
	}()
	f.coord.Close()

	st := f.coord.Status()
	assert.Equal(t, Idle, st.State)
	assert.Equal(t, int64(1), st.SyncedRevision)

	entries, err := db.ReadSyncLog(context.Background(), "", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, OutcomePushed, entries[0].Outcome)

	assert.ErrorIs(t, f.coord.Edit(context.Background(), answer.Set{"a": 2}), ErrClosed)
}

func TestCoordinator_RunTwice(t *testing.T) {
	f := newFixture(t, false)
	assert.Error(t, f.coord.Run(context.Background()))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "debouncing", Debouncing.String())
	assert.Equal(t, "syncing", Syncing.String())
	assert.Equal(t, "error", Error.String())
	assert.Equal(t, "state(9)", State(9).String())
}

func TestCoordinator_QuiescentAllowsArmedTimers(t *testing.T) {
	f := newFixture(t, false)

	f.edit(t, answer.Set{"a": 1})
	require.Eventually(t, f.coord.Quiescent, time.Second, time.Millisecond)
	assert.False(t, f.coord.Settled())

	f.clock.Advance(400 * time.Millisecond)
	f.settle(t)
	assert.True(t, f.coord.Quiescent())
}

func TestCoordinator_SyncDoesNotRewriteLocalDraft(t *testing.T) {
	kv := newDraftKV()
	f := newFixtureWithKV(t, kv, false)

	f.edit(t, answer.Set{"a": 1})
	f.clock.Advance(400 * time.Millisecond)
	f.settle(t)

	assert.Equal(t, 1, kv.draftPuts())
}

func TestCoordinator_SyncNeverOverwritesNewerLocalDraft(t *testing.T) {
	kv := newDraftKV()
	kv.failPut = 1
	kv.gatePut = 2
	f := newFixtureWithKV(t, kv, false)
	ctx := context.Background()

	// The first write fails, so the sync cycle writes revision 1 again.
	require.Error(t, f.coord.Edit(ctx, answer.Set{"email": "a@b.com"}))
	f.waitFor(t, func(st Status) bool { return st.Revision == 1 && st.State == Debouncing })
	f.clock.Advance(400 * time.Millisecond)

	select {
	case <-kv.entered:
	case <-time.After(time.Second):
		t.Fatal("sync cycle did not rewrite the local draft")
	}

	edited := make(chan error, 1)
	go func() { edited <- f.coord.Edit(ctx, answer.Set{"email": "b@c.com"}) }()
	time.Sleep(20 * time.Millisecond)
	close(kv.gate)

	require.NoError(t, <-edited)
	f.coord.Close()

	rec, ok, err := f.drafts.Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "b@c.com", rec.Answers["email"])
}

func TestCoordinator_CancelLetsInflightSyncFinish(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := newFixture(t, false, WithJournal(db))
	f.client.Gate(testutil.OpPush)

	f.edit(t, answer.Set{"a": 1})
	f.clock.Advance(400 * time.Millisecond)
	require.Eventually(t, func() bool { return f.client.Waiting(testutil.OpPush) == 1 }, time.Second, time.Millisecond)

	f.cancel()
	select {
	case <-f.coord.done:
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}

	assert.True(t, f.coord.Settled(), "status: %+v", f.coord.Status())
	assert.Equal(t, int64(0), f.coord.outstanding.Load())

	entries, err := db.ReadSyncLog(context.Background(), "", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, OutcomeNetwork, entries[0].Outcome)
}
