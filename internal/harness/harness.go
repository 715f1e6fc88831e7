package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/roach88/questflow/internal/answer"
	"github.com/roach88/questflow/internal/autosave"
	"github.com/roach88/questflow/internal/compiler"
	"github.com/roach88/questflow/internal/draft"
	"github.com/roach88/questflow/internal/questionnaire"
	"github.com/roach88/questflow/internal/session"
	"github.com/roach88/questflow/internal/stepgraph"
	"github.com/roach88/questflow/internal/store"
	"github.com/roach88/questflow/internal/testutil"
)

// Epoch is the fake clock's starting instant.
var Epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// settleTimeout bounds the real time spent waiting for the autosave loop
// after each step.
const settleTimeout = 5 * time.Second

// Harness executes one scenario.
type Harness struct {
	scenario *Scenario
	def      *compiler.Questionnaire
	store    *store.Store
	drafts   *draft.Store
	clock    *testutil.FakeClock
	client   *testutil.FakeClient
	auth     *authState
	profiles *profileSource
	run      *questionnaire.Run
	seen     int
	logger   *slog.Logger
}

type authState struct{ on atomic.Bool }

func (a *authState) IsAuthenticated() bool { return a.on.Load() }

type profileSource struct {
	profile *session.Profile
}

func (p *profileSource) GetProfile(context.Context) (*session.Profile, error) {
	if p.profile == nil {
		return nil, nil
	}
	cp := *p.profile
	cp.Answers = p.profile.Answers.Clone()
	return &cp, nil
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh in-memory database, a fake clock and
// a fake session service. Execution flow:
//  1. Compile the questionnaire
//  2. Execute setup steps
//  3. Initialize the run (hydration)
//  4. Execute flow steps, checking expect clauses
//  5. Capture final state and evaluate assertions
func Run(scenario *Scenario) (*Result, error) {
	def, err := loadQuestionnaire(scenario)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	clock := testutil.NewFakeClock(Epoch)
	st.SetNow(clock.Now)

	h := &Harness{
		scenario: scenario,
		def:      def,
		store:    st,
		drafts:   draft.NewStore(st, draft.WithNow(clock.Now)),
		clock:    clock,
		client:   testutil.NewFakeClient(),
		auth:     &authState{},
		profiles: &profileSource{},
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	h.auth.on.Store(scenario.Authenticated)
	if p := scenario.Profile; p != nil {
		h.profiles.profile = &session.Profile{Answers: answer.Set(p.Answers).Clone(), Completed: p.Completed}
	}

	ctx := context.Background()
	result := NewResult()

	if err := h.executeSetup(ctx, scenario.Setup, result); err != nil {
		return nil, fmt.Errorf("failed to execute setup: %w", err)
	}
	if err := h.start(ctx); err != nil {
		return nil, err
	}
	result.add(TraceEvent{
		Type:   EventCompletion,
		Action: "init",
		Case:   string(h.run.Source()),
		Result: map[string]any{"answers": map[string]any(h.run.Answers())},
	})
	defer func() {
		if h.run != nil {
			h.run.Dispose()
		}
	}()

	if err := h.executeFlow(ctx, scenario.Flow, result); err != nil {
		return nil, fmt.Errorf("failed to execute flow: %w", err)
	}

	if err := h.captureState(ctx, result); err != nil {
		return nil, fmt.Errorf("failed to capture state: %w", err)
	}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}

	return result, nil
}

func loadQuestionnaire(s *Scenario) (*compiler.Questionnaire, error) {
	defs, err := compiler.Load(s.Questionnaire)
	if err != nil {
		return nil, fmt.Errorf("compile questionnaire: %w", err)
	}
	return compiler.Find(defs, s.QuestionnaireName)
}

// start creates and initializes a run over the harness state. It is
// called once before the flow and again by the restart action.
func (h *Harness) start(ctx context.Context) error {
	run, err := questionnaire.New(questionnaire.Deps{
		Graph:      h.def.Graph,
		Drafts:     h.drafts,
		Client:     h.client,
		Auth:       h.auth,
		Profiles:   h.profiles,
		DateFields: h.def.DateFields,
		Autosave: []autosave.Option{
			autosave.WithClock(h.clock),
			autosave.WithJournal(h.store),
		},
	})
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	if err := run.Init(ctx); err != nil {
		return fmt.Errorf("init run: %w", err)
	}
	h.run = run
	return nil
}

// executeSetup prepares local state before the run starts. Setup steps
// are traced as invocations only.
func (h *Harness) executeSetup(ctx context.Context, setup []ActionStep, result *Result) error {
	for i, step := range setup {
		var err error
		switch step.Action {
		case "seed_draft":
			err = h.drafts.Save(ctx, answerArg(step.Args, "answers"))
		case "seed_handle":
			n := intArg(step.Args, "n", 1)
			err = h.drafts.SetSessionHandle(ctx, testutil.HandleN(n))
			if err == nil && boolArg(step.Args, "remote") {
				h.client.Seed(testutil.HandleN(n), answerArg(step.Args, "answers"))
			}
			if err == nil && boolArg(step.Args, "pending") {
				err = h.drafts.SetAttachPending(ctx, true)
			}
		case "set_completed":
			err = h.drafts.SetCompleted(ctx, true)
		default:
			err = fmt.Errorf("unknown action %q", step.Action)
		}
		if err != nil {
			return fmt.Errorf("setup step %d (%s): %w", i, step.Action, err)
		}

		result.add(TraceEvent{Type: EventInvocation, Action: step.Action, Args: step.Args})
		h.logger.Info("setup step completed", "step", i, "action", step.Action)
	}
	return nil
}

// executeFlow runs the flow steps. Each step traces its invocation, the
// remote calls it caused and its completion, then checks the expect
// clause against the actual completion.
func (h *Harness) executeFlow(ctx context.Context, flow []FlowStep, result *Result) error {
	for i, step := range flow {
		result.add(TraceEvent{Type: EventInvocation, Action: step.Invoke, Args: step.Args})

		outCase, out, err := h.execute(ctx, step)
		if err != nil {
			return fmt.Errorf("flow step %d (%s): %w", i, step.Invoke, err)
		}

		for _, call := range h.newCalls() {
			args := map[string]any{}
			if call.Handle != "" {
				args["session_uuid"] = string(call.Handle)
			}
			if call.Op == testutil.OpCreate || call.Op == testutil.OpPush {
				args["answers"] = map[string]any(call.Answers)
			}
			result.add(TraceEvent{Type: EventRemote, Action: "remote." + call.Op, Args: args})
		}

		result.add(TraceEvent{Type: EventCompletion, Action: step.Invoke, Case: outCase, Result: out})

		if step.Expect != nil {
			if outCase != step.Expect.Case {
				result.AddError(fmt.Sprintf("flow[%d] %s: expected case %q, got %q", i, step.Invoke, step.Expect.Case, outCase))
			} else if !matchArgs(out, step.Expect.Result) {
				result.AddError(fmt.Sprintf("flow[%d] %s: expected result %v, got %v", i, step.Invoke, step.Expect.Result, out))
			}
		}

		h.logger.Info("flow step completed", "step", i, "action", step.Invoke, "case", outCase)
	}
	return nil
}

// execute performs one flow action. The returned error aborts the
// scenario; expected failures are reported through the case instead.
func (h *Harness) execute(ctx context.Context, step FlowStep) (string, map[string]any, error) {
	switch step.Invoke {
	case "set":
		field, _ := step.Args["field"].(string)
		if err := h.run.Set(ctx, field, step.Args["value"]); err != nil {
			return "error", map[string]any{"error": err.Error()}, nil
		}
		return "ok", nil, h.wait(ctx)

	case "merge":
		if err := h.run.Merge(ctx, answerArg(step.Args, "answers")); err != nil {
			return "error", map[string]any{"error": err.Error()}, nil
		}
		return "ok", nil, h.wait(ctx)

	case "advance":
		d, err := time.ParseDuration(step.Args["duration"].(string))
		if err != nil {
			return "", nil, err
		}
		h.clock.Advance(d)
		if err := h.wait(ctx); err != nil {
			return "", nil, err
		}
		return "ok", statusView(h.run.Status()), nil

	case "flush":
		h.run.Flush()
		if err := h.wait(ctx); err != nil {
			return "", nil, err
		}
		return "ok", statusView(h.run.Status()), nil

	case "next", "prev":
		from := stepgraph.StepID(step.Args["from"].(string))
		var to stepgraph.StepID
		var err error
		if step.Invoke == "next" {
			to, err = h.run.Next(from)
		} else {
			to, err = h.run.Previous(from)
		}
		if err != nil {
			return "error", map[string]any{"error": err.Error()}, nil
		}
		return "ok", map[string]any{"step": string(to)}, nil

	case "path":
		path, err := h.run.Path()
		steps := make([]any, len(path))
		for i, id := range path {
			steps[i] = string(id)
		}
		if err != nil {
			return "error", map[string]any{"steps": steps, "error": err.Error()}, nil
		}
		return "ok", map[string]any{"steps": steps}, nil

	case "login":
		h.auth.on.Store(true)
		out := h.run.OnAuthenticated(ctx)
		res := map[string]any{}
		if out.Handle != "" {
			res["session_uuid"] = string(out.Handle)
		}
		if out.Err != nil {
			res["error"] = out.Err.Error()
		}
		return out.Result.String(), res, nil

	case "fail":
		op := step.Args["op"].(string)
		times := intArg(step.Args, "times", 1)
		errs := make([]error, times)
		for i := range errs {
			if step.Args["error"] == "network" {
				errs[i] = testutil.NetworkError(op)
			} else {
				errs[i] = testutil.RejectedError(op)
			}
		}
		h.client.FailNext(op, errs...)
		return "ok", nil, nil

	case "drop_session":
		handle, ok, err := h.drafts.SessionHandle(ctx)
		if err != nil {
			return "", nil, err
		}
		if !ok {
			return "error", map[string]any{"error": "no session handle"}, nil
		}
		h.client.Drop(handle)
		return "ok", map[string]any{"session_uuid": string(handle)}, nil

	case "complete":
		if err := h.run.Complete(ctx); err != nil {
			return "error", map[string]any{"error": err.Error()}, nil
		}
		if err := h.wait(ctx); err != nil {
			return "", nil, err
		}
		return "ok", statusView(h.run.Status()), nil

	case "restart":
		h.run.Dispose()
		h.run = nil
		if err := h.start(ctx); err != nil {
			return "", nil, err
		}
		return string(h.run.Source()), map[string]any{"answers": map[string]any(h.run.Answers())}, nil

	case "status":
		return "ok", statusView(h.run.Status()), nil

	case "answers":
		return "ok", map[string]any{"answers": map[string]any(h.run.Answers())}, nil
	}

	return "", nil, fmt.Errorf("unknown action %q", step.Invoke)
}

// wait blocks until the autosave loop has handled every queued event and
// no sync is in flight. Armed timers do not count: they only fire when
// the fake clock is advanced.
func (h *Harness) wait(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, settleTimeout)
	defer cancel()

	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for !h.run.Quiescent() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("autosave did not settle: %w", ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

// newCalls returns the session calls made since the previous call.
func (h *Harness) newCalls() []testutil.Call {
	calls := h.client.Calls()
	fresh := calls[h.seen:]
	h.seen = len(calls)
	return fresh
}

// captureState builds the state views read by final_state assertions.
func (h *Harness) captureState(ctx context.Context, result *Result) error {
	if err := h.wait(ctx); err != nil {
		return err
	}

	draftView := map[string]any{"present": false}
	rec, ok, err := h.drafts.Load(ctx)
	if err != nil {
		return err
	}
	if ok {
		draftView["present"] = true
		draftView["answers"] = map[string]any(rec.Answers)
		for k, v := range rec.Answers {
			draftView[k] = v
		}
	}
	result.State[TableDraft] = draftView

	handle, hasHandle, err := h.drafts.SessionHandle(ctx)
	if err != nil {
		return err
	}
	pending, err := h.drafts.AttachPending(ctx)
	if err != nil {
		return err
	}
	completed, err := h.drafts.Completed(ctx)
	if err != nil {
		return err
	}
	flags := map[string]any{
		"has_session":    hasHandle,
		"attach_pending": pending,
		"completed":      completed,
	}
	if hasHandle {
		flags["session_uuid"] = string(handle)
	}
	result.State[TableFlags] = flags

	remote := map[string]any{"exists": false}
	if hasHandle {
		if answers, ok := h.client.Session(handle); ok {
			remote["exists"] = true
			remote["answers"] = map[string]any(answers)
			remote["attached"] = h.client.Attached(handle)
			for k, v := range answers {
				remote[k] = v
			}
		}
	}
	result.State[TableRemote] = remote

	result.State[TableStatus] = statusView(h.run.Status())

	entries, err := h.store.ReadSyncLog(ctx, "", 0)
	if err != nil {
		return err
	}
	journal := map[string]any{"entries": len(entries)}
	outcomes := make([]any, len(entries))
	for i, e := range entries {
		outcomes[i] = e.Outcome
	}
	journal["outcomes"] = outcomes
	if n := len(entries); n > 0 {
		journal["last_outcome"] = entries[n-1].Outcome
	}
	result.State[TableJournal] = journal

	return nil
}

func statusView(s autosave.Status) map[string]any {
	v := map[string]any{
		"state":           s.State.String(),
		"revision":        s.Revision,
		"synced_revision": s.SyncedRevision,
		"local_only":      s.LocalOnly,
		"notice":          s.Notice,
		"retry_scheduled": s.RetryScheduled,
	}
	if s.Handle != "" {
		v["session_uuid"] = string(s.Handle)
	}
	return v
}

func answerArg(args map[string]any, key string) answer.Set {
	m, _ := args[key].(map[string]any)
	return answer.Set(m).Clone()
}

func intArg(args map[string]any, key string, def int) int {
	switch n := args[key].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return def
}

func boolArg(args map[string]any, key string) bool {
	b, _ := args[key].(bool)
	return b
}
