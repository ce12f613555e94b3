package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/devloop/devloop/pkg/engine"
	"github.com/devloop/devloop/pkg/escalation"
	"github.com/devloop/devloop/pkg/gates"
	"github.com/devloop/devloop/pkg/stores"
)

// fakeAI returns canned answers. analyzeBlock makes the first n Analyze
// calls wait for their context.
type fakeAI struct {
	mu           sync.Mutex
	analyzeBlock int
	analyzeCalls int
	codeCalls    int
}

func (f *fakeAI) Analyze(ctx context.Context, issue engine.Issue) (*engine.Analysis, error) {
	f.mu.Lock()
	f.analyzeCalls++
	block := f.analyzeCalls <= f.analyzeBlock
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return &engine.Analysis{Summary: "null pointer in " + issue.Ref, Files: []string{"main.go"}}, nil
}

func (f *fakeAI) GeneratePlan(_ context.Context, _ engine.Issue, _ *engine.Analysis) (*engine.Plan, error) {
	return &engine.Plan{Steps: []string{"add nil check", "add regression test"}}, nil
}

func (f *fakeAI) GenerateCode(_ context.Context, issue engine.Issue, plan *engine.Plan) (*engine.CodeChanges, error) {
	f.mu.Lock()
	f.codeCalls++
	f.mu.Unlock()
	if plan == nil || plan.Text == "" && len(plan.Steps) == 0 {
		return nil, errors.New("empty plan")
	}
	return &engine.CodeChanges{
		Message: "Fix " + issue.Ref,
		Files:   []engine.FileChange{{Path: "main.go", Content: "package main\n"}},
	}, nil
}

type fakeGit struct {
	mu       sync.Mutex
	branches []string
	comments []string
	prs      int
	merged   []int
}

func (f *fakeGit) CreateBranch(_ context.Context, _, branch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.branches = append(f.branches, branch)
	return nil
}

func (f *fakeGit) PushCommit(_ context.Context, _, _ string, _ *engine.CodeChanges) (string, error) {
	return "abc123", nil
}

func (f *fakeGit) CreatePR(_ context.Context, _, branch, _, _ string) (*engine.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prs++
	return &engine.PullRequest{Number: 100 + f.prs, URL: fmt.Sprintf("https://example.test/pr/%d", 100+f.prs), Head: branch}, nil
}

func (f *fakeGit) TriggerCI(context.Context, string, string) error { return nil }

func (f *fakeGit) GetCIStatus(context.Context, string, string) (*engine.CIStatus, error) {
	return &engine.CIStatus{State: engine.CISuccess}, nil
}

func (f *fakeGit) PostComment(_ context.Context, _, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments = append(f.comments, body)
	return nil
}

func (f *fakeGit) MergePR(_ context.Context, _ string, number int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.merged = append(f.merged, number)
	return "def456", nil
}

// scriptedGates returns queued errors per gate, then succeeds.
type scriptedGates struct {
	mu      sync.Mutex
	script  map[engine.ActionType][]error
	calls   map[engine.ActionType]int
	missing map[engine.ActionType]bool
}

func newScriptedGates() *scriptedGates {
	return &scriptedGates{
		script:  make(map[engine.ActionType][]error),
		calls:   make(map[engine.ActionType]int),
		missing: make(map[engine.ActionType]bool),
	}
}

func (g *scriptedGates) fail(action engine.ActionType, errs ...error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.script[action] = append(g.script[action], errs...)
}

func (g *scriptedGates) count(action engine.ActionType) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[action]
}

func (g *scriptedGates) factory(_ *engine.WorkflowInstance, action engine.ActionType) (gates.Invoker, error) {
	g.mu.Lock()
	missing := g.missing[action]
	g.mu.Unlock()
	if missing {
		return nil, fmt.Errorf("no analyzer configured for %s", action)
	}
	return gates.InvokerFunc(func(_ context.Context, action engine.ActionType) (*gates.RawOutcome, error) {
		g.mu.Lock()
		defer g.mu.Unlock()
		g.calls[action]++
		if queue := g.script[action]; len(queue) > 0 {
			err := queue[0]
			g.script[action] = queue[1:]
			if err != nil {
				return &gates.RawOutcome{Output: err.Error(), ExitCode: 1}, err
			}
		}
		return &gates.RawOutcome{Output: "ok"}, nil
	}), nil
}

type recordingChannel struct {
	mu     sync.Mutex
	alerts []engine.Alert
}

func (c *recordingChannel) Name() string { return "cli" }

func (c *recordingChannel) Send(_ context.Context, alert engine.Alert) (*engine.DeliveryResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, alert)
	return &engine.DeliveryResult{Channel: "cli", Delivered: true, Attempts: 1}, nil
}

func (c *recordingChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.alerts)
}

type harness struct {
	store   *stores.SQLiteStore
	journal *Journal
	exec    *gates.Executor
	esc     *escalation.Manager
	channel *recordingChannel
	ai      *fakeAI
	git     *fakeGit
	gates   *scriptedGates
	orch    *Orchestrator
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func newTestStore(t *testing.T) *stores.SQLiteStore {
	t.Helper()
	store, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	return newHarnessWithStore(t, cfg, newTestStore(t))
}

func newHarnessWithStore(t *testing.T, cfg Config, store *stores.SQLiteStore) *harness {
	t.Helper()
	return newHarnessWithBuffer(t, cfg, store, nil)
}

// newHarnessWithBuffer appends through buffer when it is set, as serve does.
func newHarnessWithBuffer(t *testing.T, cfg Config, store *stores.SQLiteStore, buffer *stores.BufferedStore) *harness {
	t.Helper()

	h := &harness{
		store:   store,
		channel: &recordingChannel{},
		ai:      &fakeAI{},
		git:     &fakeGit{},
		gates:   newScriptedGates(),
	}
	var appender engine.EventAppender = store
	if buffer != nil {
		appender = buffer
	}
	h.journal = NewJournal(appender, nil)

	exec, err := gates.NewExecutor(engine.DefaultRetryPolicy(), h.journal, gates.WithSleeper(noSleep))
	if err != nil {
		t.Fatalf("NewExecutor() error = %v", err)
	}
	h.exec = exec

	esc, err := escalation.NewManager(h.journal, store, escalation.DefaultConfig(),
		escalation.WithSleeper(noSleep),
		escalation.WithChannels(h.channel),
	)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	h.esc = esc

	deps := Dependencies{
		Journal:     h.journal,
		Store:       store,
		Executor:    exec,
		Escalations: esc,
		AI:          h.ai,
		Git:         h.git,
		Gates:       h.gates.factory,
	}
	if buffer != nil {
		deps.Pending = buffer
	}
	orch, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.orch = orch
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})
	return h
}

func autoConfig() Config {
	cfg := DefaultConfig()
	cfg.AutoApprovePlan = true
	cfg.AutoApproveMerge = true
	return cfg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) waitState(t *testing.T, id string, state engine.WorkflowState) *engine.WorkflowInstance {
	t.Helper()
	var inst *engine.WorkflowInstance
	waitFor(t, fmt.Sprintf("%s to reach %s", id, state), func() bool {
		got, err := h.orch.Get(context.Background(), id)
		if err != nil {
			return false
		}
		inst = got
		return got.State == state
	})
	return inst
}

// waitNotified waits until the escalation left Triggered, after which it
// can be resolved.
func (h *harness) waitNotified(t *testing.T, id string) *engine.EscalationRecord {
	t.Helper()
	var rec *engine.EscalationRecord
	waitFor(t, "escalation "+id+" to be notified", func() bool {
		got, err := h.esc.Get(context.Background(), id)
		if err != nil {
			return false
		}
		rec = got
		return got.Status != engine.EscalationTriggered
	})
	return rec
}

func (h *harness) events(t *testing.T, inst *engine.WorkflowInstance) []engine.Event {
	t.Helper()
	events, err := h.store.Events(context.Background(), inst.CorrelationID, -1)
	if err != nil {
		t.Fatalf("Events() error = %v", err)
	}
	return events
}

func countType(events []engine.Event, typ engine.EventType) int {
	n := 0
	for _, ev := range events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func assertGapFree(t *testing.T, events []engine.Event) {
	t.Helper()
	for i, ev := range events {
		if ev.Sequence != int64(i) {
			t.Fatalf("event %d (%s) has sequence %d", i, ev.Type, ev.Sequence)
		}
	}
}

func finish(t *testing.T, h *harness, id string) *engine.WorkflowInstance {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	inst, err := h.orch.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	return inst
}

func TestNewValidatesDependencies(t *testing.T) {
	if _, err := New(DefaultConfig(), Dependencies{}); err == nil {
		t.Fatal("New() with no dependencies succeeded")
	}

	cfg := DefaultConfig()
	cfg.EscalationTimeoutPolicy = "retry"
	if _, err := New(cfg, Dependencies{}); err == nil {
		t.Fatal("New() accepted an unknown timeout policy")
	}
}

func TestWorkflowWithApprovals(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()

	inst, err := h.orch.StartWorkflow(ctx, "acme/api#42")
	if err != nil {
		t.Fatalf("StartWorkflow() error = %v", err)
	}
	if inst.State != engine.StateSelected {
		t.Errorf("initial state = %s, want %s", inst.State, engine.StateSelected)
	}

	got := h.waitState(t, inst.InstanceID, engine.StateAwaitingPlanApproval)
	if got.Plan == "" {
		t.Error("plan not recorded on the aggregate")
	}
	if err := h.orch.ApproveMerge(ctx, inst.InstanceID, Approval{ApprovedBy: "alice"}); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Errorf("ApproveMerge() before plan approval error = %v, want ErrInvalidTransition", err)
	}
	if err := h.orch.ApprovePlan(ctx, inst.InstanceID, Approval{ApprovedBy: "alice", Comment: "lgtm"}); err != nil {
		t.Fatalf("ApprovePlan() error = %v", err)
	}

	waitFor(t, "pull request", func() bool {
		got, err := h.orch.Get(ctx, inst.InstanceID)
		return err == nil && got.PullRequest != 0
	})
	if err := h.orch.ApproveMerge(ctx, inst.InstanceID, Approval{ApprovedBy: "bob"}); err != nil {
		t.Fatalf("ApproveMerge() error = %v", err)
	}

	final := finish(t, h, inst.InstanceID)
	if final.State != engine.StateMerged {
		t.Fatalf("final state = %s, want %s", final.State, engine.StateMerged)
	}
	if final.MergeSHA != "def456" {
		t.Errorf("merge sha = %q, want def456", final.MergeSHA)
	}

	events := h.events(t, final)
	assertGapFree(t, events)

	want := []engine.EventType{
		engine.EventIssueSelected,
		engine.EventAnalysisStarted,
		engine.ActionAnalyze.CompletedEvent(),
		engine.EventAnalysisCompleted,
		engine.EventPlanApproved,
		engine.ActionImplement.CompletedEvent(),
		engine.EventImplementationCompleted,
		engine.EventQualityGatesStarted,
		engine.ActionBuild.CompletedEvent(),
		engine.ActionTest.CompletedEvent(),
		engine.ActionStaticAnalysis.CompletedEvent(),
		engine.ActionSecurityScan.CompletedEvent(),
		engine.EventQualityGatesPassed,
		engine.ActionCreatePR.CompletedEvent(),
		engine.EventPullRequestCreated,
		engine.EventMergeApproved,
		engine.ActionMerge.CompletedEvent(),
		engine.EventMerged,
	}
	if len(events) != len(want) {
		t.Fatalf("recorded %d events, want %d", len(events), len(want))
	}
	for i, typ := range want {
		if events[i].Type != typ {
			t.Errorf("event %d = %s, want %s", i, events[i].Type, typ)
		}
	}
	if events[4].Actor != engine.ActorHuman {
		t.Errorf("PlanApproved actor = %s, want %s", events[4].Actor, engine.ActorHuman)
	}

	h.git.mu.Lock()
	comments := len(h.git.comments)
	h.git.mu.Unlock()
	if comments != 1 {
		t.Errorf("posted %d plan comments, want 1", comments)
	}
}

func TestReplayMatchesLiveState(t *testing.T) {
	h := newHarness(t, autoConfig())
	ctx := context.Background()

	inst, err := h.orch.StartWorkflow(ctx, "acme/api#7")
	if err != nil {
		t.Fatalf("StartWorkflow() error = %v", err)
	}
	live := finish(t, h, inst.InstanceID)

	replayed, err := h.orch.Replay(ctx, inst.InstanceID, -1)
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}

	checks := []struct {
		name      string
		got, want interface{}
	}{
		{"state", replayed.State, live.State},
		{"branch", replayed.Branch, live.Branch},
		{"commit", replayed.CommitSHA, live.CommitSHA},
		{"pull request", replayed.PullRequest, live.PullRequest},
		{"merge sha", replayed.MergeSHA, live.MergeSHA},
		{"gate index", replayed.GateIndex, live.GateIndex},
		{"last sequence", replayed.LastSequence, live.LastSequence},
		{"plan", replayed.Plan, live.Plan},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s: replay = %v, live = %v", c.name, c.got, c.want)
		}
	}

	early, err := h.orch.Replay(ctx, inst.InstanceID, 1)
	if err != nil {
		t.Fatalf("Replay(upto=1) error = %v", err)
	}
	if early.State != engine.StateAnalyzing {
		t.Errorf("state at sequence 1 = %s, want %s", early.State, engine.StateAnalyzing)
	}
}

func TestCriticalSecurityFindingBlocksWithoutRetry(t *testing.T) {
	h := newHarness(t, autoConfig())
	ctx := context.Background()

	h.gates.fail(engine.ActionSecurityScan,
		engine.NewCriticalError("hardcoded AWS credentials in config.go", nil).WithCode(engine.ErrCodeSecurityFinding))

	inst, err := h.orch.StartWorkflow(ctx, "acme/api#9")
	if err != nil {
		t.Fatalf("StartWorkflow() error = %v", err)
	}

	blocked := h.waitState(t, inst.InstanceID, engine.StateBlocked)
	if blocked.OpenEscalationID == "" {
		t.Fatal("blocked instance has no open escalation")
	}
	if blocked.ResumeState != engine.StateQualityGates {
		t.Errorf("resume state = %s, want %s", blocked.ResumeState, engine.StateQualityGates)
	}
	if blocked.GateIndex != engine.GateIndex(engine.ActionSecurityScan) {
		t.Errorf("gate index = %d, want %d", blocked.GateIndex, engine.GateIndex(engine.ActionSecurityScan))
	}

	rec := h.waitNotified(t, blocked.OpenEscalationID)
	if len(rec.RetryHistory) != 0 {
		t.Errorf("retry history = %v, want empty", rec.RetryHistory)
	}
	if rec.ReasonType != escalation.ReasonCriticalFailure {
		t.Errorf("reason type = %s, want %s", rec.ReasonType, escalation.ReasonCriticalFailure)
	}
	if got := h.gates.count(engine.ActionSecurityScan); got != 1 {
		t.Errorf("security scan ran %d times, want 1", got)
	}
	if h.channel.count() != 1 {
		t.Errorf("sent %d alerts, want 1", h.channel.count())
	}

	events := h.events(t, blocked)
	if n := countType(events, engine.EventEscalationCreated); n != 1 {
		t.Errorf("recorded %d EscalationCreated events, want 1", n)
	}
	if n := countType(events, engine.ActionSecurityScan.RetryEvent()); n != 0 {
		t.Errorf("recorded %d security scan retries, want 0", n)
	}

	if err := h.orch.ResolveEscalation(ctx, rec.EscalationID, "credentials rotated and removed"); err != nil {
		t.Fatalf("ResolveEscalation() error = %v", err)
	}
	final := finish(t, h, inst.InstanceID)
	if final.State != engine.StateMerged {
		t.Fatalf("final state = %s, want %s", final.State, engine.StateMerged)
	}
	assertGapFree(t, h.events(t, final))
}

func TestResumeAtFailedGate(t *testing.T) {
	h := newHarness(t, autoConfig())
	ctx := context.Background()

	flaky := engine.NewTransientError("test runner lost connection", nil)
	h.gates.fail(engine.ActionTest, flaky, flaky, flaky)

	inst, err := h.orch.StartWorkflow(ctx, "acme/api#11")
	if err != nil {
		t.Fatalf("StartWorkflow() error = %v", err)
	}

	blocked := h.waitState(t, inst.InstanceID, engine.StateBlocked)
	rec := h.waitNotified(t, blocked.OpenEscalationID)
	if rec.Action != engine.ActionTest {
		t.Errorf("escalation action = %s, want %s", rec.Action, engine.ActionTest)
	}
	if len(rec.RetryHistory) != 3 {
		t.Errorf("retry history has %d attempts, want 3", len(rec.RetryHistory))
	}
	if rec.ReasonType != escalation.ReasonRetriesExhausted {
		t.Errorf("reason type = %s, want %s", rec.ReasonType, escalation.ReasonRetriesExhausted)
	}
	if got := blocked.RetryCounter(engine.ActionTest); got != 3 {
		t.Errorf("test retry counter = %d, want 3", got)
	}

	if err := h.orch.ResolveEscalation(ctx, rec.EscalationID, "runner replaced"); err != nil {
		t.Fatalf("ResolveEscalation() error = %v", err)
	}
	final := finish(t, h, inst.InstanceID)
	if final.State != engine.StateMerged {
		t.Fatalf("final state = %s, want %s", final.State, engine.StateMerged)
	}
	if got := h.gates.count(engine.ActionBuild); got != 1 {
		t.Errorf("build ran %d times, want 1", got)
	}
	if got := h.gates.count(engine.ActionTest); got != 4 {
		t.Errorf("test ran %d times, want 4", got)
	}

	events := h.events(t, final)
	assertGapFree(t, events)
	if n := countType(events, engine.EventWorkflowResumed); n != 1 {
		t.Errorf("recorded %d WorkflowResumed events, want 1", n)
	}
	for _, ev := range events {
		if ev.Type != engine.EventQualityGatesStarted {
			continue
		}
		var p engine.QualityGatesStartedPayload
		if err := ev.DecodePayload(&p); err != nil {
			t.Fatalf("DecodePayload() error = %v", err)
		}
		if p.GateIndex != 0 && p.GateIndex != 1 {
			t.Errorf("gates started at index %d", p.GateIndex)
		}
	}

	if err := h.orch.ResolveEscalation(ctx, rec.EscalationID, "runner replaced"); err != nil {
		t.Errorf("resolving again with the same notes error = %v", err)
	}
	if err := h.orch.ResolveEscalation(ctx, rec.EscalationID, "other"); !errors.Is(err, engine.ErrAlreadyResolved) {
		t.Errorf("resolving again with other notes error = %v, want ErrAlreadyResolved", err)
	}
}

func TestMissingGateInvokerEscalatesStructurally(t *testing.T) {
	h := newHarness(t, autoConfig())
	h.gates.missing[engine.ActionStaticAnalysis] = true

	inst, err := h.orch.StartWorkflow(context.Background(), "acme/api#12")
	if err != nil {
		t.Fatalf("StartWorkflow() error = %v", err)
	}
	blocked := h.waitState(t, inst.InstanceID, engine.StateBlocked)
	rec := h.waitNotified(t, blocked.OpenEscalationID)
	if rec.ReasonType != escalation.ReasonStructuralFailure {
		t.Errorf("reason type = %s, want %s", rec.ReasonType, escalation.ReasonStructuralFailure)
	}
	if rec.Action != engine.ActionStaticAnalysis {
		t.Errorf("escalation action = %s, want %s", rec.Action, engine.ActionStaticAnalysis)
	}
}

func TestCollaboratorTimeoutIsRetried(t *testing.T) {
	cfg := autoConfig()
	cfg.CallTimeout = 20 * time.Millisecond
	h := newHarness(t, cfg)
	h.ai.analyzeBlock = 1

	inst, err := h.orch.StartWorkflow(context.Background(), "acme/api#13")
	if err != nil {
		t.Fatalf("StartWorkflow() error = %v", err)
	}
	final := finish(t, h, inst.InstanceID)
	if final.State != engine.StateMerged {
		t.Fatalf("final state = %s, want %s", final.State, engine.StateMerged)
	}
	if n := countType(h.events(t, final), engine.ActionAnalyze.RetryEvent()); n != 1 {
		t.Errorf("recorded %d analyze retries, want 1", n)
	}
}

func TestConcurrentInstancesKeepSeparateSequences(t *testing.T) {
	h := newHarness(t, autoConfig())
	ctx := context.Background()

	a, err := h.orch.StartWorkflow(ctx, "acme/api#1")
	if err != nil {
		t.Fatalf("StartWorkflow(#1) error = %v", err)
	}
	b, err := h.orch.StartWorkflow(ctx, "acme/api#2")
	if err != nil {
		t.Fatalf("StartWorkflow(#2) error = %v", err)
	}

	for _, inst := range []*engine.WorkflowInstance{a, b} {
		final := finish(t, h, inst.InstanceID)
		if final.State != engine.StateMerged {
			t.Errorf("%s final state = %s, want %s", inst.IssueRef, final.State, engine.StateMerged)
		}
		events := h.events(t, final)
		assertGapFree(t, events)
		for _, ev := range events {
			if ev.CorrelationID != final.CorrelationID {
				t.Errorf("event %s leaked into %s", ev.ID, final.CorrelationID)
			}
		}
	}
	if a.CorrelationID == b.CorrelationID {
		t.Error("instances share a correlation id")
	}
}

func TestIssueLock(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()

	first, err := h.orch.StartWorkflow(ctx, "acme/api#5")
	if err != nil {
		t.Fatalf("StartWorkflow() error = %v", err)
	}
	if _, err := h.orch.StartWorkflow(ctx, "acme/api#5"); !errors.Is(err, engine.ErrIssueLocked) {
		t.Fatalf("second StartWorkflow() error = %v, want ErrIssueLocked", err)
	}

	h.waitState(t, first.InstanceID, engine.StateAwaitingPlanApproval)
	cancelled, err := h.orch.CancelWorkflow(ctx, first.InstanceID, "duplicate", "alice")
	if err != nil {
		t.Fatalf("CancelWorkflow() error = %v", err)
	}
	if cancelled.State != engine.StateCancelled {
		t.Fatalf("state after cancel = %s, want %s", cancelled.State, engine.StateCancelled)
	}

	if _, err := h.orch.StartWorkflow(ctx, "acme/api#5"); err != nil {
		t.Fatalf("StartWorkflow() after cancel error = %v", err)
	}
	if _, err := h.orch.CancelWorkflow(ctx, first.InstanceID, "again", "alice"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Errorf("cancelling a cancelled instance error = %v, want ErrInvalidTransition", err)
	}
}

func TestStartWorkflowValidation(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	_, err := h.orch.StartWorkflow(context.Background(), "")
	if !engine.IsValidation(err) {
		t.Fatalf("StartWorkflow(\"\") error = %v, want validation error", err)
	}
}

func TestConcurrencyLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrency = 1
	h := newHarness(t, cfg)
	ctx := context.Background()

	first, err := h.orch.StartWorkflow(ctx, "acme/api#20")
	if err != nil {
		t.Fatalf("StartWorkflow() error = %v", err)
	}
	if _, err := h.orch.StartWorkflow(ctx, "acme/api#21"); !errors.Is(err, engine.ErrConcurrencyLimit) {
		t.Fatalf("StartWorkflow() over the limit error = %v, want ErrConcurrencyLimit", err)
	}

	h.waitState(t, first.InstanceID, engine.StateAwaitingPlanApproval)
	if _, err := h.orch.CancelWorkflow(ctx, first.InstanceID, "make room", "alice"); err != nil {
		t.Fatalf("CancelWorkflow() error = %v", err)
	}
	if _, err := h.orch.StartWorkflow(ctx, "acme/api#21"); err != nil {
		t.Fatalf("StartWorkflow() after release error = %v", err)
	}
}

func TestCancelWhileBlocked(t *testing.T) {
	h := newHarness(t, autoConfig())
	ctx := context.Background()
	h.gates.fail(engine.ActionBuild, engine.NewStructuralError("syntax error in main.go", nil))

	inst, err := h.orch.StartWorkflow(ctx, "acme/api#30")
	if err != nil {
		t.Fatalf("StartWorkflow() error = %v", err)
	}
	blocked := h.waitState(t, inst.InstanceID, engine.StateBlocked)
	h.waitNotified(t, blocked.OpenEscalationID)

	cancelled, err := h.orch.CancelWorkflow(ctx, inst.InstanceID, "abandoned", "alice")
	if err != nil {
		t.Fatalf("CancelWorkflow() error = %v", err)
	}
	if cancelled.State != engine.StateCancelled {
		t.Fatalf("state = %s, want %s", cancelled.State, engine.StateCancelled)
	}

	events := h.events(t, cancelled)
	last := events[len(events)-1]
	if last.Type != engine.EventCancelled {
		t.Fatalf("last event = %s, want %s", last.Type, engine.EventCancelled)
	}
	var p engine.CancelledPayload
	if err := last.DecodePayload(&p); err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	if p.Reason != "abandoned" || p.RequestedBy != "alice" {
		t.Errorf("cancel payload = %+v", p)
	}
	if h.orch.Active() != 0 {
		t.Errorf("%d tasks still active", h.orch.Active())
	}
}

func TestApprovalTimeoutCancels(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ApprovalTimeout = 20 * time.Millisecond
	h := newHarness(t, cfg)

	inst, err := h.orch.StartWorkflow(context.Background(), "acme/api#40")
	if err != nil {
		t.Fatalf("StartWorkflow() error = %v", err)
	}
	final := finish(t, h, inst.InstanceID)
	if final.State != engine.StateCancelled {
		t.Fatalf("state = %s, want %s", final.State, engine.StateCancelled)
	}
	events := h.events(t, final)
	if events[len(events)-1].Actor != engine.ActorSystem {
		t.Errorf("cancel actor = %s, want %s", events[len(events)-1].Actor, engine.ActorSystem)
	}
}

func TestEscalationTimeoutPolicy(t *testing.T) {
	tests := []struct {
		name   string
		policy TimeoutPolicy
		want   engine.WorkflowState
	}{
		{"abort cancels", TimeoutAbort, engine.StateCancelled},
		{"block keeps waiting", TimeoutBlock, engine.StateBlocked},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := autoConfig()
			cfg.EscalationTimeout = 20 * time.Millisecond
			cfg.EscalationTimeoutPolicy = tt.policy
			h := newHarness(t, cfg)
			h.gates.fail(engine.ActionBuild, engine.NewStructuralError("missing go.mod", nil))

			inst, err := h.orch.StartWorkflow(context.Background(), "acme/api#50")
			if err != nil {
				t.Fatalf("StartWorkflow() error = %v", err)
			}
			blocked := h.waitState(t, inst.InstanceID, engine.StateBlocked)

			waitFor(t, "escalation timeout", func() bool {
				events := h.events(t, blocked)
				return countType(events, engine.EventEscalationTimedOut) > 0
			})
			got := h.waitState(t, inst.InstanceID, tt.want)
			if tt.want == engine.StateBlocked && got.OpenEscalationID != blocked.OpenEscalationID {
				t.Errorf("open escalation changed from %s to %s", blocked.OpenEscalationID, got.OpenEscalationID)
			}
		})
	}
}

func TestRecoverAfterRestart(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cfg := DefaultConfig()
	cfg.AutoApproveMerge = true
	first := newHarnessWithStore(t, cfg, store)

	inst, err := first.orch.StartWorkflow(ctx, "acme/api#60")
	if err != nil {
		t.Fatalf("StartWorkflow() error = %v", err)
	}
	first.waitState(t, inst.InstanceID, engine.StateAwaitingPlanApproval)

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := first.orch.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	proj, err := store.GetInstance(ctx, inst.InstanceID)
	if err != nil {
		t.Fatalf("GetInstance() error = %v", err)
	}
	if proj.State != engine.StateAwaitingPlanApproval {
		t.Fatalf("projection state after shutdown = %s, want %s", proj.State, engine.StateAwaitingPlanApproval)
	}

	second := newHarnessWithStore(t, cfg, store)
	n, err := second.orch.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("Recover() = %d, want 1", n)
	}
	if _, err := second.orch.StartWorkflow(ctx, "acme/api#60"); !errors.Is(err, engine.ErrIssueLocked) {
		t.Errorf("StartWorkflow() on a recovered issue error = %v, want ErrIssueLocked", err)
	}

	second.waitState(t, inst.InstanceID, engine.StateAwaitingPlanApproval)
	if err := second.orch.ApprovePlan(ctx, inst.InstanceID, Approval{ApprovedBy: "alice"}); err != nil {
		t.Fatalf("ApprovePlan() error = %v", err)
	}
	final := finish(t, second, inst.InstanceID)
	if final.State != engine.StateMerged {
		t.Fatalf("final state = %s, want %s", final.State, engine.StateMerged)
	}
	assertGapFree(t, second.events(t, final))
}

func TestListOverlaysLiveState(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()

	inst, err := h.orch.StartWorkflow(ctx, "acme/api#70")
	if err != nil {
		t.Fatalf("StartWorkflow() error = %v", err)
	}
	h.waitState(t, inst.InstanceID, engine.StateAwaitingPlanApproval)

	list, err := h.orch.List(ctx, ListFilter{ActiveOnly: true})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 1 || list[0].InstanceID != inst.InstanceID {
		t.Fatalf("List() = %v, want the started instance", list)
	}
	if list[0].State != engine.StateAwaitingPlanApproval {
		t.Errorf("listed state = %s, want %s", list[0].State, engine.StateAwaitingPlanApproval)
	}
}

func TestBranchNames(t *testing.T) {
	tests := []struct {
		ref  string
		want string
	}{
		{"acme/api#42", "acme-api-42"},
		{"PROJ-7", "proj-7"},
		{"#9", "9"},
	}
	for _, tt := range tests {
		if got := sanitizeRef(tt.ref); got != tt.want {
			t.Errorf("sanitizeRef(%q) = %q, want %q", tt.ref, got, tt.want)
		}
	}
}
