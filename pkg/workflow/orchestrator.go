package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/devloop/devloop/pkg/engine"
	"github.com/devloop/devloop/pkg/escalation"
	"github.com/devloop/devloop/pkg/gates"
	"github.com/devloop/devloop/pkg/stores"
	"github.com/devloop/devloop/pkg/telemetry"
)

// Store is the read side of the event store plus the instance projection.
type Store interface {
	engine.EventReader
	SaveInstance(ctx context.Context, inst *engine.WorkflowInstance) error
	GetInstance(ctx context.Context, instanceID string) (*engine.WorkflowInstance, error)
	ListInstances(ctx context.Context, filter stores.InstanceFilter) ([]*engine.WorkflowInstance, error)
}

// GateExecutor runs actions under the retry policy.
type GateExecutor interface {
	Execute(ctx context.Context, subject gates.Subject, action engine.ActionType, invoker gates.Invoker) (gates.GateResult, error)
	Reset(instanceID string, action engine.ActionType)
	Restore(instanceID string, counters map[engine.ActionType]int)
	Forget(instanceID string)
}

// Escalations hands failures to humans.
type Escalations interface {
	CreateEscalation(ctx context.Context, req escalation.Request) (string, error)
	Notify(ctx context.Context, escalationID string, channels []string) error
	AwaitResolution(ctx context.Context, escalationID string, timeout time.Duration) (escalation.Resolution, error)
	Resolve(ctx context.Context, escalationID, notes string) error
	Get(ctx context.Context, escalationID string) (*engine.EscalationRecord, error)
	Restore(ctx context.Context) (int, error)
}

// PendingEvents is implemented by appenders that accept events before the
// store has them, such as stores.BufferedStore.
type PendingEvents interface {
	PendingCorrelations() []string
	PendingFor(correlationID string) []engine.Event
}

// GateInvokerFactory returns the invoker for a quality gate of an instance.
type GateInvokerFactory func(inst *engine.WorkflowInstance, action engine.ActionType) (gates.Invoker, error)

// IssueFetcher is implemented by git platforms that can load issue content.
type IssueFetcher interface {
	GetIssue(ctx context.Context, issueRef string) (*engine.Issue, error)
}

// Metrics is the subset of telemetry metrics the orchestrator records.
type Metrics interface {
	RecordWorkflowStarted()
	RecordWorkflowFinished(state string, duration time.Duration)
	SetActiveWorkflows(count float64)
	RecordTransition(from, to string)
}

// Dependencies are the collaborators of an Orchestrator.
type Dependencies struct {
	Journal     *Journal
	Store       Store
	Executor    GateExecutor
	Escalations Escalations
	AI          engine.AIProvider
	Git         engine.GitPlatform
	Gates       GateInvokerFactory
	Metrics     Metrics
	Logger      zerolog.Logger

	// Pending, when set, supplies accepted but unstored events to Recover.
	Pending PendingEvents

	// Telemetry, when set, is carried in every instance context so steps
	// and collaborator calls are traced.
	Telemetry *telemetry.Telemetry
}

func (d Dependencies) validate() error {
	switch {
	case d.Journal == nil:
		return errors.New("journal is required")
	case d.Store == nil:
		return errors.New("store is required")
	case d.Executor == nil:
		return errors.New("gate executor is required")
	case d.Escalations == nil:
		return errors.New("escalation manager is required")
	case d.AI == nil:
		return errors.New("AI provider is required")
	case d.Git == nil:
		return errors.New("git platform is required")
	case d.Gates == nil:
		return errors.New("gate invoker factory is required")
	}
	return nil
}

// Approval is a human decision sent to a waiting instance.
type Approval struct {
	ApprovedBy string `json:"approvedBy,omitempty"`
	Comment    string `json:"comment,omitempty"`
}

// ListFilter selects instances for List.
type ListFilter struct {
	ActiveOnly bool
	IssueRef   string
	Limit      int
	Offset     int
}

// Orchestrator drives workflow instances, one goroutine per instance.
// Instances are addressed only by ID; no goroutine other than an instance's
// own task mutates its state.
type Orchestrator struct {
	cfg         Config
	journal     *Journal
	store       Store
	pending     PendingEvents
	executor    GateExecutor
	escalations Escalations
	ai          engine.AIProvider
	git         engine.GitPlatform
	gates       GateInvokerFactory
	metrics     Metrics
	logger      zerolog.Logger
	now         func() time.Time

	registry *registry
	slots    chan struct{}

	baseCtx  context.Context
	shutdown context.CancelFunc

	closeMu sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
}

// New creates an orchestrator.
func New(cfg Config, deps Dependencies) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid orchestrator config: %w", err)
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	root := context.Background()
	if deps.Telemetry != nil {
		root = deps.Telemetry.WithContext(root)
	}
	baseCtx, cancel := context.WithCancel(root)
	return &Orchestrator{
		cfg:         cfg,
		journal:     deps.Journal,
		store:       deps.Store,
		pending:     deps.Pending,
		executor:    deps.Executor,
		escalations: deps.Escalations,
		ai:          deps.AI,
		git:         deps.Git,
		gates:       deps.Gates,
		metrics:     deps.Metrics,
		logger:      deps.Logger.With().Str("component", "orchestrator").Logger(),
		now:         func() time.Time { return time.Now().UTC() },
		registry:    newRegistry(),
		slots:       make(chan struct{}, cfg.MaxConcurrency),
		baseCtx:     baseCtx,
		shutdown:    cancel,
	}, nil
}

// StartWorkflow selects an issue and starts its instance. It fails with
// engine.ErrIssueLocked while the issue has an active instance and with
// engine.ErrConcurrencyLimit when the orchestrator is at capacity.
func (o *Orchestrator) StartWorkflow(ctx context.Context, issueRef string) (*engine.WorkflowInstance, error) {
	if issueRef == "" {
		return nil, engine.NewValidationError("issue reference is required", nil)
	}

	o.closeMu.RLock()
	defer o.closeMu.RUnlock()
	if o.closed {
		return nil, errors.New("orchestrator is shut down")
	}

	instanceID := uuid.New().String()
	if err := o.registry.lockIssue(issueRef, instanceID); err != nil {
		return nil, err
	}

	active, err := o.store.ListInstances(ctx, stores.InstanceFilter{ActiveOnly: true, IssueRef: issueRef, Limit: 1})
	if err != nil {
		o.registry.unlockIssue(issueRef, instanceID)
		return nil, fmt.Errorf("failed to check active instances: %w", err)
	}
	if len(active) > 0 {
		o.registry.unlockIssue(issueRef, instanceID)
		return nil, fmt.Errorf("%w: %s is owned by instance %s", engine.ErrIssueLocked, issueRef, active[0].InstanceID)
	}

	select {
	case o.slots <- struct{}{}:
	default:
		o.registry.unlockIssue(issueRef, instanceID)
		return nil, fmt.Errorf("%w (%d)", engine.ErrConcurrencyLimit, o.cfg.MaxConcurrency)
	}

	t := o.newTask(instanceID, uuid.New().String(), issueRef, &engine.WorkflowInstance{})
	t.holdsSlot = true

	err = t.record(ctx, engine.EventIssueSelected, engine.ActorSystem, engine.IssueSelectedPayload{
		InstanceID: instanceID,
		IssueRef:   issueRef,
	})
	if err != nil {
		t.unsubscribe()
		<-o.slots
		o.registry.unlockIssue(issueRef, instanceID)
		return nil, fmt.Errorf("failed to select issue %s: %w", issueRef, err)
	}

	o.registry.add(t)
	if o.metrics != nil {
		o.metrics.RecordWorkflowStarted()
		o.metrics.SetActiveWorkflows(float64(o.registry.count()))
	}
	t.log.Info().Msg("workflow started")

	o.wg.Add(1)
	go t.run()
	return t.snapshot(), nil
}

// CancelWorkflow cancels an active instance and waits until its Cancelled
// event is recorded.
func (o *Orchestrator) CancelWorkflow(ctx context.Context, instanceID, reason, requestedBy string) (*engine.WorkflowInstance, error) {
	t, err := o.activeTask(ctx, instanceID)
	if errors.Is(err, engine.ErrNotFound) {
		return o.cancelStranded(ctx, instanceID, reason, requestedBy)
	}
	if err != nil {
		return nil, err
	}

	t.requestCancel(engine.CancelledPayload{Reason: reason, RequestedBy: requestedBy})

	select {
	case <-t.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if err := t.failure(); err != nil {
		return t.snapshot(), err
	}
	return t.snapshot(), nil
}

// cancelStranded cancels an active instance that has no running task, such
// as one stopped by a store failure.
func (o *Orchestrator) cancelStranded(ctx context.Context, instanceID, reason, requestedBy string) (*engine.WorkflowInstance, error) {
	proj, err := o.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	events, err := o.store.Events(ctx, proj.CorrelationID, -1)
	if err != nil {
		return nil, fmt.Errorf("failed to load events for %s: %w", instanceID, err)
	}
	inst, err := engine.Replay(events)
	if err != nil {
		return nil, err
	}

	payload := engine.CancelledPayload{Reason: reason, RequestedBy: requestedBy}
	ev, err := engine.NewEvent(inst.CorrelationID, engine.EventCancelled, cancelActor(&payload), payload)
	if err != nil {
		return nil, err
	}
	seq, err := o.journal.Append(ctx, ev)
	if err != nil {
		return nil, fmt.Errorf("failed to record %s: %w", engine.EventCancelled, err)
	}
	ev.Sequence = seq
	if err := inst.Apply(ev); err != nil {
		return nil, err
	}
	if err := o.store.SaveInstance(ctx, inst); err != nil {
		return nil, err
	}
	o.executor.Forget(instanceID)
	return inst, nil
}

// ApprovePlan approves the plan of an instance waiting in AwaitingPlanApproval.
func (o *Orchestrator) ApprovePlan(ctx context.Context, instanceID string, approval Approval) error {
	return o.sendControl(ctx, instanceID, controlApprovePlan, engine.StateAwaitingPlanApproval, approval)
}

// ApproveMerge approves the merge of an instance waiting in AwaitingMergeApproval.
func (o *Orchestrator) ApproveMerge(ctx context.Context, instanceID string, approval Approval) error {
	return o.sendControl(ctx, instanceID, controlApproveMerge, engine.StateAwaitingMergeApproval, approval)
}

func (o *Orchestrator) sendControl(ctx context.Context, instanceID string, kind controlKind, want engine.WorkflowState, approval Approval) error {
	t, err := o.activeTask(ctx, instanceID)
	if err != nil {
		return err
	}
	if state := t.snapshot().State; state != want {
		return fmt.Errorf("%w: instance %s is %s, not %s", engine.ErrInvalidTransition, instanceID, state, want)
	}

	msg := control{kind: kind, approval: approval, reply: make(chan error, 1)}
	select {
	case t.mailbox <- msg:
	case <-t.done:
		return fmt.Errorf("%w: instance %s stopped", engine.ErrInvalidTransition, instanceID)
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-msg.reply:
		return err
	case <-t.done:
		return fmt.Errorf("%w: instance %s stopped", engine.ErrInvalidTransition, instanceID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ResolveEscalation resolves an escalation. The blocked instance resumes at
// the action that failed.
func (o *Orchestrator) ResolveEscalation(ctx context.Context, escalationID, notes string) error {
	return o.escalations.Resolve(ctx, escalationID, notes)
}

// Get returns the current state of an instance.
func (o *Orchestrator) Get(ctx context.Context, instanceID string) (*engine.WorkflowInstance, error) {
	if t, ok := o.registry.get(instanceID); ok {
		return t.snapshot(), nil
	}
	return o.store.GetInstance(ctx, instanceID)
}

// List returns instances from the projection, with running instances
// replaced by their live state.
func (o *Orchestrator) List(ctx context.Context, filter ListFilter) ([]*engine.WorkflowInstance, error) {
	insts, err := o.store.ListInstances(ctx, stores.InstanceFilter{
		ActiveOnly: filter.ActiveOnly,
		IssueRef:   filter.IssueRef,
		Limit:      filter.Limit,
		Offset:     filter.Offset,
	})
	if err != nil {
		return nil, err
	}
	for i, inst := range insts {
		if t, ok := o.registry.get(inst.InstanceID); ok {
			insts[i] = t.snapshot()
		}
	}
	return insts, nil
}

// Replay folds the events of an instance up to and including sequence upto.
// A negative upto replays everything.
func (o *Orchestrator) Replay(ctx context.Context, instanceID string, upto int64) (*engine.WorkflowInstance, error) {
	inst, err := o.Get(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	events, err := o.store.Events(ctx, inst.CorrelationID, upto)
	if err != nil {
		return nil, fmt.Errorf("failed to load events for %s: %w", instanceID, err)
	}
	return engine.Replay(events)
}

// Recover restarts the tasks of every active instance found in the
// projection or in the pending events. Each instance is rebuilt by replaying
// its stored events and then applying its pending ones; the projection is
// only used when replay fails.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	if _, err := o.escalations.Restore(ctx); err != nil {
		return 0, fmt.Errorf("failed to restore escalations: %w", err)
	}

	const page = 200
	var active []*engine.WorkflowInstance
	for offset := 0; ; offset += page {
		insts, err := o.store.ListInstances(ctx, stores.InstanceFilter{ActiveOnly: true, Limit: page, Offset: offset})
		if err != nil {
			return 0, fmt.Errorf("failed to list active instances: %w", err)
		}
		active = append(active, insts...)
		if len(insts) < page {
			break
		}
	}
	active = append(active, o.pendingOnly(ctx, active)...)
	sort.Slice(active, func(i, j int) bool { return active[i].CreatedAt.Before(active[j].CreatedAt) })

	o.closeMu.RLock()
	defer o.closeMu.RUnlock()
	if o.closed {
		return 0, errors.New("orchestrator is shut down")
	}

	recovered := 0
	for _, proj := range active {
		if _, running := o.registry.get(proj.InstanceID); running {
			continue
		}

		inst, err := o.rebuild(ctx, proj.CorrelationID)
		if err != nil {
			o.logger.Warn().Err(err).Str("instance_id", proj.InstanceID).Msg("replay failed, recovering from projection")
			inst = proj
		}
		if !inst.State.IsActive() {
			continue
		}

		if err := o.registry.lockIssue(inst.IssueRef, inst.InstanceID); err != nil {
			o.logger.Error().Err(err).Str("instance_id", inst.InstanceID).Msg("cannot recover instance")
			continue
		}

		o.executor.Restore(inst.InstanceID, inst.RetryCounters)
		t := o.newTask(inst.InstanceID, inst.CorrelationID, inst.IssueRef, inst)
		o.registry.add(t)
		recovered++

		t.log.Info().Str("state", string(inst.State)).Msg("workflow recovered")
		o.wg.Add(1)
		go t.run()
	}

	if o.metrics != nil {
		o.metrics.SetActiveWorkflows(float64(o.registry.count()))
	}
	return recovered, nil
}

// rebuild folds the stored events of a correlation ID followed by its
// pending events. Pending events already in the store are skipped.
func (o *Orchestrator) rebuild(ctx context.Context, correlationID string) (*engine.WorkflowInstance, error) {
	stored, err := o.store.Events(ctx, correlationID, -1)
	if err != nil {
		return nil, err
	}
	var pending []engine.Event
	if o.pending != nil {
		pending = o.pending.PendingFor(correlationID)
	}

	inst := &engine.WorkflowInstance{}
	if len(stored) > 0 {
		if inst, err = engine.Replay(stored); err != nil {
			return nil, err
		}
	} else if len(pending) == 0 {
		return nil, fmt.Errorf("no events for correlation %s", correlationID)
	}

	seen := make(map[string]bool, len(stored))
	for _, ev := range stored {
		seen[ev.ID] = true
	}
	for _, ev := range pending {
		if seen[ev.ID] {
			continue
		}
		if err := inst.Apply(ev); err != nil {
			return nil, fmt.Errorf("apply pending event %s: %w", ev.ID, err)
		}
	}
	return inst, nil
}

// pendingOnly rebuilds the active instances that have pending events but
// are missing from known, the projections read from the store.
func (o *Orchestrator) pendingOnly(ctx context.Context, known []*engine.WorkflowInstance) []*engine.WorkflowInstance {
	if o.pending == nil {
		return nil
	}
	seen := make(map[string]bool, len(known))
	for _, inst := range known {
		seen[inst.CorrelationID] = true
	}

	var out []*engine.WorkflowInstance
	for _, corr := range o.pending.PendingCorrelations() {
		if seen[corr] {
			continue
		}
		inst, err := o.rebuild(ctx, corr)
		if err != nil {
			o.logger.Warn().Err(err).Str("correlation_id", corr).Msg("skipping pending instance")
			continue
		}
		if inst.State.IsActive() {
			out = append(out, inst)
		}
	}
	return out
}

// Shutdown stops every task without cancelling its workflow; Recover picks
// them up again on the next start.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.closeMu.Lock()
	o.closed = true
	o.closeMu.Unlock()

	for _, t := range o.registry.list() {
		t.log.Info().Str("state", string(t.state())).Msg("stopping workflow task")
	}
	o.shutdown()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the instance task exits or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, instanceID string) (*engine.WorkflowInstance, error) {
	t, ok := o.registry.get(instanceID)
	if !ok {
		return o.Get(ctx, instanceID)
	}
	select {
	case <-t.done:
		return t.snapshot(), t.failure()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Active returns the number of running instance tasks.
func (o *Orchestrator) Active() int {
	return o.registry.count()
}

func (o *Orchestrator) activeTask(ctx context.Context, instanceID string) (*task, error) {
	if t, ok := o.registry.get(instanceID); ok {
		return t, nil
	}
	inst, err := o.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.State.IsTerminal() {
		return nil, fmt.Errorf("%w: instance %s is %s", engine.ErrInvalidTransition, instanceID, inst.State)
	}
	return nil, fmt.Errorf("%w: instance %s is not running", engine.ErrNotFound, instanceID)
}

func (o *Orchestrator) acquireSlot(ctx context.Context) error {
	select {
	case o.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) releaseSlot() {
	<-o.slots
}
