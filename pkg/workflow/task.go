package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/devloop/devloop/pkg/engine"
	"github.com/devloop/devloop/pkg/telemetry"
)

type controlKind string

const (
	controlApprovePlan  controlKind = "approve-plan"
	controlApproveMerge controlKind = "approve-merge"
)

// control is a message delivered to an instance mailbox.
type control struct {
	kind     controlKind
	approval Approval
	reply    chan error
}

// cancelGrace bounds the append of the Cancelled event after the task
// context is gone.
const cancelGrace = 30 * time.Second

// task owns one workflow instance. Only its goroutine appends workflow
// events for the instance.
type task struct {
	o          *Orchestrator
	instanceID string
	corrID     string
	issueRef   string

	mu        sync.Mutex
	inst      *engine.WorkflowInstance
	cancelReq *engine.CancelledPayload
	err       error

	// Collaborator results of the current run. After a recovery they are
	// rebuilt from the aggregate.
	issue    *engine.Issue
	analysis *engine.Analysis
	plan     *engine.Plan

	mailbox     chan control
	ctx         context.Context
	cancel      context.CancelFunc
	done        chan struct{}
	unsubscribe func()
	holdsSlot   bool
	started     time.Time
	log         zerolog.Logger
}

func (o *Orchestrator) newTask(instanceID, corrID, issueRef string, inst *engine.WorkflowInstance) *task {
	ctx, cancel := context.WithCancel(o.baseCtx)
	t := &task{
		o:          o,
		instanceID: instanceID,
		corrID:     corrID,
		issueRef:   issueRef,
		inst:       inst,
		mailbox:    make(chan control),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		started:    o.now(),
		log: o.logger.With().
			Str("instance_id", instanceID).
			Str("correlation_id", corrID).
			Str("issue_ref", issueRef).
			Logger(),
	}
	t.unsubscribe = o.journal.subscribe(corrID, t.apply)
	return t
}

// apply folds an event appended through the journal into the live aggregate
// and refreshes the projection.
func (t *task) apply(ev engine.Event) {
	t.mu.Lock()
	from := t.inst.State
	if err := t.inst.Apply(ev); err != nil {
		t.mu.Unlock()
		t.log.Error().Err(err).Str("event_type", string(ev.Type)).Msg("failed to apply event to live state")
		return
	}
	to := t.inst.State
	snapshot := t.inst.Clone()
	t.mu.Unlock()

	if from != to && from != "" && t.o.metrics != nil {
		t.o.metrics.RecordTransition(string(from), string(to))
	}
	if from != to {
		t.log.Info().Str("from", string(from)).Str("to", string(to)).Msg("state changed")
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(t.ctx), cancelGrace)
	defer cancel()
	if err := t.o.store.SaveInstance(ctx, snapshot); err != nil {
		t.log.Warn().Err(err).Msg("failed to update instance projection")
	}
}

func (t *task) record(ctx context.Context, typ engine.EventType, actor engine.Actor, payload interface{}) error {
	ev, err := engine.NewEvent(t.corrID, typ, actor, payload)
	if err != nil {
		return err
	}
	if _, err := t.o.journal.Append(ctx, ev); err != nil {
		return fmt.Errorf("failed to record %s: %w", typ, err)
	}
	return nil
}

func (t *task) snapshot() *engine.WorkflowInstance {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inst.Clone()
}

func (t *task) state() engine.WorkflowState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inst.State
}

func (t *task) requestCancel(p engine.CancelledPayload) {
	t.mu.Lock()
	if t.cancelReq == nil {
		t.cancelReq = &p
	}
	t.mu.Unlock()
	t.cancel()
}

func (t *task) cancelRequest() *engine.CancelledPayload {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelReq
}

func (t *task) failure() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *task) fail(err error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
}

func (t *task) run() {
	defer t.finish()

	ctx, span := telemetry.WithWorkflowContext(t.ctx, t.instanceID, t.corrID, t.issueRef)
	defer span.End()

	// Recovered tasks queue for a slot; StartWorkflow already holds one.
	if !t.holdsSlot {
		if err := t.o.acquireSlot(ctx); err != nil {
			t.stopped()
			return
		}
		t.holdsSlot = true
	}

	for {
		if ctx.Err() != nil {
			t.stopped()
			return
		}

		state := t.state()
		if state.IsTerminal() {
			return
		}

		if err := t.step(ctx, state); err != nil {
			if ctx.Err() != nil {
				continue
			}
			t.fail(err)
			t.log.Error().Err(err).Str("state", string(state)).Msg("workflow stopped, instance left for recovery")
			return
		}
	}
}

func (t *task) step(ctx context.Context, state engine.WorkflowState) error {
	switch state {
	case engine.StateSelected:
		return t.record(ctx, engine.EventAnalysisStarted, engine.ActorSystem, nil)
	case engine.StateAnalyzing:
		return t.analyze(ctx)
	case engine.StateAwaitingPlanApproval:
		return t.awaitApproval(ctx, controlApprovePlan, t.o.cfg.AutoApprovePlan, engine.EventPlanApproved)
	case engine.StateImplementing:
		return t.implement(ctx)
	case engine.StateQualityGates:
		return t.runGates(ctx)
	case engine.StateAwaitingMergeApproval:
		return t.mergeStage(ctx)
	case engine.StateBlocked:
		return t.awaitUnblock(ctx)
	}
	return fmt.Errorf("%w: no step for state %q", engine.ErrInvalidTransition, state)
}

// stopped runs once the task context is done. An operator cancellation
// records WorkflowCancelled; a shutdown leaves the instance active.
func (t *task) stopped() {
	req := t.cancelRequest()
	if req == nil {
		t.log.Info().Msg("workflow task stopped for shutdown")
		return
	}
	if t.state().IsTerminal() {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(t.ctx), cancelGrace)
	defer cancel()
	if err := t.record(ctx, engine.EventCancelled, cancelActor(req), *req); err != nil {
		t.fail(err)
		t.log.Error().Err(err).Msg("failed to record cancellation")
		return
	}
	t.log.Info().Str("reason", req.Reason).Str("requested_by", req.RequestedBy).Msg("workflow cancelled")
}

func cancelActor(req *engine.CancelledPayload) engine.Actor {
	if req.RequestedBy == "" || req.RequestedBy == string(engine.ActorSystem) {
		return engine.ActorSystem
	}
	return engine.ActorHuman
}

func (t *task) finish() {
	o := t.o
	inst := t.snapshot()

	if t.holdsSlot {
		o.releaseSlot()
	}
	t.unsubscribe()
	o.executor.Forget(t.instanceID)
	o.registry.remove(t.instanceID)
	o.registry.unlockIssue(t.issueRef, t.instanceID)
	t.cancel()

	if o.metrics != nil {
		if inst.State.IsTerminal() {
			o.metrics.RecordWorkflowFinished(string(inst.State), o.now().Sub(inst.CreatedAt))
		}
		o.metrics.SetActiveWorkflows(float64(o.registry.count()))
	}

	close(t.done)
	o.wg.Done()
}

// awaitApproval waits for an approval control message, or approves
// immediately when auto is set.
func (t *task) awaitApproval(ctx context.Context, kind controlKind, auto bool, typ engine.EventType) error {
	if auto {
		return t.record(ctx, typ, engine.ActorSystem, engine.ApprovalPayload{ApprovedBy: "auto"})
	}

	var expired <-chan time.Time
	if t.o.cfg.ApprovalTimeout > 0 {
		timer := time.NewTimer(t.o.cfg.ApprovalTimeout)
		defer timer.Stop()
		expired = timer.C
	}

	t.log.Info().Str("approval", string(kind)).Msg("waiting for approval")
	for {
		select {
		case msg := <-t.mailbox:
			if msg.kind != kind {
				msg.reply <- fmt.Errorf("%w: instance %s is waiting for %s", engine.ErrInvalidTransition, t.instanceID, kind)
				continue
			}
			err := t.record(ctx, typ, engine.ActorHuman, engine.ApprovalPayload{
				ApprovedBy: msg.approval.ApprovedBy,
				Comment:    msg.approval.Comment,
			})
			msg.reply <- err
			return err

		case <-expired:
			t.requestCancel(engine.CancelledPayload{
				Reason:      fmt.Sprintf("%s not received within %s", kind, t.o.cfg.ApprovalTimeout),
				RequestedBy: string(engine.ActorSystem),
			})
			return ctx.Err()

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// awaitUnblock waits for the open escalation to be resolved and resumes the
// instance at the action that failed.
func (t *task) awaitUnblock(ctx context.Context) error {
	inst := t.snapshot()
	esc := t.o.escalations

	rec, err := esc.Get(ctx, inst.OpenEscalationID)
	if err != nil {
		return fmt.Errorf("failed to load escalation %s: %w", inst.OpenEscalationID, err)
	}
	if rec.Status == engine.EscalationTriggered {
		if err := esc.Notify(ctx, rec.EscalationID, t.o.cfg.NotifyChannels); err != nil && !errors.Is(err, engine.ErrNotificationDelivery) {
			return err
		}
	}

	res, err := esc.AwaitResolution(ctx, rec.EscalationID, t.o.cfg.EscalationTimeout)
	if err != nil {
		return err
	}

	if res.TimedOut {
		if t.o.cfg.EscalationTimeoutPolicy == TimeoutAbort {
			t.requestCancel(engine.CancelledPayload{
				Reason:      fmt.Sprintf("escalation %s not resolved within %s", rec.EscalationID, t.o.cfg.EscalationTimeout),
				RequestedBy: string(engine.ActorSystem),
			})
			return ctx.Err()
		}
		t.log.Warn().Str("escalation_id", rec.EscalationID).Msg("escalation timed out, still blocked")
		return nil
	}

	t.o.executor.Reset(t.instanceID, rec.Action)
	return t.record(ctx, engine.EventWorkflowResumed, engine.ActorHuman, engine.ResumedPayload{
		EscalationID: rec.EscalationID,
		Action:       rec.Action,
		ResumeState:  inst.ResumeState,
		GateIndex:    inst.GateIndex,
		Notes:        res.Notes,
	})
}
