package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devloop/devloop/pkg/engine"
	"github.com/devloop/devloop/pkg/stores"
	"github.com/devloop/devloop/pkg/workflow"
)

type fakeWorkflows struct {
	mu        sync.Mutex
	instances map[string]*engine.WorkflowInstance
	approvals []workflow.Approval
	resolved  map[string]string
	startErr  error
	lastUpto  int64
	lastList  workflow.ListFilter
}

func newFakeWorkflows() *fakeWorkflows {
	return &fakeWorkflows{
		instances: map[string]*engine.WorkflowInstance{},
		resolved:  map[string]string{},
	}
}

func (f *fakeWorkflows) StartWorkflow(_ context.Context, issueRef string) (*engine.WorkflowInstance, error) {
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	inst := &engine.WorkflowInstance{InstanceID: "wf-1", CorrelationID: "wf-1", IssueRef: issueRef, State: engine.StateSelected}
	f.instances[inst.InstanceID] = inst
	return inst, nil
}

func (f *fakeWorkflows) CancelWorkflow(_ context.Context, id, _, _ string) (*engine.WorkflowInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[id]
	if !ok {
		return nil, engine.ErrNotFound
	}
	inst.State = engine.StateCancelled
	return inst, nil
}

func (f *fakeWorkflows) ApprovePlan(_ context.Context, id string, a workflow.Approval) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[id]
	if !ok {
		return engine.ErrNotFound
	}
	if inst.State != engine.StateAwaitingPlanApproval {
		return engine.ErrInvalidTransition
	}
	inst.State = engine.StateImplementing
	f.approvals = append(f.approvals, a)
	return nil
}

func (f *fakeWorkflows) ApproveMerge(_ context.Context, id string, a workflow.Approval) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.instances[id]; !ok {
		return engine.ErrNotFound
	}
	f.approvals = append(f.approvals, a)
	return nil
}

func (f *fakeWorkflows) ResolveEscalation(_ context.Context, id, notes string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if prev, ok := f.resolved[id]; ok && prev != notes {
		return engine.ErrAlreadyResolved
	}
	f.resolved[id] = notes
	return nil
}

func (f *fakeWorkflows) Get(_ context.Context, id string) (*engine.WorkflowInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[id]
	if !ok {
		return nil, engine.ErrNotFound
	}
	return inst, nil
}

func (f *fakeWorkflows) List(_ context.Context, filter workflow.ListFilter) ([]*engine.WorkflowInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastList = filter
	out := make([]*engine.WorkflowInstance, 0, len(f.instances))
	for _, inst := range f.instances {
		out = append(out, inst)
	}
	return out, nil
}

func (f *fakeWorkflows) Replay(_ context.Context, id string, upto int64) (*engine.WorkflowInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastUpto = upto
	inst, ok := f.instances[id]
	if !ok {
		return nil, engine.ErrNotFound
	}
	return inst, nil
}

type fakeEscalations struct {
	records map[string]*engine.EscalationRecord
}

func (f *fakeEscalations) Get(_ context.Context, id string) (*engine.EscalationRecord, error) {
	rec, ok := f.records[id]
	if !ok {
		return nil, engine.ErrNotFound
	}
	return rec, nil
}

func (f *fakeEscalations) List(_ context.Context, filter stores.EscalationFilter) ([]*engine.EscalationRecord, error) {
	var out []*engine.EscalationRecord
	for _, rec := range f.records {
		if filter.OpenOnly && !rec.Status.IsOpen() {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

type fakeStore struct {
	mu        sync.Mutex
	healthErr error
	audit     []*stores.AuditEntry
	filter    engine.EventFilter
	events    []engine.Event
}

func (f *fakeStore) Query(_ context.Context, filter engine.EventFilter) (*engine.EventPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filter = filter
	return &engine.EventPage{Events: f.events}, nil
}

func (f *fakeStore) Events(_ context.Context, _ string, _ int64) ([]engine.Event, error) {
	return f.events, nil
}

func (f *fakeStore) RecordAudit(_ context.Context, entry *stores.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audit = append(f.audit, entry)
	return nil
}

func (f *fakeStore) HealthCheck(_ context.Context) error {
	return f.healthErr
}

func (f *fakeStore) auditActions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.audit))
	for _, e := range f.audit {
		out = append(out, e.Action+":"+e.Actor)
	}
	return out
}

type testServer struct {
	srv         *Server
	workflows   *fakeWorkflows
	escalations *fakeEscalations
	store       *fakeStore
}

func newTestServer(t *testing.T, cfg Config) *testServer {
	t.Helper()
	ts := &testServer{
		workflows: newFakeWorkflows(),
		escalations: &fakeEscalations{records: map[string]*engine.EscalationRecord{
			"esc-1": {EscalationID: "esc-1", InstanceID: "wf-1", Status: engine.EscalationNotified},
			"esc-2": {EscalationID: "esc-2", InstanceID: "wf-0", Status: engine.EscalationResolved},
		}},
		store: &fakeStore{},
	}
	srv, err := NewServer(cfg, Dependencies{
		Workflows:   ts.workflows,
		Escalations: ts.escalations,
		Store:       ts.store,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("devloop_workflows_active 0\n"))
		}),
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	ts.srv = srv
	return ts
}

func (ts *testServer) do(method, path, body string, headers ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNewServerRequiresDependencies(t *testing.T) {
	_, err := NewServer(DefaultConfig(), Dependencies{})
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, DefaultConfig())

	rec := ts.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)

	ts.store.healthErr = errors.New("disk gone")
	rec = ts.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "disk gone")
}

func TestMetricsRoute(t *testing.T) {
	ts := newTestServer(t, DefaultConfig())
	rec := ts.do(http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "devloop_workflows_active")
}

func TestTokenAuth(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Token = "s3cret"
	ts := newTestServer(t, cfg)

	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodGet, "/api/v1/workflows", "").Code, "missing key")
	assert.Equal(t, http.StatusUnauthorized, ts.do(http.MethodGet, "/api/v1/workflows", "", "Authorization", "Bearer wrong").Code)
	assert.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/api/v1/workflows", "", "Authorization", "Bearer s3cret").Code)

	// health stays open for liveness checks
	assert.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/health", "").Code)
}

func TestStartWorkflow(t *testing.T) {
	ts := newTestServer(t, DefaultConfig())

	rec := ts.do(http.MethodPost, "/api/v1/workflows", `{"issueRef":"acme/api#42"}`, ActorHeader, "alice")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var inst engine.WorkflowInstance
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &inst))
	assert.Equal(t, "acme/api#42", inst.IssueRef)
	assert.Equal(t, []string{"workflow.started:alice"}, ts.store.auditActions())

	rec = ts.do(http.MethodPost, "/api/v1/workflows", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestErrorStatusMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"locked", engine.ErrIssueLocked, http.StatusConflict},
		{"limit", engine.ErrConcurrencyLimit, http.StatusTooManyRequests},
		{"validation", engine.NewValidationError("issue reference is malformed", nil), http.StatusBadRequest},
		{"store", engine.ErrEventStoreUnavailable, http.StatusServiceUnavailable},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, DefaultConfig())
			ts.workflows.startErr = tt.err
			rec := ts.do(http.MethodPost, "/api/v1/workflows", `{"issueRef":"acme/api#1"}`)
			assert.Equal(t, tt.want, rec.Code)
			assert.Empty(t, ts.store.auditActions())
		})
	}
}

func TestGetAndReplayWorkflow(t *testing.T) {
	ts := newTestServer(t, DefaultConfig())
	ts.do(http.MethodPost, "/api/v1/workflows", `{"issueRef":"acme/api#42"}`)

	assert.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/api/v1/workflows/wf-1", "").Code)
	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodGet, "/api/v1/workflows/nope", "").Code)

	assert.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/api/v1/workflows/wf-1/replay", "").Code)
	assert.Equal(t, int64(-1), ts.workflows.lastUpto)

	assert.Equal(t, http.StatusOK, ts.do(http.MethodGet, "/api/v1/workflows/wf-1/replay?upto=3", "").Code)
	assert.Equal(t, int64(3), ts.workflows.lastUpto)

	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodGet, "/api/v1/workflows/wf-1/replay?upto=x", "").Code)
}

func TestListWorkflowsFilter(t *testing.T) {
	ts := newTestServer(t, DefaultConfig())
	rec := ts.do(http.MethodGet, "/api/v1/workflows?active=true&issueRef=acme/api%2342&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, workflow.ListFilter{ActiveOnly: true, IssueRef: "acme/api#42", Limit: 5}, ts.workflows.lastList)

	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodGet, "/api/v1/workflows?limit=-1", "").Code)
}

func TestApprovePlan(t *testing.T) {
	ts := newTestServer(t, DefaultConfig())
	ts.do(http.MethodPost, "/api/v1/workflows", `{"issueRef":"acme/api#42"}`)

	rec := ts.do(http.MethodPost, "/api/v1/workflows/wf-1/approve-plan", `{}`, ActorHeader, "bob")
	assert.Equal(t, http.StatusConflict, rec.Code, "not awaiting approval yet")

	ts.workflows.instances["wf-1"].State = engine.StateAwaitingPlanApproval
	rec = ts.do(http.MethodPost, "/api/v1/workflows/wf-1/approve-plan", `{"comment":"lgtm"}`, ActorHeader, "bob")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.Len(t, ts.workflows.approvals, 1)
	assert.Equal(t, workflow.Approval{ApprovedBy: "bob", Comment: "lgtm"}, ts.workflows.approvals[0])
	assert.Contains(t, ts.store.auditActions(), "workflow.plan_approved:bob")
}

func TestCancelWorkflow(t *testing.T) {
	ts := newTestServer(t, DefaultConfig())
	ts.do(http.MethodPost, "/api/v1/workflows", `{"issueRef":"acme/api#42"}`)

	rec := ts.do(http.MethodPost, "/api/v1/workflows/wf-1/cancel", `{"reason":"duplicate","requestedBy":"carol"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), string(engine.StateCancelled))
	assert.Contains(t, ts.store.auditActions(), "workflow.cancelled:carol")

	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodPost, "/api/v1/workflows/nope/cancel", `{}`).Code)
}

func TestEscalationRoutes(t *testing.T) {
	ts := newTestServer(t, DefaultConfig())

	rec := ts.do(http.MethodGet, "/api/v1/escalations?open=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list EscalationList
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Escalations, 1)
	assert.Equal(t, "esc-1", list.Escalations[0].EscalationID)

	assert.Equal(t, http.StatusNotFound, ts.do(http.MethodGet, "/api/v1/escalations/nope", "").Code)

	rec = ts.do(http.MethodPost, "/api/v1/escalations/esc-1/resolve", `{"notes":"fixed the flaky test"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = ts.do(http.MethodPost, "/api/v1/escalations/esc-1/resolve", `{"notes":"fixed the flaky test"}`)
	assert.Equal(t, http.StatusOK, rec.Code, "same notes are idempotent")
	rec = ts.do(http.MethodPost, "/api/v1/escalations/esc-1/resolve", `{"notes":"something else"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestQueryEvents(t *testing.T) {
	ts := newTestServer(t, DefaultConfig())
	ts.store.events = []engine.Event{{ID: "e1", CorrelationID: "wf-1", Type: engine.EventIssueSelected}}

	rec := ts.do(http.MethodGet, "/api/v1/events?correlationId=wf-1&type=IssueSelected&after=2026-01-02T03:04:05Z&q=crash&limit=10&offset=20", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	f := ts.store.filter
	assert.Equal(t, "wf-1", f.CorrelationID)
	assert.Equal(t, engine.EventIssueSelected, f.Type)
	assert.Equal(t, "crash", f.FullText)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), f.After.UTC())
	assert.True(t, f.Before.IsZero())
	assert.Equal(t, 10, f.Limit)
	assert.Equal(t, 20, f.Offset)

	assert.Equal(t, http.StatusBadRequest, ts.do(http.MethodGet, "/api/v1/events?after=yesterday", "").Code)
}

func TestClientRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Token = "tok"
	ts := newTestServer(t, cfg)
	hs := httptest.NewServer(ts.srv.Handler())
	t.Cleanup(hs.Close)

	ctx := context.Background()
	c := NewClient(hs.URL+"/", "tok", "dave")

	inst, err := c.StartWorkflow(ctx, "acme/api#7")
	require.NoError(t, err)
	assert.Equal(t, "wf-1", inst.InstanceID)

	_, err = c.GetWorkflow(ctx, "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, engine.ErrNotFound))
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusNotFound, se.StatusCode)
	assert.NotEmpty(t, se.Message)

	list, err := c.ListWorkflows(ctx, true, 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	rec, err := c.ResolveEscalation(ctx, "esc-1", "done")
	require.NoError(t, err)
	assert.Equal(t, "esc-1", rec.EscalationID)

	assert.Equal(t, []string{"workflow.started:dave", "escalation.resolved:dave"}, ts.store.auditActions())

	bad := NewClient(hs.URL, "wrong", "dave")
	_, err = bad.ListWorkflows(ctx, false, 0)
	require.Error(t, err)
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusUnauthorized, se.StatusCode)
}
