package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/devloop/devloop/pkg/engine"
	"github.com/devloop/devloop/pkg/stores"
	"github.com/devloop/devloop/pkg/workflow"
)

// ActorHeader names the operator performing a control call when the body
// does not.
const ActorHeader = "X-Devloop-Actor"

// StartWorkflowRequest is the body of POST /api/v1/workflows.
type StartWorkflowRequest struct {
	IssueRef string `json:"issueRef"`
}

// CancelRequest is the body of POST /api/v1/workflows/:id/cancel.
type CancelRequest struct {
	Reason      string `json:"reason"`
	RequestedBy string `json:"requestedBy,omitempty"`
}

// ApprovalRequest is the body of the approve-plan and approve-merge calls.
type ApprovalRequest struct {
	ApprovedBy string `json:"approvedBy,omitempty"`
	Comment    string `json:"comment,omitempty"`
}

// ResolveRequest is the body of POST /api/v1/escalations/:id/resolve.
type ResolveRequest struct {
	Notes      string `json:"notes"`
	ResolvedBy string `json:"resolvedBy,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// ErrorResponse is the body of every failed call.
type ErrorResponse struct {
	Message string `json:"message"`
}

// WorkflowList is the body of GET /api/v1/workflows.
type WorkflowList struct {
	Workflows []*engine.WorkflowInstance `json:"workflows"`
}

// EscalationList is the body of GET /api/v1/escalations.
type EscalationList struct {
	Escalations []*engine.EscalationRecord `json:"escalations"`
}

func (s *Server) handleHealth(c echo.Context) error {
	if err := s.deps.Store.HealthCheck(c.Request().Context()); err != nil {
		return c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "unavailable", Error: err.Error()})
	}
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleQueryEvents(c echo.Context) error {
	filter := engine.EventFilter{
		CorrelationID: c.QueryParam("correlationId"),
		Type:          engine.EventType(c.QueryParam("type")),
		FullText:      c.QueryParam("q"),
	}

	var err error
	if filter.After, err = timeParam(c, "after"); err != nil {
		return err
	}
	if filter.Before, err = timeParam(c, "before"); err != nil {
		return err
	}
	if filter.Limit, err = intParam(c, "limit", 0); err != nil {
		return err
	}
	if filter.Offset, err = intParam(c, "offset", 0); err != nil {
		return err
	}

	page, err := s.deps.Store.Query(c.Request().Context(), filter)
	if err != nil {
		return s.fail(err)
	}
	return c.JSON(http.StatusOK, page)
}

func (s *Server) handleStartWorkflow(c echo.Context) error {
	var req StartWorkflowRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.IssueRef == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "issueRef is required")
	}

	inst, err := s.deps.Workflows.StartWorkflow(c.Request().Context(), req.IssueRef)
	if err != nil {
		return s.fail(err)
	}
	s.audit(c, "workflow.started", actorOf(c, ""), inst.InstanceID, req)
	return c.JSON(http.StatusAccepted, inst)
}

func (s *Server) handleListWorkflows(c echo.Context) error {
	limit, err := intParam(c, "limit", 0)
	if err != nil {
		return err
	}
	offset, err := intParam(c, "offset", 0)
	if err != nil {
		return err
	}

	insts, err := s.deps.Workflows.List(c.Request().Context(), workflow.ListFilter{
		ActiveOnly: c.QueryParam("active") == "true",
		IssueRef:   c.QueryParam("issueRef"),
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		return s.fail(err)
	}
	return c.JSON(http.StatusOK, WorkflowList{Workflows: insts})
}

func (s *Server) handleGetWorkflow(c echo.Context) error {
	inst, err := s.deps.Workflows.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(err)
	}
	return c.JSON(http.StatusOK, inst)
}

func (s *Server) handleReplayWorkflow(c echo.Context) error {
	upto := int64(-1)
	if v := c.QueryParam("upto"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "upto must be an integer")
		}
		upto = n
	}

	inst, err := s.deps.Workflows.Replay(c.Request().Context(), c.Param("id"), upto)
	if err != nil {
		return s.fail(err)
	}
	return c.JSON(http.StatusOK, inst)
}

func (s *Server) handleCancelWorkflow(c echo.Context) error {
	var req CancelRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	req.RequestedBy = actorOf(c, req.RequestedBy)
	if req.Reason == "" {
		req.Reason = "cancelled by operator"
	}

	id := c.Param("id")
	inst, err := s.deps.Workflows.CancelWorkflow(c.Request().Context(), id, req.Reason, req.RequestedBy)
	if err != nil {
		return s.fail(err)
	}
	s.audit(c, "workflow.cancelled", req.RequestedBy, id, req)
	return c.JSON(http.StatusOK, inst)
}

func (s *Server) handleApprovePlan(c echo.Context) error {
	return s.approve(c, "workflow.plan_approved", s.deps.Workflows.ApprovePlan)
}

func (s *Server) handleApproveMerge(c echo.Context) error {
	return s.approve(c, "workflow.merge_approved", s.deps.Workflows.ApproveMerge)
}

func (s *Server) approve(c echo.Context, action string, fn func(ctx context.Context, id string, a workflow.Approval) error) error {
	var req ApprovalRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	req.ApprovedBy = actorOf(c, req.ApprovedBy)

	id := c.Param("id")
	if err := fn(c.Request().Context(), id, workflow.Approval{ApprovedBy: req.ApprovedBy, Comment: req.Comment}); err != nil {
		return s.fail(err)
	}
	s.audit(c, action, req.ApprovedBy, id, req)

	inst, err := s.deps.Workflows.Get(c.Request().Context(), id)
	if err != nil {
		return s.fail(err)
	}
	return c.JSON(http.StatusOK, inst)
}

func (s *Server) handleListEscalations(c echo.Context) error {
	limit, err := intParam(c, "limit", 0)
	if err != nil {
		return err
	}
	offset, err := intParam(c, "offset", 0)
	if err != nil {
		return err
	}

	status := engine.EscalationStatus(c.QueryParam("status"))
	recs, err := s.deps.Escalations.List(c.Request().Context(), stores.EscalationFilter{
		InstanceID: c.QueryParam("instanceId"),
		Status:     status,
		OpenOnly:   c.QueryParam("open") == "true",
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		return s.fail(err)
	}
	return c.JSON(http.StatusOK, EscalationList{Escalations: recs})
}

func (s *Server) handleGetEscalation(c echo.Context) error {
	rec, err := s.deps.Escalations.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) handleResolveEscalation(c echo.Context) error {
	var req ResolveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	req.ResolvedBy = actorOf(c, req.ResolvedBy)

	id := c.Param("id")
	if err := s.deps.Workflows.ResolveEscalation(c.Request().Context(), id, req.Notes); err != nil {
		return s.fail(err)
	}
	s.audit(c, "escalation.resolved", req.ResolvedBy, id, req)

	rec, err := s.deps.Escalations.Get(c.Request().Context(), id)
	if err != nil {
		return s.fail(err)
	}
	return c.JSON(http.StatusOK, rec)
}

// audit records a control call. A failed audit write is logged and does
// not fail the call, which already took effect.
func (s *Server) audit(c echo.Context, action, actor, target string, details interface{}) {
	entry := &stores.AuditEntry{
		Action:    action,
		Actor:     actor,
		TargetID:  target,
		IPAddress: c.RealIP(),
		Timestamp: time.Now().UTC(),
	}
	if b, err := json.Marshal(details); err == nil {
		entry.Details = string(b)
	}
	if err := s.deps.Store.RecordAudit(c.Request().Context(), entry); err != nil {
		s.logger.Warn().Err(err).Str("action", action).Str("target_id", target).Msg("failed to write audit entry")
	}
}

// fail maps engine errors onto HTTP statuses.
func (s *Server) fail(err error) error {
	status := http.StatusInternalServerError
	switch {
	case engine.IsValidation(err):
		status = http.StatusBadRequest
	case errors.Is(err, engine.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrIssueLocked),
		errors.Is(err, engine.ErrInvalidTransition),
		errors.Is(err, engine.ErrAlreadyResolved):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrConcurrencyLimit):
		status = http.StatusTooManyRequests
	case errors.Is(err, engine.ErrEventStoreUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("request failed")
	}
	return echo.NewHTTPError(status, err.Error()).SetInternal(err)
}

func actorOf(c echo.Context, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	if h := c.Request().Header.Get(ActorHeader); h != "" {
		return h
	}
	return string(engine.ActorHuman)
}

func intParam(c echo.Context, name string, def int) (int, error) {
	v := c.QueryParam(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, name+" must be a non-negative integer")
	}
	return n, nil
}

func timeParam(c echo.Context, name string) (time.Time, error) {
	v := c.QueryParam(name)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, echo.NewHTTPError(http.StatusBadRequest, name+" must be an RFC 3339 timestamp")
	}
	return t, nil
}
