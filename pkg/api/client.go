package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/devloop/devloop/pkg/engine"
)

// Client calls a running devloop server.
type Client struct {
	baseURL string
	token   string
	actor   string
	http    *http.Client
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL, token, actor string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		actor:   actor,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Unwrap maps the status back to the engine sentinel it was produced from.
func (e *StatusError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return engine.ErrNotFound
	case http.StatusTooManyRequests:
		return engine.ErrConcurrencyLimit
	case http.StatusServiceUnavailable:
		return engine.ErrEventStoreUnavailable
	}
	return nil
}

// StartWorkflow starts a workflow for issueRef.
func (c *Client) StartWorkflow(ctx context.Context, issueRef string) (*engine.WorkflowInstance, error) {
	var inst engine.WorkflowInstance
	err := c.do(ctx, http.MethodPost, "/api/v1/workflows", nil, StartWorkflowRequest{IssueRef: issueRef}, &inst)
	return &inst, err
}

// CancelWorkflow cancels an instance.
func (c *Client) CancelWorkflow(ctx context.Context, instanceID, reason string) (*engine.WorkflowInstance, error) {
	var inst engine.WorkflowInstance
	err := c.do(ctx, http.MethodPost, "/api/v1/workflows/"+url.PathEscape(instanceID)+"/cancel", nil,
		CancelRequest{Reason: reason, RequestedBy: c.actor}, &inst)
	return &inst, err
}

// ApprovePlan approves the analysis plan of an instance.
func (c *Client) ApprovePlan(ctx context.Context, instanceID, comment string) (*engine.WorkflowInstance, error) {
	return c.approve(ctx, instanceID, "approve-plan", comment)
}

// ApproveMerge approves merging the pull request of an instance.
func (c *Client) ApproveMerge(ctx context.Context, instanceID, comment string) (*engine.WorkflowInstance, error) {
	return c.approve(ctx, instanceID, "approve-merge", comment)
}

func (c *Client) approve(ctx context.Context, instanceID, verb, comment string) (*engine.WorkflowInstance, error) {
	var inst engine.WorkflowInstance
	err := c.do(ctx, http.MethodPost, "/api/v1/workflows/"+url.PathEscape(instanceID)+"/"+verb, nil,
		ApprovalRequest{ApprovedBy: c.actor, Comment: comment}, &inst)
	return &inst, err
}

// GetWorkflow returns the current state of an instance.
func (c *Client) GetWorkflow(ctx context.Context, instanceID string) (*engine.WorkflowInstance, error) {
	var inst engine.WorkflowInstance
	err := c.do(ctx, http.MethodGet, "/api/v1/workflows/"+url.PathEscape(instanceID), nil, nil, &inst)
	return &inst, err
}

// ListWorkflows lists instances.
func (c *Client) ListWorkflows(ctx context.Context, activeOnly bool, limit int) ([]*engine.WorkflowInstance, error) {
	q := url.Values{}
	if activeOnly {
		q.Set("active", "true")
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out WorkflowList
	err := c.do(ctx, http.MethodGet, "/api/v1/workflows", q, nil, &out)
	return out.Workflows, err
}

// Replay rebuilds an instance from its events up to and including upto.
// A negative upto replays the whole stream.
func (c *Client) Replay(ctx context.Context, instanceID string, upto int64) (*engine.WorkflowInstance, error) {
	q := url.Values{}
	q.Set("upto", strconv.FormatInt(upto, 10))
	var inst engine.WorkflowInstance
	err := c.do(ctx, http.MethodGet, "/api/v1/workflows/"+url.PathEscape(instanceID)+"/replay", q, nil, &inst)
	return &inst, err
}

// QueryEvents returns one page of events.
func (c *Client) QueryEvents(ctx context.Context, filter engine.EventFilter) (*engine.EventPage, error) {
	q := url.Values{}
	if filter.CorrelationID != "" {
		q.Set("correlationId", filter.CorrelationID)
	}
	if filter.Type != "" {
		q.Set("type", string(filter.Type))
	}
	if filter.FullText != "" {
		q.Set("q", filter.FullText)
	}
	if !filter.After.IsZero() {
		q.Set("after", filter.After.Format(time.RFC3339Nano))
	}
	if !filter.Before.IsZero() {
		q.Set("before", filter.Before.Format(time.RFC3339Nano))
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.Offset > 0 {
		q.Set("offset", strconv.Itoa(filter.Offset))
	}
	var page engine.EventPage
	err := c.do(ctx, http.MethodGet, "/api/v1/events", q, nil, &page)
	return &page, err
}

// ListEscalations lists escalation records.
func (c *Client) ListEscalations(ctx context.Context, openOnly bool) ([]*engine.EscalationRecord, error) {
	q := url.Values{}
	if openOnly {
		q.Set("open", "true")
	}
	var out EscalationList
	err := c.do(ctx, http.MethodGet, "/api/v1/escalations", q, nil, &out)
	return out.Escalations, err
}

// ResolveEscalation resolves an escalation with operator notes.
func (c *Client) ResolveEscalation(ctx context.Context, escalationID, notes string) (*engine.EscalationRecord, error) {
	var rec engine.EscalationRecord
	err := c.do(ctx, http.MethodPost, "/api/v1/escalations/"+url.PathEscape(escalationID)+"/resolve", nil,
		ResolveRequest{Notes: notes, ResolvedBy: c.actor}, &rec)
	return &rec, err
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.actor != "" {
		req.Header.Set(ActorHeader, c.actor)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e ErrorResponse
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &e) != nil || e.Message == "" {
			e.Message = strings.TrimSpace(string(raw))
		}
		return &StatusError{StatusCode: resp.StatusCode, Message: e.Message}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
