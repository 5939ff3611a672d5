package timegatesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Timegate HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	ActorID     string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// WorkItem is the API work item model (partial).
type WorkItem struct {
	ID               string `json:"id"`
	ProjectID        string `json:"project_id"`
	Kind             string `json:"kind"`
	Title            string `json:"title"`
	WorkStatus       string `json:"work_status"`
	ApprovalStatus   string `json:"approval_status"`
	QAStatus         string `json:"qa_status"`
	FinalVerdict     string `json:"final_verdict"`
	IsWorking        bool   `json:"is_working"`
	TotalTimeSeconds int64  `json:"total_time_seconds"`
	Version          int64  `json:"version"`
}

// Notification describes who a transition alerted.
type Notification struct {
	Type       string `json:"type"`
	WorkItemID string `json:"work_item_id"`
	FromActor  string `json:"from_actor"`
	ToActor    string `json:"to_actor,omitempty"`
	ToRole     string `json:"to_role,omitempty"`
}

// TransitionResult pairs the new state with the notifications it produced.
type TransitionResult struct {
	WorkItem      WorkItem       `json:"work_item"`
	Notifications []Notification `json:"notifications,omitempty"`
}

// Event is an audit log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    string         `json:"payload_json,omitempty"`
}

// TimeReport is the per-item time summary for an actor.
type TimeReport struct {
	ActorID      string           `json:"actor_id"`
	TotalSeconds int64            `json:"total_seconds"`
	ByWorkItem   map[string]int64 `json:"by_work_item"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateWorkItem creates a work item.
func (c *Client) CreateWorkItem(ctx context.Context, title, kind, assigneeID, approverID string) (WorkItem, error) {
	body := map[string]any{
		"title":      title,
		"kind":       kind,
		"assignee_id": assigneeID,
		"approver_id": approverID,
	}
	var resp WorkItem
	err := c.do(ctx, http.MethodPost, "v0/work-items", body, &resp)
	return resp, err
}

// GetWorkItem fetches a work item by id.
func (c *Client) GetWorkItem(ctx context.Context, id string) (WorkItem, error) {
	var resp WorkItem
	err := c.do(ctx, http.MethodGet, c.itemPath(id, ""), nil, &resp)
	return resp, err
}

// StartWork begins a developer session on the item.
func (c *Client) StartWork(ctx context.Context, id string) (TransitionResult, error) {
	return c.transition(ctx, id, "start", nil)
}

// PauseWork closes the running developer segment.
func (c *Client) PauseWork(ctx context.Context, id string) (TransitionResult, error) {
	return c.transition(ctx, id, "pause", nil)
}

// ResumeWork reopens timing on a paused item.
func (c *Client) ResumeWork(ctx context.Context, id string) (TransitionResult, error) {
	return c.transition(ctx, id, "resume", nil)
}

// FinishWork marks the developer's part done.
func (c *Client) FinishWork(ctx context.Context, id string) (TransitionResult, error) {
	return c.transition(ctx, id, "finish", nil)
}

// Approve releases finished work to QA.
func (c *Client) Approve(ctx context.Context, id string) (TransitionResult, error) {
	return c.transition(ctx, id, "approve", nil)
}

// RequestChanges sends finished work back to its developer.
func (c *Client) RequestChanges(ctx context.Context, id, note string) (TransitionResult, error) {
	return c.transition(ctx, id, "request-changes", map[string]any{"note": note})
}

// ClaimQA claims a ready-for-test item for the calling tester.
func (c *Client) ClaimQA(ctx context.Context, id string) (TransitionResult, error) {
	return c.transition(ctx, id, "qa/claim", nil)
}

// StartTesting opens a QA session.
func (c *Client) StartTesting(ctx context.Context, id string) (TransitionResult, error) {
	return c.transition(ctx, id, "qa/start", nil)
}

// FinishTesting closes the QA session.
func (c *Client) FinishTesting(ctx context.Context, id string) (TransitionResult, error) {
	return c.transition(ctx, id, "qa/finish", nil)
}

// ApproveQA records the pass verdict.
func (c *Client) ApproveQA(ctx context.Context, id, note string) (TransitionResult, error) {
	return c.transition(ctx, id, "qa/approve", map[string]any{"note": note})
}

// RejectQA records the fail verdict.
func (c *Client) RejectQA(ctx context.Context, id, reason string) (TransitionResult, error) {
	return c.transition(ctx, id, "qa/reject", map[string]any{"note": reason})
}

// FinalApprove gives the team lead's closing approval.
func (c *Client) FinalApprove(ctx context.Context, id string) (TransitionResult, error) {
	return c.transition(ctx, id, "final/approve", nil)
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Events []Event `json:"events"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Events, err
}

// Report fetches an actor's time report.
func (c *Client) Report(ctx context.Context, actorID string) (TimeReport, error) {
	var resp TimeReport
	endpoint := fmt.Sprintf("v0/actors/%s/report", url.PathEscape(actorID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) transition(ctx context.Context, id, action string, body map[string]any) (TransitionResult, error) {
	var resp TransitionResult
	err := c.do(ctx, http.MethodPost, c.itemPath(id, action), body, &resp)
	return resp, err
}

func (c *Client) itemPath(id, suffix string) string {
	p := fmt.Sprintf("v0/work-items/%s", url.PathEscape(id))
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
