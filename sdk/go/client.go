package tributarysdk

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

// Client is a minimal Tributary HTTP API client for pipelines and schedulers.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		APIKey:   apiKey,
		Timeout:  10 * time.Second,
	}
}

// Execution is a recorded table execution (partial).
type Execution struct {
	ID      string `json:"id"`
	TableID string `json:"table_id"`
	TS      string `json:"ts"`
	Source  string `json:"source"`
}

// Cascade reports what recording an execution triggered downstream.
type Cascade struct {
	Dependents []string `json:"dependents"`
	Ready      []string `json:"ready"`
	Scheduled  []string `json:"scheduled"`
	Errors     int      `json:"errors"`
	Failures   []string `json:"failures,omitempty"`
}

type ExecutionResult struct {
	Execution Execution `json:"execution"`
	Cascade   Cascade   `json:"cascade"`
}

// Schedule is a pending or finished task run.
type Schedule struct {
	ID                 string  `json:"id"`
	TaskTableID        string  `json:"task_table_id"`
	UniqueAlias        string  `json:"unique_alias"`
	Status             string  `json:"status"`
	FireAt             string  `json:"fire_at"`
	TriggerExecutionID string  `json:"trigger_execution_id"`
	ResultExecutionID  *string `json:"result_execution_id,omitempty"`
	DispatchRef        string  `json:"dispatch_ref,omitempty"`
	ErrorMessage       *string `json:"error_message,omitempty"`
}

type FireResult struct {
	Schedule Schedule `json:"schedule"`
	Fired    bool     `json:"fired"`
	Error    string   `json:"error,omitempty"`
}

type FinishResult struct {
	Applied  bool      `json:"applied"`
	Schedule *Schedule `json:"schedule,omitempty"`
}

type Approval struct {
	ID             string  `json:"id"`
	TaskScheduleID string  `json:"task_schedule_id"`
	Status         string  `json:"status"`
	RequestedAt    string  `json:"requested_at"`
	Approver       *string `json:"approver,omitempty"`
}

type ApprovalResult struct {
	Approval Approval `json:"approval"`
	Schedule Schedule `json:"schedule"`
}

// Event represents a log entry.
type Event struct {
	ID         string `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// RecordExecution records a run of table with its partition values.
func (c *Client) RecordExecution(ctx context.Context, table string, partitions map[string]string, source string) (ExecutionResult, error) {
	body := map[string]any{"partitions": partitions}
	if source != "" {
		body["source"] = source
	}
	var resp ExecutionResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("tables/%s/executions", url.PathEscape(table)), body, &resp)
	return resp, err
}

// Schedules lists schedules, optionally filtered by status and table.
func (c *Client) Schedules(ctx context.Context, status, table string, limit int) ([]Schedule, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if table != "" {
		q.Set("table", table)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	var resp struct {
		Items []Schedule `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("schedules", q), nil, &resp)
	return resp.Items, err
}

// Fire is the callback an external scheduler makes when a schedule is due.
func (c *Client) Fire(ctx context.Context, scheduleID string) (FireResult, error) {
	var resp FireResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("schedules/%s/fire", url.PathEscape(scheduleID)), nil, &resp)
	return resp, err
}

// FinishSuccess reports a dispatched task's success. With partitions set the
// server records the result execution itself.
func (c *Client) FinishSuccess(ctx context.Context, scheduleID, resultExecutionID string, partitions map[string]string) (FinishResult, error) {
	body := map[string]any{}
	if resultExecutionID != "" {
		body["result_execution_id"] = resultExecutionID
	}
	if partitions != nil {
		body["result_partitions"] = partitions
	}
	var resp FinishResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("schedules/%s/success", url.PathEscape(scheduleID)), body, &resp)
	return resp, err
}

// FinishFailure reports a dispatched task's failure.
func (c *Client) FinishFailure(ctx context.Context, scheduleID, message string) (FinishResult, error) {
	var resp FinishResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("schedules/%s/failure", url.PathEscape(scheduleID)), map[string]any{"message": message}, &resp)
	return resp, err
}

// Approve needs a bearer token carrying approvals.review.
func (c *Client) Approve(ctx context.Context, approvalID string) (ApprovalResult, error) {
	return c.review(ctx, approvalID, "approve")
}

func (c *Client) Reject(ctx context.Context, approvalID string) (ApprovalResult, error) {
	return c.review(ctx, approvalID, "reject")
}

func (c *Client) review(ctx context.Context, approvalID, verb string) (ApprovalResult, error) {
	var resp ApprovalResult
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("approvals/%s/%s", url.PathEscape(approvalID), verb), nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("events", q), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) base() string {
	basePath := strings.Trim(c.BasePath, "/")
	if basePath == "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + basePath
}
