package tracelinesdk

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

// Client is a minimal Traceline HTTP API client.
type Client struct {
	BaseURL     string
	ProgramID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, programID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProgramID: programID,
		Timeout:   10 * time.Second,
	}
}

// Story represents the API story model (partial).
type Story struct {
	ID          string   `json:"id"`
	ProgramID   string   `json:"program_id"`
	ParentID    *string  `json:"parent_id,omitempty"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Status      string   `json:"status"`
	StatusLabel string   `json:"status_label,omitempty"`
	Version     int      `json:"version"`
	Priority    *int     `json:"priority,omitempty"`
	RelatedIDs  []string `json:"related_ids"`
}

// TestCase represents a UAT test case.
type TestCase struct {
	ID        string  `json:"id"`
	ProgramID string  `json:"program_id"`
	StoryID   *string `json:"story_id,omitempty"`
	Title     string  `json:"title"`
	Steps     []any   `json:"steps,omitempty"`
}

// Cycle represents a UAT cycle.
type Cycle struct {
	ID                        string  `json:"id"`
	ProgramID                 string  `json:"program_id"`
	Name                      string  `json:"name"`
	DistributionMethod        string  `json:"distribution_method"`
	CrossValidationEnabled    bool    `json:"cross_validation_enabled"`
	CrossValidationPercentage int     `json:"cross_validation_percentage"`
	ValidatorsPerTest         int     `json:"validators_per_test"`
	LockedAt                  *string `json:"locked_at,omitempty"`
}

// Execution represents a tester's assignment of one test case.
type Execution struct {
	ID         string  `json:"id"`
	CycleID    string  `json:"cycle_id"`
	TestCaseID string  `json:"test_case_id"`
	TesterID   string  `json:"tester_id"`
	Status     string  `json:"status"`
	Notes      string  `json:"notes,omitempty"`
	GroupID    *string `json:"group_id,omitempty"`
}

// Defect represents a UAT defect.
type Defect struct {
	ID          string  `json:"id"`
	ProgramID   string  `json:"program_id"`
	ExecutionID *string `json:"execution_id,omitempty"`
	Title       string  `json:"title"`
	Severity    string  `json:"severity"`
	Status      string  `json:"status"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProgramID  string         `json:"program_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	Payload    map[string]any `json:"payload"`
}

// LockInfo describes an edit lock on a story.
type LockInfo struct {
	IsLocked bool    `json:"is_locked"`
	Holder   *string `json:"holder,omitempty"`
	Since    *string `json:"since,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedStories wraps story list responses with cursors.
type PaginatedStories struct {
	Items      []Story `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// PaginatedEvents wraps event list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateStory creates a requirement story in draft.
func (c *Client) CreateStory(ctx context.Context, title, description string) (Story, error) {
	body := map[string]any{
		"title":       title,
		"description": description,
	}
	var resp Story
	err := c.do(ctx, http.MethodPost, c.programPath("stories"), body, &resp)
	return resp, err
}

// GetStory fetches a story by id.
func (c *Client) GetStory(ctx context.Context, id string) (Story, error) {
	var resp Story
	err := c.do(ctx, http.MethodGet, "v0/stories/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// StoriesPage returns a paginated story listing, optionally filtered by status.
func (c *Client) StoriesPage(ctx context.Context, status string, limit int, cursor string) (PaginatedStories, error) {
	endpoint := c.programPath("stories")
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedStories
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// TransitionStory moves a story to a new workflow status.
func (c *Client) TransitionStory(ctx context.Context, id, to, notes, asRole string) (Story, error) {
	body := map[string]any{
		"to":    to,
		"notes": notes,
	}
	if asRole != "" {
		body["as_role"] = asRole
	}
	var resp Story
	endpoint := fmt.Sprintf("v0/stories/%s/transitions", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// LockStory acquires the edit lock on a story.
func (c *Client) LockStory(ctx context.Context, id string) (LockInfo, error) {
	var resp LockInfo
	endpoint := fmt.Sprintf("v0/stories/%s/lock", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{}, &resp)
	return resp, err
}

// UnlockStory releases the edit lock on a story.
func (c *Client) UnlockStory(ctx context.Context, id string) error {
	endpoint := fmt.Sprintf("v0/stories/%s/lock", url.PathEscape(id))
	return c.do(ctx, http.MethodDelete, endpoint, nil, nil)
}

// CreateTestCase creates a test case, optionally tied to a story.
func (c *Client) CreateTestCase(ctx context.Context, title, storyID string, steps []any) (TestCase, error) {
	body := map[string]any{
		"title": title,
	}
	if storyID != "" {
		body["story_id"] = storyID
	}
	if steps != nil {
		body["steps"] = steps
	}
	var resp TestCase
	err := c.do(ctx, http.MethodPost, c.programPath("test-cases"), body, &resp)
	return resp, err
}

// Executions lists a cycle's executions, optionally filtered by tester.
func (c *Client) Executions(ctx context.Context, cycleID, testerID string) ([]Execution, error) {
	var resp struct {
		Items []Execution `json:"items"`
	}
	endpoint := fmt.Sprintf("v0/cycles/%s/executions", url.PathEscape(cycleID))
	if testerID != "" {
		endpoint += "?tester_id=" + url.QueryEscape(testerID)
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// TransitionExecution moves an execution to a new status.
func (c *Client) TransitionExecution(ctx context.Context, id, to, notes string) (Execution, error) {
	body := map[string]any{
		"to":    to,
		"notes": notes,
	}
	var resp Execution
	endpoint := fmt.Sprintf("v0/executions/%s/transitions", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// CreateDefect files a defect against an execution.
func (c *Client) CreateDefect(ctx context.Context, title, severity, executionID string) (Defect, error) {
	body := map[string]any{
		"title":    title,
		"severity": severity,
	}
	if executionID != "" {
		body["execution_id"] = executionID
	}
	var resp Defect
	err := c.do(ctx, http.MethodPost, c.programPath("defects"), body, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := c.programPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
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
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) programPath(p string) string {
	program := url.PathEscape(c.ProgramID)
	return fmt.Sprintf("v0/programs/%s/%s", program, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
