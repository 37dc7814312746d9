// Package reportlinesdk is a minimal Reportline HTTP API client.
package reportlinesdk

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

// Client is a minimal Reportline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
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

// Report represents the API report model.
type Report struct {
	ID             string   `json:"id"`
	OwnerID        string   `json:"owner_id"`
	Title          string   `json:"title"`
	Body           string   `json:"body,omitempty"`
	Status         string   `json:"status"`
	Collaborators  []string `json:"collaborators,omitempty"`
	Editors        []string `json:"editors,omitempty"`
	Version        int64    `json:"version"`
	SizeBytes      int64    `json:"size_bytes"`
	CreatedAt      string   `json:"created_at"`
	LastModifiedBy string   `json:"last_modified_by,omitempty"`
	LastModifiedAt string   `json:"last_modified_at,omitempty"`
}

// CreateReportInput are the fields for CreateReport.
type CreateReportInput struct {
	ID            string   `json:"id,omitempty"`
	Title         string   `json:"title"`
	Body          string   `json:"body,omitempty"`
	Status        string   `json:"status,omitempty"`
	Collaborators []string `json:"collaborators,omitempty"`
}

// UpdateReportInput carries a partial update. Nil fields are left untouched;
// ExpectedVersion, when set, makes the write conditional on the stored
// version.
type UpdateReportInput struct {
	Title           *string   `json:"title,omitempty"`
	Body            *string   `json:"body,omitempty"`
	Status          *string   `json:"status,omitempty"`
	Collaborators   *[]string `json:"collaborators,omitempty"`
	ExpectedVersion *int64    `json:"expected_version,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateReport creates a report. A non-empty idempotencyKey makes the call
// safely retryable: replays return the recorded response.
func (c *Client) CreateReport(ctx context.Context, input CreateReportInput, idempotencyKey string) (Report, error) {
	var resp Report
	err := c.do(ctx, http.MethodPost, "v0/reports", input, idempotencyKey, &resp)
	return resp, err
}

// GetReport fetches a report by id.
func (c *Client) GetReport(ctx context.Context, id string) (Report, error) {
	var resp Report
	err := c.do(ctx, http.MethodGet, reportPath(id), nil, "", &resp)
	return resp, err
}

// ListReports lists reports, optionally filtered by status.
func (c *Client) ListReports(ctx context.Context, status string) ([]Report, error) {
	endpoint := "v0/reports"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []Report
	err := c.do(ctx, http.MethodGet, endpoint, nil, "", &resp)
	return resp, err
}

// UpdateReport applies a partial update.
func (c *Client) UpdateReport(ctx context.Context, id string, input UpdateReportInput, idempotencyKey string) (Report, error) {
	var resp Report
	err := c.do(ctx, http.MethodPatch, reportPath(id), input, idempotencyKey, &resp)
	return resp, err
}

// ArchiveReport archives a report.
func (c *Client) ArchiveReport(ctx context.Context, id string, expectedVersion *int64, idempotencyKey string) (Report, error) {
	body := map[string]any{}
	if expectedVersion != nil {
		body["expected_version"] = *expectedVersion
	}
	var resp Report
	err := c.do(ctx, http.MethodPost, reportPath(id)+"/archive", body, idempotencyKey, &resp)
	return resp, err
}

// DeleteReport soft-deletes a report.
func (c *Client) DeleteReport(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, reportPath(id), nil, "", nil)
}

// UploadArtifact accounts an artifact of sizeBytes against the report.
func (c *Client) UploadArtifact(ctx context.Context, id string, sizeBytes int64, idempotencyKey string) (Report, error) {
	var resp Report
	err := c.do(ctx, http.MethodPost, reportPath(id)+"/artifacts",
		map[string]any{"size_bytes": sizeBytes}, idempotencyKey, &resp)
	return resp, err
}

// ClaimEditorSlot claims a concurrent editor slot on the report.
func (c *Client) ClaimEditorSlot(ctx context.Context, id string) (Report, error) {
	var resp Report
	err := c.do(ctx, http.MethodPost, reportPath(id)+"/editors/claim", nil, "", &resp)
	return resp, err
}

// ReleaseEditorSlot releases the caller's editor slot.
func (c *Client) ReleaseEditorSlot(ctx context.Context, id string) (Report, error) {
	var resp Report
	err := c.do(ctx, http.MethodPost, reportPath(id)+"/editors/release", nil, "", &resp)
	return resp, err
}

// Breaker is the operational view of one circuit breaker.
type Breaker struct {
	Kind          string `json:"kind"`
	State         string `json:"state"`
	FailureCount  int    `json:"failure_count"`
	LastFailureAt string `json:"last_failure_at,omitempty"`
}

// DeadLetter is a side effect that exhausted every retry.
type DeadLetter struct {
	ID            string `json:"id"`
	OperationKind string `json:"operation_kind"`
	CorrelationID string `json:"correlation_id"`
	Context       string `json:"context,omitempty"`
	Attempts      int    `json:"attempts"`
	LastError     string `json:"last_error"`
	CreatedAt     string `json:"created_at"`
}

// Breakers lists circuit breaker states. Requires an admin credential.
func (c *Client) Breakers(ctx context.Context) ([]Breaker, error) {
	var resp []Breaker
	err := c.do(ctx, http.MethodGet, "v0/ops/breakers", nil, "", &resp)
	return resp, err
}

// ResetBreakers resets the breaker for kind, or all breakers when kind is
// empty. Requires an admin credential.
func (c *Client) ResetBreakers(ctx context.Context, kind string) error {
	endpoint := "v0/ops/breakers/reset"
	if kind != "" {
		endpoint += "?kind=" + url.QueryEscape(kind)
	}
	return c.do(ctx, http.MethodPost, endpoint, nil, "", nil)
}

// DeadLetters lists dead-lettered side effects, optionally filtered by
// operation kind. Requires an admin credential.
func (c *Client) DeadLetters(ctx context.Context, kind string) ([]DeadLetter, error) {
	endpoint := "v0/ops/deadletters"
	if kind != "" {
		endpoint += "?kind=" + url.QueryEscape(kind)
	}
	var resp []DeadLetter
	err := c.do(ctx, http.MethodGet, endpoint, nil, "", &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, idempotencyKey string, out any) error {
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
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
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

func reportPath(id string) string {
	return "v0/reports/" + url.PathEscape(id)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
