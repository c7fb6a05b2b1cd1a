package rurallendsdk

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

// Client is a minimal RuralLend HTTP API client.
type Client struct {
	BaseURL     string
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

// ErrorInfo is the last error the flow recorded.
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Flow is the orchestrator snapshot (partial).
type Flow struct {
	State     string          `json:"state"`
	Language  string          `json:"language"`
	Record    json.RawMessage `json:"record,omitempty"`
	ReturnTo  string          `json:"return_to,omitempty"`
	ResumeTo  string          `json:"resume_to,omitempty"`
	LastError *ErrorInfo      `json:"last_error,omitempty"`
	LoanID    string          `json:"loan_id,omitempty"`
	Stages    []struct {
		Name   string `json:"name"`
		Status string `json:"status"`
	} `json:"stages,omitempty"`
}

// Event is a user event sent to the flow. Only Type is required; set the
// payload field the event needs.
type Event struct {
	Type         string         `json:"type"`
	Language     string         `json:"language,omitempty"`
	Request      *LoanRequest   `json:"request,omitempty"`
	Kind         string         `json:"kind,omitempty"`
	Consent      *bool          `json:"consent,omitempty"`
	Disbursal    *Disbursal     `json:"disbursal,omitempty"`
	Connectivity map[string]any `json:"connectivity,omitempty"`
}

type LoanRequest struct {
	Amount       int64  `json:"amount,omitempty"`
	TenureMonths int    `json:"tenure_months,omitempty"`
	Purpose      string `json:"purpose,omitempty"`
	MobileNumber string `json:"mobile_number,omitempty"`
}

type Disbursal struct {
	Method        string `json:"method"`
	UPIID         string `json:"upi_id,omitempty"`
	AccountNumber string `json:"account_number,omitempty"`
	IFSC          string `json:"ifsc,omitempty"`
	HolderName    string `json:"holder_name,omitempty"`
}

// Upload is one upload queue entry.
type Upload struct {
	ArtifactID    string `json:"artifact_id"`
	OwnerRecordID string `json:"owner_record_id"`
	Kind          string `json:"kind"`
	Status        string `json:"status"`
	Attempts      int    `json:"attempts"`
	LastError     string `json:"last_error,omitempty"`
	Progress      int    `json:"progress"`
}

// Loan is a disbursed loan with its derived summary.
type Loan struct {
	Loan struct {
		ID               string `json:"id"`
		RecordID         string `json:"record_id"`
		Amount           string `json:"amount"`
		EMI              string `json:"emi"`
		TenureMonths     int    `json:"tenure_months"`
		PaidInstallments int    `json:"paid_installments"`
		NextDueDate      string `json:"next_due_date"`
		Status           string `json:"status"`
	} `json:"loan"`
	Summary struct {
		Remaining    string `json:"remaining"`
		ProgressPct  int    `json:"progress_pct"`
		DaysUntilDue int    `json:"days_until_due"`
	} `json:"summary"`
}

// Event log entry.
type LogEvent struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	RecordID   string         `json:"record_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []LogEvent `json:"items"`
	NextCursor string     `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

// Flow returns the current flow snapshot.
func (c *Client) Flow(ctx context.Context) (Flow, error) {
	var resp Flow
	err := c.do(ctx, http.MethodGet, "flow", nil, &resp)
	return resp, err
}

// Dispatch sends a user event and returns the resulting snapshot.
func (c *Client) Dispatch(ctx context.Context, ev Event) (Flow, error) {
	var resp Flow
	err := c.do(ctx, http.MethodPost, "flow/events", ev, &resp)
	return resp, err
}

// Queue lists upload queue entries in queue order.
func (c *Client) Queue(ctx context.Context) ([]Upload, error) {
	var resp []Upload
	err := c.do(ctx, http.MethodGet, "queue", nil, &resp)
	return resp, err
}

// RetryUpload requeues a failed upload.
func (c *Client) RetryUpload(ctx context.Context, artifactID string) ([]Upload, error) {
	var resp []Upload
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("queue/%s/retry", url.PathEscape(artifactID)), nil, &resp)
	return resp, err
}

// SkipUpload moves a failed upload behind the rest of the queue.
func (c *Client) SkipUpload(ctx context.Context, artifactID string) ([]Upload, error) {
	var resp []Upload
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("queue/%s/skip", url.PathEscape(artifactID)), nil, &resp)
	return resp, err
}

// Loans lists disbursed loans.
func (c *Client) Loans(ctx context.Context) ([]Loan, error) {
	var resp []Loan
	err := c.do(ctx, http.MethodGet, "loans", nil, &resp)
	return resp, err
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
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
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
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
