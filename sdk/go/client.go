package boostlinesdk

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
)

// Client is a minimal Boostline HTTP API client.
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

// Order represents the API order model.
type Order struct {
	ID             string `json:"id"`
	CreatorID      string `json:"creator_id"`
	Kind           string `json:"kind"`
	Target         string `json:"target"`
	Rate           string `json:"rate"`
	Quantity       int    `json:"quantity"`
	CompletedCount int    `json:"completed_count"`
	Status         string `json:"status"`
}

// Task represents the API task model.
type Task struct {
	ID             string `json:"id"`
	OrderID        string `json:"order_id,omitempty"`
	Kind           string `json:"kind"`
	Target         string `json:"target"`
	Rate           string `json:"rate"`
	Quantity       int    `json:"quantity"`
	RemainingSlots int    `json:"remaining_slots"`
	CompletedCount int    `json:"completed_count"`
	Status         string `json:"status"`
}

// Execution represents a reservation lifecycle row.
type Execution struct {
	ID           string  `json:"id"`
	TaskID       string  `json:"task_id"`
	UserID       string  `json:"user_id"`
	Status       string  `json:"status"`
	ReservedAt   string  `json:"reserved_at"`
	Deadline     string  `json:"deadline"`
	SubmittedAt  *string `json:"submitted_at,omitempty"`
	Proof        *string `json:"proof,omitempty"`
	ReviewerID   *string `json:"reviewer_id,omitempty"`
	RejectReason *string `json:"reject_reason,omitempty"`
	Reward       *string `json:"reward,omitempty"`
}

// Account is a balance snapshot.
type Account struct {
	ID      string `json:"id"`
	Balance string `json:"balance"`
}

// LedgerEntry is one balance-affecting fact.
type LedgerEntry struct {
	ID            string `json:"id"`
	AccountID     string `json:"account_id"`
	Amount        string `json:"amount"`
	Reason        string `json:"reason"`
	BalanceBefore string `json:"balance_before"`
	BalanceAfter  string `json:"balance_after"`
	ProcessedBy   string `json:"processed_by"`
}

// Event represents an audit log entry.
type Event struct {
	ID         int64  `json:"id"`
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
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateOrder places an order as the authenticated user.
func (c *Client) CreateOrder(ctx context.Context, kind, target, rate string, quantity int) (Order, error) {
	body := map[string]any{
		"kind":     kind,
		"target":   target,
		"rate":     rate,
		"quantity": quantity,
	}
	var resp Order
	err := c.do(ctx, http.MethodPost, "orders", body, &resp)
	return resp, err
}

// ApproveOrder admits an order and returns the created task.
func (c *Client) ApproveOrder(ctx context.Context, orderID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "orders/"+url.PathEscape(orderID)+"/approve", nil, &resp)
	return resp, err
}

// RejectOrder turns an order down, refunding its escrow.
func (c *Client) RejectOrder(ctx context.Context, orderID, reason string) (Order, error) {
	var resp Order
	err := c.do(ctx, http.MethodPost, "orders/"+url.PathEscape(orderID)+"/reject", map[string]any{"reason": reason}, &resp)
	return resp, err
}

// ListTasks lists claimable tasks.
func (c *Client) ListTasks(ctx context.Context, status string) ([]Task, error) {
	endpoint := "tasks"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []Task
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Claim reserves a slot on a task for the authenticated user.
func (c *Client) Claim(ctx context.Context, taskID string) (Execution, error) {
	var resp Execution
	err := c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(taskID)+"/claim", nil, &resp)
	return resp, err
}

// Submit attaches proof to a reservation.
func (c *Client) Submit(ctx context.Context, executionID, proof string) (Execution, error) {
	var resp Execution
	err := c.do(ctx, http.MethodPost, "executions/"+url.PathEscape(executionID)+"/submit", map[string]any{"proof": proof}, &resp)
	return resp, err
}

// ApproveExecution settles a submission.
func (c *Client) ApproveExecution(ctx context.Context, executionID, notes string) (Execution, error) {
	var resp Execution
	err := c.do(ctx, http.MethodPost, "executions/"+url.PathEscape(executionID)+"/approve", map[string]any{"notes": notes}, &resp)
	return resp, err
}

// RejectExecution turns a submission down.
func (c *Client) RejectExecution(ctx context.Context, executionID, reason string) (Execution, error) {
	var resp Execution
	err := c.do(ctx, http.MethodPost, "executions/"+url.PathEscape(executionID)+"/reject", map[string]any{"reason": reason}, &resp)
	return resp, err
}

// GetAccount returns the balance snapshot for an account.
func (c *Client) GetAccount(ctx context.Context, accountID string) (Account, error) {
	var resp Account
	err := c.do(ctx, http.MethodGet, "accounts/"+url.PathEscape(accountID), nil, &resp)
	return resp, err
}

// Deposit credits an account (admin only).
func (c *Client) Deposit(ctx context.Context, accountID, amount string) (LedgerEntry, error) {
	var resp LedgerEntry
	err := c.do(ctx, http.MethodPost, "accounts/"+url.PathEscape(accountID)+"/deposit", map[string]any{"amount": amount}, &resp)
	return resp, err
}

// Ledger lists ledger entries for an account.
func (c *Client) Ledger(ctx context.Context, accountID string) ([]LedgerEntry, error) {
	var resp []LedgerEntry
	err := c.do(ctx, http.MethodGet, "accounts/"+url.PathEscape(accountID)+"/ledger", nil, &resp)
	return resp, err
}

// Events returns recent audit events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "events"
	if limit > 0 {
		endpoint += "?limit=" + strconv.Itoa(limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Sweep expires overdue reservations now (admin only).
func (c *Client) Sweep(ctx context.Context) (int, error) {
	var resp map[string]int
	if err := c.do(ctx, http.MethodPost, "sweep", nil, &resp); err != nil {
		return 0, err
	}
	return resp["expired"], nil
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

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/") + "/v0"
}
