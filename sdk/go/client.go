package quotelinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Quoteline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

type Supplier struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type Item struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	QuantityToOrder float64 `json:"quantity_to_order"`
	Unit            string  `json:"unit,omitempty"`
}

// QuotedItem carries money as decimal strings.
type QuotedItem struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	QuantityToOrder float64  `json:"quantity_to_order,omitempty"`
	Unit            string   `json:"unit,omitempty"`
	UnitPrice       string   `json:"unit_price,omitempty"`
	TotalPrice      string   `json:"total_price"`
	PriceChangePct  *float64 `json:"price_change_pct,omitempty"`
}

type Analysis struct {
	QuotedItems  []QuotedItem `json:"quoted_items"`
	DeliveryDate string       `json:"delivery_date,omitempty"`
	PaymentTerms string       `json:"payment_terms,omitempty"`
	Confidence   float64      `json:"confidence"`
}

// HistoryEntry is one recorded transition.
type HistoryEntry struct {
	ID            int64          `json:"id"`
	Seq           int64          `json:"seq"`
	QuotationID   string         `json:"quotation_id"`
	PreviousState string         `json:"previous_state"`
	State         string         `json:"state"`
	Event         string         `json:"event"`
	Timestamp     time.Time      `json:"timestamp"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// Quotation represents the API quotation model (partial).
type Quotation struct {
	ID            string         `json:"id"`
	State         string         `json:"state"`
	Pending       bool           `json:"pending"`
	PreviousState string         `json:"previous_state,omitempty"`
	Version       int64          `json:"version"`
	Supplier      Supplier       `json:"supplier"`
	Items         []Item         `json:"items"`
	QuotedItems   []QuotedItem   `json:"quoted_items,omitempty"`
	QuotedTotal   string         `json:"quoted_total"`
	MessageID     string         `json:"message_id,omitempty"`
	RetryCount    int            `json:"retry_count"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	SentAt        *time.Time     `json:"sent_at,omitempty"`
	History       []HistoryEntry `json:"history,omitempty"`
}

// Event is a workflow event request. Only the fields the event type uses
// need to be set.
type Event struct {
	Type          string     `json:"type"`
	MessageID     string     `json:"message_id,omitempty"`
	ReplyBody     string     `json:"reply_body,omitempty"`
	ReplyFrom     string     `json:"reply_from,omitempty"`
	RepliedAt     *time.Time `json:"replied_at,omitempty"`
	Analysis      *Analysis  `json:"analysis,omitempty"`
	InvoiceNumber string     `json:"invoice_number,omitempty"`
	Notes         string     `json:"notes,omitempty"`
	Reason        string     `json:"reason,omitempty"`
}

// Report summarizes a correlation cycle.
type Report struct {
	Skipped bool     `json:"skipped"`
	Expired []string `json:"expired,omitempty"`
	Matched []struct {
		MessageID   string `json:"message_id"`
		QuotationID string `json:"quotation_id"`
		From        string `json:"from"`
	} `json:"matched,omitempty"`
	Messages  int      `json:"messages"`
	Unmatched int      `json:"unmatched"`
	Seen      int      `json:"seen"`
	Errors    []string `json:"errors,omitempty"`
}

// Operation is an optimistic update that has not settled.
type Operation struct {
	ID        string    `json:"id"`
	EntityID  string    `json:"entity_id"`
	Status    string    `json:"status"`
	Attempts  int       `json:"attempts"`
	StartedAt time.Time `json:"started_at"`
	LastError string    `json:"last_error,omitempty"`
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
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsStatus reports whether err is an APIError with the given HTTP status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == status
}

// ListOptions filters ListQuotations.
type ListOptions struct {
	State    string
	Supplier string
	Pending  *bool
	Limit    int
}

// CreateQuotation creates a draft quotation.
func (c *Client) CreateQuotation(ctx context.Context, supplier Supplier, items []Item) (Quotation, error) {
	body := map[string]any{
		"supplier": supplier,
		"items":    items,
	}
	var resp Quotation
	err := c.do(ctx, http.MethodPost, "quotations", body, &resp)
	return resp, err
}

// ListQuotations lists quotations, newest first.
func (c *Client) ListQuotations(ctx context.Context, opts ListOptions) ([]Quotation, error) {
	q := url.Values{}
	if opts.State != "" {
		q.Set("state", opts.State)
	}
	if opts.Supplier != "" {
		q.Set("supplier", opts.Supplier)
	}
	if opts.Pending != nil {
		q.Set("pending", strconv.FormatBool(*opts.Pending))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	endpoint := "quotations"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Quotation
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetQuotation fetches a quotation with its history.
func (c *Client) GetQuotation(ctx context.Context, id string) (Quotation, error) {
	var resp Quotation
	err := c.do(ctx, http.MethodGet, "quotations/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// History returns the transitions of a quotation in order.
func (c *Client) History(ctx context.Context, id string) ([]HistoryEntry, error) {
	var resp []HistoryEntry
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("quotations/%s/history", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// SendEvent dispatches a workflow event and returns the resulting quotation.
func (c *Client) SendEvent(ctx context.Context, id string, evt Event) (Quotation, error) {
	var resp Quotation
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("quotations/%s/events", url.PathEscape(id)), evt, &resp)
	return resp, err
}

// RunCycle triggers one reply correlation cycle on the server.
func (c *Client) RunCycle(ctx context.Context) (Report, error) {
	var resp Report
	err := c.do(ctx, http.MethodPost, "correlator/cycle", nil, &resp)
	return resp, err
}

// Operations lists optimistic updates still in flight.
func (c *Client) Operations(ctx context.Context) ([]Operation, error) {
	var resp []Operation
	err := c.do(ctx, http.MethodGet, "operations", nil, &resp)
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
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
