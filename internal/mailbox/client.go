// Package mailbox talks to the Gmail REST API and turns MIME payloads into
// clean reply text.
package mailbox

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"quoteline/internal/optimistic"
)

const (
	DefaultBaseURL    = "https://gmail.googleapis.com/gmail/v1"
	defaultMaxResults = 50
)

// TokenSource supplies OAuth access tokens. Acquiring them is out of scope.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed access token.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) {
	if s == "" {
		return "", errors.New("no access token configured")
	}
	return string(s), nil
}

// EnvToken reads the access token from the named environment variable on
// every call, so a refreshed token is picked up without a restart.
type EnvToken string

func (e EnvToken) Token(context.Context) (string, error) {
	v := strings.TrimSpace(os.Getenv(string(e)))
	if v == "" {
		return "", fmt.Errorf("environment variable %s is empty", string(e))
	}
	return v, nil
}

type Options struct {
	BaseURL     string
	User        string
	FromAddress string
	MaxResults  int
	HTTPClient  *http.Client
	Tokens      TokenSource
	Logger      *slog.Logger
}

type Client struct {
	baseURL     string
	user        string
	fromAddress string
	maxResults  int
	http        *http.Client
	tokens      TokenSource
	logger      *slog.Logger
}

func NewClient(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.User == "" {
		opts.User = "me"
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = defaultMaxResults
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		user:        opts.User,
		fromAddress: opts.FromAddress,
		maxResults:  opts.MaxResults,
		http:        opts.HTTPClient,
		tokens:      opts.Tokens,
		logger:      opts.Logger,
	}
}

// Valid is a cheap connectivity check run before each poll cycle.
func (c *Client) Valid(ctx context.Context) bool {
	if c.tokens == nil {
		return false
	}
	if _, err := c.tokens.Token(ctx); err != nil {
		c.logger.Debug("mailbox token unavailable", "error", err)
		return false
	}
	var profile struct {
		EmailAddress string `json:"emailAddress"`
	}
	if err := c.getJSON(ctx, c.userPath("/profile"), nil, &profile); err != nil {
		c.logger.Warn("mailbox profile check failed", "error", err)
		return false
	}
	return true
}

type listResponse struct {
	Messages      []MessageRef `json:"messages"`
	NextPageToken string       `json:"nextPageToken"`
}

// Search lists messages matching query received after the given time,
// following pagination until MaxResults messages are collected.
func (c *Client) Search(ctx context.Context, query string, after time.Time) ([]MessageRef, error) {
	q := strings.TrimSpace(query)
	if !after.IsZero() {
		q = strings.TrimSpace(fmt.Sprintf("%s after:%d", q, after.Unix()))
	}
	var (
		out   []MessageRef
		token string
	)
	for len(out) < c.maxResults {
		params := url.Values{}
		params.Set("q", q)
		params.Set("maxResults", strconv.Itoa(c.maxResults-len(out)))
		if token != "" {
			params.Set("pageToken", token)
		}
		var page listResponse
		if err := c.getJSON(ctx, c.userPath("/messages"), params, &page); err != nil {
			return out, fmt.Errorf("list messages: %w", err)
		}
		out = append(out, page.Messages...)
		if page.NextPageToken == "" || len(page.Messages) == 0 {
			break
		}
		token = page.NextPageToken
	}
	if len(out) > c.maxResults {
		out = out[:c.maxResults]
	}
	return out, nil
}

// Fetch returns the full payload tree of one message.
func (c *Client) Fetch(ctx context.Context, id string) (Message, error) {
	params := url.Values{}
	params.Set("format", "full")
	var msg Message
	if err := c.getJSON(ctx, c.userPath("/messages/"+url.PathEscape(id)), params, &msg); err != nil {
		return Message{}, fmt.Errorf("get message %s: %w", id, err)
	}
	return msg, nil
}

// OutboundMessage is a plain-text email.
type OutboundMessage struct {
	To       string
	Subject  string
	Body     string
	ThreadID string
}

type sendRequest struct {
	Raw      string `json:"raw"`
	ThreadID string `json:"threadId,omitempty"`
}

// Send delivers msg and returns the provider message id.
func (c *Client) Send(ctx context.Context, msg OutboundMessage) (string, error) {
	if strings.TrimSpace(msg.To) == "" {
		return "", optimistic.NewSyncError(optimistic.CodeInvalidArgument, "recipient is required")
	}
	req := sendRequest{
		Raw:      base64.URLEncoding.EncodeToString([]byte(c.buildRawMessage(msg))),
		ThreadID: msg.ThreadID,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	var resp MessageRef
	if err := c.do(ctx, http.MethodPost, c.userPath("/messages/send"), nil, bytes.NewReader(body), &resp); err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return resp.ID, nil
}

func (c *Client) buildRawMessage(msg OutboundMessage) string {
	var sb strings.Builder
	if c.fromAddress != "" {
		sb.WriteString("From: " + c.fromAddress + "\r\n")
	}
	sb.WriteString("To: " + msg.To + "\r\n")
	sb.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", msg.Subject) + "\r\n")
	sb.WriteString("MIME-Version: 1.0\r\n")
	sb.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	sb.WriteString("\r\n")
	sb.WriteString(msg.Body)
	return sb.String()
}

func (c *Client) userPath(suffix string) string {
	return "/users/" + url.PathEscape(c.user) + suffix
}

func (c *Client) getJSON(ctx context.Context, path string, params url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, params, nil, out)
}

func (c *Client) do(ctx context.Context, method, path string, params url.Values, body io.Reader, out any) error {
	if c.tokens == nil {
		return optimistic.NewSyncError(optimistic.CodeUnauthenticated, "no token source configured")
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return &optimistic.SyncError{Code: optimistic.CodeUnauthenticated, Message: "access token", Err: err}
	}
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &optimistic.SyncError{Code: optimistic.CodeUnavailable, Message: "gmail request", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return optimistic.NewSyncError(codeForStatus(resp.StatusCode), "gmail API %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode gmail response: %w", err)
	}
	return nil
}

func codeForStatus(status int) optimistic.Code {
	switch status {
	case http.StatusBadRequest:
		return optimistic.CodeInvalidArgument
	case http.StatusUnauthorized:
		return optimistic.CodeUnauthenticated
	case http.StatusForbidden:
		return optimistic.CodePermissionDenied
	case http.StatusNotFound:
		return optimistic.CodeNotFound
	case http.StatusConflict:
		return optimistic.CodeAlreadyExists
	case http.StatusPreconditionFailed:
		return optimistic.CodeFailedPrecondition
	default:
		return optimistic.CodeUnavailable
	}
}
