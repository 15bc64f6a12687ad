// Package analyzer calls the external reply analyzer that turns a supplier's
// reply text into priced line items.
package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"quoteline/internal/domain"
	"quoteline/internal/optimistic"
)

const schemaURL = "https://quoteline.local/schemas/analysis.json"

const analysisSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["quoted_items", "confidence"],
  "properties": {
    "quoted_items": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "name", "total_price"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "name": {"type": "string"},
          "quantity_to_order": {"type": "number", "minimum": 0},
          "unit": {"type": "string"},
          "unit_price": {"type": ["number", "string"]},
          "total_price": {"type": ["number", "string"]},
          "price_change_pct": {"type": ["number", "null"]}
        }
      }
    },
    "delivery_date": {"type": "string"},
    "payment_terms": {"type": "string"},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1}
  }
}`

type Options struct {
	URL        string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

type Client struct {
	url    string
	http   *http.Client
	logger *slog.Logger
	schema *jsonschema.Schema
}

func New(opts Options) (*Client, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, errors.New("analyzer url is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	schema, err := compileSchema()
	if err != nil {
		return nil, err
	}
	return &Client{url: opts.URL, http: opts.HTTPClient, logger: opts.Logger, schema: schema}, nil
}

func compileSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(analysisSchema))
	if err != nil {
		return nil, fmt.Errorf("parse analysis schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, doc); err != nil {
		return nil, fmt.Errorf("add analysis schema: %w", err)
	}
	schema, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile analysis schema: %w", err)
	}
	return schema, nil
}

type request struct {
	Body string `json:"body"`
}

// Analyze sends the clean reply body and returns the validated analysis.
func (c *Client) Analyze(ctx context.Context, body string) (domain.Analysis, error) {
	var out domain.Analysis
	payload, err := json.Marshal(request{Body: body})
	if err != nil {
		return out, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return out, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return out, &optimistic.SyncError{Code: optimistic.CodeUnavailable, Message: "analyzer request", Err: err}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return out, &optimistic.SyncError{Code: optimistic.CodeUnavailable, Message: "read analyzer response", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		code := optimistic.CodeUnavailable
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			code = optimistic.CodeInvalidArgument
		}
		return out, optimistic.NewSyncError(code, "analyzer returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return out, &optimistic.SyncError{Code: optimistic.CodeInvalidArgument, Message: "analyzer response is not JSON", Err: err}
	}
	if err := c.schema.Validate(inst); err != nil {
		c.logger.Warn("analyzer response rejected", "error", err)
		return out, &optimistic.SyncError{Code: optimistic.CodeInvalidArgument, Message: "analyzer response failed validation", Err: err}
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, &optimistic.SyncError{Code: optimistic.CodeInvalidArgument, Message: "decode analysis", Err: err}
	}
	return out, nil
}
