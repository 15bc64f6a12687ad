package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"quoteline/internal/config"
	"quoteline/internal/domain"
	"quoteline/internal/engine"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

type webhookDispatcher struct {
	engine   *engine.Engine
	webhooks []config.Webhook
	client   *http.Client
	logger   *slog.Logger
	interval time.Duration
	mu       sync.Mutex
	cursors  map[string]int64
}

// StartWebhooks delivers new history entries to the enabled webhooks until
// ctx is cancelled. Hooks only see transitions recorded after startup.
func StartWebhooks(ctx context.Context, e *engine.Engine, hooks []config.Webhook, logger *slog.Logger) {
	d := newWebhookDispatcher(e, hooks, logger)
	if d == nil {
		return
	}
	go d.run(ctx)
}

func newWebhookDispatcher(e *engine.Engine, hooks []config.Webhook, logger *slog.Logger) *webhookDispatcher {
	var active []config.Webhook
	for _, hook := range hooks {
		if hook.Enabled && strings.TrimSpace(hook.URL) != "" {
			active = append(active, hook)
		}
	}
	if e == nil || len(active) == 0 {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &webhookDispatcher{
		engine:   e,
		webhooks: active,
		client:   &http.Client{Timeout: defaultWebhookTimeout, Transport: otelhttp.NewTransport(http.DefaultTransport)},
		logger:   logger.With("component", "webhooks"),
		interval: defaultWebhookInterval,
		cursors:  make(map[string]int64),
	}
}

func (d *webhookDispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.dispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *webhookDispatcher) dispatchAll(ctx context.Context) {
	for _, hook := range d.webhooks {
		d.dispatchWebhook(ctx, hook)
	}
}

func (d *webhookDispatcher) dispatchWebhook(ctx context.Context, hook config.Webhook) {
	cursor := d.cursorFor(ctx, hook)
	entries, err := d.engine.Repo.HistoryAfter(ctx, cursor, defaultWebhookBatch)
	if err != nil {
		d.logger.Error("fetch history failed", "webhook", hook.ID, "error", err)
		return
	}
	filter := newEventFilter(hook.Events)
	for _, entry := range entries {
		if !filter.match(string(entry.Event)) {
			d.setCursor(hook.ID, entry.ID)
			continue
		}
		if err := d.post(ctx, hook, entry); err != nil {
			d.logger.Warn("delivery failed", "webhook", hook.ID, "url", hook.URL, "history_id", entry.ID, "error", err)
			return
		}
		d.setCursor(hook.ID, entry.ID)
	}
}

func (d *webhookDispatcher) cursorFor(ctx context.Context, hook config.Webhook) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[hook.ID]; ok {
		return cur
	}
	cur, err := d.engine.Repo.LatestHistoryID(ctx)
	if err != nil {
		d.logger.Error("init cursor failed", "webhook", hook.ID, "error", err)
		cur = 0
	}
	d.cursors[hook.ID] = cur
	return cur
}

func (d *webhookDispatcher) setCursor(id string, value int64) {
	d.mu.Lock()
	d.cursors[id] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID            int64          `json:"id"`
	Event         string         `json:"event"`
	QuotationID   string         `json:"quotation_id"`
	Seq           int64          `json:"seq"`
	PreviousState string         `json:"previous_state"`
	State         string         `json:"state"`
	Timestamp     string         `json:"ts"`
	Payload       map[string]any `json:"payload"`
}

func (d *webhookDispatcher) post(ctx context.Context, hook config.Webhook, entry domain.HistoryEntry) error {
	payload := entry.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(webhookEvent{
		ID:            entry.ID,
		Event:         string(entry.Event),
		QuotationID:   entry.QuotationID,
		Seq:           entry.Seq,
		PreviousState: string(entry.PreviousState),
		State:         string(entry.State),
		Timestamp:     entry.Timestamp.UTC().Format(time.RFC3339Nano),
		Payload:       payload,
	})
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Quoteline-Event", string(entry.Event))
	req.Header.Set("X-Quoteline-Delivery", fmt.Sprintf("%d", entry.ID))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Quoteline-Secret", hook.Secret)
	}
	res, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.ToUpper(strings.TrimSpace(evt))
		if key == "*" {
			return eventFilter{all: true}
		}
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
