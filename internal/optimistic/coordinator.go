// Package optimistic applies a tentative state immediately, syncs it to the
// backing store with retry, and confirms or rolls back on the outcome.
package optimistic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusSyncing    Status = "SYNCING"
	StatusConfirmed  Status = "CONFIRMED"
	StatusFailed     Status = "FAILED"
	StatusRolledBack Status = "ROLLED_BACK"
)

// Operation describes one optimistic update of a single entity.
type Operation[S any] struct {
	EntityID   string
	Original   S
	Optimistic S
	// Apply writes a state into the visible model.
	Apply func(S) error
	Sync  func(ctx context.Context) error

	OnConfirm  func()
	OnRollback func(err error)
	OnConflict func(err error)
}

// Record is the arena entry for an operation that has not settled.
type Record struct {
	ID        string    `json:"id"`
	EntityID  string    `json:"entity_id"`
	Status    Status    `json:"status"`
	Attempts  int       `json:"attempts"`
	StartedAt time.Time `json:"started_at" format:"date-time"`
	LastError string    `json:"last_error,omitempty"`
}

// Outcome is the settled result of Execute.
type Outcome struct {
	OperationID string
	Status      Status
	Attempts    int
}

type Options struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Logger      *slog.Logger
	// Sleep waits between attempts; it must return early when ctx is done.
	Sleep func(ctx context.Context, d time.Duration) error
	// Alert receives fatal inconsistencies.
	Alert func(*FatalInconsistencyError)
	Now   func() time.Time
}

type Coordinator[S any] struct {
	opts   Options
	tracer trace.Tracer

	mu       sync.Mutex
	ops      map[string]*Record
	entities map[string]string
}

func New[S any](opts Options) *Coordinator[S] {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Coordinator[S]{
		opts:     opts,
		tracer:   otel.Tracer("quoteline/optimistic"),
		ops:      map[string]*Record{},
		entities: map[string]string{},
	}
}

// Execute runs op to completion. A second operation on an entity that already
// has one in flight fails with ErrEntityBusy before anything is applied.
func (c *Coordinator[S]) Execute(ctx context.Context, operationID string, op Operation[S]) (Outcome, error) {
	out := Outcome{OperationID: operationID}
	if op.Apply == nil || op.Sync == nil {
		return out, errors.New("optimistic operation requires Apply and Sync")
	}
	if err := c.acquire(operationID, op.EntityID); err != nil {
		return out, err
	}
	defer c.release(operationID, op.EntityID)

	logger := c.opts.Logger.With("operation_id", operationID, "entity_id", op.EntityID)

	if err := op.Apply(op.Optimistic); err != nil {
		c.setStatus(operationID, StatusFailed, err)
		out.Status = StatusFailed
		return out, fmt.Errorf("apply optimistic state: %w", err)
	}

	c.setStatus(operationID, StatusSyncing, nil)
	attempts, syncErr := c.syncWithRetry(ctx, operationID, op)
	out.Attempts = attempts
	if syncErr == nil {
		c.setStatus(operationID, StatusConfirmed, nil)
		out.Status = StatusConfirmed
		logger.Debug("optimistic update confirmed", "attempts", attempts)
		if op.OnConfirm != nil {
			op.OnConfirm()
		}
		return out, nil
	}

	c.setStatus(operationID, StatusFailed, syncErr)
	out.Status = StatusFailed
	conflict := IsConflict(syncErr)
	var classified error
	switch {
	case conflict:
		classified = &ConflictError{Err: syncErr}
	case IsRetryable(syncErr):
		classified = &RetryableSyncError{Attempts: attempts, Err: syncErr}
	default:
		classified = syncErr
	}

	if rbErr := c.rollback(op); rbErr != nil {
		fatal := &FatalInconsistencyError{
			OperationID: operationID,
			EntityID:    op.EntityID,
			SyncErr:     syncErr,
			RollbackErr: rbErr,
		}
		logger.Error("optimistic rollback failed; entity requires resync", "error", rbErr, "sync_error", syncErr)
		if c.opts.Alert != nil {
			c.opts.Alert(fatal)
		}
		return out, fatal
	}
	logger.Warn("optimistic update rolled back", "attempts", attempts, "conflict", conflict, "error", syncErr)
	if op.OnRollback != nil {
		op.OnRollback(classified)
	}
	if conflict && op.OnConflict != nil {
		op.OnConflict(classified)
	}
	c.setStatus(operationID, StatusRolledBack, syncErr)
	out.Status = StatusRolledBack
	return out, classified
}

func (c *Coordinator[S]) syncWithRetry(ctx context.Context, operationID string, op Operation[S]) (int, error) {
	var lastErr error
	attempt := 0
	for attempt < c.opts.MaxAttempts {
		attempt++
		c.mu.Lock()
		if rec, ok := c.ops[operationID]; ok {
			rec.Attempts = attempt
		}
		c.mu.Unlock()

		lastErr = c.attempt(ctx, operationID, attempt, op)
		if lastErr == nil {
			return attempt, nil
		}
		if !IsRetryable(lastErr) || attempt >= c.opts.MaxAttempts {
			break
		}
		c.setStatus(operationID, StatusSyncing, lastErr)
		if err := c.opts.Sleep(ctx, c.retryDelay(attempt-1)); err != nil {
			return attempt, err
		}
	}
	return attempt, lastErr
}

func (c *Coordinator[S]) attempt(ctx context.Context, operationID string, n int, op Operation[S]) error {
	ctx, span := c.tracer.Start(ctx, "optimistic.sync", trace.WithAttributes(
		attribute.String("operation.id", operationID),
		attribute.String("entity.id", op.EntityID),
		attribute.Int("attempt", n),
	))
	defer span.End()
	err := op.Sync(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(CodeOf(err)))
	}
	return err
}

func (c *Coordinator[S]) rollback(op Operation[S]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("rollback panicked: %v", r)
		}
	}()
	return op.Apply(op.Original)
}

func (c *Coordinator[S]) retryDelay(attempt int) time.Duration {
	return c.opts.BaseDelay * time.Duration(1<<attempt)
}

func (c *Coordinator[S]) acquire(operationID, entityID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.ops[operationID]; ok {
		return fmt.Errorf("operation %s already registered", operationID)
	}
	if entityID != "" {
		if other, ok := c.entities[entityID]; ok {
			return fmt.Errorf("%w: %s (operation %s)", ErrEntityBusy, entityID, other)
		}
		c.entities[entityID] = operationID
	}
	c.ops[operationID] = &Record{
		ID:        operationID,
		EntityID:  entityID,
		Status:    StatusPending,
		StartedAt: c.opts.Now(),
	}
	return nil
}

func (c *Coordinator[S]) release(operationID, entityID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.ops, operationID)
	if c.entities[entityID] == operationID {
		delete(c.entities, entityID)
	}
}

func (c *Coordinator[S]) setStatus(operationID string, s Status, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.ops[operationID]
	if !ok {
		return
	}
	rec.Status = s
	if err != nil {
		rec.LastError = err.Error()
	}
}

// InFlight reports whether entityID has an unsettled operation.
func (c *Coordinator[S]) InFlight(entityID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entities[entityID]
	return ok
}

// Pending returns a snapshot of unsettled operations, oldest first.
func (c *Coordinator[S]) Pending() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Record, 0, len(c.ops))
	for _, rec := range c.ops {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
