package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"quoteline/internal/config"
	"quoteline/internal/db"
	"quoteline/internal/domain"
	"quoteline/internal/mailbox"
	"quoteline/internal/optimistic"
	"quoteline/internal/repo"
	"quoteline/internal/status"
	"quoteline/internal/workflow"
)

// Sender delivers the request for quotation to the supplier.
type Sender interface {
	Send(ctx context.Context, msg mailbox.OutboundMessage) (string, error)
}

// Analyzer extracts priced lines from a reply body.
type Analyzer interface {
	Analyze(ctx context.Context, body string) (domain.Analysis, error)
}

// ConflictResolver is told about a quotation whose optimistic update lost to a
// concurrent writer. stored is the version the view was resynced to.
type ConflictResolver func(ctx context.Context, stored domain.Quotation, err error)

type Options struct {
	Logger     *slog.Logger
	Now        func() time.Time
	Sleep      func(ctx context.Context, d time.Duration) error
	Sender     Sender
	Analyzer   Analyzer
	OnConflict ConflictResolver
}

type Engine struct {
	Repo       repo.Repo
	Machine    *workflow.Machine
	Coord      *optimistic.Coordinator[domain.Quotation]
	View       *View
	Sender     Sender
	Analyzer   Analyzer
	OnConflict ConflictResolver
	Logger     *slog.Logger
	Now        func() time.Time
}

func New(conn *sql.DB, d db.Dialect, cfg *config.Config, opts Options) *Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	m := workflow.New(cfg.Policy())
	m.Normalizer = status.NewNormalizer(cfg.Status.Aliases)
	e := &Engine{
		Repo:       repo.New(conn, d),
		Machine:    m,
		View:       NewView(),
		Sender:     opts.Sender,
		Analyzer:   opts.Analyzer,
		OnConflict: opts.OnConflict,
		Logger:     opts.Logger,
		Now:        opts.Now,
	}
	e.Coord = optimistic.New[domain.Quotation](optimistic.Options{
		MaxAttempts: cfg.Sync.MaxAttempts,
		BaseDelay:   cfg.Sync.BaseDelay,
		Logger:      opts.Logger,
		Sleep:       opts.Sleep,
		Now:         opts.Now,
		Alert: func(f *optimistic.FatalInconsistencyError) {
			e.Logger.Error("fatal inconsistency; resyncing quotation", "quotation_id", f.EntityID, "operation_id", f.OperationID, "error", f)
			e.resync(context.Background(), f.EntityID)
		},
	})
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

// Create builds an idle quotation, moves it to draft and stores it.
func (e *Engine) Create(ctx context.Context, supplier domain.Supplier, items []domain.Item) (domain.Quotation, error) {
	now := e.now()
	q := domain.Quotation{ID: domain.NewID(), State: domain.StateIdle, CreatedAt: now, UpdatedAt: now}
	next, res := e.Machine.Dispatch(q, domain.Event{Type: domain.EventCreateDraft, Supplier: &supplier, Items: items}, now)
	if err := res.Err(); err != nil {
		return q, err
	}
	stored, err := e.Repo.Insert(ctx, next)
	if err != nil {
		return q, err
	}
	e.View.Put(stored)
	e.Logger.Info("quotation created", "quotation_id", stored.ID, "supplier", stored.Supplier.Email)
	return stored, nil
}

// Import stores an externally sourced quotation under the canonical form of
// rawStatus. No history entry is written.
func (e *Engine) Import(ctx context.Context, q domain.Quotation, rawStatus string) (domain.Quotation, error) {
	now := e.now()
	if q.ID == "" {
		q.ID = domain.NewID()
	}
	if q.CreatedAt.IsZero() {
		q.CreatedAt = now
	}
	q.UpdatedAt = now
	q.History = nil
	hydrated, err := e.Machine.Hydrate(q, rawStatus)
	if err != nil {
		return q, err
	}
	stored, err := e.Repo.Insert(ctx, hydrated)
	if err != nil {
		return q, err
	}
	e.View.Put(stored)
	return stored, nil
}

// Get returns the visible state of a quotation. While an optimistic update is
// in flight that is the tentative state.
func (e *Engine) Get(ctx context.Context, id string) (domain.Quotation, error) {
	if q, ok := e.View.Get(id); ok && e.Coord.InFlight(id) {
		return q, nil
	}
	q, err := e.Repo.GetWithHistory(ctx, id)
	if err != nil {
		return q, err
	}
	e.View.Put(q)
	return q, nil
}

func (e *Engine) List(ctx context.Context, f repo.Filter) ([]domain.Quotation, error) {
	res, err := e.Repo.List(ctx, f)
	if err != nil {
		return nil, err
	}
	for i, q := range res {
		if v, ok := e.View.Get(q.ID); ok && e.Coord.InFlight(q.ID) {
			v.History = nil
			res[i] = v
		}
	}
	return res, nil
}

func (e *Engine) History(ctx context.Context, id string) ([]domain.HistoryEntry, error) {
	if _, err := e.Repo.Get(ctx, id); err != nil {
		return nil, err
	}
	return e.Repo.History(ctx, id)
}

// Pending lists the optimistic operations that have not settled.
func (e *Engine) Pending() []optimistic.Record {
	return e.Coord.Pending()
}

func (e *Engine) AwaitingReply(ctx context.Context) ([]domain.Quotation, error) {
	return e.Repo.AwaitingReply(ctx)
}

// Expired reports whether q has been waiting for a reply past the expiry window.
func (e *Engine) Expired(q domain.Quotation) bool {
	return e.Machine.Policy.IsExpired(q, e.now())
}

func (e *Engine) IsProcessed(ctx context.Context, messageID string) (bool, error) {
	return e.Repo.IsProcessed(ctx, messageID)
}

func (e *Engine) MarkProcessed(ctx context.Context, messageID, quotationID string) (bool, error) {
	return e.Repo.MarkProcessed(ctx, messageID, quotationID, e.now())
}

// Dispatch validates evt against the stored quotation and persists the
// transition. Pending-marking events go through the optimistic coordinator.
func (e *Engine) Dispatch(ctx context.Context, id string, evt domain.Event) (domain.Quotation, error) {
	if e.Coord.InFlight(id) {
		return domain.Quotation{}, fmt.Errorf("%w: %s", optimistic.ErrEntityBusy, id)
	}
	current, err := e.Repo.GetWithHistory(ctx, id)
	if err != nil {
		return current, err
	}
	now := e.now()
	next, res := e.Machine.Dispatch(current, evt, now)
	if err := res.Err(); err != nil {
		return current, err
	}
	logger := e.Logger.With("quotation_id", id, "event", string(evt.Type))
	if !workflow.IsPending(evt.Type) {
		stored, err := e.Repo.Commit(ctx, next, newEntries(current, next))
		if err != nil {
			return current, err
		}
		e.View.Put(stored)
		logger.Info("quotation transitioned", "from", string(res.From), "to", string(res.To))
		return stored, nil
	}
	return e.dispatchOptimistic(ctx, current, next, evt, logger)
}

func (e *Engine) dispatchOptimistic(ctx context.Context, current, next domain.Quotation, evt domain.Event, logger *slog.Logger) (domain.Quotation, error) {
	complete := e.completer(evt.Type)
	var (
		settled   domain.Quotation
		completed *domain.Event
	)
	op := optimistic.Operation[domain.Quotation]{
		EntityID:   current.ID,
		Original:   current,
		Optimistic: next,
		Apply:      e.View.Apply,
		Sync: func(ctx context.Context) error {
			final := next
			if complete != nil {
				// The collaborator call is not repeated once it succeeded;
				// later attempts only retry the commit.
				if completed == nil {
					done, err := complete(ctx, next)
					if err != nil {
						return err
					}
					completed = &done
				}
				var res workflow.Result
				final, res = e.Machine.Dispatch(next, *completed, e.now())
				if err := res.Err(); err != nil {
					return &optimistic.SyncError{Code: optimistic.CodeInvalidArgument, Message: "completion rejected", Err: err}
				}
			}
			stored, err := e.Repo.Commit(ctx, final, newEntries(current, final))
			if err != nil {
				return storeError(err)
			}
			settled = stored
			return nil
		},
		OnConfirm: func() {
			e.View.Put(settled)
		},
		OnRollback: func(err error) {
			base, pending := current, next
			var conflict *optimistic.ConflictError
			if errors.As(err, &conflict) {
				// The failure lands on top of whatever the store holds now.
				base = e.resync(context.WithoutCancel(ctx), current.ID)
				if base.ID == "" {
					return
				}
				var res workflow.Result
				pending, res = e.Machine.Dispatch(base, evt, e.now())
				if rerr := res.Err(); rerr != nil {
					logger.Warn("conflict not recorded", "stored_state", string(base.State), "error", rerr)
					return
				}
			}
			if failed, ok := e.recordFailure(context.WithoutCancel(ctx), base, pending, evt.Type, err); ok {
				settled = failed
			}
		},
		OnConflict: func(err error) {
			if e.OnConflict == nil {
				return
			}
			stored := settled
			if stored.ID == "" {
				stored, _ = e.View.Get(current.ID)
			}
			e.OnConflict(ctx, stored, err)
		},
	}
	out, err := e.Coord.Execute(ctx, uuid.NewString(), op)
	if err != nil {
		logger.Warn("optimistic update failed", "operation_id", out.OperationID, "status", string(out.Status), "attempts", out.Attempts, "error", err)
		if settled.ID != "" {
			return settled, err
		}
		if q, ok := e.View.Get(current.ID); ok {
			return q, err
		}
		return current, err
	}
	logger.Info("quotation transitioned", "operation_id", out.OperationID, "state", string(settled.State), "attempts", out.Attempts)
	return settled, nil
}

// recordFailure commits the pending transition together with its failure
// event so a failed sync ends in the error state.
func (e *Engine) recordFailure(ctx context.Context, current, pending domain.Quotation, evt domain.EventType, syncErr error) (domain.Quotation, bool) {
	failure := workflow.Pending[evt].Failure
	if failure == "" {
		return current, false
	}
	qe := &domain.QuotationError{
		Code:      string(optimistic.CodeOf(syncErr)),
		Message:   syncErr.Error(),
		Retryable: isTransient(syncErr),
	}
	failed, res := e.Machine.Dispatch(pending, domain.Event{Type: failure, Error: qe}, e.now())
	if err := res.Err(); err != nil {
		e.Logger.Error("failure event rejected", "quotation_id", current.ID, "event", string(failure), "error", err)
		return current, false
	}
	stored, err := e.Repo.Commit(ctx, failed, newEntries(current, failed))
	if err != nil {
		e.Logger.Error("could not record sync failure", "quotation_id", current.ID, "event", string(failure), "error", err)
		return current, false
	}
	e.View.Put(stored)
	return stored, true
}

// resync replaces the visible state with the stored one.
func (e *Engine) resync(ctx context.Context, id string) domain.Quotation {
	stored, err := e.Repo.GetWithHistory(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			e.View.Delete(id)
		} else {
			e.Logger.Error("resync failed", "quotation_id", id, "error", err)
		}
		return stored
	}
	e.View.Put(stored)
	return stored
}

type completeFunc func(ctx context.Context, q domain.Quotation) (domain.Event, error)

// completer returns the work that settles a pending event, or nil when the
// completion arrives as a separate event.
func (e *Engine) completer(evt domain.EventType) completeFunc {
	switch evt {
	case domain.EventSend:
		if e.Sender == nil {
			return nil
		}
		return e.send
	case domain.EventAnalyze:
		if e.Analyzer == nil {
			return nil
		}
		return e.analyze
	case domain.EventConfirm:
		return func(context.Context, domain.Quotation) (domain.Event, error) {
			return domain.Event{Type: domain.EventConfirmSuccess}, nil
		}
	default:
		return nil
	}
}

func (e *Engine) send(ctx context.Context, q domain.Quotation) (domain.Event, error) {
	id, err := e.Sender.Send(ctx, RequestMessage(q))
	if err != nil {
		return domain.Event{}, err
	}
	return domain.Event{Type: domain.EventSendSuccess, MessageID: id}, nil
}

func (e *Engine) analyze(ctx context.Context, q domain.Quotation) (domain.Event, error) {
	if strings.TrimSpace(q.ReplyBody) == "" {
		return domain.Event{}, optimistic.NewSyncError(optimistic.CodeInvalidArgument, "quotation %s has no reply body", q.ID)
	}
	a, err := e.Analyzer.Analyze(ctx, q.ReplyBody)
	if err != nil {
		return domain.Event{}, err
	}
	return domain.Event{Type: domain.EventAnalysisSuccess, Analysis: &a}, nil
}

// RequestMessage renders the request for quotation sent to the supplier.
func RequestMessage(q domain.Quotation) mailbox.OutboundMessage {
	var sb strings.Builder
	name := q.Supplier.Name
	if name == "" {
		name = q.Supplier.Email
	}
	fmt.Fprintf(&sb, "Hello %s,\n\nPlease send us your best quotation for the following items:\n\n", name)
	for _, it := range q.Items {
		unit := it.Unit
		if unit == "" {
			unit = "un"
		}
		fmt.Fprintf(&sb, "- %s: %g %s\n", it.Name, it.QuantityToOrder, unit)
	}
	fmt.Fprintf(&sb, "\nInclude unit prices, delivery date and payment terms in your reply.\n\nReference: %s\n", q.ID)
	return mailbox.OutboundMessage{
		To:      q.Supplier.Email,
		Subject: "Request for quotation " + q.ID,
		Body:    sb.String(),
	}
}

func newEntries(before, after domain.Quotation) []domain.HistoryEntry {
	if len(after.History) <= len(before.History) {
		return nil
	}
	return after.History[len(before.History):]
}

// storeError maps repository failures onto sync error codes.
func storeError(err error) error {
	switch {
	case errors.Is(err, repo.ErrVersionMismatch):
		return &optimistic.SyncError{Code: optimistic.CodeFailedPrecondition, Message: "version mismatch", Err: err}
	case errors.Is(err, repo.ErrNotFound):
		return &optimistic.SyncError{Code: optimistic.CodeNotFound, Message: "quotation missing", Err: err}
	case errors.Is(err, repo.ErrAlreadyExists):
		return &optimistic.SyncError{Code: optimistic.CodeAlreadyExists, Message: "already exists", Err: err}
	default:
		return &optimistic.SyncError{Code: optimistic.CodeUnavailable, Message: "store", Err: err}
	}
}

func isTransient(err error) bool {
	var exhausted *optimistic.RetryableSyncError
	if errors.As(err, &exhausted) {
		return true
	}
	return optimistic.IsRetryable(err)
}
