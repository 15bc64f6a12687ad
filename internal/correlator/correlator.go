// Package correlator matches supplier replies in the mailbox to the
// quotations waiting for them.
package correlator

//go:generate mockgen -source=correlator.go -destination=mocks/correlator_mock.go -package=mock_correlator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"quoteline/internal/domain"
	"quoteline/internal/mailbox"
)

type Mailbox interface {
	Valid(ctx context.Context) bool
	Search(ctx context.Context, query string, after time.Time) ([]mailbox.MessageRef, error)
	Fetch(ctx context.Context, id string) (mailbox.Message, error)
}

// Workflow is the slice of the engine the correlator drives.
type Workflow interface {
	AwaitingReply(ctx context.Context) ([]domain.Quotation, error)
	Expired(q domain.Quotation) bool
	Dispatch(ctx context.Context, id string, evt domain.Event) (domain.Quotation, error)
	IsProcessed(ctx context.Context, messageID string) (bool, error)
	MarkProcessed(ctx context.Context, messageID, quotationID string) (bool, error)
}

type Correlator struct {
	Mailbox  Mailbox
	Workflow Workflow
	// Analyze dispatches ANALYZE right after a reply is recorded.
	Analyze bool
	Logger  *slog.Logger
}

type MatchedMessage struct {
	MessageID   string `json:"message_id"`
	QuotationID string `json:"quotation_id"`
	From        string `json:"from"`
}

// Report summarizes one cycle.
type Report struct {
	Skipped   bool             `json:"skipped"`
	Expired   []string         `json:"expired,omitempty"`
	Messages  int              `json:"messages"`
	Matched   []MatchedMessage `json:"matched,omitempty"`
	Unmatched int              `json:"unmatched"`
	Seen      int              `json:"seen"`
	Errors    []string         `json:"errors,omitempty"`
}

func (c *Correlator) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Cycle runs one poll: expire stale requests, then search the mailbox for
// replies from the remaining suppliers and record each match.
func (c *Correlator) Cycle(ctx context.Context) (Report, error) {
	ctx, span := otel.Tracer("quoteline/correlator").Start(ctx, "correlator.cycle")
	defer span.End()
	logger := c.logger()

	var rep Report
	if !c.Mailbox.Valid(ctx) {
		rep.Skipped = true
		logger.Info("mailbox unavailable; skipping cycle")
		span.SetAttributes(attribute.Bool("skipped", true))
		return rep, nil
	}
	pending, err := c.Workflow.AwaitingReply(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load pending")
		return rep, fmt.Errorf("load pending quotations: %w", err)
	}

	live := make([]domain.Quotation, 0, len(pending))
	for _, q := range pending {
		if !c.Workflow.Expired(q) {
			live = append(live, q)
			continue
		}
		if _, err := c.Workflow.Dispatch(ctx, q.ID, domain.Event{Type: domain.EventExpire}); err != nil {
			logger.Warn("expire failed", "quotation_id", q.ID, "error", err)
			rep.Errors = append(rep.Errors, fmt.Sprintf("expire %s: %v", q.ID, err))
			continue
		}
		rep.Expired = append(rep.Expired, q.ID)
	}
	if len(live) == 0 {
		return rep, nil
	}

	query, after := BuildQuery(live)
	refs, err := c.Mailbox.Search(ctx, query, after)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "search")
		return rep, fmt.Errorf("search mailbox: %w", err)
	}
	for _, ref := range refs {
		if len(live) == 0 {
			break
		}
		rep.Messages++
		seen, err := c.Workflow.IsProcessed(ctx, ref.ID)
		if err != nil {
			rep.Errors = append(rep.Errors, fmt.Sprintf("message %s: %v", ref.ID, err))
			continue
		}
		if seen {
			rep.Seen++
			continue
		}
		msg, err := c.Mailbox.Fetch(ctx, ref.ID)
		if err != nil {
			logger.Warn("fetch failed", "message_id", ref.ID, "error", err)
			rep.Errors = append(rep.Errors, fmt.Sprintf("fetch %s: %v", ref.ID, err))
			continue
		}
		env := mailbox.ParseEnvelope(msg)
		q, ok := Match(env.FromAddress, live)
		if !ok {
			rep.Unmatched++
			continue
		}
		evt := domain.Event{
			Type:      domain.EventReceiveReply,
			ReplyBody: mailbox.ExtractBody(msg),
			ReplyFrom: env.FromAddress,
		}
		if !env.Date.IsZero() {
			at := env.Date.UTC()
			evt.RepliedAt = &at
		}
		if _, err := c.Workflow.Dispatch(ctx, q.ID, evt); err != nil {
			logger.Warn("reply not recorded", "quotation_id", q.ID, "message_id", ref.ID, "error", err)
			rep.Errors = append(rep.Errors, fmt.Sprintf("reply %s: %v", q.ID, err))
			continue
		}
		if _, err := c.Workflow.MarkProcessed(ctx, ref.ID, q.ID); err != nil {
			logger.Warn("could not mark message processed", "message_id", ref.ID, "error", err)
		}
		live = without(live, q.ID)
		rep.Matched = append(rep.Matched, MatchedMessage{MessageID: ref.ID, QuotationID: q.ID, From: env.FromAddress})
		logger.Info("reply correlated", "quotation_id", q.ID, "message_id", ref.ID, "from", env.FromAddress)

		if c.Analyze {
			if _, err := c.Workflow.Dispatch(ctx, q.ID, domain.Event{Type: domain.EventAnalyze}); err != nil {
				logger.Warn("analysis failed", "quotation_id", q.ID, "error", err)
				rep.Errors = append(rep.Errors, fmt.Sprintf("analyze %s: %v", q.ID, err))
			}
		}
	}
	span.SetAttributes(
		attribute.Int("messages", rep.Messages),
		attribute.Int("matched", len(rep.Matched)),
		attribute.Int("expired", len(rep.Expired)),
	)
	return rep, nil
}

// BuildQuery returns the mailbox search over the distinct supplier addresses
// and the earliest send time among pending.
func BuildQuery(pending []domain.Quotation) (string, time.Time) {
	var (
		terms []string
		after time.Time
	)
	seen := map[string]bool{}
	for _, q := range pending {
		email := normalize(q.Supplier.Email)
		if email != "" && !seen[email] {
			seen[email] = true
			terms = append(terms, "from:"+email)
		}
		if q.SentAt != nil && (after.IsZero() || q.SentAt.Before(after)) {
			after = *q.SentAt
		}
	}
	return strings.Join(terms, " OR "), after
}

// Match finds the quotation a reply from address belongs to. An exact address
// match wins; otherwise the first quotation whose supplier shares the domain.
// Candidates are tried oldest send first.
func Match(from string, pending []domain.Quotation) (domain.Quotation, bool) {
	addr := normalize(from)
	if addr == "" {
		return domain.Quotation{}, false
	}
	ordered := bySentAt(pending)
	for _, q := range ordered {
		if normalize(q.Supplier.Email) == addr {
			return q, true
		}
	}
	d := domainOf(addr)
	if d == "" {
		return domain.Quotation{}, false
	}
	for _, q := range ordered {
		if domainOf(normalize(q.Supplier.Email)) == d {
			return q, true
		}
	}
	return domain.Quotation{}, false
}

func bySentAt(pending []domain.Quotation) []domain.Quotation {
	out := append([]domain.Quotation(nil), pending...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].SentAt, out[j].SentAt
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.Before(*b)
		}
	})
	return out
}

func normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func domainOf(addr string) string {
	at := strings.LastIndex(addr, "@")
	if at < 0 || at == len(addr)-1 {
		return ""
	}
	return addr[at+1:]
}

func without(qs []domain.Quotation, id string) []domain.Quotation {
	var out []domain.Quotation
	for _, q := range qs {
		if q.ID != id {
			out = append(out, q)
		}
	}
	return out
}
