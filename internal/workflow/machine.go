// Package workflow implements the quotation lifecycle as an explicit
// transition table. Dispatch never mutates its input.
package workflow

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"quoteline/internal/domain"
	"quoteline/internal/status"
)

// Result reports whether an event was accepted.
type Result struct {
	Valid  bool             `json:"valid"`
	Reason string           `json:"reason,omitempty"`
	Event  domain.EventType `json:"event"`
	From   domain.State     `json:"from"`
	To     domain.State     `json:"to,omitempty"`
}

// Err converts a rejected result into a *ValidationError.
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	return &ValidationError{Event: r.Event, State: r.From, Reason: r.Reason}
}

// ValidationError is returned to callers when an event is rejected. No state
// or history was touched.
type ValidationError struct {
	Event  domain.EventType
	State  domain.State
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid event %s in state %s: %s", e.Event, e.State, e.Reason)
}

type guardFunc func(p Policy, q domain.Quotation, evt domain.Event, now time.Time) string
type actionFunc func(p Policy, q *domain.Quotation, evt domain.Event, now time.Time)

type transition struct {
	guard  guardFunc
	action actionFunc
	target domain.State
}

type tableKey struct {
	from  domain.State
	event domain.EventType
}

// Completion names the events that settle a pending-marking event.
type Completion struct {
	Success domain.EventType
	Failure domain.EventType
}

// Pending maps each pending-marking event to its completion events. DELIVER
// has no failure event.
var Pending = map[domain.EventType]Completion{
	domain.EventSend:    {Success: domain.EventSendSuccess, Failure: domain.EventSendError},
	domain.EventAnalyze: {Success: domain.EventAnalysisSuccess, Failure: domain.EventAnalysisError},
	domain.EventConfirm: {Success: domain.EventConfirmSuccess, Failure: domain.EventConfirmError},
	domain.EventDeliver: {Success: domain.EventDeliverSuccess},
}

// IsPending reports whether evt leaves the quotation optimistic-pending.
func IsPending(evt domain.EventType) bool {
	_, ok := Pending[evt]
	return ok
}

type Machine struct {
	Policy     Policy
	Normalizer status.Normalizer
	table      map[tableKey]transition
}

func New(p Policy) *Machine {
	m := &Machine{Policy: p, table: map[tableKey]transition{}}
	m.on(domain.EventCreateDraft, domain.StateDraft, nil, createDraft, domain.StateIdle)
	m.on(domain.EventSend, domain.StateSending, guardSend, nil, domain.StateDraft)
	m.on(domain.EventSendSuccess, domain.StateSent, nil, sendSuccess, domain.StateSending)
	m.on(domain.EventSendError, domain.StateError, nil, sendError, domain.StateSending)
	m.on(domain.EventReceiveReply, domain.StateReplied, nil, receiveReply, domain.StateSent, domain.StateWaitingReply)
	m.on(domain.EventExpire, domain.StateExpired, guardExpired, nil, domain.StateSent, domain.StateWaitingReply)
	m.on(domain.EventAnalyze, domain.StateAnalyzing, nil, nil, domain.StateReplied)
	m.on(domain.EventAnalysisSuccess, domain.StateQuoted, guardAnalysis, analysisSuccess, domain.StateAnalyzing)
	m.on(domain.EventAnalysisError, domain.StateError, nil, recordError, domain.StateAnalyzing)
	m.on(domain.EventConfirm, domain.StateConfirming, guardConfirm, nil, domain.StateQuoted)
	m.on(domain.EventConfirmSuccess, domain.StateConfirmed, nil, confirmSuccess, domain.StateConfirming)
	m.on(domain.EventConfirmError, domain.StateError, nil, recordError, domain.StateConfirming)
	m.on(domain.EventDeliver, domain.StateDelivering, nil, nil, domain.StateConfirmed)
	m.on(domain.EventDeliverSuccess, domain.StateDelivered, nil, deliverSuccess, domain.StateDelivering)
	m.on(domain.EventCancel, domain.StateCancelled, guardCancel, cancel,
		domain.StateDraft, domain.StateSent, domain.StateWaitingReply, domain.StateReplied,
		domain.StateQuoted, domain.StateConfirmed, domain.StateError)
	m.on(domain.EventRetry, domain.StateDraft, guardRetry, retry, domain.StateError)
	m.on(domain.EventReset, domain.StateDraft, nil, reset, domain.StateCancelled, domain.StateExpired)
	return m
}

func (m *Machine) on(evt domain.EventType, target domain.State, g guardFunc, a actionFunc, from ...domain.State) {
	for _, s := range from {
		m.table[tableKey{from: s, event: evt}] = transition{guard: g, action: a, target: target}
	}
}

// Check evaluates evt against q without producing a new context.
func (m *Machine) Check(q domain.Quotation, evt domain.Event, now time.Time) Result {
	_, res := m.lookup(q, evt, now)
	return res
}

func (m *Machine) lookup(q domain.Quotation, evt domain.Event, now time.Time) (transition, Result) {
	from := q.State
	if from == "" {
		from = domain.StateIdle
	}
	res := Result{Event: evt.Type, From: from}
	t, ok := m.table[tableKey{from: from, event: evt.Type}]
	if !ok {
		res.Reason = fmt.Sprintf("event %s is not accepted in state %s", evt.Type, from)
		return t, res
	}
	if t.guard != nil {
		if reason := t.guard(m.Policy, q, evt, now); reason != "" {
			res.Reason = reason
			return t, res
		}
	}
	res.Valid = true
	res.To = t.target
	return t, res
}

// Dispatch applies evt to q. An accepted event returns a new context with one
// more history entry. A rejected event returns q untouched.
func (m *Machine) Dispatch(q domain.Quotation, evt domain.Event, now time.Time) (domain.Quotation, Result) {
	t, res := m.lookup(q, evt, now)
	if !res.Valid {
		return q, res
	}
	next := domain.Clone(q)
	if t.action != nil {
		t.action(m.Policy, &next, evt, now)
	}
	if IsPending(evt.Type) {
		next.Pending = true
		next.PreviousState = res.From
	} else {
		next.Pending = false
		next.PreviousState = ""
	}
	next.State = t.target
	next.UpdatedAt = now
	next.History = append(next.History, domain.HistoryEntry{
		Seq:           int64(len(q.History) + 1),
		QuotationID:   next.ID,
		PreviousState: res.From,
		State:         t.target,
		Event:         evt.Type,
		Timestamp:     now,
		Payload:       payloadFor(evt),
	})
	return next, res
}

// Accepted lists the events the table accepts from s, ignoring guards.
func (m *Machine) Accepted(s domain.State) []domain.EventType {
	var out []domain.EventType
	for k := range m.table {
		if k.from == s {
			out = append(out, k.event)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Hydrate adopts an externally sourced status. It is how imported records
// land in states no command targets, such as waitingReply.
func (m *Machine) Hydrate(q domain.Quotation, raw string) (domain.Quotation, error) {
	s := m.Normalizer.Normalize(raw)
	if !s.Valid() {
		return q, fmt.Errorf("unknown status %q", raw)
	}
	next := domain.Clone(q)
	next.State = s
	next.Pending = false
	next.PreviousState = ""
	return next, nil
}

func guardSend(p Policy, q domain.Quotation, _ domain.Event, _ time.Time) string {
	if reason := p.sendBlocker(q); reason != "" {
		return "cannot send: " + reason
	}
	return ""
}

func guardExpired(p Policy, q domain.Quotation, _ domain.Event, now time.Time) string {
	if !p.IsExpired(q, now) {
		return fmt.Sprintf("quotation has not been outstanding for %d days", p.ExpiryDays)
	}
	return ""
}

func guardAnalysis(_ Policy, _ domain.Quotation, evt domain.Event, _ time.Time) string {
	if evt.Analysis == nil {
		return "analysis result is required"
	}
	return ""
}

func guardConfirm(p Policy, q domain.Quotation, _ domain.Event, _ time.Time) string {
	if !p.CanConfirm(q) {
		return "cannot confirm: quotation has no positive quoted total"
	}
	return ""
}

func guardCancel(p Policy, q domain.Quotation, _ domain.Event, now time.Time) string {
	if !p.CanCancel(q, now) {
		return fmt.Sprintf("cannot cancel: confirmed more than %s ago", p.CancelWindow)
	}
	return ""
}

func guardRetry(p Policy, q domain.Quotation, _ domain.Event, _ time.Time) string {
	if !p.CanRetry(q) {
		return fmt.Sprintf("retry limit of %d reached; cancel the quotation", p.MaxRetries)
	}
	return ""
}

func createDraft(_ Policy, q *domain.Quotation, evt domain.Event, now time.Time) {
	if evt.Supplier != nil {
		q.Supplier = *evt.Supplier
	}
	if evt.Items != nil {
		q.Items = append([]domain.Item(nil), evt.Items...)
	}
	if q.CreatedAt.IsZero() {
		q.CreatedAt = now
	}
}

func sendSuccess(p Policy, q *domain.Quotation, evt domain.Event, now time.Time) {
	sent := now
	expires := now.Add(p.expiry())
	q.MessageID = evt.MessageID
	q.SentAt = &sent
	q.ExpiresAt = &expires
	q.Error = nil
}

func sendError(p Policy, q *domain.Quotation, evt domain.Event, now time.Time) {
	recordError(p, q, evt, now)
	if q.RetryCount < p.MaxRetries {
		q.RetryCount++
	}
}

func recordError(_ Policy, q *domain.Quotation, evt domain.Event, _ time.Time) {
	if evt.Error != nil {
		e := *evt.Error
		q.Error = &e
		return
	}
	q.Error = &domain.QuotationError{Code: "UNKNOWN", Message: string(evt.Type)}
}

func receiveReply(_ Policy, q *domain.Quotation, evt domain.Event, now time.Time) {
	at := now
	if evt.RepliedAt != nil {
		at = *evt.RepliedAt
	}
	q.ReplyBody = evt.ReplyBody
	q.ReplyFrom = evt.ReplyFrom
	q.RepliedAt = &at
}

func analysisSuccess(_ Policy, q *domain.Quotation, evt domain.Event, now time.Time) {
	a := evt.Analysis
	q.QuotedItems = append([]domain.QuotedItem(nil), a.QuotedItems...)
	q.QuotedTotal = domain.SumTotals(q.QuotedItems)
	q.DeliveryDate = a.DeliveryDate
	q.PaymentTerms = a.PaymentTerms
	q.Confidence = a.Confidence
	at := now
	q.AnalyzedAt = &at
}

func confirmSuccess(_ Policy, q *domain.Quotation, _ domain.Event, now time.Time) {
	at := now
	q.ConfirmedAt = &at
}

func deliverSuccess(_ Policy, q *domain.Quotation, evt domain.Event, now time.Time) {
	at := now
	q.DeliveredAt = &at
	q.InvoiceNumber = evt.InvoiceNumber
	q.DeliveryNotes = evt.Notes
}

func cancel(_ Policy, q *domain.Quotation, evt domain.Event, now time.Time) {
	at := now
	q.CancelledAt = &at
	q.CancelReason = evt.Reason
}

func retry(_ Policy, q *domain.Quotation, _ domain.Event, _ time.Time) {
	q.Error = nil
}

func reset(_ Policy, q *domain.Quotation, _ domain.Event, _ time.Time) {
	q.SentAt, q.RepliedAt, q.AnalyzedAt = nil, nil, nil
	q.ConfirmedAt, q.DeliveredAt, q.CancelledAt, q.ExpiresAt = nil, nil, nil, nil
	q.QuotedItems = nil
	q.QuotedTotal = decimal.Zero
	q.DeliveryDate, q.PaymentTerms, q.Confidence = "", "", 0
	q.MessageID, q.ReplyBody, q.ReplyFrom = "", "", ""
	q.InvoiceNumber, q.DeliveryNotes, q.CancelReason = "", "", ""
	q.Error = nil
	q.RetryCount = 0
}

// payloadFor keeps only the fields that belong to the event type.
func payloadFor(evt domain.Event) map[string]any {
	p := map[string]any{}
	switch evt.Type {
	case domain.EventCreateDraft:
		if evt.Supplier != nil {
			p["supplier"] = *evt.Supplier
		}
		if evt.Items != nil {
			p["items"] = evt.Items
		}
	case domain.EventSendSuccess:
		p["message_id"] = evt.MessageID
	case domain.EventSendError, domain.EventAnalysisError, domain.EventConfirmError:
		if evt.Error != nil {
			p["error"] = *evt.Error
		}
	case domain.EventReceiveReply:
		p["from"] = evt.ReplyFrom
		p["body"] = evt.ReplyBody
		if evt.RepliedAt != nil {
			p["replied_at"] = evt.RepliedAt.UTC().Format(time.RFC3339)
		}
	case domain.EventAnalysisSuccess:
		p["quoted_items"] = evt.Analysis.QuotedItems
		p["quoted_total"] = domain.SumTotals(evt.Analysis.QuotedItems).String()
		p["confidence"] = evt.Analysis.Confidence
		if evt.Analysis.DeliveryDate != "" {
			p["delivery_date"] = evt.Analysis.DeliveryDate
		}
		if evt.Analysis.PaymentTerms != "" {
			p["payment_terms"] = evt.Analysis.PaymentTerms
		}
	case domain.EventDeliverSuccess:
		if evt.InvoiceNumber != "" {
			p["invoice_number"] = evt.InvoiceNumber
		}
		if evt.Notes != "" {
			p["notes"] = evt.Notes
		}
	case domain.EventCancel:
		if evt.Reason != "" {
			p["reason"] = evt.Reason
		}
	}
	if len(p) == 0 {
		return nil
	}
	return p
}
