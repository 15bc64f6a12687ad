package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// IDPrefix marks quotation identifiers.
const IDPrefix = "quo_"

type State string

const (
	StateIdle         State = "idle"
	StateDraft        State = "draft"
	StateSending      State = "sending"
	StateSent         State = "sent"
	StateWaitingReply State = "waitingReply"
	StateReplied      State = "replied"
	StateAnalyzing    State = "analyzing"
	StateQuoted       State = "quoted"
	StateConfirming   State = "confirming"
	StateConfirmed    State = "confirmed"
	StateDelivering   State = "delivering"
	StateDelivered    State = "delivered"
	StateCancelled    State = "cancelled"
	StateExpired      State = "expired"
	StateError        State = "error"
)

// States lists the canonical states in lifecycle order.
var States = []State{
	StateIdle, StateDraft, StateSending, StateSent, StateWaitingReply, StateReplied,
	StateAnalyzing, StateQuoted, StateConfirming, StateConfirmed, StateDelivering,
	StateDelivered, StateCancelled, StateExpired, StateError,
}

func (s State) Valid() bool {
	for _, c := range States {
		if c == s {
			return true
		}
	}
	return false
}

// Final reports whether no event is accepted from s.
func (s State) Final() bool { return s == StateDelivered }

// AwaitingReply reports whether a quotation in s is a correlation candidate.
func (s State) AwaitingReply() bool { return s == StateSent || s == StateWaitingReply }

type EventType string

const (
	EventCreateDraft     EventType = "CREATE_DRAFT"
	EventSend            EventType = "SEND"
	EventSendSuccess     EventType = "SEND_SUCCESS"
	EventSendError       EventType = "SEND_ERROR"
	EventReceiveReply    EventType = "RECEIVE_REPLY"
	EventExpire          EventType = "EXPIRE"
	EventAnalyze         EventType = "ANALYZE"
	EventAnalysisSuccess EventType = "ANALYSIS_SUCCESS"
	EventAnalysisError   EventType = "ANALYSIS_ERROR"
	EventConfirm         EventType = "CONFIRM"
	EventConfirmSuccess  EventType = "CONFIRM_SUCCESS"
	EventConfirmError    EventType = "CONFIRM_ERROR"
	EventDeliver         EventType = "DELIVER"
	EventDeliverSuccess  EventType = "DELIVER_SUCCESS"
	EventCancel          EventType = "CANCEL"
	EventRetry           EventType = "RETRY"
	EventReset           EventType = "RESET"
)

var EventTypes = []EventType{
	EventCreateDraft, EventSend, EventSendSuccess, EventSendError, EventReceiveReply,
	EventExpire, EventAnalyze, EventAnalysisSuccess, EventAnalysisError, EventConfirm,
	EventConfirmSuccess, EventConfirmError, EventDeliver, EventDeliverSuccess,
	EventCancel, EventRetry, EventReset,
}

// ParseEventType accepts event names in any case.
func ParseEventType(raw string) (EventType, bool) {
	want := strings.ToUpper(strings.TrimSpace(raw))
	for _, t := range EventTypes {
		if string(t) == want {
			return t, true
		}
	}
	return "", false
}

type Supplier struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type Item struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	QuantityToOrder float64 `json:"quantity_to_order"`
	Unit            string  `json:"unit,omitempty"`
}

type QuotedItem struct {
	Item
	UnitPrice      decimal.Decimal `json:"unit_price"`
	TotalPrice     decimal.Decimal `json:"total_price"`
	PriceChangePct *float64        `json:"price_change_pct,omitempty"`
}

type QuotationError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// Analysis is the structured result returned by the reply analyzer.
type Analysis struct {
	QuotedItems  []QuotedItem `json:"quoted_items"`
	DeliveryDate string       `json:"delivery_date,omitempty"`
	PaymentTerms string       `json:"payment_terms,omitempty"`
	Confidence   float64      `json:"confidence"`
}

type HistoryEntry struct {
	ID            int64          `json:"id,omitempty"`
	Seq           int64          `json:"seq"`
	QuotationID   string         `json:"quotation_id"`
	PreviousState State          `json:"previous_state"`
	State         State          `json:"state"`
	Event         EventType      `json:"event"`
	Timestamp     time.Time      `json:"timestamp" format:"date-time"`
	Payload       map[string]any `json:"payload,omitempty"`
}

type Quotation struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at" format:"date-time"`
	UpdatedAt time.Time `json:"updated_at" format:"date-time"`
	State     State     `json:"state" enum:"idle,draft,sending,sent,waitingReply,replied,analyzing,quoted,confirming,confirmed,delivering,delivered,cancelled,expired,error"`
	Supplier  Supplier  `json:"supplier"`
	Items     []Item    `json:"items"`

	QuotedItems  []QuotedItem    `json:"quoted_items,omitempty"`
	QuotedTotal  decimal.Decimal `json:"quoted_total"`
	DeliveryDate string          `json:"delivery_date,omitempty"`
	PaymentTerms string          `json:"payment_terms,omitempty"`
	Confidence   float64         `json:"confidence,omitempty"`

	MessageID     string `json:"message_id,omitempty"`
	ReplyBody     string `json:"reply_body,omitempty"`
	ReplyFrom     string `json:"reply_from,omitempty"`
	InvoiceNumber string `json:"invoice_number,omitempty"`
	DeliveryNotes string `json:"delivery_notes,omitempty"`
	CancelReason  string `json:"cancel_reason,omitempty"`

	SentAt      *time.Time `json:"sent_at,omitempty" format:"date-time"`
	RepliedAt   *time.Time `json:"replied_at,omitempty" format:"date-time"`
	AnalyzedAt  *time.Time `json:"analyzed_at,omitempty" format:"date-time"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty" format:"date-time"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty" format:"date-time"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty" format:"date-time"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty" format:"date-time"`

	Error         *QuotationError `json:"error,omitempty"`
	RetryCount    int             `json:"retry_count"`
	Pending       bool            `json:"pending"`
	PreviousState State           `json:"previous_state,omitempty"`

	Version int64          `json:"version"`
	History []HistoryEntry `json:"history,omitempty"`
}

// Event is a workflow command. Only the fields belonging to Type are read.
type Event struct {
	Type EventType `json:"type"`

	Supplier *Supplier `json:"supplier,omitempty"`
	Items    []Item    `json:"items,omitempty"`

	MessageID string          `json:"message_id,omitempty"`
	Error     *QuotationError `json:"error,omitempty"`

	ReplyBody string     `json:"reply_body,omitempty"`
	ReplyFrom string     `json:"reply_from,omitempty"`
	RepliedAt *time.Time `json:"replied_at,omitempty"`

	Analysis *Analysis `json:"analysis,omitempty"`

	InvoiceNumber string `json:"invoice_number,omitempty"`
	Notes         string `json:"notes,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// NewID returns a fresh quotation id.
func NewID() string {
	return IDPrefix + uuid.NewString()
}

// Clone deep-copies q so the copy shares no slices, maps, or pointers with q.
func Clone(q Quotation) Quotation {
	c := q
	c.Items = append([]Item(nil), q.Items...)
	if q.QuotedItems != nil {
		c.QuotedItems = make([]QuotedItem, len(q.QuotedItems))
		for i, qi := range q.QuotedItems {
			c.QuotedItems[i] = qi
			c.QuotedItems[i].PriceChangePct = cloneFloat(qi.PriceChangePct)
		}
	}
	c.SentAt = cloneTime(q.SentAt)
	c.RepliedAt = cloneTime(q.RepliedAt)
	c.AnalyzedAt = cloneTime(q.AnalyzedAt)
	c.ConfirmedAt = cloneTime(q.ConfirmedAt)
	c.DeliveredAt = cloneTime(q.DeliveredAt)
	c.CancelledAt = cloneTime(q.CancelledAt)
	c.ExpiresAt = cloneTime(q.ExpiresAt)
	if q.Error != nil {
		e := *q.Error
		c.Error = &e
	}
	if q.History != nil {
		c.History = make([]HistoryEntry, len(q.History))
		for i, h := range q.History {
			c.History[i] = h
			if h.Payload != nil {
				p := make(map[string]any, len(h.Payload))
				for k, v := range h.Payload {
					p[k] = v
				}
				c.History[i].Payload = p
			}
		}
	}
	return c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

// SumTotals adds up the line totals of items.
func SumTotals(items []QuotedItem) decimal.Decimal {
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.TotalPrice)
	}
	return total
}
