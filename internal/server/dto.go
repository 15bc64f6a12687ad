package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"quoteline/internal/domain"
)

// Request payloads

type CreateQuotationRequest struct {
	Supplier domain.Supplier `json:"supplier"`
	Items    []domain.Item   `json:"items"`
}

type ErrorRequest struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

type QuotedItemRequest struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	QuantityToOrder float64  `json:"quantity_to_order,omitempty" minimum:"0"`
	Unit            string   `json:"unit,omitempty"`
	UnitPrice       string   `json:"unit_price,omitempty" pattern:"^-?[0-9]+(\\.[0-9]+)?$" example:"2.50"`
	TotalPrice      string   `json:"total_price" pattern:"^-?[0-9]+(\\.[0-9]+)?$" example:"25.00"`
	PriceChangePct  *float64 `json:"price_change_pct,omitempty"`
}

type AnalysisRequest struct {
	QuotedItems  []QuotedItemRequest `json:"quoted_items"`
	DeliveryDate string              `json:"delivery_date,omitempty"`
	PaymentTerms string              `json:"payment_terms,omitempty"`
	Confidence   float64             `json:"confidence" minimum:"0" maximum:"1"`
}

type EventRequest struct {
	Type          string           `json:"type" example:"SEND" doc:"Workflow event name, case-insensitive"`
	Supplier      *domain.Supplier `json:"supplier,omitempty"`
	Items         []domain.Item    `json:"items,omitempty"`
	MessageID     string           `json:"message_id,omitempty"`
	Error         *ErrorRequest    `json:"error,omitempty"`
	ReplyBody     string           `json:"reply_body,omitempty"`
	ReplyFrom     string           `json:"reply_from,omitempty"`
	RepliedAt     *time.Time       `json:"replied_at,omitempty" format:"date-time"`
	Analysis      *AnalysisRequest `json:"analysis,omitempty"`
	InvoiceNumber string           `json:"invoice_number,omitempty"`
	Notes         string           `json:"notes,omitempty"`
	Reason        string           `json:"reason,omitempty"`
}

// Response payloads

type QuotedItemResponse struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	QuantityToOrder float64  `json:"quantity_to_order"`
	Unit            string   `json:"unit,omitempty"`
	UnitPrice       string   `json:"unit_price" example:"2.50"`
	TotalPrice      string   `json:"total_price" example:"25.00"`
	PriceChangePct  *float64 `json:"price_change_pct,omitempty"`
}

type QuotationResponse struct {
	ID            string                 `json:"id"`
	State         string                 `json:"state"`
	Pending       bool                   `json:"pending"`
	PreviousState string                 `json:"previous_state,omitempty"`
	Version       int64                  `json:"version"`
	Supplier      domain.Supplier        `json:"supplier"`
	Items         []domain.Item          `json:"items"`
	QuotedItems   []QuotedItemResponse   `json:"quoted_items,omitempty"`
	QuotedTotal   string                 `json:"quoted_total" example:"30.00"`
	DeliveryDate  string                 `json:"delivery_date,omitempty"`
	PaymentTerms  string                 `json:"payment_terms,omitempty"`
	Confidence    float64                `json:"confidence,omitempty"`
	MessageID     string                 `json:"message_id,omitempty"`
	ReplyFrom     string                 `json:"reply_from,omitempty"`
	ReplyBody     string                 `json:"reply_body,omitempty"`
	InvoiceNumber string                 `json:"invoice_number,omitempty"`
	DeliveryNotes string                 `json:"delivery_notes,omitempty"`
	CancelReason  string                 `json:"cancel_reason,omitempty"`
	Error         *domain.QuotationError `json:"error,omitempty"`
	RetryCount    int                    `json:"retry_count"`
	CreatedAt     time.Time              `json:"created_at" format:"date-time"`
	UpdatedAt     time.Time              `json:"updated_at" format:"date-time"`
	SentAt        *time.Time             `json:"sent_at,omitempty" format:"date-time"`
	RepliedAt     *time.Time             `json:"replied_at,omitempty" format:"date-time"`
	AnalyzedAt    *time.Time             `json:"analyzed_at,omitempty" format:"date-time"`
	ConfirmedAt   *time.Time             `json:"confirmed_at,omitempty" format:"date-time"`
	DeliveredAt   *time.Time             `json:"delivered_at,omitempty" format:"date-time"`
	CancelledAt   *time.Time             `json:"cancelled_at,omitempty" format:"date-time"`
	ExpiresAt     *time.Time             `json:"expires_at,omitempty" format:"date-time"`
	History       []domain.HistoryEntry  `json:"history,omitempty"`
}

func quotationResponse(q domain.Quotation) QuotationResponse {
	res := QuotationResponse{
		ID:            q.ID,
		State:         string(q.State),
		Pending:       q.Pending,
		PreviousState: string(q.PreviousState),
		Version:       q.Version,
		Supplier:      q.Supplier,
		Items:         nonNilItems(q.Items),
		QuotedTotal:   q.QuotedTotal.StringFixed(2),
		DeliveryDate:  q.DeliveryDate,
		PaymentTerms:  q.PaymentTerms,
		Confidence:    q.Confidence,
		MessageID:     q.MessageID,
		ReplyFrom:     q.ReplyFrom,
		ReplyBody:     q.ReplyBody,
		InvoiceNumber: q.InvoiceNumber,
		DeliveryNotes: q.DeliveryNotes,
		CancelReason:  q.CancelReason,
		Error:         q.Error,
		RetryCount:    q.RetryCount,
		CreatedAt:     q.CreatedAt,
		UpdatedAt:     q.UpdatedAt,
		SentAt:        q.SentAt,
		RepliedAt:     q.RepliedAt,
		AnalyzedAt:    q.AnalyzedAt,
		ConfirmedAt:   q.ConfirmedAt,
		DeliveredAt:   q.DeliveredAt,
		CancelledAt:   q.CancelledAt,
		ExpiresAt:     q.ExpiresAt,
		History:       q.History,
	}
	for _, it := range q.QuotedItems {
		res.QuotedItems = append(res.QuotedItems, QuotedItemResponse{
			ID:              it.ID,
			Name:            it.Name,
			QuantityToOrder: it.QuantityToOrder,
			Unit:            it.Unit,
			UnitPrice:       it.UnitPrice.StringFixed(2),
			TotalPrice:      it.TotalPrice.StringFixed(2),
			PriceChangePct:  it.PriceChangePct,
		})
	}
	return res
}

func mapQuotations(items []domain.Quotation) []QuotationResponse {
	res := make([]QuotationResponse, 0, len(items))
	for _, q := range items {
		res = append(res, quotationResponse(q))
	}
	return res
}

func nonNilItems(items []domain.Item) []domain.Item {
	if items == nil {
		return []domain.Item{}
	}
	return items
}

func nonNilHistory(items []domain.HistoryEntry) []domain.HistoryEntry {
	if items == nil {
		return []domain.HistoryEntry{}
	}
	return items
}

// toEvent converts the wire form into a workflow event.
func (r EventRequest) toEvent() (domain.Event, error) {
	t, ok := domain.ParseEventType(r.Type)
	if !ok {
		return domain.Event{}, fmt.Errorf("unknown event type %q", r.Type)
	}
	evt := domain.Event{
		Type:          t,
		Supplier:      r.Supplier,
		Items:         r.Items,
		MessageID:     r.MessageID,
		ReplyBody:     r.ReplyBody,
		ReplyFrom:     r.ReplyFrom,
		RepliedAt:     r.RepliedAt,
		InvoiceNumber: r.InvoiceNumber,
		Notes:         r.Notes,
		Reason:        r.Reason,
	}
	if r.Error != nil {
		evt.Error = &domain.QuotationError{Code: r.Error.Code, Message: r.Error.Message, Retryable: r.Error.Retryable}
	}
	if r.Analysis != nil {
		a := domain.Analysis{
			DeliveryDate: r.Analysis.DeliveryDate,
			PaymentTerms: r.Analysis.PaymentTerms,
			Confidence:   r.Analysis.Confidence,
		}
		for _, it := range r.Analysis.QuotedItems {
			total, err := decimal.NewFromString(strings.TrimSpace(it.TotalPrice))
			if err != nil {
				return evt, fmt.Errorf("invalid total_price for item %s: %w", it.ID, err)
			}
			unit := decimal.Zero
			if it.UnitPrice != "" {
				if unit, err = decimal.NewFromString(strings.TrimSpace(it.UnitPrice)); err != nil {
					return evt, fmt.Errorf("invalid unit_price for item %s: %w", it.ID, err)
				}
			}
			a.QuotedItems = append(a.QuotedItems, domain.QuotedItem{
				Item:           domain.Item{ID: it.ID, Name: it.Name, QuantityToOrder: it.QuantityToOrder, Unit: it.Unit},
				UnitPrice:      unit,
				TotalPrice:     total,
				PriceChangePct: it.PriceChangePct,
			})
		}
		evt.Analysis = &a
	}
	return evt, nil
}
