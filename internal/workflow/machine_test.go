package workflow_test

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"quoteline/internal/domain"
	"quoteline/internal/workflow"
)

var t0 = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

func draft(t *testing.T, m *workflow.Machine) domain.Quotation {
	t.Helper()
	q := domain.Quotation{ID: "quo_123", State: domain.StateIdle}
	q, res := m.Dispatch(q, domain.Event{
		Type:     domain.EventCreateDraft,
		Supplier: &domain.Supplier{Name: "ACME", Email: "sales@acme.com"},
		Items:    []domain.Item{{ID: "i1", Name: "Bolts", QuantityToOrder: 10, Unit: "box"}},
	}, t0)
	if !res.Valid {
		t.Fatalf("create draft: %s", res.Reason)
	}
	return q
}

func mustDispatch(t *testing.T, m *workflow.Machine, q domain.Quotation, evt domain.Event, now time.Time) domain.Quotation {
	t.Helper()
	next, res := m.Dispatch(q, evt, now)
	if !res.Valid {
		t.Fatalf("dispatch %s from %s: %s", evt.Type, q.State, res.Reason)
	}
	if len(next.History) != len(q.History)+1 {
		t.Fatalf("history length %d after %s, want %d", len(next.History), evt.Type, len(q.History)+1)
	}
	return next
}

func quoted(t *testing.T, m *workflow.Machine, total string) domain.Quotation {
	t.Helper()
	q := draft(t, m)
	q = mustDispatch(t, m, q, domain.Event{Type: domain.EventSend}, t0)
	q = mustDispatch(t, m, q, domain.Event{Type: domain.EventSendSuccess, MessageID: "m1"}, t0)
	q = mustDispatch(t, m, q, domain.Event{Type: domain.EventReceiveReply, ReplyBody: "price 150.50", ReplyFrom: "sales@acme.com"}, t0.Add(time.Hour))
	q = mustDispatch(t, m, q, domain.Event{Type: domain.EventAnalyze}, t0.Add(time.Hour))
	q = mustDispatch(t, m, q, domain.Event{Type: domain.EventAnalysisSuccess, Analysis: &domain.Analysis{
		QuotedItems: []domain.QuotedItem{{
			Item:       domain.Item{ID: "i1", Name: "Bolts", QuantityToOrder: 10},
			UnitPrice:  decimal.RequireFromString(total).Div(decimal.NewFromInt(10)),
			TotalPrice: decimal.RequireFromString(total),
		}},
		Confidence: 0.9,
	}}, t0.Add(2*time.Hour))
	return q
}

func TestSendScenario(t *testing.T) {
	m := workflow.New(workflow.DefaultPolicy())
	q := draft(t, m)
	q = mustDispatch(t, m, q, domain.Event{Type: domain.EventSend}, t0)
	if q.State != domain.StateSending || !q.Pending || q.PreviousState != domain.StateDraft {
		t.Fatalf("after SEND: state=%s pending=%v prev=%s", q.State, q.Pending, q.PreviousState)
	}
	q = mustDispatch(t, m, q, domain.Event{Type: domain.EventSendSuccess, MessageID: "m1"}, t0)
	if q.State != domain.StateSent {
		t.Fatalf("expected sent, got %s", q.State)
	}
	if q.MessageID != "m1" || q.SentAt == nil || !q.SentAt.Equal(t0) {
		t.Fatalf("send fields not recorded: %+v", q)
	}
	if q.ExpiresAt == nil || !q.ExpiresAt.Equal(t0.Add(7*24*time.Hour)) {
		t.Fatalf("expiresAt = %v", q.ExpiresAt)
	}
	if q.Pending {
		t.Fatalf("pending should clear on SEND_SUCCESS")
	}
	if len(q.History) != 3 {
		t.Fatalf("history length %d", len(q.History))
	}
	if q.History[2].Payload["message_id"] != "m1" {
		t.Fatalf("history payload %+v", q.History[2].Payload)
	}
}

func TestConfirmAndCancelWindow(t *testing.T) {
	m := workflow.New(workflow.DefaultPolicy())
	q := quoted(t, m, "150.50")
	if !q.QuotedTotal.Equal(decimal.RequireFromString("150.50")) {
		t.Fatalf("quoted total %s", q.QuotedTotal)
	}
	confirmedAt := t0.Add(3 * time.Hour)
	q = mustDispatch(t, m, q, domain.Event{Type: domain.EventConfirm}, confirmedAt)
	if q.State != domain.StateConfirming {
		t.Fatalf("expected confirming, got %s", q.State)
	}
	q = mustDispatch(t, m, q, domain.Event{Type: domain.EventConfirmSuccess}, confirmedAt)
	if q.State != domain.StateConfirmed {
		t.Fatalf("expected confirmed, got %s", q.State)
	}

	late, res := m.Dispatch(q, domain.Event{Type: domain.EventCancel}, confirmedAt.Add(25*time.Hour))
	if res.Valid {
		t.Fatalf("cancel after 25h should be rejected")
	}
	if late.State != domain.StateConfirmed || len(late.History) != len(q.History) {
		t.Fatalf("rejected cancel mutated context")
	}
	var verr *workflow.ValidationError
	if !errors.As(res.Err(), &verr) || verr.Event != domain.EventCancel {
		t.Fatalf("expected ValidationError, got %v", res.Err())
	}

	early := mustDispatch(t, m, q, domain.Event{Type: domain.EventCancel, Reason: "supplier late"}, confirmedAt.Add(time.Hour))
	if early.State != domain.StateCancelled || early.CancelReason != "supplier late" || early.CancelledAt == nil {
		t.Fatalf("cancel fields: %+v", early)
	}
}

func TestQuotedTotalIsSumOfLines(t *testing.T) {
	m := workflow.New(workflow.DefaultPolicy())
	q := draft(t, m)
	q = mustDispatch(t, m, q, domain.Event{Type: domain.EventSend}, t0)
	q = mustDispatch(t, m, q, domain.Event{Type: domain.EventSendSuccess}, t0)
	q = mustDispatch(t, m, q, domain.Event{Type: domain.EventReceiveReply}, t0)
	q = mustDispatch(t, m, q, domain.Event{Type: domain.EventAnalyze}, t0)
	q = mustDispatch(t, m, q, domain.Event{Type: domain.EventAnalysisSuccess, Analysis: &domain.Analysis{
		QuotedItems: []domain.QuotedItem{
			{Item: domain.Item{ID: "a"}, TotalPrice: decimal.RequireFromString("0.1")},
			{Item: domain.Item{ID: "b"}, TotalPrice: decimal.RequireFromString("0.2")},
			{Item: domain.Item{ID: "c"}, TotalPrice: decimal.RequireFromString("100.7")},
		},
	}}, t0)
	if !q.QuotedTotal.Equal(decimal.RequireFromString("101.0")) {
		t.Fatalf("quoted total %s, want 101.0", q.QuotedTotal)
	}
}

func TestCanSendGuard(t *testing.T) {
	p := workflow.DefaultPolicy()
	base := domain.Quotation{
		ID:       "quo_1",
		Supplier: domain.Supplier{Email: "a@b.com"},
		Items:    []domain.Item{{ID: "i1", Name: "x", QuantityToOrder: 1}},
	}
	if !p.CanSend(base) {
		t.Fatalf("base quotation should be sendable")
	}
	cases := map[string]func(q *domain.Quotation){
		"no items":     func(q *domain.Quotation) { q.Items = nil },
		"blank email":  func(q *domain.Quotation) { q.Supplier.Email = "   " },
		"bad prefix":   func(q *domain.Quotation) { q.ID = "rfq_1" },
		"bare prefix":  func(q *domain.Quotation) { q.ID = "quo_" },
		"no item id":   func(q *domain.Quotation) { q.Items = []domain.Item{{Name: "x", QuantityToOrder: 1}} },
		"no item name": func(q *domain.Quotation) { q.Items = []domain.Item{{ID: "i", QuantityToOrder: 1}} },
		"zero qty":     func(q *domain.Quotation) { q.Items = []domain.Item{{ID: "i", Name: "x"}} },
	}
	for name, mutate := range cases {
		q := domain.Clone(base)
		mutate(&q)
		if p.CanSend(q) {
			t.Fatalf("%s: CanSend should be false", name)
		}
	}

	m := workflow.New(p)
	q := domain.Clone(base)
	q.State = domain.StateDraft
	q.Items = nil
	next, res := m.Dispatch(q, domain.Event{Type: domain.EventSend}, t0)
	if res.Valid || next.State != domain.StateDraft || len(next.History) != 0 {
		t.Fatalf("SEND without items should be rejected without mutation")
	}
}

func TestCanConfirmIsPure(t *testing.T) {
	p := workflow.DefaultPolicy()
	q := domain.Quotation{QuotedTotal: decimal.NewFromInt(5)}
	if p.CanConfirm(q) {
		t.Fatalf("no quoted items should block confirm")
	}
	q.QuotedItems = []domain.QuotedItem{{TotalPrice: decimal.NewFromInt(5)}}
	for i := 0; i < 3; i++ {
		if !p.CanConfirm(q) {
			t.Fatalf("call %d: expected true", i)
		}
	}
	q.QuotedTotal = decimal.Zero
	if p.CanConfirm(q) {
		t.Fatalf("zero total should block confirm")
	}
}

func TestIsExpiredMonotonic(t *testing.T) {
	p := workflow.DefaultPolicy()
	sent := t0
	q := domain.Quotation{SentAt: &sent}
	if p.IsExpired(q, t0.Add(7*24*time.Hour-time.Second)) {
		t.Fatalf("expired too early")
	}
	for _, d := range []time.Duration{7 * 24 * time.Hour, 8 * 24 * time.Hour, 365 * 24 * time.Hour} {
		if !p.IsExpired(q, t0.Add(d)) {
			t.Fatalf("should stay expired at +%s", d)
		}
	}
	if p.IsExpired(domain.Quotation{}, t0.Add(1000*time.Hour)) {
		t.Fatalf("unsent quotation cannot expire")
	}
}

func TestExpireAndReset(t *testing.T) {
	m := workflow.New(workflow.DefaultPolicy())
	q := draft(t, m)
	q = mustDispatch(t, m, q, domain.Event{Type: domain.EventSend}, t0)
	q = mustDispatch(t, m, q, domain.Event{Type: domain.EventSendSuccess, MessageID: "m1"}, t0)
	if _, res := m.Dispatch(q, domain.Event{Type: domain.EventExpire}, t0.Add(24*time.Hour)); res.Valid {
		t.Fatalf("EXPIRE before 7 days should be rejected")
	}
	q = mustDispatch(t, m, q, domain.Event{Type: domain.EventExpire}, t0.Add(8*24*time.Hour))
	if q.State != domain.StateExpired {
		t.Fatalf("expected expired, got %s", q.State)
	}
	historyLen := len(q.History)
	q = mustDispatch(t, m, q, domain.Event{Type: domain.EventReset}, t0.Add(9*24*time.Hour))
	if q.State != domain.StateDraft || q.SentAt != nil || q.ExpiresAt != nil || q.MessageID != "" {
		t.Fatalf("reset did not clear timeline: %+v", q)
	}
	if q.ID != "quo_123" || len(q.Items) != 1 || len(q.History) != historyLen+1 {
		t.Fatalf("reset must keep identity, items and history")
	}
}

func TestRetryCap(t *testing.T) {
	m := workflow.New(workflow.DefaultPolicy())
	q := draft(t, m)
	fail := domain.Event{Type: domain.EventSendError, Error: &domain.QuotationError{Code: "UNAVAILABLE", Message: "smtp down", Retryable: true}}
	for i := 1; i <= 3; i++ {
		q = mustDispatch(t, m, q, domain.Event{Type: domain.EventSend}, t0)
		q = mustDispatch(t, m, q, fail, t0)
		if q.State != domain.StateError || q.RetryCount != i || q.Error == nil {
			t.Fatalf("attempt %d: state=%s retry=%d", i, q.State, q.RetryCount)
		}
		if i < 3 {
			q = mustDispatch(t, m, q, domain.Event{Type: domain.EventRetry}, t0)
			if q.Error != nil {
				t.Fatalf("retry should clear error")
			}
		}
	}
	stuck, res := m.Dispatch(q, domain.Event{Type: domain.EventRetry}, t0)
	if res.Valid || stuck.State != domain.StateError {
		t.Fatalf("fourth retry should be rejected")
	}
	q = mustDispatch(t, m, q, domain.Event{Type: domain.EventCancel}, t0)
	if q.State != domain.StateCancelled {
		t.Fatalf("stuck quotation should be cancellable")
	}
}

func TestUnlistedEventsRejected(t *testing.T) {
	m := workflow.New(workflow.DefaultPolicy())
	q := draft(t, m)
	before := len(q.History)
	for _, evt := range []domain.EventType{
		domain.EventSendSuccess, domain.EventReceiveReply, domain.EventConfirm,
		domain.EventDeliver, domain.EventReset, domain.EventCreateDraft,
	} {
		next, res := m.Dispatch(q, domain.Event{Type: evt}, t0)
		if res.Valid {
			t.Fatalf("%s accepted in draft", evt)
		}
		if res.Reason == "" {
			t.Fatalf("%s: missing reason", evt)
		}
		if next.State != domain.StateDraft || len(next.History) != before {
			t.Fatalf("%s mutated context", evt)
		}
	}
}

func TestDeliveredIsFinal(t *testing.T) {
	m := workflow.New(workflow.DefaultPolicy())
	q := quoted(t, m, "10")
	q = mustDispatch(t, m, q, domain.Event{Type: domain.EventConfirm}, t0)
	q = mustDispatch(t, m, q, domain.Event{Type: domain.EventConfirmSuccess}, t0)
	q = mustDispatch(t, m, q, domain.Event{Type: domain.EventDeliver}, t0)
	q = mustDispatch(t, m, q, domain.Event{Type: domain.EventDeliverSuccess, InvoiceNumber: "INV-9"}, t0)
	if q.State != domain.StateDelivered || q.InvoiceNumber != "INV-9" || q.DeliveredAt == nil {
		t.Fatalf("deliver fields: %+v", q)
	}
	if got := m.Accepted(domain.StateDelivered); len(got) != 0 {
		t.Fatalf("delivered accepts %v", got)
	}
	for _, evt := range domain.EventTypes {
		if _, res := m.Dispatch(q, domain.Event{Type: evt}, t0); res.Valid {
			t.Fatalf("%s accepted after delivery", evt)
		}
	}
}

func TestDispatchDoesNotMutateInput(t *testing.T) {
	m := workflow.New(workflow.DefaultPolicy())
	q := quoted(t, m, "42")
	snapshotLen := len(q.History)
	snapshotItems := len(q.QuotedItems)
	next := mustDispatch(t, m, q, domain.Event{Type: domain.EventCancel}, t0)
	next.QuotedItems[0].Name = "changed"
	if len(q.History) != snapshotLen || len(q.QuotedItems) != snapshotItems || q.QuotedItems[0].Name != "Bolts" {
		t.Fatalf("input quotation was mutated")
	}
}

func TestHydrateNormalizesStatus(t *testing.T) {
	m := workflow.New(workflow.DefaultPolicy())
	q := draft(t, m)
	q, err := m.Hydrate(q, "Aguardando Resposta")
	if err != nil {
		t.Fatalf("hydrate: %v", err)
	}
	if q.State != domain.StateWaitingReply {
		t.Fatalf("expected waitingReply, got %s", q.State)
	}
	q = mustDispatch(t, m, q, domain.Event{Type: domain.EventReceiveReply, ReplyBody: "ok"}, t0)
	if q.State != domain.StateReplied {
		t.Fatalf("expected replied, got %s", q.State)
	}
	if _, err := m.Hydrate(q, "on_hold"); err == nil {
		t.Fatalf("unknown status should fail hydration")
	}
}
