package workflow

import (
	"strconv"
	"strings"
	"time"

	"quoteline/internal/domain"
)

// Policy holds the thresholds the guards evaluate against.
type Policy struct {
	ExpiryDays   int
	CancelWindow time.Duration
	MaxRetries   int
	IDPrefix     string
}

func DefaultPolicy() Policy {
	return Policy{
		ExpiryDays:   7,
		CancelWindow: 24 * time.Hour,
		MaxRetries:   3,
		IDPrefix:     domain.IDPrefix,
	}
}

func (p Policy) expiry() time.Duration {
	return time.Duration(p.ExpiryDays) * 24 * time.Hour
}

// CanSend reports whether q is complete enough to be sent to its supplier.
func (p Policy) CanSend(q domain.Quotation) bool {
	return p.sendBlocker(q) == ""
}

func (p Policy) sendBlocker(q domain.Quotation) string {
	if !strings.HasPrefix(q.ID, p.IDPrefix) || len(q.ID) == len(p.IDPrefix) {
		return "quotation id must start with " + p.IDPrefix
	}
	if strings.TrimSpace(q.Supplier.Email) == "" {
		return "supplier email is required"
	}
	if len(q.Items) == 0 {
		return "at least one item is required"
	}
	for i, it := range q.Items {
		if it.ID == "" {
			return "item " + strconv.Itoa(i) + " has no id"
		}
		if strings.TrimSpace(it.Name) == "" {
			return "item " + it.ID + " has no name"
		}
		if it.QuantityToOrder <= 0 {
			return "item " + it.ID + " must have a positive quantity"
		}
	}
	return ""
}

// CanConfirm has no side effects; repeated calls agree.
func (p Policy) CanConfirm(q domain.Quotation) bool {
	return q.QuotedTotal.IsPositive() && len(q.QuotedItems) > 0
}

// CanCancel allows cancelling a confirmed quotation only inside the cancel window.
func (p Policy) CanCancel(q domain.Quotation, now time.Time) bool {
	if q.ConfirmedAt == nil {
		return true
	}
	return now.Sub(*q.ConfirmedAt) < p.CancelWindow
}

func (p Policy) CanRetry(q domain.Quotation) bool {
	return q.RetryCount < p.MaxRetries
}

// IsExpired is monotonic in now: once true it stays true.
func (p Policy) IsExpired(q domain.Quotation, now time.Time) bool {
	if q.SentAt == nil {
		return false
	}
	return now.Sub(*q.SentAt) >= p.expiry()
}
