// Package status maps inbound status tokens from legacy records, translated
// UIs and supplier portals onto the canonical workflow states.
package status

import (
	"strings"

	"quoteline/internal/domain"
)

var builtin = map[string]domain.State{
	// legacy
	"new":            domain.StateDraft,
	"created":        domain.StateDraft,
	"pending":        domain.StateDraft,
	"open":           domain.StateDraft,
	"submitting":     domain.StateSending,
	"submitted":      domain.StateSent,
	"emailed":        domain.StateSent,
	"awaiting":       domain.StateWaitingReply,
	"awaiting_reply": domain.StateWaitingReply,
	"waiting":        domain.StateWaitingReply,
	"waiting_reply":  domain.StateWaitingReply,
	"responded":      domain.StateReplied,
	"answered":       domain.StateReplied,
	"received":       domain.StateReplied,
	"processing":     domain.StateAnalyzing,
	"priced":         domain.StateQuoted,
	"approved":       domain.StateConfirmed,
	"accepted":       domain.StateConfirmed,
	"ordered":        domain.StateConfirmed,
	"shipping":       domain.StateDelivering,
	"in_transit":     domain.StateDelivering,
	"completed":      domain.StateDelivered,
	"complete":       domain.StateDelivered,
	"done":           domain.StateDelivered,
	"closed":         domain.StateDelivered,
	"canceled":       domain.StateCancelled,
	"rejected":       domain.StateCancelled,
	"declined":       domain.StateCancelled,
	"timeout":        domain.StateExpired,
	"timed_out":      domain.StateExpired,
	"failed":         domain.StateError,
	"failure":        domain.StateError,

	// pt / es
	"rascunho":            domain.StateDraft,
	"borrador":            domain.StateDraft,
	"enviando":            domain.StateSending,
	"enviado":             domain.StateSent,
	"enviada":             domain.StateSent,
	"aguardando":          domain.StateWaitingReply,
	"aguardando_resposta": domain.StateWaitingReply,
	"esperando":           domain.StateWaitingReply,
	"esperando_respuesta": domain.StateWaitingReply,
	"respondido":          domain.StateReplied,
	"respondida":          domain.StateReplied,
	"analisando":          domain.StateAnalyzing,
	"analizando":          domain.StateAnalyzing,
	"cotado":              domain.StateQuoted,
	"cotada":              domain.StateQuoted,
	"cotizado":            domain.StateQuoted,
	"confirmando":         domain.StateConfirming,
	"confirmado":          domain.StateConfirmed,
	"confirmada":          domain.StateConfirmed,
	"entregando":          domain.StateDelivering,
	"entregue":            domain.StateDelivered,
	"entregado":           domain.StateDelivered,
	"cancelado":           domain.StateCancelled,
	"cancelada":           domain.StateCancelled,
	"expirado":            domain.StateExpired,
	"expirada":            domain.StateExpired,
	"erro":                domain.StateError,

	// supplier portals
	"rfq_sent":       domain.StateSent,
	"rfq_open":       domain.StateWaitingReply,
	"quote_received": domain.StateReplied,
	"quote_ready":    domain.StateQuoted,
	"po_issued":      domain.StateConfirmed,
	"po_sent":        domain.StateConfirmed,
	"dispatched":     domain.StateDelivering,
	"fulfilled":      domain.StateDelivered,
	"void":           domain.StateCancelled,
	"lapsed":         domain.StateExpired,
}

func init() {
	for _, s := range domain.States {
		builtin[key(string(s))] = s
	}
}

func key(raw string) string {
	k := strings.ToLower(strings.TrimSpace(raw))
	k = strings.ReplaceAll(k, "-", "_")
	return strings.ReplaceAll(k, " ", "_")
}

// Normalize maps raw to its canonical state. Unknown tokens are returned as-is.
func Normalize(raw string) domain.State {
	return Normalizer{}.Normalize(raw)
}

// Known reports whether raw resolves to a canonical state.
func Known(raw string) bool {
	return Normalize(raw).Valid()
}

// Normalizer layers configured aliases over the built-in table.
type Normalizer struct {
	aliases map[string]string
}

// NewNormalizer returns a Normalizer whose aliases take precedence over the
// built-in table. Alias keys are matched case-insensitively.
func NewNormalizer(aliases map[string]string) Normalizer {
	n := Normalizer{aliases: make(map[string]string, len(aliases))}
	for k, v := range aliases {
		n.aliases[key(k)] = v
	}
	return n
}

func (n Normalizer) Normalize(raw string) domain.State {
	k := key(raw)
	if target, ok := n.aliases[k]; ok {
		if s, ok := builtin[key(target)]; ok {
			return s
		}
		return domain.State(target)
	}
	if s, ok := builtin[k]; ok {
		return s
	}
	return domain.State(raw)
}
