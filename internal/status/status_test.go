package status

import (
	"testing"

	"quoteline/internal/domain"
)

func TestNormalizeKnownTokens(t *testing.T) {
	cases := map[string]domain.State{
		"draft":          domain.StateDraft,
		"  SENT ":        domain.StateSent,
		"waitingReply":   domain.StateWaitingReply,
		"awaiting-reply": domain.StateWaitingReply,
		"Enviado":        domain.StateSent,
		"cotizado":       domain.StateQuoted,
		"PO_ISSUED":      domain.StateConfirmed,
		"canceled":       domain.StateCancelled,
		"in transit":     domain.StateDelivering,
	}
	for raw, want := range cases {
		if got := Normalize(raw); got != want {
			t.Fatalf("Normalize(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestNormalizeUnknownPassesThrough(t *testing.T) {
	if got := Normalize("on_hold"); got != domain.State("on_hold") {
		t.Fatalf("expected passthrough, got %q", got)
	}
	if Known("on_hold") {
		t.Fatalf("on_hold should not be known")
	}
	if !Known("Entregue") {
		t.Fatalf("Entregue should be known")
	}
}

func TestNormalizerAliasesOverrideBuiltins(t *testing.T) {
	n := NewNormalizer(map[string]string{
		"Em Analise": "analyzing",
		"pending":    "waitingReply",
		"parked":     "on_hold",
	})
	if got := n.Normalize("em analise"); got != domain.StateAnalyzing {
		t.Fatalf("alias: got %q", got)
	}
	if got := n.Normalize("Pending"); got != domain.StateWaitingReply {
		t.Fatalf("override: got %q", got)
	}
	if got := n.Normalize("parked"); got != domain.State("on_hold") {
		t.Fatalf("alias to unknown target: got %q", got)
	}
	if got := n.Normalize("quoted"); got != domain.StateQuoted {
		t.Fatalf("builtin fallback: got %q", got)
	}
}
