package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"quorum-trader/internal/config"
	"quorum-trader/internal/ensemble"
	"quorum-trader/internal/risk"
	"quorum-trader/internal/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()

	st, err := store.NewSQLite(config.DatabaseConfig{
		Path:         filepath.Join(t.TempDir(), "monitor_test.db"),
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	})
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	svc, err := NewService(st, nil)
	if err != nil {
		t.Fatalf("NewService returned error: %v", err)
	}
	return svc
}

func TestRecordAndListEvents(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	decision := ensemble.Decision{
		Action:       ensemble.ActionHold,
		Rejected:     true,
		Reason:       ensemble.ReasonHighDisagreement,
		Disagreement: 0.25,
		ContributingVotes: []ensemble.Vote{
			{ModelID: "alpha", RawScore: 0.80},
			{ModelID: "gamma", RawScore: 0.20},
		},
		GeneratedAt: time.Now().UTC(),
	}
	svc.RecordDecision(ctx, decision, ensemble.MarketContext{Price: 50000, ATR: 500}, nil)

	events, err := svc.ListEvents(ctx, EventDecision, 10)
	if err != nil {
		t.Fatalf("ListEvents returned error: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 decision event, got %d", len(events))
	}

	raw, ok := events[0].Payload.(json.RawMessage)
	if !ok {
		t.Fatalf("expected raw payload, got %T", events[0].Payload)
	}
	var payload DecisionPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Decision.Reason != ensemble.ReasonHighDisagreement {
		t.Errorf("expected rejection reason persisted, got %q", payload.Decision.Reason)
	}
	if len(payload.Decision.ContributingVotes) != 2 {
		t.Errorf("expected rejected votes persisted for audit, got %d", len(payload.Decision.ContributingVotes))
	}
}

func TestRecordValidationAndSettlement(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	svc.RecordValidation(ctx, ensemble.Decision{Action: ensemble.ActionBuy},
		risk.ValidationResult{Approved: false, RejectionReason: risk.ReasonDailyLossLimit},
		risk.AccountState{Equity: 9000})
	svc.RecordSettlement(ctx, risk.Settlement{Symbol: "BTC/USDT:USDT", PnL: -100, Won: false, ClosedAt: time.Now().UTC()})
	svc.RecordError(ctx, "fetch failed", errors.New("boom"), map[string]interface{}{"symbol": "BTC/USDT:USDT"})

	for _, eventType := range []EventType{EventValidation, EventSettlement, EventError} {
		events, err := svc.ListEvents(ctx, eventType, 10)
		if err != nil {
			t.Fatalf("ListEvents(%s) returned error: %v", eventType, err)
		}
		if len(events) != 1 {
			t.Errorf("expected 1 %s event, got %d", eventType, len(events))
		}
	}
}

func TestListEventsFiltersByType(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	svc.RecordExecution(ctx, risk.Position{Symbol: "BTC/USDT:USDT"})

	events, err := svc.ListEvents(ctx, EventDecision, 10)
	if err != nil {
		t.Fatalf("ListEvents returned error: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected no decision events, got %d", len(events))
	}
}
