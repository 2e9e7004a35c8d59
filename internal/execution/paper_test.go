package execution

import (
	"math"
	"testing"
	"time"

	"quorum-trader/internal/ensemble"
	"quorum-trader/internal/risk"
)

func buyPlan(now time.Time) Plan {
	return Plan{
		Symbol: "BTC/USDT:USDT",
		Decision: ensemble.Decision{
			Action:        ensemble.ActionBuy,
			SuggestedStop: 49000,
			SuggestedTake: 52000,
			ContributingVotes: []ensemble.Vote{
				{ModelID: "alpha", RawScore: 0.80},
				{ModelID: "beta", RawScore: 0.76},
			},
		},
		Validation: risk.ValidationResult{
			Approved:     true,
			PositionSize: 1000,
			MethodUsed:   "kelly",
		},
		MarketPrice: 50000,
		GeneratedAt: now,
	}
}

func TestOpenHoldsSinglePosition(t *testing.T) {
	trader := NewPaperTrader(nil)
	now := time.Now().UTC()

	pos, err := trader.Open(buyPlan(now))
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	if pos.EntryPrice != 50000 {
		t.Errorf("expected entry at market price, got %f", pos.EntryPrice)
	}
	if len(pos.Models) != 2 || pos.Models[0] != "alpha" {
		t.Errorf("expected contributing models carried on position, got %v", pos.Models)
	}

	if _, err := trader.Open(buyPlan(now)); err == nil {
		t.Errorf("expected error opening second position")
	}
}

func TestOpenDerivesQuantityFromNotional(t *testing.T) {
	trader := NewPaperTrader(nil)

	pos, err := trader.Open(buyPlan(time.Now().UTC()))
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	// 1000 USD 名义价值 @ 50000 → 0.02
	if math.Abs(pos.Quantity-0.02) > 1e-12 {
		t.Errorf("expected quantity derived from notional/price, got %f", pos.Quantity)
	}
	if pos.NotionalUSD != 1000 {
		t.Errorf("expected notional carried on position, got %f", pos.NotionalUSD)
	}
}

func TestOpenRejectsNonPositiveNotional(t *testing.T) {
	trader := NewPaperTrader(nil)
	plan := buyPlan(time.Now().UTC())
	plan.Validation.PositionSize = 0

	if _, err := trader.Open(plan); err == nil {
		t.Errorf("expected error for zero-notional plan")
	}
}

func TestOpenRejectsUnapprovedPlan(t *testing.T) {
	trader := NewPaperTrader(nil)
	plan := buyPlan(time.Now().UTC())
	plan.Validation.Approved = false

	if _, err := trader.Open(plan); err == nil {
		t.Errorf("expected error for unapproved plan")
	}
}

func TestMarkToMarketSettlesAtTakeProfit(t *testing.T) {
	trader := NewPaperTrader(nil)
	now := time.Now().UTC()
	if _, err := trader.Open(buyPlan(now)); err != nil {
		t.Fatalf("Open returned error: %v", err)
	}

	// 未触发区间内不结算
	settlement, err := trader.MarkToMarket(50500, now)
	if err != nil {
		t.Fatalf("MarkToMarket returned error: %v", err)
	}
	if settlement != nil {
		t.Fatalf("expected no settlement inside stop/take band")
	}

	settlement, err = trader.MarkToMarket(52500, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("MarkToMarket returned error: %v", err)
	}
	if settlement == nil {
		t.Fatalf("expected settlement at take profit touch")
	}
	if settlement.ExitPrice != 52000 {
		t.Errorf("expected fill at take level 52000, got %f", settlement.ExitPrice)
	}
	wantPnL := 0.02 * (52000 - 50000)
	if math.Abs(settlement.PnL-wantPnL) > 1e-9 {
		t.Errorf("expected pnl %f, got %f", wantPnL, settlement.PnL)
	}
	if !settlement.Won {
		t.Errorf("expected winning settlement")
	}
	if trader.Position() != nil {
		t.Errorf("expected position cleared after settlement")
	}
}

func TestMarkToMarketSettlesAtStopLoss(t *testing.T) {
	trader := NewPaperTrader(nil)
	now := time.Now().UTC()
	if _, err := trader.Open(buyPlan(now)); err != nil {
		t.Fatalf("Open returned error: %v", err)
	}

	settlement, err := trader.MarkToMarket(48800, now)
	if err != nil {
		t.Fatalf("MarkToMarket returned error: %v", err)
	}
	if settlement == nil {
		t.Fatalf("expected settlement at stop loss touch")
	}
	if settlement.ExitPrice != 49000 {
		t.Errorf("expected fill at stop level 49000, got %f", settlement.ExitPrice)
	}
	if settlement.Won {
		t.Errorf("expected losing settlement")
	}
	if settlement.PnL >= 0 {
		t.Errorf("expected negative pnl, got %f", settlement.PnL)
	}
}

func TestMarkToMarketSellDirectionMirrored(t *testing.T) {
	trader := NewPaperTrader(nil)
	now := time.Now().UTC()

	plan := buyPlan(now)
	plan.Decision.Action = ensemble.ActionSell
	plan.Decision.SuggestedStop = 51000
	plan.Decision.SuggestedTake = 48000
	if _, err := trader.Open(plan); err != nil {
		t.Fatalf("Open returned error: %v", err)
	}

	settlement, err := trader.MarkToMarket(47500, now)
	if err != nil {
		t.Fatalf("MarkToMarket returned error: %v", err)
	}
	if settlement == nil {
		t.Fatalf("expected SELL take profit settlement on falling price")
	}
	if settlement.ExitPrice != 48000 {
		t.Errorf("expected fill at take level 48000, got %f", settlement.ExitPrice)
	}
	wantPnL := 0.02 * (50000 - 48000)
	if math.Abs(settlement.PnL-wantPnL) > 1e-9 {
		t.Errorf("expected pnl %f, got %f", wantPnL, settlement.PnL)
	}
}

func TestCloseForcesSettlementAtGivenPrice(t *testing.T) {
	trader := NewPaperTrader(nil)
	now := time.Now().UTC()
	if _, err := trader.Open(buyPlan(now)); err != nil {
		t.Fatalf("Open returned error: %v", err)
	}

	settlement, err := trader.Close(50500, now.Add(25*time.Hour))
	if err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if settlement.ExitPrice != 50500 {
		t.Errorf("expected forced fill at 50500, got %f", settlement.ExitPrice)
	}
	if !settlement.Won {
		t.Errorf("expected small winning settlement")
	}

	if _, err := trader.Close(50500, now); err == nil {
		t.Errorf("expected error closing without position")
	}
}

func TestUnrealizedPnL(t *testing.T) {
	trader := NewPaperTrader(nil)
	now := time.Now().UTC()

	if got := trader.UnrealizedPnL(50000); got != 0 {
		t.Errorf("expected zero unrealized pnl without position, got %f", got)
	}

	if _, err := trader.Open(buyPlan(now)); err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	want := 0.02 * (51000 - 50000)
	if got := trader.UnrealizedPnL(51000); math.Abs(got-want) > 1e-9 {
		t.Errorf("expected unrealized pnl %f, got %f", want, got)
	}
}
