package ensemble

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"quorum-trader/internal/calibration"
	"quorum-trader/internal/config"
	"quorum-trader/internal/inference"
	"quorum-trader/internal/perf"
)

func testEnsembleConfig() config.EnsembleConfig {
	return config.EnsembleConfig{
		MinRespondingModels:    2,
		WeightHalfLife:         24 * time.Hour,
		PriorVariance:          0.25,
		ConfidenceThreshold:    0.70,
		DisagreementThreshold:  0.20,
		ExpectedValueThreshold: 0.0,
		SlippageBps:            5,
		TakerFeeBps:            4,
		StopLossATRMultiple:    2.0,
		TakeProfitATRMultiple:  4.0,
	}
}

func testMarket() MarketContext {
	return MarketContext{Price: 50000, ATR: 500, ATRRelative: 0.01}
}

func prediction(id string, score, confidence float64) inference.Prediction {
	return inference.Prediction{
		ModelID:    id,
		RawScore:   score,
		Confidence: confidence,
		Timestamp:  time.Now().UTC(),
	}
}

type stubMeta struct {
	score float64
	err   error
}

func (s stubMeta) Score(ctx context.Context, input MetaInput) (float64, error) {
	return s.score, s.err
}

func TestDecideQuorumNotMet(t *testing.T) {
	engine := NewEngine(testEnsembleConfig(), nil, nil, 0, nil)

	decision := engine.Decide(context.Background(),
		[]inference.Prediction{prediction("alpha", 0.9, 0.9)},
		perf.Snapshot{}, testMarket(), time.Now().UTC())

	if decision.Action != ActionHold {
		t.Errorf("expected HOLD, got %s", decision.Action)
	}
	if !decision.Rejected {
		t.Errorf("expected rejected decision")
	}
	if decision.Reason != ReasonQuorumNotMet {
		t.Errorf("expected reason %q, got %q", ReasonQuorumNotMet, decision.Reason)
	}
	if len(decision.ContributingVotes) != 1 {
		t.Errorf("expected raw votes preserved for audit, got %d", len(decision.ContributingVotes))
	}
}

func TestDecideDropsMalformedPredictions(t *testing.T) {
	engine := NewEngine(testEnsembleConfig(), nil, nil, 0, nil)

	predictions := []inference.Prediction{
		prediction("alpha", 0.78, 0.9),
		prediction("beta", math.NaN(), 0.9),
		prediction("gamma", 0.76, 0.85),
		prediction("delta", 1.7, 0.85),
	}

	decision := engine.Decide(context.Background(), predictions, perf.Snapshot{}, testMarket(), time.Now().UTC())

	if decision.Rejected {
		t.Fatalf("expected cycle to proceed with remaining quorum, got rejected (%s)", decision.Reason)
	}
	if len(decision.ContributingVotes) != 2 {
		t.Errorf("expected 2 valid votes after dropping malformed, got %d", len(decision.ContributingVotes))
	}
}

func TestDecideInvalidMarketData(t *testing.T) {
	engine := NewEngine(testEnsembleConfig(), nil, nil, 0, nil)

	decision := engine.Decide(context.Background(),
		[]inference.Prediction{prediction("alpha", 0.78, 0.9), prediction("beta", 0.76, 0.85)},
		perf.Snapshot{}, MarketContext{Price: 0, ATR: 0}, time.Now().UTC())

	if decision.Action != ActionHold || decision.Reason != ReasonInvalidMarketData {
		t.Errorf("expected HOLD with reason %q, got %s/%q", ReasonInvalidMarketData, decision.Action, decision.Reason)
	}
}

func TestDecideNormalizedWeightsSumToOne(t *testing.T) {
	engine := NewEngine(testEnsembleConfig(), nil, nil, 0, nil)

	now := time.Now().UTC()
	snapshot := perf.Snapshot{
		"alpha": {ModelID: "alpha", BaseWeight: 1.5, WinRate: 0.6, Sharpe: 1.2, SampleCount: 30, Variance: 0.10, HasVariance: true, LastUpdate: now},
		"beta":  {ModelID: "beta", BaseWeight: 0.8, SampleCount: 0},
	}

	decision := engine.Decide(context.Background(),
		[]inference.Prediction{
			prediction("alpha", 0.80, 0.9),
			prediction("beta", 0.76, 0.85),
			prediction("gamma", 0.78, 0.88), // 无绩效档案，走先验
		},
		snapshot, testMarket(), now)

	var sum float64
	for _, vote := range decision.ContributingVotes {
		if vote.Weight <= 0 {
			t.Errorf("vote %s has non-positive weight %f", vote.ModelID, vote.Weight)
		}
		sum += vote.Weight
	}
	if math.Abs(sum-1) > 1e-9 {
		t.Errorf("expected normalized weights to sum to 1, got %f", sum)
	}
}

func TestDecideHighDisagreementForcesHold(t *testing.T) {
	engine := NewEngine(testEnsembleConfig(), nil, nil, 0, nil)

	predictions := []inference.Prediction{
		prediction("alpha", 0.80, 0.90),
		prediction("beta", 0.75, 0.85),
		prediction("gamma", 0.20, 0.30),
		prediction("delta", 0.78, 0.88),
	}

	decision := engine.Decide(context.Background(), predictions, perf.Snapshot{}, testMarket(), time.Now().UTC())

	if decision.Action != ActionHold {
		t.Errorf("expected HOLD, got %s", decision.Action)
	}
	if !decision.Rejected {
		t.Errorf("expected rejected decision on high disagreement")
	}
	if decision.Reason != ReasonHighDisagreement {
		t.Errorf("expected reason %q, got %q", ReasonHighDisagreement, decision.Reason)
	}
	if len(decision.ContributingVotes) != 4 {
		t.Errorf("expected votes kept for audit, got %d", len(decision.ContributingVotes))
	}
	if decision.Disagreement <= testEnsembleConfig().DisagreementThreshold {
		t.Errorf("expected spread above threshold, got %f", decision.Disagreement)
	}
}

func TestDecideAgreeingPredictionsProduceBuy(t *testing.T) {
	cfg := testEnsembleConfig()
	engine := NewEngine(cfg, nil, nil, 0, nil)

	predictions := []inference.Prediction{
		prediction("alpha", 0.78, 0.90),
		prediction("beta", 0.79, 0.85),
		prediction("gamma", 0.77, 0.88),
		prediction("delta", 0.78, 0.92),
	}

	market := testMarket()
	decision := engine.Decide(context.Background(), predictions, perf.Snapshot{}, market, time.Now().UTC())

	if decision.Action != ActionBuy {
		t.Fatalf("expected BUY, got %s (reason=%q)", decision.Action, decision.Reason)
	}
	if decision.Rejected {
		t.Errorf("expected approved decision")
	}
	if decision.Confidence < cfg.ConfidenceThreshold {
		t.Errorf("expected confidence >= %f, got %f", cfg.ConfidenceThreshold, decision.Confidence)
	}
	if decision.ExpectedValue <= 0 {
		t.Errorf("expected positive EV after costs, got %f", decision.ExpectedValue)
	}

	wantStop := market.Price - cfg.StopLossATRMultiple*market.ATR
	wantTake := market.Price + cfg.TakeProfitATRMultiple*market.ATR
	if math.Abs(decision.SuggestedStop-wantStop) > 1e-9 {
		t.Errorf("expected stop %f, got %f", wantStop, decision.SuggestedStop)
	}
	if math.Abs(decision.SuggestedTake-wantTake) > 1e-9 {
		t.Errorf("expected take %f, got %f", wantTake, decision.SuggestedTake)
	}
}

func TestDecideSellDirectionMirrorsStops(t *testing.T) {
	cfg := testEnsembleConfig()
	engine := NewEngine(cfg, nil, nil, 0, nil)

	predictions := []inference.Prediction{
		prediction("alpha", -0.78, 0.90),
		prediction("beta", -0.79, 0.85),
		prediction("gamma", -0.77, 0.88),
	}

	market := testMarket()
	decision := engine.Decide(context.Background(), predictions, perf.Snapshot{}, market, time.Now().UTC())

	if decision.Action != ActionSell {
		t.Fatalf("expected SELL, got %s (reason=%q)", decision.Action, decision.Reason)
	}
	if decision.SuggestedStop <= market.Price {
		t.Errorf("expected SELL stop above price, got %f", decision.SuggestedStop)
	}
	if decision.SuggestedTake >= market.Price {
		t.Errorf("expected SELL take below price, got %f", decision.SuggestedTake)
	}
}

func TestDecideLowConfidenceHolds(t *testing.T) {
	engine := NewEngine(testEnsembleConfig(), nil, nil, 0, nil)

	// 得分接近中性：仿射映射后信心不足阈值
	predictions := []inference.Prediction{
		prediction("alpha", 0.05, 0.9),
		prediction("beta", 0.06, 0.9),
		prediction("gamma", 0.04, 0.9),
	}

	decision := engine.Decide(context.Background(), predictions, perf.Snapshot{}, testMarket(), time.Now().UTC())

	if decision.Action != ActionHold || decision.Reason != ReasonLowConfidence {
		t.Errorf("expected HOLD with reason %q, got %s/%q", ReasonLowConfidence, decision.Action, decision.Reason)
	}
	if decision.Rejected {
		t.Errorf("low confidence is a designed HOLD, not a rejection")
	}
}

func TestDecideNegativeEVHolds(t *testing.T) {
	cfg := testEnsembleConfig()
	// 止盈距离远小于止损距离，期望收益扣除成本后为负
	cfg.TakeProfitATRMultiple = 0.1
	cfg.StopLossATRMultiple = 4.0
	engine := NewEngine(cfg, nil, nil, 0, nil)

	predictions := []inference.Prediction{
		prediction("alpha", 0.78, 0.90),
		prediction("beta", 0.79, 0.85),
		prediction("gamma", 0.77, 0.88),
	}

	decision := engine.Decide(context.Background(), predictions, perf.Snapshot{}, testMarket(), time.Now().UTC())

	if decision.Action != ActionHold || decision.Reason != ReasonNegativeEV {
		t.Errorf("expected HOLD with reason %q, got %s/%q", ReasonNegativeEV, decision.Action, decision.Reason)
	}
	if decision.ExpectedValue > 0 {
		t.Errorf("expected non-positive EV, got %f", decision.ExpectedValue)
	}
}

func TestDecideMetaBlendsFinalScore(t *testing.T) {
	cfg := testEnsembleConfig()
	blend := 0.3
	engine := NewEngine(cfg, calibration.NewHolder(), stubMeta{score: 0.95}, blend, nil)

	predictions := []inference.Prediction{
		prediction("alpha", 0.78, 0.90),
		prediction("beta", 0.78, 0.88),
	}

	decision := engine.Decide(context.Background(), predictions, perf.Snapshot{}, testMarket(), time.Now().UTC())

	if decision.MetaScore == nil {
		t.Fatalf("expected meta score recorded")
	}
	calibrated := decision.CalibratedProbability
	want := (1-blend)*calibrated + blend*0.95
	if math.Abs(decision.Confidence-want) > 1e-9 {
		t.Errorf("expected blended confidence %f, got %f", want, decision.Confidence)
	}
}

func TestDecideMetaFailureFallsBackToCalibrated(t *testing.T) {
	engine := NewEngine(testEnsembleConfig(), calibration.NewHolder(), stubMeta{err: errors.New("unavailable")}, 0.3, nil)

	predictions := []inference.Prediction{
		prediction("alpha", 0.78, 0.90),
		prediction("beta", 0.78, 0.88),
	}

	decision := engine.Decide(context.Background(), predictions, perf.Snapshot{}, testMarket(), time.Now().UTC())

	if decision.MetaScore != nil {
		t.Errorf("expected no meta score when scorer fails")
	}
	if math.Abs(decision.Confidence-decision.CalibratedProbability) > 1e-9 {
		t.Errorf("expected confidence to equal calibrated probability, got %f vs %f",
			decision.Confidence, decision.CalibratedProbability)
	}
}
