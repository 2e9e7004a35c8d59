package ensemble

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"quorum-trader/internal/calibration"
	"quorum-trader/internal/config"
	"quorum-trader/internal/inference"
	"quorum-trader/internal/perf"
)

// Engine 将多个模型的预测融合为一个交易决策。
// 每个周期必定产出一个决策（可能是 HOLD），任何单模型故障都不会中断周期。
type Engine struct {
	cfg        config.EnsembleConfig
	calibrator *calibration.Holder
	meta       MetaScorer
	blend      float64
	logger     *zap.Logger
}

// NewEngine 创建决策引擎。meta 传 nil 表示不启用二级融合。
func NewEngine(cfg config.EnsembleConfig, calibrator *calibration.Holder, meta MetaScorer, blendWeight float64, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if calibrator == nil {
		calibrator = calibration.NewHolder()
	}
	return &Engine{
		cfg:        cfg,
		calibrator: calibrator,
		meta:       meta,
		blend:      blendWeight,
		logger:     logger,
	}
}

// Decide 融合本周期全部预测并给出决策。
func (e *Engine) Decide(ctx context.Context, predictions []inference.Prediction, snapshot perf.Snapshot, market MarketContext, now time.Time) Decision {
	valid := make([]inference.Prediction, 0, len(predictions))
	for _, p := range predictions {
		if err := p.Validate(); err != nil {
			e.logger.Warn("丢弃非法预测", zap.Error(err))
			continue
		}
		valid = append(valid, p)
	}

	if len(valid) < e.cfg.MinRespondingModels {
		e.logger.Warn("响应模型不足法定数，强制观望",
			zap.Int("responding", len(valid)),
			zap.Int("required", e.cfg.MinRespondingModels),
		)
		return e.holdDecision(ReasonQuorumNotMet, true, rawVotes(valid), 0, now)
	}

	if market.Price <= 0 || market.ATR <= 0 {
		e.logger.Warn("行情上下文无效，强制观望",
			zap.Float64("price", market.Price),
			zap.Float64("atr", market.ATR),
		)
		return e.holdDecision(ReasonInvalidMarketData, true, rawVotes(valid), 0, now)
	}

	votes, fusedScore := e.fuse(valid, snapshot, now)
	spread := scoreSpread(valid)

	if spread > e.cfg.DisagreementThreshold {
		e.logger.Info("模型分歧过大，强制观望",
			zap.Float64("spread", spread),
			zap.Float64("threshold", e.cfg.DisagreementThreshold),
		)
		decision := e.holdDecision(ReasonHighDisagreement, true, votes, spread, now)
		decision.FusedScore = fusedScore
		return decision
	}

	calibrated := e.calibrator.Calibrate(fusedScore)

	finalScore := calibrated
	var metaScore *float64
	if e.meta != nil {
		confidences := make([]float64, 0, len(valid))
		for _, p := range valid {
			confidences = append(confidences, p.Confidence)
		}
		score, err := e.meta.Score(ctx, MetaInput{
			FusedScore:            fusedScore,
			CalibratedProbability: calibrated,
			Disagreement:          spread,
			Confidences:           confidences,
			Market:                market,
		})
		if err != nil {
			e.logger.Warn("二级融合模型不可用，使用校准概率", zap.Error(err))
		} else {
			metaScore = &score
			finalScore = (1-e.blend)*calibrated + e.blend*score
		}
	}

	var direction Action
	var confidence float64
	switch {
	case finalScore > 0.5:
		direction = ActionBuy
		confidence = finalScore
	case finalScore < 0.5:
		direction = ActionSell
		confidence = 1 - finalScore
	default:
		direction = ActionHold
		confidence = 0.5
	}

	decision := Decision{
		Action:                direction,
		FusedScore:            fusedScore,
		CalibratedProbability: calibrated,
		Disagreement:          spread,
		Confidence:            confidence,
		ContributingVotes:     votes,
		MetaScore:             metaScore,
		GeneratedAt:           now.UTC(),
	}

	if direction == ActionHold || confidence < e.cfg.ConfidenceThreshold {
		decision.Action = ActionHold
		decision.Reason = ReasonLowConfidence
		return decision
	}

	ev := e.expectedValue(confidence, market)
	decision.ExpectedValue = ev

	if ev <= e.cfg.ExpectedValueThreshold {
		decision.Action = ActionHold
		decision.Reason = ReasonNegativeEV
		return decision
	}

	decision.SuggestedStop, decision.SuggestedTake = e.stopTake(direction, market)

	e.logger.Info("融合决策生成",
		zap.String("action", string(decision.Action)),
		zap.Float64("fused_score", fusedScore),
		zap.Float64("calibrated", calibrated),
		zap.Float64("confidence", confidence),
		zap.Float64("expected_value", ev),
		zap.Float64("spread", spread),
		zap.Int("models", len(valid)),
	)

	return decision
}

// fuse 执行衰减加权与逆方差贝叶斯融合，返回归一化投票与融合得分。
func (e *Engine) fuse(predictions []inference.Prediction, snapshot perf.Snapshot, now time.Time) ([]Vote, float64) {
	type weighted struct {
		pred   inference.Prediction
		weight float64
	}

	items := make([]weighted, 0, len(predictions))
	var totalWeight float64

	for _, p := range predictions {
		rec, ok := snapshot[p.ModelID]
		if !ok {
			rec = perf.Record{ModelID: p.ModelID, BaseWeight: 1.0}
		}

		decayed := rec.DecayedWeight(now, e.cfg.WeightHalfLife)

		variance := e.cfg.PriorVariance
		if rec.HasVariance {
			variance = rec.Variance
		}

		effective := decayed / variance
		items = append(items, weighted{pred: p, weight: effective})
		totalWeight += effective
	}

	votes := make([]Vote, 0, len(items))
	var fused float64
	for _, it := range items {
		normalized := it.weight / totalWeight
		fused += normalized * it.pred.RawScore
		votes = append(votes, Vote{
			ModelID:    it.pred.ModelID,
			RawScore:   it.pred.RawScore,
			Confidence: it.pred.Confidence,
			Weight:     normalized,
		})
	}

	return votes, fused
}

// expectedValue 计算扣除滑点与手续费后的期望收益。
// 止盈/止损距离即本次交易的预期盈亏幅度。
func (e *Engine) expectedValue(confidence float64, market MarketContext) float64 {
	atrRel := market.ATRRelative
	if atrRel <= 0 && market.Price > 0 {
		atrRel = market.ATR / market.Price
	}

	avgWin := e.cfg.TakeProfitATRMultiple * atrRel
	avgLoss := e.cfg.StopLossATRMultiple * atrRel

	pWin := confidence
	pLoss := 1 - confidence
	gross := pWin*avgWin - pLoss*avgLoss

	cost := (e.cfg.SlippageBps + e.cfg.TakerFeeBps) / 10000 * 2 // 进出各一次
	return gross - cost
}

// stopTake 按波动率倍数推导止损/止盈价位。
func (e *Engine) stopTake(direction Action, market MarketContext) (float64, float64) {
	stopDist := e.cfg.StopLossATRMultiple * market.ATR
	takeDist := e.cfg.TakeProfitATRMultiple * market.ATR

	if direction == ActionSell {
		return market.Price + stopDist, market.Price - takeDist
	}
	return market.Price - stopDist, market.Price + takeDist
}

func (e *Engine) holdDecision(reason string, rejected bool, votes []Vote, spread float64, now time.Time) Decision {
	return Decision{
		Action:            ActionHold,
		Disagreement:      spread,
		ContributingVotes: votes,
		Rejected:          rejected,
		Reason:            reason,
		GeneratedAt:       now.UTC(),
	}
}

// rawVotes 在未执行融合时仍为审计保留每个模型的原始投票。
func rawVotes(predictions []inference.Prediction) []Vote {
	votes := make([]Vote, 0, len(predictions))
	for _, p := range predictions {
		votes = append(votes, Vote{
			ModelID:    p.ModelID,
			RawScore:   p.RawScore,
			Confidence: p.Confidence,
		})
	}
	return votes
}

// scoreSpread 计算原始得分的标准差，衡量模型分歧。
func scoreSpread(predictions []inference.Prediction) float64 {
	if len(predictions) < 2 {
		return 0
	}

	var sum float64
	for _, p := range predictions {
		sum += p.RawScore
	}
	mean := sum / float64(len(predictions))

	var sq float64
	for _, p := range predictions {
		d := p.RawScore - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(predictions)))
}
