package ensemble

import (
	"context"
	"time"
)

// Action 表示最终交易方向。
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// 强制 HOLD 的原因码，随决策一并落入审计日志。
const (
	ReasonQuorumNotMet      = "quorum_not_met"
	ReasonHighDisagreement  = "high_disagreement"
	ReasonLowConfidence     = "low_confidence"
	ReasonNegativeEV        = "negative_ev"
	ReasonInvalidMarketData = "invalid_market_data"
)

// Vote 记录单个模型对本周期决策的贡献，用于审计。
type Vote struct {
	ModelID    string  `json:"model_id"`
	RawScore   float64 `json:"raw_score"`
	Confidence float64 `json:"confidence"`
	Weight     float64 `json:"weight"` // 归一化后的有效权重，全体响应模型之和为1
}

// MarketContext 为行情协作方提供的当前价格与波动率估计。
type MarketContext struct {
	Price       float64 `json:"price"`
	ATR         float64 `json:"atr"`
	ATRRelative float64 `json:"atr_relative"`
}

// Decision 为一个决策周期的最终产物，生成后不可变。
type Decision struct {
	Action                Action    `json:"action"`
	FusedScore            float64   `json:"fused_score"`
	CalibratedProbability float64   `json:"calibrated_probability"`
	Disagreement          float64   `json:"disagreement"`
	Confidence            float64   `json:"confidence"`
	ExpectedValue         float64   `json:"expected_value"`
	SuggestedStop         float64   `json:"suggested_stop"`
	SuggestedTake         float64   `json:"suggested_take"`
	ContributingVotes     []Vote    `json:"contributing_votes"`
	MetaScore             *float64  `json:"meta_score,omitempty"`
	Rejected              bool      `json:"rejected"`
	Reason                string    `json:"reason,omitempty"`
	GeneratedAt           time.Time `json:"generated_at"`
}

// MetaInput 为二级融合模型的输入特征。
type MetaInput struct {
	FusedScore            float64       `json:"fused_score"`
	CalibratedProbability float64       `json:"calibrated_probability"`
	Disagreement          float64       `json:"disagreement"`
	Confidences           []float64     `json:"confidences"`
	Market                MarketContext `json:"market"`
}

// MetaScorer 抽象二级融合模型：输入融合特征，输出方向性信心 [0,1]。
// 不可用时决策引擎直接使用校准概率。
type MetaScorer interface {
	Score(ctx context.Context, input MetaInput) (float64, error)
}
