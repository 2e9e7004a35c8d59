package perf

import (
	"math"
	"time"
)

// Record 为单个模型的绩效档案，决策周期只读其快照。
type Record struct {
	ModelID       string    `json:"model_id"`
	BaseWeight    float64   `json:"base_weight"`
	WinRate       float64   `json:"win_rate"`
	AvgWinReturn  float64   `json:"avg_win_return"`
	AvgLossReturn float64   `json:"avg_loss_return"`
	SampleCount   int       `json:"sample_count"`
	Sharpe        float64   `json:"sharpe"`
	Variance      float64   `json:"variance"`
	HasVariance   bool      `json:"has_variance"`
	LastUpdate    time.Time `json:"last_update"`
}

// Snapshot 为一个决策周期开始时取得的不可变绩效快照。
type Snapshot map[string]Record

// DecayedWeight 计算带半衰期衰减的模型权重。
// 衰减作用于绩效档案的新鲜度：档案越久未被交易结果更新，权重越低。
func (r Record) DecayedWeight(now time.Time, halfLife time.Duration) float64 {
	if r.SampleCount == 0 {
		return clampWeight(r.BaseWeight)
	}

	perfMult := r.WinRate*0.6 + math.Min(r.Sharpe/2.0, 1.0)*0.4
	if perfMult < 0 {
		perfMult = 0
	}

	age := now.Sub(r.LastUpdate)
	if age < 0 {
		age = 0
	}
	decay := math.Pow(0.5, age.Seconds()/halfLife.Seconds())

	return clampWeight(r.BaseWeight * perfMult * decay)
}

func clampWeight(w float64) float64 {
	if w < 0.1 {
		return 0.1
	}
	if w > 2.0 {
		return 2.0
	}
	return w
}
