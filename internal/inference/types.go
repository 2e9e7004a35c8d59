package inference

import (
	"fmt"
	"math"
	"time"
)

// Prediction 表示单个模型在本周期给出的预测，消费后即丢弃。
type Prediction struct {
	ModelID    string        `json:"model_id"`
	RawScore   float64       `json:"raw_score"`
	Confidence float64       `json:"confidence"`
	Latency    time.Duration `json:"latency"`
	Timestamp  time.Time     `json:"timestamp"`
}

// Validate 校验预测字段，越界或非数直接整条丢弃。
func (p Prediction) Validate() error {
	if p.ModelID == "" {
		return fmt.Errorf("model_id 不能为空")
	}
	if math.IsNaN(p.RawScore) || math.IsInf(p.RawScore, 0) {
		return fmt.Errorf("模型 %s raw_score 非数", p.ModelID)
	}
	if p.RawScore < -1 || p.RawScore > 1 {
		return fmt.Errorf("模型 %s raw_score 必须位于[-1,1]，当前为 %f", p.ModelID, p.RawScore)
	}
	if math.IsNaN(p.Confidence) || math.IsInf(p.Confidence, 0) {
		return fmt.Errorf("模型 %s confidence 非数", p.ModelID)
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return fmt.Errorf("模型 %s confidence 必须位于[0,1]，当前为 %f", p.ModelID, p.Confidence)
	}
	return nil
}

// EndpointHealth 汇总单个模型服务的运行状况。
type EndpointHealth struct {
	Name         string        `json:"name"`
	SuccessCount int64         `json:"success_count"`
	FailureCount int64         `json:"failure_count"`
	AvgLatency   time.Duration `json:"avg_latency"`
	LastSuccess  time.Time     `json:"last_success"`
}

// RetrainFeedback 为交易结算后推送给模型服务的再训练样本。
type RetrainFeedback struct {
	Symbol     string    `json:"symbol"`
	ModelID    string    `json:"model_id"`
	RawScore   float64   `json:"raw_score"`
	Won        bool      `json:"won"`
	PnLPercent float64   `json:"pnl_percent"`
	ClosedAt   time.Time `json:"closed_at"`
}
