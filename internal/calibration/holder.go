package calibration

import "sync/atomic"

// Holder 在周期之间原子地替换校准曲线。
// 外部训练流程拟合出新曲线后调用 Swap，读取方永远看到完整的一张曲线。
type Holder struct {
	curve atomic.Pointer[Curve]
}

// NewHolder 创建空持有器，未拟合前 Calibrate 走仿射兜底。
func NewHolder() *Holder {
	return &Holder{}
}

// Swap 替换当前曲线。
func (h *Holder) Swap(curve *Curve) {
	h.curve.Store(curve)
}

// Calibrate 将融合得分映射为校准概率。
func (h *Holder) Calibrate(score float64) float64 {
	curve := h.curve.Load()
	if curve == nil {
		return clamp01(affineFallback(score))
	}
	return curve.Evaluate(score)
}

// Fitted 报告是否已有拟合曲线。
func (h *Holder) Fitted() bool {
	return h.curve.Load() != nil
}
