package calibration

import (
	"errors"
	"fmt"
	"sort"
)

// Point 为一条历史样本：融合得分与交易结果（1=赢，0=输）。
type Point struct {
	Score   float64
	Outcome float64
}

// Curve 为拟合后的单调非降校准曲线，构造后不可变。
type Curve struct {
	xs []float64
	ys []float64
}

// Fit 用 PAVA（相邻违例合并）对样本做保序回归，返回单调非降曲线。
func Fit(points []Point) (*Curve, error) {
	if len(points) < 2 {
		return nil, errors.New("calibration: 样本不足，无法拟合")
	}

	sorted := make([]Point, len(points))
	copy(sorted, points)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Score < sorted[j].Score })

	for _, p := range sorted {
		if p.Outcome < 0 || p.Outcome > 1 {
			return nil, fmt.Errorf("calibration: outcome 必须位于[0,1]，当前为 %f", p.Outcome)
		}
	}

	// 每个块记录均值与样本数，违例时向前合并
	type block struct {
		sum   float64
		count int
		xMin  float64
		xMax  float64
	}

	blocks := make([]block, 0, len(sorted))
	for _, p := range sorted {
		blocks = append(blocks, block{sum: p.Outcome, count: 1, xMin: p.Score, xMax: p.Score})
		for len(blocks) > 1 {
			last := blocks[len(blocks)-1]
			prev := blocks[len(blocks)-2]
			if prev.sum/float64(prev.count) <= last.sum/float64(last.count) {
				break
			}
			merged := block{
				sum:   prev.sum + last.sum,
				count: prev.count + last.count,
				xMin:  prev.xMin,
				xMax:  last.xMax,
			}
			blocks = blocks[:len(blocks)-2]
			blocks = append(blocks, merged)
		}
	}

	xs := make([]float64, 0, len(blocks))
	ys := make([]float64, 0, len(blocks))
	for _, b := range blocks {
		mid := (b.xMin + b.xMax) / 2
		xs = append(xs, mid)
		ys = append(ys, b.sum/float64(b.count))
	}

	return &Curve{xs: xs, ys: ys}, nil
}

// Evaluate 将融合得分映射为校准概率，区间内线性插值，区间外取端点。
func (c *Curve) Evaluate(score float64) float64 {
	if len(c.xs) == 0 {
		return clamp01(affineFallback(score))
	}
	if score <= c.xs[0] {
		return clamp01(c.ys[0])
	}
	n := len(c.xs)
	if score >= c.xs[n-1] {
		return clamp01(c.ys[n-1])
	}

	idx := sort.SearchFloat64s(c.xs, score)
	x0, x1 := c.xs[idx-1], c.xs[idx]
	y0, y1 := c.ys[idx-1], c.ys[idx]
	if x1 == x0 {
		return clamp01(y1)
	}
	t := (score - x0) / (x1 - x0)
	return clamp01(y0 + t*(y1-y0))
}

// Size 返回曲线节点数。
func (c *Curve) Size() int {
	return len(c.xs)
}

// affineFallback 在没有校准曲线时把 [-1,1] 得分线性映射到 [0,1]。
func affineFallback(score float64) float64 {
	return (score + 1) / 2
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
