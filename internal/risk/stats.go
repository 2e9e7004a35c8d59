package risk

import "math"

// Stats 以流式聚合维护交易统计量，单笔更新 O(1)，不回放历史。
type Stats struct {
	winCount  int
	lossCount int
	winSum    float64
	lossSum   float64

	// Welford 在线方差
	count int
	mean  float64
	m2    float64

	peakEquity  float64
	maxDrawdown float64
}

// RecordTrade 记录一笔平仓交易的收益率。
func (s *Stats) RecordTrade(pnlPercent float64, won bool) {
	if won {
		s.winCount++
		s.winSum += pnlPercent
	} else {
		s.lossCount++
		s.lossSum += math.Abs(pnlPercent)
	}

	s.count++
	delta := pnlPercent - s.mean
	s.mean += delta / float64(s.count)
	s.m2 += delta * (pnlPercent - s.mean)
}

// ObserveEquity 更新净值峰值与最大回撤。
func (s *Stats) ObserveEquity(equity float64) {
	if equity > s.peakEquity {
		s.peakEquity = equity
	}
	if s.peakEquity > 0 {
		drawdown := (s.peakEquity - equity) / s.peakEquity
		if drawdown > s.maxDrawdown {
			s.maxDrawdown = drawdown
		}
	}
}

// SampleCount 返回已结算交易笔数。
func (s *Stats) SampleCount() int {
	return s.count
}

// WinRate 返回胜率。
func (s *Stats) WinRate() float64 {
	if s.count == 0 {
		return 0
	}
	return float64(s.winCount) / float64(s.count)
}

// AvgWin 返回平均盈利幅度。
func (s *Stats) AvgWin() float64 {
	if s.winCount == 0 {
		return 0
	}
	return s.winSum / float64(s.winCount)
}

// AvgLoss 返回平均亏损幅度（正值）。
func (s *Stats) AvgLoss() float64 {
	if s.lossCount == 0 {
		return 0
	}
	return s.lossSum / float64(s.lossCount)
}

// Sharpe 返回按笔收益计算的夏普比率。
func (s *Stats) Sharpe() float64 {
	if s.count < 2 {
		return 0
	}
	variance := s.m2 / float64(s.count)
	if variance <= 0 {
		return 0
	}
	return s.mean / math.Sqrt(variance)
}

// MaxDrawdown 返回历史最大回撤比例。
func (s *Stats) MaxDrawdown() float64 {
	return s.maxDrawdown
}

// Trailing 返回 Kelly 仓位计算所需的输入。
func (s *Stats) Trailing() TrailingStats {
	return TrailingStats{
		WinRate:     s.WinRate(),
		AvgWin:      s.AvgWin(),
		AvgLoss:     s.AvgLoss(),
		SampleCount: s.count,
	}
}
