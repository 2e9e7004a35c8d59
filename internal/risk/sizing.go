package risk

import (
	"fmt"
	"math"

	"quorum-trader/internal/config"
)

// SizingMethod 为封闭的仓位计算方法集合，配置期解析，决策期穷尽匹配。
type SizingMethod int

const (
	SizingFixedFraction SizingMethod = iota
	SizingKelly
	SizingFixedAmount
)

// ParseSizingMethod 解析配置中的方法名。
func ParseSizingMethod(name string) (SizingMethod, error) {
	switch name {
	case "fixed_fraction":
		return SizingFixedFraction, nil
	case "kelly":
		return SizingKelly, nil
	case "fixed_amount":
		return SizingFixedAmount, nil
	default:
		return 0, fmt.Errorf("risk: 未知仓位计算方法 %q", name)
	}
}

// String 返回方法名。
func (m SizingMethod) String() string {
	switch m {
	case SizingFixedFraction:
		return "fixed_fraction"
	case SizingKelly:
		return "kelly"
	case SizingFixedAmount:
		return "fixed_amount"
	}
	return "unknown"
}

// TrailingStats 为 Kelly 公式所需的滚动绩效输入。
type TrailingStats struct {
	WinRate     float64
	AvgWin      float64
	AvgLoss     float64
	SampleCount int
}

// sizeResult 为仓位计算输出。
type sizeResult struct {
	NotionalUSD float64
	Fraction    float64
	Method      string
}

// computeSize 按配置方法计算仓位（USD 名义价值），已含杠杆与保证金上限。
// Kelly 在样本不足或公式给出非正值时回落到固定比例。
func computeSize(cfg config.SizingConfig, method SizingMethod, balance float64, stats TrailingStats, currentExposureUSD float64) sizeResult {
	var (
		fraction   float64
		methodUsed string
	)

	switch method {
	case SizingFixedFraction:
		fraction = cfg.Fraction
		methodUsed = SizingFixedFraction.String()

	case SizingKelly:
		fraction, methodUsed = kellyFraction(cfg, stats)

	case SizingFixedAmount:
		methodUsed = SizingFixedAmount.String()
		if balance > 0 {
			fraction = cfg.FixedAmountUSD / balance
		}
	}

	if fraction > cfg.MaxFraction {
		fraction = cfg.MaxFraction
	}
	if fraction < 0 {
		fraction = 0
	}

	notional := balance * fraction * cfg.Leverage

	// 可用保证金扣除储备后的硬上限
	available := balance*(1-cfg.MarginReserve) - currentExposureUSD
	if available < 0 {
		available = 0
	}
	notional = math.Min(notional, available)

	if notional < cfg.MinNotionalUSD {
		notional = 0
	}

	return sizeResult{
		NotionalUSD: notional,
		Fraction:    fraction,
		Method:      methodUsed,
	}
}

// kellyFraction 计算缩放后的 Kelly 比例：f* = (p×b − (1−p)) / b。
func kellyFraction(cfg config.SizingConfig, stats TrailingStats) (float64, string) {
	if stats.SampleCount < cfg.KellyMinSamples || stats.AvgLoss <= 0 || stats.AvgWin <= 0 {
		return cfg.Fraction, SizingFixedFraction.String()
	}

	b := stats.AvgWin / stats.AvgLoss
	p := stats.WinRate
	q := 1 - p

	f := (p*b - q) / b
	if f <= 0 {
		return cfg.Fraction, SizingFixedFraction.String()
	}

	f *= cfg.KellyMultiplier
	if f > cfg.MaxFraction {
		f = cfg.MaxFraction
	}

	return f, SizingKelly.String()
}
