package risk

import (
	"math"
	"testing"

	"quorum-trader/internal/config"
)

func testSizingConfig() config.SizingConfig {
	return config.SizingConfig{
		Method:          "kelly",
		Fraction:        0.10,
		KellyMultiplier: 0.25,
		KellyMinSamples: 20,
		MaxFraction:     0.25,
		FixedAmountUSD:  1000,
		MinNotionalUSD:  10,
		Leverage:        1,
		MarginReserve:   0,
	}
}

func TestKellySizingUsesQuarterKelly(t *testing.T) {
	cfg := testSizingConfig()
	stats := TrailingStats{WinRate: 0.55, AvgWin: 0.05, AvgLoss: 0.02, SampleCount: 40}

	// b=2.5, f*=(0.55×2.5−0.45)/2.5=0.37, ×0.25 → 0.0925
	result := computeSize(cfg, SizingKelly, 10000, stats, 0)

	if result.Method != "kelly" {
		t.Errorf("expected method kelly, got %s", result.Method)
	}
	if math.Abs(result.Fraction-0.0925) > 1e-9 {
		t.Errorf("expected fraction 0.0925, got %f", result.Fraction)
	}
	if math.Abs(result.NotionalUSD-925) > 1e-6 {
		t.Errorf("expected notional 925, got %f", result.NotionalUSD)
	}
}

func TestKellyFallsBackBelowMinSamples(t *testing.T) {
	cfg := testSizingConfig()
	stats := TrailingStats{WinRate: 0.55, AvgWin: 0.05, AvgLoss: 0.02, SampleCount: 10}

	result := computeSize(cfg, SizingKelly, 10000, stats, 0)

	if result.Method != "fixed_fraction" {
		t.Errorf("expected fallback method fixed_fraction, got %s", result.Method)
	}
	if math.Abs(result.Fraction-cfg.Fraction) > 1e-9 {
		t.Errorf("expected fixed fraction %f, got %f", cfg.Fraction, result.Fraction)
	}
	if math.Abs(result.NotionalUSD-1000) > 1e-6 {
		t.Errorf("expected notional 1000, got %f", result.NotionalUSD)
	}
}

func TestKellyFallsBackOnNonPositiveEdge(t *testing.T) {
	cfg := testSizingConfig()
	stats := TrailingStats{WinRate: 0.20, AvgWin: 0.02, AvgLoss: 0.02, SampleCount: 50}

	result := computeSize(cfg, SizingKelly, 10000, stats, 0)

	if result.Method != "fixed_fraction" {
		t.Errorf("expected fallback for non-positive kelly, got %s", result.Method)
	}
}

func TestFixedAmountSizing(t *testing.T) {
	cfg := testSizingConfig()

	result := computeSize(cfg, SizingFixedAmount, 10000, TrailingStats{}, 0)

	if result.Method != "fixed_amount" {
		t.Errorf("expected method fixed_amount, got %s", result.Method)
	}
	if math.Abs(result.NotionalUSD-1000) > 1e-6 {
		t.Errorf("expected notional 1000, got %f", result.NotionalUSD)
	}
}

func TestSizingClampsToMaxFraction(t *testing.T) {
	cfg := testSizingConfig()
	cfg.Fraction = 0.80

	result := computeSize(cfg, SizingFixedFraction, 10000, TrailingStats{}, 0)

	if math.Abs(result.Fraction-cfg.MaxFraction) > 1e-9 {
		t.Errorf("expected fraction clamped to %f, got %f", cfg.MaxFraction, result.Fraction)
	}
}

func TestSizingRespectsMarginReserveAndExposure(t *testing.T) {
	cfg := testSizingConfig()
	cfg.Fraction = 0.25
	cfg.MarginReserve = 0.10

	// 余额 10000，储备后可用 9000，已占用 8000 → 只剩 1000
	result := computeSize(cfg, SizingFixedFraction, 10000, TrailingStats{}, 8000)

	if math.Abs(result.NotionalUSD-1000) > 1e-6 {
		t.Errorf("expected notional capped at 1000 by available margin, got %f", result.NotionalUSD)
	}
}

func TestSizingZeroesBelowMinNotional(t *testing.T) {
	cfg := testSizingConfig()
	cfg.Fraction = 0.10

	result := computeSize(cfg, SizingFixedFraction, 50, TrailingStats{}, 0)

	if result.NotionalUSD != 0 {
		t.Errorf("expected zero notional below min, got %f", result.NotionalUSD)
	}
}

func TestParseSizingMethod(t *testing.T) {
	cases := map[string]SizingMethod{
		"fixed_fraction": SizingFixedFraction,
		"kelly":          SizingKelly,
		"fixed_amount":   SizingFixedAmount,
	}
	for name, want := range cases {
		got, err := ParseSizingMethod(name)
		if err != nil {
			t.Fatalf("ParseSizingMethod(%q) returned error: %v", name, err)
		}
		if got != want {
			t.Errorf("ParseSizingMethod(%q) = %v, want %v", name, got, want)
		}
	}

	if _, err := ParseSizingMethod("martingale"); err == nil {
		t.Errorf("expected error for unknown method")
	}
}
