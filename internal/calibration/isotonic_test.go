package calibration

import (
	"math"
	"math/rand"
	"testing"
)

func TestFitCurveIsMonotonicNonDecreasing(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	points := make([]Point, 0, 500)
	for i := 0; i < 500; i++ {
		score := rng.Float64()*2 - 1
		outcome := 0.0
		// 有噪声但整体正相关的样本
		if rng.Float64() < (score+1)/2 {
			outcome = 1.0
		}
		points = append(points, Point{Score: score, Outcome: outcome})
	}

	curve, err := Fit(points)
	if err != nil {
		t.Fatalf("Fit returned error: %v", err)
	}

	prev := math.Inf(-1)
	for s := -1.2; s <= 1.2; s += 0.01 {
		v := curve.Evaluate(s)
		if v < prev-1e-12 {
			t.Fatalf("curve not monotonic: Evaluate(%f)=%f < previous %f", s, v, prev)
		}
		if v < 0 || v > 1 {
			t.Fatalf("Evaluate(%f)=%f outside [0,1]", s, v)
		}
		prev = v
	}
}

func TestEvaluateInterpolatesBetweenBlocks(t *testing.T) {
	points := []Point{
		{Score: -1, Outcome: 0},
		{Score: 0, Outcome: 0},
		{Score: 0.5, Outcome: 1},
		{Score: 1, Outcome: 1},
	}

	curve, err := Fit(points)
	if err != nil {
		t.Fatalf("Fit returned error: %v", err)
	}

	if got := curve.Evaluate(0.25); math.Abs(got-0.5) > 1e-9 {
		t.Errorf("expected interpolated value 0.5 at score=0.25, got %f", got)
	}
	if got := curve.Evaluate(-2); got != 0 {
		t.Errorf("expected left endpoint clamp to 0, got %f", got)
	}
	if got := curve.Evaluate(2); got != 1 {
		t.Errorf("expected right endpoint clamp to 1, got %f", got)
	}
}

func TestFitMergesAdjacentViolators(t *testing.T) {
	// 递减的两点违反单调性，必须合并为一个均值块
	points := []Point{
		{Score: 0, Outcome: 1},
		{Score: 0.5, Outcome: 0},
	}

	curve, err := Fit(points)
	if err != nil {
		t.Fatalf("Fit returned error: %v", err)
	}

	if curve.Size() != 1 {
		t.Fatalf("expected single merged block, got %d", curve.Size())
	}
	if got := curve.Evaluate(0.9); math.Abs(got-0.5) > 1e-9 {
		t.Errorf("expected pooled mean 0.5, got %f", got)
	}
}

func TestFitRejectsBadInput(t *testing.T) {
	if _, err := Fit([]Point{{Score: 0, Outcome: 1}}); err == nil {
		t.Errorf("expected error for insufficient samples")
	}
	if _, err := Fit([]Point{{Score: 0, Outcome: 1.5}, {Score: 1, Outcome: 0}}); err == nil {
		t.Errorf("expected error for out-of-range outcome")
	}
}

func TestHolderFallbackAndSwap(t *testing.T) {
	h := NewHolder()

	if h.Fitted() {
		t.Fatalf("expected Fitted=false before any Swap")
	}
	if got := h.Calibrate(0.2); math.Abs(got-0.6) > 1e-9 {
		t.Errorf("expected affine fallback (0.2+1)/2=0.6, got %f", got)
	}

	curve, err := Fit([]Point{
		{Score: -1, Outcome: 0},
		{Score: 1, Outcome: 1},
	})
	if err != nil {
		t.Fatalf("Fit returned error: %v", err)
	}
	h.Swap(curve)

	if !h.Fitted() {
		t.Fatalf("expected Fitted=true after Swap")
	}
	if got := h.Calibrate(1); math.Abs(got-1) > 1e-9 {
		t.Errorf("expected fitted curve value 1 at score=1, got %f", got)
	}
}
