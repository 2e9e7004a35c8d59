package meta

import (
	"strings"
	"testing"

	"quorum-trader/internal/config"
	"quorum-trader/internal/ensemble"
)

func TestParseScoreAcceptsPlainJSON(t *testing.T) {
	score, err := parseScore(`{"score": 0.82}`)
	if err != nil {
		t.Fatalf("parseScore returned error: %v", err)
	}
	if score != 0.82 {
		t.Errorf("expected 0.82, got %f", score)
	}
}

func TestParseScoreExtractsJSONFromProse(t *testing.T) {
	content := "Sure, here is the result:\n```json\n{\"score\": 0.65}\n```\nLet me know."
	score, err := parseScore(content)
	if err != nil {
		t.Fatalf("parseScore returned error: %v", err)
	}
	if score != 0.65 {
		t.Errorf("expected 0.65, got %f", score)
	}
}

func TestParseScoreRejectsOutOfRange(t *testing.T) {
	if _, err := parseScore(`{"score": 1.2}`); err == nil {
		t.Errorf("expected error for score above 1")
	}
	if _, err := parseScore(`{"score": -0.1}`); err == nil {
		t.Errorf("expected error for negative score")
	}
}

func TestParseScoreRejectsMissingJSON(t *testing.T) {
	if _, err := parseScore("no structured output here"); err == nil {
		t.Errorf("expected error when no JSON present")
	}
}

func TestBuildPromptEmbedsFeatures(t *testing.T) {
	prompt, err := buildPrompt(ensemble.MetaInput{
		FusedScore:            0.78,
		CalibratedProbability: 0.89,
		Disagreement:          0.02,
		Confidences:           []float64{0.9, 0.85},
		Market:                ensemble.MarketContext{Price: 50000, ATR: 500, ATRRelative: 0.01},
	})
	if err != nil {
		t.Fatalf("buildPrompt returned error: %v", err)
	}
	for _, want := range []string{`"fused_score":0.78`, `"calibrated_probability":0.89`, `{"score":`} {
		if !strings.Contains(prompt, want) {
			t.Errorf("expected prompt to contain %q", want)
		}
	}
}

func TestNewScorerRequiresAPIKey(t *testing.T) {
	if _, err := NewScorer(config.MetaConfig{}, nil); err == nil {
		t.Errorf("expected error without api key")
	}
}
