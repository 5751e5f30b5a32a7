package llm

import (
	"math"
	"testing"
)

func TestCostTokens(t *testing.T) {
	got := Cost("mistral-small-latest", Usage{PromptTokens: 1_000_000, CompletionTokens: 1_000_000})
	if math.Abs(got-0.40) > 1e-9 {
		t.Errorf("cost=%f, want 0.40", got)
	}
}

func TestCostPages(t *testing.T) {
	got := Cost("mistral-ocr-latest", Usage{Pages: 10})
	if math.Abs(got-0.01) > 1e-9 {
		t.Errorf("cost=%f, want 0.01", got)
	}
}

func TestCostUnknownModelIsFree(t *testing.T) {
	if got := Cost("qwen2.5:32b", Usage{PromptTokens: 5000, CompletionTokens: 5000}); got != 0 {
		t.Errorf("cost=%f, want 0 for unpriced local model", got)
	}
}
