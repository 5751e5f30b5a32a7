package billing

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"docgather/internal/llm"
)

type fakeFlusher struct {
	calls []Delta
	docs  []string
	err   error
}

func (f *fakeFlusher) IncrementLLMBilling(_ context.Context, documentID string, promptTokens, completionTokens, pages int, cost float64) error {
	if f.err != nil {
		return f.err
	}
	f.docs = append(f.docs, documentID)
	f.calls = append(f.calls, Delta{promptTokens, completionTokens, pages, cost})
	return nil
}

func TestTrackerAccumulatesAndFlushes(t *testing.T) {
	flusher := &fakeFlusher{}
	tracker := NewTracker(flusher, zap.NewNop())

	tracker.Record("doc1", &llm.Response{
		Model: "mistral-small-latest",
		Usage: &llm.Usage{PromptTokens: 1000, CompletionTokens: 500},
	})
	tracker.Record("doc1", &llm.Response{
		Model: "mistral-ocr-latest",
		Usage: &llm.Usage{Pages: 4},
	})

	pending := tracker.Pending("doc1")
	if pending.PromptTokens != 1000 || pending.CompletionTokens != 500 || pending.Pages != 4 {
		t.Errorf("pending=%+v", pending)
	}
	if pending.Cost <= 0 {
		t.Errorf("cost=%f, want >0 for priced models", pending.Cost)
	}

	if err := tracker.Flush(context.Background(), "doc1"); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(flusher.calls) != 1 || flusher.docs[0] != "doc1" {
		t.Fatalf("calls=%v docs=%v", flusher.calls, flusher.docs)
	}
	if got := tracker.Pending("doc1"); got != (Delta{}) {
		t.Errorf("pending after flush=%+v", got)
	}
}

func TestTrackerComputesCostFromPricingTable(t *testing.T) {
	tracker := NewTracker(&fakeFlusher{}, zap.NewNop())

	tracker.Record("doc1", &llm.Response{
		Model: "mistral-small-latest",
		Usage: &llm.Usage{PromptTokens: 1_000_000, CompletionTokens: 1_000_000},
	})
	tracker.Record("doc1", &llm.Response{
		Model: "mistral-ocr-latest",
		Usage: &llm.Usage{Pages: 4},
	})

	// 0.10 + 0.30 per MTok on the small model, 0.001 per OCR page.
	want := 0.10 + 0.30 + 4*0.001
	got := tracker.Pending("doc1").Cost
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("cost=%f, want %f", got, want)
	}
}

func TestTrackerSkipsCachedResponses(t *testing.T) {
	tracker := NewTracker(&fakeFlusher{}, zap.NewNop())

	tracker.Record("doc1", &llm.Response{
		Model:  "mistral-small-latest",
		Cached: true,
		Usage:  &llm.Usage{PromptTokens: 1000},
	})
	if got := tracker.Pending("doc1"); got != (Delta{}) {
		t.Errorf("cached response billed: %+v", got)
	}
}

func TestTrackerFlushEmptyIsNoop(t *testing.T) {
	flusher := &fakeFlusher{}
	tracker := NewTracker(flusher, zap.NewNop())

	if err := tracker.Flush(context.Background(), "doc1"); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(flusher.calls) != 0 {
		t.Errorf("unexpected flush call")
	}
}

func TestTrackerRetainsDeltaOnFlushError(t *testing.T) {
	flusher := &fakeFlusher{err: errors.New("db down")}
	tracker := NewTracker(flusher, zap.NewNop())

	tracker.Record("doc1", &llm.Response{
		Model: "mistral-small-latest",
		Usage: &llm.Usage{PromptTokens: 100, CompletionTokens: 10},
	})
	if err := tracker.Flush(context.Background(), "doc1"); err == nil {
		t.Fatal("expected flush error")
	}
	if got := tracker.Pending("doc1"); got.PromptTokens != 100 {
		t.Errorf("delta lost after failed flush: %+v", got)
	}

	flusher.err = nil
	if err := tracker.Flush(context.Background(), "doc1"); err != nil {
		t.Fatalf("retry Flush: %v", err)
	}
	if len(flusher.calls) != 1 || flusher.calls[0].PromptTokens != 100 {
		t.Errorf("calls=%+v", flusher.calls)
	}
}
