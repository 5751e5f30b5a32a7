// Package billing accumulates per-document LLM usage and flushes it into the
// document's llm_billing record.
package billing

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"docgather/internal/llm"
)

// Delta is one billing increment: tokens or pages consumed plus the cost
// computed from the pricing table.
type Delta struct {
	PromptTokens     int
	CompletionTokens int
	Pages            int
	Cost             float64
}

// Flusher persists one accumulated delta for a document.
type Flusher interface {
	IncrementLLMBilling(ctx context.Context, documentID string, promptTokens, completionTokens, pages int, cost float64) error
}

// Tracker accumulates usage per document between flushes. Safe for concurrent
// use by the LLM workers.
type Tracker struct {
	mu      sync.Mutex
	pending map[string]*Delta
	flusher Flusher
	logger  *zap.Logger
}

// NewTracker builds a tracker flushing through the given persistence client.
func NewTracker(flusher Flusher, logger *zap.Logger) *Tracker {
	return &Tracker{
		pending: make(map[string]*Delta),
		flusher: flusher,
		logger:  logger,
	}
}

// Record accumulates one response's usage for a document. Cached responses
// carry no cost and are skipped.
func (t *Tracker) Record(documentID string, resp *llm.Response) {
	if resp == nil || resp.Cached || resp.Usage == nil {
		return
	}
	usage := resp.Usage
	cost := llm.Cost(resp.Model, *usage)

	t.mu.Lock()
	defer t.mu.Unlock()
	d := t.pending[documentID]
	if d == nil {
		d = &Delta{}
		t.pending[documentID] = d
	}
	d.PromptTokens += usage.PromptTokens
	d.CompletionTokens += usage.CompletionTokens
	d.Pages += usage.Pages
	d.Cost += cost
}

// Pending returns a copy of the accumulated delta for a document.
func (t *Tracker) Pending(documentID string) Delta {
	t.mu.Lock()
	defer t.mu.Unlock()
	if d := t.pending[documentID]; d != nil {
		return *d
	}
	return Delta{}
}

// Flush writes the accumulated delta for a document and clears it. A flush
// with nothing pending is a no-op.
func (t *Tracker) Flush(ctx context.Context, documentID string) error {
	t.mu.Lock()
	d := t.pending[documentID]
	delete(t.pending, documentID)
	t.mu.Unlock()

	if d == nil || (d.PromptTokens == 0 && d.CompletionTokens == 0 && d.Pages == 0 && d.Cost == 0) {
		return nil
	}
	err := t.flusher.IncrementLLMBilling(ctx, documentID, d.PromptTokens, d.CompletionTokens, d.Pages, d.Cost)
	if err != nil {
		// Put the delta back so a later flush can retry.
		t.mu.Lock()
		if cur := t.pending[documentID]; cur != nil {
			cur.PromptTokens += d.PromptTokens
			cur.CompletionTokens += d.CompletionTokens
			cur.Pages += d.Pages
			cur.Cost += d.Cost
		} else {
			t.pending[documentID] = d
		}
		t.mu.Unlock()
		return err
	}
	t.logger.Debug("flushed llm billing",
		zap.String("document", documentID),
		zap.Int("promptTokens", d.PromptTokens),
		zap.Int("completionTokens", d.CompletionTokens),
		zap.Int("pages", d.Pages),
		zap.Float64("cost", d.Cost))
	return nil
}
