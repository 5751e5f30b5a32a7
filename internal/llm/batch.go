package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// InlineBatchLimit flushes the coalescer immediately once this many requests
// are queued.
const InlineBatchLimit = 1000

// batchClient is the slice of the OCR provider the coalescer needs.
type batchClient interface {
	CreateBatchJob(ctx context.Context, model string, reqs []BatchRequest) (string, error)
	GetBatchJob(ctx context.Context, id string) (*BatchJob, error)
	DownloadFileContent(ctx context.Context, fileID string) ([]byte, error)
}

// Coalescer collects OCR requests over a debounce window and submits them as
// one provider batch job. The initial window is 5 seconds; while the
// rate-limited dispatcher has dispatched within the last second the window
// extends by 1 second at a time, so interactive traffic keeps priority.
type Coalescer struct {
	mu    sync.Mutex
	queue []*batchItem
	timer *time.Timer

	client     batchClient
	dispatcher *Dispatcher
	logger     *zap.Logger

	initialWindow time.Duration
	busyExtension time.Duration
	pollInterval  time.Duration
}

type batchItem struct {
	customID string
	document OCRDocument
	model    string
	done     chan batchResult
}

type batchResult struct {
	result *OCRResult
	err    error
}

// NewCoalescer builds a coalescer over the given batch client.
func NewCoalescer(client batchClient, dispatcher *Dispatcher, logger *zap.Logger) *Coalescer {
	return &Coalescer{
		client:        client,
		dispatcher:    dispatcher,
		logger:        logger,
		initialWindow: 5 * time.Second,
		busyExtension: time.Second,
		pollInterval:  time.Second,
	}
}

var (
	sharedCoalescer   *Coalescer
	sharedCoalescerMu sync.Mutex
)

// SharedCoalescer returns the process-wide coalescer, creating it on first
// use.
func SharedCoalescer(client batchClient, dispatcher *Dispatcher, logger *zap.Logger) *Coalescer {
	sharedCoalescerMu.Lock()
	defer sharedCoalescerMu.Unlock()
	if sharedCoalescer == nil {
		sharedCoalescer = NewCoalescer(client, dispatcher, logger)
	}
	return sharedCoalescer
}

// ResetSharedCoalescer drops the singleton. Test hook.
func ResetSharedCoalescer() {
	sharedCoalescerMu.Lock()
	defer sharedCoalescerMu.Unlock()
	sharedCoalescer = nil
}

// Execute queues one document for the next batch and blocks until the batch
// resolves it.
func (c *Coalescer) Execute(ctx context.Context, doc OCRDocument, model string) (*OCRResult, error) {
	item := &batchItem{
		customID: uuid.NewString(),
		document: doc,
		model:    model,
		done:     make(chan batchResult, 1),
	}

	c.mu.Lock()
	c.queue = append(c.queue, item)
	if len(c.queue) >= InlineBatchLimit {
		if c.timer != nil {
			c.timer.Stop()
			c.timer = nil
		}
		go c.flush()
	} else if c.timer == nil {
		c.timer = time.AfterFunc(c.initialWindow, c.onTimer)
	}
	c.mu.Unlock()

	select {
	case res := <-item.done:
		return res.result, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// onTimer either extends the window while the dispatcher is busy or flushes.
func (c *Coalescer) onTimer() {
	if c.dispatcher != nil && c.dispatcher.LastDispatchWithin(c.busyExtension) {
		c.mu.Lock()
		c.timer = time.AfterFunc(c.busyExtension, c.onTimer)
		c.mu.Unlock()
		return
	}
	c.flush()
}

// flush snapshots the queued items that share the first item's model and
// submits them as one batch job. Items on other models stay queued behind a
// fresh window.
func (c *Coalescer) flush() {
	c.mu.Lock()
	c.timer = nil
	if len(c.queue) == 0 {
		c.mu.Unlock()
		return
	}
	model := c.queue[0].model
	var batch, rest []*batchItem
	for _, item := range c.queue {
		if item.model == model {
			batch = append(batch, item)
		} else {
			rest = append(rest, item)
		}
	}
	c.queue = rest
	if len(rest) > 0 {
		c.timer = time.AfterFunc(c.initialWindow, c.onTimer)
	}
	c.mu.Unlock()

	c.runBatch(model, batch)
}

func (c *Coalescer) runBatch(model string, batch []*batchItem) {
	ctx := context.Background()

	reqs := make([]BatchRequest, len(batch))
	for i, item := range batch {
		reqs[i] = BatchRequest{
			CustomID: item.customID,
			Body:     map[string]any{"model": item.model, "document": item.document},
		}
	}

	c.logger.Info("submitting OCR batch", zap.String("model", model), zap.Int("size", len(batch)))
	jobID, err := c.client.CreateBatchJob(ctx, model, reqs)
	if err != nil {
		c.rejectAll(batch, fmt.Errorf("batch job creation failed: %w", err))
		return
	}

	var job *BatchJob
	for {
		time.Sleep(c.pollInterval)
		job, err = c.client.GetBatchJob(ctx, jobID)
		if err != nil {
			c.rejectAll(batch, fmt.Errorf("batch job poll failed: %w", err))
			return
		}
		if batchTerminal(job.Status) {
			break
		}
	}

	if job.Status != "SUCCESS" {
		c.rejectAll(batch, fmt.Errorf("batch job %s finished with status %s: %s", jobID, job.Status, job.ErrorMessage))
		return
	}

	output, err := c.client.DownloadFileContent(ctx, job.OutputFile)
	if err != nil {
		c.rejectAll(batch, fmt.Errorf("batch output download failed: %w", err))
		return
	}

	results := c.parseOutput(output)
	for _, item := range batch {
		if res, ok := results[item.customID]; ok {
			item.done <- batchResult{result: res}
		} else {
			item.done <- batchResult{err: fmt.Errorf("custom_id %s not found in batch %s output", item.customID, jobID)}
		}
	}
}

// parseOutput decodes the JSONL batch result file. Unparseable lines are
// skipped with a warning.
func (c *Coalescer) parseOutput(data []byte) map[string]*OCRResult {
	results := make(map[string]*OCRResult)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var entry struct {
			CustomID string `json:"custom_id"`
			Response struct {
				Body OCRResult `json:"body"`
			} `json:"response"`
		}
		if err := json.Unmarshal(line, &entry); err != nil || entry.CustomID == "" {
			c.logger.Warn("skipping unparseable batch output line", zap.Error(err))
			continue
		}
		body := entry.Response.Body
		results[entry.CustomID] = &body
	}
	return results
}

func (c *Coalescer) rejectAll(batch []*batchItem, err error) {
	c.logger.Error("OCR batch failed", zap.Error(err))
	for _, item := range batch {
		item.done <- batchResult{err: err}
	}
}
