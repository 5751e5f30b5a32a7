// Package queue implements the Redis-backed job broker the engine runs on:
// one queue per subtask kind plus the orchestrator queue, bounded retries
// with exponential backoff, and the parent/child waiting-children protocol
// the orchestrator suspends on.
package queue

import "time"

// Queue names. Child job ids are derived from these, so they are part of the
// wire contract and must not change.
const (
	Orchestrator     = "orchestrator"
	FormatConversion = "format-conversion"
	PDFPreAnalysis   = "pdf-pre-analysis"
	PDFSimpleExtract = "pdf-simple-extract"
	TxtSimpleExtract = "txt-simple-extract"
	ImageScaling     = "image-scaling"
	ImagePrefilter   = "image-prefilter"
	LLMOCR           = "llm-ocr"
	LLMClassify      = "llm-classify"
	LLMNormalize     = "llm-normalize"
	PDFSplitter      = "pdf-splitter"
	MistralCleanup   = "mistral-cleanup"
)

// SubtaskQueues lists every queue except the orchestrator.
func SubtaskQueues() []string {
	return []string{
		FormatConversion,
		PDFPreAnalysis,
		PDFSimpleExtract,
		TxtSimpleExtract,
		ImageScaling,
		ImagePrefilter,
		LLMOCR,
		LLMClassify,
		LLMNormalize,
		PDFSplitter,
		MistralCleanup,
	}
}

// Options are the per-queue retry and retention defaults.
type Options struct {
	Attempts           int
	BackoffBase        time.Duration
	CompletedRetention time.Duration
	CompletedKeep      int
	FailedRetention    time.Duration
}

// DefaultOptions returns the queue defaults: 3 attempts, exponential backoff
// from 3 s (5 s for the orchestrator), completed jobs kept 24 h / 1000
// entries, failed jobs kept 7 days.
func DefaultOptions(queueName string) Options {
	opts := Options{
		Attempts:           3,
		BackoffBase:        3 * time.Second,
		CompletedRetention: 24 * time.Hour,
		CompletedKeep:      1000,
		FailedRetention:    7 * 24 * time.Hour,
	}
	if queueName == Orchestrator {
		opts.BackoffBase = 5 * time.Second
	}
	return opts
}

// Concurrency returns the bounded parallelism for a queue's consumers.
func Concurrency(queueName string) int {
	switch queueName {
	case Orchestrator:
		return 5
	case LLMOCR, LLMClassify, LLMNormalize:
		return 3
	case FormatConversion, ImageScaling:
		return 2
	default:
		return 5
	}
}
