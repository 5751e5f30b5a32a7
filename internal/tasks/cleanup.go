package tasks

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"docgather/internal/queue"
)

const (
	cleanupMinAge   = 30 * time.Minute
	cleanupInterval = 30 * time.Minute
	cleanupJobID    = "mistral-cleanup"
)

// MistralCleanup sweeps leftover provider files from the OCR purpose bucket.
// Files younger than the age floor may still be referenced by a running
// pipeline, so the sweep reschedules itself while any remain.
func (w *Workers) MistralCleanup(ctx context.Context, job *queue.Job) (any, error) {
	files, err := w.gateway.ListFiles(ctx, "ocr")
	if err != nil {
		return nil, err
	}

	deleted := 0
	remaining := 0
	cutoff := time.Now().Add(-cleanupMinAge)
	for _, f := range files {
		if !isPipelineFile(f.Filename) {
			continue
		}
		if time.Unix(f.CreatedAt, 0).After(cutoff) {
			remaining++
			continue
		}
		if err := w.gateway.Delete(ctx, f.ID); err != nil {
			w.logger.Warn("failed to delete provider file",
				zap.String("fileId", f.ID), zap.Error(err))
			remaining++
			continue
		}
		deleted++
	}
	w.logger.Info("provider file cleanup",
		zap.Int("deleted", deleted), zap.Int("remaining", remaining))

	if remaining > 0 {
		if err := w.broker.Enqueue(ctx, queue.MistralCleanup, &queue.Job{
			ID:    cleanupJobID,
			Name:  cleanupJobID,
			Data:  []byte("{}"),
			Delay: cleanupInterval,
		}); err != nil {
			w.logger.Warn("failed to reschedule cleanup", zap.Error(err))
		}
	}
	return map[string]int{"deleted": deleted, "remaining": remaining}, nil
}

// isPipelineFile recognizes the document-<uuid>.<ext> names the gateway
// uploads; foreign files at the provider are left alone.
func isPipelineFile(name string) bool {
	rest, ok := strings.CutPrefix(name, "document-")
	if !ok {
		return false
	}
	if i := strings.LastIndex(rest, "."); i >= 0 {
		rest = rest[:i]
	}
	_, err := uuid.Parse(rest)
	return err == nil
}
