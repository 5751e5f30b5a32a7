package pipeline

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"docgather/internal/persistence"
	"docgather/internal/queue"
)

// HandleFailure is the orchestrator queue's permanent-failure handler. It
// makes sure a document is never left in processing: the terminal errored
// status is written with the most specific failure reason available.
func (o *Orchestrator) HandleFailure(ctx context.Context, job *queue.Job) {
	documentID := documentIDFromJob(job)
	if documentID == "" {
		o.logger.Error("failed orchestrator job has no document id", zap.String("job", job.ID))
		return
	}
	reason := deepestFailureReason(job.FailedReason)
	if reason == "" {
		reason = "document processing failed"
	}

	err := o.persist.MarkProcessingComplete(ctx, documentID, persistence.StatusErrored, reason,
		map[string]any{"workerVersion": o.version})
	if err != nil {
		o.logger.Error("failed to mark document errored",
			zap.String("document", documentID), zap.Error(err))
	}
	if err := o.billing.Flush(ctx, documentID); err != nil {
		o.logger.Warn("failed to flush llm billing on failure",
			zap.String("document", documentID), zap.Error(err))
	}
	if err := o.cache.ClearDocument(documentID); err != nil {
		o.logger.Warn("failed to clear file cache on failure",
			zap.String("document", documentID), zap.Error(err))
	}
}

// documentIDFromJob recovers the document id, preferring the persisted input
// over the job id convention.
func documentIDFromJob(job *queue.Job) string {
	if input, err := ParseInput(job.Data); err == nil {
		return input.DocumentID
	}
	return strings.TrimSuffix(job.ID, "-"+queue.Orchestrator)
}

// deepestFailureReason unwraps nested child-failure messages of the form
// "child <queue>/<id> failed: <reason>" down to the innermost reason.
func deepestFailureReason(reason string) string {
	const marker = " failed: "
	for strings.HasPrefix(reason, "child ") {
		i := strings.Index(reason, marker)
		if i < 0 {
			break
		}
		reason = reason[i+len(marker):]
	}
	return reason
}
