package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"docgather/internal/persistence"
	"docgather/internal/queue"
	"docgather/internal/taxonomy"
)

// finalize aggregates every child result, writes the document back through
// the persistence facade, and cleans up caches and provider files.
func (o *Orchestrator) finalize(ctx context.Context, job *queue.Job, input *SubtaskInput) (any, error) {
	log := o.logger.With(zap.String("document", input.DocumentID))
	values, err := o.broker.ChildrenValues(ctx, job)
	if err != nil {
		return nil, err
	}

	results := map[string]any{
		"documentId":       input.DocumentID,
		"mimeType":         input.MimeType,
		"source":           input.Source,
		"extractionMethod": input.ExtractionMethod,
		"workerVersion":    o.version,
	}
	if input.OriginalFilename != "" {
		results["originalFilename"] = input.OriginalFilename
	}
	for queueName, raw := range values {
		if !isNullValue(raw) {
			results[queueName] = raw
		}
	}

	classification := input.Classification
	if input.SplitCompleted && classification == nil {
		classification = &taxonomy.ClassificationResult{
			DocumentType: taxonomy.TypeSplitted,
			Explanation:  fmt.Sprintf("Document split into %d parts", splitPartCount(values)),
		}
	}
	if classification != nil {
		results["classification"] = classification
	}
	normalized := normalizedResult(values)
	if input.IsRejected {
		results["rejectionReason"] = input.RejectionReason
	}

	finalStatus := persistence.StatusProcessed
	processStatus := persistence.ProcessCompleted
	var errorMessage string
	if input.IsRejected {
		finalStatus = persistence.StatusRejected
		processStatus = persistence.ProcessRejected
		errorMessage = input.RejectionReason
	}

	if classification != nil && !input.IsRejected {
		update := persistence.DocumentUpdate{
			DocumentType:         &classification.DocumentType,
			ExtractionConfidence: &classification.ExtractionConfidence,
			Status:               &finalStatus,
			ProcessStatus:        &processStatus,
		}
		if normalized != nil {
			dates := InferDates(normalized.Fields)
			update.DocumentDate = dates.DocumentDate
			update.ValidFrom = dates.ValidFrom
			update.ValidUntil = dates.ValidUntil
		}
		if err := o.persist.UpdateDocument(ctx, input.DocumentID, update); err != nil {
			return nil, err
		}
	}

	if err := o.persist.MarkProcessingComplete(ctx, input.DocumentID, finalStatus, errorMessage,
		map[string]any{"workerVersion": o.version}); err != nil {
		return nil, err
	}

	encrypted, err := o.persist.EncryptJSONB(ctx, results, o.masterKeyVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt results: %w", err)
	}
	metadata := o.provenanceMetadata(ctx, input)
	if err := o.persist.UpdateDocumentPrivate(ctx, input.DocumentID, encrypted, metadata, o.masterKeyVersion); err != nil {
		return nil, err
	}

	if err := o.billing.Flush(ctx, input.DocumentID); err != nil {
		log.Warn("failed to flush llm billing", zap.Error(err))
	}
	if o.results != nil {
		o.results.Write(input.DocumentID, results)
	}
	if err := o.cache.ClearDocument(input.DocumentID); err != nil {
		log.Warn("failed to clear file cache", zap.Error(err))
	}
	if input.LLMFileID != "" && o.files != nil {
		if err := o.files.Delete(ctx, input.LLMFileID); err != nil {
			log.Warn("failed to delete provider file",
				zap.String("fileId", input.LLMFileID), zap.Error(err))
		}
	}

	log.Info("document finalized",
		zap.String("status", finalStatus),
		zap.Bool("split", input.SplitCompleted),
		zap.Bool("rejected", input.IsRejected))
	return results, nil
}

// splitPartCount reads the part count out of the splitter child's result.
func splitPartCount(values map[string]json.RawMessage) int {
	raw, ok := values[queue.PDFSplitter]
	if !ok || isNullValue(raw) {
		return 0
	}
	var result SplitResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return 0
	}
	return result.SplitInto
}

// normalizedResult decodes the normalize child's value; the worker returns
// null when normalization could not produce a valid result.
func normalizedResult(values map[string]json.RawMessage) *taxonomy.NormalizationResult {
	raw, ok := values[queue.LLMNormalize]
	if !ok || isNullValue(raw) {
		return nil
	}
	var result taxonomy.NormalizationResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil
	}
	return &result
}

// provenanceMetadata builds the encrypted sources map for the private row.
func (o *Orchestrator) provenanceMetadata(ctx context.Context, input *SubtaskInput) json.RawMessage {
	if input.OriginalPath == "" && input.OriginalFilename == "" {
		return nil
	}
	metadata := map[string]any{
		"sources": map[string]any{
			sourceKey(input.Source, input.OriginalPath): map[string]any{
				"source":            input.Source,
				"filepath":          input.OriginalPath,
				"original_filename": input.OriginalFilename,
			},
		},
	}
	encrypted, err := o.persist.EncryptJSONB(ctx, metadata, o.masterKeyVersion)
	if err != nil {
		o.logger.Warn("failed to encrypt provenance metadata", zap.Error(err))
		return nil
	}
	return encrypted
}

// sourceKey is the short hash keying one provenance entry.
func sourceKey(source, filepath string) string {
	sum := sha256.Sum256([]byte(source + ":" + filepath))
	return hex.EncodeToString(sum[:])[:8]
}
