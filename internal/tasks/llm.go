package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"docgather/internal/llm"
	"docgather/internal/pipeline"
	"docgather/internal/queue"
	"docgather/internal/storage"
	"docgather/internal/taxonomy"
)

const llmAttempts = 3

// uploadThreshold mirrors the dispatcher's retryable-payload cap: images at
// or past it go to the provider as uploaded files instead of inline bytes.
const uploadThreshold = 195 * 1024

// stripFences tolerates a fenced model answer (```json ... ```).
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if i := strings.Index(s, "\n"); i >= 0 {
		s = s[i+1:]
	} else {
		return s
	}
	s = strings.TrimSpace(s)
	return strings.TrimSpace(strings.TrimSuffix(s, "```"))
}

// LLMOCR extracts text from the optimized image through the gateway,
// validating the envelope and retrying with cache bypass on malformed
// answers.
func (w *Workers) LLMOCR(ctx context.Context, job *queue.Job) (any, error) {
	input, err := parseInput(job)
	if err != nil {
		return nil, err
	}
	img, err := w.store.Download(ctx, input.DocumentID, storage.RoleLLMOptimized)
	if err != nil {
		return nil, err
	}
	log := w.logger.With(zap.String("document", input.DocumentID))

	var lastErr error
	for attempt := 1; attempt <= llmAttempts; attempt++ {
		resp, err := w.gateway.OCR(ctx, taxonomy.OCRPrompt(), img, "image/webp", llm.Options{
			CachePrefix: "ocr",
			SkipCache:   attempt > 1,
			FileID:      input.LLMFileID,
		})
		if err != nil {
			return nil, err
		}
		w.billing.Record(input.DocumentID, resp)

		envelope, err := w.registry.ValidateOCR([]byte(stripFences(resp.Content)))
		if err != nil {
			lastErr = err
			log.Warn("ocr response failed validation",
				zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		return ocrTaskResult(envelope, resp), nil
	}
	return nil, fmt.Errorf("ocr response invalid after %d attempts: %w", llmAttempts, lastErr)
}

// ocrTaskResult flattens the envelope content into the worker result.
func ocrTaskResult(envelope *taxonomy.OCREnvelope, resp *llm.Response) *pipeline.OCRTaskResult {
	result := &pipeline.OCRTaskResult{
		DocumentDescription: envelope.DocumentDescription,
		Language:            envelope.Language,
		PageCount:           1,
		ExtractedBy:         "ocr",
		Model:               resp.Model,
		Cached:              resp.Cached,
	}
	if resp.Usage != nil && resp.Usage.Pages > 0 {
		result.PageCount = resp.Usage.Pages
	}
	switch content := envelope.ExtractedText.Content.(type) {
	case string:
		result.RawText = content
	default:
		raw, _ := json.Marshal(content)
		result.RawText = string(raw)
		result.StructuredData = raw
	}
	return result
}

// LLMClassify assigns the document a taxonomy type from its extracted text.
// Validation exhaustion returns the safe unclassified fallback instead of
// failing the job.
func (w *Workers) LLMClassify(ctx context.Context, job *queue.Job) (any, error) {
	input, err := parseInput(job)
	if err != nil {
		return nil, err
	}
	if input.ExtractedText == "" {
		return nil, fmt.Errorf("classification requires extracted text for %s", input.DocumentID)
	}
	log := w.logger.With(zap.String("document", input.DocumentID))

	prompt := w.registry.ClassificationPrompt()
	for attempt := 1; attempt <= llmAttempts; attempt++ {
		resp, err := w.gateway.Text(ctx, prompt, input.ExtractedText, llm.Options{
			Temperature:    llm.Temp(0),
			CachePrefix:    queue.LLMClassify,
			SkipCache:      attempt > 1,
			ResponseFormat: &llm.ResponseFormat{Type: "json_object"},
		})
		if err != nil {
			return nil, err
		}
		w.billing.Record(input.DocumentID, resp)

		result, err := w.registry.ValidateClassification([]byte(stripFences(resp.Content)))
		if err != nil {
			log.Warn("classification failed validation",
				zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		return result, nil
	}
	log.Warn("classification fell back to unclassified")
	return &taxonomy.ClassificationResult{
		DocumentType:         taxonomy.TypeUnclassified,
		ExtractionConfidence: 0,
		Language:             "unknown",
		Explanation:          "Validation failed",
	}, nil
}

// LLMNormalize extracts the per-type structured fields. Low-confidence
// vision-extracted documents are re-read from the optimized image; everyone
// else normalizes over the extracted text. Returns null when no valid result
// could be produced.
func (w *Workers) LLMNormalize(ctx context.Context, job *queue.Job) (any, error) {
	input, err := parseInput(job)
	if err != nil {
		return nil, err
	}
	if input.ExtractedText == "" || input.Classification == nil {
		return nil, fmt.Errorf("normalization requires extracted text and classification for %s", input.DocumentID)
	}
	log := w.logger.With(zap.String("document", input.DocumentID))

	docType := w.registry.NormalizationType(input.Classification.DocumentType)
	prompt := w.registry.NormalizationPrompt(docType.ID)
	useVision := input.Classification.ExtractionConfidence < 0.8 &&
		input.ExtractionMethod == pipeline.ExtractionVision

	var img []byte
	fileID := input.LLMFileID
	ownedFileID := ""
	if useVision {
		img, err = w.store.Download(ctx, input.DocumentID, storage.RoleLLMOptimized)
		if err != nil {
			return nil, err
		}
		if fileID == "" && len(img) >= uploadThreshold {
			if id, uerr := w.gateway.Upload(ctx, input.DocumentID, img, "image/webp", "ocr"); uerr == nil {
				fileID = id
				ownedFileID = id
			} else {
				log.Warn("provider upload failed, embedding image inline", zap.Error(uerr))
			}
		}
	}
	defer func() {
		if ownedFileID != "" {
			if derr := w.gateway.Delete(context.WithoutCancel(ctx), ownedFileID); derr != nil {
				log.Warn("failed to delete provider file", zap.String("fileId", ownedFileID), zap.Error(derr))
			}
		}
	}()

	for attempt := 1; attempt <= llmAttempts; attempt++ {
		opts := llm.Options{
			Temperature: llm.Temp(0),
			CachePrefix: "normalize/" + docType.ID,
			SkipCache:   attempt > 1,
			ResponseFormat: &llm.ResponseFormat{
				Type: "json_object",
			},
		}
		var resp *llm.Response
		if useVision {
			opts.FileID = fileID
			resp, err = w.gateway.Vision(ctx, prompt, img, "image/webp", opts)
		} else {
			resp, err = w.gateway.Text(ctx, prompt, input.ExtractedText, opts)
		}
		if err != nil {
			return nil, err
		}
		w.billing.Record(input.DocumentID, resp)

		var result taxonomy.NormalizationResult
		if err := json.Unmarshal([]byte(stripFences(resp.Content)), &result); err != nil {
			log.Warn("normalization returned malformed JSON",
				zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		if err := w.registry.ValidateFields(result.Template, result.Fields); err != nil {
			log.Warn("normalization failed schema validation",
				zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		return &result, nil
	}
	log.Warn("normalization produced no valid result")
	return nil, nil
}
