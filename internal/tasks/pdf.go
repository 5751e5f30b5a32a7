package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"docgather/internal/pipeline"
	"docgather/internal/queue"
	"docgather/internal/storage"
)

// pdfRole picks the role the effective PDF lives under.
func pdfRole(input *pipeline.SubtaskInput) string {
	if input.ConvertedPdfPath != "" {
		return storage.RoleConvertedPDF
	}
	return storage.RoleOriginal
}

// PDFPreAnalysis runs the deterministic PDF inspection that routes the
// document between the native-text path and the OCR path.
func (w *Workers) PDFPreAnalysis(ctx context.Context, job *queue.Job) (any, error) {
	input, err := parseInput(job)
	if err != nil {
		return nil, err
	}
	if !pipeline.IsPDF(input.MimeType) {
		return &pipeline.PreAnalysisResult{TextQuality: pipeline.QualityNone}, nil
	}

	pdfPath, cleanup, err := w.materialize(ctx, input.DocumentID, pdfRole(input), ".pdf")
	if err != nil {
		return nil, err
	}
	defer cleanup()

	out, err := w.runner.Run(ctx, cmdPDFAnalyze, []string{pdfPath}, nil)
	if err != nil {
		return nil, err
	}
	var result pipeline.PreAnalysisResult
	if err := json.Unmarshal(out, &result); err != nil {
		return nil, fmt.Errorf("failed to parse pre-analysis output: %w", err)
	}
	w.logger.Debug("pdf pre-analysis",
		zap.String("document", input.DocumentID),
		zap.String("quality", result.TextQuality),
		zap.Int("pages", result.PageCount),
		zap.Bool("multi", result.IsMultiDocument))
	return &result, nil
}

// PDFSimpleExtract pulls the native text layer out of a PDF.
func (w *Workers) PDFSimpleExtract(ctx context.Context, job *queue.Job) (any, error) {
	input, err := parseInput(job)
	if err != nil {
		return nil, err
	}
	pdfPath, cleanup, err := w.materialize(ctx, input.DocumentID, pdfRole(input), ".pdf")
	if err != nil {
		return nil, err
	}
	defer cleanup()

	out, err := w.runner.Run(ctx, cmdPDFExtract, []string{pdfPath}, nil)
	if err != nil {
		return nil, err
	}
	var result pipeline.SimpleExtractResult
	if err := json.Unmarshal(out, &result); err != nil {
		return nil, fmt.Errorf("failed to parse pdf extract output: %w", err)
	}
	result.Text = truncateText(result.Text)
	return &result, nil
}

// PDFSplitter cuts a multi-document scan into independent child documents,
// each entering the pipeline from the start.
func (w *Workers) PDFSplitter(ctx context.Context, job *queue.Job) (any, error) {
	input, err := parseInput(job)
	if err != nil {
		return nil, err
	}
	pa := input.PreAnalysis
	if pa == nil || !pa.IsMultiDocument || len(pa.Documents) == 0 {
		return nil, nil
	}
	log := w.logger.With(zap.String("document", input.DocumentID))

	pdfPath, cleanup, err := w.materialize(ctx, input.DocumentID, pdfRole(input), ".pdf")
	if err != nil {
		return nil, err
	}
	defer cleanup()

	childIDs := make([]string, 0, len(pa.Documents))
	for _, doc := range pa.Documents {
		childPDF, err := w.extractPages(ctx, pdfPath, doc)
		if err != nil {
			return nil, err
		}
		childID, err := w.persist.CreateChildDocument(ctx, input.DocumentID, input.OwnerID, doc.Pages, doc.Type)
		if err != nil {
			return nil, err
		}
		if _, err := w.store.Upload(ctx, childID, storage.RoleOriginal, childPDF, "application/pdf"); err != nil {
			return nil, err
		}
		if err := w.writeChildProvenance(ctx, childID, input); err != nil {
			log.Warn("failed to write child provenance",
				zap.String("child", childID), zap.Error(err))
		}
		if err := w.enqueueChildPipeline(ctx, childID, input); err != nil {
			return nil, err
		}
		childIDs = append(childIDs, childID)
		log.Info("split child created",
			zap.String("child", childID),
			zap.String("typeHint", doc.Type),
			zap.Ints("pages", doc.Pages))
	}
	return &pipeline.SplitResult{SplitInto: len(childIDs), ChildDocumentIDs: childIDs}, nil
}

// extractPages produces the child PDF for one split entry, applying the
// optional first-page crop.
func (w *Workers) extractPages(ctx context.Context, pdfPath string, doc pipeline.SplitDocument) ([]byte, error) {
	pages := make([]string, len(doc.Pages))
	for i, p := range doc.Pages {
		pages[i] = strconv.Itoa(p)
	}
	args := []string{pdfPath, strings.Join(pages, ",")}
	if doc.Crop != "" {
		args = append(args, doc.Crop)
	}
	out, err := w.runner.Run(ctx, cmdPDFSplit, args, nil)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("page extraction produced empty output for pages %v", doc.Pages)
	}
	return out, nil
}

func (w *Workers) writeChildProvenance(ctx context.Context, childID string, input *pipeline.SubtaskInput) error {
	metadata := map[string]any{
		"sources": map[string]any{
			"split": map[string]any{
				"source":            "split",
				"filepath":          input.OriginalPath,
				"original_filename": input.OriginalFilename,
				"parent_document":   input.DocumentID,
			},
		},
	}
	encrypted, err := w.persist.EncryptJSONB(ctx, metadata, w.cfg.MasterKeyVersion)
	if err != nil {
		return err
	}
	return w.persist.UpdateDocumentPrivate(ctx, childID, nil, encrypted, w.cfg.MasterKeyVersion)
}

func (w *Workers) enqueueChildPipeline(ctx context.Context, childID string, input *pipeline.SubtaskInput) error {
	childInput := pipeline.SubtaskInput{
		DocumentID:       childID,
		OwnerID:          input.OwnerID,
		MimeType:         "application/pdf",
		OriginalPath:     input.OriginalPath,
		OriginalFilename: input.OriginalFilename,
		Source:           "split",
		Priority:         input.Priority,
		Step:             pipeline.StepInitial,
	}
	raw, err := json.Marshal(childInput)
	if err != nil {
		return fmt.Errorf("failed to marshal child input: %w", err)
	}
	return w.broker.Enqueue(ctx, queue.Orchestrator, &queue.Job{
		ID:       queue.ChildID(childID, queue.Orchestrator),
		Name:     "process-document",
		Data:     raw,
		Priority: input.Priority,
	})
}

// materialize downloads a blob to a temp file for helpers that read paths.
func (w *Workers) materialize(ctx context.Context, documentID, role, ext string) (string, func(), error) {
	data, err := w.store.Download(ctx, documentID, role)
	if err != nil {
		return "", nil, err
	}
	f, err := os.CreateTemp("", "dg-blob-*"+ext)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	path := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return "", nil, fmt.Errorf("failed to write temp file: %w", err)
	}
	f.Close()
	return path, func() { os.Remove(filepath.Clean(path)) }, nil
}
