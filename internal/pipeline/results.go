package pipeline

import (
	"encoding/json"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"docgather/internal/config"
)

// ResultsWriter snapshots finalized results to local disk, partitioned by
// the model combination that produced them. Development aid; disabled unless
// a results directory is configured.
type ResultsWriter struct {
	dir    string
	logger *zap.Logger
}

// NewResultsWriter returns nil when no results directory is configured.
func NewResultsWriter(cfg config.Config, logger *zap.Logger) *ResultsWriter {
	if cfg.ResultsDir == "" {
		return nil
	}
	dir := filepath.Join(cfg.ResultsDir, "results",
		sanitizePathSegment(cfg.LLM.OCR.Model),
		sanitizePathSegment(cfg.LLM.Text.Model),
		sanitizePathSegment(cfg.LLM.Vision.Model))
	return &ResultsWriter{dir: dir, logger: logger}
}

// Write stores one document's aggregated results. Best effort.
func (w *ResultsWriter) Write(documentID string, results any) {
	raw, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		w.logger.Warn("failed to marshal results snapshot", zap.Error(err))
		return
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		w.logger.Warn("failed to create results dir", zap.Error(err))
		return
	}
	path := filepath.Join(w.dir, documentID+".json")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		w.logger.Warn("failed to write results snapshot", zap.String("path", path), zap.Error(err))
	}
}

func sanitizePathSegment(s string) string {
	if s == "" {
		return "none"
	}
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
