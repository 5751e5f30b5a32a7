package tasks

import (
	"context"
	"strings"
	"unicode/utf8"

	"docgather/internal/pipeline"
	"docgather/internal/queue"
	"docgather/internal/storage"
)

const (
	maxExtractedChars = 50000
	truncationMarker  = "\n\n--- TEXT TRUNCATED ---"
)

// truncateText caps extracted text at the pipeline limit with a visible
// marker. The cap counts runes so a multibyte character is never cut in half.
func truncateText(s string) string {
	if utf8.RuneCountInString(s) <= maxExtractedChars {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxExtractedChars]) + truncationMarker
}

// TxtSimpleExtract reads text-family originals directly.
func (w *Workers) TxtSimpleExtract(ctx context.Context, job *queue.Job) (any, error) {
	input, err := parseInput(job)
	if err != nil {
		return nil, err
	}
	data, err := w.store.Download(ctx, input.DocumentID, storage.RoleOriginal)
	if err != nil {
		return nil, err
	}
	text := decodeUTF8(data)
	return &pipeline.TxtExtractResult{Text: truncateText(text), Success: true}, nil
}

// decodeUTF8 decodes strictly when possible and falls back to a lossy pass
// that replaces invalid sequences.
func decodeUTF8(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}
	return strings.ToValidUTF8(string(data), string(utf8.RuneError))
}
