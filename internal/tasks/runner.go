package tasks

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// External helper commands. The dg-* helpers are deterministic native tools
// shipped alongside the worker; they speak JSON (or raw bytes) on stdout.
const (
	cmdPDFAnalyze  = "dg-pdf-analyze" // <pdf> -> PreAnalysisResult JSON
	cmdPDFExtract  = "dg-pdf-extract" // <pdf> -> {text,pageCount,hasTextLayer,textQuality} JSON
	cmdPDFRaster   = "dg-pdf-raster"  // <pdf> <maxSide> -> WebP bytes of page 1
	cmdPDFSplit    = "dg-pdf-split"   // <pdf> <pages> [crop] -> page-range PDF bytes
	cmdSheetText   = "dg-sheet-text"  // <xlsx> -> {extractedText} JSON
	cmdEmailToHTML = "dg-eml-html"    // <eml> -> HTML file path on stdout

	cmdLibreOffice = "soffice"
	cmdMutool      = "mutool"
	cmdTesseract   = "tesseract"
	cmdCwebp       = "cwebp"
)

// Runner executes an external helper and returns its stdout.
type Runner interface {
	Run(ctx context.Context, command string, args []string, stdin []byte) ([]byte, error)
}

// ExecRunner runs helpers as real subprocesses with a hard wall-clock cap.
type ExecRunner struct {
	Timeout time.Duration
	Logger  *zap.Logger
}

// NewExecRunner builds the default runner (5-minute cap per invocation).
func NewExecRunner(logger *zap.Logger) *ExecRunner {
	return &ExecRunner{Timeout: 5 * time.Minute, Logger: logger}
}

// Run executes the command. A non-zero exit returns an error carrying the
// trailing stderr so job failure reasons stay meaningful.
func (r *ExecRunner) Run(ctx context.Context, command string, args []string, stdin []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, command, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	r.Logger.Debug("helper finished",
		zap.String("command", command),
		zap.Duration("took", time.Since(start)),
		zap.Bool("ok", err == nil))
	if err != nil {
		detail := strings.TrimSpace(tail(stderr.String(), 500))
		if detail == "" {
			detail = err.Error()
		}
		return nil, fmt.Errorf("%s failed: %s", command, detail)
	}
	return stdout.Bytes(), nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
