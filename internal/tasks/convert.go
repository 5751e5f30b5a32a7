package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"docgather/internal/pipeline"
	"docgather/internal/queue"
	"docgather/internal/storage"
)

// FormatConversion turns office-family documents into either direct text
// (spreadsheets) or a PDF for the regular pipeline.
func (w *Workers) FormatConversion(ctx context.Context, job *queue.Job) (any, error) {
	input, err := parseInput(job)
	if err != nil {
		return nil, err
	}
	log := w.logger.With(zap.String("document", input.DocumentID), zap.String("mime", input.MimeType))

	tempDir, err := os.MkdirTemp("", "dg-convert-")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	data, err := w.store.Download(ctx, input.DocumentID, storage.RoleOriginal)
	if err != nil {
		return nil, err
	}
	srcPath := filepath.Join(tempDir, "source"+extensionFor(input.MimeType))
	if err := os.WriteFile(srcPath, data, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write source file: %w", err)
	}

	switch {
	case pipeline.IsSpreadsheet(input.MimeType):
		text, err := w.extractSpreadsheet(ctx, tempDir, srcPath, input.MimeType)
		if err != nil {
			return nil, err
		}
		log.Debug("spreadsheet extracted directly", zap.Int("chars", len(text)))
		return &pipeline.ConversionResult{ExtractedText: text}, nil

	case pipeline.IsXPS(input.MimeType):
		pdfPath := filepath.Join(tempDir, "converted.pdf")
		if _, err := w.runner.Run(ctx, cmdMutool, []string{"convert", "-o", pdfPath, srcPath}, nil); err != nil {
			return nil, err
		}
		return w.uploadConverted(ctx, input, pdfPath)

	case pipeline.IsEmail(input.MimeType):
		out, err := w.runner.Run(ctx, cmdEmailToHTML, []string{srcPath, tempDir}, nil)
		if err != nil {
			return nil, err
		}
		htmlPath := strings.TrimSpace(string(out))
		pdfPath, err := w.libreOfficeConvert(ctx, tempDir, htmlPath, "pdf")
		if err != nil {
			return nil, err
		}
		return w.uploadConverted(ctx, input, pdfPath)

	default:
		pdfPath, err := w.libreOfficeConvert(ctx, tempDir, srcPath, "pdf")
		if err != nil {
			return nil, err
		}
		return w.uploadConverted(ctx, input, pdfPath)
	}
}

// extractSpreadsheet converts non-xlsx sheets to xlsx first, then runs the
// tabular text extractor.
func (w *Workers) extractSpreadsheet(ctx context.Context, tempDir, srcPath, mime string) (string, error) {
	path := srcPath
	if mime != "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet" {
		converted, err := w.libreOfficeConvert(ctx, tempDir, srcPath, "xlsx")
		if err != nil {
			return "", err
		}
		path = converted
	}
	out, err := w.runner.Run(ctx, cmdSheetText, []string{path}, nil)
	if err != nil {
		return "", err
	}
	var result struct {
		ExtractedText string `json:"extractedText"`
	}
	if err := json.Unmarshal(out, &result); err != nil {
		return "", fmt.Errorf("failed to parse spreadsheet extractor output: %w", err)
	}
	return result.ExtractedText, nil
}

func (w *Workers) libreOfficeConvert(ctx context.Context, tempDir, srcPath, target string) (string, error) {
	if _, err := w.runner.Run(ctx, cmdLibreOffice,
		[]string{"--headless", "--convert-to", target, "--outdir", tempDir, srcPath}, nil); err != nil {
		return "", err
	}
	base := strings.TrimSuffix(filepath.Base(srcPath), filepath.Ext(srcPath))
	out := filepath.Join(tempDir, base+"."+target)
	if _, err := os.Stat(out); err != nil {
		return "", fmt.Errorf("converter produced no %s output: %w", target, err)
	}
	return out, nil
}

func (w *Workers) uploadConverted(ctx context.Context, input *pipeline.SubtaskInput, pdfPath string) (*pipeline.ConversionResult, error) {
	data, err := os.ReadFile(pdfPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read converted pdf: %w", err)
	}
	result, err := w.store.Upload(ctx, input.DocumentID, storage.RoleConvertedPDF, data, "application/pdf")
	if err != nil {
		return nil, err
	}
	return &pipeline.ConversionResult{ConvertedPdfPath: result.StoragePath}, nil
}

// extensionFor picks a file extension the converters recognize.
func extensionFor(mime string) string {
	switch mime {
	case "application/vnd.ms-excel":
		return ".xls"
	case "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":
		return ".xlsx"
	case "application/vnd.oasis.opendocument.spreadsheet":
		return ".ods"
	case "application/msword":
		return ".doc"
	case "application/vnd.openxmlformats-officedocument.wordprocessingml.document":
		return ".docx"
	case "application/vnd.oasis.opendocument.text":
		return ".odt"
	case "application/vnd.ms-powerpoint":
		return ".ppt"
	case "application/vnd.openxmlformats-officedocument.presentationml.presentation":
		return ".pptx"
	case "application/vnd.oasis.opendocument.presentation":
		return ".odp"
	case "application/rtf":
		return ".rtf"
	case "message/rfc822":
		return ".eml"
	case "application/vnd.ms-outlook":
		return ".msg"
	case "application/oxps", "application/vnd.ms-xpsdocument":
		return ".xps"
	case "application/pdf":
		return ".pdf"
	default:
		return ".bin"
	}
}
