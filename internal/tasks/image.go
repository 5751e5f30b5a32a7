package tasks

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"strconv"
	"strings"

	_ "image/gif"
	_ "image/jpeg"

	"go.uber.org/zap"

	"docgather/internal/config"
	"docgather/internal/persistence"
	"docgather/internal/pipeline"
	"docgather/internal/queue"
	"docgather/internal/storage"
)

const (
	maxScaledBytes  = 120 * 1024
	maxLongestSide  = 1280
	startQuality    = 85
	qualityStep     = 5
	qualityFloor    = 5
	cmdDwebp        = "dwebp"
	tesseractLangs  = "eng+fra"
	tesseractLayout = "1" // automatic page segmentation
)

// ImageScaling produces the llm_optimized WebP the vision models consume:
// bounded resolution and a quality ladder down to the byte budget.
func (w *Workers) ImageScaling(ctx context.Context, job *queue.Job) (any, error) {
	input, err := parseInput(job)
	if err != nil {
		return nil, err
	}
	log := w.logger.With(zap.String("document", input.DocumentID))

	var scaled []byte
	var dims pipeline.Dimensions
	if pipeline.IsPDF(input.MimeType) {
		scaled, err = w.rasterizePDF(ctx, input)
		if err != nil {
			return nil, err
		}
	} else {
		data, err := w.store.Download(ctx, input.DocumentID, storage.RoleOriginal)
		if err != nil {
			return nil, err
		}
		dims = probeDimensions(data)
		scaled, err = w.encodeWebP(ctx, data, dims, log)
		if err != nil {
			return nil, err
		}
	}

	uploaded, err := w.store.Upload(ctx, input.DocumentID, storage.RoleLLMOptimized, scaled, "image/webp")
	if err != nil {
		return nil, err
	}
	w.recordScaledFile(ctx, input.DocumentID, uploaded, len(scaled), dims, log)

	return &pipeline.ScalingResult{
		ScaledPaths:        []string{uploaded.StoragePath},
		OriginalDimensions: []pipeline.Dimensions{dims},
	}, nil
}

// rasterizePDF renders page 1 as WebP. The dedicated OCR endpoint prefers
// full resolution; chat-vision providers get the bounded size.
func (w *Workers) rasterizePDF(ctx context.Context, input *pipeline.SubtaskInput) ([]byte, error) {
	pdfPath, cleanup, err := w.materialize(ctx, input.DocumentID, pdfRole(input), ".pdf")
	if err != nil {
		return nil, err
	}
	defer cleanup()

	maxSide := maxLongestSide
	if w.cfg.LLM.OCR.Provider == config.ProviderOCREndpoint {
		maxSide = 0
	}
	out, err := w.runner.Run(ctx, cmdPDFRaster, []string{pdfPath, strconv.Itoa(maxSide)}, nil)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("rasterizer produced empty output")
	}
	return out, nil
}

// encodeWebP walks the quality ladder from 85 down in steps of 5 until the
// output fits the byte budget or the floor is reached.
func (w *Workers) encodeWebP(ctx context.Context, data []byte, dims pipeline.Dimensions, log *zap.Logger) ([]byte, error) {
	srcFile, err := os.CreateTemp("", "dg-scale-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	srcPath := srcFile.Name()
	defer os.Remove(srcPath)
	if _, err := srcFile.Write(data); err != nil {
		srcFile.Close()
		return nil, fmt.Errorf("failed to write temp image: %w", err)
	}
	srcFile.Close()
	outPath := srcPath + ".webp"
	defer os.Remove(outPath)

	width, height := targetSize(dims)
	for quality := startQuality; quality >= qualityFloor; quality -= qualityStep {
		args := []string{"-quiet", "-q", strconv.Itoa(quality)}
		if width > 0 {
			args = append(args, "-resize", strconv.Itoa(width), strconv.Itoa(height))
		}
		args = append(args, srcPath, "-o", outPath)
		if _, err := w.runner.Run(ctx, cmdCwebp, args, nil); err != nil {
			return nil, err
		}
		out, err := os.ReadFile(outPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read encoded image: %w", err)
		}
		if len(out) < maxScaledBytes || quality == qualityFloor {
			log.Debug("image encoded",
				zap.Int("quality", quality), zap.Int("bytes", len(out)))
			return out, nil
		}
	}
	return nil, fmt.Errorf("quality ladder exhausted without output")
}

// targetSize bounds the longest side at 1280 px without upscaling. Unknown
// dimensions skip the resize and rely on the encoder's input size.
func targetSize(dims pipeline.Dimensions) (int, int) {
	longest := dims.Width
	if dims.Height > longest {
		longest = dims.Height
	}
	if longest <= maxLongestSide {
		return 0, 0
	}
	scale := float64(maxLongestSide) / float64(longest)
	return int(float64(dims.Width) * scale), int(float64(dims.Height) * scale)
}

func probeDimensions(data []byte) pipeline.Dimensions {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return pipeline.Dimensions{}
	}
	return pipeline.Dimensions{Width: cfg.Width, Height: cfg.Height}
}

// recordScaledFile upserts the file record with the probed dimensions. Best
// effort: the facade already upserted path and hash during upload.
func (w *Workers) recordScaledFile(ctx context.Context, documentID string, uploaded *storage.UploadResult, size int, dims pipeline.Dimensions, log *zap.Logger) {
	update := persistence.FileUpdate{
		DocumentID:       documentID,
		FileRole:         storage.RoleLLMOptimized,
		StoragePath:      uploaded.StoragePath,
		MimeType:         "image/webp",
		SizeBytes:        int64(size),
		ContentHash:      uploaded.ContentHash,
		MasterKeyVersion: w.cfg.MasterKeyVersion,
	}
	if dims.Width > 0 {
		update.Width = &dims.Width
		update.Height = &dims.Height
	}
	if _, err := w.persist.UpdateDocumentFile(ctx, update); err != nil {
		log.Warn("failed to record scaled file", zap.Error(err))
	}
}

// ImagePrefilter runs the cheap local OCR check that gates the paid vision
// call: a blank image is rejected before any model sees it.
func (w *Workers) ImagePrefilter(ctx context.Context, job *queue.Job) (any, error) {
	input, err := parseInput(job)
	if err != nil {
		return nil, err
	}
	data, err := w.store.Download(ctx, input.DocumentID, storage.RoleLLMOptimized)
	if err != nil {
		return nil, err
	}

	pngPath, cleanup, err := w.grayscalePNG(ctx, data)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	out, err := w.runner.Run(ctx, cmdTesseract,
		[]string{pngPath, "stdout", "-l", tesseractLangs, "--psm", tesseractLayout}, nil)
	if err != nil {
		return nil, err
	}
	text := strings.TrimSpace(string(out))
	return &pipeline.PrefilterResult{
		HasText:   len(text) > 0,
		RawText:   text,
		CharCount: len(text),
	}, nil
}

// grayscalePNG decodes the WebP via dwebp and re-encodes as grayscale PNG
// for Tesseract.
func (w *Workers) grayscalePNG(ctx context.Context, webp []byte) (string, func(), error) {
	srcFile, err := os.CreateTemp("", "dg-prefilter-*.webp")
	if err != nil {
		return "", nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	srcPath := srcFile.Name()
	if _, err := srcFile.Write(webp); err != nil {
		srcFile.Close()
		os.Remove(srcPath)
		return "", nil, fmt.Errorf("failed to write temp image: %w", err)
	}
	srcFile.Close()

	decodedPath := srcPath + ".png"
	grayPath := srcPath + ".gray.png"
	cleanup := func() {
		os.Remove(srcPath)
		os.Remove(decodedPath)
		os.Remove(grayPath)
	}

	if _, err := w.runner.Run(ctx, cmdDwebp, []string{srcPath, "-o", decodedPath}, nil); err != nil {
		cleanup()
		return "", nil, err
	}
	decoded, err := os.ReadFile(decodedPath)
	if err != nil {
		cleanup()
		return "", nil, fmt.Errorf("failed to read decoded image: %w", err)
	}
	img, _, err := image.Decode(bytes.NewReader(decoded))
	if err != nil {
		cleanup()
		return "", nil, fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := img.Bounds()
	gray := image.NewGray(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			gray.Set(x, y, img.At(x, y))
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, gray); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("failed to encode grayscale png: %w", err)
	}
	if err := os.WriteFile(grayPath, buf.Bytes(), 0o600); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("failed to write grayscale png: %w", err)
	}
	return grayPath, cleanup, nil
}
