// Package pipeline drives one document through the processing pipeline: a
// reactive orchestrator job that spawns subtask children, suspends until they
// finish, and writes the aggregated results back on finalization.
package pipeline

import (
	"encoding/json"
	"fmt"

	"docgather/internal/taxonomy"
)

// Orchestrator steps, persisted in the job data between ticks.
const (
	StepInitial            = "initial"
	StepPreAnalysis        = "pre_analysis"
	StepWaitPreAnalysis    = "wait_pre_analysis"
	StepRouting            = "routing"
	StepWaitConversion     = "wait_conversion"
	StepWaitExtraction     = "wait_extraction"
	StepWaitTextExtraction = "wait_text_extraction"
	StepWaitPreFilter      = "wait_pre_filter"
	StepClassify           = "classify"
	StepWaitClassify       = "wait_classify"
	StepNormalize          = "normalize"
	StepWaitNormalize      = "wait_normalize"
	StepFinalize           = "finalize"
)

// Structured rejection reasons.
const (
	RejectNoUsableText     = "no_usable_text"
	RejectNoTextInImage    = "no_text_detected_in_image"
	RejectConversionFailed = "conversion_failed"
)

// Extraction methods.
const (
	ExtractionVision = "vision"
	ExtractionPDF    = "pdf"
)

// SubtaskInput is the in-flight message of one document run. The
// orchestrator mutates it between ticks; children receive an immutable
// snapshot at spawn.
type SubtaskInput struct {
	DocumentID       string `json:"documentId"`
	OwnerID          string `json:"ownerId"`
	MimeType         string `json:"mimeType"`
	OriginalFileID   string `json:"originalFileId"`
	OriginalPath     string `json:"originalPath"`
	OriginalFilename string `json:"originalFilename,omitempty"`
	Source           string `json:"source,omitempty"`
	Priority         int    `json:"priority,omitempty"`

	Step             string                         `json:"step"`
	ScaledImagePaths []string                       `json:"scaledImagePaths,omitempty"`
	ConvertedPdfPath string                         `json:"convertedPdfPath,omitempty"`
	ExtractedText    string                         `json:"extractedText,omitempty"`
	ExtractionMethod string                         `json:"extractionMethod,omitempty"`
	PreAnalysis      *PreAnalysisResult             `json:"preAnalysis,omitempty"`
	Classification   *taxonomy.ClassificationResult `json:"classification,omitempty"`
	LLMFileID        string                         `json:"llmFileId,omitempty"`

	IsRejected      bool   `json:"isRejected,omitempty"`
	RejectionReason string `json:"rejectionReason,omitempty"`
	SplitCompleted  bool   `json:"splitCompleted,omitempty"`
}

// ParseInput decodes the job payload.
func ParseInput(raw json.RawMessage) (*SubtaskInput, error) {
	var input SubtaskInput
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, fmt.Errorf("failed to decode subtask input: %w", err)
	}
	if input.DocumentID == "" {
		return nil, fmt.Errorf("subtask input has no documentId")
	}
	return &input, nil
}

// Text quality grades from pre-analysis.
const (
	QualityBest = "best"
	QualityGood = "good"
	QualityPoor = "poor"
	QualityNone = "none"
)

// PreAnalysisResult is the deterministic PDF inspection outcome.
type PreAnalysisResult struct {
	IsMultiDocument bool            `json:"isMultiDocument"`
	DocumentCount   int             `json:"documentCount"`
	PageCount       int             `json:"pageCount"`
	HasTextLayer    bool            `json:"hasTextLayer"`
	TextQuality     string          `json:"textQuality"`
	Language        string          `json:"language,omitempty"`
	Documents       []SplitDocument `json:"documents,omitempty"`
}

// SplitDocument describes one logical document inside a multi-document scan.
type SplitDocument struct {
	Type  string `json:"type"`
	Pages []int  `json:"pages"` // 1-based page indices
	Hint  string `json:"hint,omitempty"`
	Crop  string `json:"crop,omitempty"` // top_half, bottom_half, left_half, right_half
}

// needsOCR reports whether the native text layer is unusable.
func (p *PreAnalysisResult) needsOCR() bool {
	return p.TextQuality == QualityPoor || p.TextQuality == QualityNone
}

// ConversionResult is the format-conversion worker output.
type ConversionResult struct {
	ExtractedText    string `json:"extractedText,omitempty"`
	ConvertedPdfPath string `json:"convertedPdfPath,omitempty"`
}

// SimpleExtractResult is the pdf-simple-extract worker output.
type SimpleExtractResult struct {
	Text         string `json:"text"`
	PageCount    int    `json:"pageCount"`
	HasTextLayer bool   `json:"hasTextLayer"`
	TextQuality  string `json:"textQuality"`
}

// TxtExtractResult is the txt-simple-extract worker output.
type TxtExtractResult struct {
	Text    string `json:"text"`
	Success bool   `json:"success"`
}

// Dimensions of a source image.
type Dimensions struct {
	Width  int `json:"w"`
	Height int `json:"h"`
}

// ScalingResult is the image-scaling worker output.
type ScalingResult struct {
	ScaledPaths        []string     `json:"scaledPaths"`
	OriginalDimensions []Dimensions `json:"originalDimensions"`
}

// PrefilterResult is the image-prefilter worker output.
type PrefilterResult struct {
	HasText   bool   `json:"hasText"`
	RawText   string `json:"rawText"`
	CharCount int    `json:"charCount"`
}

// OCRTaskResult is the llm-ocr worker output.
type OCRTaskResult struct {
	RawText             string          `json:"rawText"`
	StructuredData      json.RawMessage `json:"structuredData,omitempty"`
	DocumentDescription string          `json:"documentDescription,omitempty"`
	Language            string          `json:"language,omitempty"`
	PageCount           int             `json:"pageCount"`
	ExtractedBy         string          `json:"extractedBy"`
	Model               string          `json:"model"`
	Cached              bool            `json:"cached"`
}

// SplitResult is the pdf-splitter worker output.
type SplitResult struct {
	SplitInto        int      `json:"splitInto"`
	ChildDocumentIDs []string `json:"childDocumentIds"`
}
