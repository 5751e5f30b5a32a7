package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"docgather/internal/persistence"
	"docgather/internal/queue"
	"docgather/internal/taxonomy"
)

// Broker is the slice of the job broker the orchestrator uses.
type Broker interface {
	Enqueue(ctx context.Context, queueName string, job *queue.Job) error
	MoveToWaitingChildren(ctx context.Context, job *queue.Job) (bool, error)
	ChildrenValues(ctx context.Context, job *queue.Job) (map[string]json.RawMessage, error)
	UpdateJobData(ctx context.Context, job *queue.Job, data any) error
}

// Persister is the slice of the persistence facade the orchestrator uses.
type Persister interface {
	UpdateDocument(ctx context.Context, documentID string, update persistence.DocumentUpdate) error
	MarkProcessingComplete(ctx context.Context, documentID, finalStatus string, errorMessage string, details map[string]any) error
	LogProcessStep(ctx context.Context, documentID, processStatus string, details map[string]any) error
	UpdateDocumentPrivate(ctx context.Context, documentID string, encryptedData, encryptedMetadata json.RawMessage, masterKeyVersion int) error
	EncryptJSONB(ctx context.Context, data any, masterKeyVersion int) (json.RawMessage, error)
}

// CacheClearer drops the worker-local file cache for a finalized document.
type CacheClearer interface {
	ClearDocument(documentID string) error
}

// BillingFlusher writes the document's accumulated LLM billing.
type BillingFlusher interface {
	Flush(ctx context.Context, documentID string) error
}

// FileDeleter removes a provider file uploaded during the run.
type FileDeleter interface {
	Delete(ctx context.Context, fileID string) error
}

// Orchestrator runs the per-document state machine. One reactive job per
// document: each tick loops synchronously through transitions until it must
// wait for children, then suspends via the broker's waiting-children state.
type Orchestrator struct {
	broker           Broker
	persist          Persister
	cache            CacheClearer
	billing          BillingFlusher
	files            FileDeleter
	results          *ResultsWriter
	masterKeyVersion int
	version          string
	logger           *zap.Logger
}

// NewOrchestrator wires the orchestrator's collaborators. files and results
// may be nil.
func NewOrchestrator(broker Broker, persist Persister, cache CacheClearer, billing BillingFlusher, files FileDeleter, results *ResultsWriter, masterKeyVersion int, version string, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		broker:           broker,
		persist:          persist,
		cache:            cache,
		billing:          billing,
		files:            files,
		results:          results,
		masterKeyVersion: masterKeyVersion,
		version:          version,
		logger:           logger,
	}
}

// Process is the orchestrator queue handler. It loops through state
// transitions until finalization or a suspension point.
func (o *Orchestrator) Process(ctx context.Context, job *queue.Job) (any, error) {
	input, err := ParseInput(job.Data)
	if err != nil {
		return nil, err
	}
	if input.Step == "" {
		input.Step = StepInitial
	}
	log := o.logger.With(zap.String("document", input.DocumentID))

	for {
		log.Debug("orchestrator tick", zap.String("step", input.Step))
		switch input.Step {

		case StepInitial:
			status := persistence.StatusProcessing
			if err := o.persist.UpdateDocument(ctx, input.DocumentID, persistence.DocumentUpdate{Status: &status}); err != nil {
				return nil, err
			}
			switch {
			case IsPDF(input.MimeType):
				input.Step = StepPreAnalysis
			case IsImage(input.MimeType):
				if err := o.logStep(ctx, input, persistence.ProcessScaling); err != nil {
					return nil, err
				}
				if err := o.spawnAndWait(ctx, job, input, queue.ImageScaling, StepWaitExtraction); err != nil {
					return nil, err
				}
			case IsTextFamily(input.MimeType):
				if err := o.logStep(ctx, input, persistence.ProcessExtracting); err != nil {
					return nil, err
				}
				if err := o.spawnAndWait(ctx, job, input, queue.TxtSimpleExtract, StepWaitTextExtraction); err != nil {
					return nil, err
				}
			case IsOfficeFamily(input.MimeType):
				if err := o.logStep(ctx, input, persistence.ProcessConverting); err != nil {
					return nil, err
				}
				if err := o.spawnAndWait(ctx, job, input, queue.FormatConversion, StepWaitConversion); err != nil {
					return nil, err
				}
			default:
				input.Step = StepClassify
			}

		case StepPreAnalysis:
			if err := o.logStep(ctx, input, persistence.ProcessPreAnalyzing); err != nil {
				return nil, err
			}
			if err := o.spawnAndWait(ctx, job, input, queue.PDFPreAnalysis, StepWaitPreAnalysis); err != nil {
				return nil, err
			}

		case StepWaitPreAnalysis:
			values, err := o.broker.ChildrenValues(ctx, job)
			if err != nil {
				return nil, err
			}
			var pa PreAnalysisResult
			if err := decodeChild(values, queue.PDFPreAnalysis, &pa); err != nil {
				return nil, err
			}
			input.PreAnalysis = &pa
			input.Step = StepRouting

		case StepRouting:
			pa := input.PreAnalysis
			if pa == nil {
				return nil, fmt.Errorf("routing without pre-analysis for %s", input.DocumentID)
			}
			switch {
			case pa.IsMultiDocument:
				if err := o.logStep(ctx, input, persistence.ProcessSplitting); err != nil {
					return nil, err
				}
				if err := o.spawnAndWait(ctx, job, input, queue.PDFSplitter, StepWaitExtraction); err != nil {
					return nil, err
				}
			case pa.TextQuality == QualityGood || pa.TextQuality == QualityBest:
				if err := o.logStep(ctx, input, persistence.ProcessExtracting); err != nil {
					return nil, err
				}
				if err := o.spawnAndWait(ctx, job, input, queue.PDFSimpleExtract, StepWaitExtraction); err != nil {
					return nil, err
				}
			default:
				if err := o.logStep(ctx, input, persistence.ProcessScaling); err != nil {
					return nil, err
				}
				if err := o.spawnAndWait(ctx, job, input, queue.ImageScaling, StepWaitExtraction); err != nil {
					return nil, err
				}
			}

		case StepWaitExtraction:
			if err := o.mergeExtraction(ctx, job, input); err != nil {
				return nil, err
			}

		case StepWaitTextExtraction:
			values, err := o.broker.ChildrenValues(ctx, job)
			if err != nil {
				return nil, err
			}
			var result TxtExtractResult
			if err := decodeChild(values, queue.TxtSimpleExtract, &result); err != nil {
				return nil, err
			}
			if result.Text == "" {
				o.reject(input, RejectNoUsableText)
				continue
			}
			input.ExtractedText = result.Text
			input.ExtractionMethod = ExtractionPDF
			input.Step = StepClassify

		case StepWaitConversion:
			values, err := o.broker.ChildrenValues(ctx, job)
			if err != nil {
				return nil, err
			}
			var result ConversionResult
			if err := decodeChild(values, queue.FormatConversion, &result); err != nil {
				return nil, err
			}
			switch {
			case result.ExtractedText != "":
				input.ExtractedText = result.ExtractedText
				input.ExtractionMethod = ExtractionPDF
				input.Step = StepClassify
			case result.ConvertedPdfPath != "":
				input.ConvertedPdfPath = result.ConvertedPdfPath
				input.MimeType = "application/pdf"
				input.Step = StepPreAnalysis
			default:
				o.reject(input, RejectConversionFailed)
			}

		case StepWaitPreFilter:
			values, err := o.broker.ChildrenValues(ctx, job)
			if err != nil {
				return nil, err
			}
			var result PrefilterResult
			if err := decodeChild(values, queue.ImagePrefilter, &result); err != nil {
				return nil, err
			}
			if !result.HasText {
				o.reject(input, RejectNoTextInImage)
				continue
			}
			if err := o.logStep(ctx, input, persistence.ProcessExtracting); err != nil {
				return nil, err
			}
			if err := o.spawnAndWait(ctx, job, input, queue.LLMOCR, StepWaitExtraction); err != nil {
				return nil, err
			}

		case StepClassify:
			if input.ExtractedText == "" {
				o.reject(input, RejectNoUsableText)
				continue
			}
			if err := o.logStep(ctx, input, persistence.ProcessClassifying); err != nil {
				return nil, err
			}
			if err := o.spawnAndWait(ctx, job, input, queue.LLMClassify, StepWaitClassify); err != nil {
				return nil, err
			}

		case StepWaitClassify:
			values, err := o.broker.ChildrenValues(ctx, job)
			if err != nil {
				return nil, err
			}
			var result taxonomy.ClassificationResult
			if err := decodeChild(values, queue.LLMClassify, &result); err != nil {
				return nil, err
			}
			input.Classification = &result
			if t := result.DocumentType; t == taxonomy.TypeIrrelevant || t == taxonomy.TypeUnclassified {
				o.reject(input, t)
				continue
			}
			input.Step = StepNormalize

		case StepNormalize:
			if err := o.logStep(ctx, input, persistence.ProcessNormalizing); err != nil {
				return nil, err
			}
			if err := o.spawnAndWait(ctx, job, input, queue.LLMNormalize, StepWaitNormalize); err != nil {
				return nil, err
			}

		case StepWaitNormalize:
			input.Step = StepFinalize

		case StepFinalize:
			return o.finalize(ctx, job, input)

		default:
			return nil, fmt.Errorf("orchestrator in unknown step %q for %s", input.Step, input.DocumentID)
		}
	}
}

// spawnAndWait enqueues the child for queueName with a snapshot of the
// current input, then parks the parent in nextStep. It returns
// queue.ErrWaitingChildren (wrapped through the caller) when the parent
// actually suspended; when the child is already terminal the parent continues
// on the same tick.
func (o *Orchestrator) spawnAndWait(ctx context.Context, job *queue.Job, input *SubtaskInput, queueName, nextStep string) error {
	snapshot, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("failed to snapshot input for %s: %w", queueName, err)
	}
	child := &queue.Job{
		ID:                  queue.ChildID(input.DocumentID, queueName),
		Name:                queueName,
		Data:                snapshot,
		ParentID:            job.ID,
		ParentQueue:         job.Queue,
		FailParentOnFailure: true,
		Priority:            input.Priority,
	}
	if err := o.broker.Enqueue(ctx, queueName, child); err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", queueName, err)
	}

	input.Step = nextStep
	if err := o.broker.UpdateJobData(ctx, job, input); err != nil {
		return err
	}
	moved, err := o.broker.MoveToWaitingChildren(ctx, job)
	if err != nil {
		return err
	}
	if moved {
		return queue.ErrWaitingChildren
	}
	return nil
}

// mergeExtraction is the WaitExtraction merge: it inspects which children
// have finished and picks the next transition.
func (o *Orchestrator) mergeExtraction(ctx context.Context, job *queue.Job, input *SubtaskInput) error {
	values, err := o.broker.ChildrenValues(ctx, job)
	if err != nil {
		return err
	}

	// A completed split ends the parent's pipeline: the children run their
	// own.
	if raw, ok := values[queue.PDFSplitter]; ok && !isNullValue(raw) {
		input.SplitCompleted = true
		input.Step = StepFinalize
		return nil
	}

	// Scaled image with no OCR yet: run the cheap text prefilter before
	// paying for OCR.
	_, hasOCR := values[queue.LLMOCR]
	if raw, ok := values[queue.ImageScaling]; ok && !hasOCR &&
		(IsImage(input.MimeType) || (input.PreAnalysis != nil && input.PreAnalysis.needsOCR())) {
		var scaling ScalingResult
		if err := json.Unmarshal(raw, &scaling); err != nil {
			return fmt.Errorf("failed to decode image-scaling result: %w", err)
		}
		input.ScaledImagePaths = scaling.ScaledPaths
		if err := o.logStep(ctx, input, persistence.ProcessPreFiltering); err != nil {
			return err
		}
		return o.spawnAndWait(ctx, job, input, queue.ImagePrefilter, StepWaitPreFilter)
	}

	if raw, ok := values[queue.LLMOCR]; ok {
		var ocr OCRTaskResult
		if err := json.Unmarshal(raw, &ocr); err != nil {
			return fmt.Errorf("failed to decode llm-ocr result: %w", err)
		}
		if ocr.RawText == "" {
			o.reject(input, RejectNoUsableText)
			return nil
		}
		input.ExtractedText = ocr.RawText
		input.ExtractionMethod = ExtractionVision
		input.Step = StepClassify
		return nil
	}

	if raw, ok := values[queue.PDFSimpleExtract]; ok {
		var extract SimpleExtractResult
		if err := json.Unmarshal(raw, &extract); err != nil {
			return fmt.Errorf("failed to decode pdf-simple-extract result: %w", err)
		}
		if extract.Text == "" {
			o.reject(input, RejectNoUsableText)
			return nil
		}
		input.ExtractedText = extract.Text
		input.ExtractionMethod = ExtractionPDF
		input.Step = StepClassify
		return nil
	}

	return fmt.Errorf("extraction merge found no extractor result for %s", input.DocumentID)
}

func (o *Orchestrator) reject(input *SubtaskInput, reason string) {
	input.IsRejected = true
	input.RejectionReason = reason
	input.Step = StepFinalize
}

func (o *Orchestrator) logStep(ctx context.Context, input *SubtaskInput, processStatus string) error {
	return o.persist.LogProcessStep(ctx, input.DocumentID, processStatus, nil)
}

func decodeChild(values map[string]json.RawMessage, queueName string, out any) error {
	raw, ok := values[queueName]
	if !ok {
		return fmt.Errorf("missing %s result", queueName)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", queueName, err)
	}
	return nil
}

func isNullValue(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
