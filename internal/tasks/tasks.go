// Package tasks implements the subtask workers: one single-purpose processor
// per queue, each consuming a pipeline.SubtaskInput snapshot and returning
// its typed result.
package tasks

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"docgather/internal/config"
	"docgather/internal/llm"
	"docgather/internal/persistence"
	"docgather/internal/pipeline"
	"docgather/internal/queue"
	"docgather/internal/storage"
	"docgather/internal/taxonomy"
)

// BlobStore is the slice of the storage facade the workers use.
type BlobStore interface {
	Download(ctx context.Context, documentID, role string) ([]byte, error)
	Upload(ctx context.Context, documentID, role string, data []byte, mime string) (*storage.UploadResult, error)
}

// LLMGateway is the slice of the model gateway the LLM workers use.
type LLMGateway interface {
	Text(ctx context.Context, systemPrompt, userPrompt string, opts llm.Options) (*llm.Response, error)
	Vision(ctx context.Context, systemPrompt string, image []byte, mime string, opts llm.Options) (*llm.Response, error)
	OCR(ctx context.Context, systemPrompt string, image []byte, mime string, opts llm.Options) (*llm.Response, error)
	Upload(ctx context.Context, documentID string, data []byte, mime, purpose string) (string, error)
	Delete(ctx context.Context, fileID string) error
	ListFiles(ctx context.Context, purpose string) ([]llm.ProviderFile, error)
}

// TaskPersister is the slice of the persistence facade the workers use.
type TaskPersister interface {
	UpdateDocumentFile(ctx context.Context, update persistence.FileUpdate) (string, error)
	CreateChildDocument(ctx context.Context, parentID, ownerID string, pageRange []int, typeHint string) (string, error)
	EncryptJSONB(ctx context.Context, data any, masterKeyVersion int) (json.RawMessage, error)
	UpdateDocumentPrivate(ctx context.Context, documentID string, encryptedData, encryptedMetadata json.RawMessage, masterKeyVersion int) error
}

// UsageRecorder accumulates LLM usage for billing.
type UsageRecorder interface {
	Record(documentID string, resp *llm.Response)
}

// Enqueuer publishes follow-up jobs (split children, cleanup reschedules).
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName string, job *queue.Job) error
}

// Workers holds the shared collaborators of every subtask handler.
type Workers struct {
	store    BlobStore
	persist  TaskPersister
	gateway  LLMGateway
	billing  UsageRecorder
	registry *taxonomy.Registry
	broker   Enqueuer
	runner   Runner
	cfg      config.Config
	logger   *zap.Logger
}

// New wires the worker set.
func New(store BlobStore, persist TaskPersister, gateway LLMGateway, billing UsageRecorder, registry *taxonomy.Registry, broker Enqueuer, runner Runner, cfg config.Config, logger *zap.Logger) *Workers {
	return &Workers{
		store:    store,
		persist:  persist,
		gateway:  gateway,
		billing:  billing,
		registry: registry,
		broker:   broker,
		runner:   runner,
		cfg:      cfg,
		logger:   logger,
	}
}

// Handlers maps every subtask queue to its handler.
func (w *Workers) Handlers() map[string]queue.Handler {
	return map[string]queue.Handler{
		queue.FormatConversion: w.FormatConversion,
		queue.PDFPreAnalysis:   w.PDFPreAnalysis,
		queue.PDFSimpleExtract: w.PDFSimpleExtract,
		queue.TxtSimpleExtract: w.TxtSimpleExtract,
		queue.ImageScaling:     w.ImageScaling,
		queue.ImagePrefilter:   w.ImagePrefilter,
		queue.LLMOCR:           w.LLMOCR,
		queue.LLMClassify:      w.LLMClassify,
		queue.LLMNormalize:     w.LLMNormalize,
		queue.PDFSplitter:      w.PDFSplitter,
		queue.MistralCleanup:   w.MistralCleanup,
	}
}

func parseInput(job *queue.Job) (*pipeline.SubtaskInput, error) {
	return pipeline.ParseInput(job.Data)
}
