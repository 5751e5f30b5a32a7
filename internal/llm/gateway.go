package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"docgather/internal/config"
	"docgather/internal/metrics"
)

// Gateway fronts the configured providers with per-task routing and
// transparent response caching.
type Gateway struct {
	cfg        config.LLMConfig
	cache      *Cache
	dispatcher *Dispatcher
	coalescer  *Coalescer
	logger     *zap.Logger

	chat map[config.Task]chatProvider
	ocr  *ocrProvider
}

// NewGateway wires providers from config. The dispatcher and coalescer are
// the process-wide singletons.
func NewGateway(cfg config.LLMConfig, logger *zap.Logger) (*Gateway, error) {
	g := &Gateway{
		cfg:        cfg,
		cache:      NewCache(cfg.CacheDir, logger),
		dispatcher: Shared(cfg.MistralMaxRPS),
		logger:     logger,
		chat:       make(map[config.Task]chatProvider),
	}

	for _, task := range []config.Task{config.TaskText, config.TaskVision, config.TaskOCR} {
		tc := cfg.TaskConfigFor(task)
		switch tc.Provider {
		case config.ProviderGeneric:
			g.chat[task] = newGenericProvider(tc.Endpoint, g.apiKeyFor(tc.Endpoint), nil)
		case config.ProviderRateLimited:
			g.chat[task] = newGenericProvider(tc.Endpoint, g.apiKeyFor(tc.Endpoint), g.dispatcher)
		case config.ProviderLocalSerialized:
			g.chat[task] = newLocalProvider(tc.Endpoint, cfg.NumCtx)
		case config.ProviderOCREndpoint:
			if task != config.TaskOCR {
				return nil, fmt.Errorf("provider %s only serves the ocr task, got %s", tc.Provider, task)
			}
			g.ocr = newOCRProvider(tc.Endpoint, g.apiKeyFor(tc.Endpoint), g.dispatcher)
			if cfg.BatchOCREnabled {
				g.coalescer = SharedCoalescer(g.ocr, g.dispatcher, logger)
			}
		default:
			return nil, fmt.Errorf("unknown provider %q for task %s", tc.Provider, task)
		}
	}
	return g, nil
}

// apiKeyFor picks the credential matching an endpoint host.
func (g *Gateway) apiKeyFor(endpoint string) string {
	if strings.Contains(endpoint, "ovh") {
		return g.cfg.OVHAPIKey
	}
	return g.cfg.MistralAPIKey
}

// Text runs a chat completion on the text task provider.
func (g *Gateway) Text(ctx context.Context, systemPrompt, userPrompt string, opts Options) (*Response, error) {
	req := Request{SystemPrompt: systemPrompt, UserPrompt: userPrompt}
	return g.chatCall(ctx, config.TaskText, req, opts, "chat")
}

// Vision runs a chat completion with an image on the vision task provider.
func (g *Gateway) Vision(ctx context.Context, systemPrompt string, image []byte, mime string, opts Options) (*Response, error) {
	req := Request{SystemPrompt: systemPrompt, Image: image, ImageMime: mime, FileID: opts.FileID}
	return g.chatCall(ctx, config.TaskVision, req, opts, "vision")
}

// OCR extracts text from an image. On the dedicated OCR endpoint the result
// pages are wrapped into the engine's OCR envelope so downstream validation
// is uniform across providers; on chat-capable providers this is a vision
// call with the OCR system prompt.
func (g *Gateway) OCR(ctx context.Context, systemPrompt string, image []byte, mime string, opts Options) (*Response, error) {
	if g.cfg.OCR.Provider == config.ProviderOCREndpoint {
		return g.ocrEndpointCall(ctx, systemPrompt, image, mime, opts)
	}
	req := Request{SystemPrompt: systemPrompt, Image: image, ImageMime: mime, FileID: opts.FileID}
	return g.chatCall(ctx, config.TaskOCR, req, opts, "ocr")
}

// Upload stores document bytes as a provider file for later reuse.
func (g *Gateway) Upload(ctx context.Context, documentID string, data []byte, mime, purpose string) (string, error) {
	if g.ocr == nil {
		return "", fmt.Errorf("no provider with file storage configured")
	}
	ext := "bin"
	if i := strings.LastIndex(mime, "/"); i >= 0 && i < len(mime)-1 {
		ext = mime[i+1:]
	}
	return g.ocr.Upload(ctx, fmt.Sprintf("document-%s.%s", documentID, ext), data, purpose)
}

// Delete removes a provider file. Best-effort callers ignore the error.
func (g *Gateway) Delete(ctx context.Context, fileID string) error {
	if g.ocr == nil {
		return fmt.Errorf("no provider with file storage configured")
	}
	return g.ocr.DeleteFile(ctx, fileID)
}

// ListFiles enumerates provider files for a purpose.
func (g *Gateway) ListFiles(ctx context.Context, purpose string) ([]ProviderFile, error) {
	if g.ocr == nil {
		return nil, fmt.Errorf("no provider with file storage configured")
	}
	return g.ocr.ListFiles(ctx, purpose)
}

func (g *Gateway) chatCall(ctx context.Context, task config.Task, req Request, opts Options, defaultPrefix string) (*Response, error) {
	provider, ok := g.chat[task]
	if !ok {
		return nil, fmt.Errorf("no chat provider configured for task %s", task)
	}
	model := opts.Model
	if model == "" {
		model = g.cfg.TaskConfigFor(task).Model
	}
	prefix := opts.CachePrefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	return g.withCache(req, model, prefix, opts, func() (*Response, error) {
		return provider.Chat(ctx, req, opts, model)
	})
}

func (g *Gateway) ocrEndpointCall(ctx context.Context, systemPrompt string, image []byte, mime string, opts Options) (*Response, error) {
	model := opts.Model
	if model == "" {
		model = g.cfg.OCR.Model
	}
	prefix := opts.CachePrefix
	if prefix == "" {
		prefix = "ocr"
	}

	doc := OCRDocument{Type: "image_url", ImageURL: dataURL(mime, image)}
	if opts.FileID != "" {
		doc = OCRDocument{Type: "file", FileID: opts.FileID}
	}

	req := Request{SystemPrompt: systemPrompt, Image: image, ImageMime: mime, FileID: opts.FileID}
	return g.withCache(req, model, prefix, opts, func() (*Response, error) {
		var result *OCRResult
		var err error
		if g.coalescer != nil {
			result, err = g.coalescer.Execute(ctx, doc, model)
		} else {
			result, err = g.ocr.OCRDirect(ctx, doc, model)
		}
		if err != nil {
			return nil, err
		}
		return wrapOCRResult(result, model), nil
	})
}

// wrapOCRResult folds endpoint pages into the engine's OCR envelope.
func wrapOCRResult(result *OCRResult, model string) *Response {
	var sb strings.Builder
	for i, page := range result.Pages {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(page.Markdown)
	}
	envelope, _ := json.Marshal(map[string]any{
		"extractedText": map[string]any{
			"contentType": "raw",
			"content":     sb.String(),
		},
	})
	pages := result.UsageInfo.PagesProcessed
	if pages == 0 {
		pages = len(result.Pages)
	}
	respModel := result.Model
	if respModel == "" {
		respModel = model
	}
	return &Response{
		Content: string(envelope),
		Model:   respModel,
		Usage:   &Usage{Pages: pages},
	}
}

// withCache applies the read-through cache policy around a provider call.
func (g *Gateway) withCache(req Request, model, prefix string, opts Options, call func() (*Response, error)) (*Response, error) {
	useCache := g.cfg.CacheEnabled && !opts.SkipCache && g.cache.Enabled()
	if useCache {
		if resp, ok := g.cache.Get(req, model, prefix); ok {
			metrics.LLMCacheHits.WithLabelValues(prefix).Inc()
			return resp, nil
		}
		metrics.LLMCacheMisses.WithLabelValues(prefix).Inc()
	}
	resp, err := call()
	if err != nil {
		return nil, err
	}
	if useCache {
		if err := g.cache.Set(req, model, prefix, resp); err != nil {
			g.logger.Warn("failed to store LLM cache entry", zap.Error(err))
		}
	}
	return resp, nil
}
