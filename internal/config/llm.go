package config

import "os"

// Task identifies the three LLM task slots the gateway routes on.
type Task string

const (
	TaskOCR    Task = "ocr"
	TaskText   Task = "text"
	TaskVision Task = "vision"
)

// ProviderKind is the tagged provider variant a task is bound to.
type ProviderKind string

const (
	// ProviderGeneric is an OpenAI-shaped chat endpoint with bearer auth.
	ProviderGeneric ProviderKind = "generic"
	// ProviderRateLimited is the generic wire format dispatched through the
	// process-wide rate-limited dispatcher.
	ProviderRateLimited ProviderKind = "rate-limited"
	// ProviderLocalSerialized targets a local model server; all calls are
	// serialized through one mutex to avoid OOM on the host.
	ProviderLocalSerialized ProviderKind = "local-serialized"
	// ProviderOCREndpoint posts {model, document} to a dedicated OCR
	// endpoint and may opt into the batch coalescer.
	ProviderOCREndpoint ProviderKind = "ocr-endpoint"
)

// TaskConfig binds one task slot to a provider, model and endpoint.
type TaskConfig struct {
	Provider ProviderKind // LLM_<TASK>_PROVIDER
	Model    string       // LLM_<TASK>_MODEL
	Endpoint string       // LLM_<TASK>_ENDPOINT
}

// LLMConfig configures the gateway, response cache and provider credentials.
type LLMConfig struct {
	CacheEnabled bool   // LLM_CACHE_ENABLED
	CacheDir     string // LLM_CACHE_DIR
	NumCtx       int    // LLM_NUM_CTX, context length hint for local models

	OCR    TaskConfig
	Text   TaskConfig
	Vision TaskConfig

	MistralAPIKey string // MISTRAL_API_KEY
	OVHAPIKey     string // OVH_AI_API_KEY

	// MistralMaxRPS bounds the rate-limited dispatcher (default 1).
	MistralMaxRPS int // MISTRAL_MAX_RPS

	// BatchOCREnabled routes OCR through the batch coalescer.
	BatchOCREnabled bool // MISTRAL_BATCH_OCR_ENABLED
}

// DefaultLLM returns the LLM defaults applied before env overrides.
func DefaultLLM() LLMConfig {
	return LLMConfig{
		CacheDir:      "/tmp/docgather-llm-cache",
		NumCtx:        32768,
		MistralMaxRPS: 1,
		OCR: TaskConfig{
			Provider: ProviderOCREndpoint,
			Model:    "mistral-ocr-latest",
			Endpoint: "https://api.mistral.ai",
		},
		Text: TaskConfig{
			Provider: ProviderRateLimited,
			Model:    "mistral-small-latest",
			Endpoint: "https://api.mistral.ai/v1",
		},
		Vision: TaskConfig{
			Provider: ProviderRateLimited,
			Model:    "pixtral-12b-latest",
			Endpoint: "https://api.mistral.ai/v1",
		},
	}
}

// TaskConfigFor returns the binding for a task slot.
func (c LLMConfig) TaskConfigFor(task Task) TaskConfig {
	switch task {
	case TaskOCR:
		return c.OCR
	case TaskVision:
		return c.Vision
	default:
		return c.Text
	}
}

func (c *LLMConfig) applyEnv() error {
	c.CacheEnabled = getenvBool("LLM_CACHE_ENABLED", c.CacheEnabled)
	c.CacheDir = getenv("LLM_CACHE_DIR", c.CacheDir)
	c.MistralAPIKey = os.Getenv("MISTRAL_API_KEY")
	c.OVHAPIKey = os.Getenv("OVH_AI_API_KEY")
	c.BatchOCREnabled = getenvBool("MISTRAL_BATCH_OCR_ENABLED", c.BatchOCREnabled)

	var err error
	if c.NumCtx, err = getenvInt("LLM_NUM_CTX", c.NumCtx); err != nil {
		return err
	}
	if c.MistralMaxRPS, err = getenvInt("MISTRAL_MAX_RPS", c.MistralMaxRPS); err != nil {
		return err
	}
	applyTaskEnv("OCR", &c.OCR)
	applyTaskEnv("TEXT", &c.Text)
	applyTaskEnv("VISION", &c.Vision)
	return nil
}

func applyTaskEnv(name string, tc *TaskConfig) {
	if v := os.Getenv("LLM_" + name + "_PROVIDER"); v != "" {
		tc.Provider = ProviderKind(v)
	}
	tc.Model = getenv("LLM_"+name+"_MODEL", tc.Model)
	tc.Endpoint = getenv("LLM_"+name+"_ENDPOINT", tc.Endpoint)
}
