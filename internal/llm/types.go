// Package llm is the unified gateway in front of the configured model
// providers. It offers text, vision and OCR calls with transparent response
// caching, a process-wide rate-limited dispatcher, and an opportunistic
// batching window for OCR.
package llm

import (
	"encoding/base64"
	"fmt"
)

// Usage reports token and page consumption for one call.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	Pages            int `json:"pages,omitempty"`
}

// Response is the gateway's uniform envelope across providers.
type Response struct {
	Content string `json:"content"`
	Model   string `json:"model"`
	Usage   *Usage `json:"usage,omitempty"`
	Cached  bool   `json:"cached,omitempty"`
}

// Request carries the cacheable identity of one call: the system prompt plus
// either a user prompt, image bytes, or a provider file id.
type Request struct {
	SystemPrompt string
	UserPrompt   string
	Image        []byte
	ImageMime    string
	FileID       string
}

// contentKey returns the content half of the cache key. File-id requests are
// not cacheable: their identity is extrinsic to the request content.
func (r Request) contentKey() (string, bool) {
	if r.FileID != "" {
		return "", false
	}
	if len(r.Image) > 0 {
		return base64.StdEncoding.EncodeToString(r.Image), true
	}
	return r.UserPrompt, true
}

// JSONSchemaFormat names a strict response schema in the OpenAI wire shape.
type JSONSchemaFormat struct {
	Name   string         `json:"name"`
	Strict bool           `json:"strict,omitempty"`
	Schema map[string]any `json:"schema"`
}

// ResponseFormat selects json_object or json_schema structured output.
type ResponseFormat struct {
	Type       string            `json:"type"`
	JSONSchema *JSONSchemaFormat `json:"json_schema,omitempty"`
}

// Options tune a single gateway call.
type Options struct {
	// Model overrides the configured per-task model.
	Model string
	// Temperature defaults to 0.1; tasks that need exact output pass 0.
	Temperature *float64
	// MaxTokens defaults to 4096.
	MaxTokens int
	// SkipCache bypasses cache read and write.
	SkipCache bool
	// CachePrefix namespaces the cache (classify, normalize/<type>, ocr, ...).
	CachePrefix string
	// ResponseFormat requests structured output.
	ResponseFormat *ResponseFormat
	// FileID reuses a previously uploaded provider file instead of bytes.
	FileID string
}

const (
	defaultTemperature = 0.1
	defaultMaxTokens   = 4096
)

func (o Options) temperature() float64 {
	if o.Temperature != nil {
		return *o.Temperature
	}
	return defaultTemperature
}

func (o Options) maxTokens() int {
	if o.MaxTokens > 0 {
		return o.MaxTokens
	}
	return defaultMaxTokens
}

// Temp is a convenience for building Options literals.
func Temp(v float64) *float64 { return &v }

// ProviderFile describes a file stored at a provider.
type ProviderFile struct {
	ID        string `json:"id"`
	Filename  string `json:"filename"`
	Purpose   string `json:"purpose"`
	CreatedAt int64  `json:"created_at"`
}

// dataURL encodes bytes as a data URL for vision/OCR payloads.
func dataURL(mime string, data []byte) string {
	return fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(data))
}
