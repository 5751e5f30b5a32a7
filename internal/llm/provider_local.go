package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
)

// localMu serializes all calls to local model servers in this process. Local
// inference hosts cannot run concurrent requests without exhausting memory.
var localMu sync.Mutex

// localProvider targets a local model server (Ollama-shaped API). Requests
// are serialized through localMu, and the generic response_format is mapped
// to the server's native format field.
type localProvider struct {
	baseURL    string
	numCtx     int
	httpClient *http.Client
}

func newLocalProvider(baseURL string, numCtx int) *localProvider {
	return &localProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		numCtx:     numCtx,
		httpClient: newHTTPClient(),
	}
}

type localChatRequest struct {
	Model    string        `json:"model"`
	Messages []localMsg    `json:"messages"`
	Stream   bool          `json:"stream"`
	Format   any           `json:"format,omitempty"` // "json" or a schema object
	Options  *localOptions `json:"options,omitempty"`
}

type localMsg struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"` // base64, no data-URL wrapper
}

type localOptions struct {
	NumCtx      int     `json:"num_ctx,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
	Temperature float64 `json:"temperature"`
}

type localChatResponse struct {
	Model   string `json:"model"`
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Error           string `json:"error"`
}

func (p *localProvider) Chat(ctx context.Context, req Request, opts Options, model string) (*Response, error) {
	localMu.Lock()
	defer localMu.Unlock()

	user := localMsg{Role: "user", Content: req.UserPrompt}
	if len(req.Image) > 0 {
		user.Images = []string{base64Encode(req.Image)}
	}

	body := localChatRequest{
		Model:    model,
		Messages: []localMsg{{Role: "system", Content: req.SystemPrompt}, user},
		Stream:   false,
		Format:   mapLocalFormat(opts.ResponseFormat),
		Options: &localOptions{
			NumCtx:      p.numCtx,
			NumPredict:  opts.maxTokens(),
			Temperature: opts.temperature(),
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var out localChatResponse
	if err := postJSON(ctx, p.httpClient, p.baseURL+"/api/chat", "", payload, &out); err != nil {
		return nil, err
	}
	if out.Error != "" {
		return nil, fmt.Errorf("API error: %s", out.Error)
	}
	resp := &Response{
		Content: strings.TrimSpace(out.Message.Content),
		Model:   out.Model,
		Usage: &Usage{
			PromptTokens:     out.PromptEvalCount,
			CompletionTokens: out.EvalCount,
		},
	}
	if resp.Model == "" {
		resp.Model = model
	}
	return resp, nil
}

// mapLocalFormat translates the OpenAI-style response_format into the local
// server's format field: json_schema carries the raw schema, json_object
// becomes the plain "json" mode.
func mapLocalFormat(rf *ResponseFormat) any {
	if rf == nil {
		return nil
	}
	switch rf.Type {
	case "json_schema":
		if rf.JSONSchema != nil {
			return rf.JSONSchema.Schema
		}
		return "json"
	case "json_object":
		return "json"
	default:
		return nil
	}
}
