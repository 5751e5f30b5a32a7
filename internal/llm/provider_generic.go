package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// genericProvider speaks the OpenAI-shaped chat wire format with bearer auth.
// With a dispatcher attached it becomes the rate-limited variant: every call
// is funneled through the process-wide FIFO.
type genericProvider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	dispatcher *Dispatcher // nil for the direct variant
}

func newGenericProvider(baseURL, apiKey string, dispatcher *Dispatcher) *genericProvider {
	return &genericProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: newHTTPClient(),
		dispatcher: dispatcher,
	}
}

func (p *genericProvider) Chat(ctx context.Context, req Request, opts Options, model string) (*Response, error) {
	if p.apiKey == "" {
		return nil, fmt.Errorf("API key not configured")
	}

	body := chatRequest{
		Model:          model,
		Messages:       buildMessages(req),
		MaxTokens:      opts.maxTokens(),
		Temperature:    opts.temperature(),
		ResponseFormat: opts.ResponseFormat,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	call := func() (*Response, error) {
		var out chatResponse
		if err := postJSON(ctx, p.httpClient, p.baseURL+"/chat/completions", p.apiKey, payload, &out); err != nil {
			return nil, err
		}
		if out.Error != nil {
			return nil, fmt.Errorf("API error: %s", out.Error.Message)
		}
		if len(out.Choices) == 0 {
			return nil, fmt.Errorf("no completion returned")
		}
		resp := &Response{
			Content: strings.TrimSpace(out.Choices[0].Message.Content),
			Model:   out.Model,
		}
		if resp.Model == "" {
			resp.Model = model
		}
		if out.Usage != nil {
			resp.Usage = &Usage{
				PromptTokens:     out.Usage.PromptTokens,
				CompletionTokens: out.Usage.CompletionTokens,
			}
		}
		return resp, nil
	}

	if p.dispatcher != nil {
		return p.dispatcher.Do(ctx, len(payload), call)
	}
	return call()
}
