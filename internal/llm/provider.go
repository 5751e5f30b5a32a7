package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// chatProvider is implemented by the variants that answer chat/vision calls.
type chatProvider interface {
	Chat(ctx context.Context, req Request, opts Options, model string) (*Response, error)
}

// ---- OpenAI-shaped wire format ----

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string, or []contentPart for vision
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *wireUsage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// buildMessages assembles the system/user message pair, embedding image bytes
// as a data URL for vision requests.
func buildMessages(req Request) []chatMessage {
	user := chatMessage{Role: "user"}
	if len(req.Image) > 0 {
		user.Content = []contentPart{
			{Type: "text", Text: req.UserPrompt},
			{Type: "image_url", ImageURL: &imageURL{URL: dataURL(req.ImageMime, req.Image)}},
		}
	} else {
		user.Content = req.UserPrompt
	}
	return []chatMessage{
		{Role: "system", Content: req.SystemPrompt},
		user,
	}
}

// postJSON issues a JSON POST and decodes the response into out. Non-2xx
// responses surface as an error carrying the status and body so the
// dispatcher can detect 429s.
func postJSON(ctx context.Context, client *http.Client, url, apiKey string, body []byte, out any) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("API request failed with status (%d): %s", resp.StatusCode, respBody)
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Minute}
}
