package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
)

// OCRDocument is the document payload for the dedicated OCR endpoint: either
// an inline data URL or a previously uploaded provider file.
type OCRDocument struct {
	Type        string `json:"type"` // image_url | file
	ImageURL    string `json:"image_url,omitempty"`
	DocumentURL string `json:"document_url,omitempty"`
	FileID      string `json:"file_id,omitempty"`
}

// OCRPage is one page of OCR output.
type OCRPage struct {
	Index    int    `json:"index"`
	Markdown string `json:"markdown"`
}

// OCRResult is the raw OCR endpoint response.
type OCRResult struct {
	Pages     []OCRPage `json:"pages"`
	Model     string    `json:"model"`
	UsageInfo struct {
		PagesProcessed int `json:"pages_processed"`
	} `json:"usage_info"`
}

// BatchRequest is one entry of a batch OCR job.
type BatchRequest struct {
	CustomID string         `json:"custom_id"`
	Body     map[string]any `json:"body"`
}

// BatchJob is the provider's batch job status record.
type BatchJob struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	OutputFile   string `json:"output_file"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// batchTerminal reports whether a batch job status is final.
func batchTerminal(status string) bool {
	switch status {
	case "SUCCESS", "FAILED", "CANCELLED", "TIMEOUT_EXCEEDED":
		return true
	}
	return false
}

// ocrProvider fronts a dedicated OCR endpoint plus its files and batch-jobs
// APIs (Mistral-shaped).
type ocrProvider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	dispatcher *Dispatcher // gates direct (non-batch) OCR calls
}

func newOCRProvider(baseURL, apiKey string, dispatcher *Dispatcher) *ocrProvider {
	return &ocrProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: newHTTPClient(),
		dispatcher: dispatcher,
	}
}

// OCRDirect posts one document through the dispatcher-gated per-request path.
func (p *ocrProvider) OCRDirect(ctx context.Context, doc OCRDocument, model string) (*OCRResult, error) {
	body, err := json.Marshal(map[string]any{"model": model, "document": doc})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	call := func() (*Response, error) {
		var out OCRResult
		if err := postJSON(ctx, p.httpClient, p.baseURL+"/v1/ocr", p.apiKey, body, &out); err != nil {
			return nil, err
		}
		content, err := json.Marshal(out)
		if err != nil {
			return nil, err
		}
		return &Response{Content: string(content), Model: out.Model}, nil
	}

	var resp *Response
	if p.dispatcher != nil {
		resp, err = p.dispatcher.Do(ctx, len(body), call)
	} else {
		resp, err = call()
	}
	if err != nil {
		return nil, err
	}
	var result OCRResult
	if err := json.Unmarshal([]byte(resp.Content), &result); err != nil {
		return nil, fmt.Errorf("failed to parse OCR response: %w", err)
	}
	return &result, nil
}

// CreateBatchJob submits a batch of OCR requests. Batch creation bypasses the
// dispatcher: it is not the per-request pathway.
func (p *ocrProvider) CreateBatchJob(ctx context.Context, model string, reqs []BatchRequest) (string, error) {
	body, err := json.Marshal(map[string]any{
		"model":    model,
		"endpoint": "/v1/ocr",
		"requests": reqs,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal batch job: %w", err)
	}
	var job BatchJob
	if err := postJSON(ctx, p.httpClient, p.baseURL+"/v1/batch/jobs", p.apiKey, body, &job); err != nil {
		return "", err
	}
	if job.ID == "" {
		return "", fmt.Errorf("batch job created without id")
	}
	return job.ID, nil
}

// GetBatchJob fetches a batch job's status.
func (p *ocrProvider) GetBatchJob(ctx context.Context, id string) (*BatchJob, error) {
	var job BatchJob
	if err := p.getJSON(ctx, "/v1/batch/jobs/"+id, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// DownloadFileContent retrieves a provider file's raw content (JSONL for
// batch outputs).
func (p *ocrProvider) DownloadFileContent(ctx context.Context, fileID string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/files/"+fileID+"/content", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API request failed with status (%d): %s", resp.StatusCode, data)
	}
	return data, nil
}

// Upload stores bytes as a provider file and returns its id.
func (p *ocrProvider) Upload(ctx context.Context, filename string, data []byte, purpose string) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("purpose", purpose); err != nil {
		return "", err
	}
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/files", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("API request failed with status (%d): %s", resp.StatusCode, body)
	}
	var file ProviderFile
	if err := json.Unmarshal(body, &file); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	return file.ID, nil
}

// DeleteFile removes a provider file.
func (p *ocrProvider) DeleteFile(ctx context.Context, fileID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, p.baseURL+"/v1/files/"+fileID, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API request failed with status (%d): %s", resp.StatusCode, body)
	}
	return nil
}

// ListFiles enumerates provider files for a purpose.
func (p *ocrProvider) ListFiles(ctx context.Context, purpose string) ([]ProviderFile, error) {
	var out struct {
		Data []ProviderFile `json:"data"`
	}
	path := "/v1/files"
	if purpose != "" {
		path += "?purpose=" + purpose
	}
	if err := p.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (p *ocrProvider) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API request failed with status (%d): %s", resp.StatusCode, body)
	}
	return json.Unmarshal(body, out)
}
