// Package storage talks to the edge facade that owns blob upload/download
// (and all at-rest encryption), and keeps a per-worker temp-disk cache of
// downloaded blobs so sibling subtasks of one document don't re-fetch.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// File roles. A document holds at most one blob per role.
const (
	RoleOriginal      = "original"
	RoleConvertedPDF  = "converted_pdf"
	RoleLLMOptimized  = "llm_optimized"
	RoleExtractedText = "extracted_text"
	RoleRedacted      = "redacted"
)

// UploadResult is the facade's receipt for a stored blob.
type UploadResult struct {
	StoragePath string `json:"storage_path"`
	ContentHash string `json:"content_hash"`
}

// EdgeClient is the HTTP client for the storage facade. Decryption and
// encryption happen behind the facade; this client only moves plaintext
// bytes over the authenticated channel.
type EdgeClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewEdgeClient builds a facade client for the given base URL and API key.
func NewEdgeClient(baseURL, apiKey string, logger *zap.Logger) *EdgeClient {
	return &EdgeClient{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 2 * time.Minute},
		logger:     logger,
	}
}

func (c *EdgeClient) fileURL(documentID, role string) string {
	return fmt.Sprintf("%s/files/%s/%s", c.baseURL, url.PathEscape(documentID), url.PathEscape(role))
}

// Download fetches the decrypted bytes for one (document, role) slot.
func (c *EdgeClient) Download(ctx context.Context, documentID, role string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.fileURL(documentID, role), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create download request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read download body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("storage download failed with status (%d): %s", resp.StatusCode, string(body))
	}
	return body, nil
}

// Upload stores bytes into one (document, role) slot, replacing any previous
// blob for that role. The facade encrypts and upserts the file record.
func (c *EdgeClient) Upload(ctx context.Context, documentID, role string, data []byte, mime string) (*UploadResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.fileURL(documentID, role), bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", mime)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload body: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("storage upload failed with status (%d): %s", resp.StatusCode, string(body))
	}

	var result UploadResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse upload result: %w", err)
	}
	c.logger.Debug("uploaded blob",
		zap.String("document", documentID),
		zap.String("role", role),
		zap.Int("bytes", len(data)))
	return &result, nil
}
