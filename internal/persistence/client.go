// Package persistence is the client for the database's stored procedures.
// Every document mutation goes through these procedures so concurrent worker
// updates serialize at the database, and all at-rest encryption of extracted
// data happens inside the database via the encrypt/decrypt procedures.
package persistence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Document lifecycle statuses.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusProcessed  = "processed"
	StatusErrored    = "errored"
	StatusRejected   = "rejected"
)

// Granular process statuses.
const (
	ProcessPending      = "pending"
	ProcessPreAnalyzing = "pre_analyzing"
	ProcessSplitting    = "splitting"
	ProcessConverting   = "converting"
	ProcessExtracting   = "extracting"
	ProcessScaling      = "scaling"
	ProcessPreFiltering = "pre_filtering"
	ProcessClassifying  = "classifying"
	ProcessNormalizing  = "normalizing"
	ProcessCompleted    = "completed"
	ProcessFailed       = "failed"
	ProcessRejected     = "rejected"
)

// Client calls the stored procedures over the REST RPC surface.
type Client struct {
	baseURL    string
	secretKey  string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient builds an RPC client for the given project URL and secret key.
func NewClient(baseURL, secretKey string, logger *zap.Logger) *Client {
	return &Client{
		baseURL:    baseURL,
		secretKey:  secretKey,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     logger,
	}
}

// rpc posts params to one stored procedure and decodes the result into out
// (skipped when out is nil).
func (c *Client) rpc(ctx context.Context, fn string, params any, out any) error {
	payload, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal %s params: %w", fn, err)
	}
	url := fmt.Sprintf("%s/rest/v1/rpc/%s", c.baseURL, fn)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", fn, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", c.secretKey)
	req.Header.Set("Authorization", "Bearer "+c.secretKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", fn, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", fn, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s failed with status (%d): %s", fn, resp.StatusCode, string(body))
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse %s response: %w", fn, err)
	}
	return nil
}

// DocumentUpdate carries the optional columns worker_update_document accepts.
// Nil fields are omitted and left untouched by the procedure.
type DocumentUpdate struct {
	DocumentType         *string  `json:"p_document_type,omitempty"`
	DocumentSubtype      *string  `json:"p_document_subtype,omitempty"`
	Status               *string  `json:"p_status,omitempty"`
	ProcessStatus        *string  `json:"p_process_status,omitempty"`
	ExtractionConfidence *float64 `json:"p_extraction_confidence,omitempty"`
	DocumentDate         *string  `json:"p_document_date,omitempty"`
	ValidFrom            *string  `json:"p_valid_from,omitempty"`
	ValidUntil           *string  `json:"p_valid_until,omitempty"`
}

// UpdateDocument applies a partial update to the document row.
func (c *Client) UpdateDocument(ctx context.Context, documentID string, update DocumentUpdate) error {
	params := map[string]any{"p_document_id": documentID}
	raw, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("failed to marshal document update: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return fmt.Errorf("failed to flatten document update: %w", err)
	}
	for k, v := range fields {
		params[k] = v
	}
	return c.rpc(ctx, "worker_update_document", params, nil)
}

// FileUpdate is the upsert payload for one (document, role) file record.
type FileUpdate struct {
	DocumentID       string `json:"p_document_id"`
	FileRole         string `json:"p_file_role"`
	StoragePath      string `json:"p_storage_path"`
	MimeType         string `json:"p_mime_type"`
	SizeBytes        int64  `json:"p_size_bytes"`
	ContentHash      string `json:"p_content_hash"`
	Width            *int   `json:"p_width,omitempty"`
	Height           *int   `json:"p_height,omitempty"`
	PageCount        *int   `json:"p_page_count,omitempty"`
	MasterKeyVersion int    `json:"p_master_key_version"`
}

// UpdateDocumentFile upserts the file record for a role and returns its id.
func (c *Client) UpdateDocumentFile(ctx context.Context, update FileUpdate) (string, error) {
	var fileID string
	if err := c.rpc(ctx, "worker_update_document_file", update, &fileID); err != nil {
		return "", err
	}
	return fileID, nil
}

// UpdateDocumentPrivate upserts the encrypted private row for a document.
func (c *Client) UpdateDocumentPrivate(ctx context.Context, documentID string, encryptedData, encryptedMetadata json.RawMessage, masterKeyVersion int) error {
	params := map[string]any{
		"p_document_id":        documentID,
		"p_master_key_version": masterKeyVersion,
	}
	if encryptedData != nil {
		params["p_encrypted_extracted_data"] = encryptedData
	}
	if encryptedMetadata != nil {
		params["p_encrypted_metadata"] = encryptedMetadata
	}
	return c.rpc(ctx, "worker_update_document_private", params, nil)
}

// MarkProcessingComplete records the terminal outcome and appends the final
// process_history entry.
func (c *Client) MarkProcessingComplete(ctx context.Context, documentID, finalStatus string, errorMessage string, details map[string]any) error {
	params := map[string]any{
		"p_document_id":  documentID,
		"p_final_status": finalStatus,
	}
	if errorMessage != "" {
		params["p_error_message"] = errorMessage
	}
	if details != nil {
		params["p_details"] = details
	}
	return c.rpc(ctx, "worker_mark_processing_complete", params, nil)
}

// LogProcessStep transitions process_status and appends a step record.
func (c *Client) LogProcessStep(ctx context.Context, documentID, processStatus string, details map[string]any) error {
	params := map[string]any{
		"p_document_id":    documentID,
		"p_process_status": processStatus,
	}
	if details != nil {
		params["p_step_details"] = details
	}
	return c.rpc(ctx, "worker_log_process_step", params, nil)
}

// IncrementLLMBilling accumulates tokens, pages, and cost into the document's
// llm_billing JSON.
func (c *Client) IncrementLLMBilling(ctx context.Context, documentID string, promptTokens, completionTokens, pages int, cost float64) error {
	return c.rpc(ctx, "worker_increment_llm_billing", map[string]any{
		"p_document_id":       documentID,
		"p_prompt_tokens":     promptTokens,
		"p_completion_tokens": completionTokens,
		"p_pages":             pages,
		"p_cost":              cost,
	}, nil)
}

// CreateChildDocument creates a split child for a page range and returns its
// id.
func (c *Client) CreateChildDocument(ctx context.Context, parentID, ownerID string, pageRange []int, typeHint string) (string, error) {
	var childID string
	err := c.rpc(ctx, "worker_create_child_document", map[string]any{
		"p_parent_id":  parentID,
		"p_owner_id":   ownerID,
		"p_page_range": pageRange,
		"p_type_hint":  typeHint,
	}, &childID)
	if err != nil {
		return "", err
	}
	return childID, nil
}

// EncryptJSONB encrypts a JSON payload under the given master key version.
func (c *Client) EncryptJSONB(ctx context.Context, data any, masterKeyVersion int) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.rpc(ctx, "encrypt_jsonb", map[string]any{
		"p_data":               data,
		"p_master_key_version": masterKeyVersion,
	}, &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DecryptJSONB decrypts a payload produced by EncryptJSONB.
func (c *Client) DecryptJSONB(ctx context.Context, ciphertext json.RawMessage, masterKeyVersion int) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.rpc(ctx, "decrypt_jsonb", map[string]any{
		"p_ciphertext":         ciphertext,
		"p_master_key_version": masterKeyVersion,
	}, &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// EncryptDEK wraps a data encryption key under the master key.
func (c *Client) EncryptDEK(ctx context.Context, dek string, masterKeyVersion int) (string, error) {
	var out string
	err := c.rpc(ctx, "encrypt_dek", map[string]any{
		"p_dek":                dek,
		"p_master_key_version": masterKeyVersion,
	}, &out)
	if err != nil {
		return "", err
	}
	return out, nil
}

// DecryptDEK unwraps a data encryption key.
func (c *Client) DecryptDEK(ctx context.Context, wrapped string, masterKeyVersion int) (string, error) {
	var out string
	err := c.rpc(ctx, "decrypt_dek", map[string]any{
		"p_wrapped_dek":        wrapped,
		"p_master_key_version": masterKeyVersion,
	}, &out)
	if err != nil {
		return "", err
	}
	return out, nil
}

// GetVaultSecret fetches a named secret (used for the current master key
// version lookup).
func (c *Client) GetVaultSecret(ctx context.Context, name string) (string, error) {
	var out string
	err := c.rpc(ctx, "get_vault_secret", map[string]any{"p_name": name}, &out)
	if err != nil {
		return "", err
	}
	return out, nil
}
