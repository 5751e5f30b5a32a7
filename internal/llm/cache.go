package llm

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// Cache is a content-addressed filesystem cache for LLM responses.
// Layout: <dir>/<prefix>/<sanitizedModel>/<16hex promptHash>/<16hex contentHash>.json
type Cache struct {
	dir    string
	logger *zap.Logger
}

// NewCache creates a cache rooted at dir.
func NewCache(dir string, logger *zap.Logger) *Cache {
	return &Cache{dir: dir, logger: logger}
}

// Enabled reports whether the cache directory is usable.
func (c *Cache) Enabled() bool {
	if c == nil || c.dir == "" {
		return false
	}
	return os.MkdirAll(c.dir, 0o755) == nil
}

// path derives the cache file path for a request. The second return is false
// when the request is not cacheable (file-id identity).
func (c *Cache) path(req Request, model, prefix string) (string, bool) {
	content, ok := req.contentKey()
	if !ok {
		return "", false
	}
	return filepath.Join(c.dir, prefix, sanitizeModel(model),
		shortHash(req.SystemPrompt), shortHash(content)+".json"), true
}

// Get returns the cached response for a request, annotated with Cached=true.
// A missing file is a miss, not an error.
func (c *Cache) Get(req Request, model, prefix string) (*Response, bool) {
	path, ok := c.path(req, model, prefix)
	if !ok {
		return nil, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		c.logger.Warn("discarding unreadable cache entry",
			zap.String("path", path), zap.Error(err))
		return nil, false
	}
	resp.Cached = true
	return &resp, true
}

// Set stores a response, creating the directory path as needed.
func (c *Cache) Set(req Request, model, prefix string, resp *Response) error {
	path, ok := c.path(req, model, prefix)
	if !ok {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}
	return nil
}

// Delete removes a cached entry, reporting whether one existed.
func (c *Cache) Delete(req Request, model, prefix string) bool {
	path, ok := c.path(req, model, prefix)
	if !ok {
		return false
	}
	return os.Remove(path) == nil
}
