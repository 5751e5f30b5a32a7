package llm

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestCacheRoundTrip(t *testing.T) {
	c := NewCache(t.TempDir(), zap.NewNop())
	if !c.Enabled() {
		t.Fatal("cache not enabled on temp dir")
	}

	req := Request{SystemPrompt: "classify this", UserPrompt: "hello world"}
	if _, ok := c.Get(req, "mistral-small-latest", "classify"); ok {
		t.Fatal("unexpected hit on empty cache")
	}

	resp := &Response{Content: `{"documentType":"income.payslip"}`, Model: "mistral-small-latest"}
	if err := c.Set(req, "mistral-small-latest", "classify", resp); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, ok := c.Get(req, "mistral-small-latest", "classify")
	if !ok {
		t.Fatal("expected hit after Set")
	}
	if !got.Cached {
		t.Error("Get did not annotate Cached=true")
	}
	if got.Content != resp.Content {
		t.Errorf("Content=%q, want %q", got.Content, resp.Content)
	}

	if !c.Delete(req, "mistral-small-latest", "classify") {
		t.Error("Delete returned false for existing entry")
	}
	if _, ok := c.Get(req, "mistral-small-latest", "classify"); ok {
		t.Error("hit after Delete")
	}
}

func TestCacheKeyLayout(t *testing.T) {
	dir := t.TempDir()
	c := NewCache(dir, zap.NewNop())

	req := Request{SystemPrompt: "sys", Image: []byte{0xff, 0xd8}, ImageMime: "image/jpeg"}
	if err := c.Set(req, "pixtral-12b/latest", "ocr", &Response{Content: "x"}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	var files []string
	filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	if len(files) != 1 {
		t.Fatalf("files=%v, want exactly one", files)
	}
	rel, _ := filepath.Rel(dir, files[0])
	parts := strings.Split(rel, string(filepath.Separator))
	// prefix / sanitizedModel / promptHash / contentHash.json
	if len(parts) != 4 {
		t.Fatalf("path depth=%d (%s), want 4", len(parts), rel)
	}
	if parts[0] != "ocr" {
		t.Errorf("prefix=%s, want ocr", parts[0])
	}
	if parts[1] != "pixtral-12b-latest" {
		t.Errorf("model dir=%s, want sanitized", parts[1])
	}
	if len(parts[2]) != 16 {
		t.Errorf("prompt hash len=%d, want 16", len(parts[2]))
	}
	if len(strings.TrimSuffix(parts[3], ".json")) != 16 {
		t.Errorf("content hash=%s, want 16 hex + .json", parts[3])
	}
}

func TestCacheFileIDNotCacheable(t *testing.T) {
	c := NewCache(t.TempDir(), zap.NewNop())
	req := Request{SystemPrompt: "sys", FileID: "file-123"}
	if err := c.Set(req, "m", "p", &Response{Content: "x"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, ok := c.Get(req, "m", "p"); ok {
		t.Error("file-id request must never hit the cache")
	}
}
