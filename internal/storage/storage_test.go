package storage

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestEdgeClientDownloadUpload(t *testing.T) {
	var gotAuth, gotMime string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		switch r.Method {
		case http.MethodGet:
			if r.URL.Path != "/files/doc1/original" {
				t.Errorf("path=%s", r.URL.Path)
			}
			w.Write([]byte("blob-bytes"))
		case http.MethodPost:
			gotMime = r.Header.Get("Content-Type")
			w.Write([]byte(`{"storage_path":"docs/doc1/extracted_text","content_hash":"abc123"}`))
		}
	}))
	defer srv.Close()

	c := NewEdgeClient(srv.URL, "worker-key", zap.NewNop())

	data, err := c.Download(context.Background(), "doc1", RoleOriginal)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if string(data) != "blob-bytes" {
		t.Errorf("data=%q", data)
	}
	if gotAuth != "Bearer worker-key" {
		t.Errorf("auth=%q", gotAuth)
	}

	result, err := c.Upload(context.Background(), "doc1", RoleExtractedText, []byte("{}"), "application/json")
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if result.StoragePath != "docs/doc1/extracted_text" || result.ContentHash != "abc123" {
		t.Errorf("result=%+v", result)
	}
	if gotMime != "application/json" {
		t.Errorf("mime=%q", gotMime)
	}
}

func TestEdgeClientDownloadError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no such file", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewEdgeClient(srv.URL, "worker-key", zap.NewNop())
	_, err := c.Download(context.Background(), "doc1", RoleOriginal)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "(404)") || !strings.Contains(err.Error(), "no such file") {
		t.Errorf("err=%v", err)
	}
}

func TestStoreDownloadCaches(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Write([]byte("payload"))
	}))
	defer srv.Close()

	cache := NewFileCache(t.TempDir(), false, zap.NewNop())
	store := NewStore(NewEdgeClient(srv.URL, "k", zap.NewNop()), cache)

	for i := 0; i < 3; i++ {
		data, err := store.Download(context.Background(), "doc1", RoleOriginal)
		if err != nil {
			t.Fatalf("Download: %v", err)
		}
		if string(data) != "payload" {
			t.Errorf("data=%q", data)
		}
	}
	if hits.Load() != 1 {
		t.Errorf("facade hits=%d, want 1", hits.Load())
	}

	if err := store.ClearDocument("doc1"); err != nil {
		t.Fatalf("ClearDocument: %v", err)
	}
	if _, ok := cache.Get("doc1", RoleOriginal); ok {
		t.Error("cache entry survived clear")
	}
}

func TestFileCacheLayoutAndKeepOnDisk(t *testing.T) {
	root := t.TempDir()
	fc := NewFileCache(root, true, zap.NewNop())
	fc.Put("doc1", RoleConvertedPDF, []byte("pdf"))

	want := filepath.Join(root, "doc1", "converted_pdf.bin")
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("expected entry at %s: %v", want, err)
	}

	if err := fc.ClearDocument("doc1"); err != nil {
		t.Fatalf("ClearDocument: %v", err)
	}
	if _, ok := fc.Get("doc1", RoleConvertedPDF); !ok {
		t.Error("keep-on-disk cache cleared anyway")
	}
}

func TestFileCacheSweep(t *testing.T) {
	root := t.TempDir()
	fc := NewFileCache(root, false, zap.NewNop())
	fc.Put("stale", RoleOriginal, []byte("old"))
	fc.Put("fresh", RoleOriginal, []byte("new"))

	old := time.Now().Add(-2 * time.Hour)
	stalePath := filepath.Join(root, "stale", "original.bin")
	if err := os.Chtimes(stalePath, old, old); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	fc.Sweep(time.Hour)

	if _, ok := fc.Get("stale", RoleOriginal); ok {
		t.Error("stale entry survived sweep")
	}
	if _, ok := fc.Get("fresh", RoleOriginal); !ok {
		t.Error("fresh entry swept")
	}
}
