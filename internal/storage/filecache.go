package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// FileCache is the per-worker temp-disk cache of decrypted blobs, keyed by
// (documentId, role). It is process-local and disposable: a miss or a
// corrupted entry always falls back to a fresh download.
type FileCache struct {
	root       string
	keepOnDisk bool
	logger     *zap.Logger
}

// NewFileCache roots the cache under dir, defaulting to
// <tmp>/docgather-cache. keepOnDisk disables the per-document clear so
// entries survive finalization (local debugging).
func NewFileCache(dir string, keepOnDisk bool, logger *zap.Logger) *FileCache {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "docgather-cache")
	}
	return &FileCache{root: dir, keepOnDisk: keepOnDisk, logger: logger}
}

// Root returns the cache directory.
func (fc *FileCache) Root() string { return fc.root }

func (fc *FileCache) path(documentID, role string) string {
	return filepath.Join(fc.root, documentID, role+".bin")
}

// Get returns the cached bytes for (documentId, role), or ok=false on a miss.
func (fc *FileCache) Get(documentID, role string) ([]byte, bool) {
	data, err := os.ReadFile(fc.path(documentID, role))
	if err != nil {
		return nil, false
	}
	return data, true
}

// Put stores bytes for (documentId, role). Errors are logged, not returned:
// cache writes are best effort.
func (fc *FileCache) Put(documentID, role string, data []byte) {
	dir := filepath.Join(fc.root, documentID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		fc.logger.Warn("file cache mkdir failed", zap.String("dir", dir), zap.Error(err))
		return
	}
	if err := os.WriteFile(fc.path(documentID, role), data, 0o644); err != nil {
		fc.logger.Warn("file cache write failed", zap.String("document", documentID), zap.String("role", role), zap.Error(err))
	}
}

// ClearDocument removes every cached role for a document. No-op when the
// keep-on-disk flag is set.
func (fc *FileCache) ClearDocument(documentID string) error {
	if fc.keepOnDisk {
		return nil
	}
	dir := filepath.Join(fc.root, documentID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to clear file cache for %s: %w", documentID, err)
	}
	return nil
}

// Sweep deletes document directories whose newest entry is older than maxAge.
// Meant to run periodically; a document abandoned mid-pipeline should not pin
// temp disk forever.
func (fc *FileCache) Sweep(maxAge time.Duration) {
	entries, err := os.ReadDir(fc.root)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			fc.logger.Warn("file cache sweep failed", zap.Error(err))
		}
		return
	}
	cutoff := time.Now().Add(-maxAge)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(fc.root, entry.Name())
		if newestModTime(dir).After(cutoff) {
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			fc.logger.Warn("file cache sweep remove failed", zap.String("dir", dir), zap.Error(err))
			continue
		}
		fc.logger.Debug("swept stale cache entry", zap.String("document", entry.Name()))
	}
}

// StartSweeper runs Sweep on the given interval until stop is closed.
func (fc *FileCache) StartSweeper(interval, maxAge time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				fc.Sweep(maxAge)
			}
		}
	}()
}

func newestModTime(dir string) time.Time {
	var newest time.Time
	entries, err := os.ReadDir(dir)
	if err != nil {
		return newest
	}
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
	}
	return newest
}
