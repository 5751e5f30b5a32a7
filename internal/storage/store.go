package storage

import (
	"context"
)

// Store fronts the edge facade with the worker-local file cache. Subtasks of
// one document hit the facade once per role; later readers get the cached
// bytes.
type Store struct {
	edge  *EdgeClient
	cache *FileCache
}

// NewStore combines a facade client and a file cache.
func NewStore(edge *EdgeClient, cache *FileCache) *Store {
	return &Store{edge: edge, cache: cache}
}

// Cache exposes the underlying file cache for the sweeper and finalization.
func (s *Store) Cache() *FileCache { return s.cache }

// Download returns the bytes for (documentId, role), serving from the local
// cache when possible.
func (s *Store) Download(ctx context.Context, documentID, role string) ([]byte, error) {
	if data, ok := s.cache.Get(documentID, role); ok {
		return data, nil
	}
	data, err := s.edge.Download(ctx, documentID, role)
	if err != nil {
		return nil, err
	}
	s.cache.Put(documentID, role, data)
	return data, nil
}

// Upload stores bytes through the facade and refreshes the local cache entry.
func (s *Store) Upload(ctx context.Context, documentID, role string, data []byte, mime string) (*UploadResult, error) {
	result, err := s.edge.Upload(ctx, documentID, role, data, mime)
	if err != nil {
		return nil, err
	}
	s.cache.Put(documentID, role, data)
	return result, nil
}

// ClearDocument drops the cached blobs for a document after finalization.
func (s *Store) ClearDocument(documentID string) error {
	return s.cache.ClearDocument(documentID)
}
