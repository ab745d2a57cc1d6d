// Package blob stores rendered artifacts in S3-compatible object storage.
package blob

import (
	"context"
	"errors"
	"sync"
)

var ErrNotFound = errors.New("blob: object not found")

type Object struct {
	Data        []byte
	ContentType string
}

type Store interface {
	Put(ctx context.Context, key string, obj Object) error
	Get(ctx context.Context, key string) (Object, error)
}

// ArtifactKey is where the signed artifact of a request is archived.
func ArtifactKey(requestID, extension string) string {
	return "signatures/" + requestID + extension
}

// MemoryStore keeps objects in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]Object
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]Object)}
}

func (s *MemoryStore) Put(_ context.Context, key string, obj Object) error {
	data := make([]byte, len(obj.Data))
	copy(data, obj.Data)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = Object{Data: data, ContentType: obj.ContentType}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	if !ok {
		return Object{}, ErrNotFound
	}
	return obj, nil
}
