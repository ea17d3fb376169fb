// Package memory is an in-process stand-in for the Milvus store, used
// when no vector database is configured. Embeddings live only for the
// process lifetime.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/ai-log-analytics/backend/internal/vector/milvus"
)

type Store struct {
	mu         sync.RWMutex
	embeddings []milvus.LogEmbedding
	capacity   int
}

func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = 100000
	}
	return &Store{capacity: capacity}
}

func (s *Store) Insert(_ context.Context, embeddings []milvus.LogEmbedding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.embeddings = append(s.embeddings, embeddings...)
	if overflow := len(s.embeddings) - s.capacity; overflow > 0 {
		s.embeddings = s.embeddings[overflow:]
	}
	return nil
}

func (s *Store) FetchWindow(_ context.Context, since time.Time, limit int) ([]milvus.LogEmbedding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]milvus.LogEmbedding, 0, len(s.embeddings))
	for _, e := range s.embeddings {
		if e.Timestamp.Before(since) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
