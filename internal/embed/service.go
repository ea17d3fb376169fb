// Package embed produces embedding vectors for normalized log text.
// Two identical payloads never cost two metered calls: vectors are
// memoized by content hash, and every miss is settled against the
// daily budget with a reserve/commit pair.
package embed

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ai-log-analytics/backend/internal/budget"
	"github.com/ai-log-analytics/backend/internal/llm"
	"github.com/ai-log-analytics/backend/internal/metrics"
	"github.com/ai-log-analytics/backend/pkg/logger"
	"github.com/ai-log-analytics/backend/pkg/utils"
)

// ErrEmbeddingUnavailable is returned when a vector could not be
// produced for a reason other than budget exhaustion.
var ErrEmbeddingUnavailable = errors.New("embedding unavailable")

type Service struct {
	provider llm.Provider
	cache    Cache
	guard    *budget.Guard
}

func NewService(provider llm.Provider, cache Cache, guard *budget.Guard) *Service {
	return &Service{
		provider: provider,
		cache:    cache,
		guard:    guard,
	}
}

// GetOrCreate returns the embedding for text, generating it on a cache
// miss. A hit bypasses the budget entirely; a miss reserves the
// estimated cost up front and commits the provider-reported cost after
// the call succeeds. Returns budget.ErrBudgetExceeded when the daily
// ceiling blocks the call.
func (s *Service) GetOrCreate(ctx context.Context, text string) ([]float32, bool, error) {
	key := utils.ContentHash(text)

	if vector, ok := s.cache.Get(ctx, key); ok {
		metrics.EmbeddingCacheHits.Inc()
		return vector, true, nil
	}
	metrics.EmbeddingCacheMisses.Inc()

	reservation, err := s.guard.Reserve(llm.EstimateEmbeddingCost(text))
	if err != nil {
		return nil, false, err
	}

	result, err := s.provider.GenerateEmbedding(ctx, text)
	if err != nil {
		reservation.Release()
		return nil, false, fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
	}

	reservation.Commit(result.CostUSD)
	s.cache.Set(ctx, key, result.Vector)

	logger.Debug("Embedding generated",
		zap.String("content_hash", key),
		zap.Int("tokens", result.Tokens),
		zap.Float64("cost_usd", result.CostUSD),
	)

	return result.Vector, false, nil
}
