package embed

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ai-log-analytics/backend/internal/budget"
	"github.com/ai-log-analytics/backend/internal/llm"
)

type fakeProvider struct {
	calls  int
	vector []float32
	cost   float64
	err    error
}

func (f *fakeProvider) Complete(_ context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return nil, errors.New("not used")
}

func (f *fakeProvider) GenerateEmbedding(_ context.Context, _ string) (*llm.EmbeddingResult, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &llm.EmbeddingResult{Vector: f.vector, Tokens: 10, CostUSD: f.cost}, nil
}

func TestGetOrCreateCachesByContent(t *testing.T) {
	provider := &fakeProvider{vector: []float32{0.1, 0.2}, cost: 0.0001}
	svc := NewService(provider, NewLRUCache(16), budget.NewGuard(0))

	ctx := context.Background()

	vec, fromCache, err := svc.GetOrCreate(ctx, "disk full on node-3")
	require.NoError(t, err)
	assert.False(t, fromCache)
	assert.Equal(t, []float32{0.1, 0.2}, vec)

	// Same normalized content: whitespace and case differences collapse.
	vec, fromCache, err = svc.GetOrCreate(ctx, "  Disk  FULL on node-3 ")
	require.NoError(t, err)
	assert.True(t, fromCache)
	assert.Equal(t, []float32{0.1, 0.2}, vec)

	assert.Equal(t, 1, provider.calls)
}

func TestGetOrCreateBudgetExceeded(t *testing.T) {
	provider := &fakeProvider{vector: []float32{0.1}, cost: 0.0001}
	guard := budget.NewGuard(0.0000001)
	svc := NewService(provider, NewLRUCache(16), guard)

	longText := make([]byte, 4096)
	for i := range longText {
		longText[i] = 'x'
	}

	_, _, err := svc.GetOrCreate(context.Background(), string(longText))
	assert.ErrorIs(t, err, budget.ErrBudgetExceeded)
	assert.Equal(t, 0, provider.calls)
}

func TestGetOrCreateCacheHitSkipsBudget(t *testing.T) {
	provider := &fakeProvider{vector: []float32{0.5}, cost: 0.0001}
	cache := NewLRUCache(16)
	svc := NewService(provider, cache, budget.NewGuard(0))

	text := "java.lang.OutOfMemoryError: GC overhead limit exceeded in request handler thread pool worker during peak traffic window"

	ctx := context.Background()
	_, _, err := svc.GetOrCreate(ctx, text)
	require.NoError(t, err)

	// This guard is too small for the metered call; the hit must not
	// touch it.
	blocked := NewService(provider, cache, budget.NewGuard(0.0000001))
	vec, fromCache, err := blocked.GetOrCreate(ctx, text)
	require.NoError(t, err)
	assert.True(t, fromCache)
	assert.Equal(t, []float32{0.5}, vec)
}

func TestGetOrCreateProviderFailureReleasesReservation(t *testing.T) {
	provider := &fakeProvider{err: errors.New("provider down")}
	guard := budget.NewGuard(1.0)
	svc := NewService(provider, NewLRUCache(16), guard)

	_, _, err := svc.GetOrCreate(context.Background(), "some log line")
	assert.ErrorIs(t, err, ErrEmbeddingUnavailable)

	stats := guard.Stats()
	assert.Equal(t, 0.0, stats.SpentUSD)
}

func TestLRUCacheEviction(t *testing.T) {
	cache := NewLRUCache(2)
	ctx := context.Background()

	cache.Set(ctx, "a", []float32{1})
	cache.Set(ctx, "b", []float32{2})
	cache.Set(ctx, "c", []float32{3})

	_, ok := cache.Get(ctx, "a")
	assert.False(t, ok)

	vec, ok := cache.Get(ctx, "c")
	assert.True(t, ok)
	assert.Equal(t, []float32{3}, vec)
	assert.Equal(t, 2, cache.Len())
}

func TestLRUCacheGetRefreshesRecency(t *testing.T) {
	cache := NewLRUCache(2)
	ctx := context.Background()

	cache.Set(ctx, "a", []float32{1})
	cache.Set(ctx, "b", []float32{2})
	cache.Get(ctx, "a")
	cache.Set(ctx, "c", []float32{3})

	_, ok := cache.Get(ctx, "a")
	assert.True(t, ok)
	_, ok = cache.Get(ctx, "b")
	assert.False(t, ok)
}
