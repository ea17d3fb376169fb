package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ai-log-analytics/backend/internal/budget"
	"github.com/ai-log-analytics/backend/internal/detect"
	"github.com/ai-log-analytics/backend/internal/embed"
	"github.com/ai-log-analytics/backend/internal/llm"
	"github.com/ai-log-analytics/backend/internal/redact"
	"github.com/ai-log-analytics/backend/internal/storage/models"
	"github.com/ai-log-analytics/backend/internal/vector/milvus"
)

type fakeProvider struct {
	embedCalls    int
	completeCalls int
	embedErr      error
	completeErr   error
	completion    string
	prompts       []string
}

func (f *fakeProvider) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	f.completeCalls++
	f.prompts = append(f.prompts, req.UserPrompt)
	if f.completeErr != nil {
		return nil, f.completeErr
	}
	return &llm.CompletionResponse{Content: f.completion, CostUSD: 0.0001}, nil
}

func (f *fakeProvider) GenerateEmbedding(_ context.Context, _ string) (*llm.EmbeddingResult, error) {
	f.embedCalls++
	if f.embedErr != nil {
		return nil, f.embedErr
	}
	return &llm.EmbeddingResult{Vector: []float32{0.1, 0.2}, Tokens: 8, CostUSD: 0.00001}, nil
}

type fakeScorer struct {
	verdict detect.FastVerdict
	err     error
}

func (f *fakeScorer) Score(_ context.Context, _ detect.Features) (detect.FastVerdict, error) {
	if f.err != nil {
		return detect.FastVerdict{}, f.err
	}
	return f.verdict, nil
}

type fakeStore struct {
	records   []*models.LogRecord
	verdicts  []*models.DetectionVerdict
	recentErr error
}

func (f *fakeStore) InsertLogRecord(record *models.LogRecord) error {
	f.records = append(f.records, record)
	return nil
}

func (f *fakeStore) UpsertVerdict(verdict *models.DetectionVerdict) error {
	f.verdicts = append(f.verdicts, verdict)
	return nil
}

func (f *fakeStore) GetRecentLogs(excludeID string, limit int) ([]models.LogRecord, error) {
	if f.recentErr != nil {
		return nil, f.recentErr
	}
	var out []models.LogRecord
	for i := len(f.records) - 1; i >= 0 && len(out) < limit; i-- {
		if f.records[i].ID == excludeID {
			continue
		}
		out = append(out, *f.records[i])
	}
	return out, nil
}

type fakeVectors struct {
	inserted []milvus.LogEmbedding
}

func (f *fakeVectors) Insert(_ context.Context, embeddings []milvus.LogEmbedding) error {
	f.inserted = append(f.inserted, embeddings...)
	return nil
}

func newTestPipeline(provider *fakeProvider, scorer detect.Scorer, guard *budget.Guard) (*Pipeline, *fakeStore, *fakeVectors) {
	store := &fakeStore{}
	vectors := &fakeVectors{}
	embedder := embed.NewService(provider, embed.NewLRUCache(64), guard)
	validator := detect.NewValidator(provider, guard, 0.6)

	p := New(
		redact.NewEngine(false),
		embedder,
		scorer,
		detect.EscalationPolicy{Threshold: 0.7},
		validator,
		store,
		vectors,
	)
	return p, store, vectors
}

func TestSubmitBenignLogStaysFast(t *testing.T) {
	provider := &fakeProvider{}
	scorer := &fakeScorer{verdict: detect.FastVerdict{Score: 0.1, IsAnomaly: false}}
	p, store, _ := newTestPipeline(provider, scorer, budget.NewGuard(0))

	verdict, err := p.Submit(context.Background(), SubmitRequest{
		Message: "User login successful",
		Service: "auth",
		Level:   "info",
	})
	require.NoError(t, err)

	assert.Equal(t, models.MethodFast, verdict.Method)
	assert.False(t, verdict.IsAnomaly)
	assert.Equal(t, 0, provider.completeCalls)
	require.Len(t, store.verdicts, 1)
	assert.Equal(t, models.TierRealtime, store.verdicts[0].Tier)
}

func TestSubmitEscalatesAndConfirms(t *testing.T) {
	provider := &fakeProvider{
		completion: `{"is_anomaly": true, "confidence": 0.9, "reasoning": "Database is unreachable."}`,
	}
	scorer := &fakeScorer{verdict: detect.FastVerdict{Score: 0.85, IsAnomaly: true}}
	p, store, vectors := newTestPipeline(provider, scorer, budget.NewGuard(0))

	verdict, err := p.Submit(context.Background(), SubmitRequest{
		Message: "Connection refused: db-primary",
		Service: "api",
		Level:   "error",
	})
	require.NoError(t, err)

	assert.Equal(t, models.MethodLLMConfirmed, verdict.Method)
	assert.True(t, verdict.IsAnomaly)
	assert.Equal(t, detect.SeverityHigh, verdict.Severity)
	assert.Equal(t, 0.9, verdict.Confidence)
	assert.Equal(t, 1, provider.completeCalls)

	require.Len(t, store.records, 1)
	assert.Equal(t, "ERROR", store.records[0].Level)
	require.Len(t, vectors.inserted, 1)
	assert.Equal(t, store.records[0].ID, vectors.inserted[0].LogID)
}

func TestSubmitRejectionOverridesFastTier(t *testing.T) {
	provider := &fakeProvider{
		completion: `{"is_anomaly": false, "confidence": 0.8, "reasoning": "Expected during deploys."}`,
	}
	scorer := &fakeScorer{verdict: detect.FastVerdict{Score: 0.9, IsAnomaly: true}}
	p, _, _ := newTestPipeline(provider, scorer, budget.NewGuard(0))

	verdict, err := p.Submit(context.Background(), SubmitRequest{
		Message: "restarting worker pool",
		Level:   "warn",
	})
	require.NoError(t, err)

	assert.Equal(t, models.MethodLLMRejected, verdict.Method)
	assert.False(t, verdict.IsAnomaly)
}

func TestSubmitScorerUnavailableDegradesWithoutEscalation(t *testing.T) {
	provider := &fakeProvider{}
	scorer := &fakeScorer{err: detect.ErrScorerUnavailable}
	p, store, _ := newTestPipeline(provider, scorer, budget.NewGuard(0))

	verdict, err := p.Submit(context.Background(), SubmitRequest{
		Message: "something odd",
		Level:   "error",
	})
	require.NoError(t, err)

	assert.True(t, verdict.Degraded)
	assert.Equal(t, models.MethodFast, verdict.Method)
	assert.False(t, verdict.IsAnomaly)
	assert.Equal(t, 0.0, verdict.Score)
	assert.Equal(t, 0, provider.completeCalls)
	require.Len(t, store.verdicts, 1)
}

func TestSubmitEmbeddingFailureDegrades(t *testing.T) {
	provider := &fakeProvider{embedErr: errors.New("provider down")}
	scorer := &fakeScorer{verdict: detect.FastVerdict{Score: 0.9, IsAnomaly: true}}
	p, _, vectors := newTestPipeline(provider, scorer, budget.NewGuard(0))

	verdict, err := p.Submit(context.Background(), SubmitRequest{
		Message: "boom",
		Level:   "error",
	})
	require.NoError(t, err)

	assert.True(t, verdict.Degraded)
	assert.Equal(t, models.MethodFast, verdict.Method)
	assert.Equal(t, 0, provider.completeCalls)
	assert.Empty(t, vectors.inserted)
}

func TestSubmitValidatorOutagePreservesFastVerdict(t *testing.T) {
	provider := &fakeProvider{completeErr: llm.ErrProviderFailure}
	scorer := &fakeScorer{verdict: detect.FastVerdict{Score: 0.85, IsAnomaly: true}}
	p, _, _ := newTestPipeline(provider, scorer, budget.NewGuard(0))

	verdict, err := p.Submit(context.Background(), SubmitRequest{
		Message: "Connection refused: db-primary",
		Level:   "error",
	})
	require.NoError(t, err)

	assert.Equal(t, models.MethodExplanationOnly, verdict.Method)
	assert.True(t, verdict.IsAnomaly)
	assert.Equal(t, 0.85, verdict.Score)
	assert.True(t, verdict.Degraded)
}

func TestSubmitValidationPromptCarriesRecentLogs(t *testing.T) {
	provider := &fakeProvider{
		completion: `{"is_anomaly": true, "confidence": 0.9, "reasoning": "ok"}`,
	}
	scorer := &fakeScorer{verdict: detect.FastVerdict{Score: 0.1, IsAnomaly: false}}
	p, _, _ := newTestPipeline(provider, scorer, budget.NewGuard(0))

	ctx := context.Background()
	_, err := p.Submit(ctx, SubmitRequest{Message: "request served in 12ms", Service: "api", Level: "info"})
	require.NoError(t, err)
	_, err = p.Submit(ctx, SubmitRequest{Message: "health check passed", Service: "api", Level: "info"})
	require.NoError(t, err)

	scorer.verdict = detect.FastVerdict{Score: 0.9, IsAnomaly: true}
	_, err = p.Submit(ctx, SubmitRequest{Message: "Connection refused: db-primary", Service: "api", Level: "error"})
	require.NoError(t, err)

	require.Len(t, provider.prompts, 1)
	assert.Contains(t, provider.prompts[0], "Similar normal logs for context")
	assert.Contains(t, provider.prompts[0], "request served in 12ms")
	assert.Contains(t, provider.prompts[0], "health check passed")
}

func TestSubmitRecentLogsReadFailureStillValidates(t *testing.T) {
	provider := &fakeProvider{
		completion: `{"is_anomaly": true, "confidence": 0.9, "reasoning": "ok"}`,
	}
	scorer := &fakeScorer{verdict: detect.FastVerdict{Score: 0.9, IsAnomaly: true}}
	p, store, _ := newTestPipeline(provider, scorer, budget.NewGuard(0))
	store.recentErr = errors.New("db locked")

	verdict, err := p.Submit(context.Background(), SubmitRequest{
		Message: "Connection refused: db-primary",
		Level:   "error",
	})
	require.NoError(t, err)

	assert.Equal(t, models.MethodLLMConfirmed, verdict.Method)
	require.Len(t, provider.prompts, 1)
	assert.NotContains(t, provider.prompts[0], "Similar normal logs for context")
}

func TestSubmitIdenticalTextDoesNotDoubleSpendEmbedding(t *testing.T) {
	provider := &fakeProvider{}
	scorer := &fakeScorer{verdict: detect.FastVerdict{Score: 0.2, IsAnomaly: false}}
	p, store, _ := newTestPipeline(provider, scorer, budget.NewGuard(0))

	ctx := context.Background()
	_, err := p.Submit(ctx, SubmitRequest{Message: "disk usage at 91%", Level: "warn"})
	require.NoError(t, err)
	_, err = p.Submit(ctx, SubmitRequest{Message: "disk usage at 91%", Level: "warn"})
	require.NoError(t, err)

	assert.Equal(t, 1, provider.embedCalls)
	assert.Len(t, store.records, 2)
}

func TestSubmitEmptyMessageRejected(t *testing.T) {
	provider := &fakeProvider{}
	scorer := &fakeScorer{}
	p, _, _ := newTestPipeline(provider, scorer, budget.NewGuard(0))

	_, err := p.Submit(context.Background(), SubmitRequest{Message: ""})
	assert.Error(t, err)
}

func TestSubmitInvokesVerdictHook(t *testing.T) {
	provider := &fakeProvider{}
	scorer := &fakeScorer{verdict: detect.FastVerdict{Score: 0.1, IsAnomaly: false}}
	p, _, _ := newTestPipeline(provider, scorer, budget.NewGuard(0))

	var seen []models.DetectionVerdict
	p.OnVerdict(func(v models.DetectionVerdict) { seen = append(seen, v) })

	_, err := p.Submit(context.Background(), SubmitRequest{Message: "hello", Level: "info"})
	require.NoError(t, err)

	require.Len(t, seen, 1)
	assert.Equal(t, models.MethodFast, seen[0].Method)
}

func TestSubmitDefaultsTimestampAndLevel(t *testing.T) {
	provider := &fakeProvider{}
	scorer := &fakeScorer{verdict: detect.FastVerdict{Score: 0.1, IsAnomaly: false}}
	p, store, _ := newTestPipeline(provider, scorer, budget.NewGuard(0))

	before := time.Now().UTC()
	_, err := p.Submit(context.Background(), SubmitRequest{Message: "no metadata at all"})
	require.NoError(t, err)

	require.Len(t, store.records, 1)
	assert.Equal(t, "UNKNOWN", store.records[0].Level)
	assert.False(t, store.records[0].Timestamp.Before(before))
}
