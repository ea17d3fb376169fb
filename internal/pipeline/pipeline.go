// Package pipeline orchestrates the real-time path for one log:
// redact, embed, fast-score, escalate, validate, persist. Invocations
// for different logs are independent; the budget guard and the
// embedding cache are the only shared state.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ai-log-analytics/backend/internal/detect"
	"github.com/ai-log-analytics/backend/internal/embed"
	"github.com/ai-log-analytics/backend/internal/metrics"
	"github.com/ai-log-analytics/backend/internal/redact"
	"github.com/ai-log-analytics/backend/internal/storage/models"
	"github.com/ai-log-analytics/backend/internal/vector/milvus"
	"github.com/ai-log-analytics/backend/pkg/logger"
)

// recentContextLimit caps how many surrounding logs are handed to the
// validator as contrast context.
const recentContextLimit = 5

// Store is the verdict/log persistence the pipeline writes through.
type Store interface {
	InsertLogRecord(record *models.LogRecord) error
	UpsertVerdict(verdict *models.DetectionVerdict) error
	GetRecentLogs(excludeID string, limit int) ([]models.LogRecord, error)
}

// VectorStore receives embeddings for the batch clustering window.
type VectorStore interface {
	Insert(ctx context.Context, embeddings []milvus.LogEmbedding) error
}

// SubmitRequest is one log entry handed to the pipeline.
type SubmitRequest struct {
	Message   string
	Service   string
	Level     string
	Timestamp time.Time
}

type Pipeline struct {
	redactor  redact.Redactor
	embedder  *embed.Service
	scorer    detect.Scorer
	policy    detect.EscalationPolicy
	validator *detect.Validator
	store     Store
	vectors   VectorStore
	onVerdict func(models.DetectionVerdict)
}

func New(
	redactor redact.Redactor,
	embedder *embed.Service,
	scorer detect.Scorer,
	policy detect.EscalationPolicy,
	validator *detect.Validator,
	store Store,
	vectors VectorStore,
) *Pipeline {
	return &Pipeline{
		redactor:  redactor,
		embedder:  embedder,
		scorer:    scorer,
		policy:    policy,
		validator: validator,
		store:     store,
		vectors:   vectors,
	}
}

// OnVerdict registers a hook invoked after each verdict is persisted.
// Used by the API layer to stream verdicts over websockets.
func (p *Pipeline) OnVerdict(fn func(models.DetectionVerdict)) {
	p.onVerdict = fn
}

// Submit runs one log through the full detection path and returns the
// persisted verdict. Per-log failures degrade the verdict instead of
// surfacing: only storage-level failures return an error. Each
// external call is attempted at most once per invocation; retries live
// in the transport layer.
func (p *Pipeline) Submit(ctx context.Context, req SubmitRequest) (*models.DetectionVerdict, error) {
	start := time.Now()

	if req.Message == "" {
		return nil, errors.New("empty log message")
	}

	record := &models.LogRecord{
		ID:        uuid.New().String(),
		Service:   req.Service,
		Level:     normalizeLevel(req.Level),
		RawLog:    req.Message,
		Timestamp: req.Timestamp,
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}
	record.CreatedAt = time.Now().UTC()

	clean, entities := p.redactor.Redact(req.Message)
	record.Message = clean
	record.PIIEntities = entities
	record.PIIRedacted = len(entities) > 0

	if err := p.store.InsertLogRecord(record); err != nil {
		metrics.LogsProcessed.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("failed to store log record: %w", err)
	}

	verdict := p.detect(ctx, record)
	verdict.CreatedAt = time.Now().UTC()

	if err := p.store.UpsertVerdict(verdict); err != nil {
		metrics.LogsProcessed.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("failed to store verdict: %w", err)
	}

	status := "ok"
	if verdict.Degraded {
		status = "degraded"
	}
	metrics.LogsProcessed.WithLabelValues(status).Inc()
	metrics.VerdictsTotal.WithLabelValues(verdict.Method).Inc()
	metrics.PipelineDuration.Observe(time.Since(start).Seconds())

	if p.onVerdict != nil {
		p.onVerdict(*verdict)
	}

	logger.Debug("Log processed",
		zap.String("log_id", record.ID),
		zap.String("method", verdict.Method),
		zap.Bool("is_anomaly", verdict.IsAnomaly),
		zap.Float64("score", verdict.Score),
	)

	return verdict, nil
}

// detect runs the tiers and always produces a verdict, degraded when a
// stage failed.
func (p *Pipeline) detect(ctx context.Context, record *models.LogRecord) *models.DetectionVerdict {
	verdict := &models.DetectionVerdict{
		LogID:  record.ID,
		Tier:   models.TierRealtime,
		Method: models.MethodFast,
	}

	vector, fromCache, err := p.embedder.GetOrCreate(ctx, record.Message)
	if err != nil {
		logger.Warn("Embedding unavailable, storing degraded verdict",
			zap.String("log_id", record.ID),
			zap.Error(err),
		)
		verdict.Degraded = true
		return verdict
	}

	if !fromCache && p.vectors != nil {
		if err := p.vectors.Insert(ctx, []milvus.LogEmbedding{{
			LogID:     record.ID,
			Embedding: vector,
			Level:     record.Level,
			Service:   record.Service,
			Timestamp: record.Timestamp,
		}}); err != nil {
			logger.Warn("Failed to persist embedding for clustering", zap.Error(err))
		}
	}

	fast, err := p.scorer.Score(ctx, detect.Features{
		Vector:  vector,
		Level:   record.Level,
		Service: record.Service,
	})
	if err != nil {
		// No fast tier means no escalation either: never fail open
		// into metered LLM calls.
		logger.Warn("Fast scorer unavailable, storing degraded verdict",
			zap.String("log_id", record.ID),
			zap.Error(err),
		)
		verdict.Degraded = true
		return verdict
	}

	verdict.Score = fast.Score
	verdict.IsAnomaly = fast.IsAnomaly
	metrics.AnomalyScore.Observe(fast.Score)

	if !p.policy.ShouldEscalate(fast) {
		return verdict
	}

	metrics.Escalations.Inc()

	outcome := p.validator.Validate(ctx, detect.LogInfo{
		Level:   record.Level,
		Service: record.Service,
		Message: record.Message,
	}, fast, p.recentContext(record.ID), nil)

	verdict.IsAnomaly = outcome.IsAnomaly
	verdict.Score = outcome.Score
	verdict.Confidence = outcome.Confidence
	verdict.Reasoning = outcome.Reasoning
	verdict.Degraded = outcome.Degraded

	switch outcome.State {
	case detect.StateConfirmed:
		verdict.Method = models.MethodLLMConfirmed
		verdict.Severity = detect.DeriveSeverity(record.Level, record.Message)
	case detect.StateRejected:
		verdict.Method = models.MethodLLMRejected
	default:
		verdict.Method = models.MethodExplanationOnly
	}

	return verdict
}

// recentContext loads the newest surrounding logs for the validation
// prompt. A read failure just means validating without contrast.
func (p *Pipeline) recentContext(excludeID string) []detect.LogInfo {
	records, err := p.store.GetRecentLogs(excludeID, recentContextLimit)
	if err != nil {
		logger.Warn("Failed to load recent logs for validation context", zap.Error(err))
		return nil
	}

	recent := make([]detect.LogInfo, 0, len(records))
	for _, rec := range records {
		recent = append(recent, detect.LogInfo{
			Level:   rec.Level,
			Service: rec.Service,
			Message: rec.Message,
		})
	}
	return recent
}

func normalizeLevel(level string) string {
	level = strings.ToUpper(strings.TrimSpace(level))
	switch level {
	case "WARNING":
		return "WARN"
	case "ERR":
		return "ERROR"
	case "":
		return "UNKNOWN"
	}
	return level
}
