// Package cluster implements the batch path: gather the window's
// embeddings, density-cluster them, validate the outliers, and publish
// the whole result in one atomic commit.
package cluster

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ai-log-analytics/backend/internal/detect"
	"github.com/ai-log-analytics/backend/internal/metrics"
	"github.com/ai-log-analytics/backend/internal/storage/models"
	"github.com/ai-log-analytics/backend/internal/vector/milvus"
	"github.com/ai-log-analytics/backend/pkg/config"
	"github.com/ai-log-analytics/backend/pkg/logger"
)

const maxRepresentatives = 20

// VectorSource supplies the analysis window.
type VectorSource interface {
	FetchWindow(ctx context.Context, since time.Time, limit int) ([]milvus.LogEmbedding, error)
}

// Store persists the finished run. CommitClusterRun must be atomic:
// either the whole generation lands or none of it does.
type Store interface {
	GetLogRecords(ids []string) ([]models.LogRecord, error)
	CommitClusterRun(run *models.ClusterRun, assignments []models.ClusterAssignment, metadata []models.ClusterMetadata, verdicts []models.DetectionVerdict) error
}

type Engine struct {
	vectors   VectorSource
	store     Store
	clusterer Clusterer
	validator *detect.Validator
	reasoner  *detect.Reasoner
	cfg       config.ClusteringConfig
	window    time.Duration

	mu          sync.Mutex
	activeRunID string
}

func NewEngine(
	vectors VectorSource,
	store Store,
	clusterer Clusterer,
	validator *detect.Validator,
	reasoner *detect.Reasoner,
	cfg config.ClusteringConfig,
	window time.Duration,
) *Engine {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &Engine{
		vectors:   vectors,
		store:     store,
		clusterer: clusterer,
		validator: validator,
		reasoner:  reasoner,
		cfg:       cfg,
		window:    window,
	}
}

// Trigger starts a run unless one is already active, in which case it
// returns the active run's id and started=false. The run outlives the
// caller's request, so ctx must be the process lifetime context, not
// the request's: cancelling it on shutdown discards the partial run.
func (e *Engine) Trigger(ctx context.Context) (string, bool) {
	e.mu.Lock()
	if e.activeRunID != "" {
		id := e.activeRunID
		e.mu.Unlock()
		return id, false
	}
	runID := uuid.New().String()
	e.activeRunID = runID
	e.mu.Unlock()

	go func() {
		defer e.clearActive()
		if _, err := e.run(ctx, runID); err != nil {
			logger.Error("Cluster run failed", zap.String("run_id", runID), zap.Error(err))
		}
	}()

	return runID, true
}

// Run executes a run synchronously. Used by the scheduler; Trigger is
// the on-demand entry point.
func (e *Engine) Run(ctx context.Context) (*models.ClusterRun, error) {
	e.mu.Lock()
	if e.activeRunID != "" {
		e.mu.Unlock()
		return nil, fmt.Errorf("run %s already in progress", e.activeRunID)
	}
	runID := uuid.New().String()
	e.activeRunID = runID
	e.mu.Unlock()
	defer e.clearActive()

	return e.run(ctx, runID)
}

func (e *Engine) clearActive() {
	e.mu.Lock()
	e.activeRunID = ""
	e.mu.Unlock()
}

func (e *Engine) run(ctx context.Context, runID string) (*models.ClusterRun, error) {
	start := time.Now().UTC()

	fetchLimit := e.cfg.SampleSize * 4
	if fetchLimit <= 0 {
		fetchLimit = 100000
	}

	window, err := e.vectors.FetchWindow(ctx, start.Add(-e.window), fetchLimit)
	if err != nil {
		metrics.ClusterRuns.WithLabelValues(models.RunStatusFailed).Inc()
		return nil, fmt.Errorf("%w: failed to gather embeddings: %v", ErrClusteringFailure, err)
	}

	window = e.sample(window)

	logger.Info("Cluster run started",
		zap.String("run_id", runID),
		zap.Int("n_analyzed", len(window)),
	)

	vectors := make([][]float32, len(window))
	for i, emb := range window {
		vectors[i] = emb.Embedding
	}

	labels, err := e.clusterer.Cluster(vectors)
	if err != nil {
		metrics.ClusterRuns.WithLabelValues(models.RunStatusFailed).Inc()
		return nil, fmt.Errorf("%w: %v", ErrClusteringFailure, err)
	}

	labels = e.demoteSmallClusters(labels)

	assignments, metadata, outlierIdx := e.partition(runID, window, vectors, labels)

	verdicts, validationErrors, err := e.sweepOutliers(ctx, window, vectors, metadata, outlierIdx)
	if err != nil {
		// Cancelled mid-sweep: discard everything, publish nothing.
		metrics.ClusterRuns.WithLabelValues(models.RunStatusFailed).Inc()
		return nil, err
	}

	completed := time.Now().UTC()
	run := &models.ClusterRun{
		ID:               runID,
		StartedAt:        start,
		CompletedAt:      &completed,
		NAnalyzed:        len(window),
		NClusters:        len(metadata),
		NOutliers:        len(outlierIdx),
		ValidationErrors: validationErrors,
		Status:           models.RunStatusCompleted,
	}

	if err := e.store.CommitClusterRun(run, assignments, metadata, verdicts); err != nil {
		metrics.ClusterRuns.WithLabelValues(models.RunStatusFailed).Inc()
		return nil, fmt.Errorf("%w: failed to commit run: %v", ErrClusteringFailure, err)
	}

	metrics.ClusterRuns.WithLabelValues(models.RunStatusCompleted).Inc()
	metrics.ClusterOutliers.Observe(float64(len(outlierIdx)))

	logger.Info("Cluster run completed",
		zap.String("run_id", runID),
		zap.Int("n_clusters", run.NClusters),
		zap.Int("n_outliers", run.NOutliers),
		zap.Int("validation_errors", run.ValidationErrors),
		zap.Duration("duration", completed.Sub(start)),
	)

	return run, nil
}

// sample caps the window at SampleSize using a seeded uniform draw so
// a run over the same window is reproducible.
func (e *Engine) sample(window []milvus.LogEmbedding) []milvus.LogEmbedding {
	if e.cfg.SampleSize <= 0 || len(window) <= e.cfg.SampleSize {
		return window
	}

	rng := rand.New(rand.NewSource(e.cfg.SampleSeed))
	idx := rng.Perm(len(window))[:e.cfg.SampleSize]

	sampled := make([]milvus.LogEmbedding, len(idx))
	for i, j := range idx {
		sampled[i] = window[j]
	}
	return sampled
}

// demoteSmallClusters relabels members of clusters below MinClusterSize
// as outliers and renumbers the survivors densely from zero.
func (e *Engine) demoteSmallClusters(labels []int) []int {
	sizes := make(map[int]int)
	for _, l := range labels {
		if l >= 0 {
			sizes[l]++
		}
	}

	remap := make(map[int]int)
	next := 0
	for _, l := range labels {
		if l < 0 {
			continue
		}
		if sizes[l] < e.cfg.MinClusterSize {
			continue
		}
		if _, ok := remap[l]; !ok {
			remap[l] = next
			next++
		}
	}

	out := make([]int, len(labels))
	for i, l := range labels {
		if l < 0 || sizes[l] < e.cfg.MinClusterSize {
			out[i] = models.ClusterOutlier
			continue
		}
		out[i] = remap[l]
	}
	return out
}

func (e *Engine) partition(
	runID string,
	window []milvus.LogEmbedding,
	vectors [][]float32,
	labels []int,
) ([]models.ClusterAssignment, []models.ClusterMetadata, []int) {
	assignments := make([]models.ClusterAssignment, len(window))
	members := make(map[int][]int)
	var outlierIdx []int

	for i, label := range labels {
		assignments[i] = models.ClusterAssignment{
			RunID:     runID,
			LogID:     window[i].LogID,
			ClusterID: label,
		}
		if label == models.ClusterOutlier {
			outlierIdx = append(outlierIdx, i)
			continue
		}
		members[label] = append(members[label], i)
	}

	metadata := make([]models.ClusterMetadata, 0, len(members))
	for clusterID := 0; clusterID < len(members); clusterID++ {
		idx := members[clusterID]

		clusterVectors := make([][]float32, len(idx))
		for i, j := range idx {
			clusterVectors[i] = vectors[j]
		}

		reps := make([]string, 0, maxRepresentatives)
		for _, j := range idx {
			if len(reps) == maxRepresentatives {
				break
			}
			reps = append(reps, window[j].LogID)
		}

		metadata = append(metadata, models.ClusterMetadata{
			RunID:              runID,
			ClusterID:          clusterID,
			Size:               len(idx),
			Centroid:           centroidOf(clusterVectors),
			RepresentativeLogs: reps,
		})
	}

	return assignments, metadata, outlierIdx
}

// sweepOutliers validates every outlier against its nearest cluster.
// One outlier's failure never aborts the sweep; failures are counted
// into the run. The only hard stop is cancellation.
func (e *Engine) sweepOutliers(
	ctx context.Context,
	window []milvus.LogEmbedding,
	vectors [][]float32,
	metadata []models.ClusterMetadata,
	outlierIdx []int,
) ([]models.DetectionVerdict, int, error) {
	if len(outlierIdx) == 0 {
		return nil, 0, nil
	}

	outlierIDs := make([]string, len(outlierIdx))
	for i, j := range outlierIdx {
		outlierIDs[i] = window[j].LogID
	}

	records, err := e.store.GetLogRecords(outlierIDs)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: failed to load outlier records: %v", ErrClusteringFailure, err)
	}
	byID := make(map[string]models.LogRecord, len(records))
	for _, rec := range records {
		byID[rec.ID] = rec
	}

	verdicts := make([]models.DetectionVerdict, 0, len(outlierIdx))
	validationErrors := 0

	for _, j := range outlierIdx {
		if err := ctx.Err(); err != nil {
			return nil, 0, fmt.Errorf("sweep cancelled: %w", err)
		}

		emb := window[j]
		rec, ok := byID[emb.LogID]
		if !ok {
			validationErrors++
			metrics.SweepValidationErrors.Inc()
			continue
		}

		clusterCtx := e.nearestClusterContext(vectors[j], metadata)

		entry := detect.LogInfo{
			Level:   rec.Level,
			Service: rec.Service,
			Message: rec.Message,
		}

		// Density already singled this entry out; the sweep asks the
		// semantic tier to confirm it.
		fast := detect.FastVerdict{Score: 1.0, IsAnomaly: true}
		outcome := e.validator.Validate(ctx, entry, fast, nil, clusterCtx)

		verdict := models.DetectionVerdict{
			LogID:      emb.LogID,
			Tier:       models.TierBatch,
			IsAnomaly:  outcome.IsAnomaly,
			Score:      outcome.Score,
			Confidence: outcome.Confidence,
			Reasoning:  outcome.Reasoning,
			Degraded:   outcome.Degraded,
			CreatedAt:  time.Now().UTC(),
		}

		switch outcome.State {
		case detect.StateConfirmed:
			verdict.Method = models.MethodLLMConfirmed
			e.enrich(ctx, &verdict, entry, clusterCtx)
		case detect.StateRejected:
			verdict.Method = models.MethodLLMRejected
		default:
			verdict.Method = models.MethodExplanationOnly
		}

		if outcome.Degraded {
			validationErrors++
			metrics.SweepValidationErrors.Inc()
		}

		verdicts = append(verdicts, verdict)
	}

	return verdicts, validationErrors, nil
}

// enrich adds root-cause analysis to a confirmed outlier. Analysis
// failure keeps the validator's output; it is never a sweep error.
func (e *Engine) enrich(ctx context.Context, verdict *models.DetectionVerdict, entry detect.LogInfo, clusterCtx *detect.ClusterContext) {
	if e.reasoner == nil {
		verdict.Severity = detect.DeriveSeverity(entry.Level, entry.Message)
		return
	}

	analysis, err := e.reasoner.Analyze(ctx, entry, clusterCtx)
	if err != nil {
		logger.Debug("Root-cause analysis skipped", zap.String("log_id", verdict.LogID), zap.Error(err))
		verdict.Severity = detect.DeriveSeverity(entry.Level, entry.Message)
		return
	}

	verdict.Severity = analysis.Severity
	if reasoning := analysis.Composed(); reasoning != "" {
		verdict.Reasoning = &reasoning
	}
}

// nearestClusterContext finds the cluster whose centroid is closest to
// the outlier and loads a few of its representative entries for
// contrast. Nil when the run produced no clusters.
func (e *Engine) nearestClusterContext(vector []float32, metadata []models.ClusterMetadata) *detect.ClusterContext {
	if len(metadata) == 0 {
		return nil
	}

	best := -1
	bestDist := 0.0
	for i, meta := range metadata {
		d := distance(vector, meta.Centroid)
		if best == -1 || d < bestDist {
			best = i
			bestDist = d
		}
	}

	meta := metadata[best]

	repIDs := meta.RepresentativeLogs
	if len(repIDs) > 5 {
		repIDs = repIDs[:5]
	}

	samples := make([]detect.LogInfo, 0, len(repIDs))
	if records, err := e.store.GetLogRecords(repIDs); err == nil {
		for _, rec := range records {
			samples = append(samples, detect.LogInfo{
				Level:   rec.Level,
				Service: rec.Service,
				Message: rec.Message,
			})
		}
	}

	return &detect.ClusterContext{
		ClusterID: int64(meta.ClusterID),
		Size:      meta.Size,
		Samples:   samples,
	}
}
