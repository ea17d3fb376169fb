package sqlite

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ai-log-analytics/backend/internal/storage/models"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()

	client, err := NewClient(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	require.NoError(t, client.InitSchema())
	return client
}

func sampleRecord(id string) *models.LogRecord {
	return &models.LogRecord{
		ID:          id,
		Service:     "api",
		Level:       "ERROR",
		Message:     "connection refused from [IP]",
		RawLog:      "connection refused from 10.0.0.5",
		PIIRedacted: true,
		PIIEntities: map[string]int{"IP": 1},
		Timestamp:   time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
		CreatedAt:   time.Date(2026, 8, 30, 12, 0, 1, 0, time.UTC),
	}
}

func TestInsertAndGetLogRecord(t *testing.T) {
	client := newTestClient(t)

	rec := sampleRecord("log-1")
	require.NoError(t, client.InsertLogRecord(rec))

	got, err := client.GetLogRecord("log-1")
	require.NoError(t, err)

	assert.Equal(t, rec.Message, got.Message)
	assert.Equal(t, rec.RawLog, got.RawLog)
	assert.Equal(t, rec.Service, got.Service)
	assert.True(t, got.PIIRedacted)
	assert.Equal(t, map[string]int{"IP": 1}, got.PIIEntities)
	assert.Equal(t, rec.Timestamp, got.Timestamp)
}

func TestInsertLogRecordIdempotent(t *testing.T) {
	client := newTestClient(t)

	rec := sampleRecord("log-1")
	require.NoError(t, client.InsertLogRecord(rec))
	require.NoError(t, client.InsertLogRecord(rec))

	records, err := client.GetLogRecords([]string{"log-1"})
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestUpsertVerdictReplacesPerTier(t *testing.T) {
	client := newTestClient(t)
	require.NoError(t, client.InsertLogRecord(sampleRecord("log-1")))

	first := &models.DetectionVerdict{
		LogID:     "log-1",
		Tier:      models.TierRealtime,
		Method:    models.MethodFast,
		IsAnomaly: false,
		Score:     0.2,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, client.UpsertVerdict(first))

	second := &models.DetectionVerdict{
		LogID:      "log-1",
		Tier:       models.TierRealtime,
		Method:     models.MethodLLMConfirmed,
		IsAnomaly:  true,
		Score:      0.85,
		Confidence: 0.9,
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, client.UpsertVerdict(second))

	verdicts, err := client.GetVerdicts("log-1")
	require.NoError(t, err)
	require.Len(t, verdicts, 1)
	assert.Equal(t, models.MethodLLMConfirmed, verdicts[0].Method)
	assert.True(t, verdicts[0].IsAnomaly)
}

func TestVerdictHistoryAppendsAcrossTiers(t *testing.T) {
	client := newTestClient(t)
	require.NoError(t, client.InsertLogRecord(sampleRecord("log-1")))

	reasoning := "isolated from every cluster"
	require.NoError(t, client.UpsertVerdict(&models.DetectionVerdict{
		LogID:     "log-1",
		Tier:      models.TierRealtime,
		Method:    models.MethodFast,
		Score:     0.4,
		CreatedAt: time.Unix(100, 0),
	}))
	require.NoError(t, client.UpsertVerdict(&models.DetectionVerdict{
		LogID:     "log-1",
		Tier:      models.TierBatch,
		Method:    models.MethodLLMConfirmed,
		IsAnomaly: true,
		Score:     1.0,
		Reasoning: &reasoning,
		Severity:  "HIGH",
		CreatedAt: time.Unix(200, 0),
	}))

	verdicts, err := client.GetVerdicts("log-1")
	require.NoError(t, err)
	require.Len(t, verdicts, 2)

	assert.Equal(t, models.TierRealtime, verdicts[0].Tier)
	assert.Equal(t, models.TierBatch, verdicts[1].Tier)
	require.NotNil(t, verdicts[1].Reasoning)
	assert.Equal(t, reasoning, *verdicts[1].Reasoning)
	assert.Equal(t, "HIGH", verdicts[1].Severity)
}

func TestCommitClusterRunAtomicRead(t *testing.T) {
	client := newTestClient(t)
	require.NoError(t, client.InsertLogRecord(sampleRecord("log-1")))
	require.NoError(t, client.InsertLogRecord(sampleRecord("log-2")))
	require.NoError(t, client.InsertLogRecord(sampleRecord("log-3")))

	completed := time.Date(2026, 8, 30, 13, 0, 0, 0, time.UTC)
	run := &models.ClusterRun{
		ID:          "run-1",
		StartedAt:   completed.Add(-time.Minute),
		CompletedAt: &completed,
		NAnalyzed:   3,
		NClusters:   1,
		NOutliers:   1,
		Status:      models.RunStatusCompleted,
	}
	assignments := []models.ClusterAssignment{
		{RunID: "run-1", LogID: "log-1", ClusterID: 0},
		{RunID: "run-1", LogID: "log-2", ClusterID: 0},
		{RunID: "run-1", LogID: "log-3", ClusterID: models.ClusterOutlier},
	}
	metadata := []models.ClusterMetadata{
		{RunID: "run-1", ClusterID: 0, Size: 2, Centroid: []float32{0.5, 0.5}, RepresentativeLogs: []string{"log-1", "log-2"}},
	}
	verdicts := []models.DetectionVerdict{
		{LogID: "log-3", Tier: models.TierBatch, Method: models.MethodLLMConfirmed, IsAnomaly: true, Score: 1.0, CreatedAt: completed},
	}

	require.NoError(t, client.CommitClusterRun(run, assignments, metadata, verdicts))

	gotRun, err := client.GetClusterRun("run-1")
	require.NoError(t, err)
	require.NotNil(t, gotRun)
	assert.Equal(t, models.RunStatusCompleted, gotRun.Status)
	assert.Equal(t, 3, gotRun.NAnalyzed)
	require.NotNil(t, gotRun.CompletedAt)
	assert.Equal(t, completed, *gotRun.CompletedAt)

	meta, err := client.GetClusterMetadata("run-1", 0)
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, 2, meta.Size)
	assert.Equal(t, []float32{0.5, 0.5}, meta.Centroid)
	assert.Equal(t, []string{"log-1", "log-2"}, meta.RepresentativeLogs)

	batchVerdicts, err := client.GetVerdicts("log-3")
	require.NoError(t, err)
	require.Len(t, batchVerdicts, 1)
	assert.Equal(t, models.TierBatch, batchVerdicts[0].Tier)
}

func TestCommitClusterRunRollsBackOnDuplicate(t *testing.T) {
	client := newTestClient(t)
	require.NoError(t, client.InsertLogRecord(sampleRecord("log-1")))

	run := &models.ClusterRun{ID: "run-1", StartedAt: time.Now(), Status: models.RunStatusCompleted}

	// Duplicate (run_id, log_id) pair violates the primary key.
	assignments := []models.ClusterAssignment{
		{RunID: "run-1", LogID: "log-1", ClusterID: 0},
		{RunID: "run-1", LogID: "log-1", ClusterID: 1},
	}

	err := client.CommitClusterRun(run, assignments, nil, nil)
	require.Error(t, err)

	gotRun, err := client.GetClusterRun("run-1")
	require.NoError(t, err)
	assert.Nil(t, gotRun)
}

func TestGetLatestCompletedRunID(t *testing.T) {
	client := newTestClient(t)

	id, err := client.GetLatestCompletedRunID()
	require.NoError(t, err)
	assert.Empty(t, id)

	early := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	late := time.Date(2026, 8, 30, 11, 0, 0, 0, time.UTC)

	require.NoError(t, client.CommitClusterRun(
		&models.ClusterRun{ID: "run-old", StartedAt: early.Add(-time.Minute), CompletedAt: &early, Status: models.RunStatusCompleted},
		nil, nil, nil))
	require.NoError(t, client.CommitClusterRun(
		&models.ClusterRun{ID: "run-new", StartedAt: late.Add(-time.Minute), CompletedAt: &late, Status: models.RunStatusCompleted},
		nil, nil, nil))

	id, err = client.GetLatestCompletedRunID()
	require.NoError(t, err)
	assert.Equal(t, "run-new", id)
}

func TestGetClusterMetadataMissing(t *testing.T) {
	client := newTestClient(t)

	meta, err := client.GetClusterMetadata("nope", 0)
	require.NoError(t, err)
	assert.Nil(t, meta)
}

func TestGetRecentLogsExcludesAndOrders(t *testing.T) {
	client := newTestClient(t)

	for i, id := range []string{"log-1", "log-2", "log-3"} {
		rec := sampleRecord(id)
		rec.Timestamp = time.Date(2026, 8, 30, 12, i, 0, 0, time.UTC)
		require.NoError(t, client.InsertLogRecord(rec))
	}

	records, err := client.GetRecentLogs("log-3", 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "log-2", records[0].ID)
	assert.Equal(t, "log-1", records[1].ID)
}
