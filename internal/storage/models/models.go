package models

import "time"

// Verdict methods. A FAST verdict comes from the statistical tier alone;
// the LLM_* methods record the semantic tier's decision; EXPLANATION_ONLY
// preserves the fast tier's verdict when the LLM could not be consulted
// or its answer could not be parsed.
const (
	MethodFast            = "FAST"
	MethodLLMConfirmed    = "LLM_CONFIRMED"
	MethodLLMRejected     = "LLM_REJECTED"
	MethodExplanationOnly = "EXPLANATION_ONLY"
)

// Verdict tiers. Each log gets at most one verdict per tier; the batch
// tier appends to the history, it never overwrites the realtime verdict.
const (
	TierRealtime = "realtime"
	TierBatch    = "batch"
)

// ClusterOutlier is the sentinel cluster id for points no density
// cluster claimed.
const ClusterOutlier = -1

type LogRecord struct {
	ID          string
	Service     string
	Level       string
	Message     string
	RawLog      string
	PIIRedacted bool
	PIIEntities map[string]int
	Timestamp   time.Time
	CreatedAt   time.Time
}

type DetectionVerdict struct {
	ID         int64
	LogID      string
	Tier       string
	Method     string
	IsAnomaly  bool
	Score      float64
	Confidence float64
	Reasoning  *string
	Severity   string
	Degraded   bool
	CreatedAt  time.Time
}

type ClusterAssignment struct {
	RunID     string
	LogID     string
	ClusterID int
}

type ClusterMetadata struct {
	RunID              string
	ClusterID          int
	Size               int
	Centroid           []float32
	RepresentativeLogs []string
}

type ClusterRun struct {
	ID               string
	StartedAt        time.Time
	CompletedAt      *time.Time
	NAnalyzed        int
	NClusters        int
	NOutliers        int
	ValidationErrors int
	Status           string
}

// Cluster run statuses.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

type BudgetState struct {
	Date     string
	SpentUSD float64
	LimitUSD float64
}
