// Package detect holds the two detection tiers and the policy that
// connects them: a cheap statistical scorer run on every log, and an
// LLM validator run only on escalated candidates.
package detect

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
)

// ErrScorerUnavailable signals that no statistical score could be
// produced. The pipeline skips the fast tier and does not escalate.
var ErrScorerUnavailable = errors.New("scorer unavailable")

// FastVerdict is the fast tier's output for one log.
type FastVerdict struct {
	Score     float64
	IsAnomaly bool
}

// Features is the scorer input: the embedding plus the structured
// fields that adjust sensitivity.
type Features struct {
	Vector  []float32
	Level   string
	Service string
}

// Scorer is the fast statistical tier.
type Scorer interface {
	Score(ctx context.Context, features Features) (FastVerdict, error)
}

// Level weights tune how hard it is for a log to be flagged. INFO and
// DEBUG entries need roughly 3-5x larger statistical deviations than
// ERROR entries before they count as anomalous.
var levelWeights = map[string]float64{
	"ERROR": 1.0,
	"FATAL": 1.0,
	"WARN":  0.8,
	"INFO":  0.3,
	"DEBUG": 0.2,
	"TRACE": 0.1,
}

const defaultLevelWeight = 0.5

func levelWeight(level string) float64 {
	if w, ok := levelWeights[strings.ToUpper(level)]; ok {
		return w
	}
	return defaultLevelWeight
}

// CentroidScorer scores a log by how far its embedding sits from the
// centroid of a sliding window of recent embeddings, expressed as a
// z-score over the window's distance distribution and weighted by log
// level. Model state is the window itself; scoring also observes the
// vector, so the baseline tracks the stream.
type CentroidScorer struct {
	mu              sync.Mutex
	window          [][]float32
	next            int
	full            bool
	windowSize      int
	minObservations int
	zThreshold      float64
}

var _ Scorer = (*CentroidScorer)(nil)

func NewCentroidScorer(windowSize, minObservations int, zThreshold float64) *CentroidScorer {
	if windowSize <= 0 {
		windowSize = 256
	}
	if minObservations <= 0 {
		minObservations = 16
	}
	if zThreshold <= 0 {
		zThreshold = 3.0
	}
	return &CentroidScorer{
		window:          make([][]float32, 0, windowSize),
		windowSize:      windowSize,
		minObservations: minObservations,
		zThreshold:      zThreshold,
	}
}

func (s *CentroidScorer) Score(_ context.Context, features Features) (FastVerdict, error) {
	if len(features.Vector) == 0 {
		return FastVerdict{}, fmt.Errorf("%w: empty feature vector", ErrScorerUnavailable)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	weight := levelWeight(features.Level)

	// Cold start: no baseline yet, nothing can be called an outlier.
	if len(s.window) < s.minObservations {
		s.observe(features.Vector)
		return FastVerdict{Score: weight * 0.5, IsAnomaly: false}, nil
	}

	if len(s.window[0]) != len(features.Vector) {
		return FastVerdict{}, fmt.Errorf("%w: vector dimension %d does not match window dimension %d",
			ErrScorerUnavailable, len(features.Vector), len(s.window[0]))
	}

	centroid := centroidOf(s.window)
	mean, std := distanceStats(s.window, centroid)
	if std == 0 {
		s.observe(features.Vector)
		return FastVerdict{}, fmt.Errorf("%w: zero variance in baseline window", ErrScorerUnavailable)
	}

	z := math.Abs(euclidean(features.Vector, centroid)-mean) / std
	s.observe(features.Vector)

	score := clamp01(z * weight / s.zThreshold)

	// ERROR/WARN are flagged at the plain z threshold; lower levels
	// must clear a level-adjusted bar.
	isAnomaly := (weight >= 0.8 && z > s.zThreshold) || z > s.zThreshold/weight

	return FastVerdict{Score: score, IsAnomaly: isAnomaly}, nil
}

func (s *CentroidScorer) observe(vec []float32) {
	if len(s.window) > 0 && len(s.window[0]) != len(vec) {
		return
	}
	stored := make([]float32, len(vec))
	copy(stored, vec)

	if len(s.window) < s.windowSize {
		s.window = append(s.window, stored)
		return
	}
	s.window[s.next] = stored
	s.next = (s.next + 1) % s.windowSize
}

func centroidOf(vectors [][]float32) []float64 {
	dim := len(vectors[0])
	centroid := make([]float64, dim)
	for _, vec := range vectors {
		for i, v := range vec {
			centroid[i] += float64(v)
		}
	}
	for i := range centroid {
		centroid[i] /= float64(len(vectors))
	}
	return centroid
}

func distanceStats(vectors [][]float32, centroid []float64) (mean, std float64) {
	distances := make([]float64, len(vectors))
	for i, vec := range vectors {
		distances[i] = euclidean(vec, centroid)
		mean += distances[i]
	}
	mean /= float64(len(distances))

	var variance float64
	for _, d := range distances {
		variance += (d - mean) * (d - mean)
	}
	variance /= float64(len(distances))

	return mean, math.Sqrt(variance)
}

func euclidean(vec []float32, centroid []float64) float64 {
	var sum float64
	for i, v := range vec {
		d := float64(v) - centroid[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
