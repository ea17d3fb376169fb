package detect

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func feedBaseline(t *testing.T, s *CentroidScorer, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		// Benign entries scattered tightly around (1, 1).
		offset := float32(i%5) * 0.01
		_, err := s.Score(ctx, Features{
			Vector: []float32{1 + offset, 1 - offset},
			Level:  "INFO",
		})
		require.NoError(t, err)
	}
}

func TestCentroidScorerColdStart(t *testing.T) {
	s := NewCentroidScorer(64, 16, 3.0)

	v, err := s.Score(context.Background(), Features{Vector: []float32{1, 1}, Level: "ERROR"})
	require.NoError(t, err)
	assert.False(t, v.IsAnomaly)
	assert.InDelta(t, 0.5, v.Score, 0.01)
}

func TestCentroidScorerFlagsDistantError(t *testing.T) {
	s := NewCentroidScorer(64, 16, 3.0)
	feedBaseline(t, s, 32)

	v, err := s.Score(context.Background(), Features{
		Vector: []float32{50, -50},
		Level:  "ERROR",
	})
	require.NoError(t, err)
	assert.True(t, v.IsAnomaly)
	assert.GreaterOrEqual(t, v.Score, 0.7)
}

func TestCentroidScorerToleratesNearbyInfo(t *testing.T) {
	s := NewCentroidScorer(64, 16, 3.0)
	feedBaseline(t, s, 32)

	v, err := s.Score(context.Background(), Features{
		Vector: []float32{1.01, 0.99},
		Level:  "INFO",
	})
	require.NoError(t, err)
	assert.False(t, v.IsAnomaly)
	assert.Less(t, v.Score, 0.7)
}

func TestCentroidScorerLevelWeightRaisesInfoBar(t *testing.T) {
	ctx := context.Background()
	vec := []float32{1.05, 1.01}

	errScorer := NewCentroidScorer(64, 16, 3.0)
	feedBaseline(t, errScorer, 32)
	asError, err := errScorer.Score(ctx, Features{Vector: vec, Level: "ERROR"})
	require.NoError(t, err)

	infoScorer := NewCentroidScorer(64, 16, 3.0)
	feedBaseline(t, infoScorer, 32)
	asInfo, err := infoScorer.Score(ctx, Features{Vector: vec, Level: "INFO"})
	require.NoError(t, err)

	assert.Greater(t, asError.Score, asInfo.Score)
}

func TestCentroidScorerEmptyVector(t *testing.T) {
	s := NewCentroidScorer(64, 16, 3.0)

	_, err := s.Score(context.Background(), Features{Level: "ERROR"})
	assert.ErrorIs(t, err, ErrScorerUnavailable)
}

func TestCentroidScorerZeroVariance(t *testing.T) {
	s := NewCentroidScorer(64, 4, 3.0)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		s.Score(ctx, Features{Vector: []float32{1, 1}, Level: "INFO"})
	}

	_, err := s.Score(ctx, Features{Vector: []float32{2, 2}, Level: "ERROR"})
	assert.ErrorIs(t, err, ErrScorerUnavailable)
}

func TestCentroidScorerDimensionMismatch(t *testing.T) {
	s := NewCentroidScorer(64, 4, 3.0)
	feedBaseline(t, s, 8)

	_, err := s.Score(context.Background(), Features{
		Vector: []float32{1, 2, 3},
		Level:  "ERROR",
	})
	assert.ErrorIs(t, err, ErrScorerUnavailable)
}

func TestLevelWeightDefaults(t *testing.T) {
	assert.Equal(t, 1.0, levelWeight("ERROR"))
	assert.Equal(t, 1.0, levelWeight("error"))
	assert.Equal(t, 0.8, levelWeight("WARN"))
	assert.Equal(t, 0.3, levelWeight("INFO"))
	assert.Equal(t, 0.5, levelWeight("NOTICE"))
}
