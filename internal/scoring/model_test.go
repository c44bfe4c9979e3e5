package scoring

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finsecure/payrisk/internal/models"
)

func writeModelArtifact(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const validArtifact = `{
	"version": "gbm-test",
	"num_features": 22,
	"base_score": -1.0,
	"trees": [
		{"nodes": [
			{"leaf": false, "feature": 15, "threshold": 5.0, "left": 1, "right": 2},
			{"leaf": true, "value": -0.5},
			{"leaf": true, "value": 1.5}
		]}
	]
}`

func TestLoadModel(t *testing.T) {
	path := writeModelArtifact(t, validArtifact)

	m, err := LoadModel(path)
	require.NoError(t, err)
	assert.Equal(t, "gbm-test", m.Version)
	assert.Len(t, m.Trees, 1)
}

func TestLoadModelMissingFile(t *testing.T) {
	_, err := LoadModel(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}

func TestLoadModelWrongFeatureCount(t *testing.T) {
	path := writeModelArtifact(t, `{
		"version": "bad",
		"num_features": 10,
		"trees": [{"nodes": [{"leaf": true, "value": 0.1}]}]
	}`)

	_, err := LoadModel(path)
	assert.ErrorContains(t, err, "features")
}

func TestLoadModelNoTrees(t *testing.T) {
	path := writeModelArtifact(t, `{"version": "bad", "num_features": 22, "trees": []}`)
	_, err := LoadModel(path)
	assert.ErrorContains(t, err, "no trees")
}

func TestLoadModelNodeOutOfRange(t *testing.T) {
	path := writeModelArtifact(t, `{
		"version": "bad",
		"num_features": 22,
		"trees": [{"nodes": [
			{"leaf": false, "feature": 0, "threshold": 1.0, "left": 1, "right": 5},
			{"leaf": true, "value": 0.1}
		]}]
	}`)

	_, err := LoadModel(path)
	assert.ErrorContains(t, err, "out of range")
}

func TestPredictTreeWalk(t *testing.T) {
	path := writeModelArtifact(t, validArtifact)
	m, err := LoadModel(path)
	require.NoError(t, err)

	features := make([]float64, FeatureCount)

	// deviation below the split: margin = -1.0 - 0.5
	features[15] = 2.0
	score, err := m.Predict(features)
	require.NoError(t, err)
	assert.InDelta(t, 1/(1+math.Exp(1.5)), score, 1e-9)

	// deviation above the split: margin = -1.0 + 1.5
	features[15] = 8.0
	score, err = m.Predict(features)
	require.NoError(t, err)
	assert.InDelta(t, 1/(1+math.Exp(-0.5)), score, 1e-9)
}

func TestPredictWrongVectorWidth(t *testing.T) {
	path := writeModelArtifact(t, validArtifact)
	m, err := LoadModel(path)
	require.NoError(t, err)

	_, err = m.Predict(make([]float64, 3))
	assert.Error(t, err)
}

func TestScorerFallbackWhenArtifactMissing(t *testing.T) {
	s := NewMLScorer(filepath.Join(t.TempDir(), "absent.json"))

	features := make([]float64, FeatureCount)
	result := s.Score(context.Background(), features, &models.ReceiverContext{}, false)

	assert.True(t, result.Degraded)
	assert.Equal(t, FallbackModelVersion, result.ModelVersion)
	assert.Equal(t, FallbackModelVersion, s.ModelVersion())
}

func TestScorerUsesModel(t *testing.T) {
	path := writeModelArtifact(t, validArtifact)
	s := NewMLScorer(path)

	features := make([]float64, FeatureCount)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	result := s.Score(ctx, features, &models.ReceiverContext{}, false)
	assert.False(t, result.Degraded)
	assert.Equal(t, "gbm-test", result.ModelVersion)
}

func TestFallbackScoreContributions(t *testing.T) {
	clean := make([]float64, FeatureCount)
	assert.Zero(t, FallbackScore(clean, &models.ReceiverContext{}, false))

	// Risky receiver alone
	rc := &models.ReceiverContext{FraudCount: 5, TotalTransactions: 10}
	assert.InDelta(t, 0.35, FallbackScore(clean, rc, false), 1e-9)

	// Deviation tiers
	f := make([]float64, FeatureCount)
	f[15] = 4
	assert.InDelta(t, 0.10, FallbackScore(f, &models.ReceiverContext{}, false), 1e-9)
	f[15] = 6
	assert.InDelta(t, 0.25, FallbackScore(f, &models.ReceiverContext{}, false), 1e-9)
	f[15] = 11
	assert.InDelta(t, 0.40, FallbackScore(f, &models.ReceiverContext{}, false), 1e-9)

	// New receiver and velocity
	f = make([]float64, FeatureCount)
	f[3] = 1
	f[14] = 1
	assert.InDelta(t, 0.40, FallbackScore(f, &models.ReceiverContext{}, false), 1e-9)

	// Device change
	assert.InDelta(t, 0.15, FallbackScore(clean, &models.ReceiverContext{}, true), 1e-9)
}

func TestFallbackScoreSingleClamp(t *testing.T) {
	f := make([]float64, FeatureCount)
	f[15] = 20
	f[3] = 1
	f[14] = 1
	rc := &models.ReceiverContext{FraudCount: 9, TotalTransactions: 10}

	// 0.35 + 0.40 + 0.15 + 0.25 + 0.15 sums past 1.0 before the clamp
	assert.Equal(t, 1.0, FallbackScore(f, rc, true))
}
