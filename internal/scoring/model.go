package scoring

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/finsecure/payrisk/internal/metrics"
	"github.com/finsecure/payrisk/internal/models"
)

// FallbackModelVersion marks assessments scored by the heuristic.
const FallbackModelVersion = "fallback"

// Model is a gradient-boosted tree ensemble loaded from a JSON artifact.
// It is immutable after load and shared read-only across assessments.
type Model struct {
	Version     string  `json:"version"`
	NumFeatures int     `json:"num_features"`
	BaseScore   float64 `json:"base_score"`
	Trees       []Tree  `json:"trees"`
}

// Tree is one booster in flat-array form. Node 0 is the root.
type Tree struct {
	Nodes []TreeNode `json:"nodes"`
}

// TreeNode is either a split (Leaf=false, feature < threshold goes left)
// or a leaf contributing Value to the margin.
type TreeNode struct {
	Leaf      bool    `json:"leaf"`
	Feature   int     `json:"feature"`
	Threshold float64 `json:"threshold"`
	Left      int     `json:"left"`
	Right     int     `json:"right"`
	Value     float64 `json:"value"`
}

// LoadModel reads and validates the model artifact.
func LoadModel(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model artifact: %w", err)
	}

	var m Model
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse model artifact: %w", err)
	}

	if m.NumFeatures != FeatureCount {
		return nil, fmt.Errorf("model expects %d features, engine produces %d", m.NumFeatures, FeatureCount)
	}
	if len(m.Trees) == 0 {
		return nil, fmt.Errorf("model artifact has no trees")
	}
	for i, t := range m.Trees {
		if len(t.Nodes) == 0 {
			return nil, fmt.Errorf("tree %d has no nodes", i)
		}
		for j, n := range t.Nodes {
			if n.Leaf {
				continue
			}
			if n.Feature < 0 || n.Feature >= FeatureCount ||
				n.Left < 0 || n.Left >= len(t.Nodes) ||
				n.Right < 0 || n.Right >= len(t.Nodes) {
				return nil, fmt.Errorf("tree %d node %d references out of range", i, j)
			}
		}
	}

	return &m, nil
}

// Predict walks every tree and squashes the summed margin through a
// sigmoid into a fraud probability.
func (m *Model) Predict(features []float64) (float64, error) {
	if len(features) != FeatureCount {
		return 0, fmt.Errorf("expected %d features, got %d", FeatureCount, len(features))
	}

	margin := m.BaseScore
	for ti := range m.Trees {
		nodes := m.Trees[ti].Nodes
		i := 0
		for !nodes[i].Leaf {
			if features[nodes[i].Feature] < nodes[i].Threshold {
				i = nodes[i].Left
			} else {
				i = nodes[i].Right
			}
		}
		margin += nodes[i].Value
	}

	return sigmoid(margin), nil
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// MLScorer produces the ML subscore. When the artifact is missing or
// inference fails, the deterministic heuristic takes over.
type MLScorer struct {
	model *Model
}

// NewMLScorer loads the artifact at path. A missing artifact is not fatal;
// the scorer runs in fallback mode until restarted with a valid path.
func NewMLScorer(modelPath string) *MLScorer {
	model, err := LoadModel(modelPath)
	if err != nil {
		log.Warn().Err(err).Str("path", modelPath).Msg("Model artifact unavailable, using fallback heuristic")
		return &MLScorer{}
	}

	log.Info().Str("version", model.Version).Int("trees", len(model.Trees)).Msg("Model artifact loaded")
	return &MLScorer{model: model}
}

// ModelVersion reports the active artifact version, or the fallback marker
// when no artifact is loaded.
func (s *MLScorer) ModelVersion() string {
	if s.model == nil {
		return FallbackModelVersion
	}
	return s.model.Version
}

// MLResult is the scorer's output. Degraded is set whenever the heuristic
// answered instead of the model.
type MLResult struct {
	Score        float64
	ModelVersion string
	Degraded     bool
}

// Score runs inference under the caller's deadline. Inference is pure CPU
// work; a deadline hit or model error degrades to the heuristic rather
// than failing the assessment.
func (s *MLScorer) Score(ctx context.Context, features []float64, rc *models.ReceiverContext, deviceChange bool) MLResult {
	if s.model == nil {
		metrics.MLFallbacks.Inc()
		return MLResult{Score: FallbackScore(features, rc, deviceChange), ModelVersion: FallbackModelVersion, Degraded: true}
	}

	type prediction struct {
		score float64
		err   error
	}
	done := make(chan prediction, 1)
	go func() {
		score, err := s.model.Predict(features)
		done <- prediction{score, err}
	}()

	select {
	case <-ctx.Done():
		log.Warn().Err(ctx.Err()).Msg("Model inference deadline exceeded, using fallback heuristic")
	case p := <-done:
		if p.err == nil {
			return MLResult{Score: p.score, ModelVersion: s.model.Version}
		}
		log.Error().Err(p.err).Msg("Model inference failed, using fallback heuristic")
	}

	metrics.MLFallbacks.Inc()
	return MLResult{Score: FallbackScore(features, rc, deviceChange), ModelVersion: FallbackModelVersion, Degraded: true}
}

// FallbackScore is the deterministic heuristic used when the model cannot
// answer. Contributions are summed first and clamped once at the end.
func FallbackScore(features []float64, rc *models.ReceiverContext, deviceChange bool) float64 {
	var score float64

	if rc.FraudRatio() >= 0.5 {
		score += 0.35
	}

	deviation := features[15]
	switch {
	case deviation > 10:
		score += 0.40
	case deviation > 5:
		score += 0.25
	case deviation > 3:
		score += 0.10
	}

	if features[3] == 1 { // is_new_receiver
		score += 0.15
	}
	if features[14] == 1 { // velocity_check
		score += 0.25
	}
	if deviceChange {
		score += 0.15
	}

	return clamp01(score)
}
