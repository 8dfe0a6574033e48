package matcher

import (
	"fmt"
	"math"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Model scores feature rows. Implementations return one score per row; the
// matcher clamps scores into [0,1].
type Model interface {
	Score(features [][]float64) ([]float64, error)
}

// LogisticModel is a logistic regression over the named features produced by
// Extractor: score = sigmoid(bias + Σ weight·feature).
type LogisticModel struct {
	Bias    float64            `yaml:"bias"`
	Weights map[string]float64 `yaml:"weights"`

	vector []float64
}

// NewLogisticModel validates the weights against the extractor's features.
func NewLogisticModel(bias float64, weights map[string]float64) (*LogisticModel, error) {
	m := &LogisticModel{Bias: bias, Weights: weights}
	if err := m.compile(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *LogisticModel) compile() error {
	names := FeatureNames()
	index := make(map[string]int, len(names))
	for i, n := range names {
		index[n] = i
	}

	var unknown []string
	vector := make([]float64, len(names))
	for name, w := range m.Weights {
		i, ok := index[name]
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		vector[i] = w
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("unknown model features: %v", unknown)
	}
	m.vector = vector
	return nil
}

// Score implements Model.
func (m *LogisticModel) Score(features [][]float64) ([]float64, error) {
	scores := make([]float64, len(features))
	for i, row := range features {
		if len(row) != len(m.vector) {
			return nil, fmt.Errorf("feature row %d has %d features, model expects %d", i, len(row), len(m.vector))
		}
		z := m.Bias
		for j, x := range row {
			z += m.vector[j] * x
		}
		scores[i] = 1 / (1 + math.Exp(-z))
	}
	return scores, nil
}

// LoadModel reads a logistic model from a YAML file:
//
//	bias: -4
//	weights:
//	  last_name.jaro_winkler: 0.03
//	  last_name.exact: 0.02
func LoadModel(path string) (*LogisticModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model: %w", err)
	}

	var m LogisticModel
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse model YAML: %w", err)
	}
	if len(m.Weights) == 0 {
		return nil, fmt.Errorf("model %s defines no weights", path)
	}
	if err := m.compile(); err != nil {
		return nil, fmt.Errorf("invalid model %s: %w", path, err)
	}
	return &m, nil
}

// DefaultModel returns hand-tuned weights that accept records agreeing on names
// and, when present, date of birth. A mismatch on any present field pulls the
// score down; absent fields are neutral.
func DefaultModel() *LogisticModel {
	weights := map[string]float64{}
	for _, f := range []string{FieldFirstName, FieldMiddleName, FieldLastName} {
		weights[f+"."+kindJaroWinkler] = 0.03
		weights[f+"."+kindExact] = 0.02
		weights[f+"."+kindPresent] = -0.035
		weights[f+"."+kindSoundex] = 0.01
		weights[f+"."+kindEdit] = 0.01
	}
	for _, f := range []string{FieldDOB, FieldSSN} {
		weights[f+"."+kindJaroWinkler] = 0.03
		weights[f+"."+kindExact] = 0.05
		weights[f+"."+kindPresent] = -0.06
	}
	for _, f := range []string{FieldSex, FieldRace, FieldEthnicity} {
		weights[f+"."+kindExact] = 0.02
		weights[f+"."+kindPresent] = -0.01
	}

	m, err := NewLogisticModel(-4, weights)
	if err != nil {
		panic(fmt.Sprintf("default model is invalid: %v", err))
	}
	return m
}
