package ml

import (
	"fmt"
	"math"
)

// Classifier yields the probability of the positive (fraudulent/anomalous) class.
type Classifier interface {
	PredictProba(x []float64) (float64, error)
}

// Explainable exposes per-column weights used to build explanations.
type Explainable interface {
	FeatureImportances() map[string]float64
}

// TrainOptions controls the optimizer.
type TrainOptions struct {
	Iterations   int
	LearningRate float64
	L2           float64
}

// DefaultTrainOptions are used when a caller passes a zero value.
func DefaultTrainOptions() TrainOptions {
	return TrainOptions{Iterations: 500, LearningRate: 0.1, L2: 0.001}
}

// LogisticRegression is a binary linear classifier over scaled columns.
type LogisticRegression struct {
	Columns []string  `json:"columns"`
	Weights []float64 `json:"weights"`
	Bias    float64   `json:"bias"`
}

// FitLogistic trains a classifier with full-batch gradient descent from a
// zero start, so the same inputs always produce the same weights.
func FitLogistic(columns []string, X [][]float64, y []int, opts TrainOptions) (*LogisticRegression, error) {
	if len(X) == 0 {
		return nil, fmt.Errorf("no training rows")
	}
	if len(X) != len(y) {
		return nil, fmt.Errorf("rows/labels mismatch: %d != %d", len(X), len(y))
	}
	if opts.Iterations <= 0 {
		opts.Iterations = DefaultTrainOptions().Iterations
	}
	if opts.LearningRate <= 0 {
		opts.LearningRate = DefaultTrainOptions().LearningRate
	}

	width := len(columns)
	for i, row := range X {
		if len(row) != width {
			return nil, fmt.Errorf("row %d has %d columns, expected %d", i, len(row), width)
		}
	}

	m := &LogisticRegression{
		Columns: append([]string(nil), columns...),
		Weights: make([]float64, width),
	}

	n := float64(len(X))
	grad := make([]float64, width)
	for iter := 0; iter < opts.Iterations; iter++ {
		for j := range grad {
			grad[j] = 0
		}
		var gradBias float64

		for i, row := range X {
			diff := sigmoid(m.linear(row)) - float64(y[i])
			for j, v := range row {
				grad[j] += diff * v
			}
			gradBias += diff
		}

		for j := range m.Weights {
			m.Weights[j] -= opts.LearningRate * (grad[j]/n + opts.L2*m.Weights[j])
		}
		m.Bias -= opts.LearningRate * gradBias / n
	}

	return m, nil
}

// PredictProba returns P(y=1 | x).
func (m *LogisticRegression) PredictProba(x []float64) (float64, error) {
	if len(x) != len(m.Weights) {
		return 0, fmt.Errorf("classifier expects %d columns, got %d", len(m.Weights), len(x))
	}
	return sigmoid(m.linear(x)), nil
}

// FeatureImportances returns |w| normalized to sum to 1.
func (m *LogisticRegression) FeatureImportances() map[string]float64 {
	out := make(map[string]float64, len(m.Columns))
	var total float64
	for _, w := range m.Weights {
		total += math.Abs(w)
	}
	for j, col := range m.Columns {
		if total == 0 {
			out[col] = 0
			continue
		}
		out[col] = math.Abs(m.Weights[j]) / total
	}
	return out
}

// Accuracy is the share of rows classified correctly at a 0.5 cut.
func (m *LogisticRegression) Accuracy(X [][]float64, y []int) float64 {
	if len(X) == 0 {
		return 0
	}
	var correct int
	for i, row := range X {
		p := sigmoid(m.linear(row))
		pred := 0
		if p >= 0.5 {
			pred = 1
		}
		if pred == y[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(X))
}

func (m *LogisticRegression) linear(x []float64) float64 {
	z := m.Bias
	for j, v := range x {
		z += m.Weights[j] * v
	}
	return z
}

func (m *LogisticRegression) validate() error {
	if len(m.Columns) != len(m.Weights) {
		return fmt.Errorf("classifier columns/weights mismatch: %d != %d", len(m.Columns), len(m.Weights))
	}
	return nil
}

func sigmoid(z float64) float64 {
	// Split on sign to avoid overflow in exp.
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}
