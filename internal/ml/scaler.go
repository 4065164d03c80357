// Package ml provides the classifier and scaler that make up a model artifact.
package ml

import (
	"fmt"
	"math"
)

// StandardScaler standardizes numeric columns to zero mean and unit variance.
// It is fit only during training and travels with the classifier it was fit for.
type StandardScaler struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

// FitScaler computes column means and standard deviations over rows.
// Missing cells (missing[i][j] == true) are skipped. A column with zero
// variance gets scale 1 so it maps to 0 instead of dividing by zero.
func FitScaler(rows [][]float64, missing [][]bool, width int) *StandardScaler {
	s := &StandardScaler{
		Mean:  make([]float64, width),
		Scale: make([]float64, width),
	}

	for j := 0; j < width; j++ {
		var sum float64
		var n int
		for i, row := range rows {
			if isMissing(missing, i, j) {
				continue
			}
			sum += row[j]
			n++
		}
		if n == 0 {
			s.Scale[j] = 1
			continue
		}
		mean := sum / float64(n)

		var sq float64
		for i, row := range rows {
			if isMissing(missing, i, j) {
				continue
			}
			d := row[j] - mean
			sq += d * d
		}
		std := math.Sqrt(sq / float64(n))
		if std == 0 || math.IsNaN(std) {
			std = 1
		}
		s.Mean[j] = mean
		s.Scale[j] = std
	}

	return s
}

// Width returns the number of columns the scaler was fit on.
func (s *StandardScaler) Width() int {
	return len(s.Mean)
}

// Transform scales one row in place order. Missing cells are imputed with
// the column mean and therefore scale to 0.
func (s *StandardScaler) Transform(row []float64, missing []bool) ([]float64, error) {
	if len(row) != len(s.Mean) {
		return nil, fmt.Errorf("scaler expects %d columns, got %d", len(s.Mean), len(row))
	}
	out := make([]float64, len(row))
	for j, v := range row {
		if j < len(missing) && missing[j] {
			out[j] = 0
			continue
		}
		out[j] = (v - s.Mean[j]) / s.Scale[j]
	}
	return out, nil
}

func (s *StandardScaler) validate() error {
	if len(s.Mean) != len(s.Scale) {
		return fmt.Errorf("scaler mean/scale length mismatch: %d != %d", len(s.Mean), len(s.Scale))
	}
	for j, sc := range s.Scale {
		if sc == 0 || math.IsNaN(sc) || math.IsInf(sc, 0) {
			return fmt.Errorf("scaler column %d has invalid scale %v", j, sc)
		}
	}
	return nil
}

func isMissing(missing [][]bool, i, j int) bool {
	if i >= len(missing) || j >= len(missing[i]) {
		return false
	}
	return missing[i][j]
}
