package training

import (
	"math"
)

// RegressionMetrics holds the error statistics of one validation batch
type RegressionMetrics struct {
	MAE  float64 // Mean absolute error
	MSE  float64 // Mean squared error
	RMSE float64
	R2   float64 // Coefficient of determination
	NMAE float64 // MAE normalized by the target range
}

// CalculateRegressionMetrics compares predictions with targets element-wise.
// Mismatched or empty inputs give zero metrics.
func CalculateRegressionMetrics(predictions, targets []float32) *RegressionMetrics {
	n := len(targets)
	if n == 0 || len(predictions) != n {
		return &RegressionMetrics{}
	}

	meanTrue := 0.0
	for _, v := range targets {
		meanTrue += float64(v)
	}
	meanTrue /= float64(n)

	var sumAbsErr, sumSqErr, sumSqTotal float64
	minTrue, maxTrue := math.Inf(1), math.Inf(-1)
	for i, t := range targets {
		want := float64(t)
		diff := float64(predictions[i]) - want
		sumAbsErr += math.Abs(diff)
		sumSqErr += diff * diff
		sumSqTotal += (want - meanTrue) * (want - meanTrue)
		minTrue = math.Min(minTrue, want)
		maxTrue = math.Max(maxTrue, want)
	}

	m := &RegressionMetrics{
		MAE: sumAbsErr / float64(n),
		MSE: sumSqErr / float64(n),
	}
	m.RMSE = math.Sqrt(m.MSE)
	if sumSqTotal > 0 {
		m.R2 = 1.0 - sumSqErr/sumSqTotal
	}
	if maxTrue > minTrue {
		m.NMAE = m.MAE / (maxTrue - minTrue)
	}
	return m
}

// AsMap returns the metrics keyed the way validation results are reported
func (m *RegressionMetrics) AsMap() map[string]float64 {
	return map[string]float64{
		"mae":  m.MAE,
		"mse":  m.MSE,
		"rmse": m.RMSE,
		"r2":   m.R2,
	}
}
