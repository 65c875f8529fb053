package nn

import (
	"context"
	"fmt"
)

// Loss is a materialized scalar loss that can be backpropagated once per forward
type Loss interface {
	Value() float32
	// Backward propagates d(scale*loss) into the graph's parameters
	Backward(scale float32) error
}

// MSELoss is the mean squared error between a prediction and a target
type MSELoss struct {
	pred   *Value
	target []float32
	value  float32
}

// NewMSELoss computes mean((pred - target)^2). Under autocast the loss value
// is rounded to float16.
func NewMSELoss(ctx context.Context, pred *Value, target []float32) (*MSELoss, error) {
	if len(target) != len(pred.Data) {
		return nil, fmt.Errorf("mse target has %d elements, prediction has %d", len(target), len(pred.Data))
	}
	if len(target) == 0 {
		return nil, fmt.Errorf("mse over an empty prediction")
	}

	var sum float64
	for i, p := range pred.Data {
		d := float64(p - target[i])
		sum += d * d
	}
	value := float32(sum / float64(len(target)))
	if AutocastEnabled(ctx) {
		value = RoundToHalf(value)
	}
	return &MSELoss{pred: pred, target: target, value: value}, nil
}

func (l *MSELoss) Value() float32 {
	return l.value
}

func (l *MSELoss) Backward(scale float32) error {
	n := float32(len(l.target))
	grad := make([]float32, len(l.target))
	for i, p := range l.pred.Data {
		grad[i] = scale * 2 * (p - l.target[i]) / n
	}
	return Backward(l.pred, grad)
}
