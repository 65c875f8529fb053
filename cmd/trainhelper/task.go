package main

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"

	"github.com/tsawler/go-trainhelper/data"
	"github.com/tsawler/go-trainhelper/nn"
	"github.com/tsawler/go-trainhelper/training"
	"github.com/tsawler/go-trainhelper/vis"
)

// regressionTask fits every sub-model to the same target and reports
// per-model losses.
type regressionTask struct {
	group   *training.ModelGroup
	outputs map[string]*nn.Value
	losses  map[string]float32
	targets []float32
}

func newRegressionTask(group *training.ModelGroup) *regressionTask {
	return &regressionTask{
		group:   group,
		outputs: make(map[string]*nn.Value),
		losses:  make(map[string]float32),
	}
}

func (r *regressionTask) Forward(ctx context.Context, epoch, step int, batch *data.Batch) error {
	r.targets = batch.Targets
	for _, name := range r.group.Names() {
		out, err := r.group.Model(name).Forward(ctx, batch.Inputs)
		if err != nil {
			return fmt.Errorf("forward %s: %v", name, err)
		}
		r.outputs[name] = out
	}
	return nil
}

// Loss returns the mean squared error binding for name
func (r *regressionTask) Loss(name string) training.LossFunc {
	return func(ctx context.Context) (nn.Loss, error) {
		out := r.outputs[name]
		if out == nil {
			return nil, nil
		}
		loss, err := nn.NewMSELoss(ctx, out, r.targets)
		if err != nil {
			return nil, err
		}
		r.losses[name] = loss.Value()
		return loss, nil
	}
}

// Validate scores the EMA shadow when there is one, the live model otherwise
func (r *regressionTask) Validate(ctx context.Context, epoch int, batch *data.Batch) (map[string]float64, error) {
	metrics := make(map[string]float64)
	for i, name := range r.group.Names() {
		m := r.group.GetBareModel(r.group.Model(name))
		if shadow := r.group.EMA(name); shadow != nil {
			m = shadow.Model
		}
		out, err := m.Forward(ctx, batch.Inputs)
		if err != nil {
			return nil, fmt.Errorf("validate %s: %v", name, err)
		}
		res := training.CalculateRegressionMetrics(out.Data, batch.Targets)
		for k, v := range res.AsMap() {
			metrics[name+"_"+k] = v
		}
		if i == 0 {
			metrics["loss"] = res.MSE
		}
	}
	return metrics, nil
}

func (r *regressionTask) PrintMetric() string {
	parts := make([]string, 0, len(r.losses))
	for _, name := range r.group.Names() {
		if v, ok := r.losses[name]; ok {
			parts = append(parts, fmt.Sprintf("%s=%.4f", name, v))
		}
	}
	return strings.Join(parts, " ")
}

func (r *regressionTask) VisItems() map[string]vis.Item {
	items := make(map[string]vis.Item, len(r.losses))
	for name, v := range r.losses {
		items["loss/"+name] = vis.Scalar(float64(v))
	}
	return items
}

// newDataset samples y = sin(3a) + b/2 over the unit square
func newDataset(n int, seed int64) *data.TensorDataset {
	rng := rand.New(rand.NewSource(seed))
	ds := &data.TensorDataset{}
	for i := 0; i < n; i++ {
		a, b := rng.Float32(), rng.Float32()
		ds.Features = append(ds.Features, []float32{a, b})
		ds.Targets = append(ds.Targets, []float32{float32(math.Sin(3*float64(a))) + b/2})
	}
	return ds
}
