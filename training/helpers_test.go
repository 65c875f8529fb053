package training

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/tsawler/go-trainhelper/data"
	"github.com/tsawler/go-trainhelper/nn"
)

// regressionTask fits every registered model to the same targets
type regressionTask struct {
	group   *ModelGroup
	outputs map[string]*nn.Value
	targets []float32
	skip    map[string]bool

	// valLoss, when set, replaces the computed validation loss
	valLoss *float64
}

func newRegressionTask(group *ModelGroup) *regressionTask {
	task := &regressionTask{
		group:   group,
		outputs: make(map[string]*nn.Value),
		skip:    make(map[string]bool),
	}
	group.Bind(task)
	return task
}

func (r *regressionTask) Forward(ctx context.Context, epoch, step int, batch *data.Batch) error {
	r.targets = batch.Targets
	for _, name := range r.group.Names() {
		out, err := r.group.Model(name).Forward(ctx, batch.Inputs)
		if err != nil {
			return err
		}
		r.outputs[name] = out
	}
	return nil
}

func (r *regressionTask) lossFor(name string) LossFunc {
	return func(ctx context.Context) (nn.Loss, error) {
		if r.skip[name] {
			return nil, nil
		}
		return nn.NewMSELoss(ctx, r.outputs[name], r.targets)
	}
}

func (r *regressionTask) Validate(ctx context.Context, epoch int, batch *data.Batch) (map[string]float64, error) {
	name := r.group.Names()[0]
	out, err := r.group.Model(name).Forward(ctx, batch.Inputs)
	if err != nil {
		return nil, err
	}
	metrics := CalculateRegressionMetrics(out.Data, batch.Targets).AsMap()
	metrics["loss"] = metrics["mse"]
	if r.valLoss != nil {
		metrics["loss"] = *r.valLoss
	}
	metrics["count"] = float64(batch.Size())
	return metrics, nil
}

// linearDataset holds n samples of y = 2a - b + 1
func linearDataset(n int) *data.TensorDataset {
	ds := &data.TensorDataset{}
	for i := 0; i < n; i++ {
		a := float32(i) / float32(n)
		b := 1 - a*a
		ds.Features = append(ds.Features, []float32{a, b})
		ds.Targets = append(ds.Targets, []float32{2*a - b + 1})
	}
	return ds
}

func newLoader(t *testing.T, n, batchSize, rank, world int) *data.DataLoader {
	t.Helper()
	cfg := data.DefaultConfig()
	cfg.BatchSize = batchSize
	cfg.Rank = rank
	cfg.WorldSize = world
	dl, err := data.NewDataLoader(linearDataset(n), cfg)
	if err != nil {
		t.Fatalf("NewDataLoader failed: %v", err)
	}
	return dl
}

func mlpConfig(prefix string) json.RawMessage {
	return json.RawMessage(`{"prefix":"` + prefix + `","sizes":[2,4,1]}`)
}

func newTestGroup(t *testing.T, amp bool) *ModelGroup {
	t.Helper()
	g, err := NewModelGroup(GroupConfig{CkptDir: t.TempDir(), AMP: amp}, nil, nil)
	if err != nil {
		t.Fatalf("NewModelGroup failed: %v", err)
	}
	return g
}

func addRegressionModel(t *testing.T, g *ModelGroup, task *regressionTask, name string, lr float64, sched LRScheduler) {
	t.Helper()
	err := g.AddModel(context.Background(), ModelSpec{
		Name:          name,
		ClassPath:     "nn.MLP",
		Config:        mlpConfig(name),
		InitLR:        lr,
		OptimizerType: "adam",
		Loss:          task.lossFor(name),
		Scheduler:     sched,
	})
	if err != nil {
		t.Fatalf("AddModel(%s) failed: %v", name, err)
	}
}

func paramsEqual(a, b nn.Module) bool {
	pa, pb := nn.Unwrap(a).Parameters(), nn.Unwrap(b).Parameters()
	if len(pa) != len(pb) {
		return false
	}
	for i := range pa {
		if pa[i].Name != pb[i].Name || len(pa[i].Data) != len(pb[i].Data) {
			return false
		}
		for j := range pa[i].Data {
			if pa[i].Data[j] != pb[i].Data[j] {
				return false
			}
		}
	}
	return true
}
