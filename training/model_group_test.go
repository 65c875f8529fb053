package training

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/tsawler/go-trainhelper/checkpoints"
	"github.com/tsawler/go-trainhelper/distributed"
	"github.com/tsawler/go-trainhelper/nn"
	"github.com/tsawler/go-trainhelper/optimizer"
)

func TestNewModelGroupCreatesDirectories(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run")
	if _, err := NewModelGroup(GroupConfig{CkptDir: dir}, nil, nil); err != nil {
		t.Fatalf("NewModelGroup failed: %v", err)
	}
	if info, err := os.Stat(filepath.Join(dir, "imgs")); err != nil || !info.IsDir() {
		t.Errorf("Expected %s/imgs to exist: %v", dir, err)
	}

	if _, err := NewModelGroup(GroupConfig{}, nil, nil); err == nil {
		t.Error("Expected an error without a checkpoint directory")
	}
}

func TestAddModel(t *testing.T) {
	g := newTestGroup(t, false)
	task := newRegressionTask(g)
	ctx := context.Background()

	addRegressionModel(t, g, task, "gen", 0.01, nil)
	addRegressionModel(t, g, task, "disc", 0.02, nil)

	t.Run("Bookkeeping", func(t *testing.T) {
		names := g.Names()
		if len(names) != 2 || names[0] != "gen" || names[1] != "disc" {
			t.Errorf("Expected [gen disc], got %v", names)
		}
		for _, name := range names {
			if g.Model(name) == nil || g.Optimizer(name) == nil || g.Scheduler(name) == nil {
				t.Errorf("%s: expected model, optimizer and scheduler", name)
			}
			if g.EMA(name) != nil {
				t.Errorf("%s: expected no shadow before AddEMAModel", name)
			}
			if g.Scaler(name) != nil {
				t.Errorf("%s: expected no scaler without AMP", name)
			}
			if bare := g.GetBareModel(g.Model(name)); bare != g.Model(name) {
				t.Errorf("%s: expected the bare model in a single-process run", name)
			}
		}
		if lr := g.Optimizer("disc").GetLR(); lr != 0.02 {
			t.Errorf("Expected disc lr 0.02, got %f", lr)
		}
		if g.Scheduler("gen").GetName() != "ConstantLR" {
			t.Errorf("Expected the constant scheduler by default, got %s", g.Scheduler("gen").GetName())
		}
		if g.Model("missing") != nil || g.Optimizer("missing") != nil {
			t.Error("Expected nil for an unknown name")
		}
	})

	t.Run("DuplicateName", func(t *testing.T) {
		err := g.AddModel(ctx, ModelSpec{Name: "gen", ClassPath: "nn.MLP", Config: mlpConfig("x"), InitLR: 0.1, OptimizerType: "adam"})
		var dup *DuplicateModelError
		if !errors.As(err, &dup) || dup.Name != "gen" {
			t.Errorf("Expected DuplicateModelError, got %v", err)
		}
		if len(g.Names()) != 2 {
			t.Errorf("Expected the group to be unchanged, got %v", g.Names())
		}
	})

	t.Run("UnknownClass", func(t *testing.T) {
		err := g.AddModel(ctx, ModelSpec{Name: "x", ClassPath: "models.Missing", InitLR: 0.1, OptimizerType: "adam"})
		var unknown *UnknownModelTypeError
		if !errors.As(err, &unknown) || unknown.ClassPath != "models.Missing" {
			t.Errorf("Expected UnknownModelTypeError, got %v", err)
		}
	})

	t.Run("UnsupportedOptimizer", func(t *testing.T) {
		err := g.AddModel(ctx, ModelSpec{Name: "x", ClassPath: "nn.MLP", Config: mlpConfig("x"), InitLR: 0.1, OptimizerType: "lbfgs"})
		var unsupported *optimizer.UnsupportedOptimizerError
		if !errors.As(err, &unsupported) || unsupported.Tag != "lbfgs" {
			t.Errorf("Expected UnsupportedOptimizerError, got %v", err)
		}
		if g.Model("x") != nil {
			t.Error("Expected a failed registration to leave no trace")
		}
	})

	t.Run("EMA", func(t *testing.T) {
		var unknown *UnknownModelError
		if err := g.AddEMAModel("missing"); !errors.As(err, &unknown) {
			t.Errorf("Expected UnknownModelError, got %v", err)
		}
		if err := g.AddEMAModel("gen"); err != nil {
			t.Fatalf("AddEMAModel failed: %v", err)
		}
		shadow := g.EMA("gen")
		if shadow == nil || !shadow.NeedsHardCopy() || shadow.Model.IsTraining() {
			t.Fatalf("Expected a fresh shadow in eval mode, got %+v", shadow)
		}
		if !paramsEqual(shadow.Model, g.Model("gen")) {
			t.Error("Expected the shadow to start as a copy")
		}
		if shadow.Model == g.GetBareModel(g.Model("gen")) {
			t.Error("Expected the shadow to be a separate copy")
		}
	})
}

func TestBackwardWrapperStepsEachModelOnce(t *testing.T) {
	g := newTestGroup(t, false)
	task := newRegressionTask(g)
	addRegressionModel(t, g, task, "gen", 0.01, nil)
	addRegressionModel(t, g, task, "disc", 0.01, nil)
	addRegressionModel(t, g, task, "frozen", 0.01, nil)
	task.skip["frozen"] = true
	for _, name := range []string{"gen", "disc"} {
		if err := g.AddEMAModel(name); err != nil {
			t.Fatal(err)
		}
	}

	ctx := context.Background()
	g.SetTrain()
	loader := newLoader(t, 8, 8, 0, 1)
	batch, err := loader.Next()
	if err != nil || batch == nil {
		t.Fatalf("Next failed: %v", err)
	}
	before := nn.StateDict(g.Model("gen"))

	if err := g.ForwardWrapper(ctx, 0, 0, batch); err != nil {
		t.Fatalf("ForwardWrapper failed: %v", err)
	}
	if err := g.BackwardWrapper(ctx); err != nil {
		t.Fatalf("BackwardWrapper failed: %v", err)
	}

	for _, name := range []string{"gen", "disc"} {
		if n := g.Optimizer(name).GetStepCount(); n != 1 {
			t.Errorf("%s: expected 1 optimizer step, got %d", name, n)
		}
		shadow := g.EMA(name)
		if shadow.Updates != 1 || shadow.NeedsHardCopy() {
			t.Errorf("%s: expected one hard-copy update, got %d (needs copy %v)", name, shadow.Updates, shadow.NeedsHardCopy())
		}
		if !paramsEqual(shadow.Model, g.Model(name)) {
			t.Errorf("%s: expected the shadow to equal the live model after the first update", name)
		}
	}
	if n := g.Optimizer("frozen").GetStepCount(); n != 0 {
		t.Errorf("Expected the skipped model to stay at 0 steps, got %d", n)
	}

	after := nn.StateDict(g.Model("gen"))
	changed := false
	for i, tensor := range after.Tensors {
		for j := range tensor.Data {
			if tensor.Data[j] != before.Tensors[i].Data[j] {
				changed = true
			}
		}
	}
	if !changed {
		t.Error("Expected the step to move gen's parameters")
	}
}

func TestBackwardWrapperWithoutLossBinding(t *testing.T) {
	g := newTestGroup(t, false)
	newRegressionTask(g)
	err := g.AddModel(context.Background(), ModelSpec{
		Name: "aux", ClassPath: "nn.MLP", Config: mlpConfig("aux"), InitLR: 0.1, OptimizerType: "sgd",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := g.BackwardWrapper(context.Background()); err != nil {
		t.Fatalf("BackwardWrapper failed: %v", err)
	}
	if n := g.Optimizer("aux").GetStepCount(); n != 0 {
		t.Errorf("Expected no step without a loss binding, got %d", n)
	}
}

func TestBackwardWrapperAMP(t *testing.T) {
	g := newTestGroup(t, true)
	task := newRegressionTask(g)
	addRegressionModel(t, g, task, "gen", 0.01, nil)

	scaler := g.Scaler("gen")
	if scaler == nil || scaler.Scale() != 65536 {
		t.Fatalf("Expected a scaler at 65536, got %+v", scaler)
	}

	ctx := context.Background()
	batch, _ := newLoader(t, 4, 4, 0, 1).Next()
	if err := g.ForwardWrapper(ctx, 0, 0, batch); err != nil {
		t.Fatal(err)
	}
	for _, v := range task.outputs["gen"].Data {
		if nn.RoundToHalf(v) != v {
			t.Errorf("Expected half precision activations under AMP, got %v", v)
		}
	}
	if err := g.BackwardWrapper(ctx); err != nil {
		t.Fatalf("BackwardWrapper failed: %v", err)
	}
	if n := g.Optimizer("gen").GetStepCount(); n != 1 {
		t.Errorf("Expected 1 step, got %d", n)
	}
	if scaler.Skipped != 0 {
		t.Errorf("Expected no skipped steps, got %d", scaler.Skipped)
	}
}

func TestEMAShadowRecurrence(t *testing.T) {
	live, err := nn.NewMLP("m", 2, 3, 1)
	if err != nil {
		t.Fatal(err)
	}
	shadow := newEMAShadow("m", live)
	const decay = 0.9

	shift := func(delta float32) {
		for _, p := range live.Parameters() {
			for i := range p.Data {
				p.Data[i] += delta
			}
		}
	}

	shift(1)
	if err := shadow.Update(live, decay); err != nil {
		t.Fatal(err)
	}
	if !paramsEqual(shadow.Model, live) {
		t.Fatal("Expected the first update to be a hard copy")
	}

	for n := 2; n <= 4; n++ {
		prev := nn.StateDict(shadow.Model)
		shift(0.5)
		if err := shadow.Update(live, decay); err != nil {
			t.Fatal(err)
		}
		for i, p := range shadow.Model.Parameters() {
			lp := live.Parameters()[i]
			for j := range p.Data {
				want := prev.Tensors[i].Data[j]*decay + lp.Data[j]*(1-decay)
				if math.Abs(float64(p.Data[j]-want)) > 1e-6 {
					t.Fatalf("Update %d, %s[%d]: expected %f, got %f", n, p.Name, j, want, p.Data[j])
				}
			}
		}
	}
	if shadow.Updates != 4 {
		t.Errorf("Expected 4 updates, got %d", shadow.Updates)
	}
}

func TestEMAShadowParameterMismatch(t *testing.T) {
	live, _ := nn.NewMLP("a", 2, 1)
	other, _ := nn.NewMLP("b", 2, 1)
	shadow := newEMAShadow("a", live)
	snapshot := nn.StateDict(shadow.Model)

	err := shadow.Update(other, EMADecay)
	var mismatch *ParameterMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("Expected ParameterMismatchError, got %v", err)
	}
	if mismatch.Live[0] != "b.0.weight" || mismatch.Shadow[0] != "a.0.weight" {
		t.Errorf("Unexpected names in %v", mismatch)
	}
	if shadow.Updates != 0 || !shadow.NeedsHardCopy() {
		t.Error("Expected the shadow state to be untouched")
	}
	for i, p := range shadow.Model.Parameters() {
		for j := range p.Data {
			if p.Data[j] != snapshot.Tensors[i].Data[j] {
				t.Fatal("Expected the shadow parameters to be untouched")
			}
		}
	}
}

func TestUpdateLearningRateWarmup(t *testing.T) {
	g := newTestGroup(t, false)
	task := newRegressionTask(g)
	addRegressionModel(t, g, task, "gen", 0.1, NewStepLRScheduler(2, 0.5))

	tests := []struct {
		epoch      int
		expectedLR float64
	}{
		{0, 0},
		{2, 0.04},
		{4, 0.08},
		{5, 0.1 * 0.25},
		{6, 0.1 * 0.125},
	}
	for _, tt := range tests {
		g.UpdateLearningRate(tt.epoch, 5)
		if lr := g.Optimizer("gen").GetLR(); math.Abs(lr-tt.expectedLR) > 1e-12 {
			t.Errorf("Epoch %d: expected LR %f, got %f", tt.epoch, tt.expectedLR, lr)
		}
	}

	g.UpdateLearningRate(1, -1)
	if lr := g.Optimizer("gen").GetLR(); lr != 0.1 {
		t.Errorf("Expected no warmup when disabled, got %f", lr)
	}
}

func trainOneStep(t *testing.T, g *ModelGroup) {
	t.Helper()
	ctx := context.Background()
	batch, err := newLoader(t, 6, 6, 0, 1).Next()
	if err != nil {
		t.Fatal(err)
	}
	if err := g.ForwardWrapper(ctx, 0, 0, batch); err != nil {
		t.Fatal(err)
	}
	if err := g.BackwardWrapper(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestLoadModelDistributed(t *testing.T) {
	dir := t.TempDir()
	src, err := NewModelGroup(GroupConfig{CkptDir: dir}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	addRegressionModel(t, src, newRegressionTask(src), "gen", 0.01, nil)
	trainOneStep(t, src)
	if err := src.SaveModel(3, -1, time.Hour); err != nil {
		t.Fatalf("SaveModel failed: %v", err)
	}

	ctx := context.Background()
	comms := distributed.NewLocalGroup(2, 10*time.Second)
	groups := make([]*ModelGroup, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for rank := range comms {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			g, err := NewModelGroup(GroupConfig{CkptDir: dir}, nil, comms[rank])
			if err != nil {
				errs[rank] = err
				return
			}
			task := newRegressionTask(g)
			groups[rank] = g
			errs[rank] = g.AddModel(ctx, ModelSpec{
				Name:          "gen",
				ClassPath:     "nn.MLP",
				Config:        mlpConfig("gen"),
				InitLR:        0.01,
				OptimizerType: "adam",
				Loss:          task.lossFor("gen"),
			})
		}(rank)
	}
	wg.Wait()
	for rank, err := range errs {
		if err != nil {
			t.Fatalf("Rank %d setup failed: %v", rank, err)
		}
	}

	type result struct {
		loaded int
		err    error
	}
	leaderDone := make(chan result, 1)
	go func() {
		n, err := groups[0].LoadModel(ctx, 3)
		leaderDone <- result{n, err}
	}()
	select {
	case r := <-leaderDone:
		t.Fatalf("Expected the leader to wait for rank 1 after loading, got %d (%v)", r.loaded, r.err)
	case <-time.After(100 * time.Millisecond):
	}

	loaded, err := groups[1].LoadModel(ctx, 3)
	if err != nil || loaded != 1 {
		t.Fatalf("Rank 1: expected 1 loaded, got %d (%v)", loaded, err)
	}
	r := <-leaderDone
	if r.err != nil || r.loaded != 1 {
		t.Fatalf("Rank 0: expected 1 loaded, got %d (%v)", r.loaded, r.err)
	}

	for rank, g := range groups {
		if !paramsEqual(g.Model("gen"), src.Model("gen")) {
			t.Errorf("Rank %d: expected the saved weights after load", rank)
		}
		if n := g.Optimizer("gen").GetStepCount(); n != 1 {
			t.Errorf("Rank %d: expected step count 1 from the optimizer state, got %d", rank, n)
		}
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	newGroup := func() (*ModelGroup, *regressionTask) {
		g, err := NewModelGroup(GroupConfig{CkptDir: dir}, nil, nil)
		if err != nil {
			t.Fatal(err)
		}
		task := newRegressionTask(g)
		addRegressionModel(t, g, task, "gen", 0.01, nil)
		if err := g.AddEMAModel("gen"); err != nil {
			t.Fatal(err)
		}
		return g, task
	}

	src, _ := newGroup()
	trainOneStep(t, src)
	trainOneStep(t, src)
	if err := src.SaveModel(3, -1, time.Hour); err != nil {
		t.Fatalf("SaveModel failed: %v", err)
	}
	for _, path := range []string{
		src.Store().OptimizerPath(3, "gen"),
		src.Store().WeightsPath(3, "gen"),
		src.Store().EMAPath(3, "gen"),
	} {
		if !src.Store().Exists(path) {
			t.Errorf("Expected %s to be written", path)
		}
	}

	dst, _ := newGroup()
	if paramsEqual(dst.Model("gen"), src.Model("gen")) {
		t.Fatal("Expected a fresh group to start from different weights")
	}
	loaded, err := dst.LoadModel(context.Background(), 3)
	if err != nil || loaded != 1 {
		t.Fatalf("LoadModel: expected 1 loaded, got %d (%v)", loaded, err)
	}

	if !paramsEqual(dst.Model("gen"), src.Model("gen")) {
		t.Error("Expected bit-identical weights after load")
	}
	if !paramsEqual(dst.EMA("gen").Model, src.EMA("gen").Model) {
		t.Error("Expected bit-identical shadow after load")
	}
	if dst.EMA("gen").NeedsHardCopy() {
		t.Error("Expected the loaded shadow to skip the hard copy")
	}
	if n := dst.Optimizer("gen").GetStepCount(); n != 2 {
		t.Errorf("Expected optimizer step count 2, got %d", n)
	}

	srcState, _ := src.Optimizer("gen").GetState()
	dstState, _ := dst.Optimizer("gen").GetState()
	for i, tensor := range srcState.Tensors {
		for j, v := range tensor.Data {
			if dstState.Tensors[i].Data[j] != v {
				t.Fatalf("Optimizer buffer %s differs at %d", tensor.Name, j)
			}
		}
	}
}

func TestLoadModelMissingFiles(t *testing.T) {
	g := newTestGroup(t, false)
	task := newRegressionTask(g)
	addRegressionModel(t, g, task, "gen", 0.01, nil)

	loaded, err := g.LoadModel(context.Background(), 9)
	if err != nil || loaded != 0 {
		t.Errorf("Expected missing files to be skipped, got %d loaded (%v)", loaded, err)
	}

	err = g.LoadModelOptimizer(9, "gen", g.Model("gen"), g.Optimizer("gen"))
	if !checkpoints.IsMissing(err) {
		t.Errorf("Expected CheckpointMissingError, got %v", err)
	}

	t.Run("MissingOptimizer", func(t *testing.T) {
		if err := g.SaveModelOptimizer(1, "gen", g.Model("gen"), nil, -1, time.Hour); err != nil {
			t.Fatal(err)
		}
		err := g.LoadModelOptimizer(1, "gen", g.Model("gen"), g.Optimizer("gen"))
		if !checkpoints.IsMissing(err) {
			t.Errorf("Expected CheckpointMissingError for the optimizer, got %v", err)
		}
		if err := g.LoadModelOptimizer(1, "gen", g.Model("gen"), nil); err != nil {
			t.Errorf("Expected weights-only load to succeed, got %v", err)
		}
	})
}

func TestLoadEMAFallsBackToWeights(t *testing.T) {
	g := newTestGroup(t, false)
	task := newRegressionTask(g)
	addRegressionModel(t, g, task, "gen", 0.01, nil)
	if err := g.AddEMAModel("gen"); err != nil {
		t.Fatal(err)
	}
	trainOneStep(t, g)
	trainOneStep(t, g)
	if err := g.SaveModel(0, -1, time.Hour); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(g.Store().EMAPath(0, "gen")); err != nil {
		t.Fatal(err)
	}

	// Shadow and live weights differ after two smoothed steps
	if paramsEqual(g.EMA("gen").Model, g.Model("gen")) {
		t.Fatal("Expected the shadow to lag the live model")
	}
	if err := g.LoadModelOptimizer(0, "gen", g.Model("gen"), g.Optimizer("gen")); err != nil {
		t.Fatalf("LoadModelOptimizer failed: %v", err)
	}
	if !paramsEqual(g.EMA("gen").Model, g.Model("gen")) {
		t.Error("Expected the shadow to receive the plain weights")
	}
	if g.EMA("gen").NeedsHardCopy() {
		t.Error("Expected the shadow to count as initialized")
	}
}

func TestSaveModelRetention(t *testing.T) {
	g := newTestGroup(t, false)
	task := newRegressionTask(g)
	addRegressionModel(t, g, task, "gen", 0.01, nil)
	if err := g.AddEMAModel("gen"); err != nil {
		t.Fatal(err)
	}

	for epoch := 0; epoch < 5; epoch++ {
		if err := g.SaveModel(epoch, 3, time.Hour); err != nil {
			t.Fatalf("SaveModel(%d) failed: %v", epoch, err)
		}
	}

	s := g.Store()
	for epoch := 0; epoch < 5; epoch++ {
		kept := epoch >= 2
		if got := s.Exists(s.OptimizerPath(epoch, "gen")); got != kept {
			t.Errorf("Epoch %d optimizer: expected exists=%v, got %v", epoch, kept, got)
		}
		if got := s.Exists(s.WeightsPath(epoch, "gen")); got != kept {
			t.Errorf("Epoch %d weights: expected exists=%v, got %v", epoch, kept, got)
		}
		if !s.Exists(s.EMAPath(epoch, "gen")) {
			t.Errorf("Epoch %d: expected the EMA file to remain", epoch)
		}
	}
}

func TestWriteNetwork(t *testing.T) {
	g := newTestGroup(t, false)
	task := newRegressionTask(g)
	addRegressionModel(t, g, task, "gen", 0.01, nil)

	path := filepath.Join(t.TempDir(), "network.txt")
	if err := g.WriteNetwork(path); err != nil {
		t.Fatalf("WriteNetwork failed: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	text := string(raw)
	for _, want := range []string{
		"gen: Sequential(",
		"(0): Linear(in_features=2, out_features=4, bias=true)",
		"(1): ReLU()",
		"Total parameters: 17",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("Expected %q in:\n%s", want, text)
		}
	}
}
