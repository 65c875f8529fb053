package optimizer

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/tsawler/go-trainhelper/nn"
)

func newParam(t *testing.T, name string, data ...float32) *nn.Parameter {
	t.Helper()
	p, err := nn.NewParameter(name, []int{len(data)}, data)
	if err != nil {
		t.Fatalf("NewParameter failed: %v", err)
	}
	return p
}

func TestNewOptimizer(t *testing.T) {
	p := newParam(t, "w", 1)

	for _, tag := range []string{"adam", "Adam", "sgd"} {
		opt, err := New(tag, []*nn.Parameter{p}, 0.1)
		if err != nil {
			t.Fatalf("New(%q) failed: %v", tag, err)
		}
		if opt.GetLR() != 0.1 {
			t.Errorf("%s: expected LR 0.1, got %f", tag, opt.GetLR())
		}
	}

	_, err := New("rmsprop", []*nn.Parameter{p}, 0.1)
	var unsupported *UnsupportedOptimizerError
	if !errors.As(err, &unsupported) {
		t.Fatalf("Expected UnsupportedOptimizerError, got %v", err)
	}
	if unsupported.Tag != "rmsprop" {
		t.Errorf("Expected tag rmsprop, got %s", unsupported.Tag)
	}
}

func TestAdamConfig(t *testing.T) {
	config := DefaultAdamConfig()

	if config.Beta1 != 0.5 {
		t.Errorf("Expected beta1 0.5, got %f", config.Beta1)
	}
	if config.Beta2 != 0.999 {
		t.Errorf("Expected beta2 0.999, got %f", config.Beta2)
	}
	if config.Epsilon != 1e-8 {
		t.Errorf("Expected epsilon 1e-8, got %g", config.Epsilon)
	}
}

func TestAdamStep(t *testing.T) {
	p := newParam(t, "w", 1, -1)
	adam := NewAdam([]*nn.Parameter{p}, DefaultAdamConfig())
	adam.SetLR(0.1)

	p.Grad[0], p.Grad[1] = 0.5, -2
	if err := adam.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}

	// First bias-corrected Adam step moves each weight by ~lr*sign(grad)
	if math.Abs(float64(p.Data[0]-0.9)) > 1e-5 || math.Abs(float64(p.Data[1]+0.9)) > 1e-5 {
		t.Errorf("Expected [0.9 -0.9], got %v", p.Data)
	}
	if adam.GetStepCount() != 1 {
		t.Errorf("Expected step count 1, got %d", adam.GetStepCount())
	}

	adam.ZeroGrad()
	if p.Grad[0] != 0 || p.Grad[1] != 0 {
		t.Errorf("Expected zeroed gradients, got %v", p.Grad)
	}
}

func TestSGDStep(t *testing.T) {
	p := newParam(t, "w", 1)
	config := DefaultSGDConfig()
	config.LearningRate = 0.5
	config.Momentum = 0.9
	sgd := NewSGD([]*nn.Parameter{p}, config)

	p.Grad[0] = 1
	sgd.Step()
	if p.Data[0] != 0.5 {
		t.Errorf("Expected 0.5 after first step, got %f", p.Data[0])
	}

	sgd.Step()
	// velocity = 0.9*1 + 1 = 1.9
	if math.Abs(float64(p.Data[0]-(0.5-0.95))) > 1e-6 {
		t.Errorf("Expected -0.45 after momentum step, got %f", p.Data[0])
	}
}

func TestSetLRAllGroups(t *testing.T) {
	a := newParam(t, "a", 1)
	b := newParam(t, "b", 1)
	adam := NewAdam([]*nn.Parameter{a}, DefaultAdamConfig())
	adam.AddParamGroup([]*nn.Parameter{b}, 0.5)

	adam.SetLR(0.02)
	for i, g := range adam.ParamGroups() {
		if g.LR != 0.02 {
			t.Errorf("Group %d: expected LR 0.02, got %f", i, g.LR)
		}
	}
}

func TestStateRoundTrip(t *testing.T) {
	t.Run("Adam", func(t *testing.T) {
		p := newParam(t, "w", 1, 2, 3)
		adam := NewAdam([]*nn.Parameter{p}, DefaultAdamConfig())
		copy(p.Grad, []float32{0.1, 0.2, 0.3})
		adam.Step()
		adam.Step()

		state, err := adam.GetState()
		if err != nil {
			t.Fatalf("GetState failed: %v", err)
		}

		q := newParam(t, "w", 0, 0, 0)
		restored := NewAdam([]*nn.Parameter{q}, DefaultAdamConfig())
		if err := restored.LoadState(state); err != nil {
			t.Fatalf("LoadState failed: %v", err)
		}
		if restored.GetStepCount() != 2 {
			t.Errorf("Expected step count 2, got %d", restored.GetStepCount())
		}
		for i := range adam.expAvg[p] {
			if restored.expAvg[q][i] != adam.expAvg[p][i] || restored.expAvgSq[q][i] != adam.expAvgSq[p][i] {
				t.Errorf("Moment %d not restored", i)
			}
		}
	})

	t.Run("TypeMismatch", func(t *testing.T) {
		p := newParam(t, "w", 1)
		state, _ := NewSGD([]*nn.Parameter{p}, DefaultSGDConfig()).GetState()
		if err := NewAdam([]*nn.Parameter{p}, DefaultAdamConfig()).LoadState(state); err == nil {
			t.Error("Expected state type mismatch error")
		}
	})

	t.Run("MissingBuffer", func(t *testing.T) {
		p := newParam(t, "w", 1)
		state, _ := NewSGD([]*nn.Parameter{p}, DefaultSGDConfig()).GetState()
		other := newParam(t, "other", 1)
		if err := NewSGD([]*nn.Parameter{other}, DefaultSGDConfig()).LoadState(state); err == nil {
			t.Error("Expected missing buffer error")
		}
	})
}
