package nn

import (
	"context"
	"math"
	"testing"

	"github.com/tsawler/go-trainhelper/device"
)

type wrapped struct {
	Module
}

func (w wrapped) Unwrap() Module { return w.Module }

func TestLinearForwardBackward(t *testing.T) {
	ctx := context.Background()
	layer, err := NewLinear("fc", 2, 1, true)
	if err != nil {
		t.Fatalf("NewLinear failed: %v", err)
	}
	copy(layer.weight.Data, []float32{2, -1})
	layer.bias.Data[0] = 0.5

	x, _ := NewValue(2, 2, []float32{1, 1, 3, 2})
	out, err := layer.Forward(ctx, x)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	// [1*2 - 1 + 0.5, 3*2 - 2 + 0.5]
	if out.Data[0] != 1.5 || out.Data[1] != 4.5 {
		t.Fatalf("Expected [1.5 4.5], got %v", out.Data)
	}

	loss, err := NewMSELoss(ctx, out, []float32{0.5, 4.5})
	if err != nil {
		t.Fatalf("NewMSELoss failed: %v", err)
	}
	if loss.Value() != 0.5 {
		t.Errorf("Expected loss 0.5, got %f", loss.Value())
	}
	if err := loss.Backward(1); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	// dL/dout = [2*(1)/2, 0] = [1, 0]
	if layer.weight.Grad[0] != 1 || layer.weight.Grad[1] != 1 {
		t.Errorf("Expected weight grad [1 1], got %v", layer.weight.Grad)
	}
	if layer.bias.Grad[0] != 1 {
		t.Errorf("Expected bias grad 1, got %f", layer.bias.Grad[0])
	}
	if !layer.weight.Touched() {
		t.Error("Expected weight to be marked touched")
	}

	ZeroGrad(layer)
	if layer.weight.Grad[0] != 0 || layer.weight.Touched() {
		t.Error("Expected ZeroGrad to clear gradient and touched flag")
	}
}

func TestBackwardScale(t *testing.T) {
	ctx := context.Background()
	layer, _ := NewLinear("fc", 1, 1, false)
	layer.weight.Data[0] = 1

	x, _ := NewValue(1, 1, []float32{2})
	out, _ := layer.Forward(ctx, x)
	loss, _ := NewMSELoss(ctx, out, []float32{0})
	if err := loss.Backward(8); err != nil {
		t.Fatal(err)
	}
	// d/dw (w*2)^2 = 8w = 8, scaled by 8
	if layer.weight.Grad[0] != 64 {
		t.Errorf("Expected scaled grad 64, got %f", layer.weight.Grad[0])
	}
}

func TestSequentialCloneAndModes(t *testing.T) {
	SetRandomSeed(7)
	mlp, err := NewMLP("gen", 3, 4, 2)
	if err != nil {
		t.Fatalf("NewMLP failed: %v", err)
	}

	names := ParameterNames(mlp)
	want := []string{"gen.0.weight", "gen.0.bias", "gen.1.weight", "gen.1.bias"}
	if len(names) != len(want) {
		t.Fatalf("Expected %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("Expected %s, got %s", want[i], names[i])
		}
	}

	clone := mlp.Clone()
	clone.Parameters()[0].Data[0] += 1
	if mlp.Parameters()[0].Data[0] == clone.Parameters()[0].Data[0] {
		t.Error("Expected Clone to deep copy parameter data")
	}

	mlp.Eval()
	for _, layer := range mlp.Layers() {
		if layer.IsTraining() {
			t.Error("Expected Eval to reach every layer")
		}
	}

	if err := mlp.To(device.Cuda(1)); err != nil {
		t.Fatal(err)
	}
	if mlp.Device().String() != "cuda:1" || mlp.Layers()[0].Device().String() != "cuda:1" {
		t.Errorf("Expected cuda:1 placement, got %s", mlp.Device())
	}
}

func TestUnwrap(t *testing.T) {
	bare, _ := NewLinear("fc", 1, 1, true)
	m := wrapped{wrapped{bare}}

	if Unwrap(m) != Module(bare) {
		t.Error("Expected Unwrap to strip every wrapper")
	}
	if Unwrap(bare) != Module(bare) {
		t.Error("Expected Unwrap of a bare model to be the identity")
	}
}

func TestStateDictRoundTrip(t *testing.T) {
	src, _ := NewMLP("disc", 2, 3, 1)
	dst, _ := NewMLP("disc", 2, 3, 1)

	if err := LoadStateDict(wrapped{dst}, StateDict(wrapped{src})); err != nil {
		t.Fatalf("LoadStateDict failed: %v", err)
	}
	for i, p := range src.Parameters() {
		q := dst.Parameters()[i]
		for j := range p.Data {
			if math.Float32bits(p.Data[j]) != math.Float32bits(q.Data[j]) {
				t.Fatalf("Parameter %s differs at %d", p.Name, j)
			}
		}
	}

	other, _ := NewMLP("gen", 2, 3, 1)
	if err := LoadStateDict(other, StateDict(src)); err == nil {
		t.Error("Expected a name mismatch error")
	}
}

func TestCopyParameters(t *testing.T) {
	src, _ := NewMLP("gen", 2, 3, 1)
	dst := src.Clone()
	src.Parameters()[0].Data[0] += 2

	if err := CopyParameters(dst, wrapped{src}); err != nil {
		t.Fatalf("CopyParameters failed: %v", err)
	}
	if got, want := dst.Parameters()[0].Data[0], src.Parameters()[0].Data[0]; got != want {
		t.Errorf("Expected %f, got %f", want, got)
	}

	other, _ := NewMLP("disc", 2, 3, 1)
	if err := CopyParameters(other, src); err == nil {
		t.Error("Expected a name mismatch error")
	}
	small, _ := NewMLP("gen", 2, 1)
	if err := CopyParameters(small, src); err == nil {
		t.Error("Expected a count mismatch error")
	}
}

func TestHalfPrecision(t *testing.T) {
	tests := []struct {
		in   float32
		want float32
	}{
		{1, 1},
		{-2.5, -2.5},
		{65504, 65504},
		{1e-8, 0},
		{0.1, 0.099975586},
		{1.0009766, 1.0009766},
	}
	for _, tt := range tests {
		if got := RoundToHalf(tt.in); math.Abs(float64(got-tt.want)) > 1e-7 {
			t.Errorf("RoundToHalf(%g): expected %g, got %g", tt.in, tt.want, got)
		}
	}
	if !math.IsInf(float64(RoundToHalf(70000)), 1) {
		t.Error("Expected overflow to +Inf")
	}
	if !math.IsNaN(float64(RoundToHalf(float32(math.NaN())))) {
		t.Error("Expected NaN to survive")
	}
}

func TestAutocastRoundsActivations(t *testing.T) {
	layer, _ := NewLinear("fc", 1, 1, false)
	layer.weight.Data[0] = 0.1

	x, _ := NewValue(1, 1, []float32{1})
	full, _ := layer.Forward(context.Background(), x)
	half, _ := layer.Forward(Autocast(context.Background()), x)

	if full.Data[0] != 0.1 {
		t.Errorf("Expected full precision 0.1, got %v", full.Data[0])
	}
	if half.Data[0] != RoundToHalf(0.1) {
		t.Errorf("Expected half precision activation, got %v", half.Data[0])
	}
	if layer.weight.Data[0] != 0.1 {
		t.Error("Master weights must stay float32")
	}
}
