package nn

import (
	"fmt"

	"github.com/tsawler/go-trainhelper/checkpoints"
)

// StateDict snapshots the parameters of the bare model behind m
func StateDict(m Module) *checkpoints.StateDict {
	sd := checkpoints.NewStateDict(checkpoints.KindWeights)
	for _, p := range Unwrap(m).Parameters() {
		sd.Add(p.Name, p.Shape, p.Data)
	}
	return sd
}

// LoadStateDict copies matching tensors from sd into m. Every parameter must
// be present with the same shape; extra tensors in sd are an error too.
func LoadStateDict(m Module, sd *checkpoints.StateDict) error {
	params := Unwrap(m).Parameters()
	if len(sd.Tensors) != len(params) {
		return fmt.Errorf("state dict has %d tensors, model has %d parameters", len(sd.Tensors), len(params))
	}
	for _, p := range params {
		t, ok := sd.Tensor(p.Name)
		if !ok {
			return fmt.Errorf("state dict is missing parameter %s", p.Name)
		}
		if !sameShape(t.Shape, p.Shape) || len(t.Data) != len(p.Data) {
			return fmt.Errorf("parameter %s: shape %v in state dict, %v in model", p.Name, t.Shape, p.Shape)
		}
	}
	for _, p := range params {
		t, _ := sd.Tensor(p.Name)
		copy(p.Data, t.Data)
	}
	return nil
}

// CopyParameters copies src's parameter values into dst; names must match
// position by position.
func CopyParameters(dst, src Module) error {
	d, s := Unwrap(dst).Parameters(), Unwrap(src).Parameters()
	if len(d) != len(s) {
		return fmt.Errorf("parameter count mismatch: %d vs %d", len(d), len(s))
	}
	for i := range d {
		if d[i].Name != s[i].Name || len(d[i].Data) != len(s[i].Data) {
			return fmt.Errorf("parameter %d mismatch: %s vs %s", i, d[i].Name, s[i].Name)
		}
	}
	for i := range d {
		copy(d[i].Data, s[i].Data)
	}
	return nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
