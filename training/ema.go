package training

import (
	"math"

	"github.com/tsawler/go-trainhelper/nn"
	"gonum.org/v1/gonum/blas/blas32"
	"k8s.io/klog/v2"
)

// EMADecay is the smoothing factor applied after every optimization step
var EMADecay = math.Pow(0.5, 32.0/10000)

// EMAShadow is an exponential moving average of a sub-model's parameters.
// The first update copies the live parameters verbatim.
type EMAShadow struct {
	Model   nn.Module
	Updates uint64

	name          string
	needsHardCopy bool
}

func newEMAShadow(name string, live nn.Module) *EMAShadow {
	shadow := nn.Unwrap(live).Clone()
	shadow.Eval()
	return &EMAShadow{Model: shadow, name: name, needsHardCopy: true}
}

// NeedsHardCopy reports whether the next update copies instead of smoothing
func (e *EMAShadow) NeedsHardCopy() bool {
	return e.needsHardCopy
}

// Update folds the live parameters into the shadow:
// shadow = shadow*decay + live*(1-decay). The shadow is left untouched when
// the parameter names of the two models differ.
func (e *EMAShadow) Update(live nn.Module, decay float64) error {
	lp := nn.Unwrap(live).Parameters()
	sp := e.Model.Parameters()
	if !sameParameters(lp, sp) {
		err := &ParameterMismatchError{
			Name:   e.name,
			Live:   nn.ParameterNames(nn.Unwrap(live)),
			Shadow: nn.ParameterNames(e.Model),
		}
		klog.Warningf("%v; shadow not updated", err)
		return err
	}

	if e.needsHardCopy {
		if err := nn.CopyParameters(e.Model, live); err != nil {
			return err
		}
		e.needsHardCopy = false
		e.Updates++
		return nil
	}

	d := float32(decay)
	for i, p := range sp {
		shadow := blas32.Vector{N: len(p.Data), Inc: 1, Data: p.Data}
		blas32.Scal(d, shadow)
		blas32.Axpy(1-d, blas32.Vector{N: len(lp[i].Data), Inc: 1, Data: lp[i].Data}, shadow)
	}
	e.Updates++
	return nil
}

func sameParameters(a, b []*nn.Parameter) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name || len(a[i].Data) != len(b[i].Data) {
			return false
		}
	}
	return true
}
