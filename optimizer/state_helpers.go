package optimizer

import (
	"fmt"
	"strings"

	"github.com/tsawler/go-trainhelper/checkpoints"
	"github.com/tsawler/go-trainhelper/nn"
)

// Scalar keys shared by every optimizer state dict
const (
	keyStepCount = "step_count"
	keyGroupLR   = "group_lr_%d"
)

// stateKind tags an optimizer state dict with its optimizer type
func stateKind(optimizerType string) string {
	return checkpoints.KindOptimizer + ":" + optimizerType
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *checkpoints.StateDict) error {
	if state == nil {
		return fmt.Errorf("optimizer state is nil")
	}
	got := strings.TrimPrefix(state.Kind, checkpoints.KindOptimizer+":")
	if state.Kind != stateKind(optimizerType) {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, got)
	}
	return nil
}

// bufferName names a per-parameter state buffer, e.g. "exp_avg/gen.0.weight"
func bufferName(buffer string, p *nn.Parameter) string {
	return buffer + "/" + p.Name
}

func saveGroups(sd *checkpoints.StateDict, groups []*ParamGroup, steps uint64) {
	sd.SetScalar(keyStepCount, float64(steps))
	for i, g := range groups {
		sd.SetScalar(fmt.Sprintf(keyGroupLR, i), g.LR)
	}
}

func loadGroups(sd *checkpoints.StateDict, groups []*ParamGroup) uint64 {
	for i, g := range groups {
		g.LR = sd.Scalar(fmt.Sprintf(keyGroupLR, i), g.LR)
	}
	return uint64(sd.Scalar(keyStepCount, 0))
}

// restoreBuffer copies a named buffer from the state dict into dst
func restoreBuffer(sd *checkpoints.StateDict, name string, dst []float32) error {
	t, ok := sd.Tensor(name)
	if !ok {
		return fmt.Errorf("optimizer state is missing %s", name)
	}
	if len(t.Data) != len(dst) {
		return fmt.Errorf("data size mismatch for %s: expected %d elements, got %d", name, len(dst), len(t.Data))
	}
	copy(dst, t.Data)
	return nil
}

func allParams(groups []*ParamGroup) []*nn.Parameter {
	var params []*nn.Parameter
	for _, g := range groups {
		params = append(params, g.Params...)
	}
	return params
}
