package optimizer

import (
	"fmt"
	"strings"

	"github.com/tsawler/go-trainhelper/checkpoints"
	"github.com/tsawler/go-trainhelper/nn"
	"gonum.org/v1/gonum/blas/blas32"
)

// Optimizer defines the common interface for all optimizers.
// State round-trips through checkpoints.StateDict for the .pth files.
type Optimizer interface {
	// Step applies one update from the current gradients
	Step() error

	// ZeroGrad clears the gradient of every managed parameter
	ZeroGrad()

	// GetLR returns the learning rate of the first parameter group
	GetLR() float64

	// SetLR sets the learning rate of every parameter group
	SetLR(lr float64)

	// ParamGroups exposes the parameter groups
	ParamGroups() []*ParamGroup

	// GetStepCount returns the number of completed Step calls
	GetStepCount() uint64

	// GetState snapshots moments, step count and hyperparameters
	GetState() (*checkpoints.StateDict, error)

	// LoadState restores a snapshot taken by the same optimizer type
	LoadState(state *checkpoints.StateDict) error

	// Type returns the registration tag ("adam", "sgd")
	Type() string
}

// ParamGroup is a set of parameters sharing a learning rate
type ParamGroup struct {
	Params []*nn.Parameter
	LR     float64
}

// UnsupportedOptimizerError is returned by New for an unknown tag
type UnsupportedOptimizerError struct {
	Tag string
}

func (e *UnsupportedOptimizerError) Error() string {
	return fmt.Sprintf("unsupported optimizer type %q", e.Tag)
}

// New builds the optimizer registered under tag with one parameter group
func New(tag string, params []*nn.Parameter, lr float64) (Optimizer, error) {
	switch strings.ToLower(tag) {
	case "adam":
		config := DefaultAdamConfig()
		config.LearningRate = lr
		return NewAdam(params, config), nil
	case "sgd":
		config := DefaultSGDConfig()
		config.LearningRate = lr
		return NewSGD(params, config), nil
	default:
		return nil, &UnsupportedOptimizerError{Tag: tag}
	}
}

func zeroGroups(groups []*ParamGroup) {
	for _, g := range groups {
		for _, p := range g.Params {
			p.ZeroGrad()
		}
	}
}

func setGroupsLR(groups []*ParamGroup, lr float64) {
	for _, g := range groups {
		g.LR = lr
	}
}

func firstLR(groups []*ParamGroup) float64 {
	if len(groups) == 0 {
		return 0
	}
	return groups[0].LR
}

// vec views a float32 slice as a unit-stride BLAS vector
func vec(data []float32) blas32.Vector {
	return blas32.Vector{N: len(data), Data: data, Inc: 1}
}
