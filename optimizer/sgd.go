package optimizer

import (
	"sync"

	"github.com/tsawler/go-trainhelper/checkpoints"
	"github.com/tsawler/go-trainhelper/nn"
	"gonum.org/v1/gonum/blas/blas32"
)

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

// SGD implements stochastic gradient descent with optional momentum
type SGD struct {
	config     SGDConfig
	groups     []*ParamGroup
	velocities map[*nn.Parameter][]float32
	stepCount  uint64
	mu         sync.Mutex
}

// NewSGD creates an SGD optimizer over one parameter group
func NewSGD(params []*nn.Parameter, config SGDConfig) *SGD {
	sgd := &SGD{
		config:     config,
		groups:     []*ParamGroup{{Params: params, LR: config.LearningRate}},
		velocities: make(map[*nn.Parameter][]float32),
	}
	for _, p := range params {
		sgd.velocities[p] = make([]float32, p.Size())
	}
	return sgd
}

// Step performs a single optimization step
func (s *SGD) Step() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stepCount++
	for _, g := range s.groups {
		for _, p := range g.Params {
			grad := p.Grad
			if s.config.WeightDecay != 0 {
				grad = append([]float32(nil), p.Grad...)
				blas32.Axpy(float32(s.config.WeightDecay), vec(p.Data), vec(grad))
			}

			if s.config.Momentum != 0 {
				// velocity = momentum*velocity + grad
				velocity := s.velocities[p]
				blas32.Scal(float32(s.config.Momentum), vec(velocity))
				blas32.Axpy(1, vec(grad), vec(velocity))
				if s.config.Nesterov {
					grad = append([]float32(nil), grad...)
					blas32.Axpy(float32(s.config.Momentum), vec(velocity), vec(grad))
				} else {
					grad = velocity
				}
			}

			// param = param - lr*grad
			blas32.Axpy(float32(-g.LR), vec(grad), vec(p.Data))
		}
	}
	return nil
}

func (s *SGD) ZeroGrad() {
	zeroGroups(s.groups)
}

func (s *SGD) GetLR() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return firstLR(s.groups)
}

func (s *SGD) SetLR(lr float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	setGroupsLR(s.groups, lr)
}

func (s *SGD) ParamGroups() []*ParamGroup {
	return s.groups
}

func (s *SGD) GetStepCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stepCount
}

func (s *SGD) Type() string {
	return "sgd"
}

// GetState extracts optimizer state for checkpointing
func (s *SGD) GetState() (*checkpoints.StateDict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sd := checkpoints.NewStateDict(stateKind(s.Type()))
	saveGroups(sd, s.groups, s.stepCount)
	sd.SetScalar("momentum", s.config.Momentum)
	sd.SetScalar("weight_decay", s.config.WeightDecay)
	for _, p := range allParams(s.groups) {
		sd.Add(bufferName("velocity", p), p.Shape, s.velocities[p])
	}
	return sd, nil
}

// LoadState restores optimizer state from checkpoint
func (s *SGD) LoadState(state *checkpoints.StateDict) error {
	if err := validateStateType(s.Type(), state); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range allParams(s.groups) {
		if err := restoreBuffer(state, bufferName("velocity", p), s.velocities[p]); err != nil {
			return err
		}
	}
	s.stepCount = loadGroups(state, s.groups)
	s.config.Momentum = state.Scalar("momentum", s.config.Momentum)
	s.config.WeightDecay = state.Scalar("weight_decay", s.config.WeightDecay)
	return nil
}
