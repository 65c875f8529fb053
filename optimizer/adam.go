package optimizer

import (
	"fmt"
	"math"
	"sync"

	"github.com/tsawler/go-trainhelper/checkpoints"
	"github.com/tsawler/go-trainhelper/nn"
	"gonum.org/v1/gonum/blas/blas32"
)

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
}

// DefaultAdamConfig returns the configuration used for registered sub-models.
// Beta1 is 0.5, the usual choice for adversarial training.
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.5,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// Adam implements the Adam optimizer with bias correction
type Adam struct {
	config    AdamConfig
	groups    []*ParamGroup
	expAvg    map[*nn.Parameter][]float32 // First moment
	expAvgSq  map[*nn.Parameter][]float32 // Second moment
	stepCount uint64
	mu        sync.Mutex
}

// NewAdam creates an Adam optimizer over one parameter group
func NewAdam(params []*nn.Parameter, config AdamConfig) *Adam {
	adam := &Adam{
		config:   config,
		groups:   []*ParamGroup{{Params: params, LR: config.LearningRate}},
		expAvg:   make(map[*nn.Parameter][]float32),
		expAvgSq: make(map[*nn.Parameter][]float32),
	}
	for _, p := range params {
		adam.expAvg[p] = make([]float32, p.Size())
		adam.expAvgSq[p] = make([]float32, p.Size())
	}
	return adam
}

// AddParamGroup adds params with their own learning rate
func (a *Adam) AddParamGroup(params []*nn.Parameter, lr float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.groups = append(a.groups, &ParamGroup{Params: params, LR: lr})
	for _, p := range params {
		a.expAvg[p] = make([]float32, p.Size())
		a.expAvgSq[p] = make([]float32, p.Size())
	}
}

// Step performs a single optimization step
func (a *Adam) Step() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.stepCount++
	beta1, beta2 := a.config.Beta1, a.config.Beta2
	biasCorrection1 := 1 - math.Pow(beta1, float64(a.stepCount))
	biasCorrection2 := 1 - math.Pow(beta2, float64(a.stepCount))

	for _, g := range a.groups {
		stepSize := g.LR / biasCorrection1
		for _, p := range g.Params {
			m, v := a.expAvg[p], a.expAvgSq[p]
			if len(m) != p.Size() {
				return fmt.Errorf("adam state for %s has %d elements, parameter has %d", p.Name, len(m), p.Size())
			}

			grad := p.Grad
			if a.config.WeightDecay != 0 {
				grad = append([]float32(nil), p.Grad...)
				blas32.Axpy(float32(a.config.WeightDecay), vec(p.Data), vec(grad))
			}

			// m = beta1*m + (1-beta1)*g
			blas32.Scal(float32(beta1), vec(m))
			blas32.Axpy(float32(1-beta1), vec(grad), vec(m))

			for i, gv := range grad {
				v[i] = float32(beta2)*v[i] + float32(1-beta2)*gv*gv
				denom := math.Sqrt(float64(v[i])/biasCorrection2) + a.config.Epsilon
				p.Data[i] -= float32(stepSize * float64(m[i]) / denom)
			}
		}
	}
	return nil
}

// ZeroGrad resets gradients to zero for all parameters
func (a *Adam) ZeroGrad() {
	zeroGroups(a.groups)
}

func (a *Adam) GetLR() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return firstLR(a.groups)
}

func (a *Adam) SetLR(lr float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	setGroupsLR(a.groups, lr)
}

func (a *Adam) ParamGroups() []*ParamGroup {
	return a.groups
}

func (a *Adam) GetStepCount() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stepCount
}

func (a *Adam) Type() string {
	return "adam"
}

// GetState extracts optimizer state for checkpointing
func (a *Adam) GetState() (*checkpoints.StateDict, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	sd := checkpoints.NewStateDict(stateKind(a.Type()))
	saveGroups(sd, a.groups, a.stepCount)
	sd.SetScalar("beta1", a.config.Beta1)
	sd.SetScalar("beta2", a.config.Beta2)
	sd.SetScalar("epsilon", a.config.Epsilon)
	sd.SetScalar("weight_decay", a.config.WeightDecay)
	for _, p := range allParams(a.groups) {
		sd.Add(bufferName("exp_avg", p), p.Shape, a.expAvg[p])
		sd.Add(bufferName("exp_avg_sq", p), p.Shape, a.expAvgSq[p])
	}
	return sd, nil
}

// LoadState restores optimizer state from checkpoint
func (a *Adam) LoadState(state *checkpoints.StateDict) error {
	if err := validateStateType(a.Type(), state); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, p := range allParams(a.groups) {
		if err := restoreBuffer(state, bufferName("exp_avg", p), a.expAvg[p]); err != nil {
			return err
		}
		if err := restoreBuffer(state, bufferName("exp_avg_sq", p), a.expAvgSq[p]); err != nil {
			return err
		}
	}
	a.stepCount = loadGroups(state, a.groups)
	a.config.Beta1 = state.Scalar("beta1", a.config.Beta1)
	a.config.Beta2 = state.Scalar("beta2", a.config.Beta2)
	a.config.Epsilon = state.Scalar("epsilon", a.config.Epsilon)
	a.config.WeightDecay = state.Scalar("weight_decay", a.config.WeightDecay)
	return nil
}
