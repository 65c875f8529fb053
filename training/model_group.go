// Package training drives multi-model training: the ModelGroup owns the
// named sub-models with their optimizers, losses, schedulers, EMA shadows
// and loss scalers, and the Loop runs epochs over it.
package training

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/tsawler/go-trainhelper/checkpoints"
	"github.com/tsawler/go-trainhelper/data"
	"github.com/tsawler/go-trainhelper/device"
	"github.com/tsawler/go-trainhelper/distributed"
	"github.com/tsawler/go-trainhelper/nn"
	"github.com/tsawler/go-trainhelper/optimizer"
	"k8s.io/klog/v2"
)

// GroupConfig configures a ModelGroup
type GroupConfig struct {
	CkptDir string
	AMP     bool          // Run forward and loss under autocast with loss scaling
	Device  device.Device // Placement of every sub-model and shadow
	Scaler  GradScalerConfig
}

// ModelSpec describes a sub-model to register
type ModelSpec struct {
	Name          string
	ClassPath     string // Registry key of the model factory
	Config        json.RawMessage
	InitLR        float64
	OptimizerType string // "adam" or "sgd"
	Loss          LossFunc
	Scheduler     LRScheduler // nil keeps the initial rate

	// FindUnusedParameters lets distributed gradient sync accept parameters
	// that got no gradient in a step
	FindUnusedParameters bool
}

// entry bundles everything bound to one sub-model name
type entry struct {
	name      string
	model     nn.Module
	optimizer optimizer.Optimizer
	loss      LossFunc
	scheduler LRScheduler
	initLR    float64
	ema       *EMAShadow
	scaler    *GradScaler
}

// ModelGroup owns the named sub-models of a run. Iteration follows
// registration order.
type ModelGroup struct {
	config   GroupConfig
	registry *Registry
	comm     distributed.Communicator
	store    *checkpoints.Store
	task     Task

	entries []*entry
	byName  map[string]*entry
}

// NewModelGroup creates the checkpoint directory (with its imgs
// subdirectory) and an empty group. A nil registry uses DefaultRegistry and
// a nil communicator runs single-process.
func NewModelGroup(config GroupConfig, registry *Registry, comm distributed.Communicator) (*ModelGroup, error) {
	if config.CkptDir == "" {
		return nil, errors.New("model group: checkpoint directory is required")
	}
	if err := os.MkdirAll(filepath.Join(config.CkptDir, "imgs"), 0755); err != nil {
		return nil, errors.Wrap(err, "model group: create checkpoint directory")
	}
	store, err := checkpoints.NewStore(config.CkptDir)
	if err != nil {
		return nil, err
	}
	if registry == nil {
		registry = DefaultRegistry()
	}
	if comm == nil {
		comm = distributed.Local{}
	}
	return &ModelGroup{
		config:   config,
		registry: registry,
		comm:     comm,
		store:    store,
		byName:   make(map[string]*entry),
	}, nil
}

// Bind attaches the model-specific task
func (g *ModelGroup) Bind(task Task) {
	g.task = task
}

// Task returns the bound task
func (g *ModelGroup) Task() Task { return g.task }

// Comm returns the group's communicator
func (g *ModelGroup) Comm() distributed.Communicator { return g.comm }

// Store returns the checkpoint store
func (g *ModelGroup) Store() *checkpoints.Store { return g.store }

// Config returns the group configuration
func (g *ModelGroup) Config() GroupConfig { return g.config }

// IsDistributed reports whether more than one rank takes part
func (g *ModelGroup) IsDistributed() bool {
	return g.comm.WorldSize() > 1
}

// AddModel creates, places and binds a sub-model. Names are unique.
func (g *ModelGroup) AddModel(ctx context.Context, spec ModelSpec) error {
	if spec.Name == "" {
		return errors.New("add model: name is required")
	}
	if _, ok := g.byName[spec.Name]; ok {
		return &DuplicateModelError{Name: spec.Name}
	}

	m, err := g.registry.Create(spec.ClassPath, spec.Config)
	if err != nil {
		return errors.WithMessagef(err, "add model %s", spec.Name)
	}
	m, err = g.ModelToDevice(ctx, spec.Name, m, spec.FindUnusedParameters)
	if err != nil {
		return errors.WithMessagef(err, "add model %s", spec.Name)
	}
	opt, err := optimizer.New(spec.OptimizerType, m.Parameters(), spec.InitLR)
	if err != nil {
		return errors.WithMessagef(err, "add model %s", spec.Name)
	}

	scheduler := spec.Scheduler
	if scheduler == nil {
		scheduler = &NoOpScheduler{}
	}
	e := &entry{
		name:      spec.Name,
		model:     m,
		optimizer: opt,
		loss:      spec.Loss,
		scheduler: scheduler,
		initLR:    spec.InitLR,
	}
	if g.config.AMP {
		e.scaler = NewGradScaler(g.config.Scaler)
	}
	g.entries = append(g.entries, e)
	g.byName[spec.Name] = e
	klog.Infof("model %s: %s on %s, %s lr=%g, scheduler %s",
		spec.Name, spec.ClassPath, m.Device(), opt.Type(), spec.InitLR, scheduler.GetName())
	return nil
}

// AddEMAModel attaches an EMA shadow to a registered sub-model. The shadow
// is a deep copy of the bare model in evaluation mode; its first update is a
// hard copy.
func (g *ModelGroup) AddEMAModel(name string) error {
	e, ok := g.byName[name]
	if !ok {
		return &UnknownModelError{Name: name}
	}
	shadow := newEMAShadow(name, e.model)
	if err := shadow.Model.To(g.config.Device); err != nil {
		return errors.WithMessagef(err, "add ema %s", name)
	}
	e.ema = shadow
	return nil
}

// ModelToDevice places m on the configured device. In a distributed run
// the model is wrapped for gradient sync and every rank starts from rank
// 0's parameters.
func (g *ModelGroup) ModelToDevice(ctx context.Context, name string, m nn.Module, findUnused bool) (nn.Module, error) {
	if err := m.To(g.config.Device); err != nil {
		return nil, err
	}
	if !g.IsDistributed() {
		return m, nil
	}
	dp := distributed.NewDataParallel(m, g.comm, findUnused)
	if err := dp.BroadcastParameters(ctx, "params/"+name); err != nil {
		return nil, err
	}
	return dp, nil
}

// GetBareModel strips distributed wrappers
func (g *ModelGroup) GetBareModel(m nn.Module) nn.Module {
	return nn.Unwrap(m)
}

// SetTrain puts every sub-model in training mode. Shadows stay in
// evaluation mode.
func (g *ModelGroup) SetTrain() {
	for _, e := range g.entries {
		e.model.Train()
	}
}

// ForwardWrapper runs the task's forward step, under autocast when AMP is on
func (g *ModelGroup) ForwardWrapper(ctx context.Context, epoch, step int, batch *data.Batch) error {
	if g.task == nil {
		return errors.New("forward: no task bound")
	}
	if g.config.AMP {
		ctx = nn.Autocast(ctx)
	}
	return g.task.Forward(ctx, epoch, step, batch)
}

// BackwardWrapper updates every sub-model that has a loss this step, in
// registration order, then advances every EMA shadow once.
func (g *ModelGroup) BackwardWrapper(ctx context.Context) error {
	for _, e := range g.entries {
		if e.loss == nil {
			continue
		}
		lossCtx := ctx
		if g.config.AMP {
			lossCtx = nn.Autocast(ctx)
		}
		loss, err := e.loss(lossCtx)
		if err != nil {
			return errors.WithMessagef(err, "loss %s", e.name)
		}
		if loss == nil {
			continue
		}

		e.optimizer.ZeroGrad()
		scale := float32(1)
		if e.scaler != nil {
			scale = e.scaler.Scale()
		}
		if err := loss.Backward(scale); err != nil {
			return errors.WithMessagef(err, "backward %s", e.name)
		}
		if dp, ok := e.model.(*distributed.DataParallel); ok {
			if err := dp.SyncGradients(ctx, "grads/"+e.name); err != nil {
				return errors.WithMessagef(err, "sync gradients %s", e.name)
			}
		}

		if e.scaler != nil {
			_, err = e.scaler.Step(e.optimizer)
			e.scaler.Update()
		} else {
			err = e.optimizer.Step()
		}
		if err != nil {
			return errors.WithMessagef(err, "step %s", e.name)
		}
	}
	return g.StepEMA(EMADecay)
}

// StepEMA advances every shadow once. All shadows are attempted; the first
// parameter mismatch is returned.
func (g *ModelGroup) StepEMA(decay float64) error {
	var first error
	for _, e := range g.entries {
		if e.ema == nil {
			continue
		}
		if err := e.ema.Update(e.model, decay); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// UpdateLearningRate sets each optimizer's rate for epoch: the scheduler's
// value, or a linear ramp initLR/warmupEpoch*epoch while epoch < warmupEpoch.
func (g *ModelGroup) UpdateLearningRate(epoch, warmupEpoch int) {
	for _, e := range g.entries {
		lr := e.scheduler.GetLR(epoch, 0, e.initLR)
		if epoch < warmupEpoch {
			lr = e.initLR / float64(warmupEpoch) * float64(epoch)
		}
		e.optimizer.SetLR(lr)
		klog.V(1).Infof("epoch %d: %s lr=%g", epoch, e.name, lr)
	}
}

// Names lists the sub-models in registration order
func (g *ModelGroup) Names() []string {
	names := make([]string, len(g.entries))
	for i, e := range g.entries {
		names[i] = e.name
	}
	return names
}

// Model returns the registered (possibly wrapped) model, or nil
func (g *ModelGroup) Model(name string) nn.Module {
	if e, ok := g.byName[name]; ok {
		return e.model
	}
	return nil
}

// Optimizer returns the sub-model's optimizer, or nil
func (g *ModelGroup) Optimizer(name string) optimizer.Optimizer {
	if e, ok := g.byName[name]; ok {
		return e.optimizer
	}
	return nil
}

// InitialLR returns the base rate the sub-model was registered with, or 0
func (g *ModelGroup) InitialLR(name string) float64 {
	if e, ok := g.byName[name]; ok {
		return e.initLR
	}
	return 0
}

// Scheduler returns the sub-model's scheduler, or nil
func (g *ModelGroup) Scheduler(name string) LRScheduler {
	if e, ok := g.byName[name]; ok {
		return e.scheduler
	}
	return nil
}

// EMA returns the sub-model's shadow, or nil
func (g *ModelGroup) EMA(name string) *EMAShadow {
	if e, ok := g.byName[name]; ok {
		return e.ema
	}
	return nil
}

// Scaler returns the sub-model's loss scaler; nil unless AMP is on
func (g *ModelGroup) Scaler(name string) *GradScaler {
	if e, ok := g.byName[name]; ok {
		return e.scaler
	}
	return nil
}

// WriteNetwork writes the architecture of every sub-model to path. Only the
// leader writes.
func (g *ModelGroup) WriteNetwork(path string) error {
	if !distributed.IsLeader(g.comm) {
		return nil
	}
	file, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "write network")
	}
	for _, e := range g.entries {
		if err := NewModelArchitecturePrinter(e.name).PrintArchitecture(file, e.model); err != nil {
			file.Close()
			return errors.Wrap(err, "write network")
		}
	}
	return file.Close()
}

// String summarizes the group for logs
func (g *ModelGroup) String() string {
	return fmt.Sprintf("ModelGroup(%v, amp=%t, rank %d/%d)", g.Names(), g.config.AMP, g.comm.Rank(), g.comm.WorldSize())
}
