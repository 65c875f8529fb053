package training

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/tsawler/go-trainhelper/checkpoints"
	"github.com/tsawler/go-trainhelper/distributed"
	"github.com/tsawler/go-trainhelper/nn"
	"github.com/tsawler/go-trainhelper/optimizer"
	"k8s.io/klog/v2"
)

// SaveModelOptimizer writes the optimizer state (when opt is non-nil), the
// bare model weights and, when name has a shadow, the EMA weights for epoch.
// It then applies retention for name: maxCount <= 0 keeps every epoch, see
// checkpoints.Store.Retain for the rest.
func (g *ModelGroup) SaveModelOptimizer(epoch int, name string, model nn.Module, opt optimizer.Optimizer, maxCount int, maxTime time.Duration) error {
	var paths []string
	if opt != nil {
		state, err := opt.GetState()
		if err != nil {
			return errors.WithMessagef(err, "save optimizer %s", name)
		}
		path := g.store.OptimizerPath(epoch, name)
		if err := g.store.Write(path, state); err != nil {
			return err
		}
		paths = append(paths, path)
	}

	path := g.store.WeightsPath(epoch, name)
	if err := g.store.Write(path, nn.StateDict(model)); err != nil {
		return err
	}
	paths = append(paths, path)

	if e, ok := g.byName[name]; ok && e.ema != nil {
		path := g.store.EMAPath(epoch, name)
		if err := g.store.Write(path, nn.StateDict(e.ema.Model)); err != nil {
			return err
		}
		paths = append(paths, path)
	}
	g.store.NotifySaved(epoch, name, paths)

	_, err := g.store.Retain(epoch, name, checkpoints.RetentionPolicy{MaxCount: maxCount, MaxTime: maxTime})
	return err
}

// LoadModelOptimizer restores name's weights, shadow and optimizer state
// for epoch. A missing weights or optimizer file is logged and returned as a
// *checkpoints.CheckpointMissingError. A missing EMA file is not an error:
// the shadow gets the plain weights instead. Either way the shadow counts as
// initialized afterwards.
func (g *ModelGroup) LoadModelOptimizer(epoch int, name string, model nn.Module, opt optimizer.Optimizer) error {
	weightsPath := g.store.WeightsPath(epoch, name)
	weights, err := g.store.Read(weightsPath)
	if err != nil {
		if checkpoints.IsMissing(err) {
			klog.Warning(err)
		}
		return err
	}
	if err := nn.LoadStateDict(model, weights); err != nil {
		return errors.WithMessagef(err, "load %s", weightsPath)
	}
	klog.Infof("success load model: %s", weightsPath)

	if e, ok := g.byName[name]; ok && e.ema != nil {
		emaPath := g.store.EMAPath(epoch, name)
		shadowWeights, err := g.store.Read(emaPath)
		switch {
		case err == nil:
			klog.Infof("success load model: %s", emaPath)
		case checkpoints.IsMissing(err):
			klog.Warningf("%s not exists yet! load weights from %s", emaPath, weightsPath)
			shadowWeights = weights
		default:
			return err
		}
		if err := nn.LoadStateDict(e.ema.Model, shadowWeights); err != nil {
			return errors.WithMessagef(err, "load ema %s", name)
		}
		e.ema.needsHardCopy = false
	}

	if opt == nil {
		return nil
	}
	optPath := g.store.OptimizerPath(epoch, name)
	state, err := g.store.Read(optPath)
	if err != nil {
		if checkpoints.IsMissing(err) {
			klog.Warning(err)
		}
		return err
	}
	if err := opt.LoadState(state); err != nil {
		return errors.WithMessagef(err, "load %s", optPath)
	}
	klog.Infof("success load optimizer: %s", optPath)
	return nil
}

// LoadModel restores every sub-model for epoch and returns how many loaded
// completely. Missing files only skip that sub-model. In a distributed run
// all ranks meet at a barrier afterwards.
func (g *ModelGroup) LoadModel(ctx context.Context, epoch int) (int, error) {
	loaded := 0
	for _, e := range g.entries {
		err := g.LoadModelOptimizer(epoch, e.name, e.model, e.optimizer)
		switch {
		case err == nil:
			loaded++
		case !checkpoints.IsMissing(err):
			return loaded, err
		}
	}
	if g.IsDistributed() {
		if err := g.comm.Barrier(ctx, "load_model"); err != nil {
			return loaded, err
		}
	}
	return loaded, nil
}

// SaveModel checkpoints every sub-model with its optimizer and shadow. Only
// the leader writes; other ranks return immediately.
func (g *ModelGroup) SaveModel(epoch int, maxCount int, maxTime time.Duration) error {
	if !distributed.IsLeader(g.comm) {
		return nil
	}
	for _, e := range g.entries {
		if err := g.SaveModelOptimizer(epoch, e.name, e.model, e.optimizer, maxCount, maxTime); err != nil {
			return err
		}
	}
	return nil
}
