package training

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/tsawler/go-trainhelper/data"
	"github.com/tsawler/go-trainhelper/distributed"
	"github.com/tsawler/go-trainhelper/vis"
	"k8s.io/klog/v2"
)

// LoopConfig bounds and decorates a run
type LoopConfig struct {
	StartEpoch  int
	TotalEpoch  int // Exclusive
	WarmupEpoch int // Epochs of linear learning rate ramp; <= 0 disables
	GPUCount    int // Visualization step multiplier; 0 uses the world size

	// Progress receives the leader's progress bar; nil disables it
	Progress io.Writer
}

// Loop drives a ModelGroup through epochs of training and validation. Every
// rank runs its own Loop; progress, visualization and validation happen on
// the leader only.
type Loop struct {
	Group       *ModelGroup
	TrainLoader data.Loader
	ValLoader   data.Loader // nil skips validation
	Vis         vis.Writer  // nil disables visualization

	config    LoopConfig
	callbacks []Callback
}

// NewLoop creates a loop over group
func NewLoop(group *ModelGroup, train, val data.Loader, config LoopConfig) *Loop {
	return &Loop{
		Group:       group,
		TrainLoader: train,
		ValLoader:   val,
		config:      config,
	}
}

// Config returns the loop configuration
func (l *Loop) Config() LoopConfig { return l.config }

// AddCallback appends callbacks; they run in the order added
func (l *Loop) AddCallback(cbs ...Callback) {
	l.callbacks = append(l.callbacks, cbs...)
}

// Callbacks returns the registered callbacks
func (l *Loop) Callbacks() []Callback { return l.callbacks }

func (l *Loop) isLeader() bool {
	return distributed.IsLeader(l.Group.Comm())
}

// perform runs hook on every callback, stopping at the first error
func (l *Loop) perform(hook string, call func(cb Callback) error) error {
	for _, cb := range l.callbacks {
		if err := call(cb); err != nil {
			return errors.WithMessagef(err, "callback %s", hook)
		}
	}
	return nil
}

// Run trains from StartEpoch up to TotalEpoch. Any error stops the run,
// including errors from callbacks and a cancelled context.
func (l *Loop) Run(ctx context.Context) error {
	if l.Group.Task() == nil {
		return errors.New("loop: no task bound to the model group")
	}
	if l.TrainLoader == nil {
		return errors.New("loop: no training loader")
	}

	if err := l.perform("on_begin_train", func(cb Callback) error {
		return cb.OnBeginTrain(ctx, l)
	}); err != nil {
		return err
	}
	for epoch := l.config.StartEpoch; epoch < l.config.TotalEpoch; epoch++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := l.runEpoch(ctx, epoch); err != nil {
			return errors.WithMessagef(err, "epoch %d", epoch)
		}
	}
	return l.perform("on_end_train", func(cb Callback) error {
		return cb.OnEndTrain(ctx, l)
	})
}

type epochSetter interface {
	SetEpoch(epoch int)
}

func (l *Loop) runEpoch(ctx context.Context, epoch int) error {
	g := l.Group
	task := g.Task()
	hooks, _ := task.(StepHooks)
	leader := l.isLeader()

	g.SetTrain()
	if s, ok := l.TrainLoader.(epochSetter); ok {
		s.SetEpoch(epoch)
	}
	l.TrainLoader.Reset()
	stepsPerEpoch := l.TrainLoader.Len()

	var bar *ProgressBar
	if leader && l.config.Progress != nil {
		bar = NewProgressBar(l.config.Progress, fmt.Sprintf("epoch %d", epoch), stepsPerEpoch)
	}

	if err := l.perform("on_begin_epoch", func(cb Callback) error {
		return cb.OnBeginEpoch(ctx, l, epoch)
	}); err != nil {
		return err
	}

	for step := 0; ; step++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := l.TrainLoader.Next()
		if err != nil {
			return errors.WithMessagef(err, "step %d", step)
		}
		if batch == nil {
			break
		}
		if err := l.trainStep(ctx, hooks, epoch, step, batch); err != nil {
			return errors.WithMessagef(err, "step %d", step)
		}
		if leader {
			if err := l.report(bar, epoch, step, stepsPerEpoch); err != nil {
				return errors.WithMessagef(err, "step %d", step)
			}
		}
	}
	if bar != nil {
		bar.Finish()
	}
	if leader && l.Vis != nil {
		if err := l.Vis.Flush(); err != nil {
			klog.Warningf("flush visualization: %v", err)
		}
	}

	if err := l.perform("on_end_epoch", func(cb Callback) error {
		return cb.OnEndEpoch(ctx, l, epoch)
	}); err != nil {
		return err
	}
	g.UpdateLearningRate(epoch, l.config.WarmupEpoch)
	_, err := l.Validate(ctx, epoch)
	return err
}

func (l *Loop) trainStep(ctx context.Context, hooks StepHooks, epoch, step int, batch *data.Batch) error {
	g := l.Group
	if hooks != nil {
		if err := hooks.OnBeginForward(ctx, batch, epoch, step); err != nil {
			return errors.WithMessage(err, "on_begin_forward")
		}
	}
	if err := l.perform("on_begin_step", func(cb Callback) error {
		return cb.OnBeginStep(ctx, l, epoch, step)
	}); err != nil {
		return err
	}
	if err := g.ForwardWrapper(ctx, epoch, step, batch); err != nil {
		return errors.WithMessage(err, "forward")
	}
	if hooks != nil {
		if err := hooks.OnEndForward(ctx, epoch, step); err != nil {
			return errors.WithMessage(err, "on_end_forward")
		}
		if err := hooks.OnBeginBackward(ctx, epoch, step); err != nil {
			return errors.WithMessage(err, "on_begin_backward")
		}
	}
	if err := g.BackwardWrapper(ctx); err != nil {
		return errors.WithMessage(err, "backward")
	}
	if g.IsDistributed() {
		if err := g.Comm().Barrier(ctx, "step"); err != nil {
			return err
		}
	}
	if hooks != nil {
		if err := hooks.OnEndBackward(ctx, epoch, step); err != nil {
			return errors.WithMessage(err, "on_end_backward")
		}
	}
	return l.perform("on_end_step", func(cb Callback) error {
		return cb.OnEndStep(ctx, l, epoch, step)
	})
}

// report updates the progress bar and the visualizer after a step
func (l *Loop) report(bar *ProgressBar, epoch, step, stepsPerEpoch int) error {
	task := l.Group.Task()
	if bar != nil {
		if p, ok := task.(MetricPrinter); ok {
			bar.SetDescription(p.PrintMetric())
		}
		bar.Update(step+1, nil)
	}

	provider, ok := task.(VisProvider)
	if l.Vis == nil || !ok {
		return nil
	}
	items := provider.VisItems()
	if items == nil {
		return nil
	}
	gpus := l.config.GPUCount
	if gpus <= 0 {
		gpus = l.Group.Comm().WorldSize()
	}
	return vis.Dispatch(l.Vis, items, vis.GlobalStep(epoch, step, stepsPerEpoch, gpus))
}

// Validate runs the validation pass on the leader, logs the per-batch mean
// of every metric followed by the task's after-validate values, and hands
// the means to every ValidationObserver callback. Other ranks return nil
// metrics. All ranks meet at a barrier before the observers run.
func (l *Loop) Validate(ctx context.Context, epoch int) (map[string]float64, error) {
	var metrics map[string]float64
	if l.isLeader() && l.ValLoader != nil {
		var err error
		if metrics, err = l.validateLeader(ctx, epoch); err != nil {
			return nil, errors.WithMessage(err, "validate")
		}
	}
	if l.Group.IsDistributed() {
		if err := l.Group.Comm().Barrier(ctx, "validate"); err != nil {
			return nil, err
		}
	}
	for _, cb := range l.callbacks {
		obs, ok := cb.(ValidationObserver)
		if !ok {
			continue
		}
		if err := obs.OnValidated(ctx, l, epoch, metrics); err != nil {
			return nil, errors.WithMessagef(err, "callback on_validated")
		}
	}
	return metrics, nil
}

func (l *Loop) validateLeader(ctx context.Context, epoch int) (map[string]float64, error) {
	task := l.Group.Task()
	if bv, ok := task.(BeforeValidator); ok {
		if err := bv.BeforeValidate(ctx, epoch); err != nil {
			return nil, err
		}
	}

	l.ValLoader.Reset()
	batches := l.ValLoader.Len()
	sums := make(map[string]float64)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch, err := l.ValLoader.Next()
		if err != nil {
			return nil, err
		}
		if batch == nil {
			break
		}
		res, err := task.Validate(ctx, epoch, batch)
		if err != nil {
			return nil, err
		}
		for k, v := range res {
			sums[k] += v
		}
	}

	means := make(map[string]float64, len(sums))
	for k, v := range sums {
		if batches > 0 {
			means[k] = v / float64(batches)
		}
	}

	line := fmt.Sprintf("epoch: %d, %s", epoch, formatMetrics(means))
	if av, ok := task.(AfterValidator); ok {
		after, err := av.AfterValidate(ctx, epoch)
		if err != nil {
			return nil, err
		}
		if len(after) > 0 {
			line += "," + formatMetrics(after)
		}
	}
	klog.Info(line)
	return means, nil
}

func formatMetrics(m map[string]float64) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s:%g", k, m[k])
	}
	return strings.Join(parts, ", ")
}
