package training

import (
	"context"
	"math"
	"time"

	"github.com/tsawler/go-trainhelper/distributed"
	"github.com/tsawler/go-trainhelper/journal"
	"k8s.io/klog/v2"
)

// Callback receives the loop's lifecycle events. Hooks run synchronously in
// registration order; an error ends the run.
type Callback interface {
	OnBeginTrain(ctx context.Context, l *Loop) error
	OnBeginEpoch(ctx context.Context, l *Loop, epoch int) error
	OnBeginStep(ctx context.Context, l *Loop, epoch, step int) error
	OnEndStep(ctx context.Context, l *Loop, epoch, step int) error
	OnEndEpoch(ctx context.Context, l *Loop, epoch int) error
	OnEndTrain(ctx context.Context, l *Loop) error
}

// ValidationObserver is implemented by callbacks that want the averaged
// validation metrics. It runs on every rank; only the leader gets metrics.
type ValidationObserver interface {
	OnValidated(ctx context.Context, l *Loop, epoch int, metrics map[string]float64) error
}

// BaseCallback implements every hook as a no-op for embedding
type BaseCallback struct{}

func (BaseCallback) OnBeginTrain(ctx context.Context, l *Loop) error                 { return nil }
func (BaseCallback) OnBeginEpoch(ctx context.Context, l *Loop, epoch int) error      { return nil }
func (BaseCallback) OnBeginStep(ctx context.Context, l *Loop, epoch, step int) error { return nil }
func (BaseCallback) OnEndStep(ctx context.Context, l *Loop, epoch, step int) error   { return nil }
func (BaseCallback) OnEndEpoch(ctx context.Context, l *Loop, epoch int) error        { return nil }
func (BaseCallback) OnEndTrain(ctx context.Context, l *Loop) error                   { return nil }

// CheckpointConfig configures checkpoint saving behavior
type CheckpointConfig struct {
	SaveFrequency int           // Save every N epochs (0 = disabled)
	SaveLast      bool          // Always save the final epoch
	SaveBest      bool          // Save when BestMetric improves
	BestMetric    string        // Validation metric watched by SaveBest
	BestMode      string        // "min" or "max"
	MaxCount      int           // Retention count (<= 0 keeps everything)
	MaxTime       time.Duration // Retention window
}

// DefaultCheckpointConfig returns a sensible default configuration
func DefaultCheckpointConfig() CheckpointConfig {
	return CheckpointConfig{
		SaveFrequency: 1,
		SaveLast:      true,
		SaveBest:      false,
		BestMetric:    "loss",
		BestMode:      "min",
		MaxCount:      -1,
		MaxTime:       2 * time.Hour,
	}
}

// CheckpointCallback saves the model group at the end of selected epochs.
// Saving is leader-only inside ModelGroup.SaveModel.
type CheckpointCallback struct {
	BaseCallback
	config CheckpointConfig

	best      float64
	hasBest   bool
	lastSaved int
}

// NewCheckpointCallback creates a checkpoint callback
func NewCheckpointCallback(config CheckpointConfig) *CheckpointCallback {
	if config.BestMode != "max" {
		config.BestMode = "min"
	}
	return &CheckpointCallback{config: config, lastSaved: -1}
}

func (c *CheckpointCallback) OnEndEpoch(ctx context.Context, l *Loop, epoch int) error {
	due := c.config.SaveFrequency > 0 && (epoch+1)%c.config.SaveFrequency == 0
	last := c.config.SaveLast && epoch == l.Config().TotalEpoch-1
	if !due && !last {
		return nil
	}
	return c.save(l, epoch)
}

func (c *CheckpointCallback) OnValidated(ctx context.Context, l *Loop, epoch int, metrics map[string]float64) error {
	if !c.config.SaveBest || metrics == nil {
		return nil
	}
	v, ok := metrics[c.config.BestMetric]
	if !ok {
		return nil
	}
	improved := !c.hasBest ||
		(c.config.BestMode == "min" && v < c.best) ||
		(c.config.BestMode == "max" && v > c.best)
	if !improved {
		return nil
	}
	c.best, c.hasBest = v, true
	klog.Infof("epoch %d: best %s=%g", epoch, c.config.BestMetric, v)
	if c.lastSaved == epoch {
		return nil
	}
	return c.save(l, epoch)
}

func (c *CheckpointCallback) save(l *Loop, epoch int) error {
	if err := l.Group.SaveModel(epoch, c.config.MaxCount, c.config.MaxTime); err != nil {
		return err
	}
	c.lastSaved = epoch
	return nil
}

// JournalCallback records checkpoint activity and validation metrics in a
// run journal. Only the leader writes.
type JournalCallback struct {
	BaseCallback
	Journal *journal.Journal
}

// NewJournalCallback creates a journal callback
func NewJournalCallback(j *journal.Journal) *JournalCallback {
	return &JournalCallback{Journal: j}
}

func (c *JournalCallback) OnBeginTrain(ctx context.Context, l *Loop) error {
	if distributed.IsLeader(l.Group.Comm()) {
		l.Group.Store().SetObserver(c.Journal)
	}
	return nil
}

func (c *JournalCallback) OnValidated(ctx context.Context, l *Loop, epoch int, metrics map[string]float64) error {
	if len(metrics) == 0 {
		return nil
	}
	return c.Journal.RecordValidation(ctx, epoch, metrics)
}

// PlateauCallback feeds a validation metric to a ReduceLROnPlateau
// scheduler and applies the resulting rate to one sub-model. Bind the same
// scheduler in the sub-model's ModelSpec so UpdateLearningRate keeps the
// reduced rate. In a distributed run the leader's metric is broadcast so
// every rank's scheduler takes the same decision.
type PlateauCallback struct {
	BaseCallback
	Name      string
	Metric    string
	Scheduler *ReduceLROnPlateauScheduler
}

// NewPlateauCallback creates a plateau callback for the sub-model name
func NewPlateauCallback(name, metric string, scheduler *ReduceLROnPlateauScheduler) *PlateauCallback {
	return &PlateauCallback{Name: name, Metric: metric, Scheduler: scheduler}
}

func (c *PlateauCallback) OnValidated(ctx context.Context, l *Loop, epoch int, metrics map[string]float64) error {
	opt := l.Group.Optimizer(c.Name)
	if opt == nil {
		return &UnknownModelError{Name: c.Name}
	}
	// The warmup ramp owns the rate until WarmupEpoch; the plateau tracks
	// its own rate from the registered base.
	if epoch < l.config.WarmupEpoch {
		return nil
	}

	value := math.NaN()
	if v, ok := metrics[c.Metric]; ok {
		value = v
	}
	if comm := l.Group.Comm(); l.Group.IsDistributed() {
		buf := []float32{float32(value)}
		if err := comm.Broadcast(ctx, "plateau/"+c.Name, buf); err != nil {
			return err
		}
		value = float64(buf[0])
	}
	if math.IsNaN(value) {
		if distributed.IsLeader(l.Group.Comm()) {
			klog.Warningf("plateau %s: metric %q missing at epoch %d", c.Name, c.Metric, epoch)
		}
		return nil
	}

	before := c.Scheduler.GetLR(epoch, 0, l.Group.InitialLR(c.Name))
	lr := c.Scheduler.Step(value, before)
	if lr != before {
		klog.Infof("epoch %d: %s plateau, lr %g -> %g", epoch, c.Name, before, lr)
	}
	opt.SetLR(lr)
	return nil
}
