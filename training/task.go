package training

import (
	"context"

	"github.com/tsawler/go-trainhelper/data"
	"github.com/tsawler/go-trainhelper/nn"
	"github.com/tsawler/go-trainhelper/vis"
)

// Task is the model-specific part of a run. Forward usually stores its
// outputs where the sub-models' LossFuncs can reach them; BackwardWrapper
// materializes the losses afterwards.
type Task interface {
	Forward(ctx context.Context, epoch, step int, batch *data.Batch) error

	// Validate scores one validation batch. A nil map contributes nothing.
	Validate(ctx context.Context, epoch int, batch *data.Batch) (map[string]float64, error)
}

// LossFunc materializes a sub-model's loss from the last forward pass. A nil
// loss skips the update for this step.
type LossFunc func(ctx context.Context) (nn.Loss, error)

// BeforeValidator runs before the validation pass
type BeforeValidator interface {
	BeforeValidate(ctx context.Context, epoch int) error
}

// AfterValidator reports extra values after the validation pass; they are
// printed as returned, not averaged
type AfterValidator interface {
	AfterValidate(ctx context.Context, epoch int) (map[string]float64, error)
}

// StepHooks are the task's own per-step hooks, run around the forward and
// backward phases
type StepHooks interface {
	OnBeginForward(ctx context.Context, batch *data.Batch, epoch, step int) error
	OnEndForward(ctx context.Context, epoch, step int) error
	OnBeginBackward(ctx context.Context, epoch, step int) error
	OnEndBackward(ctx context.Context, epoch, step int) error
}

// VisProvider exposes the items to visualize after a step. A nil map
// disables visualization for the run.
type VisProvider interface {
	VisItems() map[string]vis.Item
}

// MetricPrinter supplies the progress bar description
type MetricPrinter interface {
	PrintMetric() string
}
