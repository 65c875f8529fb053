package distributed

import (
	"context"

	"github.com/pkg/errors"
	"github.com/tsawler/go-trainhelper/device"
	"github.com/tsawler/go-trainhelper/nn"
)

// DataParallel wraps a module so its gradients are averaged across ranks
// after every backward pass.
type DataParallel struct {
	module     nn.Module
	comm       Communicator
	findUnused bool
}

// NewDataParallel wraps m. With findUnused set, parameters that the backward
// pass never reached contribute zero gradients instead of failing the sync.
func NewDataParallel(m nn.Module, comm Communicator, findUnused bool) *DataParallel {
	return &DataParallel{module: m, comm: comm, findUnused: findUnused}
}

// Unwrap returns the wrapped module
func (dp *DataParallel) Unwrap() nn.Module {
	return dp.module
}

// FindUnusedParameters reports whether unused parameters are tolerated
func (dp *DataParallel) FindUnusedParameters() bool {
	return dp.findUnused
}

func (dp *DataParallel) Forward(ctx context.Context, input *nn.Value) (*nn.Value, error) {
	return dp.module.Forward(ctx, input)
}

func (dp *DataParallel) Parameters() []*nn.Parameter { return dp.module.Parameters() }
func (dp *DataParallel) Train()                      { dp.module.Train() }
func (dp *DataParallel) Eval()                       { dp.module.Eval() }
func (dp *DataParallel) IsTraining() bool            { return dp.module.IsTraining() }
func (dp *DataParallel) To(d device.Device) error    { return dp.module.To(d) }
func (dp *DataParallel) Device() device.Device       { return dp.module.Device() }

// Clone copies the wrapped module and keeps the same communicator
func (dp *DataParallel) Clone() nn.Module {
	return NewDataParallel(dp.module.Clone(), dp.comm, dp.findUnused)
}

// BroadcastParameters overwrites every rank's parameters with rank 0's
func (dp *DataParallel) BroadcastParameters(ctx context.Context, key string) error {
	params := dp.module.Parameters()
	flat := make([]float32, 0, totalSize(params))
	for _, p := range params {
		flat = append(flat, p.Data...)
	}
	if err := dp.comm.Broadcast(ctx, key, flat); err != nil {
		return err
	}
	offset := 0
	for _, p := range params {
		offset += copy(p.Data, flat[offset:offset+p.Size()])
	}
	return nil
}

// SyncGradients averages gradients across ranks in one all-reduce round
func (dp *DataParallel) SyncGradients(ctx context.Context, key string) error {
	params := dp.module.Parameters()
	for _, p := range params {
		if !p.Touched() && !dp.findUnused {
			return errors.Errorf("parameter %s received no gradient; wrap with find_unused_parameters to allow this", p.Name)
		}
	}

	flat := make([]float32, 0, totalSize(params))
	for _, p := range params {
		flat = append(flat, p.Grad...)
	}
	if err := dp.comm.AllReduceMean(ctx, key, flat); err != nil {
		return err
	}
	offset := 0
	for _, p := range params {
		offset += copy(p.Grad, flat[offset:offset+p.Size()])
	}
	return nil
}

func totalSize(params []*nn.Parameter) int {
	n := 0
	for _, p := range params {
		n += p.Size()
	}
	return n
}
