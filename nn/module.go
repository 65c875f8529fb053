package nn

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/tsawler/go-trainhelper/device"
)

// Global random source for deterministic initialization
var (
	rngMu     sync.Mutex
	globalRng = rand.New(rand.NewSource(1))
)

// SetRandomSeed sets the global random seed for deterministic weight initialization
func SetRandomSeed(seed int64) {
	rngMu.Lock()
	defer rngMu.Unlock()
	globalRng = rand.New(rand.NewSource(seed))
}

// Module is the contract every trainable model satisfies
type Module interface {
	Forward(ctx context.Context, input *Value) (*Value, error)
	Parameters() []*Parameter // Trainable parameters in a stable order
	Train()                   // Sets module to training mode
	Eval()                    // Sets module to evaluation mode
	IsTraining() bool         // Returns true if in training mode
	To(d device.Device) error // Places the module on d
	Device() device.Device
	Clone() Module // Deep copy with fresh gradients
}

// Wrapper is implemented by modules that decorate another module
type Wrapper interface {
	Unwrap() Module
}

// Unwrap strips every wrapper layer and returns the bare model
func Unwrap(m Module) Module {
	for {
		w, ok := m.(Wrapper)
		if !ok {
			return m
		}
		m = w.Unwrap()
	}
}

// ZeroGrad clears every parameter gradient of m
func ZeroGrad(m Module) {
	for _, p := range m.Parameters() {
		p.ZeroGrad()
	}
}

// Linear implements a fully connected layer: y = xW + b, W is [in, out]
type Linear struct {
	name     string
	weight   *Parameter
	bias     *Parameter
	training bool
	device   device.Device
}

// NewLinear creates a Linear layer whose parameters are named {name}.weight and {name}.bias
func NewLinear(name string, inputSize, outputSize int, bias bool) (*Linear, error) {
	if inputSize <= 0 || outputSize <= 0 {
		return nil, fmt.Errorf("linear %s: invalid size %dx%d", name, inputSize, outputSize)
	}

	// Xavier/Glorot uniform: W ~ U(-sqrt(6/(fan_in + fan_out)), sqrt(6/(fan_in + fan_out)))
	bound := math.Sqrt(6.0 / float64(inputSize+outputSize))
	weightData := make([]float32, inputSize*outputSize)
	rngMu.Lock()
	for i := range weightData {
		weightData[i] = float32((globalRng.Float64()*2.0 - 1.0) * bound)
	}
	rngMu.Unlock()

	weight, err := NewParameter(name+".weight", []int{inputSize, outputSize}, weightData)
	if err != nil {
		return nil, err
	}

	linear := &Linear{
		name:     name,
		weight:   weight,
		training: true,
		device:   device.Host,
	}
	if bias {
		linear.bias, err = NewParameter(name+".bias", []int{outputSize}, make([]float32, outputSize))
		if err != nil {
			return nil, err
		}
	}
	return linear, nil
}

// Forward performs the forward pass
func (l *Linear) Forward(ctx context.Context, input *Value) (*Value, error) {
	if input.Cols != l.weight.Shape[0] {
		return nil, fmt.Errorf("linear %s: input size mismatch: expected %d, got %d", l.name, l.weight.Shape[0], input.Cols)
	}

	out, err := matMul(input, parameterValue(l.weight, l.weight.Shape[0], l.weight.Shape[1]))
	if err != nil {
		return nil, err
	}
	if l.bias != nil {
		out, err = addRow(out, parameterValue(l.bias, 1, l.bias.Shape[0]))
		if err != nil {
			return nil, err
		}
	}
	if AutocastEnabled(ctx) {
		out = roundHalf(out)
	}
	return out, nil
}

// Parameters returns the trainable parameters
func (l *Linear) Parameters() []*Parameter {
	if l.bias == nil {
		return []*Parameter{l.weight}
	}
	return []*Parameter{l.weight, l.bias}
}

func (l *Linear) Train()           { l.training = true }
func (l *Linear) Eval()            { l.training = false }
func (l *Linear) IsTraining() bool { return l.training }

// To places the layer; accelerator devices are logical and keep host memory
func (l *Linear) To(d device.Device) error {
	l.device = d
	return nil
}

func (l *Linear) Device() device.Device { return l.device }

// Clone returns a deep copy
func (l *Linear) Clone() Module {
	c := &Linear{
		name:     l.name,
		weight:   l.weight.clone(),
		training: l.training,
		device:   l.device,
	}
	if l.bias != nil {
		c.bias = l.bias.clone()
	}
	return c
}

// ReLU implements the ReLU activation
type ReLU struct {
	training bool
	device   device.Device
}

// NewReLU creates a new ReLU activation module
func NewReLU() *ReLU {
	return &ReLU{training: true, device: device.Host}
}

func (r *ReLU) Forward(ctx context.Context, input *Value) (*Value, error) {
	return relu(input), nil
}

// Parameters returns an empty slice
func (r *ReLU) Parameters() []*Parameter { return []*Parameter{} }

func (r *ReLU) Train()                   { r.training = true }
func (r *ReLU) Eval()                    { r.training = false }
func (r *ReLU) IsTraining() bool         { return r.training }
func (r *ReLU) To(d device.Device) error { r.device = d; return nil }
func (r *ReLU) Device() device.Device    { return r.device }
func (r *ReLU) Clone() Module            { return &ReLU{training: r.training, device: r.device} }

// Sequential chains modules
type Sequential struct {
	layers   []Module
	training bool
	device   device.Device
}

// NewSequential creates a Sequential container
func NewSequential(layers ...Module) *Sequential {
	return &Sequential{layers: layers, training: true, device: device.Host}
}

// Add appends a layer
func (s *Sequential) Add(layer Module) {
	s.layers = append(s.layers, layer)
}

// Layers returns the contained modules
func (s *Sequential) Layers() []Module {
	return s.layers
}

// Forward runs every layer in order
func (s *Sequential) Forward(ctx context.Context, input *Value) (*Value, error) {
	out := input
	for i, layer := range s.layers {
		var err error
		out, err = layer.Forward(ctx, out)
		if err != nil {
			return nil, fmt.Errorf("layer %d forward failed: %v", i, err)
		}
	}
	return out, nil
}

// Parameters collects the parameters of every layer
func (s *Sequential) Parameters() []*Parameter {
	var params []*Parameter
	for _, layer := range s.layers {
		params = append(params, layer.Parameters()...)
	}
	return params
}

func (s *Sequential) Train() {
	s.training = true
	for _, layer := range s.layers {
		layer.Train()
	}
}

func (s *Sequential) Eval() {
	s.training = false
	for _, layer := range s.layers {
		layer.Eval()
	}
}

func (s *Sequential) IsTraining() bool { return s.training }

func (s *Sequential) To(d device.Device) error {
	for i, layer := range s.layers {
		if err := layer.To(d); err != nil {
			return fmt.Errorf("layer %d: %v", i, err)
		}
	}
	s.device = d
	return nil
}

func (s *Sequential) Device() device.Device { return s.device }

func (s *Sequential) Clone() Module {
	c := &Sequential{training: s.training, device: s.device}
	for _, layer := range s.layers {
		c.layers = append(c.layers, layer.Clone())
	}
	return c
}

// NewMLP builds Linear/ReLU pairs named {prefix}.{i} over sizes
func NewMLP(prefix string, sizes ...int) (*Sequential, error) {
	if len(sizes) < 2 {
		return nil, fmt.Errorf("mlp %s needs at least an input and an output size", prefix)
	}
	seq := NewSequential()
	for i := 0; i < len(sizes)-1; i++ {
		linear, err := NewLinear(fmt.Sprintf("%s.%d", prefix, i), sizes[i], sizes[i+1], true)
		if err != nil {
			return nil, err
		}
		seq.Add(linear)
		if i < len(sizes)-2 {
			seq.Add(NewReLU())
		}
	}
	return seq, nil
}
