package nn

import (
	"fmt"
)

// Parameter is a named trainable tensor with its gradient buffer
type Parameter struct {
	Name  string
	Shape []int
	Data  []float32
	Grad  []float32

	touched bool
}

// NewParameter allocates a zero gradient for data
func NewParameter(name string, shape []int, data []float32) (*Parameter, error) {
	size := 1
	for _, d := range shape {
		size *= d
	}
	if size != len(data) {
		return nil, fmt.Errorf("parameter %s: shape %v needs %d elements, got %d", name, shape, size, len(data))
	}
	return &Parameter{
		Name:  name,
		Shape: append([]int(nil), shape...),
		Data:  data,
		Grad:  make([]float32, len(data)),
	}, nil
}

// Size returns the number of elements
func (p *Parameter) Size() int {
	return len(p.Data)
}

// ZeroGrad clears the gradient and the touched flag
func (p *Parameter) ZeroGrad() {
	clear(p.Grad)
	p.touched = false
}

// Touched reports whether a backward pass reached this parameter since the
// last ZeroGrad.
func (p *Parameter) Touched() bool {
	return p.touched
}

func (p *Parameter) accumulate(g []float32) {
	for i, v := range g {
		p.Grad[i] += v
	}
	p.touched = true
}

func (p *Parameter) clone() *Parameter {
	return &Parameter{
		Name:  p.Name,
		Shape: append([]int(nil), p.Shape...),
		Data:  append([]float32(nil), p.Data...),
		Grad:  make([]float32, len(p.Data)),
	}
}

// ParameterNames lists a module's parameter names in order
func ParameterNames(m Module) []string {
	params := m.Parameters()
	names := make([]string, len(params))
	for i, p := range params {
		names[i] = p.Name
	}
	return names
}
