package nn

import (
	"fmt"
)

// Value is a 2D activation [Rows, Cols] in a reverse-mode graph.
// Leaves created from a Parameter write their gradient straight into it.
type Value struct {
	Rows, Cols int
	Data       []float32
	Grad       []float32

	parents  []*Value
	backward func()
}

// NewValue wraps data as a constant input with no gradient history
func NewValue(rows, cols int, data []float32) (*Value, error) {
	if len(data) != rows*cols {
		return nil, fmt.Errorf("value shape [%d, %d] needs %d elements, got %d", rows, cols, rows*cols, len(data))
	}
	return &Value{Rows: rows, Cols: cols, Data: data}, nil
}

// Shape returns [Rows, Cols]
func (v *Value) Shape() []int {
	return []int{v.Rows, v.Cols}
}

func (v *Value) ensureGrad() {
	if v.Grad == nil {
		v.Grad = make([]float32, len(v.Data))
	}
}

func parameterValue(p *Parameter, rows, cols int) *Value {
	v := &Value{Rows: rows, Cols: cols, Data: p.Data}
	v.Grad = make([]float32, len(p.Data))
	v.backward = func() {
		p.accumulate(v.Grad)
	}
	return v
}

// matMul computes a[r,k] @ b[k,c]
func matMul(a, b *Value) (*Value, error) {
	if a.Cols != b.Rows {
		return nil, fmt.Errorf("matmul shape mismatch: [%d, %d] x [%d, %d]", a.Rows, a.Cols, b.Rows, b.Cols)
	}
	out := &Value{Rows: a.Rows, Cols: b.Cols, Data: make([]float32, a.Rows*b.Cols), parents: []*Value{a, b}}
	for i := 0; i < a.Rows; i++ {
		for k := 0; k < a.Cols; k++ {
			av := a.Data[i*a.Cols+k]
			if av == 0 {
				continue
			}
			row := b.Data[k*b.Cols : (k+1)*b.Cols]
			dst := out.Data[i*out.Cols : (i+1)*out.Cols]
			for j, bv := range row {
				dst[j] += av * bv
			}
		}
	}
	out.backward = func() {
		a.ensureGrad()
		b.ensureGrad()
		for i := 0; i < a.Rows; i++ {
			g := out.Grad[i*out.Cols : (i+1)*out.Cols]
			for k := 0; k < a.Cols; k++ {
				brow := b.Data[k*b.Cols : (k+1)*b.Cols]
				bgrad := b.Grad[k*b.Cols : (k+1)*b.Cols]
				av := a.Data[i*a.Cols+k]
				var sum float32
				for j, gv := range g {
					sum += gv * brow[j]
					bgrad[j] += av * gv
				}
				a.Grad[i*a.Cols+k] += sum
			}
		}
	}
	return out, nil
}

// addRow broadcasts a [1, c] row over every row of a
func addRow(a, row *Value) (*Value, error) {
	if row.Cols != a.Cols || row.Rows != 1 {
		return nil, fmt.Errorf("bias shape [%d, %d] does not match [%d, %d]", row.Rows, row.Cols, a.Rows, a.Cols)
	}
	out := &Value{Rows: a.Rows, Cols: a.Cols, Data: make([]float32, len(a.Data)), parents: []*Value{a, row}}
	for i := 0; i < a.Rows; i++ {
		for j := 0; j < a.Cols; j++ {
			out.Data[i*a.Cols+j] = a.Data[i*a.Cols+j] + row.Data[j]
		}
	}
	out.backward = func() {
		a.ensureGrad()
		row.ensureGrad()
		for i := 0; i < a.Rows; i++ {
			for j := 0; j < a.Cols; j++ {
				g := out.Grad[i*a.Cols+j]
				a.Grad[i*a.Cols+j] += g
				row.Grad[j] += g
			}
		}
	}
	return out, nil
}

func relu(a *Value) *Value {
	out := &Value{Rows: a.Rows, Cols: a.Cols, Data: make([]float32, len(a.Data)), parents: []*Value{a}}
	for i, v := range a.Data {
		if v > 0 {
			out.Data[i] = v
		}
	}
	out.backward = func() {
		a.ensureGrad()
		for i, v := range a.Data {
			if v > 0 {
				a.Grad[i] += out.Grad[i]
			}
		}
	}
	return out
}

// roundHalf returns a copy of a with every element rounded to float16
// precision; the gradient passes through unchanged.
func roundHalf(a *Value) *Value {
	out := &Value{Rows: a.Rows, Cols: a.Cols, Data: make([]float32, len(a.Data)), parents: []*Value{a}}
	for i, v := range a.Data {
		out.Data[i] = RoundToHalf(v)
	}
	out.backward = func() {
		a.ensureGrad()
		for i, g := range out.Grad {
			a.Grad[i] += g
		}
	}
	return out
}

// Backward seeds root with grad and runs the graph in reverse topological order
func Backward(root *Value, grad []float32) error {
	if len(grad) != len(root.Data) {
		return fmt.Errorf("gradient has %d elements, value has %d", len(grad), len(root.Data))
	}

	var order []*Value
	seen := make(map[*Value]bool)
	var visit func(v *Value)
	visit = func(v *Value) {
		if seen[v] {
			return
		}
		seen[v] = true
		for _, p := range v.parents {
			visit(p)
		}
		order = append(order, v)
	}
	visit(root)

	// Graph buffers are per pass; parameters keep accumulating.
	for _, v := range order {
		if v.Grad != nil {
			clear(v.Grad)
		}
	}
	root.ensureGrad()
	copy(root.Grad, grad)
	for i := len(order) - 1; i >= 0; i-- {
		if order[i].backward != nil {
			order[i].backward()
		}
	}
	return nil
}
