package tensor

import (
	"fmt"
)

// Parameter is a named, learnable float32 buffer with a gradient of the same size.
// Models own their parameters; optimizers and checkpoints address them by Name.
type Parameter struct {
	Name  string
	Shape []int
	Data  []float32
	Grad  []float32
}

// NewParameter allocates a zero-initialised parameter of the given shape
func NewParameter(name string, shape ...int) *Parameter {
	n := NumElements(shape)
	return &Parameter{
		Name:  name,
		Shape: append([]int(nil), shape...),
		Data:  make([]float32, n),
		Grad:  make([]float32, n),
	}
}

func (p *Parameter) String() string {
	return fmt.Sprintf("Parameter(name=%s, shape=%v, elements=%d)", p.Name, p.Shape, len(p.Data))
}

// Len returns the number of elements
func (p *Parameter) Len() int {
	return len(p.Data)
}

// ZeroGrad clears the accumulated gradient
func (p *Parameter) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// CopyFrom overwrites the parameter values with data, which must match in length.
func (p *Parameter) CopyFrom(data []float32) error {
	if len(data) != len(p.Data) {
		return fmt.Errorf("size mismatch for %s: expected %d elements, got %d", p.Name, len(p.Data), len(data))
	}
	copy(p.Data, data)
	return nil
}

// SameShape reports whether shape matches the parameter shape exactly
func (p *Parameter) SameShape(shape []int) bool {
	if len(shape) != len(p.Shape) {
		return false
	}
	for i, dim := range p.Shape {
		if shape[i] != dim {
			return false
		}
	}
	return true
}

// NumElements returns the product of the dimensions in shape.
func NumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}
	n := 1
	for _, dim := range shape {
		n *= dim
	}
	return n
}

// CountParameters sums the element counts of params
func CountParameters(params []*Parameter) int {
	total := 0
	for _, p := range params {
		total += p.Len()
	}
	return total
}
