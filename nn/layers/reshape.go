package layers

import (
	"fmt"
	"strings"

	"digitnet/tensor"
)

// Reshape changes the shape of its input without touching the data.
type Reshape struct {
	Shape []int

	inShape []int
}

func NewReshape(shape ...int) *Reshape {
	return &Reshape{Shape: append([]int(nil), shape...)}
}

func (r *Reshape) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	r.inShape = append([]int(nil), x.Shape...)
	return x.Reshape(r.Shape...)
}

func (r *Reshape) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if r.inShape == nil {
		return nil, fmt.Errorf("reshape: Backward before Forward")
	}
	return grad.Reshape(r.inShape...)
}

func (r *Reshape) Update(float64) {}

func (r *Reshape) Tag() string {
	dims := make([]string, len(r.Shape))
	for i, d := range r.Shape {
		dims[i] = fmt.Sprint(d)
	}
	return "Reshape_" + strings.Join(dims, "x")
}
