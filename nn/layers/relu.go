package layers

import (
	"fmt"

	"digitnet/tensor"
)

// ReLU applies max(0, x) element-wise.
type ReLU struct {
	lastIn *tensor.Tensor
}

func NewReLU() *ReLU { return &ReLU{} }

func (r *ReLU) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	r.lastIn = x
	out := tensor.New(x.Shape...)
	for i, v := range x.Data {
		if v > 0 {
			out.Data[i] = v
		}
	}
	return out, nil
}

func (r *ReLU) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if r.lastIn == nil {
		return nil, fmt.Errorf("relu: Backward before Forward")
	}
	if grad.Size() != r.lastIn.Size() {
		return nil, fmt.Errorf("relu: expected gradient of %d elements, got %v", r.lastIn.Size(), grad.Shape)
	}
	out := tensor.New(r.lastIn.Shape...)
	for i, v := range r.lastIn.Data {
		if v > 0 {
			out.Data[i] = grad.Data[i]
		}
	}
	return out, nil
}

func (r *ReLU) Update(float64) {}

func (r *ReLU) Tag() string { return "ReLU" }
