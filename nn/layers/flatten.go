package layers

import (
	"fmt"

	"digitnet/tensor"
)

// Flatten reshapes any input tensor to 1-D.
type Flatten struct {
	inShape []int
}

func NewFlatten() *Flatten { return &Flatten{} }

func (f *Flatten) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	f.inShape = append([]int(nil), x.Shape...)
	y := tensor.New(len(x.Data))
	copy(y.Data, x.Data)
	return y, nil
}

func (f *Flatten) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if f.inShape == nil {
		return nil, fmt.Errorf("flatten: Backward before Forward")
	}
	return grad.Reshape(f.inShape...)
}

func (f *Flatten) Update(float64) {}

func (f *Flatten) Tag() string { return "Flatten" }
