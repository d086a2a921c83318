package layers

import (
	"fmt"
	"math/rand"

	"digitnet/tensor"
)

// Dropout zeroes each element with probability Rate during training and
// rescales survivors by 1/(1-Rate), so no correction is needed at inference.
// Outside training mode it is the identity.
type Dropout struct {
	Rate float64

	training bool
	mask     []float64
}

func NewDropout(rate float64) *Dropout { return &Dropout{Rate: rate} }

func (d *Dropout) SetTraining(on bool) { d.training = on }

func (d *Dropout) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if !d.training || d.Rate <= 0 {
		d.mask = nil
		return x, nil
	}
	keep := 1 - d.Rate
	d.mask = make([]float64, len(x.Data))
	out := tensor.New(x.Shape...)
	for i, v := range x.Data {
		if rand.Float64() >= d.Rate {
			d.mask[i] = 1 / keep
			out.Data[i] = v / keep
		}
	}
	return out, nil
}

func (d *Dropout) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if d.mask == nil {
		return grad, nil
	}
	if grad.Size() != len(d.mask) {
		return nil, fmt.Errorf("dropout: expected gradient of %d elements, got %v", len(d.mask), grad.Shape)
	}
	out := tensor.New(grad.Shape...)
	for i, g := range grad.Data {
		out.Data[i] = g * d.mask[i]
	}
	return out, nil
}

func (d *Dropout) Update(float64) {}

func (d *Dropout) Tag() string { return fmt.Sprintf("Dropout_%.2f", d.Rate) }
