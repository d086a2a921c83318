package nn

import (
	"digitnet/tensor"
)

// Layer defines a single layer/unit in the network.
type Layer interface {
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
	// Backward computes gradients and propagates them.
	// It takes the gradient of the loss with respect to the layer's output,
	// and returns the gradient of the loss with respect to the layer's input.
	Backward(grad *tensor.Tensor) (*tensor.Tensor, error)
	// Update applies the gradients computed by the last Backward call.
	Update(lr float64)
	Tag() string
}

// trainingAware is implemented by layers that behave differently during
// training (currently only Dropout).
type trainingAware interface {
	SetTraining(on bool)
}

// Sequential chains multiple Layers in order.
type Sequential struct {
	Layers []Layer
}

// Forward applies each layer in sequence.
func (s *Sequential) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	var err error
	out := x
	for _, layer := range s.Layers {
		out, err = layer.Forward(out)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Backward applies Backward in reverse order.
func (s *Sequential) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	var err error
	out := grad
	for i := len(s.Layers) - 1; i >= 0; i-- {
		out, err = s.Layers[i].Backward(out)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Update applies pending gradients on every layer.
func (s *Sequential) Update(lr float64) {
	for _, layer := range s.Layers {
		layer.Update(lr)
	}
}

// SetTraining switches training-sensitive layers between train and eval mode.
func (s *Sequential) SetTraining(on bool) {
	for _, layer := range s.Layers {
		if ta, ok := layer.(trainingAware); ok {
			ta.SetTraining(on)
		}
	}
}

// Predict runs a forward pass and returns class probabilities.
func (s *Sequential) Predict(x *tensor.Tensor) (*tensor.Tensor, error) {
	logits, err := s.Forward(x)
	if err != nil {
		return nil, err
	}
	return Softmax(logits), nil
}
