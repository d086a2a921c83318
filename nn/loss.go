package nn

import (
	"math"

	"digitnet/tensor"
)

type CrossEntropyLoss struct{}

// Loss computes -log p(label) for a probability vector.
func (c *CrossEntropyLoss) Loss(probs *tensor.Tensor, label int) float64 {
	return -math.Log(math.Max(probs.Data[label], 1e-9))
}

// Backward computes the gradient of the cross-entropy loss with softmax.
// grad = (softmax_output - one_hot_label)
func (c *CrossEntropyLoss) Backward(probs *tensor.Tensor, label int) *tensor.Tensor {
	grad := tensor.New(len(probs.Data))
	copy(grad.Data, probs.Data)
	grad.Data[label] -= 1
	return grad
}

// Softmax applies the softmax function to a tensor.
func Softmax(logits *tensor.Tensor) *tensor.Tensor {
	maxLogit := logits.Data[0]
	for _, v := range logits.Data {
		if v > maxLogit {
			maxLogit = v
		}
	}
	expSum := 0.0
	exps := make([]float64, len(logits.Data))
	for i, v := range logits.Data {
		e := math.Exp(v - maxLogit)
		exps[i] = e
		expSum += e
	}
	softmax := tensor.New(len(logits.Data))
	for i, e := range exps {
		softmax.Data[i] = e / expSum
	}
	return softmax
}
