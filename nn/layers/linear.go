package layers

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"digitnet/tensor"
)

// Linear is a fully-connected layer: y = W·x + B.
type Linear struct {
	InDim, OutDim int

	W *mat.Dense // OutDim x InDim
	B []float64

	lastIn *mat.VecDense
	gradW  *mat.Dense
	gradB  []float64
}

// NewLinear creates a Linear layer with uniform ±1/sqrt(inDim) weights.
func NewLinear(inDim, outDim int) *Linear {
	return &Linear{
		InDim:  inDim,
		OutDim: outDim,
		W:      mat.NewDense(outDim, inDim, randomArray(outDim*inDim, float64(inDim))),
		B:      make([]float64, outDim),
		gradW:  mat.NewDense(outDim, inDim, nil),
		gradB:  make([]float64, outDim),
	}
}

func randomArray(size int, v float64) []float64 {
	dist := distuv.Uniform{
		Min: -1 / math.Sqrt(v),
		Max: 1 / math.Sqrt(v),
	}

	data := make([]float64, size)
	for i := 0; i < size; i++ {
		data[i] = dist.Rand()
	}
	return data
}

func (l *Linear) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Size() != l.InDim {
		return nil, fmt.Errorf("linear: expected input of %d elements, got %v", l.InDim, x.Shape)
	}
	l.lastIn = mat.NewVecDense(l.InDim, append([]float64(nil), x.Data...))

	out := mat.NewVecDense(l.OutDim, nil)
	out.MulVec(l.W, l.lastIn)
	y := tensor.New(l.OutDim)
	for j := 0; j < l.OutDim; j++ {
		y.Data[j] = out.AtVec(j) + l.B[j]
	}
	return y, nil
}

func (l *Linear) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if grad.Size() != l.OutDim {
		return nil, fmt.Errorf("linear: expected gradient of %d elements, got %v", l.OutDim, grad.Shape)
	}
	if l.lastIn == nil {
		return nil, fmt.Errorf("linear: Backward before Forward")
	}
	g := mat.NewVecDense(l.OutDim, grad.Data)

	// dL/dW = g · xᵀ, dL/dB = g
	l.gradW.Outer(1, g, l.lastIn)
	copy(l.gradB, grad.Data)

	// dL/dx = Wᵀ · g
	gin := mat.NewVecDense(l.InDim, nil)
	gin.MulVec(l.W.T(), g)
	out := tensor.New(l.InDim)
	for i := 0; i < l.InDim; i++ {
		out.Data[i] = gin.AtVec(i)
	}
	return out, nil
}

func (l *Linear) Update(lr float64) {
	var step mat.Dense
	step.Scale(lr, l.gradW)
	l.W.Sub(l.W, &step)
	for j := range l.B {
		l.B[j] -= lr * l.gradB[j]
	}
}

func (l *Linear) Tag() string {
	return fmt.Sprintf("Linear_%d_%d", l.InDim, l.OutDim)
}
