package nn

import (
	"fmt"

	"digitnet/nn/layers"
)

// Architecture names accepted by NewByName and recorded in checkpoints.
const (
	ArchDense = "dense"
	ArchConv  = "conv"
)

const (
	ImageSize  = 28
	NumClasses = 10
)

// NewDenseNet builds the small fully-connected digit classifier:
// Flatten -> Linear(784,128) -> ReLU -> Dropout(0.2) -> Linear(128,10).
func NewDenseNet() *Sequential {
	return &Sequential{Layers: []Layer{
		layers.NewFlatten(),
		layers.NewLinear(ImageSize*ImageSize, 128),
		layers.NewReLU(),
		layers.NewDropout(0.2),
		layers.NewLinear(128, NumClasses),
	}}
}

// NewConvNet builds the convolutional digit classifier: two conv/pool blocks
// followed by a dense head.
func NewConvNet() *Sequential {
	return &Sequential{Layers: []Layer{
		layers.NewReshape(1, ImageSize, ImageSize),
		layers.NewConv2D(1, 32, 3, 3),
		layers.NewReLU(),
		layers.NewMaxPool2D(2),
		layers.NewConv2D(32, 64, 3, 3),
		layers.NewReLU(),
		layers.NewMaxPool2D(2),
		layers.NewFlatten(),
		layers.NewLinear(64*(ImageSize/4)*(ImageSize/4), 128),
		layers.NewReLU(),
		layers.NewDropout(0.2),
		layers.NewLinear(128, NumClasses),
	}}
}

// NewByName returns a freshly initialized model for a known architecture.
func NewByName(arch string) (*Sequential, error) {
	switch arch {
	case ArchDense:
		return NewDenseNet(), nil
	case ArchConv:
		return NewConvNet(), nil
	}
	return nil, fmt.Errorf("unknown architecture %q", arch)
}
