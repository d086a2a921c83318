// Package checkpoint serializes trained models to JSON and restores them.
//
// A checkpoint records the full layer topology alongside the weights, so a
// model can be rebuilt without knowing which architecture produced it.
package checkpoint

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"digitnet/nn"
	"digitnet/nn/layers"
	"digitnet/tensor"
)

// FormatVersion identifies the checkpoint layout.
const FormatVersion = "1"

// DefaultPath is where the train command writes its checkpoint.
const DefaultPath = "mnist_model/model.json"

// Layer kinds recorded in checkpoints.
const (
	KindLinear    = "linear"
	KindConv2D    = "conv2d"
	KindMaxPool2D = "maxpool2d"
	KindFlatten   = "flatten"
	KindReshape   = "reshape"
	KindReLU      = "relu"
	KindDropout   = "dropout"
)

// WeightData represents serializable weight data for a layer.
type WeightData struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

// LayerSpec describes one layer: its kind, hyperparameters and weights.
// Fields that do not apply to a kind are omitted.
type LayerSpec struct {
	Kind   string      `json:"kind"`
	In     int         `json:"in,omitempty"`     // linear and conv2d
	Out    int         `json:"out,omitempty"`    // linear and conv2d
	Kernel []int       `json:"kernel,omitempty"` // conv2d [kh, kw]
	Pool   int         `json:"pool,omitempty"`   // maxpool2d
	Rate   float64     `json:"rate,omitempty"`   // dropout
	Shape  []int       `json:"shape,omitempty"`  // reshape target
	Weight *WeightData `json:"weight,omitempty"`
	Bias   *WeightData `json:"bias,omitempty"`
}

// Model represents a serialized model.
type Model struct {
	Version string      `json:"version"`
	Arch    string      `json:"arch"`
	Layers  []LayerSpec `json:"layers"`
}

// Snapshot captures the current weights and topology of a model.
func Snapshot(arch string, model *nn.Sequential) (*Model, error) {
	ckpt := &Model{Version: FormatVersion, Arch: arch}
	for _, layer := range model.Layers {
		spec, err := snapshotLayer(layer)
		if err != nil {
			return nil, err
		}
		ckpt.Layers = append(ckpt.Layers, spec)
	}
	return ckpt, nil
}

func snapshotLayer(layer nn.Layer) (LayerSpec, error) {
	switch l := layer.(type) {
	case *layers.Linear:
		w := make([]float64, 0, l.OutDim*l.InDim)
		for i := 0; i < l.OutDim; i++ {
			for j := 0; j < l.InDim; j++ {
				w = append(w, l.W.At(i, j))
			}
		}
		return LayerSpec{
			Kind:   KindLinear,
			In:     l.InDim,
			Out:    l.OutDim,
			Weight: &WeightData{Name: l.Tag() + "/weight", Shape: []int{l.OutDim, l.InDim}, Data: w},
			Bias:   &WeightData{Name: l.Tag() + "/bias", Shape: []int{l.OutDim}, Data: append([]float64(nil), l.B...)},
		}, nil
	case *layers.Conv2D:
		return LayerSpec{
			Kind:   KindConv2D,
			In:     l.InChan,
			Out:    l.OutChan,
			Kernel: []int{l.KH, l.KW},
			Weight: tensorToWeightData(l.Tag()+"/weight", l.W),
			Bias:   tensorToWeightData(l.Tag()+"/bias", l.B),
		}, nil
	case *layers.MaxPool2D:
		return LayerSpec{Kind: KindMaxPool2D, Pool: l.Size}, nil
	case *layers.Flatten:
		return LayerSpec{Kind: KindFlatten}, nil
	case *layers.Reshape:
		return LayerSpec{Kind: KindReshape, Shape: append([]int(nil), l.Shape...)}, nil
	case *layers.ReLU:
		return LayerSpec{Kind: KindReLU}, nil
	case *layers.Dropout:
		return LayerSpec{Kind: KindDropout, Rate: l.Rate}, nil
	}
	return LayerSpec{}, errors.Errorf("cannot serialize layer %s", layer.Tag())
}

func tensorToWeightData(name string, t *tensor.Tensor) *WeightData {
	return &WeightData{
		Name:  name,
		Shape: append([]int(nil), t.Shape...),
		Data:  append([]float64(nil), t.Data...),
	}
}

// Save writes a checkpoint to path, creating parent directories as needed.
func Save(path string, m *Model) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling checkpoint")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "creating checkpoint directory")
		}
	}
	return os.WriteFile(path, data, 0o644)
}

// Load reads a checkpoint from path.
func Load(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading checkpoint")
	}
	var m Model
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(err, "unmarshaling checkpoint")
	}
	if m.Version != FormatVersion {
		return nil, errors.Errorf("unsupported checkpoint version %q", m.Version)
	}
	return &m, nil
}

// Build reconstructs a runnable model from the checkpoint.
func (m *Model) Build() (*nn.Sequential, error) {
	model := &nn.Sequential{}
	for i, spec := range m.Layers {
		layer, err := buildLayer(spec)
		if err != nil {
			return nil, errors.Wrapf(err, "layer %d", i)
		}
		model.Layers = append(model.Layers, layer)
	}
	return model, nil
}

func buildLayer(spec LayerSpec) (nn.Layer, error) {
	switch spec.Kind {
	case KindLinear:
		if err := checkWeights(spec, []int{spec.Out, spec.In}, []int{spec.Out}); err != nil {
			return nil, err
		}
		l := layers.NewLinear(spec.In, spec.Out)
		l.W = mat.NewDense(spec.Out, spec.In, append([]float64(nil), spec.Weight.Data...))
		copy(l.B, spec.Bias.Data)
		return l, nil
	case KindConv2D:
		if len(spec.Kernel) != 2 {
			return nil, errors.Errorf("conv2d kernel %v", spec.Kernel)
		}
		kh, kw := spec.Kernel[0], spec.Kernel[1]
		if err := checkWeights(spec, []int{spec.Out, spec.In, kh, kw}, []int{spec.Out}); err != nil {
			return nil, err
		}
		c := layers.NewConv2D(spec.In, spec.Out, kh, kw)
		copy(c.W.Data, spec.Weight.Data)
		copy(c.B.Data, spec.Bias.Data)
		return c, nil
	case KindMaxPool2D:
		if spec.Pool <= 0 {
			return nil, errors.Errorf("pool size %d", spec.Pool)
		}
		return layers.NewMaxPool2D(spec.Pool), nil
	case KindFlatten:
		return layers.NewFlatten(), nil
	case KindReshape:
		if len(spec.Shape) == 0 {
			return nil, errors.New("reshape without target shape")
		}
		return layers.NewReshape(spec.Shape...), nil
	case KindReLU:
		return layers.NewReLU(), nil
	case KindDropout:
		return layers.NewDropout(spec.Rate), nil
	}
	return nil, errors.Errorf("unknown layer kind %q", spec.Kind)
}

func checkWeights(spec LayerSpec, wantW, wantB []int) error {
	if spec.Weight == nil || spec.Bias == nil {
		return errors.New("missing weight or bias")
	}
	if !shapeEqual(spec.Weight.Shape, wantW) || len(spec.Weight.Data) != size(wantW) {
		return errors.Errorf("weight shape %v, want %v", spec.Weight.Shape, wantW)
	}
	if !shapeEqual(spec.Bias.Shape, wantB) || len(spec.Bias.Data) != size(wantB) {
		return errors.Errorf("bias shape %v, want %v", spec.Bias.Shape, wantB)
	}
	return nil
}

func size(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
