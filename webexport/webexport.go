// Package webexport converts a checkpoint into the layers-model artifact
// consumed by the browser runtime: a model.json describing the topology plus
// a single binary shard of little-endian float32 weights.
//
// The native layout is channel-major, the web runtime is channel-minor, so
// dense kernels are transposed, conv kernels are reordered to
// [kh, kw, in, out], and the first dense layer after a conv stack has its
// input rows permuted to match the runtime's flatten order.
package webexport

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"digitnet/checkpoint"
)

// DefaultDir is where the convert command writes the artifact.
const DefaultDir = "public/model"

// ShardName is the single weight shard referenced by the manifest.
const ShardName = "group1-shard1of1.bin"

type manifestWeight struct {
	Name  string `json:"name"`
	Shape []int  `json:"shape"`
	Dtype string `json:"dtype"`
}

type weightsGroup struct {
	Paths   []string         `json:"paths"`
	Weights []manifestWeight `json:"weights"`
}

type layerConfig struct {
	ClassName string         `json:"class_name"`
	Config    map[string]any `json:"config"`
}

type modelJSON struct {
	Format          string         `json:"format"`
	GeneratedBy     string         `json:"generatedBy"`
	ConvertedBy     string         `json:"convertedBy"`
	ModelTopology   map[string]any `json:"modelTopology"`
	WeightsManifest []weightsGroup `json:"weightsManifest"`
}

// Export writes model.json and the weight shard for ckpt into dir.
func Export(dir string, ckpt *checkpoint.Model) error {
	art, err := build(ckpt)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "creating export directory")
	}
	if err := os.WriteFile(filepath.Join(dir, ShardName), art.shard, 0o644); err != nil {
		return errors.Wrap(err, "writing weight shard")
	}
	data, err := json.MarshalIndent(art.manifest, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling model.json")
	}
	if err := os.WriteFile(filepath.Join(dir, "model.json"), data, 0o644); err != nil {
		return errors.Wrap(err, "writing model.json")
	}
	return nil
}

type artifact struct {
	manifest *modelJSON
	shard    []byte
}

// converter walks the checkpoint layers, tracking the feature-map shape so
// kernels can be reordered for the channel-minor runtime.
type converter struct {
	layers  []layerConfig
	weights []manifestWeight
	shard   []byte

	chans, height, width int  // shape after the last spatial layer
	flatFromConv         bool // a Flatten consumed a conv feature map
	denseCount           int
	convCount            int
	poolCount            int
	dropCount            int
}

func build(ckpt *checkpoint.Model) (*artifact, error) {
	c := &converter{}
	for i, spec := range ckpt.Layers {
		if err := c.addLayer(spec, i == 0); err != nil {
			return nil, errors.Wrapf(err, "layer %d (%s)", i, spec.Kind)
		}
	}
	if len(c.layers) == 0 {
		return nil, errors.New("checkpoint has no layers")
	}
	// The native model applies softmax outside the layer stack; the web
	// runtime expects it on the final dense layer.
	last := c.layers[len(c.layers)-1]
	if last.ClassName == "Dense" {
		last.Config["activation"] = "softmax"
	}

	manifest := &modelJSON{
		Format:      "layers-model",
		GeneratedBy: "digitnet",
		ConvertedBy: "digitnet convert",
		ModelTopology: map[string]any{
			"keras_version": "2.15.0",
			"backend":       "tensorflow",
			"model_config": map[string]any{
				"class_name": "Sequential",
				"config": map[string]any{
					"name":   "digitnet_" + ckpt.Arch,
					"layers": c.layers,
				},
			},
		},
		WeightsManifest: []weightsGroup{{Paths: []string{ShardName}, Weights: c.weights}},
	}
	return &artifact{manifest: manifest, shard: c.shard}, nil
}

func (c *converter) addLayer(spec checkpoint.LayerSpec, first bool) error {
	switch spec.Kind {
	case checkpoint.KindFlatten:
		cfg := map[string]any{"name": "flatten"}
		if first {
			cfg["batch_input_shape"] = []any{nil, 28, 28}
		} else if c.chans > 0 {
			c.flatFromConv = true
		}
		c.layers = append(c.layers, layerConfig{ClassName: "Flatten", Config: cfg})
	case checkpoint.KindReshape:
		if len(spec.Shape) != 3 {
			return errors.Errorf("reshape target %v", spec.Shape)
		}
		c.chans, c.height, c.width = spec.Shape[0], spec.Shape[1], spec.Shape[2]
		cfg := map[string]any{
			"name":         "reshape",
			"target_shape": []int{c.height, c.width, c.chans},
		}
		if first {
			cfg["batch_input_shape"] = []any{nil, c.height, c.width}
		}
		c.layers = append(c.layers, layerConfig{ClassName: "Reshape", Config: cfg})
	case checkpoint.KindLinear:
		return c.addDense(spec)
	case checkpoint.KindConv2D:
		return c.addConv(spec)
	case checkpoint.KindMaxPool2D:
		if c.height%spec.Pool != 0 || c.width%spec.Pool != 0 {
			return errors.Errorf("%dx%d feature map not divisible by pool %d", c.height, c.width, spec.Pool)
		}
		c.height /= spec.Pool
		c.width /= spec.Pool
		name := suffixed("max_pooling2d", c.poolCount)
		c.poolCount++
		c.layers = append(c.layers, layerConfig{ClassName: "MaxPooling2D", Config: map[string]any{
			"name":      name,
			"pool_size": []int{spec.Pool, spec.Pool},
			"padding":   "valid",
		}})
	case checkpoint.KindReLU:
		if len(c.layers) == 0 {
			return errors.New("activation with no preceding layer")
		}
		prev := c.layers[len(c.layers)-1]
		if prev.ClassName != "Dense" && prev.ClassName != "Conv2D" {
			return errors.Errorf("activation after %s", prev.ClassName)
		}
		prev.Config["activation"] = "relu"
	case checkpoint.KindDropout:
		name := suffixed("dropout", c.dropCount)
		c.dropCount++
		c.layers = append(c.layers, layerConfig{ClassName: "Dropout", Config: map[string]any{
			"name": name,
			"rate": spec.Rate,
		}})
	default:
		return errors.Errorf("unknown layer kind %q", spec.Kind)
	}
	return nil
}

// addDense emits a Dense layer, transposing the kernel to [in, out]. The
// first dense after a conv flatten also has its input rows remapped from
// [c, y, x] order to the runtime's [y, x, c] order.
func (c *converter) addDense(spec checkpoint.LayerSpec) error {
	if spec.Weight == nil || spec.Bias == nil {
		return errors.New("dense layer without weights")
	}
	in, out := spec.In, spec.Out
	if len(spec.Weight.Data) != in*out || len(spec.Bias.Data) != out {
		return errors.Errorf("dense weights do not match %dx%d", out, in)
	}

	remap := func(i int) int { return i }
	if c.flatFromConv {
		if c.chans*c.height*c.width != in {
			return errors.Errorf("flattened %dx%dx%d feature map does not match dense input %d",
				c.chans, c.height, c.width, in)
		}
		ch, hh, ww := c.chans, c.height, c.width
		remap = func(i int) int {
			cc := i / (hh * ww)
			y := (i / ww) % hh
			x := i % ww
			return (y*ww+x)*ch + cc
		}
		c.flatFromConv = false
	}

	kernel := make([]float64, in*out)
	for o := 0; o < out; o++ {
		for i := 0; i < in; i++ {
			kernel[remap(i)*out+o] = spec.Weight.Data[o*in+i]
		}
	}

	name := suffixed("dense", c.denseCount)
	c.denseCount++
	c.layers = append(c.layers, layerConfig{ClassName: "Dense", Config: map[string]any{
		"name":       name,
		"units":      out,
		"activation": "linear",
		"use_bias":   true,
	}})
	c.appendWeight(name+"/kernel", []int{in, out}, kernel)
	c.appendWeight(name+"/bias", []int{out}, spec.Bias.Data)
	return nil
}

// addConv emits a Conv2D layer, reordering the kernel from [out, in, kh, kw]
// to [kh, kw, in, out].
func (c *converter) addConv(spec checkpoint.LayerSpec) error {
	if spec.Weight == nil || spec.Bias == nil {
		return errors.New("conv layer without weights")
	}
	if len(spec.Kernel) != 2 {
		return errors.Errorf("conv kernel %v", spec.Kernel)
	}
	kh, kw := spec.Kernel[0], spec.Kernel[1]
	in, out := spec.In, spec.Out
	if len(spec.Weight.Data) != out*in*kh*kw || len(spec.Bias.Data) != out {
		return errors.Errorf("conv weights do not match [%d,%d,%d,%d]", out, in, kh, kw)
	}

	kernel := make([]float64, len(spec.Weight.Data))
	for o := 0; o < out; o++ {
		for i := 0; i < in; i++ {
			for y := 0; y < kh; y++ {
				for x := 0; x < kw; x++ {
					src := ((o*in+i)*kh+y)*kw + x
					dst := ((y*kw+x)*in+i)*out + o
					kernel[dst] = spec.Weight.Data[src]
				}
			}
		}
	}

	c.chans = out
	name := suffixed("conv2d", c.convCount)
	c.convCount++
	c.layers = append(c.layers, layerConfig{ClassName: "Conv2D", Config: map[string]any{
		"name":        name,
		"filters":     out,
		"kernel_size": []int{kh, kw},
		"strides":     []int{1, 1},
		"padding":     "same",
		"activation":  "linear",
		"use_bias":    true,
	}})
	c.appendWeight(name+"/kernel", []int{kh, kw, in, out}, kernel)
	c.appendWeight(name+"/bias", []int{out}, spec.Bias.Data)
	return nil
}

func (c *converter) appendWeight(name string, shape []int, data []float64) {
	c.weights = append(c.weights, manifestWeight{Name: name, Shape: shape, Dtype: "float32"})
	buf := make([]byte, 4*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(float32(v)))
	}
	c.shard = append(c.shard, buf...)
}

func suffixed(base string, n int) string {
	if n == 0 {
		return base
	}
	return fmt.Sprintf("%s_%d", base, n)
}
