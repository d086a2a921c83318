package heinfer

import (
	"math"
	"math/rand"
	"testing"

	"digitnet/checkpoint"
	"digitnet/nn"
)

func denseCheckpoint(rng *rand.Rand, dims []int, relu []bool) *checkpoint.Model {
	m := &checkpoint.Model{Version: checkpoint.FormatVersion, Arch: nn.ArchDense}
	m.Layers = append(m.Layers, checkpoint.LayerSpec{Kind: checkpoint.KindFlatten})
	for l := 0; l+1 < len(dims); l++ {
		in, out := dims[l], dims[l+1]
		w := make([]float64, in*out)
		b := make([]float64, out)
		for i := range w {
			w[i] = rng.NormFloat64() * 0.5
		}
		for i := range b {
			b[i] = rng.NormFloat64() * 0.1
		}
		m.Layers = append(m.Layers, checkpoint.LayerSpec{
			Kind:   checkpoint.KindLinear,
			In:     in,
			Out:    out,
			Weight: &checkpoint.WeightData{Name: "w", Shape: []int{out, in}, Data: w},
			Bias:   &checkpoint.WeightData{Name: "b", Shape: []int{out}, Data: b},
		})
		if relu[l] {
			m.Layers = append(m.Layers, checkpoint.LayerSpec{Kind: checkpoint.KindReLU})
		}
	}
	return m
}

// plainForward is the cleartext reference for DenseForward.
func plainForward(m *checkpoint.Model, in []float64) []float64 {
	vec := in
	for _, spec := range m.Layers {
		switch spec.Kind {
		case checkpoint.KindLinear:
			out := make([]float64, spec.Out)
			for j := 0; j < spec.Out; j++ {
				sum := spec.Bias.Data[j]
				for i := 0; i < spec.In; i++ {
					sum += spec.Weight.Data[j*spec.In+i] * vec[i]
				}
				out[j] = sum
			}
			vec = out
		case checkpoint.KindReLU:
			for i, v := range vec {
				if v < 0 {
					vec[i] = 0
				}
			}
		}
	}
	return vec
}

func TestDenseForwardMatchesPlaintext(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping key generation in short mode")
	}

	ctx, err := NewContext(DefaultLogN)
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}

	rng := rand.New(rand.NewSource(7))
	ckpt := denseCheckpoint(rng, []int{8, 4, 3}, []bool{true, false})

	in := make([]float64, 8)
	for i := range in {
		in[i] = rng.Float64()
	}

	got, err := ctx.DenseForward(ckpt, in)
	if err != nil {
		t.Fatalf("DenseForward: %v", err)
	}
	want := plainForward(ckpt, append([]float64(nil), in...))

	if len(got) != len(want) {
		t.Fatalf("got %d outputs, want %d", len(got), len(want))
	}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-3 {
			t.Fatalf("output %d: encrypted %v vs plaintext %v", i, got[i], want[i])
		}
	}
}

func TestDenseForwardRejectsConv(t *testing.T) {
	ckpt := &checkpoint.Model{
		Version: checkpoint.FormatVersion,
		Arch:    nn.ArchConv,
		Layers:  []checkpoint.LayerSpec{{Kind: checkpoint.KindConv2D}},
	}
	c := &Context{}
	if _, err := c.DenseForward(ckpt, nil); err == nil {
		t.Fatal("expected conv rejection")
	}
}

func TestExtractDenseRequiresLinear(t *testing.T) {
	ckpt := &checkpoint.Model{
		Version: checkpoint.FormatVersion,
		Arch:    nn.ArchDense,
		Layers:  []checkpoint.LayerSpec{{Kind: checkpoint.KindFlatten}},
	}
	if _, err := extractDense(ckpt); err == nil {
		t.Fatal("expected error for checkpoint without linear layers")
	}
}
