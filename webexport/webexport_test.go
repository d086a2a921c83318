package webexport

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"digitnet/checkpoint"
	"digitnet/nn"
)

func readShard(t *testing.T, dir string) []float32 {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(dir, ShardName))
	if err != nil {
		t.Fatalf("reading shard: %v", err)
	}
	if len(raw)%4 != 0 {
		t.Fatalf("shard length %d not a multiple of 4", len(raw))
	}
	vals := make([]float32, len(raw)/4)
	for i := range vals {
		vals[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return vals
}

func readManifest(t *testing.T, dir string) *modelJSON {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(dir, "model.json"))
	if err != nil {
		t.Fatalf("reading model.json: %v", err)
	}
	var m modelJSON
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("parsing model.json: %v", err)
	}
	return &m
}

func TestExportDenseKernelTranspose(t *testing.T) {
	// One Linear(2,3) with distinct weights so the [in, out] layout is
	// observable in the shard.
	ckpt := &checkpoint.Model{
		Version: checkpoint.FormatVersion,
		Arch:    nn.ArchDense,
		Layers: []checkpoint.LayerSpec{
			{Kind: checkpoint.KindFlatten},
			{
				Kind: checkpoint.KindLinear,
				In:   2,
				Out:  3,
				Weight: &checkpoint.WeightData{
					Name:  "w",
					Shape: []int{3, 2},
					Data:  []float64{1, 2, 3, 4, 5, 6}, // row o: [W(o,0), W(o,1)]
				},
				Bias: &checkpoint.WeightData{Name: "b", Shape: []int{3}, Data: []float64{7, 8, 9}},
			},
		},
	}

	dir := t.TempDir()
	if err := Export(dir, ckpt); err != nil {
		t.Fatalf("Export: %v", err)
	}

	vals := readShard(t, dir)
	// kernel [in=2, out=3] row-major, then bias.
	want := []float32{1, 3, 5, 2, 4, 6, 7, 8, 9}
	if len(vals) != len(want) {
		t.Fatalf("shard has %d floats, want %d", len(vals), len(want))
	}
	for i := range want {
		if vals[i] != want[i] {
			t.Fatalf("shard[%d] = %v, want %v", i, vals[i], want[i])
		}
	}

	m := readManifest(t, dir)
	if m.Format != "layers-model" {
		t.Fatalf("format %q", m.Format)
	}
	weights := m.WeightsManifest[0].Weights
	if len(weights) != 2 {
		t.Fatalf("manifest has %d weights", len(weights))
	}
	if weights[0].Name != "dense/kernel" || weights[0].Dtype != "float32" {
		t.Fatalf("unexpected first weight %+v", weights[0])
	}
	if weights[0].Shape[0] != 2 || weights[0].Shape[1] != 3 {
		t.Fatalf("kernel shape %v, want [2 3]", weights[0].Shape)
	}
}

func TestExportDenseModel(t *testing.T) {
	ckpt, err := checkpoint.Snapshot(nn.ArchDense, nn.NewDenseNet())
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	if err := Export(dir, ckpt); err != nil {
		t.Fatalf("Export: %v", err)
	}

	m := readManifest(t, dir)
	weights := m.WeightsManifest[0].Weights
	total := 0
	for _, w := range weights {
		n := 1
		for _, d := range w.Shape {
			n *= d
		}
		total += n
	}
	wantTotal := 784*128 + 128 + 128*10 + 10
	if total != wantTotal {
		t.Fatalf("manifest covers %d floats, want %d", total, wantTotal)
	}
	if vals := readShard(t, dir); len(vals) != wantTotal {
		t.Fatalf("shard has %d floats, want %d", len(vals), wantTotal)
	}
	// Softmax belongs on the final dense layer in the exported topology.
	if names := weights[len(weights)-1].Name; names != "dense_1/bias" {
		t.Fatalf("last weight %q", names)
	}
}

func TestExportConvModel(t *testing.T) {
	ckpt, err := checkpoint.Snapshot(nn.ArchConv, nn.NewConvNet())
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	if err := Export(dir, ckpt); err != nil {
		t.Fatalf("Export: %v", err)
	}

	m := readManifest(t, dir)
	weights := m.WeightsManifest[0].Weights
	if weights[0].Name != "conv2d/kernel" {
		t.Fatalf("first weight %q", weights[0].Name)
	}
	// Conv kernels are exported as [kh, kw, in, out].
	shape := weights[0].Shape
	if shape[0] != 3 || shape[1] != 3 || shape[2] != 1 || shape[3] != 32 {
		t.Fatalf("conv kernel shape %v", shape)
	}

	total := 0
	for _, w := range weights {
		n := 1
		for _, d := range w.Shape {
			n *= d
		}
		total += n
	}
	wantTotal := (3*3*1*32 + 32) + (3*3*32*64 + 64) + (3136*128 + 128) + (128*10 + 10)
	if total != wantTotal {
		t.Fatalf("manifest covers %d floats, want %d", total, wantTotal)
	}
	if vals := readShard(t, dir); len(vals) != wantTotal {
		t.Fatalf("shard has %d floats, want %d", len(vals), wantTotal)
	}
}

func TestExportRejectsUnknownKind(t *testing.T) {
	ckpt := &checkpoint.Model{
		Version: checkpoint.FormatVersion,
		Arch:    nn.ArchDense,
		Layers:  []checkpoint.LayerSpec{{Kind: "lstm"}},
	}
	if err := Export(t.TempDir(), ckpt); err == nil {
		t.Fatal("expected unknown kind error")
	}
}
