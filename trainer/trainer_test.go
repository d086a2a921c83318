package trainer

import (
	"context"
	"testing"
	"time"

	"digitnet/dataset/mnist"
	"digitnet/nn"
	"digitnet/nn/layers"
)

// toySplit builds a trivially separable dataset: class k has a single hot
// pixel at index k.
func toySplit(perClass int) *mnist.Split {
	s := &mnist.Split{}
	for k := 0; k < 4; k++ {
		for n := 0; n < perClass; n++ {
			img := make([]float64, mnist.ImageSize*mnist.ImageSize)
			img[k] = 1
			s.Images = append(s.Images, img)
			s.Labels = append(s.Labels, k)
		}
	}
	return s
}

func toyModel() *nn.Sequential {
	return &nn.Sequential{Layers: []nn.Layer{
		layers.NewFlatten(),
		layers.NewLinear(mnist.ImageSize*mnist.ImageSize, 10),
	}}
}

func TestFitConvergesOnSeparableData(t *testing.T) {
	train := toySplit(8)
	test := toySplit(2)

	tr := New(toyModel(), Config{
		Epochs:       5,
		BatchSize:    4,
		LearningRate: 0.5,
		Seed:         1,
	})
	res, err := tr.Fit(context.Background(), train, test)
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	if len(res.EpochLoss) != 5 || len(res.TestAccuracy) != 5 {
		t.Fatalf("expected 5 epochs of history, got %d/%d", len(res.EpochLoss), len(res.TestAccuracy))
	}
	if res.EpochLoss[4] >= res.EpochLoss[0] {
		t.Fatalf("loss did not drop: %v", res.EpochLoss)
	}
	if got := res.TestAccuracy[4]; got != 1.0 {
		t.Fatalf("expected perfect accuracy on toy data, got %v", got)
	}
	if res.Steps != 5*train.Len() {
		t.Fatalf("expected %d steps, got %d", 5*train.Len(), res.Steps)
	}
}

func TestFitValidatesConfig(t *testing.T) {
	cases := []Config{
		{Epochs: 0, BatchSize: 32, LearningRate: 0.1},
		{Epochs: 1, BatchSize: 0, LearningRate: 0.1},
		{Epochs: 1, BatchSize: 32, LearningRate: 0},
	}
	for _, cfg := range cases {
		tr := New(toyModel(), cfg)
		if _, err := tr.Fit(context.Background(), toySplit(1), toySplit(1)); err == nil {
			t.Fatalf("config %+v should be rejected", cfg)
		}
	}
}

func TestFitStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tr := New(toyModel(), Config{Epochs: 1, BatchSize: 4, LearningRate: 0.1})
	if _, err := tr.Fit(ctx, toySplit(4), toySplit(1)); err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestWindowSnapshotResets(t *testing.T) {
	var w Window
	w.Record(32, 20*time.Millisecond, 2.0)
	w.Record(32, 20*time.Millisecond, 1.0)

	snap := w.Snapshot()
	if snap.AvgLoss != 1.5 {
		t.Fatalf("AvgLoss = %v, want 1.5", snap.AvgLoss)
	}
	if snap.ImagesPerSec < 1500 || snap.ImagesPerSec > 1700 {
		t.Fatalf("ImagesPerSec = %v, want 1600", snap.ImagesPerSec)
	}
	if snap.AvgStepMS != 20 {
		t.Fatalf("AvgStepMS = %v, want 20", snap.AvgStepMS)
	}

	empty := w.Snapshot()
	if empty.AvgLoss != 0 || empty.ImagesPerSec != 0 {
		t.Fatalf("window did not reset: %+v", empty)
	}
}
