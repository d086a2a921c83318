// Package trainer runs the SGD training loop over the MNIST splits.
package trainer

import (
	"context"
	"log"
	"math/rand"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/pkg/errors"

	"digitnet/dataset/mnist"
	"digitnet/nn"
)

// Config captures the knobs required by the training loop.
type Config struct {
	Epochs       int
	BatchSize    int
	LearningRate float64
	Seed         int64
	LogEvery     int  // batches between metric log lines, 0 disables
	Progress     bool // render a per-epoch progress bar
}

func (c Config) validate() error {
	if c.Epochs <= 0 {
		return errors.New("trainer: epochs must be > 0")
	}
	if c.BatchSize <= 0 {
		return errors.New("trainer: batch size must be > 0")
	}
	if c.LearningRate <= 0 {
		return errors.New("trainer: learning rate must be > 0")
	}
	return nil
}

// Result aggregates what a finished run produced.
type Result struct {
	EpochLoss    []float64 // mean training loss per epoch
	TestAccuracy []float64 // accuracy on the test split after each epoch
	Timing       TimingStats
	Steps        int
}

// Trainer fits a model to a dataset.
type Trainer struct {
	Model *nn.Sequential
	Loss  nn.CrossEntropyLoss
	Cfg   Config
}

// New returns a Trainer for the given model and configuration.
func New(model *nn.Sequential, cfg Config) *Trainer {
	return &Trainer{Model: model, Cfg: cfg}
}

// Fit runs the configured number of epochs, evaluating on test after each.
// The context is checked between batches so a cancelled run stops promptly.
func (t *Trainer) Fit(ctx context.Context, train, test *mnist.Split) (*Result, error) {
	if err := t.Cfg.validate(); err != nil {
		return nil, err
	}
	if train.Len() == 0 {
		return nil, errors.New("trainer: empty training split")
	}

	rng := rand.New(rand.NewSource(t.Cfg.Seed))
	res := &Result{}
	runStart := time.Now()

	for epoch := 1; epoch <= t.Cfg.Epochs; epoch++ {
		train.Shuffle(rng)
		t.Model.SetTraining(true)

		var bar *pb.ProgressBar
		if t.Cfg.Progress {
			bar = pb.StartNew(train.Len())
		}

		var window Window
		var epochLoss float64
		batch := 0

		for start := 0; start < train.Len(); start += t.Cfg.BatchSize {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			end := start + t.Cfg.BatchSize
			if end > train.Len() {
				end = train.Len()
			}

			stepStart := time.Now()
			var batchLoss float64
			for i := start; i < end; i++ {
				loss, err := t.trainOne(train, i, &res.Timing)
				if err != nil {
					return nil, errors.Wrapf(err, "epoch %d sample %d", epoch, i)
				}
				batchLoss += loss
			}
			n := end - start
			epochLoss += batchLoss
			window.Record(n, time.Since(stepStart), batchLoss/float64(n))
			batch++
			res.Steps += n

			if bar != nil {
				bar.Add(n)
			}
			if t.Cfg.LogEvery > 0 && batch%t.Cfg.LogEvery == 0 {
				snap := window.Snapshot()
				log.Printf("epoch=%d batch=%d images_per_sec=%.1f step_ms=%.2f loss=%.4f",
					epoch, batch, snap.ImagesPerSec, snap.AvgStepMS, snap.AvgLoss)
			}
		}

		if bar != nil {
			bar.Finish()
		}

		t.Model.SetTraining(false)
		evalStart := time.Now()
		acc, err := t.Evaluate(test)
		if err != nil {
			return nil, errors.Wrapf(err, "evaluating after epoch %d", epoch)
		}
		res.Timing.EvaluationTime += time.Since(evalStart)

		meanLoss := epochLoss / float64(train.Len())
		res.EpochLoss = append(res.EpochLoss, meanLoss)
		res.TestAccuracy = append(res.TestAccuracy, acc)
		log.Printf("epoch=%d loss=%.4f test_accuracy=%.4f", epoch, meanLoss, acc)
	}

	res.Timing.TotalTime = time.Since(runStart)
	return res, nil
}

// trainOne runs forward, backward and a weight update for a single sample.
func (t *Trainer) trainOne(split *mnist.Split, i int, timing *TimingStats) (float64, error) {
	x := split.Image(i)
	label := split.Labels[i]

	start := time.Now()
	logits, err := t.Model.Forward(x)
	if err != nil {
		return 0, err
	}
	timing.ForwardPassTime += time.Since(start)

	probs := nn.Softmax(logits)
	loss := t.Loss.Loss(probs, label)

	start = time.Now()
	if _, err := t.Model.Backward(t.Loss.Backward(probs, label)); err != nil {
		return 0, err
	}
	timing.BackwardPassTime += time.Since(start)

	start = time.Now()
	t.Model.Update(t.Cfg.LearningRate)
	timing.UpdateTime += time.Since(start)

	return loss, nil
}

// Evaluate returns classification accuracy on a split.
func (t *Trainer) Evaluate(split *mnist.Split) (float64, error) {
	if split.Len() == 0 {
		return 0, errors.New("trainer: empty evaluation split")
	}
	correct := 0
	for i := 0; i < split.Len(); i++ {
		probs, err := t.Model.Predict(split.Image(i))
		if err != nil {
			return 0, err
		}
		if probs.Argmax() == split.Labels[i] {
			correct++
		}
	}
	return float64(correct) / float64(split.Len()), nil
}
