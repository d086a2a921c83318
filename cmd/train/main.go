package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/alexflint/go-arg"

	"digitnet/checkpoint"
	"digitnet/dataset/mnist"
	"digitnet/nn"
	"digitnet/trainer"
	"digitnet/webexport"
)

type args struct {
	Arch         string  `arg:"--arch" default:"dense" help:"model architecture: dense or conv"`
	Epochs       int     `arg:"--epochs" help:"training epochs (default 3 for dense, 5 for conv)"`
	BatchSize    int     `arg:"--batch-size" default:"32" help:"samples per training step"`
	LearningRate float64 `arg:"--lr" default:"0.01" help:"SGD learning rate"`
	Seed         int64   `arg:"--seed" default:"1" help:"shuffle seed"`
	DataDir      string  `arg:"--data-dir" default:"data/mnist" help:"dataset cache directory"`
	Mirror       string  `arg:"--mirror" help:"dataset download mirror"`
	Output       string  `arg:"-o,--output" default:"mnist_model/model.json" help:"checkpoint path"`
	WebDir       string  `arg:"--web-dir" help:"also export the browser artifact to this directory"`
	LogEvery     int     `arg:"--log-every" default:"200" help:"batches between metric log lines"`
	NoProgress   bool    `arg:"--no-progress" help:"disable the progress bar"`
}

func (args) Version() string {
	return "digitnet train 1.0"
}

func (args) Description() string {
	return `Train an MNIST digit classifier and save it as a checkpoint.`
}

func main() {
	var args args
	arg.MustParse(&args)
	if args.Epochs == 0 {
		args.Epochs = 3
		if args.Arch == nn.ArchConv {
			args.Epochs = 5
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	log.Printf("loading dataset into %s", args.DataDir)
	loadStart := time.Now()
	train, test, err := mnist.Load(ctx, mnist.Config{Dir: args.DataDir, BaseURL: args.Mirror})
	if err != nil {
		log.Fatalf("loading dataset: %v", err)
	}
	dataTime := time.Since(loadStart)
	log.Printf("loaded %d training and %d test samples", train.Len(), test.Len())

	model, err := nn.NewByName(args.Arch)
	if err != nil {
		log.Fatal(err)
	}

	tr := trainer.New(model, trainer.Config{
		Epochs:       args.Epochs,
		BatchSize:    args.BatchSize,
		LearningRate: args.LearningRate,
		Seed:         args.Seed,
		LogEvery:     args.LogEvery,
		Progress:     !args.NoProgress,
	})
	res, err := tr.Fit(ctx, train, test)
	if err != nil {
		log.Fatalf("training: %v", err)
	}
	res.Timing.DataLoadingTime = dataTime
	trainer.PrintTimingStats(&res.Timing, res.Steps)

	ckpt, err := checkpoint.Snapshot(args.Arch, model)
	if err != nil {
		log.Fatalf("snapshotting model: %v", err)
	}
	if err := checkpoint.Save(args.Output, ckpt); err != nil {
		log.Fatalf("saving checkpoint: %v", err)
	}
	log.Printf("saved checkpoint to %s (test accuracy %.4f)", args.Output, res.TestAccuracy[len(res.TestAccuracy)-1])

	if args.WebDir != "" {
		if err := webexport.Export(args.WebDir, ckpt); err != nil {
			log.Fatalf("exporting web artifact: %v", err)
		}
		log.Printf("exported web artifact to %s", args.WebDir)
	}
}
