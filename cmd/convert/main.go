package main

import (
	"log"

	"github.com/alexflint/go-arg"

	"digitnet/checkpoint"
	"digitnet/webexport"
)

type args struct {
	Input  string `arg:"-i,--input" default:"mnist_model/model.json" help:"checkpoint to convert"`
	Output string `arg:"-o,--output" default:"public/model" help:"directory for the browser artifact"`
}

func (args) Version() string {
	return "digitnet convert 1.0"
}

func (args) Description() string {
	return `Convert a checkpoint into the model.json and weight shard served to the browser.`
}

func main() {
	var args args
	arg.MustParse(&args)

	ckpt, err := checkpoint.Load(args.Input)
	if err != nil {
		log.Fatalf("loading checkpoint: %v", err)
	}
	if err := webexport.Export(args.Output, ckpt); err != nil {
		log.Fatalf("exporting: %v", err)
	}
	log.Printf("wrote %s/model.json and %s/%s", args.Output, args.Output, webexport.ShardName)
}
