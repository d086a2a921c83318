package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/alexflint/go-arg"
	"github.com/pkg/errors"

	"digitnet/checkpoint"
	"digitnet/heinfer"
	"digitnet/nn"
	"digitnet/tensor"
)

type args struct {
	Model     string `arg:"-m,--model" default:"mnist_model/model.json" help:"checkpoint path"`
	Image     string `arg:"positional,required" help:"28x28 image (png/jpeg) or JSON array of 784 pixels"`
	Encrypted bool   `arg:"--encrypted" help:"run the dense layers under CKKS encryption"`
	LogN      int    `arg:"--logn" default:"13" help:"CKKS ring degree exponent"`
	TopK      int    `arg:"--topk" default:"3" help:"number of predictions to print"`
}

func (args) Version() string {
	return "digitnet infer 1.0"
}

func (args) Description() string {
	return `Classify a digit image with a trained checkpoint, optionally over encrypted input.`
}

func main() {
	var args args
	arg.MustParse(&args)

	ckpt, err := checkpoint.Load(args.Model)
	if err != nil {
		log.Fatalf("loading checkpoint: %v", err)
	}
	pixels, err := loadImage(args.Image)
	if err != nil {
		log.Fatalf("loading image: %v", err)
	}

	var probs *tensor.Tensor
	if args.Encrypted {
		ctx, err := heinfer.NewContext(args.LogN)
		if err != nil {
			log.Fatalf("setting up encryption: %v", err)
		}
		logits, err := ctx.DenseForward(ckpt, pixels)
		if err != nil {
			log.Fatalf("encrypted inference: %v", err)
		}
		probs = nn.Softmax(tensor.NewWithData(logits))
	} else {
		model, err := ckpt.Build()
		if err != nil {
			log.Fatalf("rebuilding model: %v", err)
		}
		x, err := tensor.FromSlice(pixels, nn.ImageSize, nn.ImageSize)
		if err != nil {
			log.Fatal(err)
		}
		probs, err = model.Predict(x)
		if err != nil {
			log.Fatalf("inference: %v", err)
		}
	}

	printTopK(probs.Data, args.TopK)
}

func printTopK(probs []float64, k int) {
	idx := make([]int, len(probs))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return probs[idx[a]] > probs[idx[b]] })
	if k > len(idx) {
		k = len(idx)
	}
	for rank := 0; rank < k; rank++ {
		fmt.Printf("digit=%d p=%.4f\n", idx[rank], probs[idx[rank]])
	}
}

// loadImage reads either an encoded image or a JSON pixel array and returns
// 784 pixels scaled to [0,1].
func loadImage(path string) ([]float64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		var pixels []float64
		if err := json.Unmarshal(raw, &pixels); err != nil {
			return nil, errors.Wrap(err, "parsing pixel array")
		}
		if len(pixels) != nn.ImageSize*nn.ImageSize {
			return nil, errors.Errorf("expected %d pixels, got %d", nn.ImageSize*nn.ImageSize, len(pixels))
		}
		return pixels, nil
	}

	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrap(err, "decoding image")
	}
	bounds := img.Bounds()
	if bounds.Dx() != nn.ImageSize || bounds.Dy() != nn.ImageSize {
		return nil, errors.Errorf("expected a %dx%d image, got %dx%d",
			nn.ImageSize, nn.ImageSize, bounds.Dx(), bounds.Dy())
	}

	pixels := make([]float64, nn.ImageSize*nn.ImageSize)
	for y := 0; y < nn.ImageSize; y++ {
		for x := 0; x < nn.ImageSize; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			pixels[y*nn.ImageSize+x] = (float64(r) + float64(g) + float64(b)) / (3 * 65535.0)
		}
	}
	return pixels, nil
}
