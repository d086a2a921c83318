// Package mnist fetches and parses the MNIST handwritten digit dataset.
//
// The four canonical IDX gzip files are cached in a local directory and
// downloaded from a mirror when missing. File integrity is checked against
// the published sha256 digests before parsing.
package mnist

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"digitnet/tensor"
)

const (
	ImageSize  = 28
	NumClasses = 10
)

const (
	trainSetImg = "train-images-idx3-ubyte.gz"
	trainSetVal = "train-labels-idx1-ubyte.gz"
	inferSetImg = "t10k-images-idx3-ubyte.gz"
	inferSetVal = "t10k-labels-idx1-ubyte.gz"
)

// sha256 digests of the gzip files as published with the dataset.
var checksums = map[string]string{
	trainSetImg: "440fcabf73cc546fa21475e81ea370265605f56be210a4024d2ca8f203523609",
	trainSetVal: "3552534a0a558bbed6aed32b30c495cca23d567ec52cac8be1a0730e8010255c",
	inferSetImg: "8d422c7b0a1c1c79245a5bcf07fe86e33eeafee792b84584aec276f5a2dbc4e6",
	inferSetVal: "f7ae60f92e00ec6debd23a6088c31dbd2371eca3ffa0defaefb259924204aec6",
}

const (
	imageMagic = 0x00000803
	labelMagic = 0x00000801
)

// DefaultBaseURL is a long-lived public mirror of the dataset.
const DefaultBaseURL = "https://storage.googleapis.com/cvdf-datasets/mnist/"

// Split is one partition of the dataset with pixels rescaled to [0,1].
type Split struct {
	Images [][]float64 // each ImageSize*ImageSize long
	Labels []int
}

// Len returns the number of samples in the split.
func (s *Split) Len() int { return len(s.Labels) }

// Image returns sample i as a 28x28 tensor aliasing the stored pixels.
func (s *Split) Image(i int) *tensor.Tensor {
	return &tensor.Tensor{Data: s.Images[i], Shape: []int{ImageSize, ImageSize}}
}

// Shuffle permutes the split in place.
func (s *Split) Shuffle(rng *rand.Rand) {
	rng.Shuffle(len(s.Labels), func(i, j int) {
		s.Images[i], s.Images[j] = s.Images[j], s.Images[i]
		s.Labels[i], s.Labels[j] = s.Labels[j], s.Labels[i]
	})
}

// Config controls where dataset files are cached and fetched from.
type Config struct {
	Dir     string // cache directory, created if missing
	BaseURL string // mirror to download from; DefaultBaseURL if empty
	Client  *http.Client
}

// Load returns the train and test splits, downloading any missing files.
func Load(ctx context.Context, cfg Config) (train, test *Split, err error) {
	if cfg.Dir == "" {
		cfg.Dir = "data/mnist"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, nil, errors.Wrap(err, "creating dataset directory")
	}

	trainImgs, err := fetchImages(ctx, cfg, trainSetImg)
	if err != nil {
		return nil, nil, err
	}
	trainLabels, err := fetchLabels(ctx, cfg, trainSetVal)
	if err != nil {
		return nil, nil, err
	}
	testImgs, err := fetchImages(ctx, cfg, inferSetImg)
	if err != nil {
		return nil, nil, err
	}
	testLabels, err := fetchLabels(ctx, cfg, inferSetVal)
	if err != nil {
		return nil, nil, err
	}

	train, err = newSplit(trainImgs, trainLabels)
	if err != nil {
		return nil, nil, errors.Wrap(err, "train split")
	}
	test, err = newSplit(testImgs, testLabels)
	if err != nil {
		return nil, nil, errors.Wrap(err, "test split")
	}
	return train, test, nil
}

func newSplit(images [][]float64, labels []int) (*Split, error) {
	if len(images) != len(labels) {
		return nil, errors.Errorf("have %d images but %d labels", len(images), len(labels))
	}
	return &Split{Images: images, Labels: labels}, nil
}

func fetchImages(ctx context.Context, cfg Config, name string) ([][]float64, error) {
	raw, err := fetchFile(ctx, cfg, name)
	if err != nil {
		return nil, err
	}
	return parseImages(raw)
}

func fetchLabels(ctx context.Context, cfg Config, name string) ([]int, error) {
	raw, err := fetchFile(ctx, cfg, name)
	if err != nil {
		return nil, err
	}
	return parseLabels(raw)
}

// fetchFile returns the decompressed contents of a dataset file, downloading
// it first if it is not already cached.
func fetchFile(ctx context.Context, cfg Config, name string) ([]byte, error) {
	path := filepath.Join(cfg.Dir, name)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := download(ctx, cfg, name, path); err != nil {
			return nil, errors.Wrapf(err, "downloading %s", name)
		}
	}

	compressed, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", name)
	}
	if sum := fmt.Sprintf("%x", sha256.Sum256(compressed)); sum != checksums[name] {
		return nil, errors.Errorf("checksum mismatch for %s: got %s", name, sum)
	}

	gz, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, errors.Wrapf(err, "opening gzip %s", name)
	}
	defer gz.Close()
	raw, err := io.ReadAll(gz)
	if err != nil {
		return nil, errors.Wrapf(err, "decompressing %s", name)
	}
	return raw, nil
}

func download(ctx context.Context, cfg Config, name, path string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.BaseURL+name, nil)
	if err != nil {
		return err
	}
	resp, err := cfg.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("unexpected status %s from %s", resp.Status, cfg.BaseURL+name)
	}

	tmp := path + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// parseImages decodes an IDX image file into [0,1]-scaled pixel vectors.
func parseImages(raw []byte) ([][]float64, error) {
	if len(raw) < 16 {
		return nil, errors.New("image file too short for header")
	}
	if magic := binary.BigEndian.Uint32(raw[0:4]); magic != imageMagic {
		return nil, errors.Errorf("bad image magic 0x%08x", magic)
	}
	count := int(binary.BigEndian.Uint32(raw[4:8]))
	rows := int(binary.BigEndian.Uint32(raw[8:12]))
	cols := int(binary.BigEndian.Uint32(raw[12:16]))
	if rows != ImageSize || cols != ImageSize {
		return nil, errors.Errorf("expected %dx%d images, got %dx%d", ImageSize, ImageSize, rows, cols)
	}
	pixels := raw[16:]
	if len(pixels) != count*rows*cols {
		return nil, errors.Errorf("expected %d pixel bytes, got %d", count*rows*cols, len(pixels))
	}

	images := make([][]float64, count)
	for i := range images {
		img := make([]float64, rows*cols)
		base := i * rows * cols
		for j := range img {
			img[j] = float64(pixels[base+j]) / 255.0
		}
		images[i] = img
	}
	return images, nil
}

// parseLabels decodes an IDX label file.
func parseLabels(raw []byte) ([]int, error) {
	if len(raw) < 8 {
		return nil, errors.New("label file too short for header")
	}
	if magic := binary.BigEndian.Uint32(raw[0:4]); magic != labelMagic {
		return nil, errors.Errorf("bad label magic 0x%08x", magic)
	}
	count := int(binary.BigEndian.Uint32(raw[4:8]))
	body := raw[8:]
	if len(body) != count {
		return nil, errors.Errorf("expected %d label bytes, got %d", count, len(body))
	}

	labels := make([]int, count)
	for i, b := range body {
		if int(b) >= NumClasses {
			return nil, errors.Errorf("label %d out of range at index %d", b, i)
		}
		labels[i] = int(b)
	}
	return labels, nil
}
