package mnist

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
)

func gzipIDXImages(t *testing.T, imgs [][]byte) []byte {
	t.Helper()
	var raw bytes.Buffer
	binary.Write(&raw, binary.BigEndian, uint32(imageMagic))
	binary.Write(&raw, binary.BigEndian, uint32(len(imgs)))
	binary.Write(&raw, binary.BigEndian, uint32(ImageSize))
	binary.Write(&raw, binary.BigEndian, uint32(ImageSize))
	for _, img := range imgs {
		if len(img) != ImageSize*ImageSize {
			t.Fatalf("test image has %d pixels", len(img))
		}
		raw.Write(img)
	}
	var out bytes.Buffer
	gz := gzip.NewWriter(&out)
	gz.Write(raw.Bytes())
	gz.Close()
	return out.Bytes()
}

func gzipIDXLabels(t *testing.T, labels []byte) []byte {
	t.Helper()
	var raw bytes.Buffer
	binary.Write(&raw, binary.BigEndian, uint32(labelMagic))
	binary.Write(&raw, binary.BigEndian, uint32(len(labels)))
	raw.Write(labels)
	var out bytes.Buffer
	gz := gzip.NewWriter(&out)
	gz.Write(raw.Bytes())
	gz.Close()
	return out.Bytes()
}

// writeFixture drops a crafted dataset file into dir and points the
// checksum table at its digest for the duration of the test.
func writeFixture(t *testing.T, dir, name string, data []byte) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		t.Fatal(err)
	}
	old := checksums[name]
	checksums[name] = fmt.Sprintf("%x", sha256.Sum256(data))
	t.Cleanup(func() { checksums[name] = old })
}

func TestLoadFromCache(t *testing.T) {
	dir := t.TempDir()

	img0 := make([]byte, ImageSize*ImageSize)
	img1 := make([]byte, ImageSize*ImageSize)
	img0[0] = 255
	img1[783] = 51

	writeFixture(t, dir, trainSetImg, gzipIDXImages(t, [][]byte{img0, img1}))
	writeFixture(t, dir, trainSetVal, gzipIDXLabels(t, []byte{3, 7}))
	writeFixture(t, dir, inferSetImg, gzipIDXImages(t, [][]byte{img1}))
	writeFixture(t, dir, inferSetVal, gzipIDXLabels(t, []byte{9}))

	train, test, err := Load(context.Background(), Config{Dir: dir})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if train.Len() != 2 || test.Len() != 1 {
		t.Fatalf("got %d train and %d test samples", train.Len(), test.Len())
	}
	if train.Labels[0] != 3 || train.Labels[1] != 7 || test.Labels[0] != 9 {
		t.Fatalf("unexpected labels: %v %v", train.Labels, test.Labels)
	}
	if train.Images[0][0] != 1.0 {
		t.Fatalf("pixel 255 should scale to 1.0, got %v", train.Images[0][0])
	}
	if got := train.Images[1][783]; got != 51.0/255.0 {
		t.Fatalf("pixel 51 scaled to %v", got)
	}

	img := train.Image(0)
	if img.Shape[0] != ImageSize || img.Shape[1] != ImageSize {
		t.Fatalf("Image shape %v", img.Shape)
	}
	if img.At(0, 0) != 1.0 {
		t.Fatalf("Image(0) lost pixel data")
	}
}

func TestLoadChecksumMismatch(t *testing.T) {
	dir := t.TempDir()

	img := make([]byte, ImageSize*ImageSize)
	writeFixture(t, dir, trainSetImg, gzipIDXImages(t, [][]byte{img}))
	checksums[trainSetImg] = "deadbeef"

	if _, _, err := Load(context.Background(), Config{Dir: dir}); err == nil {
		t.Fatal("expected checksum error")
	}
}

func TestParseImagesBadMagic(t *testing.T) {
	raw := make([]byte, 16)
	binary.BigEndian.PutUint32(raw[0:4], 0x12345678)
	if _, err := parseImages(raw); err == nil {
		t.Fatal("expected bad magic error")
	}
}

func TestParseLabelsOutOfRange(t *testing.T) {
	var raw bytes.Buffer
	binary.Write(&raw, binary.BigEndian, uint32(labelMagic))
	binary.Write(&raw, binary.BigEndian, uint32(1))
	raw.WriteByte(11)
	if _, err := parseLabels(raw.Bytes()); err == nil {
		t.Fatal("expected out of range error")
	}
}

func TestShuffleKeepsPairs(t *testing.T) {
	s := &Split{}
	for i := 0; i < 10; i++ {
		img := make([]float64, ImageSize*ImageSize)
		img[0] = float64(i)
		s.Images = append(s.Images, img)
		s.Labels = append(s.Labels, i)
	}
	s.Shuffle(rand.New(rand.NewSource(1)))
	for i := range s.Labels {
		if int(s.Images[i][0]) != s.Labels[i] {
			t.Fatalf("image/label pairing broken at %d", i)
		}
	}
}
