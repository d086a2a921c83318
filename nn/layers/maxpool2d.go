package layers

import (
	"fmt"

	"digitnet/tensor"
)

// MaxPool2D downsamples each channel by taking the maximum over
// non-overlapping p×p windows.
type MaxPool2D struct {
	Size int

	inShape []int
	argmax  []int // flat input index of the max for each output element
}

func NewMaxPool2D(p int) *MaxPool2D { return &MaxPool2D{Size: p} }

func (m *MaxPool2D) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) != 3 {
		return nil, fmt.Errorf("maxpool2d: expected input [C,H,W], got %v", x.Shape)
	}
	c, h, w := x.Shape[0], x.Shape[1], x.Shape[2]
	p := m.Size
	if h%p != 0 || w%p != 0 {
		return nil, fmt.Errorf("maxpool2d: %dx%d input not divisible by pool size %d", h, w, p)
	}
	outH, outW := h/p, w/p
	m.inShape = []int{c, h, w}

	out := tensor.New(c, outH, outW)
	m.argmax = make([]int, len(out.Data))
	for ch := 0; ch < c; ch++ {
		for oy := 0; oy < outH; oy++ {
			for ox := 0; ox < outW; ox++ {
				bestIdx := (ch*h+oy*p)*w + ox*p
				best := x.Data[bestIdx]
				for py := 0; py < p; py++ {
					for px := 0; px < p; px++ {
						idx := (ch*h+oy*p+py)*w + ox*p + px
						if x.Data[idx] > best {
							best = x.Data[idx]
							bestIdx = idx
						}
					}
				}
				outIdx := (ch*outH+oy)*outW + ox
				out.Data[outIdx] = best
				m.argmax[outIdx] = bestIdx
			}
		}
	}
	return out, nil
}

// Backward routes each output gradient to the input position that won the max.
func (m *MaxPool2D) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if m.argmax == nil {
		return nil, fmt.Errorf("maxpool2d: Backward before Forward")
	}
	if grad.Size() != len(m.argmax) {
		return nil, fmt.Errorf("maxpool2d: expected gradient of %d elements, got %v", len(m.argmax), grad.Shape)
	}
	gradIn := tensor.New(m.inShape...)
	for i, idx := range m.argmax {
		gradIn.Data[idx] += grad.Data[i]
	}
	return gradIn, nil
}

func (m *MaxPool2D) Update(float64) {}

func (m *MaxPool2D) Tag() string { return fmt.Sprintf("MaxPool2D_%d", m.Size) }
