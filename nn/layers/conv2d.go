package layers

import (
	"fmt"

	"digitnet/tensor"
)

// Conv2D is a 2D convolutional layer with stride 1 and "same" zero padding,
// so spatial dimensions are preserved.
type Conv2D struct {
	InChan, OutChan int
	KH, KW          int

	W *tensor.Tensor // [outChan, inChan, kh, kw]
	B *tensor.Tensor // [outChan]

	lastIn *tensor.Tensor
	gradW  *tensor.Tensor
	gradB  *tensor.Tensor
}

// NewConv2D creates a Conv2D layer with uniform ±1/sqrt(fanIn) weights.
func NewConv2D(inChan, outChan, kh, kw int) *Conv2D {
	c := &Conv2D{
		InChan:  inChan,
		OutChan: outChan,
		KH:      kh,
		KW:      kw,
		W:       tensor.New(outChan, inChan, kh, kw),
		B:       tensor.New(outChan),
		gradW:   tensor.New(outChan, inChan, kh, kw),
		gradB:   tensor.New(outChan),
	}
	fanIn := inChan * kh * kw
	copy(c.W.Data, randomArray(len(c.W.Data), float64(fanIn)))
	return c
}

func (c *Conv2D) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) != 3 || x.Shape[0] != c.InChan {
		return nil, fmt.Errorf("conv2d: expected input [%d,H,W], got %v", c.InChan, x.Shape)
	}
	c.lastIn = x
	h, w := x.Shape[1], x.Shape[2]
	padH, padW := c.KH/2, c.KW/2

	out := tensor.New(c.OutChan, h, w)
	for oc := 0; oc < c.OutChan; oc++ {
		for y := 0; y < h; y++ {
			for xx := 0; xx < w; xx++ {
				sum := c.B.Data[oc]
				for ic := 0; ic < c.InChan; ic++ {
					for dy := 0; dy < c.KH; dy++ {
						iy := y + dy - padH
						if iy < 0 || iy >= h {
							continue
						}
						for dx := 0; dx < c.KW; dx++ {
							ix := xx + dx - padW
							if ix < 0 || ix >= w {
								continue
							}
							sum += c.W.Data[((oc*c.InChan+ic)*c.KH+dy)*c.KW+dx] *
								x.Data[(ic*h+iy)*w+ix]
						}
					}
				}
				out.Data[(oc*h+y)*w+xx] = sum
			}
		}
	}
	return out, nil
}

func (c *Conv2D) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if c.lastIn == nil {
		return nil, fmt.Errorf("conv2d: Backward before Forward")
	}
	h, w := c.lastIn.Shape[1], c.lastIn.Shape[2]
	if len(grad.Shape) != 3 || grad.Shape[0] != c.OutChan || grad.Shape[1] != h || grad.Shape[2] != w {
		return nil, fmt.Errorf("conv2d: expected gradient [%d,%d,%d], got %v", c.OutChan, h, w, grad.Shape)
	}
	padH, padW := c.KH/2, c.KW/2

	for i := range c.gradW.Data {
		c.gradW.Data[i] = 0
	}
	for i := range c.gradB.Data {
		c.gradB.Data[i] = 0
	}
	gradIn := tensor.New(c.InChan, h, w)

	for oc := 0; oc < c.OutChan; oc++ {
		for y := 0; y < h; y++ {
			for xx := 0; xx < w; xx++ {
				g := grad.Data[(oc*h+y)*w+xx]
				if g == 0 {
					continue
				}
				c.gradB.Data[oc] += g
				for ic := 0; ic < c.InChan; ic++ {
					for dy := 0; dy < c.KH; dy++ {
						iy := y + dy - padH
						if iy < 0 || iy >= h {
							continue
						}
						for dx := 0; dx < c.KW; dx++ {
							ix := xx + dx - padW
							if ix < 0 || ix >= w {
								continue
							}
							wIdx := ((oc*c.InChan+ic)*c.KH+dy)*c.KW + dx
							inIdx := (ic*h+iy)*w + ix
							c.gradW.Data[wIdx] += g * c.lastIn.Data[inIdx]
							gradIn.Data[inIdx] += g * c.W.Data[wIdx]
						}
					}
				}
			}
		}
	}
	return gradIn, nil
}

func (c *Conv2D) Update(lr float64) {
	for i := range c.W.Data {
		c.W.Data[i] -= lr * c.gradW.Data[i]
	}
	for i := range c.B.Data {
		c.B.Data[i] -= lr * c.gradB.Data[i]
	}
}

func (c *Conv2D) Tag() string {
	return fmt.Sprintf("Conv2D_%d_%d_%dx%d", c.InChan, c.OutChan, c.KH, c.KW)
}
