// Package heinfer runs dense checkpoints over CKKS-encrypted inputs.
//
// The image is encrypted client-side and the linear algebra runs on
// ciphertexts: each output neuron is a plaintext-weight multiplication
// followed by a rotation tree that folds the slot products into slot 0.
// Biases and activations are applied in the clear between layers, as the
// intermediate vector returns to the client for re-encryption anyway.
//
// Only fully-connected checkpoints are supported; convolutional feature
// maps do not fit the single-vector slot layout.
package heinfer

import (
	"math"

	"github.com/pkg/errors"
	"github.com/tuneinsight/lattigo/v5/core/rlwe"
	"github.com/tuneinsight/lattigo/v5/he/hefloat"

	"digitnet/checkpoint"
)

// DefaultLogN gives 4096 slots, enough for a zero-padded 784-pixel image.
const DefaultLogN = 13

// Context bundles the CKKS parameters and the key material derived from a
// single secret key.
type Context struct {
	Params    hefloat.Parameters
	Encoder   *hefloat.Encoder
	Encryptor *rlwe.Encryptor
	Decryptor *rlwe.Decryptor
	Eval      *hefloat.Evaluator
}

// NewContext generates parameters and keys for ring degree 2^logN.
// Rotation keys are generated for all power-of-two steps so the rotation
// tree can fold vectors of any padded length up to the slot count.
func NewContext(logN int) (*Context, error) {
	params, err := hefloat.NewParametersFromLiteral(hefloat.ParametersLiteral{
		LogN:            logN,
		LogQ:            []int{55, 45, 45},
		LogP:            []int{61},
		LogDefaultScale: 45,
	})
	if err != nil {
		return nil, errors.Wrap(err, "building ckks parameters")
	}

	kgen := hefloat.NewKeyGenerator(params)
	sk, pk := kgen.GenKeyPairNew()

	var galEls []uint64
	for step := 1; step < params.MaxSlots(); step *= 2 {
		galEls = append(galEls, params.GaloisElement(step))
	}
	rlk := kgen.GenRelinearizationKeyNew(sk)
	evk := rlwe.NewMemEvaluationKeySet(rlk, kgen.GenGaloisKeysNew(galEls, sk)...)

	return &Context{
		Params:    params,
		Encoder:   hefloat.NewEncoder(params),
		Encryptor: hefloat.NewEncryptor(params, pk),
		Decryptor: hefloat.NewDecryptor(params, sk),
		Eval:      hefloat.NewEvaluator(params, evk),
	}, nil
}

// denseLayer is one fully-connected step extracted from a checkpoint.
type denseLayer struct {
	weight [][]float64 // one row per output neuron
	bias   []float64
	relu   bool
}

// DenseForward evaluates a dense checkpoint on an encrypted image and
// returns the output logits.
func (c *Context) DenseForward(ckpt *checkpoint.Model, image []float64) ([]float64, error) {
	stack, err := extractDense(ckpt)
	if err != nil {
		return nil, err
	}
	vec := image
	for i, layer := range stack {
		vec, err = c.forwardLayer(layer, vec)
		if err != nil {
			return nil, errors.Wrapf(err, "dense layer %d", i)
		}
	}
	return vec, nil
}

func extractDense(ckpt *checkpoint.Model) ([]denseLayer, error) {
	var stack []denseLayer
	for _, spec := range ckpt.Layers {
		switch spec.Kind {
		case checkpoint.KindFlatten, checkpoint.KindDropout:
			// No effect at inference time.
		case checkpoint.KindReLU:
			if len(stack) == 0 {
				return nil, errors.New("activation before any linear layer")
			}
			stack[len(stack)-1].relu = true
		case checkpoint.KindLinear:
			if spec.Weight == nil || spec.Bias == nil {
				return nil, errors.New("linear layer without weights")
			}
			rows := make([][]float64, spec.Out)
			for j := 0; j < spec.Out; j++ {
				rows[j] = spec.Weight.Data[j*spec.In : (j+1)*spec.In]
			}
			stack = append(stack, denseLayer{weight: rows, bias: spec.Bias.Data})
		default:
			return nil, errors.Errorf("encrypted inference does not support %s layers", spec.Kind)
		}
	}
	if len(stack) == 0 {
		return nil, errors.New("checkpoint has no linear layers")
	}
	return stack, nil
}

// forwardLayer encrypts the input once and computes each output neuron as
// an encrypted dot product, decrypting only slot 0 of each result.
func (c *Context) forwardLayer(layer denseLayer, in []float64) ([]float64, error) {
	padded := nextPow2(len(in))
	if padded > c.Params.MaxSlots() {
		return nil, errors.Errorf("input of %d elements exceeds %d slots", len(in), c.Params.MaxSlots())
	}

	ct, err := c.encryptPadded(in, padded)
	if err != nil {
		return nil, errors.Wrap(err, "encrypting input")
	}

	out := make([]float64, len(layer.weight))
	for j, row := range layer.weight {
		pt := hefloat.NewPlaintext(c.Params, c.Params.MaxLevel())
		if err := c.Encoder.Encode(padVector(row, padded), pt); err != nil {
			return nil, errors.Wrapf(err, "encoding weight row %d", j)
		}

		prod, err := c.Eval.MulNew(ct, pt)
		if err != nil {
			return nil, errors.Wrapf(err, "multiplying row %d", j)
		}
		for step := 1; step < padded; step *= 2 {
			rot, err := c.Eval.RotateNew(prod, step)
			if err != nil {
				return nil, errors.Wrapf(err, "rotating by %d", step)
			}
			if err := c.Eval.Add(prod, rot, prod); err != nil {
				return nil, errors.Wrap(err, "accumulating rotation")
			}
		}

		dot := make([]complex128, 1)
		if err := c.Encoder.Decode(c.Decryptor.DecryptNew(prod), dot); err != nil {
			return nil, errors.Wrapf(err, "decoding row %d", j)
		}
		v := real(dot[0]) + layer.bias[j]
		if layer.relu && v < 0 {
			v = 0
		}
		out[j] = v
	}
	return out, nil
}

func (c *Context) encryptPadded(in []float64, padded int) (*rlwe.Ciphertext, error) {
	pt := hefloat.NewPlaintext(c.Params, c.Params.MaxLevel())
	if err := c.Encoder.Encode(padVector(in, padded), pt); err != nil {
		return nil, err
	}
	return c.Encryptor.EncryptNew(pt)
}

// padVector zero-pads v to length n so the rotation tree covers every slot.
func padVector(v []float64, n int) []float64 {
	out := make([]float64, n)
	copy(out, v)
	return out
}

func nextPow2(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << int(math.Ceil(math.Log2(float64(n))))
}
