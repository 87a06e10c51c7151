package ops

import (
	"fmt"
	"math"

	"github.com/kiln-ml/kiln/internal/tensor"
)

// BatchNorm2DOp records a batch normalization over NCHW input for
// autodiff.
//
// Forward: output = gamma * (x - mean) / sqrt(var + eps) + beta, with
// mean and variance taken per channel over the batch and spatial dims.
//
// Backward saves the normalized input and the reciprocal std from the
// forward pass. Per channel, with N the reduction size:
//
//	dgamma = sum(dy * xhat)
//	dbeta  = sum(dy)
//	dx     = (gamma * rstd / N) * (N*dy - dbeta - xhat*dgamma)
type BatchNorm2DOp struct {
	input  *tensor.RawTensor
	gamma  *tensor.RawTensor
	beta   *tensor.RawTensor
	output *tensor.RawTensor
	xhat   *tensor.RawTensor
	rstd   []float32
}

// NewBatchNorm2DOp creates a new BatchNorm2D operation. xhat and rstd
// must come from BatchNorm2DForward.
func NewBatchNorm2DOp(input, gamma, beta, output, xhat *tensor.RawTensor, rstd []float32) *BatchNorm2DOp {
	return &BatchNorm2DOp{
		input:  input,
		gamma:  gamma,
		beta:   beta,
		output: output,
		xhat:   xhat,
		rstd:   rstd,
	}
}

// Inputs returns the input tensors.
func (op *BatchNorm2DOp) Inputs() []*tensor.RawTensor {
	return []*tensor.RawTensor{op.input, op.gamma, op.beta}
}

// Output returns the output tensor.
func (op *BatchNorm2DOp) Output() *tensor.RawTensor {
	return op.output
}

// Backward computes gradients for BatchNorm2D.
func (op *BatchNorm2DOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	shape := op.input.Shape()
	batch, channels, height, width := shape[0], shape[1], shape[2], shape[3]
	spatial := height * width
	n := float32(batch * spatial)

	inputGrad, err := tensor.NewRaw(shape, tensor.Float32, op.input.Device())
	if err != nil {
		panic(fmt.Sprintf("batchnorm2d backward: failed to allocate: %v", err))
	}
	gammaGrad, err := tensor.NewRaw(tensor.Shape{channels}, tensor.Float32, op.gamma.Device())
	if err != nil {
		panic(fmt.Sprintf("batchnorm2d backward: failed to allocate: %v", err))
	}
	betaGrad, err := tensor.NewRaw(tensor.Shape{channels}, tensor.Float32, op.beta.Device())
	if err != nil {
		panic(fmt.Sprintf("batchnorm2d backward: failed to allocate: %v", err))
	}

	dy := outputGrad.AsFloat32()
	xhatData := op.xhat.AsFloat32()
	gammaData := op.gamma.AsFloat32()
	dxData := inputGrad.AsFloat32()
	dgammaData := gammaGrad.AsFloat32()
	dbetaData := betaGrad.AsFloat32()

	for c := 0; c < channels; c++ {
		var sumDy, sumDyXhat float32
		for b := 0; b < batch; b++ {
			offset := (b*channels + c) * spatial
			for i := 0; i < spatial; i++ {
				sumDy += dy[offset+i]
				sumDyXhat += dy[offset+i] * xhatData[offset+i]
			}
		}

		dgammaData[c] = sumDyXhat
		dbetaData[c] = sumDy

		scale := gammaData[c] * op.rstd[c] / n
		for b := 0; b < batch; b++ {
			offset := (b*channels + c) * spatial
			for i := 0; i < spatial; i++ {
				idx := offset + i
				dxData[idx] = scale * (n*dy[idx] - sumDy - xhatData[idx]*sumDyXhat)
			}
		}
	}

	return []*tensor.RawTensor{inputGrad, gammaGrad, betaGrad}
}

// BatchNorm2DForward normalizes input per channel using batch
// statistics. input must be [N, C, H, W] float32; gamma and beta [C].
// It returns the output, the normalized input, the reciprocal std per
// channel, and the batch mean and variance per channel for running
// statistics updates.
func BatchNorm2DForward(input, gamma, beta *tensor.RawTensor, eps float32) (output, xhat *tensor.RawTensor, rstd, mean, variance []float32) {
	shape := input.Shape()
	if len(shape) != 4 {
		panic(fmt.Sprintf("batchnorm2d: input must be 4D, got shape %v", shape))
	}
	if input.DType() != tensor.Float32 {
		panic(fmt.Sprintf("batchnorm2d: unsupported dtype %v", input.DType()))
	}
	batch, channels, height, width := shape[0], shape[1], shape[2], shape[3]
	if gamma.NumElements() != channels || beta.NumElements() != channels {
		panic(fmt.Sprintf("batchnorm2d: gamma/beta must have %d elements", channels))
	}
	spatial := height * width
	n := float64(batch * spatial)

	var err error
	output, err = tensor.NewRaw(shape, tensor.Float32, input.Device())
	if err != nil {
		panic(fmt.Sprintf("batchnorm2d: failed to allocate: %v", err))
	}
	xhat, err = tensor.NewRaw(shape, tensor.Float32, input.Device())
	if err != nil {
		panic(fmt.Sprintf("batchnorm2d: failed to allocate: %v", err))
	}

	rstd = make([]float32, channels)
	mean = make([]float32, channels)
	variance = make([]float32, channels)

	data := input.AsFloat32()
	gammaData := gamma.AsFloat32()
	betaData := beta.AsFloat32()
	outData := output.AsFloat32()
	xhatData := xhat.AsFloat32()

	for c := 0; c < channels; c++ {
		var sum float64
		for b := 0; b < batch; b++ {
			offset := (b*channels + c) * spatial
			for i := 0; i < spatial; i++ {
				sum += float64(data[offset+i])
			}
		}
		m := sum / n

		var sqSum float64
		for b := 0; b < batch; b++ {
			offset := (b*channels + c) * spatial
			for i := 0; i < spatial; i++ {
				d := float64(data[offset+i]) - m
				sqSum += d * d
			}
		}
		v := sqSum / n

		r := 1 / math.Sqrt(v+float64(eps))
		mean[c] = float32(m)
		variance[c] = float32(v)
		rstd[c] = float32(r)

		g, bt := gammaData[c], betaData[c]
		for b := 0; b < batch; b++ {
			offset := (b*channels + c) * spatial
			for i := 0; i < spatial; i++ {
				idx := offset + i
				xh := float32((float64(data[idx]) - m) * r)
				xhatData[idx] = xh
				outData[idx] = g*xh + bt
			}
		}
	}

	return output, xhat, rstd, mean, variance
}
