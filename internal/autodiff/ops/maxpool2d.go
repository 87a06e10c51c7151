package ops

import (
	"fmt"

	"github.com/kiln-ml/kiln/internal/tensor"
)

// MaxPool2DOp records a 2D max pooling for autodiff.
//
// Forward: output = MaxPool2D(input, kernelSize, stride)
//
// The flat index of each window's maximum is recomputed at construction
// time and saved, so backward routes each output gradient straight to
// the input element that produced it.
type MaxPool2DOp struct {
	input      *tensor.RawTensor
	output     *tensor.RawTensor
	maxIndices []int32
	kernelSize int
	stride     int
}

// NewMaxPool2DOp creates a new MaxPool2D operation.
func NewMaxPool2DOp(input, output *tensor.RawTensor, kernelSize, stride int) *MaxPool2DOp {
	return &MaxPool2DOp{
		input:      input,
		output:     output,
		maxIndices: computeMaxIndices(input, kernelSize, stride),
		kernelSize: kernelSize,
		stride:     stride,
	}
}

// Inputs returns the input tensors.
func (op *MaxPool2DOp) Inputs() []*tensor.RawTensor {
	return []*tensor.RawTensor{op.input}
}

// Output returns the output tensor.
func (op *MaxPool2DOp) Output() *tensor.RawTensor {
	return op.output
}

// Backward computes gradients for MaxPool2D.
func (op *MaxPool2DOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	inputGrad := backend.MaxPool2DBackward(op.input, outputGrad, op.maxIndices, op.kernelSize, op.stride)
	return []*tensor.RawTensor{inputGrad}
}

// computeMaxIndices finds the flat input index of the maximum in each
// pooling window, in output order.
func computeMaxIndices(input *tensor.RawTensor, kernelSize, stride int) []int32 {
	if input.DType() != tensor.Float32 {
		panic(fmt.Sprintf("maxpool2d indices: unsupported dtype %v", input.DType()))
	}

	shape := input.Shape()
	batch, channels, height, width := shape[0], shape[1], shape[2], shape[3]
	hOut := (height-kernelSize)/stride + 1
	wOut := (width-kernelSize)/stride + 1

	data := input.AsFloat32()
	indices := make([]int32, batch*channels*hOut*wOut)

	outIdx := 0
	for b := 0; b < batch; b++ {
		for c := 0; c < channels; c++ {
			channelOffset := (b*channels + c) * height * width
			for oh := 0; oh < hOut; oh++ {
				for ow := 0; ow < wOut; ow++ {
					hStart := oh * stride
					wStart := ow * stride

					maxIdx := channelOffset + hStart*width + wStart
					maxVal := data[maxIdx]
					for kh := 0; kh < kernelSize; kh++ {
						rowOffset := channelOffset + (hStart+kh)*width
						for kw := 0; kw < kernelSize; kw++ {
							idx := rowOffset + wStart + kw
							if data[idx] > maxVal {
								maxVal = data[idx]
								maxIdx = idx
							}
						}
					}

					indices[outIdx] = int32(maxIdx)
					outIdx++
				}
			}
		}
	}

	return indices
}
