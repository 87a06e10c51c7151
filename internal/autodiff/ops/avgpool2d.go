package ops

import (
	"github.com/kiln-ml/kiln/internal/tensor"
)

// AvgPool2DOp records a 2D average pooling for autodiff.
//
// Forward: output = AvgPool2D(input, kernelSize, stride)
//
// Backward spreads each output gradient uniformly over its window,
// delegated to the backend kernel.
type AvgPool2DOp struct {
	input      *tensor.RawTensor
	output     *tensor.RawTensor
	kernelSize int
	stride     int
}

// NewAvgPool2DOp creates a new AvgPool2D operation.
func NewAvgPool2DOp(input, output *tensor.RawTensor, kernelSize, stride int) *AvgPool2DOp {
	return &AvgPool2DOp{
		input:      input,
		output:     output,
		kernelSize: kernelSize,
		stride:     stride,
	}
}

// Inputs returns the input tensors.
func (op *AvgPool2DOp) Inputs() []*tensor.RawTensor {
	return []*tensor.RawTensor{op.input}
}

// Output returns the output tensor.
func (op *AvgPool2DOp) Output() *tensor.RawTensor {
	return op.output
}

// Backward computes gradients for AvgPool2D.
func (op *AvgPool2DOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	inputGrad := backend.AvgPool2DBackward(op.input, outputGrad, op.kernelSize, op.stride)
	return []*tensor.RawTensor{inputGrad}
}
