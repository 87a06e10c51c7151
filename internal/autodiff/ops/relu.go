package ops

import (
	"fmt"

	"github.com/kiln-ml/kiln/internal/tensor"
)

// ReLUOp records a ReLU activation for autodiff.
//
// Forward: output = max(0, input)
//
// Backward: inputGrad = outputGrad * mask, where mask is 1 where the
// input was positive and 0 elsewhere. The mask is computed once at
// construction time from the saved input.
type ReLUOp struct {
	input  *tensor.RawTensor
	output *tensor.RawTensor
	mask   *tensor.RawTensor
}

// NewReLUOp creates a new ReLU operation.
func NewReLUOp(input, output *tensor.RawTensor) *ReLUOp {
	return &ReLUOp{
		input:  input,
		output: output,
		mask:   computeReLUMask(input),
	}
}

// Inputs returns the input tensors.
func (op *ReLUOp) Inputs() []*tensor.RawTensor {
	return []*tensor.RawTensor{op.input}
}

// Output returns the output tensor.
func (op *ReLUOp) Output() *tensor.RawTensor {
	return op.output
}

// Backward computes gradients for ReLU.
func (op *ReLUOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	inputGrad := backend.Mul(outputGrad, op.mask)
	return []*tensor.RawTensor{inputGrad}
}

func computeReLUMask(input *tensor.RawTensor) *tensor.RawTensor {
	if input.DType() != tensor.Float32 {
		panic(fmt.Sprintf("relu mask: unsupported dtype %v", input.DType()))
	}

	mask, err := tensor.NewRaw(input.Shape(), input.DType(), input.Device())
	if err != nil {
		panic(fmt.Sprintf("relu mask: failed to allocate: %v", err))
	}

	inputData := input.AsFloat32()
	maskData := mask.AsFloat32()
	for i, v := range inputData {
		if v > 0 {
			maskData[i] = 1
		}
	}

	return mask
}
