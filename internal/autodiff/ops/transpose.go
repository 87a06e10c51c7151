package ops

import (
	"github.com/kiln-ml/kiln/internal/tensor"
)

// TransposeOp records a transpose operation for autodiff.
//
// Forward: output = Transpose(input, axes)
//
// Backward: transpose the output gradient with the inverse permutation.
type TransposeOp struct {
	input  *tensor.RawTensor
	output *tensor.RawTensor
	axes   []int
}

// NewTransposeOp creates a new Transpose operation. An empty axes slice
// means the default full reversal, which is its own inverse.
func NewTransposeOp(input, output *tensor.RawTensor, axes []int) *TransposeOp {
	saved := make([]int, len(axes))
	copy(saved, axes)
	return &TransposeOp{
		input:  input,
		output: output,
		axes:   saved,
	}
}

// Inputs returns the input tensors.
func (op *TransposeOp) Inputs() []*tensor.RawTensor {
	return []*tensor.RawTensor{op.input}
}

// Output returns the output tensor.
func (op *TransposeOp) Output() *tensor.RawTensor {
	return op.output
}

// Backward computes gradients for Transpose.
func (op *TransposeOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	if len(op.axes) == 0 {
		// Full reversal is self-inverse.
		inputGrad := backend.Transpose(outputGrad)
		return []*tensor.RawTensor{inputGrad}
	}

	inverse := make([]int, len(op.axes))
	for i, axis := range op.axes {
		inverse[axis] = i
	}

	inputGrad := backend.Transpose(outputGrad, inverse...)
	return []*tensor.RawTensor{inputGrad}
}
