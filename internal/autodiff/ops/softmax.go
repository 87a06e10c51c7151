package ops

import (
	"fmt"

	"github.com/kiln-ml/kiln/internal/tensor"
)

// SoftmaxOp records a softmax along one dimension for autodiff.
//
// Backward uses the saved output:
//
//	dx = y * (dy - sum(dy * y, dim))
type SoftmaxOp struct {
	input  *tensor.RawTensor
	output *tensor.RawTensor
	dim    int
}

// NewSoftmaxOp creates a new Softmax operation. dim must already be
// normalized to a non-negative index.
func NewSoftmaxOp(input, output *tensor.RawTensor, dim int) *SoftmaxOp {
	return &SoftmaxOp{input: input, output: output, dim: dim}
}

// Inputs returns the input tensors.
func (op *SoftmaxOp) Inputs() []*tensor.RawTensor {
	return []*tensor.RawTensor{op.input}
}

// Output returns the output tensor.
func (op *SoftmaxOp) Output() *tensor.RawTensor {
	return op.output
}

// Backward computes gradients for Softmax.
func (op *SoftmaxOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	shape := op.input.Shape()

	inputGrad, err := tensor.NewRaw(shape, tensor.Float32, op.input.Device())
	if err != nil {
		panic(fmt.Sprintf("softmax backward: failed to allocate: %v", err))
	}

	outer := 1
	for i := 0; i < op.dim; i++ {
		outer *= shape[i]
	}
	dimSize := shape[op.dim]
	inner := 1
	for i := op.dim + 1; i < len(shape); i++ {
		inner *= shape[i]
	}

	dy := outputGrad.AsFloat32()
	y := op.output.AsFloat32()
	dx := inputGrad.AsFloat32()

	for o := 0; o < outer; o++ {
		for i := 0; i < inner; i++ {
			var dot float32
			for k := 0; k < dimSize; k++ {
				idx := (o*dimSize+k)*inner + i
				dot += dy[idx] * y[idx]
			}
			for k := 0; k < dimSize; k++ {
				idx := (o*dimSize+k)*inner + i
				dx[idx] = y[idx] * (dy[idx] - dot)
			}
		}
	}

	return []*tensor.RawTensor{inputGrad}
}
