package ops

import (
	"fmt"

	"github.com/kiln-ml/kiln/internal/tensor"
)

// SumOp records a full reduction to a scalar for autodiff.
// Backward broadcasts the scalar gradient to the input shape.
type SumOp struct {
	input  *tensor.RawTensor
	output *tensor.RawTensor
}

// NewSumOp creates a new Sum operation.
func NewSumOp(input, output *tensor.RawTensor) *SumOp {
	return &SumOp{input: input, output: output}
}

// Inputs returns the input tensors.
func (op *SumOp) Inputs() []*tensor.RawTensor {
	return []*tensor.RawTensor{op.input}
}

// Output returns the output tensor.
func (op *SumOp) Output() *tensor.RawTensor {
	return op.output
}

// Backward computes gradients for Sum.
func (op *SumOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	inputGrad, err := tensor.NewRaw(op.input.Shape(), tensor.Float32, op.input.Device())
	if err != nil {
		panic(fmt.Sprintf("sum backward: failed to allocate: %v", err))
	}

	gradVal := outputGrad.AsFloat32()[0]
	data := inputGrad.AsFloat32()
	for i := range data {
		data[i] = gradVal
	}

	return []*tensor.RawTensor{inputGrad}
}

// SumDimOp records a reduction along one dimension for autodiff.
// Backward broadcasts the gradient back along the reduced dimension.
type SumDimOp struct {
	input  *tensor.RawTensor
	output *tensor.RawTensor
	dim    int
	scale  float32
}

// NewSumDimOp creates a new SumDim operation. dim must already be
// normalized to a non-negative index.
func NewSumDimOp(input, output *tensor.RawTensor, dim int) *SumDimOp {
	return &SumDimOp{input: input, output: output, dim: dim, scale: 1}
}

// NewMeanDimOp creates a MeanDim operation. It shares the SumDim
// backward with the gradient scaled by 1/dimSize.
func NewMeanDimOp(input, output *tensor.RawTensor, dim int) *SumDimOp {
	dimSize := input.Shape()[dim]
	return &SumDimOp{input: input, output: output, dim: dim, scale: 1 / float32(dimSize)}
}

// Inputs returns the input tensors.
func (op *SumDimOp) Inputs() []*tensor.RawTensor {
	return []*tensor.RawTensor{op.input}
}

// Output returns the output tensor.
func (op *SumDimOp) Output() *tensor.RawTensor {
	return op.output
}

// Backward computes gradients for SumDim and MeanDim.
func (op *SumDimOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	shape := op.input.Shape()

	inputGrad, err := tensor.NewRaw(shape, tensor.Float32, op.input.Device())
	if err != nil {
		panic(fmt.Sprintf("sumdim backward: failed to allocate: %v", err))
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

	// outputGrad is laid out [outer, inner] whether or not keepDim
	// preserved a size-1 dimension.
	gradData := outputGrad.AsFloat32()
	data := inputGrad.AsFloat32()
	for o := 0; o < outer; o++ {
		for k := 0; k < dimSize; k++ {
			base := (o*dimSize + k) * inner
			gradBase := o * inner
			for i := 0; i < inner; i++ {
				data[base+i] = gradData[gradBase+i] * op.scale
			}
		}
	}

	return []*tensor.RawTensor{inputGrad}
}
