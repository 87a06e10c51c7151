package webgpu

import (
	"github.com/kiln-ml/kiln/internal/tensor"
)

// gpuEligible reports whether an element-wise binary op can run on the
// GPU path. Broadcasting and non-float32 dtypes go through the CPU
// fallback instead.
func gpuEligible(a, b *tensor.RawTensor) bool {
	return a.DType() == tensor.Float32 && b.DType() == tensor.Float32 && a.Shape().Equal(b.Shape())
}

// Add performs element-wise addition.
func (b *Backend) Add(a, other *tensor.RawTensor) *tensor.RawTensor {
	if !gpuEligible(a, other) {
		return b.cpu.Add(a, other)
	}
	result, err := b.runBinaryOp(a, other, "add", binaryShaders["add"])
	if err != nil {
		panic("webgpu: Add: " + err.Error())
	}
	return result
}

// Sub performs element-wise subtraction.
func (b *Backend) Sub(a, other *tensor.RawTensor) *tensor.RawTensor {
	if !gpuEligible(a, other) {
		return b.cpu.Sub(a, other)
	}
	result, err := b.runBinaryOp(a, other, "sub", binaryShaders["sub"])
	if err != nil {
		panic("webgpu: Sub: " + err.Error())
	}
	return result
}

// Mul performs element-wise multiplication.
func (b *Backend) Mul(a, other *tensor.RawTensor) *tensor.RawTensor {
	if !gpuEligible(a, other) {
		return b.cpu.Mul(a, other)
	}
	result, err := b.runBinaryOp(a, other, "mul", binaryShaders["mul"])
	if err != nil {
		panic("webgpu: Mul: " + err.Error())
	}
	return result
}

// Div performs element-wise division.
func (b *Backend) Div(a, other *tensor.RawTensor) *tensor.RawTensor {
	if !gpuEligible(a, other) {
		return b.cpu.Div(a, other)
	}
	result, err := b.runBinaryOp(a, other, "div", binaryShaders["div"])
	if err != nil {
		panic("webgpu: Div: " + err.Error())
	}
	return result
}

// MatMul performs 2D matrix multiplication on GPU.
func (b *Backend) MatMul(a, other *tensor.RawTensor) *tensor.RawTensor {
	if a.DType() != tensor.Float32 || len(a.Shape()) != 2 || len(other.Shape()) != 2 {
		return b.cpu.MatMul(a, other)
	}
	result, err := b.runMatMul(a, other)
	if err != nil {
		panic("webgpu: MatMul: " + err.Error())
	}
	return result
}

// ReLU applies max(x, 0) element-wise on GPU.
func (b *Backend) ReLU(x *tensor.RawTensor) *tensor.RawTensor {
	if x.DType() != tensor.Float32 {
		return b.cpu.ReLU(x)
	}
	result, err := b.runUnaryOp(x, "relu", reluShader)
	if err != nil {
		panic("webgpu: ReLU: " + err.Error())
	}
	return result
}

// The remaining operations run on the host. Convolution and pooling
// kernels dominated by memory layout work gain little from naive WGSL
// translations, so they share the CPU backend's parallel
// implementations.

func (b *Backend) Conv2D(input, kernel *tensor.RawTensor, stride, padding int) *tensor.RawTensor {
	return b.cpu.Conv2D(input, kernel, stride, padding)
}

func (b *Backend) Conv2DInputBackward(input, kernel, grad *tensor.RawTensor, stride, padding int) *tensor.RawTensor {
	return b.cpu.Conv2DInputBackward(input, kernel, grad, stride, padding)
}

func (b *Backend) Conv2DKernelBackward(input, kernel, grad *tensor.RawTensor, stride, padding int) *tensor.RawTensor {
	return b.cpu.Conv2DKernelBackward(input, kernel, grad, stride, padding)
}

func (b *Backend) MaxPool2D(input *tensor.RawTensor, kernelSize, stride int) *tensor.RawTensor {
	return b.cpu.MaxPool2D(input, kernelSize, stride)
}

func (b *Backend) MaxPool2DBackward(input, grad *tensor.RawTensor, maxIndices []int32, kernelSize, stride int) *tensor.RawTensor {
	return b.cpu.MaxPool2DBackward(input, grad, maxIndices, kernelSize, stride)
}

func (b *Backend) AvgPool2D(input *tensor.RawTensor, kernelSize, stride int) *tensor.RawTensor {
	return b.cpu.AvgPool2D(input, kernelSize, stride)
}

func (b *Backend) AvgPool2DBackward(input, grad *tensor.RawTensor, kernelSize, stride int) *tensor.RawTensor {
	return b.cpu.AvgPool2DBackward(input, grad, kernelSize, stride)
}

func (b *Backend) Reshape(t *tensor.RawTensor, newShape tensor.Shape) *tensor.RawTensor {
	return b.cpu.Reshape(t, newShape)
}

func (b *Backend) Transpose(t *tensor.RawTensor, axes ...int) *tensor.RawTensor {
	return b.cpu.Transpose(t, axes...)
}

func (b *Backend) MulScalar(x *tensor.RawTensor, scalar float32) *tensor.RawTensor {
	return b.cpu.MulScalar(x, scalar)
}

func (b *Backend) AddScalar(x *tensor.RawTensor, scalar float32) *tensor.RawTensor {
	return b.cpu.AddScalar(x, scalar)
}

func (b *Backend) Exp(x *tensor.RawTensor) *tensor.RawTensor {
	return b.cpu.Exp(x)
}

func (b *Backend) Log(x *tensor.RawTensor) *tensor.RawTensor {
	return b.cpu.Log(x)
}

func (b *Backend) Sqrt(x *tensor.RawTensor) *tensor.RawTensor {
	return b.cpu.Sqrt(x)
}

func (b *Backend) Softmax(x *tensor.RawTensor, dim int) *tensor.RawTensor {
	return b.cpu.Softmax(x, dim)
}

func (b *Backend) Sum(x *tensor.RawTensor) *tensor.RawTensor {
	return b.cpu.Sum(x)
}

func (b *Backend) SumDim(x *tensor.RawTensor, dim int, keepDim bool) *tensor.RawTensor {
	return b.cpu.SumDim(x, dim, keepDim)
}

func (b *Backend) MeanDim(x *tensor.RawTensor, dim int, keepDim bool) *tensor.RawTensor {
	return b.cpu.MeanDim(x, dim, keepDim)
}

func (b *Backend) Argmax(x *tensor.RawTensor, dim int) *tensor.RawTensor {
	return b.cpu.Argmax(x, dim)
}
