package nn

import (
	"fmt"

	"github.com/kiln-ml/kiln/internal/tensor"
)

// MaxPool2D downsamples by taking the maximum over square windows.
// It has no trainable parameters.
//
// Input [batch, channels, H, W], output [batch, channels, outH, outW]
// with outH = (H - kernelSize)/stride + 1.
type MaxPool2D[B tensor.Backend] struct {
	kernelSize int
	stride     int
	backend    B
}

// NewMaxPool2D creates a max pooling layer. kernelSize == stride gives
// the usual non-overlapping pooling.
func NewMaxPool2D[B tensor.Backend](kernelSize, stride int, backend B) *MaxPool2D[B] {
	if kernelSize <= 0 {
		panic(fmt.Sprintf("maxpool2d: invalid kernel size %d", kernelSize))
	}
	if stride <= 0 {
		panic(fmt.Sprintf("maxpool2d: invalid stride %d", stride))
	}
	return &MaxPool2D[B]{kernelSize: kernelSize, stride: stride, backend: backend}
}

// Forward applies max pooling.
func (p *MaxPool2D[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	if len(input.Shape()) != 4 {
		panic(fmt.Sprintf("maxpool2d: expected 4D input [N,C,H,W], got %dD", len(input.Shape())))
	}
	resultRaw := p.backend.MaxPool2D(input.Raw(), p.kernelSize, p.stride)
	return tensor.New[float32, B](resultRaw, p.backend)
}

// Parameters returns nil; pooling is stateless.
func (p *MaxPool2D[B]) Parameters() []*Parameter[B] {
	return nil
}

// StateDict returns an empty map.
func (p *MaxPool2D[B]) StateDict() map[string]*tensor.RawTensor {
	return map[string]*tensor.RawTensor{}
}

// LoadStateDict is a no-op.
func (p *MaxPool2D[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	return nil
}

// AvgPool2D downsamples by averaging over square windows. With
// kernelSize equal to the spatial extent it acts as global average
// pooling, the usual classifier head reduction.
type AvgPool2D[B tensor.Backend] struct {
	kernelSize int
	stride     int
	backend    B
}

// NewAvgPool2D creates an average pooling layer.
func NewAvgPool2D[B tensor.Backend](kernelSize, stride int, backend B) *AvgPool2D[B] {
	if kernelSize <= 0 {
		panic(fmt.Sprintf("avgpool2d: invalid kernel size %d", kernelSize))
	}
	if stride <= 0 {
		panic(fmt.Sprintf("avgpool2d: invalid stride %d", stride))
	}
	return &AvgPool2D[B]{kernelSize: kernelSize, stride: stride, backend: backend}
}

// Forward applies average pooling.
func (p *AvgPool2D[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	if len(input.Shape()) != 4 {
		panic(fmt.Sprintf("avgpool2d: expected 4D input [N,C,H,W], got %dD", len(input.Shape())))
	}
	resultRaw := p.backend.AvgPool2D(input.Raw(), p.kernelSize, p.stride)
	return tensor.New[float32, B](resultRaw, p.backend)
}

// Parameters returns nil; pooling is stateless.
func (p *AvgPool2D[B]) Parameters() []*Parameter[B] {
	return nil
}

// StateDict returns an empty map.
func (p *AvgPool2D[B]) StateDict() map[string]*tensor.RawTensor {
	return map[string]*tensor.RawTensor{}
}

// LoadStateDict is a no-op.
func (p *AvgPool2D[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	return nil
}

// Flatten reshapes [batch, ...] input to [batch, features], the bridge
// between convolutional features and a Linear head.
type Flatten[B tensor.Backend] struct{}

// NewFlatten creates a Flatten module.
func NewFlatten[B tensor.Backend]() *Flatten[B] {
	return &Flatten[B]{}
}

// Forward flattens all dimensions after the batch dimension.
func (f *Flatten[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	shape := input.Shape()
	if len(shape) < 2 {
		panic(fmt.Sprintf("flatten: expected at least 2D input, got shape %v", shape))
	}
	features := 1
	for _, dim := range shape[1:] {
		features *= dim
	}
	return input.Reshape(shape[0], features)
}

// Parameters returns nil; Flatten is stateless.
func (f *Flatten[B]) Parameters() []*Parameter[B] {
	return nil
}

// StateDict returns an empty map.
func (f *Flatten[B]) StateDict() map[string]*tensor.RawTensor {
	return map[string]*tensor.RawTensor{}
}

// LoadStateDict is a no-op.
func (f *Flatten[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	return nil
}
