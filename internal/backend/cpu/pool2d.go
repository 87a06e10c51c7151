package cpu

import (
	"fmt"

	"github.com/kiln-ml/kiln/internal/tensor"
)

// MaxPool2D performs 2D max pooling.
//
// Max pooling reduces spatial dimensions by taking the maximum value
// in each pooling window. It has no learnable parameters.
//
// Input shape:  [batch, channels, height, width]
// Output shape: [batch, channels, out_height, out_width]
//
// Where:
//
//	out_height = (height - kernelSize) / stride + 1
//	out_width = (width - kernelSize) / stride + 1
func (cpu *CPUBackend) MaxPool2D(input *tensor.RawTensor, kernelSize, stride int) *tensor.RawTensor {
	N, C, H, W, HOut, WOut := poolDims(input, kernelSize, stride, "maxpool2d")

	output, err := tensor.NewRaw(tensor.Shape{N, C, HOut, WOut}, input.DType(), cpu.Device())
	if err != nil {
		panic(fmt.Sprintf("maxpool2d: failed to create output: %v", err))
	}

	switch input.DType() {
	case tensor.Float32:
		maxpool2dFloat32(output, input, N, C, H, W, HOut, WOut, kernelSize, stride)
	default:
		panic(fmt.Sprintf("maxpool2d: unsupported dtype %v", input.DType()))
	}

	return output
}

// poolDims validates a 4D pooling input and computes output dimensions.
func poolDims(input *tensor.RawTensor, kernelSize, stride int, op string) (n, c, h, w, hOut, wOut int) {
	inputShape := input.Shape()
	if len(inputShape) != 4 {
		panic(fmt.Sprintf("%s: expected 4D input [N,C,H,W], got %dD", op, len(inputShape)))
	}

	n = inputShape[0]
	c = inputShape[1]
	h = inputShape[2]
	w = inputShape[3]

	if kernelSize <= 0 {
		panic(fmt.Sprintf("%s: invalid kernel size %d", op, kernelSize))
	}
	if stride <= 0 {
		panic(fmt.Sprintf("%s: invalid stride %d", op, stride))
	}
	if kernelSize > h || kernelSize > w {
		panic(fmt.Sprintf("%s: kernel size %d too large for input %dx%d", op, kernelSize, h, w))
	}

	hOut = (h-kernelSize)/stride + 1
	wOut = (w-kernelSize)/stride + 1

	if hOut <= 0 || wOut <= 0 {
		panic(fmt.Sprintf("%s: invalid output dimensions %dx%d (kernel=%d, stride=%d, input=%dx%d)",
			op, hOut, wOut, kernelSize, stride, h, w))
	}
	return n, c, h, w, hOut, wOut
}

func maxpool2dFloat32(output, input *tensor.RawTensor, N, C, H, W, HOut, WOut, kernelSize, stride int) {
	inputData := input.AsFloat32()
	outputData := output.AsFloat32()

	for n := 0; n < N; n++ {
		for c := 0; c < C; c++ {
			// Pre-slice channel plane: eliminates (n*C+c)*H*W bounds check
			channelOffset := (n*C + c) * H * W
			channelData := inputData[channelOffset : channelOffset+H*W]

			for outH := 0; outH < HOut; outH++ {
				hStart := outH * stride

				for outW := 0; outW < WOut; outW++ {
					wStart := outW * stride

					maxVal := float32(-1e38) // Negative infinity approximation

					for kh := 0; kh < kernelSize; kh++ {
						rowStart := (hStart + kh) * W
						rowData := channelData[rowStart : rowStart+W]

						for kw := 0; kw < kernelSize; kw++ {
							val := rowData[wStart+kw]
							if val > maxVal {
								maxVal = val
							}
						}
					}

					outputIdx := ((n*C+c)*HOut+outH)*WOut + outW
					outputData[outputIdx] = maxVal
				}
			}
		}
	}
}

// MaxPool2DBackward computes gradient w.r.t. input for MaxPool2D.
//
// Gradients flow only to positions that had the max value in the forward
// pass. maxIndices holds, per output position, the flat index into the
// input where the max was found.
func (cpu *CPUBackend) MaxPool2DBackward(input, grad *tensor.RawTensor, maxIndices []int32, kernelSize, stride int) *tensor.RawTensor {
	inputShape := input.Shape()
	gradShape := grad.Shape()

	N := inputShape[0]
	C := inputShape[1]
	HOut := gradShape[2]
	WOut := gradShape[3]

	inputGrad, err := tensor.NewRaw(inputShape, grad.DType(), cpu.device)
	if err != nil {
		panic(fmt.Sprintf("MaxPool2DBackward: failed to create gradient tensor: %v", err))
	}

	expectedLen := N * C * HOut * WOut
	if len(maxIndices) != expectedLen {
		panic(fmt.Sprintf("MaxPool2DBackward: maxIndices length %d != expected %d", len(maxIndices), expectedLen))
	}

	switch grad.DType() {
	case tensor.Float32:
		inputGradData := inputGrad.AsFloat32()
		gradData := grad.AsFloat32()

		for i := range inputGradData {
			inputGradData[i] = 0.0
		}

		// Route gradients to the max positions recorded during forward.
		for outIdx, maxPos := range maxIndices {
			inputGradData[maxPos] += gradData[outIdx]
		}
	default:
		panic("MaxPool2DBackward: unsupported dtype")
	}

	return inputGrad
}

// AvgPool2D performs 2D average pooling.
//
// Each output value is the mean over a kernelSize x kernelSize window.
// With kernelSize equal to the spatial size this is global average pooling.
func (cpu *CPUBackend) AvgPool2D(input *tensor.RawTensor, kernelSize, stride int) *tensor.RawTensor {
	N, C, H, W, HOut, WOut := poolDims(input, kernelSize, stride, "avgpool2d")

	output, err := tensor.NewRaw(tensor.Shape{N, C, HOut, WOut}, input.DType(), cpu.Device())
	if err != nil {
		panic(fmt.Sprintf("avgpool2d: failed to create output: %v", err))
	}

	switch input.DType() {
	case tensor.Float32:
		avgpool2dFloat32(output, input, N, C, H, W, HOut, WOut, kernelSize, stride)
	default:
		panic(fmt.Sprintf("avgpool2d: unsupported dtype %v", input.DType()))
	}

	return output
}

func avgpool2dFloat32(output, input *tensor.RawTensor, N, C, H, W, HOut, WOut, kernelSize, stride int) {
	inputData := input.AsFloat32()
	outputData := output.AsFloat32()
	windowSize := float32(kernelSize * kernelSize)

	for n := 0; n < N; n++ {
		for c := 0; c < C; c++ {
			channelOffset := (n*C + c) * H * W
			channelData := inputData[channelOffset : channelOffset+H*W]

			for outH := 0; outH < HOut; outH++ {
				hStart := outH * stride

				for outW := 0; outW < WOut; outW++ {
					wStart := outW * stride

					sum := float32(0)
					for kh := 0; kh < kernelSize; kh++ {
						rowStart := (hStart + kh) * W
						rowData := channelData[rowStart : rowStart+W]

						for kw := 0; kw < kernelSize; kw++ {
							sum += rowData[wStart+kw]
						}
					}

					outputIdx := ((n*C+c)*HOut+outH)*WOut + outW
					outputData[outputIdx] = sum / windowSize
				}
			}
		}
	}
}

// AvgPool2DBackward computes gradient w.r.t. input for AvgPool2D.
//
// Each input position in a window receives grad / (kernelSize * kernelSize).
func (cpu *CPUBackend) AvgPool2DBackward(input, grad *tensor.RawTensor, kernelSize, stride int) *tensor.RawTensor {
	inputShape := input.Shape()
	gradShape := grad.Shape()

	N := inputShape[0]
	C := inputShape[1]
	H := inputShape[2]
	W := inputShape[3]
	HOut := gradShape[2]
	WOut := gradShape[3]

	inputGrad, err := tensor.NewRaw(inputShape, grad.DType(), cpu.device)
	if err != nil {
		panic(fmt.Sprintf("AvgPool2DBackward: failed to create gradient tensor: %v", err))
	}

	switch grad.DType() {
	case tensor.Float32:
		inputGradData := inputGrad.AsFloat32()
		gradData := grad.AsFloat32()
		scale := 1.0 / float32(kernelSize*kernelSize)

		for i := range inputGradData {
			inputGradData[i] = 0.0
		}

		for n := 0; n < N; n++ {
			for c := 0; c < C; c++ {
				channelOffset := (n*C + c) * H * W
				channelGrad := inputGradData[channelOffset : channelOffset+H*W]

				for outH := 0; outH < HOut; outH++ {
					hStart := outH * stride

					for outW := 0; outW < WOut; outW++ {
						wStart := outW * stride

						gradIdx := ((n*C+c)*HOut+outH)*WOut + outW
						spread := gradData[gradIdx] * scale

						for kh := 0; kh < kernelSize; kh++ {
							rowStart := (hStart + kh) * W
							for kw := 0; kw < kernelSize; kw++ {
								channelGrad[rowStart+wStart+kw] += spread
							}
						}
					}
				}
			}
		}
	default:
		panic("AvgPool2DBackward: unsupported dtype")
	}

	return inputGrad
}
