package cpu

import (
	"fmt"

	"github.com/kiln-ml/kiln/internal/parallel"
	"github.com/kiln-ml/kiln/internal/tensor"
)

// Conv2D performs 2D convolution using the im2col algorithm.
//
// Input shape: [batch, in_channels, height, width]
// Kernel shape: [out_channels, in_channels, kernel_h, kernel_w]
// Output shape: [batch, out_channels, out_h, out_w]
//
// Algorithm: Im2col
//  1. Transform input patches into columns (im2col)
//  2. Reshape kernel into matrix
//  3. Perform matrix multiplication
//  4. Reshape output to [N, C_out, H_out, W_out]
//
// Im2col converts convolution to matmul with cache-friendly memory access.
//
// Reference: "High Performance Convolutional Neural Networks for Document Processing"
// (Chellapilla et al., 2006).
func (cpu *CPUBackend) Conv2D(input, kernel *tensor.RawTensor, stride, padding int) *tensor.RawTensor {
	inputShape := input.Shape()
	kernelShape := kernel.Shape()

	if len(inputShape) != 4 {
		panic(fmt.Sprintf("conv2d: input must be 4D [N,C,H,W], got %dD", len(inputShape)))
	}
	if len(kernelShape) != 4 {
		panic(fmt.Sprintf("conv2d: kernel must be 4D [C_out,C_in,K_h,K_w], got %dD", len(kernelShape)))
	}

	N := inputShape[0]
	CIn := inputShape[1]
	H := inputShape[2]
	W := inputShape[3]
	COut := kernelShape[0]
	CInK := kernelShape[1]
	KH := kernelShape[2]
	KW := kernelShape[3]

	if CIn != CInK {
		panic(fmt.Sprintf("conv2d: input channels %d != kernel channels %d", CIn, CInK))
	}

	HOut := (H+2*padding-KH)/stride + 1
	WOut := (W+2*padding-KW)/stride + 1

	if HOut <= 0 || WOut <= 0 {
		panic(fmt.Sprintf("conv2d: invalid output dimensions: out_h=%d, out_w=%d (check stride/padding)", HOut, WOut))
	}

	output, err := tensor.NewRaw(tensor.Shape{N, COut, HOut, WOut}, input.DType(), cpu.device)
	if err != nil {
		panic(fmt.Sprintf("conv2d: failed to create output tensor: %v", err))
	}

	switch input.DType() {
	case tensor.Float32:
		cpu.conv2dFloat32(output, input, kernel, N, CIn, H, W, COut, KH, KW, HOut, WOut, stride, padding)
	default:
		panic(fmt.Sprintf("conv2d: unsupported dtype %s", input.DType()))
	}

	return output
}

// conv2dFloat32 performs Conv2D for float32 using im2col, one batch sample at a time.
//
// Per sample:
//  1. Im2col: [C, H, W] -> [H_out * W_out, C * K_h * K_w]
//  2. Kernel is already [C_out, C * K_h * K_w] in row-major layout
//  3. output[c_out, p] = sum_k kernel[c_out, k] * col[p, k]
func (cpu *CPUBackend) conv2dFloat32(output, input, kernel *tensor.RawTensor, N, CIn, H, W, COut, KH, KW, HOut, WOut, stride, padding int) {
	inputData := input.AsFloat32()
	kernelData := kernel.AsFloat32()
	outputData := output.AsFloat32()

	colWidth := CIn * KH * KW
	colHeight := HOut * WOut

	cfg := cpu.parallel
	cfg.MinChunkSize = 1 // One sample per work item.

	parallel.For(N, func(n int) {
		colBuf := make([]float32, colHeight*colWidth)
		sample := inputData[n*CIn*H*W : (n+1)*CIn*H*W]
		im2colFloat32(colBuf, sample, CIn, H, W, KH, KW, HOut, WOut, stride, padding)

		outSample := outputData[n*COut*colHeight : (n+1)*COut*colHeight]
		for c := 0; c < COut; c++ {
			kernelRow := kernelData[c*colWidth : (c+1)*colWidth]
			outChannel := outSample[c*colHeight : (c+1)*colHeight]
			for p := 0; p < colHeight; p++ {
				col := colBuf[p*colWidth : (p+1)*colWidth]
				sum := float32(0)
				for k, kv := range kernelRow {
					sum += kv * col[k]
				}
				outChannel[p] = sum
			}
		}
	}, cfg)
}

// im2colFloat32 transforms one input sample into a column matrix.
//
// Input: [C, H, W]
// Output: colBuf [H_out * W_out, C * K_h * K_w]
//
// Each row of colBuf corresponds to one output position, each column to
// one kernel weight. Out-of-bounds positions are zero (padding).
func im2colFloat32(colBuf, inputData []float32, C, H, W, KH, KW, HOut, WOut, stride, padding int) {
	colWidth := C * KH * KW
	colIdx := 0

	for outH := 0; outH < HOut; outH++ {
		for outW := 0; outW < WOut; outW++ {
			hStart := outH*stride - padding
			wStart := outW*stride - padding

			bufIdx := colIdx * colWidth

			for c := 0; c < C; c++ {
				for kh := 0; kh < KH; kh++ {
					for kw := 0; kw < KW; kw++ {
						h := hStart + kh
						w := wStart + kw

						if h >= 0 && h < H && w >= 0 && w < W {
							colBuf[bufIdx] = inputData[c*H*W+h*W+w]
						} else {
							colBuf[bufIdx] = 0.0
						}
						bufIdx++
					}
				}
			}

			colIdx++
		}
	}
}
