// Copyright 2026 Kiln ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package vision provides image classification model architectures.
package vision

import (
	"math/rand"

	"github.com/kiln-ml/kiln/internal/tensor"
	"github.com/kiln-ml/kiln/internal/vision"
)

// BasicBlock is the two-convolution residual block used by ResNet.
type BasicBlock[B tensor.Backend] = vision.BasicBlock[B]

// ResNet is the CIFAR-style residual network with three stages of
// 16/32/64 channels and a linear head.
type ResNet[B tensor.Backend] = vision.ResNet[B]

// NewResNet creates a ResNet of the given depth. Depth must be 6n+2
// (20, 32, 56, ...).
func NewResNet[B tensor.Backend](depth, inChannels, numClasses int, rng *rand.Rand, backend B) *ResNet[B] {
	return vision.NewResNet(depth, inChannels, numClasses, rng, backend)
}

// NewResNet20 creates a 20-layer ResNet.
func NewResNet20[B tensor.Backend](inChannels, numClasses int, rng *rand.Rand, backend B) *ResNet[B] {
	return vision.NewResNet20(inChannels, numClasses, rng, backend)
}

// NewResNet32 creates a 32-layer ResNet.
func NewResNet32[B tensor.Backend](inChannels, numClasses int, rng *rand.Rand, backend B) *ResNet[B] {
	return vision.NewResNet32(inChannels, numClasses, rng, backend)
}

// NewResNet56 creates a 56-layer ResNet.
func NewResNet56[B tensor.Backend](inChannels, numClasses int, rng *rand.Rand, backend B) *ResNet[B] {
	return vision.NewResNet56(inChannels, numClasses, rng, backend)
}
