// Package vision implements image classification architectures, at
// present the CIFAR-style residual networks (ResNet-20/32/56).
package vision

import (
	"fmt"
	"math/rand"

	"github.com/kiln-ml/kiln/internal/nn"
	"github.com/kiln-ml/kiln/internal/tensor"
)

// BasicBlock is the two-convolution residual block:
//
//	out = relu(bn2(conv2(relu(bn1(conv1(x))))) + shortcut(x))
//
// The shortcut is identity when shape is preserved and a strided 1x1
// projection with its own batch norm otherwise.
type BasicBlock[B tensor.Backend] struct {
	conv1 *nn.Conv2D[B]
	bn1   *nn.BatchNorm2D[B]
	conv2 *nn.Conv2D[B]
	bn2   *nn.BatchNorm2D[B]
	relu  *nn.ReLU[B]

	// projection shortcut, nil for identity
	shortcutConv *nn.Conv2D[B]
	shortcutBN   *nn.BatchNorm2D[B]
}

// NewBasicBlock creates a residual block mapping inChannels to
// outChannels with the given stride on the first convolution.
func NewBasicBlock[B tensor.Backend](inChannels, outChannels, stride int, rng *rand.Rand, backend B) *BasicBlock[B] {
	block := &BasicBlock[B]{
		conv1: nn.NewConv2D(inChannels, outChannels, 3, stride, 1, false, rng, backend),
		bn1:   nn.NewBatchNorm2D(outChannels, backend),
		conv2: nn.NewConv2D(outChannels, outChannels, 3, 1, 1, false, rng, backend),
		bn2:   nn.NewBatchNorm2D(outChannels, backend),
		relu:  nn.NewReLU[B](),
	}

	if stride != 1 || inChannels != outChannels {
		block.shortcutConv = nn.NewConv2D(inChannels, outChannels, 1, stride, 0, false, rng, backend)
		block.shortcutBN = nn.NewBatchNorm2D(outChannels, backend)
	}

	return block
}

// Forward applies the block.
func (b *BasicBlock[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	out := b.relu.Forward(b.bn1.Forward(b.conv1.Forward(input)))
	out = b.bn2.Forward(b.conv2.Forward(out))

	identity := input
	if b.shortcutConv != nil {
		identity = b.shortcutBN.Forward(b.shortcutConv.Forward(input))
	}

	return b.relu.Forward(out.Add(identity))
}

// Parameters returns the block's trainable parameters.
func (b *BasicBlock[B]) Parameters() []*nn.Parameter[B] {
	params := append(b.conv1.Parameters(), b.bn1.Parameters()...)
	params = append(params, b.conv2.Parameters()...)
	params = append(params, b.bn2.Parameters()...)
	if b.shortcutConv != nil {
		params = append(params, b.shortcutConv.Parameters()...)
		params = append(params, b.shortcutBN.Parameters()...)
	}
	return params
}

// SetTraining switches the block's batch norms between modes.
func (b *BasicBlock[B]) SetTraining(training bool) {
	b.bn1.SetTraining(training)
	b.bn2.SetTraining(training)
	if b.shortcutBN != nil {
		b.shortcutBN.SetTraining(training)
	}
}

func (b *BasicBlock[B]) submodules() map[string]nn.Module[B] {
	mods := map[string]nn.Module[B]{
		"conv1": b.conv1,
		"bn1":   b.bn1,
		"conv2": b.conv2,
		"bn2":   b.bn2,
	}
	if b.shortcutConv != nil {
		mods["shortcut.conv"] = b.shortcutConv
		mods["shortcut.bn"] = b.shortcutBN
	}
	return mods
}

// StateDict returns the block state with dotted submodule prefixes.
func (b *BasicBlock[B]) StateDict() map[string]*tensor.RawTensor {
	return collectStateDict(b.submodules())
}

// LoadStateDict restores the block state.
func (b *BasicBlock[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	return distributeStateDict(b.submodules(), stateDict)
}

// ResNet is the CIFAR-style residual classifier: a 3x3 stem into
// three stages of basic blocks at 16, 32 and 64 channels, global
// average pooling, and a linear head. Depth 6n+2 gives n blocks per
// stage (20, 32 and 56 are the classic depths).
type ResNet[B tensor.Backend] struct {
	depth      int
	numClasses int

	stemConv *nn.Conv2D[B]
	stemBN   *nn.BatchNorm2D[B]
	relu     *nn.ReLU[B]
	stages   [3][]*BasicBlock[B]
	flatten  *nn.Flatten[B]
	head     *nn.Linear[B]

	backend B
}

var resnetStageChannels = [3]int{16, 32, 64}

// NewResNet builds a residual network of the given depth (6n+2) for
// inChannels-channel images and numClasses output classes.
func NewResNet[B tensor.Backend](depth, inChannels, numClasses int, rng *rand.Rand, backend B) *ResNet[B] {
	if (depth-2)%6 != 0 || depth < 8 {
		panic(fmt.Sprintf("resnet: depth must be 6n+2, got %d", depth))
	}
	blocksPerStage := (depth - 2) / 6

	r := &ResNet[B]{
		depth:      depth,
		numClasses: numClasses,
		stemConv:   nn.NewConv2D(inChannels, resnetStageChannels[0], 3, 1, 1, false, rng, backend),
		stemBN:     nn.NewBatchNorm2D(resnetStageChannels[0], backend),
		relu:       nn.NewReLU[B](),
		flatten:    nn.NewFlatten[B](),
		head:       nn.NewLinear(resnetStageChannels[2], numClasses, rng, backend),
		backend:    backend,
	}

	in := resnetStageChannels[0]
	for stage := 0; stage < 3; stage++ {
		out := resnetStageChannels[stage]
		stride := 1
		if stage > 0 {
			stride = 2
		}
		blocks := make([]*BasicBlock[B], blocksPerStage)
		for i := range blocks {
			s := 1
			if i == 0 {
				s = stride
			}
			blocks[i] = NewBasicBlock(in, out, s, rng, backend)
			in = out
		}
		r.stages[stage] = blocks
	}

	return r
}

// NewResNet20 builds the 20-layer variant.
func NewResNet20[B tensor.Backend](inChannels, numClasses int, rng *rand.Rand, backend B) *ResNet[B] {
	return NewResNet(20, inChannels, numClasses, rng, backend)
}

// NewResNet32 builds the 32-layer variant.
func NewResNet32[B tensor.Backend](inChannels, numClasses int, rng *rand.Rand, backend B) *ResNet[B] {
	return NewResNet(32, inChannels, numClasses, rng, backend)
}

// NewResNet56 builds the 56-layer variant.
func NewResNet56[B tensor.Backend](inChannels, numClasses int, rng *rand.Rand, backend B) *ResNet[B] {
	return NewResNet(56, inChannels, numClasses, rng, backend)
}

// Depth returns the network depth.
func (r *ResNet[B]) Depth() int {
	return r.depth
}

// NumClasses returns the classifier output width.
func (r *ResNet[B]) NumClasses() int {
	return r.numClasses
}

// Forward computes class logits [batch, numClasses].
func (r *ResNet[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	out := r.relu.Forward(r.stemBN.Forward(r.stemConv.Forward(input)))

	for _, stage := range r.stages {
		for _, block := range stage {
			out = block.Forward(out)
		}
	}

	// Global average pooling over whatever spatial extent remains, so
	// the same network accepts 28x28 and 32x32 inputs.
	shape := out.Shape()
	if shape[2] != shape[3] {
		panic(fmt.Sprintf("resnet: non-square feature map %v", shape))
	}
	pooledRaw := r.backend.AvgPool2D(out.Raw(), shape[2], shape[2])
	pooled := tensor.New[float32, B](pooledRaw, r.backend)

	return r.head.Forward(r.flatten.Forward(pooled))
}

// Parameters returns every trainable parameter of the network.
func (r *ResNet[B]) Parameters() []*nn.Parameter[B] {
	params := append(r.stemConv.Parameters(), r.stemBN.Parameters()...)
	for _, stage := range r.stages {
		for _, block := range stage {
			params = append(params, block.Parameters()...)
		}
	}
	return append(params, r.head.Parameters()...)
}

// SetTraining switches every batch norm between modes.
func (r *ResNet[B]) SetTraining(training bool) {
	r.stemBN.SetTraining(training)
	for _, stage := range r.stages {
		for _, block := range stage {
			block.SetTraining(training)
		}
	}
}

func (r *ResNet[B]) submodules() map[string]nn.Module[B] {
	mods := map[string]nn.Module[B]{
		"stem.conv": r.stemConv,
		"stem.bn":   r.stemBN,
		"head":      r.head,
	}
	for stage, blocks := range r.stages {
		for i, block := range blocks {
			mods[fmt.Sprintf("stage%d.%d", stage+1, i)] = block
		}
	}
	return mods
}

// StateDict returns the full network state with dotted prefixes.
func (r *ResNet[B]) StateDict() map[string]*tensor.RawTensor {
	return collectStateDict(r.submodules())
}

// LoadStateDict restores the full network state.
func (r *ResNet[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	return distributeStateDict(r.submodules(), stateDict)
}
