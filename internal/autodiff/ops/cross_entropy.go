package ops

import (
	"fmt"
	"math"

	"github.com/kiln-ml/kiln/internal/tensor"
)

// CrossEntropyOp records a fused softmax + cross-entropy loss for
// autodiff.
//
// Forward: loss = -mean(log(softmax(logits)[i, target[i]]))
//
// Backward uses the fused gradient (softmax - onehot) / batch, scaled
// by the incoming scalar gradient. The softmax probabilities are saved
// from the forward pass so backward is a single elementwise sweep.
type CrossEntropyOp struct {
	logits  *tensor.RawTensor
	targets *tensor.RawTensor
	output  *tensor.RawTensor
	probs   *tensor.RawTensor
}

// NewCrossEntropyOp creates a new CrossEntropy operation. probs must be
// the softmax of logits computed during the forward pass.
func NewCrossEntropyOp(logits, targets, output, probs *tensor.RawTensor) *CrossEntropyOp {
	return &CrossEntropyOp{
		logits:  logits,
		targets: targets,
		output:  output,
		probs:   probs,
	}
}

// Inputs returns the input tensors. Only the logits receive a
// gradient; targets are class indices and are not differentiable.
func (op *CrossEntropyOp) Inputs() []*tensor.RawTensor {
	return []*tensor.RawTensor{op.logits}
}

// Output returns the output tensor.
func (op *CrossEntropyOp) Output() *tensor.RawTensor {
	return op.output
}

// Backward computes gradients for CrossEntropy.
func (op *CrossEntropyOp) Backward(outputGrad *tensor.RawTensor, backend tensor.Backend) []*tensor.RawTensor {
	shape := op.logits.Shape()
	batch, numClasses := shape[0], shape[1]

	gradScale := outputGrad.AsFloat32()[0]

	logitsGrad, err := tensor.NewRaw(shape, tensor.Float32, op.logits.Device())
	if err != nil {
		panic(fmt.Sprintf("cross entropy backward: failed to allocate: %v", err))
	}

	probsData := op.probs.AsFloat32()
	targetsData := op.targets.AsInt32()
	gradData := logitsGrad.AsFloat32()

	scale := gradScale / float32(batch)
	for i := 0; i < batch; i++ {
		target := int(targetsData[i])
		rowOffset := i * numClasses
		for j := 0; j < numClasses; j++ {
			p := probsData[rowOffset+j]
			if j == target {
				gradData[rowOffset+j] = (p - 1) * scale
			} else {
				gradData[rowOffset+j] = p * scale
			}
		}
	}

	return []*tensor.RawTensor{logitsGrad}
}

// CrossEntropyForward computes the fused softmax cross-entropy loss.
// logits must be [batch, numClasses] float32 and targets [batch] int32
// class indices. It returns the scalar loss in a [1] tensor and the
// softmax probabilities for reuse in backward.
func CrossEntropyForward(logits, targets *tensor.RawTensor, backend tensor.Backend) (*tensor.RawTensor, *tensor.RawTensor) {
	shape := logits.Shape()
	if len(shape) != 2 {
		panic(fmt.Sprintf("cross entropy: logits must be 2D, got shape %v", shape))
	}
	if logits.DType() != tensor.Float32 {
		panic(fmt.Sprintf("cross entropy: unsupported logits dtype %v", logits.DType()))
	}
	if targets.DType() != tensor.Int32 {
		panic(fmt.Sprintf("cross entropy: targets must be int32, got %v", targets.DType()))
	}
	batch, numClasses := shape[0], shape[1]
	if targets.NumElements() != batch {
		panic(fmt.Sprintf("cross entropy: %d targets for batch of %d", targets.NumElements(), batch))
	}

	probs := backend.Softmax(logits, 1)

	output, err := tensor.NewRaw(tensor.Shape{1}, tensor.Float32, logits.Device())
	if err != nil {
		panic(fmt.Sprintf("cross entropy: failed to allocate: %v", err))
	}

	probsData := probs.AsFloat32()
	targetsData := targets.AsInt32()

	var totalLoss float64
	for i := 0; i < batch; i++ {
		target := int(targetsData[i])
		if target < 0 || target >= numClasses {
			panic(fmt.Sprintf("cross entropy: target %d out of range [0, %d)", target, numClasses))
		}
		p := probsData[i*numClasses+target]
		// Clamp to avoid log(0) on a fully confident wrong prediction.
		if p < 1e-12 {
			p = 1e-12
		}
		totalLoss -= math.Log(float64(p))
	}

	output.AsFloat32()[0] = float32(totalLoss / float64(batch))
	return output, probs
}
