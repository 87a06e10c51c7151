package nn

import (
	"fmt"
	"math"

	"github.com/kiln-ml/kiln/internal/tensor"
)

// CrossEntropyBackend is the capability interface for backends with a
// fused, differentiable softmax cross-entropy.
type CrossEntropyBackend interface {
	CrossEntropy(logits, targets *tensor.RawTensor) *tensor.RawTensor
}

// CrossEntropyLoss computes the mean softmax cross-entropy between
// logits [batch, numClasses] and int32 class targets [batch].
//
// When the backend implements CrossEntropyBackend the fused kernel is
// used and the loss participates in autodiff; otherwise the loss is
// computed directly for forward-only use.
type CrossEntropyLoss[B tensor.Backend] struct {
	backend B
}

// NewCrossEntropyLoss creates a cross-entropy loss.
func NewCrossEntropyLoss[B tensor.Backend](backend B) *CrossEntropyLoss[B] {
	return &CrossEntropyLoss[B]{backend: backend}
}

// Forward computes the scalar loss in a [1] tensor.
func (c *CrossEntropyLoss[B]) Forward(logits *tensor.Tensor[float32, B], targets *tensor.Tensor[int32, B]) *tensor.Tensor[float32, B] {
	logitsShape := logits.Shape()
	if len(logitsShape) != 2 {
		panic(fmt.Sprintf("cross entropy: expected 2D logits [batch, classes], got shape %v", logitsShape))
	}
	if targets.NumElements() != logitsShape[0] {
		panic(fmt.Sprintf("cross entropy: %d targets for batch of %d", targets.NumElements(), logitsShape[0]))
	}

	if ceBackend, ok := any(c.backend).(CrossEntropyBackend); ok {
		resultRaw := ceBackend.CrossEntropy(logits.Raw(), targets.Raw())
		return tensor.New[float32, B](resultRaw, c.backend)
	}

	return c.forwardPlain(logits, targets)
}

// forwardPlain computes the loss with the log-sum-exp trick, without
// gradient tracking.
func (c *CrossEntropyLoss[B]) forwardPlain(logits *tensor.Tensor[float32, B], targets *tensor.Tensor[int32, B]) *tensor.Tensor[float32, B] {
	shape := logits.Shape()
	batch, numClasses := shape[0], shape[1]

	logitsData := logits.Raw().AsFloat32()
	targetsData := targets.Raw().AsInt32()

	var totalLoss float64
	for i := 0; i < batch; i++ {
		row := logitsData[i*numClasses : (i+1)*numClasses]

		maxLogit := row[0]
		for _, v := range row[1:] {
			if v > maxLogit {
				maxLogit = v
			}
		}

		var sumExp float64
		for _, v := range row {
			sumExp += math.Exp(float64(v - maxLogit))
		}

		target := int(targetsData[i])
		if target < 0 || target >= numClasses {
			panic(fmt.Sprintf("cross entropy: target %d out of range [0, %d)", target, numClasses))
		}
		totalLoss += math.Log(sumExp) - float64(row[target]-maxLogit)
	}

	result, err := tensor.NewRaw(tensor.Shape{1}, tensor.Float32, c.backend.Device())
	if err != nil {
		panic(err)
	}
	result.AsFloat32()[0] = float32(totalLoss / float64(batch))
	return tensor.New[float32, B](result, c.backend)
}

// Accuracy returns the fraction of rows whose argmax over logits
// matches the target class.
func Accuracy[B tensor.Backend](logits *tensor.Tensor[float32, B], targets *tensor.Tensor[int32, B]) float32 {
	shape := logits.Shape()
	if len(shape) != 2 {
		panic(fmt.Sprintf("accuracy: expected 2D logits [batch, classes], got shape %v", shape))
	}
	batch, numClasses := shape[0], shape[1]
	if targets.NumElements() != batch {
		panic(fmt.Sprintf("accuracy: %d targets for batch of %d", targets.NumElements(), batch))
	}
	if batch == 0 {
		return 0
	}

	logitsData := logits.Raw().AsFloat32()
	targetsData := targets.Raw().AsInt32()

	correct := 0
	for i := 0; i < batch; i++ {
		row := logitsData[i*numClasses : (i+1)*numClasses]
		best := 0
		for j := 1; j < numClasses; j++ {
			if row[j] > row[best] {
				best = j
			}
		}
		if int32(best) == targetsData[i] {
			correct++
		}
	}

	return float32(correct) / float32(batch)
}
