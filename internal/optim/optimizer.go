// Package optim implements gradient-based optimizers.
//
// Optimizers consume the gradient map produced by a tape backward pass
// and update parameters in place:
//
//	grads := autodiff.Backward(loss, backend)
//	optimizer.Step(grads)
//	optimizer.ZeroGrad()
package optim

import (
	"github.com/kiln-ml/kiln/internal/nn"
	"github.com/kiln-ml/kiln/internal/tensor"
)

// Optimizer updates model parameters from computed gradients.
type Optimizer interface {
	// Step applies one update using the gradient map from a backward
	// pass. Parameters without a gradient entry are skipped.
	Step(grads map[*tensor.RawTensor]*tensor.RawTensor)

	// ZeroGrad clears the gradient slot of every parameter.
	ZeroGrad()

	// LR returns the current learning rate.
	LR() float32
}

// gradientFor looks up the gradient recorded for a parameter's tensor.
// Returns nil when the parameter was not part of the forward pass.
func gradientFor[B tensor.Backend](param *nn.Parameter[B], grads map[*tensor.RawTensor]*tensor.RawTensor) *tensor.RawTensor {
	if param == nil {
		return nil
	}
	return grads[param.Tensor().Raw()]
}
