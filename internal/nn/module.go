// Package nn implements neural network building blocks.
//
// The package provides the Module interface, trainable Parameters, the
// layers needed for convolutional classifiers (Linear, Conv2D,
// BatchNorm2D, pooling, ReLU), the Sequential container, and the
// cross-entropy loss. Modules are generic over the backend so the same
// model definition runs on CPU or GPU, with or without autodiff.
package nn

import (
	"github.com/kiln-ml/kiln/internal/tensor"
)

// Module is the base interface for all network components.
//
// Modules compose: a Sequential is itself a Module, and so is a whole
// ResNet. StateDict and LoadStateDict give every module a flat
// name-to-tensor view of its state for checkpointing.
type Module[B tensor.Backend] interface {
	// Forward computes the module output for the given input.
	Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B]

	// Parameters returns all trainable parameters, including those of
	// nested modules. Stateless modules return an empty slice.
	Parameters() []*Parameter[B]

	// StateDict returns the module state as a map of names to raw
	// tensors. Includes non-trainable state such as running statistics.
	StateDict() map[string]*tensor.RawTensor

	// LoadStateDict restores module state from a state dictionary.
	LoadStateDict(stateDict map[string]*tensor.RawTensor) error
}

// TrainableMode is implemented by modules whose forward pass differs
// between training and evaluation, such as batch normalization.
type TrainableMode interface {
	SetTraining(training bool)
}
