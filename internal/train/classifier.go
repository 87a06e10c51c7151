package train

import (
	"github.com/kiln-ml/kiln/internal/autodiff"
	"github.com/kiln-ml/kiln/internal/data"
	"github.com/kiln-ml/kiln/internal/nn"
	"github.com/kiln-ml/kiln/internal/optim"
	"github.com/kiln-ml/kiln/internal/tensor"
)

// Model is what the classifier adapter drives: a module that also
// distinguishes training from evaluation.
type Model[B tensor.Backend] interface {
	nn.Module[B]
	SetTraining(training bool)
}

// StepResult carries the per-batch metrics out of a step.
type StepResult struct {
	Loss      float32
	Accuracy  float32
	BatchSize int
}

// Classifier adapts a model to the trainer: it owns the loss, turns
// raw batches into backend tensors, and computes per-batch loss and
// accuracy. The trainer owns the control flow around it.
type Classifier[B autodiff.BackwardCapable] struct {
	model   Model[B]
	loss    *nn.CrossEntropyLoss[B]
	backend B
}

// NewClassifier wraps a model for training on backend.
func NewClassifier[B autodiff.BackwardCapable](model Model[B], backend B) *Classifier[B] {
	return &Classifier[B]{
		model:   model,
		loss:    nn.NewCrossEntropyLoss(backend),
		backend: backend,
	}
}

// Model returns the wrapped model.
func (c *Classifier[B]) Model() Model[B] {
	return c.model
}

// TrainingStep runs one forward pass and returns the loss tensor for
// the backward pass plus the batch metrics.
func (c *Classifier[B]) TrainingStep(batch *data.Batch) (*tensor.Tensor[float32, B], StepResult) {
	images := tensor.New[float32, B](batch.Images, c.backend)
	targets := tensor.New[int32, B](batch.Labels, c.backend)

	logits := c.model.Forward(images)
	loss := c.loss.Forward(logits, targets)

	return loss, StepResult{
		Loss:      loss.Item(),
		Accuracy:  nn.Accuracy(logits, targets),
		BatchSize: batch.Size(),
	}
}

// EvalStep runs one forward pass without gradient bookkeeping and
// returns the batch metrics.
func (c *Classifier[B]) EvalStep(batch *data.Batch) StepResult {
	images := tensor.New[float32, B](batch.Images, c.backend)
	targets := tensor.New[int32, B](batch.Labels, c.backend)

	logits := c.model.Forward(images)
	loss := c.loss.Forward(logits, targets)

	return StepResult{
		Loss:      loss.Item(),
		Accuracy:  nn.Accuracy(logits, targets),
		BatchSize: batch.Size(),
	}
}

// ConfigureOptimizer returns the default optimizer: Adam with its
// standard hyperparameters. No learning rate is exposed on purpose;
// the defaults are the contract.
func (c *Classifier[B]) ConfigureOptimizer() optim.Optimizer {
	return optim.NewAdam(c.model.Parameters(), optim.AdamConfig{}, c.backend)
}
