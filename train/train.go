// Copyright 2026 Kiln ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package train provides the training loop: a classifier adapter that
// owns the per-batch forward pass, a trainer that owns the epoch and
// batch control flow, metric loggers and checkpointing.
package train

import (
	"github.com/kiln-ml/kiln/internal/autodiff"
	"github.com/kiln-ml/kiln/internal/serialization"
	"github.com/kiln-ml/kiln/internal/train"
)

// Model is the module contract the classifier trains: a forward pass,
// parameters, state dict access and a training/eval mode switch.
type Model[B autodiff.BackwardCapable] = train.Model[B]

// StepResult carries per-batch loss and accuracy.
type StepResult = train.StepResult

// Classifier wraps a model with cross-entropy loss and per-batch metric
// computation.
type Classifier[B autodiff.BackwardCapable] = train.Classifier[B]

// NewClassifier creates a classifier around model.
func NewClassifier[B autodiff.BackwardCapable](model Model[B], backend B) *Classifier[B] {
	return train.NewClassifier(model, backend)
}

// Trainer owns the training control flow.
type Trainer[B autodiff.BackwardCapable] = train.Trainer[B]

// Option configures a Trainer.
type Option = train.Option

// Trainer options.
var (
	WithMaxEpochs      = train.WithMaxEpochs
	WithLogger         = train.WithLogger
	WithCheckpointDir  = train.WithCheckpointDir
	WithEarlyStopping  = train.WithEarlyStopping
	WithLogEveryNSteps = train.WithLogEveryNSteps
)

// NewTrainer creates a trainer for the given autodiff-capable backend.
func NewTrainer[B autodiff.BackwardCapable](backend B, opts ...Option) *Trainer[B] {
	return train.NewTrainer(backend, opts...)
}

// FitResult summarizes a completed fit.
type FitResult = train.FitResult

// Metrics is a named set of scalar metric values.
type Metrics = train.Metrics

// Logger receives metrics during training.
type Logger = train.Logger

// NewConsoleLogger creates a logger that prints metrics to standard
// error.
func NewConsoleLogger() *train.ConsoleLogger {
	return train.NewConsoleLogger()
}

// NewJSONLLogger creates a logger that appends metrics to a JSON-lines
// file under a fresh run directory.
func NewJSONLLogger(baseDir string) (*train.JSONLLogger, error) {
	return train.NewJSONLLogger(baseDir)
}

// NewMultiLogger fans metrics out to several loggers.
func NewMultiLogger(loggers ...Logger) *train.MultiLogger {
	return train.NewMultiLogger(loggers...)
}

// Config is the YAML-backed run configuration.
type Config = train.Config

// Accelerator selects the compute device.
type Accelerator = train.Accelerator

// Accelerator values.
const (
	AcceleratorAuto = train.AcceleratorAuto
	AcceleratorCPU  = train.AcceleratorCPU
	AcceleratorGPU  = train.AcceleratorGPU
)

// DefaultConfig returns the default run configuration.
func DefaultConfig() Config {
	return train.DefaultConfig()
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (Config, error) {
	return train.LoadConfig(path)
}

// BatchSizeFor returns the batch size for the given device: 256 on GPU,
// 64 on CPU.
var BatchSizeFor = train.BatchSizeFor

// CheckpointMeta is the training metadata stored in checkpoints.
type CheckpointMeta = serialization.CheckpointMeta

// LoadCheckpoint restores a classifier's model weights from a checkpoint
// file and returns its training metadata.
func LoadCheckpoint[B autodiff.BackwardCapable](path string, classifier *Classifier[B]) (*CheckpointMeta, error) {
	return train.LoadCheckpoint(path, classifier)
}
