// Copyright 2026 Kiln ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package data provides datasets, data loaders and datamodules for image
// classification.
//
// Datamodules own the full data lifecycle: download, train/val split and
// loader construction. The dataset root defaults to the PATH_DATASETS
// environment variable, falling back to the current directory.
//
// Example:
//
//	dm := data.NewMNIST(data.ModuleConfig{BatchSize: 64, Seed: 7})
//	if err := dm.Prepare(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	if err := dm.Setup(); err != nil {
//	    log.Fatal(err)
//	}
//	loader := dm.TrainLoader()
package data

import (
	"math/rand"

	"github.com/kiln-ml/kiln/internal/data"
	"github.com/kiln-ml/kiln/internal/tensor"
)

// PathDatasetsEnv is the environment variable naming the dataset root.
const PathDatasetsEnv = data.PathDatasetsEnv

// DefaultRoot returns the dataset root directory.
func DefaultRoot() string {
	return data.DefaultRoot()
}

// Dataset is an in-memory collection of labeled images.
type Dataset = data.Dataset

// Subset is a view over a subset of a dataset's indices.
type Subset = data.Subset

// RandomSplit partitions a dataset into consecutive subsets of the given
// lengths using a shuffled index permutation.
func RandomSplit(dataset Dataset, lengths []int, rng *rand.Rand) ([]*Subset, error) {
	return data.RandomSplit(dataset, lengths, rng)
}

// Batch is one mini-batch of images and labels as CPU tensors.
type Batch = data.Batch

// Loader iterates a dataset in mini-batches.
type Loader = data.Loader

// NewLoader creates a loader over dataset with the given batch size.
func NewLoader(dataset Dataset, imageShape tensor.Shape, batchSize int, shuffle bool, rng *rand.Rand) *Loader {
	return data.NewLoader(dataset, imageShape, batchSize, shuffle, rng)
}

// DataModule owns download, split and loader construction for a dataset.
type DataModule = data.DataModule

// ModuleConfig configures a datamodule.
type ModuleConfig = data.ModuleConfig

// NewMNIST creates the MNIST datamodule (55000 train / 5000 val split).
func NewMNIST(config ModuleConfig) DataModule {
	return data.NewMNIST(config)
}

// NewCIFAR10 creates the CIFAR10 datamodule (45000 train / 5000 val split).
func NewCIFAR10(config ModuleConfig) DataModule {
	return data.NewCIFAR10(config)
}
