// Package data implements dataset access for training: downloadable
// image datasets (MNIST, CIFAR-10), deterministic splits, batching
// loaders, and the DataModule abstraction that bundles them per
// dataset.
package data

import (
	"fmt"
	"math/rand"
)

// Dataset is random access to labeled images. Item returns the image
// as CHW float32 data plus its class index.
type Dataset interface {
	Len() int
	Item(i int) ([]float32, int32)
}

// Subset exposes a subset of a dataset through an index list.
type Subset struct {
	dataset Dataset
	indices []int
}

// NewSubset creates a view of dataset restricted to indices.
func NewSubset(dataset Dataset, indices []int) *Subset {
	return &Subset{dataset: dataset, indices: indices}
}

// Len returns the subset size.
func (s *Subset) Len() int {
	return len(s.indices)
}

// Item returns the i-th sample of the subset.
func (s *Subset) Item(i int) ([]float32, int32) {
	return s.dataset.Item(s.indices[i])
}

// RandomSplit partitions a dataset into disjoint subsets of the given
// lengths using a shuffled index permutation from rng. The lengths
// must sum to the dataset size.
func RandomSplit(dataset Dataset, lengths []int, rng *rand.Rand) ([]*Subset, error) {
	total := 0
	for _, n := range lengths {
		if n < 0 {
			return nil, fmt.Errorf("random split: negative length %d", n)
		}
		total += n
	}
	if total != dataset.Len() {
		return nil, fmt.Errorf("random split: lengths sum to %d, dataset has %d samples", total, dataset.Len())
	}

	perm := rng.Perm(dataset.Len())

	subsets := make([]*Subset, len(lengths))
	offset := 0
	for i, n := range lengths {
		indices := make([]int, n)
		copy(indices, perm[offset:offset+n])
		subsets[i] = NewSubset(dataset, indices)
		offset += n
	}
	return subsets, nil
}
