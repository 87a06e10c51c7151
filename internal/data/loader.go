package data

import (
	"fmt"
	"math/rand"

	"github.com/kiln-ml/kiln/internal/tensor"
)

// Batch is one loader step: images [batch, C, H, W] float32 and labels
// [batch] int32, both on the CPU device. Backends wrap them as needed.
type Batch struct {
	Images *tensor.RawTensor
	Labels *tensor.RawTensor
}

// Size returns the number of samples in the batch.
func (b *Batch) Size() int {
	return b.Images.Shape()[0]
}

// Loader iterates a dataset in batches. A shuffling loader reshuffles
// at every Reset, so each epoch sees a fresh order; the final short
// batch is kept.
type Loader struct {
	dataset    Dataset
	imageShape tensor.Shape // [C, H, W]
	batchSize  int
	shuffle    bool
	rng        *rand.Rand

	order []int
	pos   int
}

// NewLoader creates a loader over dataset. imageShape is the per
// sample [C, H, W] shape; rng is only used when shuffle is true.
func NewLoader(dataset Dataset, imageShape tensor.Shape, batchSize int, shuffle bool, rng *rand.Rand) *Loader {
	if batchSize <= 0 {
		panic(fmt.Sprintf("loader: invalid batch size %d", batchSize))
	}
	if len(imageShape) != 3 {
		panic(fmt.Sprintf("loader: expected [C,H,W] image shape, got %v", imageShape))
	}

	l := &Loader{
		dataset:    dataset,
		imageShape: imageShape,
		batchSize:  batchSize,
		shuffle:    shuffle,
		rng:        rng,
		order:      make([]int, dataset.Len()),
	}
	for i := range l.order {
		l.order[i] = i
	}
	l.Reset()
	return l
}

// Len returns the number of batches per epoch.
func (l *Loader) Len() int {
	return (l.dataset.Len() + l.batchSize - 1) / l.batchSize
}

// BatchSize returns the configured batch size.
func (l *Loader) BatchSize() int {
	return l.batchSize
}

// Reset rewinds the loader and reshuffles when shuffling is enabled.
func (l *Loader) Reset() {
	l.pos = 0
	if l.shuffle {
		l.rng.Shuffle(len(l.order), func(i, j int) {
			l.order[i], l.order[j] = l.order[j], l.order[i]
		})
	}
}

// Next returns the next batch, or nil when the epoch is exhausted.
func (l *Loader) Next() (*Batch, error) {
	if l.pos >= len(l.order) {
		return nil, nil
	}

	end := l.pos + l.batchSize
	if end > len(l.order) {
		end = len(l.order)
	}
	indices := l.order[l.pos:end]
	l.pos = end

	batch := len(indices)
	sampleSize := l.imageShape.NumElements()

	images, err := tensor.NewRaw(
		tensor.Shape{batch, l.imageShape[0], l.imageShape[1], l.imageShape[2]},
		tensor.Float32, tensor.CPU)
	if err != nil {
		return nil, fmt.Errorf("loader: failed to allocate image batch: %w", err)
	}
	labels, err := tensor.NewRaw(tensor.Shape{batch}, tensor.Int32, tensor.CPU)
	if err != nil {
		return nil, fmt.Errorf("loader: failed to allocate label batch: %w", err)
	}

	imageData := images.AsFloat32()
	labelData := labels.AsInt32()
	for i, idx := range indices {
		chw, label := l.dataset.Item(idx)
		if len(chw) != sampleSize {
			return nil, fmt.Errorf("loader: sample %d has %d values, expected %d", idx, len(chw), sampleSize)
		}
		copy(imageData[i*sampleSize:(i+1)*sampleSize], chw)
		labelData[i] = label
	}

	return &Batch{Images: images, Labels: labels}, nil
}
