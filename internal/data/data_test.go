package data_test

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiln-ml/kiln/internal/data"
	"github.com/kiln-ml/kiln/internal/tensor"
)

// syntheticDataset generates deterministic samples without any files on
// disk. Sample i is a CHW image filled with float32(i) labeled i % 10.
type syntheticDataset struct {
	n          int
	sampleSize int
}

func (d *syntheticDataset) Len() int { return d.n }

func (d *syntheticDataset) Item(i int) ([]float32, int32) {
	chw := make([]float32, d.sampleSize)
	for j := range chw {
		chw[j] = float32(i)
	}
	return chw, int32(i % 10)
}

func TestSubset(t *testing.T) {
	ds := &syntheticDataset{n: 10, sampleSize: 4}
	sub := data.NewSubset(ds, []int{7, 2, 5})

	assert.Equal(t, 3, sub.Len())

	chw, label := sub.Item(0)
	assert.Equal(t, float32(7), chw[0])
	assert.Equal(t, int32(7), label)

	_, label = sub.Item(2)
	assert.Equal(t, int32(5), label)
}

func TestRandomSplit(t *testing.T) {
	ds := &syntheticDataset{n: 100, sampleSize: 1}
	rng := rand.New(rand.NewSource(42))

	splits, err := data.RandomSplit(ds, []int{90, 10}, rng)
	require.NoError(t, err)
	require.Len(t, splits, 2)
	assert.Equal(t, 90, splits[0].Len())
	assert.Equal(t, 10, splits[1].Len())

	// The splits are disjoint and cover the dataset.
	seen := make(map[float32]bool)
	for _, split := range splits {
		for i := 0; i < split.Len(); i++ {
			chw, _ := split.Item(i)
			require.False(t, seen[chw[0]], "sample %v in both splits", chw[0])
			seen[chw[0]] = true
		}
	}
	assert.Len(t, seen, 100)
}

func TestRandomSplitDeterministic(t *testing.T) {
	ds := &syntheticDataset{n: 50, sampleSize: 1}

	a, err := data.RandomSplit(ds, []int{40, 10}, rand.New(rand.NewSource(7)))
	require.NoError(t, err)
	b, err := data.RandomSplit(ds, []int{40, 10}, rand.New(rand.NewSource(7)))
	require.NoError(t, err)

	for i := 0; i < a[1].Len(); i++ {
		chwA, _ := a[1].Item(i)
		chwB, _ := b[1].Item(i)
		assert.Equal(t, chwA[0], chwB[0])
	}
}

func TestRandomSplitRejectsBadLengths(t *testing.T) {
	ds := &syntheticDataset{n: 10, sampleSize: 1}
	rng := rand.New(rand.NewSource(1))

	_, err := data.RandomSplit(ds, []int{5, 3}, rng)
	assert.ErrorContains(t, err, "lengths sum to 8")

	_, err = data.RandomSplit(ds, []int{11, -1}, rng)
	assert.ErrorContains(t, err, "negative length")
}

func TestLoaderBatching(t *testing.T) {
	ds := &syntheticDataset{n: 10, sampleSize: 1 * 2 * 2}
	loader := data.NewLoader(ds, tensor.Shape{1, 2, 2}, 4, false, nil)

	assert.Equal(t, 3, loader.Len(), "10 samples in batches of 4")
	assert.Equal(t, 4, loader.BatchSize())

	sizes := []int{}
	labels := []int32{}
	for {
		batch, err := loader.Next()
		require.NoError(t, err)
		if batch == nil {
			break
		}
		sizes = append(sizes, batch.Size())
		assert.Equal(t, tensor.Shape{batch.Size(), 1, 2, 2}, batch.Images.Shape())
		labels = append(labels, batch.Labels.AsInt32()...)
	}

	// The final short batch is kept.
	assert.Equal(t, []int{4, 4, 2}, sizes)
	assert.Equal(t, []int32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, labels)
}

func TestLoaderShuffleReshufflesOnReset(t *testing.T) {
	ds := &syntheticDataset{n: 32, sampleSize: 1}
	loader := data.NewLoader(ds, tensor.Shape{1, 1, 1}, 32, true, rand.New(rand.NewSource(5)))

	epoch := func() []int32 {
		batch, err := loader.Next()
		require.NoError(t, err)
		require.NotNil(t, batch)
		out := make([]int32, 32)
		copy(out, batch.Labels.AsInt32())
		return out
	}

	first := epoch()
	loader.Reset()
	second := epoch()

	assert.NotEqual(t, first, second, "reshuffle should change the order")

	// Each epoch still visits every sample exactly once.
	seen := make(map[int32]int)
	for _, l := range second {
		seen[l]++
	}
	assert.Len(t, seen, 32)
}

func TestLoaderExhaustionReturnsNil(t *testing.T) {
	ds := &syntheticDataset{n: 3, sampleSize: 1}
	loader := data.NewLoader(ds, tensor.Shape{1, 1, 1}, 8, false, nil)

	batch, err := loader.Next()
	require.NoError(t, err)
	require.NotNil(t, batch)
	assert.Equal(t, 3, batch.Size())

	batch, err = loader.Next()
	require.NoError(t, err)
	assert.Nil(t, batch)
}

func TestLoaderRejectsBadConfig(t *testing.T) {
	ds := &syntheticDataset{n: 3, sampleSize: 1}

	assert.Panics(t, func() { data.NewLoader(ds, tensor.Shape{1, 1, 1}, 0, false, nil) })
	assert.Panics(t, func() { data.NewLoader(ds, tensor.Shape{1, 1}, 4, false, nil) })
}

func TestNormalize(t *testing.T) {
	n := data.NewNormalize([]float32{0.5, 0.0}, []float32{0.5, 2.0})

	// Two channels of two values each.
	chw := []float32{1.0, 0.0, 4.0, -4.0}
	out := n.Apply(chw)

	assert.Equal(t, []float32{1.0, -1.0, 2.0, -2.0}, out)
}

func TestNormalizeValidation(t *testing.T) {
	assert.Panics(t, func() { data.NewNormalize([]float32{0.5}, []float32{0.5, 0.5}) })
	assert.Panics(t, func() { data.NewNormalize([]float32{0.5}, []float32{0}) })

	n := data.NewNormalize([]float32{0.5}, []float32{0.5})
	assert.NotPanics(t, func() { n.Apply(make([]float32, 4)) })
}

func TestDefaultRoot(t *testing.T) {
	t.Setenv(data.PathDatasetsEnv, "/tmp/datasets")
	assert.Equal(t, "/tmp/datasets", data.DefaultRoot())

	t.Setenv(data.PathDatasetsEnv, "")
	assert.Equal(t, ".", data.DefaultRoot())
}

func TestDataModuleShapes(t *testing.T) {
	mnist := data.NewMNIST(data.ModuleConfig{})
	assert.Equal(t, "mnist", mnist.Name())
	assert.Equal(t, tensor.Shape{1, 28, 28}, mnist.ImageShape())
	assert.Equal(t, 10, mnist.NumClasses())

	cifar := data.NewCIFAR10(data.ModuleConfig{})
	assert.Equal(t, "cifar10", cifar.Name())
	assert.Equal(t, tensor.Shape{3, 32, 32}, cifar.ImageShape())
	assert.Equal(t, 10, cifar.NumClasses())
}

func TestDataModuleLoaderBeforeSetupPanics(t *testing.T) {
	mnist := data.NewMNIST(data.ModuleConfig{})
	assert.Panics(t, func() { mnist.TrainLoader() })
}
