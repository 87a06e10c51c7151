package serialization_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiln-ml/kiln/internal/serialization"
	"github.com/kiln-ml/kiln/internal/tensor"
)

func float32Tensor(t *testing.T, data []float32, shape tensor.Shape) *tensor.RawTensor {
	t.Helper()
	raw, err := tensor.NewRaw(shape, tensor.Float32, tensor.CPU)
	require.NoError(t, err)
	copy(raw.AsFloat32(), data)
	return raw
}

func int32Tensor(t *testing.T, data []int32, shape tensor.Shape) *tensor.RawTensor {
	t.Helper()
	raw, err := tensor.NewRaw(shape, tensor.Int32, tensor.CPU)
	require.NoError(t, err)
	copy(raw.AsInt32(), data)
	return raw
}

func sampleStateDict(t *testing.T) map[string]*tensor.RawTensor {
	t.Helper()
	return map[string]*tensor.RawTensor{
		"layer.weight": float32Tensor(t, []float32{1.5, -2.5, 3.0, 0.25}, tensor.Shape{2, 2}),
		"layer.bias":   float32Tensor(t, []float32{0.1, -0.1}, tensor.Shape{2}),
		"counters":     int32Tensor(t, []int32{7, 11, 13}, tensor.Shape{3}),
	}
}

func TestStateDictRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.kiln")
	stateDict := sampleStateDict(t)

	err := serialization.SaveStateDict(path, stateDict, "test-model", map[string]string{"dataset": "mnist"})
	require.NoError(t, err)

	loaded, header, err := serialization.LoadStateDict(path, tensor.CPU)
	require.NoError(t, err)

	assert.Equal(t, "test-model", header.ModelType)
	assert.Equal(t, "mnist", header.Metadata["dataset"])
	assert.Equal(t, serialization.FormatVersion, header.FormatVersion)
	assert.Nil(t, header.CheckpointMeta)

	require.Len(t, loaded, 3)
	assert.Equal(t, tensor.Shape{2, 2}, loaded["layer.weight"].Shape())
	assert.Equal(t, []float32{1.5, -2.5, 3.0, 0.25}, loaded["layer.weight"].AsFloat32())
	assert.Equal(t, []float32{0.1, -0.1}, loaded["layer.bias"].AsFloat32())
	assert.Equal(t, tensor.Int32, loaded["counters"].DType())
	assert.Equal(t, []int32{7, 11, 13}, loaded["counters"].AsInt32())
}

func TestCheckpointRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.kiln")
	meta := serialization.CheckpointMeta{
		Epoch:         4,
		Step:          1200,
		TrainLoss:     0.42,
		ValLoss:       0.51,
		ValAccuracy:   0.87,
		OptimizerType: "adam",
	}

	err := serialization.SaveCheckpoint(path, sampleStateDict(t), "classifier", meta)
	require.NoError(t, err)

	r, err := serialization.NewReader(path)
	require.NoError(t, err)
	defer r.Close()

	loaded := r.CheckpointMeta()
	require.NotNil(t, loaded)
	assert.Equal(t, 4, loaded.Epoch)
	assert.Equal(t, int64(1200), loaded.Step)
	assert.InDelta(t, 0.42, loaded.TrainLoss, 1e-9)
	assert.InDelta(t, 0.87, loaded.ValAccuracy, 1e-9)
	assert.Equal(t, "adam", loaded.OptimizerType)
}

func TestTensorsLaidOutInSortedOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.kiln")
	require.NoError(t, serialization.SaveStateDict(path, sampleStateDict(t), "m", nil))

	r, err := serialization.NewReader(path)
	require.NoError(t, err)
	defer r.Close()

	tensors := r.Header().Tensors
	require.Len(t, tensors, 3)
	assert.Equal(t, "counters", tensors[0].Name)
	assert.Equal(t, "layer.bias", tensors[1].Name)
	assert.Equal(t, "layer.weight", tensors[2].Name)

	var offset int64
	for _, meta := range tensors {
		assert.Equal(t, offset, meta.Offset, "tensor %s", meta.Name)
		offset += meta.Size
	}
}

func TestReadSingleTensor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.kiln")
	require.NoError(t, serialization.SaveStateDict(path, sampleStateDict(t), "m", nil))

	r, err := serialization.NewReader(path)
	require.NoError(t, err)
	defer r.Close()

	raw, err := r.ReadTensor("layer.bias", tensor.CPU)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, -0.1}, raw.AsFloat32())

	_, err = r.ReadTensor("missing", tensor.CPU)
	assert.ErrorIs(t, err, serialization.ErrTensorNotFound)
}

func TestCorruptedDataFailsChecksum(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.kiln")
	require.NoError(t, serialization.SaveStateDict(path, sampleStateDict(t), "m", nil))

	// Flip one byte in the data section at the end of the file.
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	content[len(content)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(path, content, 0o644))

	_, err = serialization.NewReader(path)
	assert.ErrorIs(t, err, serialization.ErrChecksumMismatch)

	// Skipping validation opens the corrupted file anyway.
	r, err := serialization.NewReaderWithOptions(path, serialization.ReaderOptions{SkipChecksumValidation: true})
	require.NoError(t, err)
	r.Close()
}

func TestInvalidMagicRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bogus.kiln")
	junk := make([]byte, 128)
	copy(junk, "NOPE")
	require.NoError(t, os.WriteFile(path, junk, 0o644))

	_, err := serialization.NewReader(path)
	assert.ErrorIs(t, err, serialization.ErrInvalidMagic)
}

func TestTruncatedFileRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.kiln")
	require.NoError(t, serialization.SaveStateDict(path, sampleStateDict(t), "m", nil))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, content[:len(content)-8], 0o644))

	_, err = serialization.NewReader(path)
	assert.Error(t, err)
}

func TestChecksumHelpers(t *testing.T) {
	data := []byte("kiln tensor data")
	sum := serialization.ComputeChecksum(data)

	assert.NoError(t, serialization.ValidateChecksum(sum, sum))

	var other [32]byte
	assert.ErrorIs(t, serialization.ValidateChecksum(sum, other), serialization.ErrChecksumMismatch)
}
