package data_test

import (
	"compress/gzip"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiln-ml/kiln/internal/data"
)

func writeGzip(t *testing.T, path string, payload []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	gz := gzip.NewWriter(f)
	_, err = gz.Write(payload)
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())
}

// writeMNISTFixture writes a tiny IDX image/label pair for n 28x28
// images. Image i has every pixel set to value(i); label i is i.
func writeMNISTFixture(t *testing.T, root string, imageFile, labelFile string, n int, value func(i int) uint8) {
	t.Helper()

	images := make([]byte, 16+n*28*28)
	binary.BigEndian.PutUint32(images[0:4], 0x00000803)
	binary.BigEndian.PutUint32(images[4:8], uint32(n))
	binary.BigEndian.PutUint32(images[8:12], 28)
	binary.BigEndian.PutUint32(images[12:16], 28)
	for i := 0; i < n; i++ {
		pix := value(i)
		for j := 0; j < 28*28; j++ {
			images[16+i*28*28+j] = pix
		}
	}
	writeGzip(t, filepath.Join(root, "mnist", imageFile), images)

	labels := make([]byte, 8+n)
	binary.BigEndian.PutUint32(labels[0:4], 0x00000801)
	binary.BigEndian.PutUint32(labels[4:8], uint32(n))
	for i := 0; i < n; i++ {
		labels[8+i] = uint8(i)
	}
	writeGzip(t, filepath.Join(root, "mnist", labelFile), labels)
}

func TestLoadMNIST(t *testing.T) {
	root := t.TempDir()
	writeMNISTFixture(t, root, "t10k-images-idx3-ubyte.gz", "t10k-labels-idx1-ubyte.gz", 3,
		func(i int) uint8 { return uint8(i * 100) })

	ds, err := data.LoadMNIST(root, false)
	require.NoError(t, err)
	require.Equal(t, 3, ds.Len())

	chw, label := ds.Item(2)
	assert.Equal(t, int32(2), label)
	require.Len(t, chw, 28*28)

	// Pixels are scaled to [0,1] then normalized with the MNIST stats.
	want := (float32(200)/255 - data.MNISTMean[0]) / data.MNISTStd[0]
	assert.InDelta(t, want, chw[0], 1e-5)

	chw, _ = ds.Item(0)
	want = (0 - data.MNISTMean[0]) / data.MNISTStd[0]
	assert.InDelta(t, want, chw[100], 1e-5)
}

func TestLoadMNISTRejectsBadMagic(t *testing.T) {
	root := t.TempDir()
	writeMNISTFixture(t, root, "t10k-images-idx3-ubyte.gz", "t10k-labels-idx1-ubyte.gz", 1,
		func(int) uint8 { return 0 })

	// Corrupt the image magic.
	path := filepath.Join(root, "mnist", "t10k-images-idx3-ubyte.gz")
	payload := make([]byte, 16+28*28)
	binary.BigEndian.PutUint32(payload[0:4], 0xDEADBEEF)
	writeGzip(t, path, payload)

	_, err := data.LoadMNIST(root, false)
	assert.ErrorContains(t, err, "bad image magic")
}

// writeCIFAR10Fixture writes one synthetic batch file of n records.
// Record i carries label i%10 and constant pixel value(i).
func writeCIFAR10Fixture(t *testing.T, root, name string, n int, value func(i int) uint8) {
	t.Helper()

	dir := filepath.Join(root, "cifar-10-batches-bin")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	record := 1 + 3*32*32
	payload := make([]byte, n*record)
	for i := 0; i < n; i++ {
		payload[i*record] = uint8(i % 10)
		pix := value(i)
		for j := 1; j < record; j++ {
			payload[i*record+j] = pix
		}
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), payload, 0o644))
}

func TestLoadCIFAR10(t *testing.T) {
	root := t.TempDir()
	writeCIFAR10Fixture(t, root, "test_batch.bin", 4, func(i int) uint8 { return uint8(255 - i) })

	ds, err := data.LoadCIFAR10(root, false)
	require.NoError(t, err)
	require.Equal(t, 4, ds.Len())

	chw, label := ds.Item(1)
	assert.Equal(t, int32(1), label)
	require.Len(t, chw, 3*32*32)

	// Pixel 254 maps to (254/255 - 0.5) / 0.5.
	want := (float32(254)/255 - 0.5) / 0.5
	assert.InDelta(t, want, chw[0], 1e-5)
	assert.InDelta(t, want, chw[2*32*32], 1e-5, "all channels share the value")
}

func TestLoadCIFAR10TrainReadsAllBatches(t *testing.T) {
	root := t.TempDir()
	for b := 1; b <= 5; b++ {
		writeCIFAR10Fixture(t, root, "data_batch_"+string(rune('0'+b))+".bin", 2,
			func(i int) uint8 { return uint8(i) })
	}

	ds, err := data.LoadCIFAR10(root, true)
	require.NoError(t, err)
	assert.Equal(t, 10, ds.Len())
}

func TestLoadCIFAR10RejectsBadLabel(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "cifar-10-batches-bin")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	record := make([]byte, 1+3*32*32)
	record[0] = 42
	require.NoError(t, os.WriteFile(filepath.Join(dir, "test_batch.bin"), record, 0o644))

	_, err := data.LoadCIFAR10(root, false)
	assert.ErrorContains(t, err, "invalid label")
}
