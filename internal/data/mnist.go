package data

import (
	"compress/gzip"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// MNIST IDX file constants.
const (
	mnistBaseURL    = "https://ossci-datasets.s3.amazonaws.com/mnist/"
	mnistImageMagic = 0x00000803
	mnistLabelMagic = 0x00000801

	MNISTImageSize  = 28
	MNISTNumClasses = 10
)

// Per-channel normalization statistics of the MNIST training set.
var (
	MNISTMean = []float32{0.1307}
	MNISTStd  = []float32{0.3081}
)

var mnistFiles = map[string]string{
	"train-images-idx3-ubyte.gz": "train images",
	"train-labels-idx1-ubyte.gz": "train labels",
	"t10k-images-idx3-ubyte.gz":  "test images",
	"t10k-labels-idx1-ubyte.gz":  "test labels",
}

// mnistDataset holds a fully decoded MNIST split in memory, already
// normalized. Images are stored as flat CHW float32 slices.
type mnistDataset struct {
	images [][]float32
	labels []int32
}

func (d *mnistDataset) Len() int {
	return len(d.labels)
}

func (d *mnistDataset) Item(i int) ([]float32, int32) {
	return d.images[i], d.labels[i]
}

// DownloadMNIST fetches the four MNIST IDX files into dir/mnist,
// skipping files that are already present.
func DownloadMNIST(ctx context.Context, dir string) error {
	for name := range mnistFiles {
		path := filepath.Join(dir, "mnist", name)
		if err := downloadFile(ctx, mnistBaseURL+name, path); err != nil {
			return fmt.Errorf("mnist: %w", err)
		}
	}
	return nil
}

// LoadMNIST decodes one MNIST split from dir/mnist. train selects the
// 60000-sample training split; otherwise the 10000-sample test split.
func LoadMNIST(dir string, train bool) (Dataset, error) {
	imageFile, labelFile := "t10k-images-idx3-ubyte.gz", "t10k-labels-idx1-ubyte.gz"
	if train {
		imageFile, labelFile = "train-images-idx3-ubyte.gz", "train-labels-idx1-ubyte.gz"
	}

	images, err := readIDXImages(filepath.Join(dir, "mnist", imageFile))
	if err != nil {
		return nil, fmt.Errorf("mnist: %w", err)
	}
	labels, err := readIDXLabels(filepath.Join(dir, "mnist", labelFile))
	if err != nil {
		return nil, fmt.Errorf("mnist: %w", err)
	}
	if len(images) != len(labels) {
		return nil, fmt.Errorf("mnist: %d images for %d labels", len(images), len(labels))
	}

	normalize := NewNormalize(MNISTMean, MNISTStd)
	for i := range images {
		normalize.Apply(images[i])
	}

	return &mnistDataset{images: images, labels: labels}, nil
}

func openIDX(path string) (io.ReadCloser, *os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, nil, fmt.Errorf("failed to open gzip stream %s: %w", path, err)
	}
	return gz, f, nil
}

// readIDXImages parses a big-endian IDX3 image file into scaled [0,1]
// float32 CHW slices.
func readIDXImages(path string) ([][]float32, error) {
	r, f, err := openIDX(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	defer r.Close()

	var head struct{ Magic, Num, Rows, Cols uint32 }
	if err := binary.Read(r, binary.BigEndian, &head); err != nil {
		return nil, fmt.Errorf("failed to read image header: %w", err)
	}
	if head.Magic != mnistImageMagic {
		return nil, fmt.Errorf("bad image magic 0x%08x in %s", head.Magic, path)
	}

	n, rows, cols := int(head.Num), int(head.Rows), int(head.Cols)
	pixels := make([]uint8, rows*cols)
	images := make([][]float32, n)
	for i := range images {
		if _, err := io.ReadFull(r, pixels); err != nil {
			return nil, fmt.Errorf("failed to read image %d: %w", i, err)
		}
		chw := make([]float32, rows*cols)
		for j, pix := range pixels {
			chw[j] = float32(pix) / 255
		}
		images[i] = chw
	}
	return images, nil
}

// readIDXLabels parses a big-endian IDX1 label file.
func readIDXLabels(path string) ([]int32, error) {
	r, f, err := openIDX(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	defer r.Close()

	var head struct{ Magic, Num uint32 }
	if err := binary.Read(r, binary.BigEndian, &head); err != nil {
		return nil, fmt.Errorf("failed to read label header: %w", err)
	}
	if head.Magic != mnistLabelMagic {
		return nil, fmt.Errorf("bad label magic 0x%08x in %s", head.Magic, path)
	}

	raw := make([]uint8, head.Num)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("failed to read labels: %w", err)
	}
	labels := make([]int32, head.Num)
	for i, label := range raw {
		labels[i] = int32(label)
	}
	return labels, nil
}
