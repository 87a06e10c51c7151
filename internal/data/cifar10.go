package data

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// CIFAR-10 binary format constants. Each record is one label byte
// followed by a 32x32 RGB image in channel-planar order.
const (
	cifar10URL     = "https://www.cs.toronto.edu/~kriz/cifar-10-binary.tar.gz"
	cifar10Archive = "cifar-10-binary.tar.gz"
	cifar10Dir     = "cifar-10-batches-bin"

	CIFAR10ImageSize  = 32
	CIFAR10NumClasses = 10

	cifar10PixelCount  = CIFAR10ImageSize * CIFAR10ImageSize
	cifar10RecordBytes = 1 + 3*cifar10PixelCount
	cifar10BatchSize   = 10000
)

// Per-channel normalization statistics used for CIFAR-10, matching the
// common (0.5, 0.5, 0.5) convention that maps pixels to [-1, 1].
var (
	CIFAR10Mean = []float32{0.5, 0.5, 0.5}
	CIFAR10Std  = []float32{0.5, 0.5, 0.5}
)

// CIFAR10Classes names the ten classes in label order.
var CIFAR10Classes = []string{
	"airplane", "automobile", "bird", "cat", "deer",
	"dog", "frog", "horse", "ship", "truck",
}

var cifar10TrainBatches = []string{
	"data_batch_1.bin", "data_batch_2.bin", "data_batch_3.bin",
	"data_batch_4.bin", "data_batch_5.bin",
}

type cifar10Dataset struct {
	images [][]float32
	labels []int32
}

func (d *cifar10Dataset) Len() int {
	return len(d.labels)
}

func (d *cifar10Dataset) Item(i int) ([]float32, int32) {
	return d.images[i], d.labels[i]
}

// DownloadCIFAR10 fetches and unpacks the CIFAR-10 binary archive into
// dir. Both the download and the extraction are skipped when their
// outputs already exist.
func DownloadCIFAR10(ctx context.Context, dir string) error {
	archivePath := filepath.Join(dir, cifar10Archive)
	if err := downloadFile(ctx, cifar10URL, archivePath); err != nil {
		return fmt.Errorf("cifar10: %w", err)
	}

	if _, err := os.Stat(filepath.Join(dir, cifar10Dir, "test_batch.bin")); err == nil {
		return nil
	}
	if err := extractTarGz(archivePath, dir); err != nil {
		return fmt.Errorf("cifar10: failed to extract archive: %w", err)
	}
	return nil
}

// LoadCIFAR10 decodes one CIFAR-10 split from the extracted batch
// files in dir. train selects the five 10000-sample training batches;
// otherwise the single test batch.
func LoadCIFAR10(dir string, train bool) (Dataset, error) {
	batches := []string{"test_batch.bin"}
	if train {
		batches = cifar10TrainBatches
	}

	dataset := &cifar10Dataset{
		images: make([][]float32, 0, len(batches)*cifar10BatchSize),
		labels: make([]int32, 0, len(batches)*cifar10BatchSize),
	}

	normalize := NewNormalize(CIFAR10Mean, CIFAR10Std)
	for _, name := range batches {
		if err := readCIFAR10Batch(filepath.Join(dir, cifar10Dir, name), normalize, dataset); err != nil {
			return nil, fmt.Errorf("cifar10: %w", err)
		}
	}
	return dataset, nil
}

// readCIFAR10Batch appends every record of one batch file to dst.
func readCIFAR10Batch(path string, normalize *Normalize, dst *cifar10Dataset) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	record := make([]byte, cifar10RecordBytes)
	for {
		if _, err := io.ReadFull(f, record); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("failed to read record from %s: %w", path, err)
		}

		label := int32(record[0])
		if label < 0 || label >= CIFAR10NumClasses {
			return fmt.Errorf("invalid label %d in %s", label, path)
		}

		// Records are already channel-planar RGB, matching CHW.
		chw := make([]float32, 3*cifar10PixelCount)
		for j, pix := range record[1:] {
			chw[j] = float32(pix) / 255
		}
		normalize.Apply(chw)

		dst.images = append(dst.images, chw)
		dst.labels = append(dst.labels, label)
	}
}

// extractTarGz unpacks the regular files of a .tar.gz archive under
// dir, rejecting entries that would escape it.
func extractTarGz(archivePath, dir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("failed to open gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read tar entry: %w", err)
		}

		name := filepath.Clean(hdr.Name)
		if strings.HasPrefix(name, "..") || filepath.IsAbs(name) {
			return fmt.Errorf("unsafe path %q in archive", hdr.Name)
		}
		target := filepath.Join(dir, name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.Create(target)
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				_ = out.Close()
				return fmt.Errorf("failed to extract %s: %w", hdr.Name, err)
			}
			if err := out.Close(); err != nil {
				return err
			}
		}
	}
}
