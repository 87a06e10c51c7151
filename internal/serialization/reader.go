package serialization

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/kiln-ml/kiln/internal/tensor"
)

const maxHeaderSize = 100 * 1024 * 1024

// Reader reads models and checkpoints from .kiln files.
type Reader struct {
	file       *os.File
	header     Header
	flags      uint32
	dataOffset int64
	dataSize   int64
	checksum   [32]byte
	closed     bool
}

// ReaderOptions configures Reader behavior.
type ReaderOptions struct {
	// SkipChecksumValidation disables the full-file checksum pass on
	// open. Faster, but corruption goes undetected.
	SkipChecksumValidation bool
}

// NewReader opens a .kiln file with checksum validation.
func NewReader(path string) (*Reader, error) {
	return NewReaderWithOptions(path, ReaderOptions{})
}

// NewReaderWithOptions opens a .kiln file with custom options.
func NewReaderWithOptions(path string, opts ReaderOptions) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	r := &Reader{file: file}
	if err := r.parseHeader(); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}

	fileInfo, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	if got := fileInfo.Size() - r.dataOffset; got != r.dataSize {
		_ = file.Close()
		return nil, fmt.Errorf("data section size mismatch: header says %d bytes, file has %d", r.dataSize, got)
	}

	if err := r.validateLayout(); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	if !opts.SkipChecksumValidation {
		if err := r.validateChecksum(); err != nil {
			_ = file.Close()
			return nil, err
		}
	}

	return r, nil
}

func (r *Reader) parseHeader() error {
	fixedHeader := make([]byte, FixedHeaderSize)
	if _, err := io.ReadFull(r.file, fixedHeader); err != nil {
		return fmt.Errorf("failed to read fixed header: %w", err)
	}

	if string(fixedHeader[0:4]) != MagicBytes {
		return ErrInvalidMagic
	}
	version := binary.LittleEndian.Uint32(fixedHeader[4:8])
	if version != FormatVersion {
		return fmt.Errorf("%w: got %d, expected %d", ErrUnsupportedVersion, version, FormatVersion)
	}

	r.flags = binary.LittleEndian.Uint32(fixedHeader[8:12])
	headerSize := binary.LittleEndian.Uint64(fixedHeader[16:24])
	r.dataSize = int64(binary.LittleEndian.Uint64(fixedHeader[24:32]))
	copy(r.checksum[:], fixedHeader[ChecksumOffset:ChecksumOffset+ChecksumSize])

	if headerSize > maxHeaderSize {
		return ErrHeaderTooLarge
	}

	headerBytes := make([]byte, headerSize)
	if _, err := io.ReadFull(r.file, headerBytes); err != nil {
		return fmt.Errorf("failed to read header JSON: %w", err)
	}
	if err := json.Unmarshal(headerBytes, &r.header); err != nil {
		return fmt.Errorf("failed to parse header JSON: %w", err)
	}

	currentPos := int64(FixedHeaderSize) + int64(headerSize)
	padding := (HeaderAlignment - (currentPos % HeaderAlignment)) % HeaderAlignment
	r.dataOffset = currentPos + padding
	return nil
}

// validateLayout checks every tensor entry against the data section:
// non-negative offsets, in-bounds extents, and no overlaps.
func (r *Reader) validateLayout() error {
	metas := make([]TensorMeta, len(r.header.Tensors))
	copy(metas, r.header.Tensors)
	sort.Slice(metas, func(i, j int) bool { return metas[i].Offset < metas[j].Offset })

	var prevEnd int64
	var prevName string
	for _, meta := range metas {
		if meta.Offset < 0 || meta.Size < 0 {
			return fmt.Errorf("%w: tensor %q", ErrNegativeOffset, meta.Name)
		}
		if meta.Offset+meta.Size > r.dataSize {
			return fmt.Errorf("%w: tensor %q", ErrOutOfBounds, meta.Name)
		}
		if meta.Offset < prevEnd {
			return fmt.Errorf("%w: %q and %q", ErrOffsetOverlap, prevName, meta.Name)
		}

		dtype, ok := stringToDtype(meta.DType)
		if !ok {
			return fmt.Errorf("tensor %q: unknown dtype %q", meta.Name, meta.DType)
		}
		want := int64(tensor.Shape(meta.Shape).NumElements() * dtype.Size())
		if meta.Size != want {
			return fmt.Errorf("tensor %q: size %d does not match shape %v (%d bytes)",
				meta.Name, meta.Size, meta.Shape, want)
		}

		prevEnd = meta.Offset + meta.Size
		prevName = meta.Name
	}
	return nil
}

func (r *Reader) validateChecksum() error {
	if _, err := r.file.Seek(r.dataOffset, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek to data section: %w", err)
	}
	computed, err := ComputeChecksumReader(io.LimitReader(r.file, r.dataSize))
	if err != nil {
		return fmt.Errorf("failed to compute checksum: %w", err)
	}
	return ValidateChecksum(computed, r.checksum)
}

// Header returns the parsed file header.
func (r *Reader) Header() Header {
	return r.header
}

// CheckpointMeta returns the checkpoint metadata, or nil for plain
// model files.
func (r *Reader) CheckpointMeta() *CheckpointMeta {
	return r.header.CheckpointMeta
}

// ReadTensor reads one named tensor from the data section.
func (r *Reader) ReadTensor(name string, device tensor.Device) (*tensor.RawTensor, error) {
	if r.closed {
		return nil, fmt.Errorf("reader is closed")
	}

	for _, meta := range r.header.Tensors {
		if meta.Name != name {
			continue
		}
		return r.readTensorAt(meta, device)
	}
	return nil, fmt.Errorf("%w: %q", ErrTensorNotFound, name)
}

// ReadStateDict reads every tensor into a state dictionary.
func (r *Reader) ReadStateDict(device tensor.Device) (map[string]*tensor.RawTensor, error) {
	if r.closed {
		return nil, fmt.Errorf("reader is closed")
	}

	stateDict := make(map[string]*tensor.RawTensor, len(r.header.Tensors))
	for _, meta := range r.header.Tensors {
		raw, err := r.readTensorAt(meta, device)
		if err != nil {
			return nil, fmt.Errorf("failed to read tensor %q: %w", meta.Name, err)
		}
		stateDict[meta.Name] = raw
	}
	return stateDict, nil
}

func (r *Reader) readTensorAt(meta TensorMeta, device tensor.Device) (*tensor.RawTensor, error) {
	dtype, ok := stringToDtype(meta.DType)
	if !ok {
		return nil, fmt.Errorf("unknown dtype %q", meta.DType)
	}

	raw, err := tensor.NewRaw(tensor.Shape(meta.Shape), dtype, device)
	if err != nil {
		return nil, err
	}

	if _, err := r.file.Seek(r.dataOffset+meta.Offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek: %w", err)
	}
	if _, err := io.ReadFull(r.file, raw.Data()); err != nil {
		return nil, fmt.Errorf("failed to read data: %w", err)
	}
	return raw, nil
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.file.Close()
}

// LoadStateDict reads a whole state dictionary from path in one call.
func LoadStateDict(path string, device tensor.Device) (map[string]*tensor.RawTensor, *Header, error) {
	r, err := NewReader(path)
	if err != nil {
		return nil, nil, err
	}
	defer r.Close()

	stateDict, err := r.ReadStateDict(device)
	if err != nil {
		return nil, nil, err
	}
	header := r.Header()
	return stateDict, &header, nil
}
