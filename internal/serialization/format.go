package serialization

import (
	"time"

	"github.com/kiln-ml/kiln/internal/tensor"
)

// Format constants.
//
// A .kiln file starts with a 64-byte fixed header:
//
//	0x00-0x03  magic "KILN"
//	0x04-0x07  format version (uint32, little endian)
//	0x08-0x0B  flags (uint32)
//	0x10-0x17  JSON header size (uint64)
//	0x18-0x1F  data section size (uint64)
//	0x20-0x3F  SHA-256 of the data section
//
// The JSON header follows at 0x40, then padding to the next 64-byte
// boundary, then the tensor data section.
const (
	MagicBytes      = "KILN"
	FormatVersion   = 1
	FixedHeaderSize = 64
	HeaderAlignment = 64
	ChecksumSize    = 32
	ChecksumOffset  = 0x20
)

// Data type names used in the JSON header.
const (
	DTypeFloat32 = "float32"
	DTypeInt32   = "int32"
	DTypeUint8   = "uint8"
	DTypeBool    = "bool"
)

// Header flags.
const (
	FlagHasOptimizer uint32 = 1 << 0
	FlagHasMetadata  uint32 = 1 << 1
)

// Header is the JSON header of a .kiln file.
type Header struct {
	FormatVersion  int               `json:"format_version"`
	KilnVersion    string            `json:"kiln_version"`
	ModelType      string            `json:"model_type"`
	CreatedAt      time.Time         `json:"created_at"`
	Tensors        []TensorMeta      `json:"tensors"`
	Metadata       map[string]string `json:"metadata"`
	CheckpointMeta *CheckpointMeta   `json:"checkpoint,omitempty"`
}

// CheckpointMeta carries training state alongside the model weights.
type CheckpointMeta struct {
	Epoch         int     `json:"epoch"`
	Step          int64   `json:"step"`
	TrainLoss     float64 `json:"train_loss"`
	ValLoss       float64 `json:"val_loss"`
	ValAccuracy   float64 `json:"val_accuracy"`
	OptimizerType string  `json:"optimizer_type"`
}

// TensorMeta describes one tensor in the data section.
type TensorMeta struct {
	Name   string `json:"name"`
	DType  string `json:"dtype"`
	Shape  []int  `json:"shape"`
	Offset int64  `json:"offset"`
	Size   int64  `json:"size"`
}

func dtypeToString(dt tensor.DataType) string {
	switch dt {
	case tensor.Float32:
		return DTypeFloat32
	case tensor.Int32:
		return DTypeInt32
	case tensor.Uint8:
		return DTypeUint8
	case tensor.Bool:
		return DTypeBool
	default:
		return "unknown"
	}
}

func stringToDtype(s string) (tensor.DataType, bool) {
	switch s {
	case DTypeFloat32:
		return tensor.Float32, true
	case DTypeInt32:
		return tensor.Int32, true
	case DTypeUint8:
		return tensor.Uint8, true
	case DTypeBool:
		return tensor.Bool, true
	default:
		return 0, false
	}
}
