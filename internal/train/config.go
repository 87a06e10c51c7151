package train

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kiln-ml/kiln/internal/tensor"
)

// Batch sizes are fixed by hardware: large batches only pay off when a
// GPU is doing the arithmetic.
const (
	BatchSizeGPU = 256
	BatchSizeCPU = 64
)

// Accelerator selects the compute device.
type Accelerator string

const (
	AcceleratorAuto Accelerator = "auto"
	AcceleratorCPU  Accelerator = "cpu"
	AcceleratorGPU  Accelerator = "gpu"
)

// Config is the YAML-backed run configuration.
type Config struct {
	Dataset       string      `yaml:"dataset"`        // mnist or cifar10
	DataRoot      string      `yaml:"data_root"`      // empty: PATH_DATASETS or "."
	ModelDepth    int         `yaml:"model_depth"`    // resnet depth, 6n+2
	MaxEpochs     int         `yaml:"max_epochs"`
	Accelerator   Accelerator `yaml:"accelerator"`
	Seed          int64       `yaml:"seed"`
	CheckpointDir string      `yaml:"checkpoint_dir"`
	LogDir        string      `yaml:"log_dir"`

	// EarlyStopPatience stops training after this many epochs without
	// val_loss improvement; 0 disables early stopping.
	EarlyStopPatience int `yaml:"early_stop_patience"`
}

// DefaultConfig returns the baseline configuration.
func DefaultConfig() Config {
	return Config{
		Dataset:       "mnist",
		ModelDepth:    20,
		MaxEpochs:     3,
		Accelerator:   AcceleratorAuto,
		Seed:          7,
		CheckpointDir: "checkpoints",
		LogDir:        "runs",
	}
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (Config, error) {
	config := DefaultConfig()

	raw, err := os.ReadFile(path)
	if err != nil {
		return config, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &config); err != nil {
		return config, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return config, err
	}
	return config, nil
}

// Validate checks the configuration for contradictions.
func (c *Config) Validate() error {
	switch c.Dataset {
	case "mnist", "cifar10":
	default:
		return fmt.Errorf("config: unknown dataset %q", c.Dataset)
	}
	switch c.Accelerator {
	case AcceleratorAuto, AcceleratorCPU, AcceleratorGPU:
	default:
		return fmt.Errorf("config: unknown accelerator %q", c.Accelerator)
	}
	if c.MaxEpochs <= 0 {
		return fmt.Errorf("config: max_epochs must be positive, got %d", c.MaxEpochs)
	}
	if c.ModelDepth < 8 || (c.ModelDepth-2)%6 != 0 {
		return fmt.Errorf("config: model_depth must be 6n+2, got %d", c.ModelDepth)
	}
	if c.EarlyStopPatience < 0 {
		return fmt.Errorf("config: early_stop_patience must be non-negative, got %d", c.EarlyStopPatience)
	}
	return nil
}

// BatchSizeFor returns the batch size dictated by the device.
func BatchSizeFor(device tensor.Device) int {
	if device == tensor.WebGPU {
		return BatchSizeGPU
	}
	return BatchSizeCPU
}
