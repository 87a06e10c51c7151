package train_test

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiln-ml/kiln/internal/tensor"
	"github.com/kiln-ml/kiln/internal/train"
)

func TestDefaultConfigIsValid(t *testing.T) {
	config := train.DefaultConfig()
	assert.NoError(t, config.Validate())
	assert.Equal(t, "mnist", config.Dataset)
	assert.Equal(t, train.AcceleratorAuto, config.Accelerator)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*train.Config)
		wantErr string
	}{
		{"unknown dataset", func(c *train.Config) { c.Dataset = "imagenet" }, "unknown dataset"},
		{"unknown accelerator", func(c *train.Config) { c.Accelerator = "tpu" }, "unknown accelerator"},
		{"zero epochs", func(c *train.Config) { c.MaxEpochs = 0 }, "max_epochs"},
		{"bad depth", func(c *train.Config) { c.ModelDepth = 21 }, "model_depth"},
		{"depth too small", func(c *train.Config) { c.ModelDepth = 2 }, "model_depth"},
		{"negative patience", func(c *train.Config) { c.EarlyStopPatience = -1 }, "early_stop_patience"},
		{"cifar10 ok", func(c *train.Config) { c.Dataset = "cifar10" }, ""},
		{"depth 56 ok", func(c *train.Config) { c.ModelDepth = 56 }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := train.DefaultConfig()
			tt.mutate(&config)

			err := config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := strings.Join([]string{
		"dataset: cifar10",
		"model_depth: 32",
		"max_epochs: 10",
		"accelerator: cpu",
		"seed: 123",
		"early_stop_patience: 3",
	}, "\n")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	config, err := train.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "cifar10", config.Dataset)
	assert.Equal(t, 32, config.ModelDepth)
	assert.Equal(t, 10, config.MaxEpochs)
	assert.Equal(t, train.AcceleratorCPU, config.Accelerator)
	assert.Equal(t, int64(123), config.Seed)
	assert.Equal(t, 3, config.EarlyStopPatience)

	// Unset fields keep the defaults.
	assert.Equal(t, "checkpoints", config.CheckpointDir)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("dataset: imagenet\n"), 0o644))

	_, err := train.LoadConfig(path)
	assert.ErrorContains(t, err, "unknown dataset")
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := train.LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestBatchSizeFor(t *testing.T) {
	assert.Equal(t, 256, train.BatchSizeFor(tensor.WebGPU))
	assert.Equal(t, 64, train.BatchSizeFor(tensor.CPU))
}

func TestJSONLLogger(t *testing.T) {
	base := t.TempDir()
	logger, err := train.NewJSONLLogger(base)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(logger.RunDir(), base))

	logger.LogMetrics("train", 0, 10, train.Metrics{"train_loss": 1.5})
	logger.LogMetrics("val", 0, -1, train.Metrics{"val_loss": 0.9, "val_acc": 0.5})
	require.NoError(t, logger.Close())

	f, err := os.Open(filepath.Join(logger.RunDir(), "metrics.jsonl"))
	require.NoError(t, err)
	defer f.Close()

	var lines []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		lines = append(lines, rec)
	}
	require.NoError(t, scanner.Err())
	require.Len(t, lines, 2)

	assert.Equal(t, "train", lines[0]["stage"])
	metrics := lines[1]["metrics"].(map[string]any)
	assert.InDelta(t, 0.9, metrics["val_loss"].(float64), 1e-9)
}

func TestJSONLLoggerSeparatesRuns(t *testing.T) {
	base := t.TempDir()

	a, err := train.NewJSONLLogger(base)
	require.NoError(t, err)
	defer a.Close()
	b, err := train.NewJSONLLogger(base)
	require.NoError(t, err)
	defer b.Close()

	assert.NotEqual(t, a.RunDir(), b.RunDir())
}

func TestMultiLoggerFansOut(t *testing.T) {
	first := &recordingLogger{}
	second := &recordingLogger{}

	multi := train.NewMultiLogger(first, second)
	multi.LogMetrics("val", 2, -1, train.Metrics{"val_acc": 0.75})
	require.NoError(t, multi.Close())

	require.Len(t, first.byStage("val"), 1)
	require.Len(t, second.byStage("val"), 1)
	assert.InDelta(t, 0.75, first.byStage("val")[0].metrics["val_acc"], 1e-9)
}
