package train

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Metrics is one set of named scalar values.
type Metrics map[string]float64

// Logger receives training metrics. Stage is "train", "val" or
// "test"; step is the global batch counter, -1 for epoch-level
// records.
type Logger interface {
	LogMetrics(stage string, epoch int, step int64, metrics Metrics)
	Close() error
}

// ConsoleLogger prints metrics through the standard logger.
type ConsoleLogger struct{}

// NewConsoleLogger creates a console logger.
func NewConsoleLogger() *ConsoleLogger {
	return &ConsoleLogger{}
}

// LogMetrics prints one record.
func (c *ConsoleLogger) LogMetrics(stage string, epoch int, step int64, metrics Metrics) {
	keys := make([]string, 0, len(metrics))
	for k := range metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	line := fmt.Sprintf("epoch %d", epoch)
	if step >= 0 {
		line += fmt.Sprintf(" step %d", step)
	}
	line += " [" + stage + "]"
	for _, k := range keys {
		line += fmt.Sprintf(" %s=%.4f", k, metrics[k])
	}
	log.Print(line)
}

// Close is a no-op.
func (c *ConsoleLogger) Close() error {
	return nil
}

// JSONLLogger appends one JSON object per record to metrics.jsonl in a
// fresh run directory, so concurrent runs never collide.
type JSONLLogger struct {
	runDir string
	file   *os.File
	enc    *json.Encoder
}

type jsonlRecord struct {
	Time    time.Time `json:"time"`
	Stage   string    `json:"stage"`
	Epoch   int       `json:"epoch"`
	Step    int64     `json:"step,omitempty"`
	Metrics Metrics   `json:"metrics"`
}

// NewJSONLLogger creates a run directory under baseDir named by a
// random run ID and opens its metrics file.
func NewJSONLLogger(baseDir string) (*JSONLLogger, error) {
	runDir := filepath.Join(baseDir, uuid.NewString())
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}

	file, err := os.Create(filepath.Join(runDir, "metrics.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics file: %w", err)
	}

	return &JSONLLogger{
		runDir: runDir,
		file:   file,
		enc:    json.NewEncoder(file),
	}, nil
}

// RunDir returns the run directory path.
func (j *JSONLLogger) RunDir() string {
	return j.runDir
}

// LogMetrics appends one record.
func (j *JSONLLogger) LogMetrics(stage string, epoch int, step int64, metrics Metrics) {
	rec := jsonlRecord{
		Time:    time.Now().UTC(),
		Stage:   stage,
		Epoch:   epoch,
		Step:    step,
		Metrics: metrics,
	}
	if err := j.enc.Encode(rec); err != nil {
		log.Printf("jsonl logger: failed to write record: %v", err)
	}
}

// Close closes the metrics file.
func (j *JSONLLogger) Close() error {
	return j.file.Close()
}

// MultiLogger fans records out to several loggers.
type MultiLogger struct {
	loggers []Logger
}

// NewMultiLogger wraps the given loggers as one.
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	return &MultiLogger{loggers: loggers}
}

// LogMetrics forwards the record to every logger.
func (m *MultiLogger) LogMetrics(stage string, epoch int, step int64, metrics Metrics) {
	for _, l := range m.loggers {
		l.LogMetrics(stage, epoch, step, metrics)
	}
}

// Close closes every logger, returning the first error.
func (m *MultiLogger) Close() error {
	var firstErr error
	for _, l := range m.loggers {
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
