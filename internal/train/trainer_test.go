package train_test

import (
	"context"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiln-ml/kiln/internal/autodiff"
	"github.com/kiln-ml/kiln/internal/backend/cpu"
	"github.com/kiln-ml/kiln/internal/data"
	"github.com/kiln-ml/kiln/internal/nn"
	"github.com/kiln-ml/kiln/internal/tensor"
	"github.com/kiln-ml/kiln/internal/train"
)

type Backend = *autodiff.AutodiffBackend[*cpu.CPUBackend]

// onehotDataset is a trivially learnable dataset: sample i is a 1x2x2
// image with pixel i%4 set to one, labeled i%4.
type onehotDataset struct {
	n int
}

func (d *onehotDataset) Len() int { return d.n }

func (d *onehotDataset) Item(i int) ([]float32, int32) {
	chw := make([]float32, 4)
	chw[i%4] = 1
	return chw, int32(i % 4)
}

// zeroDataset is unlearnable by construction: every image is zero and
// the labels cycle through the four classes. With zero-initialized
// biases the gradients vanish and the loss stays at log(4) forever.
type zeroDataset struct {
	n int
}

func (d *zeroDataset) Len() int { return d.n }

func (d *zeroDataset) Item(i int) ([]float32, int32) {
	return make([]float32, 4), int32(i % 4)
}

// fakeDataModule serves pre-built loaders without touching the disk.
type fakeDataModule struct {
	train, val, test *data.Loader
}

func newFakeDataModule(ds data.Dataset, batchSize int) *fakeDataModule {
	shape := tensor.Shape{1, 2, 2}
	return &fakeDataModule{
		train: data.NewLoader(ds, shape, batchSize, false, nil),
		val:   data.NewLoader(ds, shape, batchSize, false, nil),
		test:  data.NewLoader(ds, shape, batchSize, false, nil),
	}
}

func (m *fakeDataModule) Prepare(ctx context.Context) error { return nil }
func (m *fakeDataModule) Setup() error                      { return nil }
func (m *fakeDataModule) TrainLoader() *data.Loader         { return m.train }
func (m *fakeDataModule) ValLoader() *data.Loader           { return m.val }
func (m *fakeDataModule) TestLoader() *data.Loader          { return m.test }
func (m *fakeDataModule) ImageShape() tensor.Shape          { return tensor.Shape{1, 2, 2} }
func (m *fakeDataModule) NumClasses() int                   { return 4 }
func (m *fakeDataModule) Name() string                      { return "fake" }

// recordingLogger captures every record for assertions.
type recordingLogger struct {
	mu      sync.Mutex
	records []loggedRecord
}

type loggedRecord struct {
	stage   string
	epoch   int
	step    int64
	metrics train.Metrics
}

func (r *recordingLogger) LogMetrics(stage string, epoch int, step int64, metrics train.Metrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := make(train.Metrics, len(metrics))
	for k, v := range metrics {
		copied[k] = v
	}
	r.records = append(r.records, loggedRecord{stage: stage, epoch: epoch, step: step, metrics: copied})
}

func (r *recordingLogger) Close() error { return nil }

func (r *recordingLogger) byStage(stage string) []loggedRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []loggedRecord
	for _, rec := range r.records {
		if rec.stage == stage {
			out = append(out, rec)
		}
	}
	return out
}

func newTestClassifier(t *testing.T, seed int64) (*train.Classifier[Backend], Backend) {
	t.Helper()
	backend := autodiff.New(cpu.New())
	model := nn.NewSequential[Backend](
		nn.NewFlatten[Backend](),
		nn.NewLinear(4, 4, rand.New(rand.NewSource(seed)), backend),
	)
	return train.NewClassifier[Backend](model, backend), backend
}

func TestFitTrainsAndLogsEpochMetrics(t *testing.T) {
	classifier, backend := newTestClassifier(t, 1)
	dm := newFakeDataModule(&onehotDataset{n: 16}, 4)
	logger := &recordingLogger{}

	trainer := train.NewTrainer(backend,
		train.WithMaxEpochs(3),
		train.WithLogger(logger),
		train.WithLogEveryNSteps(1),
	)

	result, err := trainer.Fit(context.Background(), classifier, dm)
	require.NoError(t, err)

	assert.Equal(t, 3, result.EpochsRun)
	assert.Equal(t, int64(12), result.GlobalStep, "3 epochs of 4 batches")
	assert.False(t, result.Stopped)
	assert.False(t, math.IsInf(result.BestValLoss, 1), "best val loss recorded")

	valRecords := logger.byStage("val")
	require.Len(t, valRecords, 3, "one epoch-level record per epoch")
	for _, rec := range valRecords {
		assert.Contains(t, rec.metrics, "train_loss")
		assert.Contains(t, rec.metrics, "val_loss")
		assert.Contains(t, rec.metrics, "val_acc")
		assert.Equal(t, int64(-1), rec.step)
	}

	trainRecords := logger.byStage("train")
	require.Len(t, trainRecords, 12, "per-step records at every step")

	// The dataset is trivially separable, so the loss must fall.
	first := valRecords[0].metrics["val_loss"]
	last := valRecords[2].metrics["val_loss"]
	assert.Less(t, last, first)
}

func TestFitEarlyStopping(t *testing.T) {
	// Zero inputs and zero-initialized biases leave the loss pinned at
	// log(4): no epoch ever improves on the first.
	classifier, backend := newTestClassifier(t, 1)
	dm := newFakeDataModule(&zeroDataset{n: 8}, 4)
	logger := &recordingLogger{}

	trainer := train.NewTrainer(backend,
		train.WithMaxEpochs(10),
		train.WithLogger(logger),
		train.WithEarlyStopping(2),
	)

	result, err := trainer.Fit(context.Background(), classifier, dm)
	require.NoError(t, err)

	assert.True(t, result.Stopped)
	assert.Equal(t, 3, result.EpochsRun, "first epoch sets the best, two more exhaust patience")
	assert.InDelta(t, math.Log(4), result.BestValLoss, 1e-4)
}

func TestFitCheckpointsAndRestore(t *testing.T) {
	classifier, backend := newTestClassifier(t, 1)
	dm := newFakeDataModule(&onehotDataset{n: 16}, 4)
	dir := t.TempDir()

	trainer := train.NewTrainer(backend,
		train.WithMaxEpochs(2),
		train.WithLogger(&recordingLogger{}),
		train.WithCheckpointDir(dir),
	)

	result, err := trainer.Fit(context.Background(), classifier, dm)
	require.NoError(t, err)

	for _, name := range []string{"epoch-000.kiln", "epoch-001.kiln", "best.kiln"} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, "expected checkpoint %s", name)
	}
	assert.Equal(t, filepath.Join(dir, "best.kiln"), result.BestCheckpoint)

	// Restoring the best checkpoint into a fresh model reproduces the
	// trained evaluation metrics.
	restored, restoredBackend := newTestClassifier(t, 777)
	meta, err := train.LoadCheckpoint(result.BestCheckpoint, restored)
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, "Adam", meta.OptimizerType)

	original := train.NewTrainer(backend, train.WithLogger(&recordingLogger{}))
	fresh := train.NewTrainer(restoredBackend, train.WithLogger(&recordingLogger{}))

	wantMetrics, err := original.Test(context.Background(), classifier, dm)
	require.NoError(t, err)
	gotMetrics, err := fresh.Test(context.Background(), restored, dm)
	require.NoError(t, err)

	assert.InDelta(t, wantMetrics["test_loss"], gotMetrics["test_loss"], 1e-5)
	assert.InDelta(t, wantMetrics["test_acc"], gotMetrics["test_acc"], 1e-6)
}

func TestFitHonorsContextCancellation(t *testing.T) {
	classifier, backend := newTestClassifier(t, 1)
	dm := newFakeDataModule(&onehotDataset{n: 16}, 4)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	trainer := train.NewTrainer(backend, train.WithLogger(&recordingLogger{}))
	_, err := trainer.Fit(ctx, classifier, dm)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTestReportsHeldOutMetrics(t *testing.T) {
	classifier, backend := newTestClassifier(t, 1)
	dm := newFakeDataModule(&onehotDataset{n: 16}, 4)
	logger := &recordingLogger{}

	trainer := train.NewTrainer(backend, train.WithLogger(logger))
	metrics, err := trainer.Test(context.Background(), classifier, dm)
	require.NoError(t, err)

	assert.Contains(t, metrics, "test_loss")
	assert.Contains(t, metrics, "test_acc")
	require.Len(t, logger.byStage("test"), 1)
}

func TestTrainingStepMetrics(t *testing.T) {
	classifier, backend := newTestClassifier(t, 1)
	dm := newFakeDataModule(&onehotDataset{n: 8}, 8)

	backend.Tape().StartRecording()
	defer backend.Tape().Clear()

	batch, err := dm.TrainLoader().Next()
	require.NoError(t, err)

	loss, res := classifier.TrainingStep(batch)
	assert.Equal(t, 8, res.BatchSize)
	assert.Greater(t, res.Loss, float32(0))
	assert.GreaterOrEqual(t, res.Accuracy, float32(0))
	assert.LessOrEqual(t, res.Accuracy, float32(1))
	assert.InDelta(t, float64(res.Loss), float64(loss.Item()), 1e-6)
}

func TestConfigureOptimizerDefaults(t *testing.T) {
	classifier, _ := newTestClassifier(t, 1)

	optimizer := classifier.ConfigureOptimizer()
	assert.InDelta(t, 0.001, optimizer.LR(), 1e-9, "learning-rate-free contract: Adam defaults")
}
