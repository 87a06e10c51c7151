// Package train implements the training loop: the Trainer owns
// epochs, batches, the gradient tape, validation, checkpointing and
// early stopping, while the Classifier adapter owns the per-batch
// forward pass and metrics.
package train

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/kiln-ml/kiln/internal/autodiff"
	"github.com/kiln-ml/kiln/internal/data"
	"github.com/kiln-ml/kiln/internal/optim"
	"github.com/kiln-ml/kiln/internal/serialization"
)

// Trainer runs the fit/validate/test loops for a classifier.
type Trainer[B autodiff.BackwardCapable] struct {
	backend B
	opts    trainerOptions
}

type trainerOptions struct {
	maxEpochs         int
	logger            Logger
	checkpointDir     string
	earlyStopPatience int
	logEveryNSteps    int64
}

// Option configures a Trainer.
type Option func(*trainerOptions)

// WithMaxEpochs sets how many epochs Fit runs.
func WithMaxEpochs(n int) Option {
	return func(o *trainerOptions) { o.maxEpochs = n }
}

// WithLogger sets the metrics sink. Use NewMultiLogger to combine
// several.
func WithLogger(l Logger) Option {
	return func(o *trainerOptions) { o.logger = l }
}

// WithCheckpointDir enables checkpointing into dir: one checkpoint per
// epoch plus best.kiln tracking the best validation accuracy.
func WithCheckpointDir(dir string) Option {
	return func(o *trainerOptions) { o.checkpointDir = dir }
}

// WithEarlyStopping stops training after patience epochs without
// validation loss improvement.
func WithEarlyStopping(patience int) Option {
	return func(o *trainerOptions) { o.earlyStopPatience = patience }
}

// WithLogEveryNSteps throttles per-step train_loss records.
func WithLogEveryNSteps(n int64) Option {
	return func(o *trainerOptions) { o.logEveryNSteps = n }
}

// NewTrainer creates a Trainer on backend.
func NewTrainer[B autodiff.BackwardCapable](backend B, opts ...Option) *Trainer[B] {
	options := trainerOptions{
		maxEpochs:      3,
		logger:         NewConsoleLogger(),
		logEveryNSteps: 50,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return &Trainer[B]{backend: backend, opts: options}
}

// FitResult summarizes a completed fit.
type FitResult struct {
	EpochsRun       int
	GlobalStep      int64
	BestValLoss     float64
	BestValAccuracy float64
	BestCheckpoint  string
	Stopped         bool // true when early stopping triggered
}

// Fit trains the classifier on the data module's training split,
// validating after every epoch. The data module must be Prepared and
// Setup before the call.
func (t *Trainer[B]) Fit(ctx context.Context, classifier *Classifier[B], dm data.DataModule) (*FitResult, error) {
	optimizer := classifier.ConfigureOptimizer()
	tape := t.backend.GetTape()

	result := &FitResult{
		BestValLoss:     math.Inf(1),
		BestValAccuracy: 0,
	}
	epochsSinceImprovement := 0

	for epoch := 0; epoch < t.opts.maxEpochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		trainLoss, err := t.trainEpoch(ctx, classifier, dm.TrainLoader(), optimizer, epoch, &result.GlobalStep)
		if err != nil {
			return result, err
		}

		valMetrics, err := t.evaluate(ctx, classifier, dm.ValLoader())
		if err != nil {
			return result, err
		}

		valLoss := valMetrics["val_loss"]
		valAcc := valMetrics["val_acc"]
		t.opts.logger.LogMetrics("val", epoch, -1, Metrics{
			"train_loss": trainLoss,
			"val_loss":   valLoss,
			"val_acc":    valAcc,
		})

		result.EpochsRun = epoch + 1

		improved := valLoss < result.BestValLoss
		if improved {
			result.BestValLoss = valLoss
			epochsSinceImprovement = 0
		} else {
			epochsSinceImprovement++
		}
		if valAcc > result.BestValAccuracy {
			result.BestValAccuracy = valAcc
		}

		if t.opts.checkpointDir != "" {
			path, err := t.saveCheckpoint(classifier, epoch, result.GlobalStep, trainLoss, valLoss, valAcc, improved)
			if err != nil {
				return result, fmt.Errorf("checkpoint failed: %w", err)
			}
			if improved {
				result.BestCheckpoint = path
			}
		}

		if t.opts.earlyStopPatience > 0 && epochsSinceImprovement >= t.opts.earlyStopPatience {
			result.Stopped = true
			break
		}
	}

	tape.Clear()
	tape.StopRecording()
	return result, nil
}

// trainEpoch runs one pass over the training loader and returns the
// sample-weighted mean loss.
func (t *Trainer[B]) trainEpoch(ctx context.Context, classifier *Classifier[B], loader *data.Loader, optimizer optim.Optimizer, epoch int, globalStep *int64) (float64, error) {
	classifier.Model().SetTraining(true)
	tape := t.backend.GetTape()
	loader.Reset()

	var lossSum float64
	var sampleCount int

	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		batch, err := loader.Next()
		if err != nil {
			return 0, err
		}
		if batch == nil {
			break
		}

		optimizer.ZeroGrad()
		tape.Clear()
		tape.StartRecording()

		loss, res := classifier.TrainingStep(batch)

		grads := autodiff.Backward(loss, t.backend)
		tape.StopRecording()
		optimizer.Step(grads)
		tape.Clear()

		lossSum += float64(res.Loss) * float64(res.BatchSize)
		sampleCount += res.BatchSize
		*globalStep++

		if t.opts.logEveryNSteps > 0 && *globalStep%t.opts.logEveryNSteps == 0 {
			t.opts.logger.LogMetrics("train", epoch, *globalStep, Metrics{
				"train_loss": float64(res.Loss),
				"train_acc":  float64(res.Accuracy),
			})
		}
	}

	if sampleCount == 0 {
		return 0, fmt.Errorf("train loader produced no batches")
	}
	return lossSum / float64(sampleCount), nil
}

// evaluate runs the classifier over a loader without gradients and
// returns sample-weighted val_loss and val_acc.
func (t *Trainer[B]) evaluate(ctx context.Context, classifier *Classifier[B], loader *data.Loader) (Metrics, error) {
	classifier.Model().SetTraining(false)
	tape := t.backend.GetTape()
	tape.StopRecording()
	defer tape.Clear()

	loader.Reset()

	var lossSum, accSum float64
	var sampleCount int
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		batch, err := loader.Next()
		if err != nil {
			return nil, err
		}
		if batch == nil {
			break
		}

		res := classifier.EvalStep(batch)
		lossSum += float64(res.Loss) * float64(res.BatchSize)
		accSum += float64(res.Accuracy) * float64(res.BatchSize)
		sampleCount += res.BatchSize
	}

	if sampleCount == 0 {
		return nil, fmt.Errorf("eval loader produced no batches")
	}
	return Metrics{
		"val_loss": lossSum / float64(sampleCount),
		"val_acc":  accSum / float64(sampleCount),
	}, nil
}

// Validate runs one validation pass and logs the metrics.
func (t *Trainer[B]) Validate(ctx context.Context, classifier *Classifier[B], dm data.DataModule) (Metrics, error) {
	metrics, err := t.evaluate(ctx, classifier, dm.ValLoader())
	if err != nil {
		return nil, err
	}
	t.opts.logger.LogMetrics("val", -1, -1, metrics)
	return metrics, nil
}

// Test evaluates the classifier on the held-out test split.
func (t *Trainer[B]) Test(ctx context.Context, classifier *Classifier[B], dm data.DataModule) (Metrics, error) {
	raw, err := t.evaluate(ctx, classifier, dm.TestLoader())
	if err != nil {
		return nil, err
	}
	metrics := Metrics{
		"test_loss": raw["val_loss"],
		"test_acc":  raw["val_acc"],
	}
	t.opts.logger.LogMetrics("test", -1, -1, metrics)
	return metrics, nil
}

func (t *Trainer[B]) saveCheckpoint(classifier *Classifier[B], epoch int, step int64, trainLoss, valLoss, valAcc float64, best bool) (string, error) {
	if err := os.MkdirAll(t.opts.checkpointDir, 0o755); err != nil {
		return "", err
	}

	meta := serialization.CheckpointMeta{
		Epoch:         epoch,
		Step:          step,
		TrainLoss:     trainLoss,
		ValLoss:       valLoss,
		ValAccuracy:   valAcc,
		OptimizerType: "Adam",
	}

	stateDict := classifier.Model().StateDict()
	path := filepath.Join(t.opts.checkpointDir, fmt.Sprintf("epoch-%03d.kiln", epoch))
	if err := serialization.SaveCheckpoint(path, stateDict, "ResNet", meta); err != nil {
		return "", err
	}

	if best {
		bestPath := filepath.Join(t.opts.checkpointDir, "best.kiln")
		if err := serialization.SaveCheckpoint(bestPath, stateDict, "ResNet", meta); err != nil {
			return "", err
		}
		return bestPath, nil
	}
	return path, nil
}
