// Package main provides the kiln training CLI.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"

	"github.com/kiln-ml/kiln/autodiff"
	"github.com/kiln-ml/kiln/backend/cpu"
	"github.com/kiln-ml/kiln/backend/webgpu"
	"github.com/kiln-ml/kiln/data"
	"github.com/kiln-ml/kiln/tensor"
	"github.com/kiln-ml/kiln/train"
	"github.com/kiln-ml/kiln/vision"
)

const version = "v0.1.0"

func usage() {
	fmt.Println("kiln - image classification training")
	fmt.Printf("Version: %s\n\n", version)
	fmt.Println("Commands:")
	fmt.Println("  train      Train a model")
	fmt.Println("  eval       Evaluate a checkpoint on the test split")
	fmt.Println("  version    Show version")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "train":
		err = trainCmd(ctx, os.Args[2:])
	case "eval":
		err = evalCmd(ctx, os.Args[2:])
	case "version":
		fmt.Printf("kiln %s\n", version)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatal(err)
	}
}

// loadRunConfig parses the shared train/eval flags into a run
// configuration. Flags override config file values.
func loadRunConfig(fs *flag.FlagSet, args []string) (train.Config, error) {
	configPath := fs.String("config", "", "YAML config file")
	dataset := fs.String("dataset", "", "Dataset: mnist or cifar10")
	dataRoot := fs.String("data-root", "", "Dataset root directory (default: $PATH_DATASETS)")
	depth := fs.Int("depth", 0, "ResNet depth (6n+2: 20, 32, 56)")
	epochs := fs.Int("epochs", 0, "Number of training epochs")
	accelerator := fs.String("accelerator", "", "Accelerator: auto, cpu or gpu")
	seed := fs.Int64("seed", -1, "Random seed")
	checkpointDir := fs.String("checkpoint-dir", "", "Checkpoint output directory")
	logDir := fs.String("log-dir", "", "Metrics log directory")

	if err := fs.Parse(args); err != nil {
		return train.Config{}, err
	}

	config := train.DefaultConfig()
	if *configPath != "" {
		loaded, err := train.LoadConfig(*configPath)
		if err != nil {
			return config, err
		}
		config = loaded
	}

	if *dataset != "" {
		config.Dataset = *dataset
	}
	if *dataRoot != "" {
		config.DataRoot = *dataRoot
	}
	if *depth != 0 {
		config.ModelDepth = *depth
	}
	if *epochs != 0 {
		config.MaxEpochs = *epochs
	}
	if *accelerator != "" {
		config.Accelerator = train.Accelerator(*accelerator)
	}
	if *seed >= 0 {
		config.Seed = *seed
	}
	if *checkpointDir != "" {
		config.CheckpointDir = *checkpointDir
	}
	if *logDir != "" {
		config.LogDir = *logDir
	}

	return config, config.Validate()
}

func trainCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("train", flag.ExitOnError)
	config, err := loadRunConfig(fs, args)
	if err != nil {
		return err
	}
	return withBackend(config, func(gpu *webgpu.Backend) error {
		if gpu != nil {
			defer gpu.Release()
			return runTrain(ctx, config, gpu)
		}
		return runTrain(ctx, config, cpu.New())
	})
}

func evalCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("eval", flag.ExitOnError)
	checkpoint := fs.String("checkpoint", "", "Checkpoint file to evaluate (required)")
	config, err := loadRunConfig(fs, args)
	if err != nil {
		return err
	}
	if *checkpoint == "" {
		return fmt.Errorf("eval: -checkpoint is required")
	}
	return withBackend(config, func(gpu *webgpu.Backend) error {
		if gpu != nil {
			defer gpu.Release()
			return runEval(ctx, config, *checkpoint, gpu)
		}
		return runEval(ctx, config, *checkpoint, cpu.New())
	})
}

// withBackend resolves the accelerator choice. fn receives a non-nil GPU
// backend when one should be used, nil for the CPU path.
func withBackend(config train.Config, fn func(gpu *webgpu.Backend) error) error {
	switch config.Accelerator {
	case train.AcceleratorCPU:
		return fn(nil)
	case train.AcceleratorGPU:
		gpu, err := webgpu.New()
		if err != nil {
			return fmt.Errorf("accelerator gpu requested: %w", err)
		}
		return fn(gpu)
	default: // auto
		gpu, err := webgpu.New()
		if err != nil {
			log.Printf("webgpu unavailable, falling back to cpu: %v", err)
			return fn(nil)
		}
		return fn(gpu)
	}
}

func dataModule(config train.Config, batchSize int) data.DataModule {
	moduleConfig := data.ModuleConfig{
		Root:      config.DataRoot,
		BatchSize: batchSize,
		Seed:      config.Seed,
	}
	if config.Dataset == "cifar10" {
		return data.NewCIFAR10(moduleConfig)
	}
	return data.NewMNIST(moduleConfig)
}

// setup prepares the datamodule and builds the model and classifier on
// the autodiff-wrapped backend.
func setup[Base tensor.Backend](ctx context.Context, config train.Config, base Base) (*autodiff.Backend[Base], data.DataModule, *train.Classifier[*autodiff.Backend[Base]], error) {
	backend := autodiff.New(base)
	batchSize := train.BatchSizeFor(base.Device())

	dm := dataModule(config, batchSize)
	if err := dm.Prepare(ctx); err != nil {
		return nil, nil, nil, fmt.Errorf("prepare %s: %w", dm.Name(), err)
	}
	if err := dm.Setup(); err != nil {
		return nil, nil, nil, fmt.Errorf("setup %s: %w", dm.Name(), err)
	}

	rng := rand.New(rand.NewSource(config.Seed))
	model := vision.NewResNet(config.ModelDepth, dm.ImageShape()[0], dm.NumClasses(), rng, backend)
	classifier := train.NewClassifier[*autodiff.Backend[Base]](model, backend)

	log.Printf("backend=%s dataset=%s depth=%d batch_size=%d seed=%d",
		base.Name(), dm.Name(), config.ModelDepth, batchSize, config.Seed)

	return backend, dm, classifier, nil
}

func runTrain[Base tensor.Backend](ctx context.Context, config train.Config, base Base) error {
	backend, dm, classifier, err := setup(ctx, config, base)
	if err != nil {
		return err
	}

	var logger train.Logger = train.NewConsoleLogger()
	if config.LogDir != "" {
		jsonl, err := train.NewJSONLLogger(config.LogDir)
		if err != nil {
			return err
		}
		defer jsonl.Close()
		logger = train.NewMultiLogger(logger, jsonl)
	}

	trainer := train.NewTrainer(backend,
		train.WithMaxEpochs(config.MaxEpochs),
		train.WithLogger(logger),
		train.WithCheckpointDir(config.CheckpointDir),
		train.WithEarlyStopping(config.EarlyStopPatience),
	)

	result, err := trainer.Fit(ctx, classifier, dm)
	if err != nil {
		return err
	}
	log.Printf("fit done: epochs=%d steps=%d best_val_loss=%.4f best_val_acc=%.4f",
		result.EpochsRun, result.GlobalStep, result.BestValLoss, result.BestValAccuracy)
	if result.BestCheckpoint != "" {
		log.Printf("best checkpoint: %s", result.BestCheckpoint)
	}

	testMetrics, err := trainer.Test(ctx, classifier, dm)
	if err != nil {
		return err
	}
	log.Printf("test: loss=%.4f acc=%.4f", testMetrics["test_loss"], testMetrics["test_acc"])
	return nil
}

func runEval[Base tensor.Backend](ctx context.Context, config train.Config, checkpoint string, base Base) error {
	backend, dm, classifier, err := setup(ctx, config, base)
	if err != nil {
		return err
	}

	meta, err := train.LoadCheckpoint(checkpoint, classifier)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if meta != nil {
		log.Printf("checkpoint: epoch=%d step=%d val_loss=%.4f val_acc=%.4f",
			meta.Epoch, meta.Step, meta.ValLoss, meta.ValAccuracy)
	}

	trainer := train.NewTrainer(backend, train.WithMaxEpochs(config.MaxEpochs))
	testMetrics, err := trainer.Test(ctx, classifier, dm)
	if err != nil {
		return err
	}
	log.Printf("test: loss=%.4f acc=%.4f", testMetrics["test_loss"], testMetrics["test_acc"])
	return nil
}
