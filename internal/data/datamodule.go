package data

import (
	"context"
	"fmt"
	"math/rand"
	"os"

	"github.com/kiln-ml/kiln/internal/tensor"
)

// PathDatasetsEnv is the environment variable naming the dataset root
// directory.
const PathDatasetsEnv = "PATH_DATASETS"

// DefaultRoot returns the dataset root: PATH_DATASETS when set,
// otherwise the current directory.
func DefaultRoot() string {
	if root := os.Getenv(PathDatasetsEnv); root != "" {
		return root
	}
	return "."
}

// DataModule bundles everything the trainer needs from a dataset:
// download, deterministic train/val/test splits, and the three
// loaders. Prepare must run before Setup, Setup before any loader
// call.
type DataModule interface {
	// Prepare downloads the raw dataset files if needed.
	Prepare(ctx context.Context) error

	// Setup decodes the files and builds the splits and loaders.
	Setup() error

	TrainLoader() *Loader
	ValLoader() *Loader
	TestLoader() *Loader

	// ImageShape returns the per-sample [C, H, W] shape.
	ImageShape() tensor.Shape

	NumClasses() int
	Name() string
}

// ModuleConfig configures a DataModule.
type ModuleConfig struct {
	Root      string // dataset root; DefaultRoot() when empty
	BatchSize int
	Seed      int64 // seeds the split permutation and train shuffling
}

func (c *ModuleConfig) fill() {
	if c.Root == "" {
		c.Root = DefaultRoot()
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 64
	}
}

// splitSizes of the official training sets. The validation samples are
// carved out of the training split; the test split is the official
// test set.
const (
	mnistTrainSplit   = 55000
	mnistValSplit     = 5000
	cifar10TrainSplit = 45000
	cifar10ValSplit   = 5000
)

// imageDataModule is the shared implementation behind the MNIST and
// CIFAR-10 modules.
type imageDataModule struct {
	name       string
	config     ModuleConfig
	imageShape tensor.Shape
	numClasses int
	trainSplit int
	valSplit   int

	download func(ctx context.Context, root string) error
	load     func(root string, train bool) (Dataset, error)

	trainLoader *Loader
	valLoader   *Loader
	testLoader  *Loader
}

// NewMNIST creates the MNIST data module: 55000 train + 5000 val from
// the official training set, 10000 test.
func NewMNIST(config ModuleConfig) DataModule {
	config.fill()
	return &imageDataModule{
		name:       "mnist",
		config:     config,
		imageShape: tensor.Shape{1, MNISTImageSize, MNISTImageSize},
		numClasses: MNISTNumClasses,
		trainSplit: mnistTrainSplit,
		valSplit:   mnistValSplit,
		download:   DownloadMNIST,
		load:       LoadMNIST,
	}
}

// NewCIFAR10 creates the CIFAR-10 data module: 45000 train + 5000 val
// from the official training set, 10000 test.
func NewCIFAR10(config ModuleConfig) DataModule {
	config.fill()
	return &imageDataModule{
		name:       "cifar10",
		config:     config,
		imageShape: tensor.Shape{3, CIFAR10ImageSize, CIFAR10ImageSize},
		numClasses: CIFAR10NumClasses,
		trainSplit: cifar10TrainSplit,
		valSplit:   cifar10ValSplit,
		download:   DownloadCIFAR10,
		load:       LoadCIFAR10,
	}
}

func (m *imageDataModule) Name() string {
	return m.name
}

func (m *imageDataModule) Prepare(ctx context.Context) error {
	return m.download(ctx, m.config.Root)
}

func (m *imageDataModule) Setup() error {
	trainFull, err := m.load(m.config.Root, true)
	if err != nil {
		return err
	}
	testSet, err := m.load(m.config.Root, false)
	if err != nil {
		return err
	}

	splitRng := rand.New(rand.NewSource(m.config.Seed))
	splits, err := RandomSplit(trainFull, []int{m.trainSplit, m.valSplit}, splitRng)
	if err != nil {
		return fmt.Errorf("%s: %w", m.name, err)
	}

	shuffleRng := rand.New(rand.NewSource(m.config.Seed + 1))
	m.trainLoader = NewLoader(splits[0], m.imageShape, m.config.BatchSize, true, shuffleRng)
	m.valLoader = NewLoader(splits[1], m.imageShape, m.config.BatchSize, false, nil)
	m.testLoader = NewLoader(testSet, m.imageShape, m.config.BatchSize, false, nil)
	return nil
}

func (m *imageDataModule) loaderOrPanic(l *Loader, which string) *Loader {
	if l == nil {
		panic(fmt.Sprintf("%s: %s loader requested before Setup", m.name, which))
	}
	return l
}

func (m *imageDataModule) TrainLoader() *Loader {
	return m.loaderOrPanic(m.trainLoader, "train")
}

func (m *imageDataModule) ValLoader() *Loader {
	return m.loaderOrPanic(m.valLoader, "val")
}

func (m *imageDataModule) TestLoader() *Loader {
	return m.loaderOrPanic(m.testLoader, "test")
}

func (m *imageDataModule) ImageShape() tensor.Shape {
	return m.imageShape
}

func (m *imageDataModule) NumClasses() int {
	return m.numClasses
}
