package nn

import (
	"fmt"
	"math"

	"github.com/kiln-ml/kiln/internal/tensor"
)

// BatchNorm2DBackend is the capability interface for backends with a
// fused, differentiable batch normalization. It returns the normalized
// output plus the per-channel batch mean and variance so the layer can
// maintain running statistics.
type BatchNorm2DBackend interface {
	BatchNorm2D(input, gamma, beta *tensor.RawTensor, eps float32) (*tensor.RawTensor, []float32, []float32)
}

// BatchNorm2D normalizes NCHW activations per channel.
//
// In training mode the layer normalizes with batch statistics and
// updates exponential running averages; in evaluation mode it
// normalizes with the running averages. Gamma starts at one, beta at
// zero.
type BatchNorm2D[B tensor.Backend] struct {
	numFeatures int
	eps         float32
	momentum    float32
	training    bool

	gamma *Parameter[B]
	beta  *Parameter[B]

	runningMean *tensor.RawTensor // [numFeatures]
	runningVar  *tensor.RawTensor // [numFeatures]

	backend B
}

// NewBatchNorm2D creates a batch normalization layer for numFeatures
// channels with eps 1e-5 and running-average momentum 0.1.
func NewBatchNorm2D[B tensor.Backend](numFeatures int, backend B) *BatchNorm2D[B] {
	if numFeatures <= 0 {
		panic(fmt.Sprintf("batchnorm2d: invalid feature count %d", numFeatures))
	}

	shape := tensor.Shape{numFeatures}
	gamma := NewParameter("gamma", Ones(shape, backend))
	beta := NewParameter("beta", Zeros(shape, backend))

	runningMean, err := tensor.NewRaw(shape, tensor.Float32, backend.Device())
	if err != nil {
		panic(err)
	}
	runningVar, err := tensor.NewRaw(shape, tensor.Float32, backend.Device())
	if err != nil {
		panic(err)
	}
	for i := range runningVar.AsFloat32() {
		runningVar.AsFloat32()[i] = 1
	}

	return &BatchNorm2D[B]{
		numFeatures: numFeatures,
		eps:         1e-5,
		momentum:    0.1,
		training:    true,
		gamma:       gamma,
		beta:        beta,
		runningMean: runningMean,
		runningVar:  runningVar,
		backend:     backend,
	}
}

// SetTraining switches between batch statistics and running averages.
func (bn *BatchNorm2D[B]) SetTraining(training bool) {
	bn.training = training
}

// Forward normalizes the input per channel.
func (bn *BatchNorm2D[B]) Forward(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	shape := input.Shape()
	if len(shape) != 4 {
		panic(fmt.Sprintf("batchnorm2d: expected 4D input [N,C,H,W], got %dD", len(shape)))
	}
	if shape[1] != bn.numFeatures {
		panic(fmt.Sprintf("batchnorm2d: input channels %d != expected %d", shape[1], bn.numFeatures))
	}

	if !bn.training {
		return bn.forwardEval(input)
	}

	if bnBackend, ok := any(bn.backend).(BatchNorm2DBackend); ok {
		outputRaw, mean, variance := bnBackend.BatchNorm2D(
			input.Raw(), bn.gamma.Tensor().Raw(), bn.beta.Tensor().Raw(), bn.eps)
		bn.updateRunningStats(mean, variance)
		return tensor.New[float32, B](outputRaw, bn.backend)
	}

	// Plain backends get a forward-only normalization with batch
	// statistics; gradients require an autodiff backend.
	output, mean, variance := bn.forwardTrainPlain(input)
	bn.updateRunningStats(mean, variance)
	return output
}

func (bn *BatchNorm2D[B]) updateRunningStats(mean, variance []float32) {
	m := bn.momentum
	runningMean := bn.runningMean.AsFloat32()
	runningVar := bn.runningVar.AsFloat32()
	for c := 0; c < bn.numFeatures; c++ {
		runningMean[c] = (1-m)*runningMean[c] + m*mean[c]
		runningVar[c] = (1-m)*runningVar[c] + m*variance[c]
	}
}

// forwardEval normalizes with the stored running statistics.
func (bn *BatchNorm2D[B]) forwardEval(input *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	shape := input.Shape()
	batch, channels := shape[0], shape[1]
	spatial := shape[2] * shape[3]

	result, err := tensor.NewRaw(shape, tensor.Float32, bn.backend.Device())
	if err != nil {
		panic(err)
	}

	data := input.Raw().AsFloat32()
	outData := result.AsFloat32()
	gammaData := bn.gamma.Tensor().Data()
	betaData := bn.beta.Tensor().Data()
	meanData := bn.runningMean.AsFloat32()
	varData := bn.runningVar.AsFloat32()

	for c := 0; c < channels; c++ {
		rstd := float32(1 / math.Sqrt(float64(varData[c])+float64(bn.eps)))
		scale := gammaData[c] * rstd
		shift := betaData[c] - meanData[c]*scale
		for b := 0; b < batch; b++ {
			offset := (b*channels + c) * spatial
			for i := 0; i < spatial; i++ {
				outData[offset+i] = data[offset+i]*scale + shift
			}
		}
	}

	return tensor.New[float32, B](result, bn.backend)
}

// forwardTrainPlain computes a batch-statistics forward pass without
// gradient tracking.
func (bn *BatchNorm2D[B]) forwardTrainPlain(input *tensor.Tensor[float32, B]) (*tensor.Tensor[float32, B], []float32, []float32) {
	shape := input.Shape()
	batch, channels := shape[0], shape[1]
	spatial := shape[2] * shape[3]
	n := float64(batch * spatial)

	result, err := tensor.NewRaw(shape, tensor.Float32, bn.backend.Device())
	if err != nil {
		panic(err)
	}

	data := input.Raw().AsFloat32()
	outData := result.AsFloat32()
	gammaData := bn.gamma.Tensor().Data()
	betaData := bn.beta.Tensor().Data()

	mean := make([]float32, channels)
	variance := make([]float32, channels)

	for c := 0; c < channels; c++ {
		var sum float64
		for b := 0; b < batch; b++ {
			offset := (b*channels + c) * spatial
			for i := 0; i < spatial; i++ {
				sum += float64(data[offset+i])
			}
		}
		m := sum / n

		var sqSum float64
		for b := 0; b < batch; b++ {
			offset := (b*channels + c) * spatial
			for i := 0; i < spatial; i++ {
				d := float64(data[offset+i]) - m
				sqSum += d * d
			}
		}
		v := sqSum / n

		mean[c] = float32(m)
		variance[c] = float32(v)

		rstd := 1 / math.Sqrt(v+float64(bn.eps))
		scale := gammaData[c] * float32(rstd)
		shift := betaData[c] - float32(m)*scale
		for b := 0; b < batch; b++ {
			offset := (b*channels + c) * spatial
			for i := 0; i < spatial; i++ {
				outData[offset+i] = data[offset+i]*scale + shift
			}
		}
	}

	return tensor.New[float32, B](result, bn.backend), mean, variance
}

// Parameters returns gamma and beta. Running statistics are state, not
// parameters, and are excluded from optimization.
func (bn *BatchNorm2D[B]) Parameters() []*Parameter[B] {
	return []*Parameter[B]{bn.gamma, bn.beta}
}

// NumFeatures returns the number of normalized channels.
func (bn *BatchNorm2D[B]) NumFeatures() int {
	return bn.numFeatures
}

// StateDict returns parameters and running statistics keyed by name.
func (bn *BatchNorm2D[B]) StateDict() map[string]*tensor.RawTensor {
	return map[string]*tensor.RawTensor{
		"gamma":        bn.gamma.Tensor().Raw(),
		"beta":         bn.beta.Tensor().Raw(),
		"running_mean": bn.runningMean,
		"running_var":  bn.runningVar,
	}
}

// LoadStateDict restores parameters and running statistics.
func (bn *BatchNorm2D[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	shape := tensor.Shape{bn.numFeatures}
	if err := loadParam(stateDict, "gamma", bn.gamma, shape); err != nil {
		return err
	}
	if err := loadParam(stateDict, "beta", bn.beta, shape); err != nil {
		return err
	}
	for _, entry := range []struct {
		name string
		dst  *tensor.RawTensor
	}{
		{"running_mean", bn.runningMean},
		{"running_var", bn.runningVar},
	} {
		raw, ok := stateDict[entry.name]
		if !ok {
			return fmt.Errorf("missing %s in state dict", entry.name)
		}
		if !raw.Shape().Equal(shape) {
			return fmt.Errorf("%s shape mismatch: expected %v, got %v", entry.name, shape, raw.Shape())
		}
		copy(entry.dst.AsFloat32(), raw.AsFloat32())
	}
	return nil
}
