package optim_test

import (
	"math"
	"testing"

	"github.com/kiln-ml/kiln/internal/backend/cpu"
	"github.com/kiln-ml/kiln/internal/nn"
	"github.com/kiln-ml/kiln/internal/optim"
	"github.com/kiln-ml/kiln/internal/tensor"
)

func newParam(t *testing.T, backend *cpu.CPUBackend, name string, data []float32) *nn.Parameter[*cpu.CPUBackend] {
	t.Helper()
	ten, err := tensor.FromSlice(data, tensor.Shape{len(data)}, backend)
	if err != nil {
		t.Fatalf("FromSlice failed: %v", err)
	}
	return nn.NewParameter(name, ten)
}

func newGrad(t *testing.T, backend *cpu.CPUBackend, data []float32) *tensor.RawTensor {
	t.Helper()
	ten, err := tensor.FromSlice(data, tensor.Shape{len(data)}, backend)
	if err != nil {
		t.Fatalf("FromSlice failed: %v", err)
	}
	return ten.Raw()
}

func TestSGDStep(t *testing.T) {
	backend := cpu.New()
	param := newParam(t, backend, "w", []float32{2.0, -1.0})
	grad := newGrad(t, backend, []float32{1.0, 0.5})

	sgd := optim.NewSGD([]*nn.Parameter[*cpu.CPUBackend]{param}, optim.SGDConfig{LR: 0.1}, backend)
	sgd.Step(map[*tensor.RawTensor]*tensor.RawTensor{param.Tensor().Raw(): grad})

	got := param.Tensor().Data()
	want := []float32{1.9, -1.05}
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-6 {
			t.Errorf("param[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestSGDDefaultLR(t *testing.T) {
	backend := cpu.New()
	param := newParam(t, backend, "w", []float32{1.0})

	sgd := optim.NewSGD([]*nn.Parameter[*cpu.CPUBackend]{param}, optim.SGDConfig{}, backend)
	if sgd.LR() != 0.01 {
		t.Errorf("default LR = %v, want 0.01", sgd.LR())
	}
}

func TestSGDMomentum(t *testing.T) {
	backend := cpu.New()
	param := newParam(t, backend, "w", []float32{0.0})
	grad := newGrad(t, backend, []float32{1.0})
	grads := map[*tensor.RawTensor]*tensor.RawTensor{param.Tensor().Raw(): grad}

	sgd := optim.NewSGD([]*nn.Parameter[*cpu.CPUBackend]{param}, optim.SGDConfig{LR: 0.1, Momentum: 0.9}, backend)

	// Step 1: velocity = 1.0, param = -0.1.
	sgd.Step(grads)
	if got := param.Tensor().Data()[0]; math.Abs(float64(got+0.1)) > 1e-6 {
		t.Errorf("after step 1: param = %v, want -0.1", got)
	}

	// Step 2: velocity = 0.9 + 1.0 = 1.9, param = -0.1 - 0.19 = -0.29.
	sgd.Step(grads)
	if got := param.Tensor().Data()[0]; math.Abs(float64(got+0.29)) > 1e-6 {
		t.Errorf("after step 2: param = %v, want -0.29", got)
	}
}

func TestSGDSkipsParamsWithoutGradient(t *testing.T) {
	backend := cpu.New()
	param := newParam(t, backend, "w", []float32{5.0})

	sgd := optim.NewSGD([]*nn.Parameter[*cpu.CPUBackend]{param}, optim.SGDConfig{LR: 0.1}, backend)
	sgd.Step(map[*tensor.RawTensor]*tensor.RawTensor{})

	if got := param.Tensor().Data()[0]; got != 5.0 {
		t.Errorf("param changed without gradient: %v", got)
	}
}

func TestAdamDefaults(t *testing.T) {
	backend := cpu.New()
	param := newParam(t, backend, "w", []float32{1.0})

	adam := optim.NewAdam([]*nn.Parameter[*cpu.CPUBackend]{param}, optim.AdamConfig{}, backend)
	if adam.LR() != 0.001 {
		t.Errorf("default LR = %v, want 0.001", adam.LR())
	}
}

func TestAdamFirstStep(t *testing.T) {
	// On the first step the bias-corrected moments reduce to mHat = g
	// and vHat = g*g, so the update is lr * g / (|g| + eps): a step of
	// size ~lr in the negative gradient direction.
	backend := cpu.New()
	param := newParam(t, backend, "w", []float32{1.0, -2.0, 0.5})
	grad := newGrad(t, backend, []float32{0.5, -3.0, 0.001})

	adam := optim.NewAdam([]*nn.Parameter[*cpu.CPUBackend]{param}, optim.AdamConfig{LR: 0.01}, backend)
	adam.Step(map[*tensor.RawTensor]*tensor.RawTensor{param.Tensor().Raw(): grad})

	got := param.Tensor().Data()
	want := []float32{1.0 - 0.01, -2.0 + 0.01, 0.5 - 0.01}
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-4 {
			t.Errorf("param[%d] = %v, want %v", i, got[i], want[i])
		}
	}
	if adam.Timestep() != 1 {
		t.Errorf("timestep = %d, want 1", adam.Timestep())
	}
}

func TestAdamConvergesOnQuadratic(t *testing.T) {
	// Minimize f(x) = x² from x = 1. The gradient is 2x.
	backend := cpu.New()
	param := newParam(t, backend, "x", []float32{1.0})
	adam := optim.NewAdam([]*nn.Parameter[*cpu.CPUBackend]{param}, optim.AdamConfig{LR: 0.05}, backend)

	for i := 0; i < 200; i++ {
		x := param.Tensor().Data()[0]
		grad := newGrad(t, backend, []float32{2 * x})
		adam.Step(map[*tensor.RawTensor]*tensor.RawTensor{param.Tensor().Raw(): grad})
	}

	if got := param.Tensor().Data()[0]; math.Abs(float64(got)) > 0.05 {
		t.Errorf("x = %v after 200 steps, want near 0", got)
	}
}

func TestSetLR(t *testing.T) {
	backend := cpu.New()
	param := newParam(t, backend, "w", []float32{1.0})

	adam := optim.NewAdam([]*nn.Parameter[*cpu.CPUBackend]{param}, optim.AdamConfig{LR: 0.01}, backend)
	adam.SetLR(0.001)
	if adam.LR() != 0.001 {
		t.Errorf("LR after SetLR = %v, want 0.001", adam.LR())
	}

	sgd := optim.NewSGD([]*nn.Parameter[*cpu.CPUBackend]{param}, optim.SGDConfig{LR: 0.1}, backend)
	sgd.SetLR(0.01)
	if sgd.LR() != 0.01 {
		t.Errorf("LR after SetLR = %v, want 0.01", sgd.LR())
	}
}

func TestZeroGrad(t *testing.T) {
	backend := cpu.New()
	param := newParam(t, backend, "w", []float32{1.0})
	gradTensor, err := tensor.FromSlice([]float32{2.0}, tensor.Shape{1}, backend)
	if err != nil {
		t.Fatalf("FromSlice failed: %v", err)
	}
	param.SetGrad(gradTensor)

	sgd := optim.NewSGD([]*nn.Parameter[*cpu.CPUBackend]{param}, optim.SGDConfig{}, backend)
	sgd.ZeroGrad()

	if param.Grad() != nil {
		t.Error("gradient not cleared by ZeroGrad")
	}
}
