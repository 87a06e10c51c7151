package autodiff_test

import (
	"math"
	"testing"

	"github.com/kiln-ml/kiln/internal/autodiff"
	"github.com/kiln-ml/kiln/internal/backend/cpu"
	"github.com/kiln-ml/kiln/internal/tensor"
)

type adBackend = *autodiff.AutodiffBackend[*cpu.CPUBackend]

func newBackend() adBackend {
	return autodiff.New(cpu.New())
}

func fromSlice(t *testing.T, backend adBackend, data []float32, shape tensor.Shape) *tensor.Tensor[float32, adBackend] {
	t.Helper()
	ten, err := tensor.FromSlice(data, shape, backend)
	if err != nil {
		t.Fatalf("FromSlice failed: %v", err)
	}
	return ten
}

func floatsNear(a, b []float32, eps float32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if float32(math.Abs(float64(a[i]-b[i]))) > eps {
			return false
		}
	}
	return true
}

// numericalGrad estimates dLoss/dx by central differences, rebuilding
// the forward pass from scratch for each perturbed element.
func numericalGrad(f func(x []float32) float32, x []float32, eps float32) []float32 {
	grad := make([]float32, len(x))
	for i := range x {
		perturbed := make([]float32, len(x))
		copy(perturbed, x)

		perturbed[i] = x[i] + eps
		plus := f(perturbed)

		perturbed[i] = x[i] - eps
		minus := f(perturbed)

		grad[i] = (plus - minus) / (2 * eps)
	}
	return grad
}

func TestTapeLifecycle(t *testing.T) {
	backend := newBackend()
	tape := backend.Tape()

	if tape.IsRecording() {
		t.Error("new tape should not be recording")
	}

	x := fromSlice(t, backend, []float32{1, 2}, tensor.Shape{2})
	_ = x.Add(x)
	if tape.NumOps() != 0 {
		t.Errorf("expected 0 ops before StartRecording, got %d", tape.NumOps())
	}

	tape.StartRecording()
	_ = x.Add(x)
	_ = x.MulScalar(2)
	if tape.NumOps() != 2 {
		t.Errorf("expected 2 ops, got %d", tape.NumOps())
	}

	tape.StopRecording()
	_ = x.Add(x)
	if tape.NumOps() != 2 {
		t.Errorf("ops recorded while stopped, got %d", tape.NumOps())
	}

	tape.StartRecording()
	tape.Clear()
	if tape.NumOps() != 0 {
		t.Errorf("Clear left %d ops", tape.NumOps())
	}
	if !tape.IsRecording() {
		t.Error("Clear should preserve recording state")
	}
}

func TestBackwardWithoutOpsPanics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic for empty tape")
		}
	}()

	backend := newBackend()
	x := fromSlice(t, backend, []float32{1}, tensor.Shape{1})
	autodiff.Backward(x, backend)
}

func TestAddBackward(t *testing.T) {
	backend := newBackend()
	x := fromSlice(t, backend, []float32{1, 2, 3}, tensor.Shape{3})
	y := fromSlice(t, backend, []float32{4, 5, 6}, tensor.Shape{3})

	backend.Tape().StartRecording()
	z := x.Add(y)
	grads := autodiff.Backward(z, backend)

	ones := []float32{1, 1, 1}
	if !floatsNear(grads[x.Raw()].AsFloat32(), ones, 1e-6) {
		t.Errorf("dz/dx = %v, want %v", grads[x.Raw()].AsFloat32(), ones)
	}
	if !floatsNear(grads[y.Raw()].AsFloat32(), ones, 1e-6) {
		t.Errorf("dz/dy = %v, want %v", grads[y.Raw()].AsFloat32(), ones)
	}
}

func TestMulBackwardProductRule(t *testing.T) {
	backend := newBackend()
	x := fromSlice(t, backend, []float32{2, 3}, tensor.Shape{2})
	y := fromSlice(t, backend, []float32{5, 7}, tensor.Shape{2})

	backend.Tape().StartRecording()
	z := x.Mul(y)
	grads := autodiff.Backward(z, backend)

	if !floatsNear(grads[x.Raw()].AsFloat32(), []float32{5, 7}, 1e-6) {
		t.Errorf("dz/dx = %v, want y", grads[x.Raw()].AsFloat32())
	}
	if !floatsNear(grads[y.Raw()].AsFloat32(), []float32{2, 3}, 1e-6) {
		t.Errorf("dz/dy = %v, want x", grads[y.Raw()].AsFloat32())
	}
}

func TestGradientAccumulation(t *testing.T) {
	// z = x * x reuses x, so both branch gradients sum: dz/dx = 2x.
	backend := newBackend()
	x := fromSlice(t, backend, []float32{3, -4}, tensor.Shape{2})

	backend.Tape().StartRecording()
	z := x.Mul(x)
	grads := autodiff.Backward(z, backend)

	if !floatsNear(grads[x.Raw()].AsFloat32(), []float32{6, -8}, 1e-5) {
		t.Errorf("d(x*x)/dx = %v, want 2x", grads[x.Raw()].AsFloat32())
	}
}

func TestScalarOpChain(t *testing.T) {
	backend := newBackend()
	x := fromSlice(t, backend, []float32{1, 2, 3, 4}, tensor.Shape{4})

	backend.Tape().StartRecording()
	loss := x.MulScalar(3).AddScalar(1).Sum()
	grads := autodiff.Backward(loss, backend)

	want := []float32{3, 3, 3, 3}
	if !floatsNear(grads[x.Raw()].AsFloat32(), want, 1e-6) {
		t.Errorf("grad = %v, want %v", grads[x.Raw()].AsFloat32(), want)
	}
}

func TestReLUBackwardMask(t *testing.T) {
	backend := newBackend()
	x := fromSlice(t, backend, []float32{-2, -0.5, 0, 0.5, 2}, tensor.Shape{5})

	backend.Tape().StartRecording()
	raw := backend.ReLU(x.Raw())
	out := tensor.New[float32](raw, backend)
	loss := out.Sum()
	grads := autodiff.Backward(loss, backend)

	want := []float32{0, 0, 0, 1, 1}
	if !floatsNear(grads[x.Raw()].AsFloat32(), want, 1e-6) {
		t.Errorf("relu grad = %v, want %v", grads[x.Raw()].AsFloat32(), want)
	}
}

func TestMatMulBackward(t *testing.T) {
	aData := []float32{1, 2, 3, 4, 5, 6}
	bData := []float32{0.5, -1, 2, 1.5, -0.5, 3}

	backend := newBackend()
	a := fromSlice(t, backend, aData, tensor.Shape{2, 3})
	b := fromSlice(t, backend, bData, tensor.Shape{3, 2})

	backend.Tape().StartRecording()
	loss := a.MatMul(b).Sum()
	grads := autodiff.Backward(loss, backend)

	lossFn := func(which int) func([]float32) float32 {
		return func(x []float32) float32 {
			plain := cpu.New()
			var am, bm *tensor.Tensor[float32, *cpu.CPUBackend]
			var err error
			if which == 0 {
				am, err = tensor.FromSlice(x, tensor.Shape{2, 3}, plain)
			} else {
				am, err = tensor.FromSlice(aData, tensor.Shape{2, 3}, plain)
			}
			if err != nil {
				t.Fatalf("FromSlice failed: %v", err)
			}
			if which == 1 {
				bm, err = tensor.FromSlice(x, tensor.Shape{3, 2}, plain)
			} else {
				bm, err = tensor.FromSlice(bData, tensor.Shape{3, 2}, plain)
			}
			if err != nil {
				t.Fatalf("FromSlice failed: %v", err)
			}
			return am.MatMul(bm).Sum().Item()
		}
	}

	numA := numericalGrad(lossFn(0), aData, 1e-2)
	numB := numericalGrad(lossFn(1), bData, 1e-2)

	if !floatsNear(grads[a.Raw()].AsFloat32(), numA, 1e-2) {
		t.Errorf("dL/dA = %v, numerical %v", grads[a.Raw()].AsFloat32(), numA)
	}
	if !floatsNear(grads[b.Raw()].AsFloat32(), numB, 1e-2) {
		t.Errorf("dL/dB = %v, numerical %v", grads[b.Raw()].AsFloat32(), numB)
	}
}

func TestSoftmaxBackward(t *testing.T) {
	xData := []float32{0.2, -0.5, 1.1, 0.4, 0.0, -1.3}
	wData := []float32{1, 0, 0, 0, 2, 0}

	backend := newBackend()
	x := fromSlice(t, backend, xData, tensor.Shape{2, 3})
	w := fromSlice(t, backend, wData, tensor.Shape{2, 3})

	backend.Tape().StartRecording()
	loss := x.Softmax(1).Mul(w).Sum()
	grads := autodiff.Backward(loss, backend)

	numeric := numericalGrad(func(v []float32) float32 {
		plain := cpu.New()
		xm, err := tensor.FromSlice(v, tensor.Shape{2, 3}, plain)
		if err != nil {
			t.Fatalf("FromSlice failed: %v", err)
		}
		wm, err := tensor.FromSlice(wData, tensor.Shape{2, 3}, plain)
		if err != nil {
			t.Fatalf("FromSlice failed: %v", err)
		}
		return xm.Softmax(1).Mul(wm).Sum().Item()
	}, xData, 1e-2)

	if !floatsNear(grads[x.Raw()].AsFloat32(), numeric, 1e-3) {
		t.Errorf("softmax grad = %v, numerical %v", grads[x.Raw()].AsFloat32(), numeric)
	}
}

func TestCrossEntropyBackward(t *testing.T) {
	// For fused softmax cross-entropy, dL/dlogits is
	// (softmax(logits) - onehot(target)) / batchSize.
	backend := newBackend()
	logits := fromSlice(t, backend, []float32{2, 1, 0.1, 0, 0, 0}, tensor.Shape{2, 3})
	targetsRaw, err := tensor.NewRaw(tensor.Shape{2}, tensor.Int32, backend.Device())
	if err != nil {
		t.Fatalf("NewRaw failed: %v", err)
	}
	copy(targetsRaw.AsInt32(), []int32{0, 2})

	backend.Tape().StartRecording()
	lossRaw := backend.CrossEntropy(logits.Raw(), targetsRaw)
	loss := tensor.New[float32](lossRaw, backend)
	grads := autodiff.Backward(loss, backend)

	softmax := logits.Softmax(1).Data()
	want := make([]float32, 6)
	copy(want, softmax)
	want[0] -= 1 // row 0 target 0
	want[5] -= 1 // row 1 target 2
	for i := range want {
		want[i] /= 2
	}

	got := grads[logits.Raw()].AsFloat32()
	if !floatsNear(got, want, 1e-5) {
		t.Errorf("cross-entropy grad = %v, want %v", got, want)
	}
}

func TestBatchNorm2DBackward(t *testing.T) {
	// Input {1, 2, 2, 2}: two channels of four values each.
	xData := []float32{1, 2, 3, 4, 10, 20, 30, 40}
	wData := []float32{1, -1, 2, 0.5, 0.3, 1, -2, 1}

	backend := newBackend()
	x := fromSlice(t, backend, xData, tensor.Shape{1, 2, 2, 2})
	w := fromSlice(t, backend, wData, tensor.Shape{1, 2, 2, 2})
	gamma := fromSlice(t, backend, []float32{1.5, 0.5}, tensor.Shape{2})
	beta := fromSlice(t, backend, []float32{0.1, -0.2}, tensor.Shape{2})

	backend.Tape().StartRecording()
	outRaw, _, _ := backend.BatchNorm2D(x.Raw(), gamma.Raw(), beta.Raw(), 1e-5)
	out := tensor.New[float32](outRaw, backend)
	loss := out.Mul(w).Sum()
	grads := autodiff.Backward(loss, backend)

	// dL/dbeta is the per-channel sum of the upstream gradient.
	dbeta := grads[beta.Raw()].AsFloat32()
	wantDBeta := []float32{
		wData[0] + wData[1] + wData[2] + wData[3],
		wData[4] + wData[5] + wData[6] + wData[7],
	}
	if !floatsNear(dbeta, wantDBeta, 1e-4) {
		t.Errorf("dbeta = %v, want %v", dbeta, wantDBeta)
	}

	// The input gradient of batch normalization sums to zero per
	// channel regardless of the upstream gradient.
	dx := grads[x.Raw()].AsFloat32()
	for c := 0; c < 2; c++ {
		var sum float32
		for i := 0; i < 4; i++ {
			sum += dx[c*4+i]
		}
		if math.Abs(float64(sum)) > 1e-4 {
			t.Errorf("channel %d input gradient sums to %v, want 0", c, sum)
		}
	}

	// dL/dgamma is the per-channel sum of upstream gradient times the
	// normalized input.
	dgamma := grads[gamma.Raw()].AsFloat32()
	for c := 0; c < 2; c++ {
		var mean, variance float32
		for i := 0; i < 4; i++ {
			mean += xData[c*4+i]
		}
		mean /= 4
		for i := 0; i < 4; i++ {
			d := xData[c*4+i] - mean
			variance += d * d
		}
		variance /= 4
		rstd := float32(1 / math.Sqrt(float64(variance)+1e-5))

		var want float32
		for i := 0; i < 4; i++ {
			xhat := (xData[c*4+i] - mean) * rstd
			want += wData[c*4+i] * xhat
		}
		if math.Abs(float64(dgamma[c]-want)) > 1e-3 {
			t.Errorf("dgamma[%d] = %v, want %v", c, dgamma[c], want)
		}
	}
}

func TestConv2DBackwardNumerical(t *testing.T) {
	inData := []float32{1, 2, 3, 4, 5, 6, 7, 8, 9}
	kData := []float32{0.5, -1, 1.5, 2}

	backend := newBackend()
	input := fromSlice(t, backend, inData, tensor.Shape{1, 1, 3, 3})
	kernel := fromSlice(t, backend, kData, tensor.Shape{1, 1, 2, 2})

	backend.Tape().StartRecording()
	outRaw := backend.Conv2D(input.Raw(), kernel.Raw(), 1, 0)
	out := tensor.New[float32](outRaw, backend)
	loss := out.Sum()
	grads := autodiff.Backward(loss, backend)

	forward := func(in, k []float32) float32 {
		plain := cpu.New()
		im, err := tensor.FromSlice(in, tensor.Shape{1, 1, 3, 3}, plain)
		if err != nil {
			t.Fatalf("FromSlice failed: %v", err)
		}
		km, err := tensor.FromSlice(k, tensor.Shape{1, 1, 2, 2}, plain)
		if err != nil {
			t.Fatalf("FromSlice failed: %v", err)
		}
		raw := plain.Conv2D(im.Raw(), km.Raw(), 1, 0)
		return plain.Sum(raw).AsFloat32()[0]
	}

	numIn := numericalGrad(func(v []float32) float32 { return forward(v, kData) }, inData, 1e-2)
	numK := numericalGrad(func(v []float32) float32 { return forward(inData, v) }, kData, 1e-2)

	if !floatsNear(grads[input.Raw()].AsFloat32(), numIn, 1e-2) {
		t.Errorf("conv input grad = %v, numerical %v", grads[input.Raw()].AsFloat32(), numIn)
	}
	if !floatsNear(grads[kernel.Raw()].AsFloat32(), numK, 1e-2) {
		t.Errorf("conv kernel grad = %v, numerical %v", grads[kernel.Raw()].AsFloat32(), numK)
	}
}

func TestMaxPool2DBackwardRouting(t *testing.T) {
	backend := newBackend()
	x := fromSlice(t, backend, []float32{
		1, 2, 3, 4,
		5, 6, 7, 8,
		9, 10, 11, 12,
		13, 14, 15, 16,
	}, tensor.Shape{1, 1, 4, 4})

	backend.Tape().StartRecording()
	outRaw := backend.MaxPool2D(x.Raw(), 2, 2)
	out := tensor.New[float32](outRaw, backend)
	loss := out.Sum()
	grads := autodiff.Backward(loss, backend)

	// Gradient flows only to each window's maximum.
	want := []float32{
		0, 0, 0, 0,
		0, 1, 0, 1,
		0, 0, 0, 0,
		0, 1, 0, 1,
	}
	if !floatsNear(grads[x.Raw()].AsFloat32(), want, 1e-6) {
		t.Errorf("maxpool grad = %v, want %v", grads[x.Raw()].AsFloat32(), want)
	}
}
