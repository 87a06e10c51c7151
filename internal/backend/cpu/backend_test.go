package cpu_test

import (
	"math"
	"testing"

	"github.com/kiln-ml/kiln/internal/backend/cpu"
	"github.com/kiln-ml/kiln/internal/tensor"
)

type cpuTensor = tensor.Tensor[float32, *cpu.CPUBackend]

func fromSlice(t *testing.T, backend *cpu.CPUBackend, data []float32, shape tensor.Shape) *cpuTensor {
	t.Helper()
	x, err := tensor.FromSlice(data, shape, backend)
	if err != nil {
		t.Fatalf("FromSlice: %v", err)
	}
	return x
}

func floatsNear(a, b []float32, eps float32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		diff := a[i] - b[i]
		if diff < 0 {
			diff = -diff
		}
		if diff > eps {
			return false
		}
	}
	return true
}

func TestAddSameShape(t *testing.T) {
	backend := cpu.New()
	a := fromSlice(t, backend, []float32{1, 2, 3, 4}, tensor.Shape{2, 2})
	b := fromSlice(t, backend, []float32{10, 20, 30, 40}, tensor.Shape{2, 2})

	c := a.Add(b)
	want := []float32{11, 22, 33, 44}
	if !floatsNear(c.Data(), want, 1e-6) {
		t.Errorf("Add = %v, want %v", c.Data(), want)
	}
}

func TestAddBroadcastBias(t *testing.T) {
	backend := cpu.New()
	x := fromSlice(t, backend, []float32{1, 2, 3, 4, 5, 6}, tensor.Shape{2, 3})
	bias := fromSlice(t, backend, []float32{10, 20, 30}, tensor.Shape{1, 3})

	y := x.Add(bias)
	if !y.Shape().Equal(tensor.Shape{2, 3}) {
		t.Fatalf("broadcast Add shape = %v, want [2 3]", y.Shape())
	}
	want := []float32{11, 22, 33, 14, 25, 36}
	if !floatsNear(y.Data(), want, 1e-6) {
		t.Errorf("broadcast Add = %v, want %v", y.Data(), want)
	}
}

func TestSubMulDiv(t *testing.T) {
	backend := cpu.New()
	a := fromSlice(t, backend, []float32{4, 9, 16, 25}, tensor.Shape{4})
	b := fromSlice(t, backend, []float32{2, 3, 4, 5}, tensor.Shape{4})

	if got, want := a.Sub(b).Data(), []float32{2, 6, 12, 20}; !floatsNear(got, want, 1e-6) {
		t.Errorf("Sub = %v, want %v", got, want)
	}
	if got, want := a.Mul(b).Data(), []float32{8, 27, 64, 125}; !floatsNear(got, want, 1e-6) {
		t.Errorf("Mul = %v, want %v", got, want)
	}
	if got, want := a.Div(b).Data(), []float32{2, 3, 4, 5}; !floatsNear(got, want, 1e-6) {
		t.Errorf("Div = %v, want %v", got, want)
	}
}

func TestMatMul(t *testing.T) {
	backend := cpu.New()
	a := fromSlice(t, backend, []float32{1, 2, 3, 4, 5, 6}, tensor.Shape{2, 3})
	b := fromSlice(t, backend, []float32{7, 8, 9, 10, 11, 12}, tensor.Shape{3, 2})

	c := a.MatMul(b)
	if !c.Shape().Equal(tensor.Shape{2, 2}) {
		t.Fatalf("MatMul shape = %v, want [2 2]", c.Shape())
	}
	want := []float32{58, 64, 139, 154}
	if !floatsNear(c.Data(), want, 1e-5) {
		t.Errorf("MatMul = %v, want %v", c.Data(), want)
	}
}

func TestTranspose2D(t *testing.T) {
	backend := cpu.New()
	a := fromSlice(t, backend, []float32{1, 2, 3, 4, 5, 6}, tensor.Shape{2, 3})

	at := a.T()
	if !at.Shape().Equal(tensor.Shape{3, 2}) {
		t.Fatalf("T shape = %v, want [3 2]", at.Shape())
	}
	want := []float32{1, 4, 2, 5, 3, 6}
	if !floatsNear(at.Data(), want, 1e-6) {
		t.Errorf("T = %v, want %v", at.Data(), want)
	}
}

func TestReshape(t *testing.T) {
	backend := cpu.New()
	a := fromSlice(t, backend, []float32{0, 1, 2, 3, 4, 5}, tensor.Shape{6})

	b := a.Reshape(2, 3)
	if !b.Shape().Equal(tensor.Shape{2, 3}) {
		t.Fatalf("Reshape shape = %v, want [2 3]", b.Shape())
	}
	if !floatsNear(b.Data(), a.Data(), 0) {
		t.Error("Reshape should preserve data")
	}
}

func TestScalarOps(t *testing.T) {
	backend := cpu.New()
	a := fromSlice(t, backend, []float32{1, 2, 3}, tensor.Shape{3})

	if got, want := a.MulScalar(2).Data(), []float32{2, 4, 6}; !floatsNear(got, want, 1e-6) {
		t.Errorf("MulScalar = %v, want %v", got, want)
	}
	if got, want := a.AddScalar(-1).Data(), []float32{0, 1, 2}; !floatsNear(got, want, 1e-6) {
		t.Errorf("AddScalar = %v, want %v", got, want)
	}
}

func TestMathOps(t *testing.T) {
	backend := cpu.New()
	a := fromSlice(t, backend, []float32{0, 1, 4}, tensor.Shape{3})

	exp := a.Exp().Data()
	wantExp := []float32{1, float32(math.E), float32(math.Exp(4))}
	if !floatsNear(exp, wantExp, 1e-3) {
		t.Errorf("Exp = %v, want %v", exp, wantExp)
	}

	sqrt := a.Sqrt().Data()
	if !floatsNear(sqrt, []float32{0, 1, 2}, 1e-6) {
		t.Errorf("Sqrt = %v, want [0 1 2]", sqrt)
	}

	b := fromSlice(t, backend, []float32{1, float32(math.E)}, tensor.Shape{2})
	log := b.Log().Data()
	if !floatsNear(log, []float32{0, 1}, 1e-5) {
		t.Errorf("Log = %v, want [0 1]", log)
	}
}

func TestSoftmax(t *testing.T) {
	backend := cpu.New()
	logits := fromSlice(t, backend, []float32{1, 2, 3, 1, 1, 1}, tensor.Shape{2, 3})

	probs := logits.Softmax(1)
	data := probs.Data()

	// Rows sum to 1.
	for row := 0; row < 2; row++ {
		var sum float32
		for col := 0; col < 3; col++ {
			sum += data[row*3+col]
		}
		if sum < 0.999 || sum > 1.001 {
			t.Errorf("softmax row %d sums to %f, want 1", row, sum)
		}
	}

	// Uniform logits give uniform probabilities.
	if !floatsNear(data[3:], []float32{1.0 / 3, 1.0 / 3, 1.0 / 3}, 1e-5) {
		t.Errorf("uniform softmax = %v, want thirds", data[3:])
	}

	// Larger logit gets larger probability.
	if !(data[2] > data[1] && data[1] > data[0]) {
		t.Errorf("softmax not monotone in logits: %v", data[:3])
	}
}

func TestSumAndSumDim(t *testing.T) {
	backend := cpu.New()
	a := fromSlice(t, backend, []float32{1, 2, 3, 4, 5, 6}, tensor.Shape{2, 3})

	total := a.Sum()
	if total.Raw().AsFloat32()[0] != 21 {
		t.Errorf("Sum = %f, want 21", total.Raw().AsFloat32()[0])
	}

	rows := a.SumDim(1, false)
	if !rows.Shape().Equal(tensor.Shape{2}) {
		t.Fatalf("SumDim shape = %v, want [2]", rows.Shape())
	}
	if !floatsNear(rows.Data(), []float32{6, 15}, 1e-6) {
		t.Errorf("SumDim(1) = %v, want [6 15]", rows.Data())
	}

	cols := a.SumDim(0, true)
	if !cols.Shape().Equal(tensor.Shape{1, 3}) {
		t.Fatalf("SumDim keepDim shape = %v, want [1 3]", cols.Shape())
	}
	if !floatsNear(cols.Data(), []float32{5, 7, 9}, 1e-6) {
		t.Errorf("SumDim(0) = %v, want [5 7 9]", cols.Data())
	}

	mean := a.MeanDim(-1, false)
	if !floatsNear(mean.Data(), []float32{2, 5}, 1e-6) {
		t.Errorf("MeanDim(-1) = %v, want [2 5]", mean.Data())
	}
}

func TestArgmax(t *testing.T) {
	backend := cpu.New()
	logits := fromSlice(t, backend, []float32{0.1, 0.9, 0.0, 0.7, 0.2, 0.1}, tensor.Shape{2, 3})

	pred := logits.Argmax(1)
	if !pred.Shape().Equal(tensor.Shape{2}) {
		t.Fatalf("Argmax shape = %v, want [2]", pred.Shape())
	}
	got := pred.Raw().AsInt32()
	if got[0] != 1 || got[1] != 0 {
		t.Errorf("Argmax = %v, want [1 0]", got)
	}
}

func TestReLU(t *testing.T) {
	backend := cpu.New()
	raw, _ := tensor.NewRaw(tensor.Shape{4}, tensor.Float32, tensor.CPU)
	copy(raw.AsFloat32(), []float32{-2, -0.5, 0, 3})

	out := backend.ReLU(raw)
	if !floatsNear(out.AsFloat32(), []float32{0, 0, 0, 3}, 1e-6) {
		t.Errorf("ReLU = %v, want [0 0 0 3]", out.AsFloat32())
	}
}

func TestConv2DIdentityKernel(t *testing.T) {
	backend := cpu.New()
	input := fromSlice(t, backend,
		[]float32{1, 2, 3, 4, 5, 6, 7, 8, 9},
		tensor.Shape{1, 1, 3, 3})
	// 1x1 kernel with weight 1 is the identity.
	kernel := fromSlice(t, backend, []float32{1}, tensor.Shape{1, 1, 1, 1})

	out := backend.Conv2D(input.Raw(), kernel.Raw(), 1, 0)
	if !out.Shape().Equal(tensor.Shape{1, 1, 3, 3}) {
		t.Fatalf("Conv2D shape = %v, want [1 1 3 3]", out.Shape())
	}
	if !floatsNear(out.AsFloat32(), input.Data(), 1e-6) {
		t.Error("1x1 identity kernel should preserve the input")
	}
}

func TestConv2DSumKernel(t *testing.T) {
	backend := cpu.New()
	input := fromSlice(t, backend,
		[]float32{1, 2, 3, 4, 5, 6, 7, 8, 9},
		tensor.Shape{1, 1, 3, 3})
	// 3x3 all-ones kernel sums the window.
	kernel := fromSlice(t, backend,
		[]float32{1, 1, 1, 1, 1, 1, 1, 1, 1},
		tensor.Shape{1, 1, 3, 3})

	out := backend.Conv2D(input.Raw(), kernel.Raw(), 1, 0)
	if !out.Shape().Equal(tensor.Shape{1, 1, 1, 1}) {
		t.Fatalf("Conv2D shape = %v, want [1 1 1 1]", out.Shape())
	}
	if out.AsFloat32()[0] != 45 {
		t.Errorf("Conv2D sum = %f, want 45", out.AsFloat32()[0])
	}

	// Same kernel with padding 1 keeps the spatial size.
	padded := backend.Conv2D(input.Raw(), kernel.Raw(), 1, 1)
	if !padded.Shape().Equal(tensor.Shape{1, 1, 3, 3}) {
		t.Fatalf("padded Conv2D shape = %v, want [1 1 3 3]", padded.Shape())
	}
	// Center position sees the whole input.
	if padded.AsFloat32()[4] != 45 {
		t.Errorf("padded center = %f, want 45", padded.AsFloat32()[4])
	}
	// Top-left corner sees the 2x2 window {1,2,4,5}.
	if padded.AsFloat32()[0] != 12 {
		t.Errorf("padded corner = %f, want 12", padded.AsFloat32()[0])
	}
}

func TestConv2DStride(t *testing.T) {
	backend := cpu.New()
	input := fromSlice(t, backend,
		[]float32{
			1, 2, 3, 4,
			5, 6, 7, 8,
			9, 10, 11, 12,
			13, 14, 15, 16,
		},
		tensor.Shape{1, 1, 4, 4})
	kernel := fromSlice(t, backend, []float32{1, 1, 1, 1}, tensor.Shape{1, 1, 2, 2})

	out := backend.Conv2D(input.Raw(), kernel.Raw(), 2, 0)
	if !out.Shape().Equal(tensor.Shape{1, 1, 2, 2}) {
		t.Fatalf("strided Conv2D shape = %v, want [1 1 2 2]", out.Shape())
	}
	want := []float32{14, 22, 46, 54}
	if !floatsNear(out.AsFloat32(), want, 1e-6) {
		t.Errorf("strided Conv2D = %v, want %v", out.AsFloat32(), want)
	}
}

func TestMaxPool2D(t *testing.T) {
	backend := cpu.New()
	input := fromSlice(t, backend,
		[]float32{
			1, 2, 5, 6,
			3, 4, 7, 8,
			9, 13, 11, 15,
			10, 14, 12, 16,
		},
		tensor.Shape{1, 1, 4, 4})

	out := backend.MaxPool2D(input.Raw(), 2, 2)
	if !out.Shape().Equal(tensor.Shape{1, 1, 2, 2}) {
		t.Fatalf("MaxPool2D shape = %v, want [1 1 2 2]", out.Shape())
	}
	want := []float32{4, 8, 14, 16}
	if !floatsNear(out.AsFloat32(), want, 1e-6) {
		t.Errorf("MaxPool2D = %v, want %v", out.AsFloat32(), want)
	}
}

func TestAvgPool2DGlobal(t *testing.T) {
	backend := cpu.New()
	input := fromSlice(t, backend,
		[]float32{
			1, 2,
			3, 4,

			10, 20,
			30, 40,
		},
		tensor.Shape{1, 2, 2, 2})

	// Kernel = spatial size is global average pooling.
	out := backend.AvgPool2D(input.Raw(), 2, 2)
	if !out.Shape().Equal(tensor.Shape{1, 2, 1, 1}) {
		t.Fatalf("AvgPool2D shape = %v, want [1 2 1 1]", out.Shape())
	}
	want := []float32{2.5, 25}
	if !floatsNear(out.AsFloat32(), want, 1e-6) {
		t.Errorf("AvgPool2D = %v, want %v", out.AsFloat32(), want)
	}
}

func TestAvgPool2DBackwardSpreadsEvenly(t *testing.T) {
	backend := cpu.New()
	input, _ := tensor.NewRaw(tensor.Shape{1, 1, 2, 2}, tensor.Float32, tensor.CPU)
	grad, _ := tensor.NewRaw(tensor.Shape{1, 1, 1, 1}, tensor.Float32, tensor.CPU)
	grad.AsFloat32()[0] = 4

	inputGrad := backend.AvgPool2DBackward(input, grad, 2, 2)
	if !floatsNear(inputGrad.AsFloat32(), []float32{1, 1, 1, 1}, 1e-6) {
		t.Errorf("AvgPool2DBackward = %v, want [1 1 1 1]", inputGrad.AsFloat32())
	}
}

func TestMatMulShapeMismatchPanics(t *testing.T) {
	backend := cpu.New()
	a := fromSlice(t, backend, []float32{1, 2, 3, 4}, tensor.Shape{2, 2})
	b := fromSlice(t, backend, []float32{1, 2, 3}, tensor.Shape{3, 1})

	defer func() {
		if recover() == nil {
			t.Error("MatMul with mismatched inner dimensions should panic")
		}
	}()
	a.MatMul(b)
}
