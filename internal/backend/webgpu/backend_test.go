package webgpu_test

import (
	"math"
	"testing"

	"github.com/kiln-ml/kiln/internal/backend/webgpu"
	"github.com/kiln-ml/kiln/internal/tensor"
)

func newGPU(t *testing.T) *webgpu.Backend {
	t.Helper()
	if !webgpu.IsAvailable() {
		t.Skip("no WebGPU device available")
	}
	backend, err := webgpu.New()
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(backend.Release)
	return backend
}

func gpuTensor(t *testing.T, data []float32, shape tensor.Shape) *tensor.RawTensor {
	t.Helper()
	raw, err := tensor.NewRaw(shape, tensor.Float32, tensor.WebGPU)
	if err != nil {
		t.Fatalf("NewRaw failed: %v", err)
	}
	copy(raw.AsFloat32(), data)
	return raw
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

func TestGPUElementwise(t *testing.T) {
	backend := newGPU(t)

	a := gpuTensor(t, []float32{1, 2, 3, 4}, tensor.Shape{4})
	b := gpuTensor(t, []float32{10, 20, 30, 40}, tensor.Shape{4})

	if got := backend.Add(a, b).AsFloat32(); !floatsNear(got, []float32{11, 22, 33, 44}, 1e-5) {
		t.Errorf("Add = %v", got)
	}
	if got := backend.Sub(b, a).AsFloat32(); !floatsNear(got, []float32{9, 18, 27, 36}, 1e-5) {
		t.Errorf("Sub = %v", got)
	}
	if got := backend.Mul(a, b).AsFloat32(); !floatsNear(got, []float32{10, 40, 90, 160}, 1e-4) {
		t.Errorf("Mul = %v", got)
	}
	if got := backend.Div(b, a).AsFloat32(); !floatsNear(got, []float32{10, 10, 10, 10}, 1e-4) {
		t.Errorf("Div = %v", got)
	}
}

func TestGPUMatMul(t *testing.T) {
	backend := newGPU(t)

	a := gpuTensor(t, []float32{1, 2, 3, 4, 5, 6}, tensor.Shape{2, 3})
	b := gpuTensor(t, []float32{7, 8, 9, 10, 11, 12}, tensor.Shape{3, 2})

	got := backend.MatMul(a, b)
	if !got.Shape().Equal(tensor.Shape{2, 2}) {
		t.Fatalf("MatMul shape = %v", got.Shape())
	}
	if !floatsNear(got.AsFloat32(), []float32{58, 64, 139, 154}, 1e-3) {
		t.Errorf("MatMul = %v", got.AsFloat32())
	}
}

func TestGPUReLU(t *testing.T) {
	backend := newGPU(t)

	x := gpuTensor(t, []float32{-2, -0.5, 0, 1.5}, tensor.Shape{4})
	if got := backend.ReLU(x).AsFloat32(); !floatsNear(got, []float32{0, 0, 0, 1.5}, 1e-6) {
		t.Errorf("ReLU = %v", got)
	}
}

// Broadcast shapes are not GPU-eligible and must route through the
// embedded CPU backend.
func TestGPUBroadcastFallsBackToCPU(t *testing.T) {
	backend := newGPU(t)

	a := gpuTensor(t, []float32{1, 2, 3, 4, 5, 6}, tensor.Shape{2, 3})
	bias := gpuTensor(t, []float32{10, 20, 30}, tensor.Shape{1, 3})

	got := backend.Add(a, bias)
	if !floatsNear(got.AsFloat32(), []float32{11, 22, 33, 14, 25, 36}, 1e-5) {
		t.Errorf("broadcast Add = %v", got.AsFloat32())
	}
}

func TestGPUMatchesCPUOnLargeInput(t *testing.T) {
	backend := newGPU(t)

	// Larger than one workgroup, so the dispatch math is exercised.
	n := 1000
	aData := make([]float32, n)
	bData := make([]float32, n)
	for i := range aData {
		aData[i] = float32(i) * 0.5
		bData[i] = float32(n - i)
	}

	a := gpuTensor(t, aData, tensor.Shape{n})
	b := gpuTensor(t, bData, tensor.Shape{n})

	got := backend.Add(a, b).AsFloat32()
	for i := range got {
		want := aData[i] + bData[i]
		if math.Abs(float64(got[i]-want)) > 1e-4 {
			t.Fatalf("element %d = %v, want %v", i, got[i], want)
		}
	}
}

func TestGPUBackendName(t *testing.T) {
	backend := newGPU(t)

	if backend.Name() == "" {
		t.Error("empty backend name")
	}
	if backend.Device() != tensor.WebGPU {
		t.Errorf("Device = %v, want WebGPU", backend.Device())
	}
}
