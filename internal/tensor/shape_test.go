package tensor

import (
	"testing"
)

func TestShapeNumElements(t *testing.T) {
	tests := []struct {
		shape Shape
		want  int
	}{
		{Shape{}, 1},
		{Shape{5}, 5},
		{Shape{2, 3}, 6},
		{Shape{4, 3, 28, 28}, 9408},
	}
	for _, tt := range tests {
		if got := tt.shape.NumElements(); got != tt.want {
			t.Errorf("Shape%v.NumElements() = %d, want %d", tt.shape, got, tt.want)
		}
	}
}

func TestShapeEqual(t *testing.T) {
	if !(Shape{2, 3}).Equal(Shape{2, 3}) {
		t.Error("equal shapes reported unequal")
	}
	if (Shape{2, 3}).Equal(Shape{3, 2}) {
		t.Error("different shapes reported equal")
	}
	if (Shape{2, 3}).Equal(Shape{2, 3, 1}) {
		t.Error("shapes of different rank reported equal")
	}
}

func TestShapeValidate(t *testing.T) {
	if err := (Shape{2, 3}).Validate(); err != nil {
		t.Errorf("valid shape rejected: %v", err)
	}
	if err := (Shape{2, -1}).Validate(); err == nil {
		t.Error("negative dimension accepted")
	}
	if err := (Shape{0, 3}).Validate(); err == nil {
		t.Error("zero dimension accepted")
	}
}

func TestShapeComputeStrides(t *testing.T) {
	strides := Shape{2, 3, 4}.ComputeStrides()
	want := []int{12, 4, 1}
	if len(strides) != len(want) {
		t.Fatalf("strides length = %d, want %d", len(strides), len(want))
	}
	for i := range want {
		if strides[i] != want[i] {
			t.Errorf("strides[%d] = %d, want %d", i, strides[i], want[i])
		}
	}
}

func TestBroadcastShapes(t *testing.T) {
	tests := []struct {
		a, b      Shape
		want      Shape
		broadcast bool
		wantErr   bool
	}{
		{Shape{2, 3}, Shape{2, 3}, Shape{2, 3}, false, false},
		{Shape{3, 1}, Shape{3, 4}, Shape{3, 4}, true, false},
		{Shape{4}, Shape{2, 4}, Shape{2, 4}, true, false},
		{Shape{1, 10}, Shape{64, 10}, Shape{64, 10}, true, false},
		{Shape{2, 3}, Shape{4, 5}, nil, false, true},
	}
	for _, tt := range tests {
		got, broadcast, err := BroadcastShapes(tt.a, tt.b)
		if tt.wantErr {
			if err == nil {
				t.Errorf("BroadcastShapes(%v, %v): expected error", tt.a, tt.b)
			}
			continue
		}
		if err != nil {
			t.Errorf("BroadcastShapes(%v, %v): %v", tt.a, tt.b, err)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("BroadcastShapes(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
		if broadcast != tt.broadcast {
			t.Errorf("BroadcastShapes(%v, %v) broadcast = %v, want %v", tt.a, tt.b, broadcast, tt.broadcast)
		}
	}
}

func TestDataTypeSize(t *testing.T) {
	if Float32.Size() != 4 {
		t.Errorf("Float32.Size() = %d, want 4", Float32.Size())
	}
	if Int32.Size() != 4 {
		t.Errorf("Int32.Size() = %d, want 4", Int32.Size())
	}
	if Uint8.Size() != 1 {
		t.Errorf("Uint8.Size() = %d, want 1", Uint8.Size())
	}
	if Bool.Size() != 1 {
		t.Errorf("Bool.Size() = %d, want 1", Bool.Size())
	}
}

func TestNewRaw(t *testing.T) {
	raw, err := NewRaw(Shape{3, 4}, Float32, CPU)
	if err != nil {
		t.Fatalf("NewRaw: %v", err)
	}
	if raw.NumElements() != 12 {
		t.Errorf("NumElements() = %d, want 12", raw.NumElements())
	}
	if raw.ByteSize() != 48 {
		t.Errorf("ByteSize() = %d, want 48", raw.ByteSize())
	}
	if raw.Device() != CPU {
		t.Errorf("Device() = %v, want CPU", raw.Device())
	}

	if _, err := NewRaw(Shape{0}, Float32, CPU); err == nil {
		t.Error("NewRaw accepted invalid shape")
	}
}

func TestRawTensorZeroCopy(t *testing.T) {
	raw, _ := NewRaw(Shape{2, 2}, Float32, CPU)
	data := raw.AsFloat32()
	data[0] = 42
	if raw.AsFloat32()[0] != 42 {
		t.Error("AsFloat32 should return a zero-copy view")
	}

	labels, _ := NewRaw(Shape{3}, Int32, CPU)
	labels.AsInt32()[2] = 9
	if labels.AsInt32()[2] != 9 {
		t.Error("AsInt32 should return a zero-copy view")
	}
}

func TestRawTensorDTypeMismatchPanics(t *testing.T) {
	raw, _ := NewRaw(Shape{2}, Float32, CPU)
	defer func() {
		if recover() == nil {
			t.Error("AsInt32 on a float32 tensor should panic")
		}
	}()
	raw.AsInt32()
}

func TestRawTensorClone(t *testing.T) {
	raw, _ := NewRaw(Shape{2, 2}, Float32, CPU)
	if !raw.IsUnique() {
		t.Error("fresh tensor should be unique")
	}

	clone := raw.Clone()
	if raw.IsUnique() || clone.IsUnique() {
		t.Error("clone should share the buffer")
	}

	// Shared buffer means shared data.
	raw.AsFloat32()[0] = 7
	if clone.AsFloat32()[0] != 7 {
		t.Error("clone should see writes to the shared buffer")
	}

	clone.Release()
	if !raw.IsUnique() {
		t.Error("releasing the clone should restore uniqueness")
	}
}

func TestRawTensorForceNonUnique(t *testing.T) {
	raw, _ := NewRaw(Shape{2}, Float32, CPU)
	restore := raw.ForceNonUnique()
	if raw.IsUnique() {
		t.Error("ForceNonUnique should make the tensor non-unique")
	}
	restore()
	if !raw.IsUnique() {
		t.Error("restore should make the tensor unique again")
	}
}
