package parallel

import (
	"sync/atomic"
	"testing"
)

func TestForVisitsEveryIndex(t *testing.T) {
	cfg := Config{Enabled: true, NumWorkers: 4, MinChunkSize: 8}

	n := 1000
	visited := make([]int32, n)
	For(n, func(i int) {
		atomic.AddInt32(&visited[i], 1)
	}, cfg)

	for i, count := range visited {
		if count != 1 {
			t.Fatalf("index %d visited %d times", i, count)
		}
	}
}

func TestForSequentialFallback(t *testing.T) {
	cfg := Config{Enabled: true, NumWorkers: 4, MinChunkSize: 64}

	// Below MinChunkSize the loop runs sequentially in order.
	var order []int
	For(10, func(i int) {
		order = append(order, i)
	}, cfg)

	if len(order) != 10 {
		t.Fatalf("visited %d indices, want 10", len(order))
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("order[%d] = %d, want %d", i, v, i)
		}
	}
}

func TestForDisabled(t *testing.T) {
	cfg := Config{Enabled: false}

	var sum int
	For(100, func(i int) { sum += i }, cfg)

	if sum != 4950 {
		t.Errorf("sum = %d, want 4950", sum)
	}
}

func TestForZeroIterations(t *testing.T) {
	called := false
	For(0, func(int) { called = true }, DefaultConfig())
	if called {
		t.Error("f called for n=0")
	}
}

func TestForBatch(t *testing.T) {
	cfg := Config{Enabled: true, NumWorkers: 2, MinChunkSize: 1}

	var count int32
	seen := make([]int32, 3*4)
	ForBatch(3, 4, func(b, c int) {
		atomic.AddInt32(&count, 1)
		atomic.AddInt32(&seen[b*4+c], 1)
	}, cfg)

	if count != 12 {
		t.Fatalf("called %d times, want 12", count)
	}
	for i, v := range seen {
		if v != 1 {
			t.Fatalf("pair %d visited %d times", i, v)
		}
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.NumWorkers <= 0 {
		t.Errorf("NumWorkers = %d", cfg.NumWorkers)
	}
	if cfg.MinChunkSize <= 0 {
		t.Errorf("MinChunkSize = %d", cfg.MinChunkSize)
	}
}
