package data

import "fmt"

// Normalize standardizes CHW image data per channel:
// out = (in - mean[c]) / std[c].
type Normalize struct {
	Mean []float32
	Std  []float32
}

// NewNormalize creates a per-channel normalization transform.
func NewNormalize(mean, std []float32) *Normalize {
	if len(mean) != len(std) {
		panic(fmt.Sprintf("normalize: %d means for %d stds", len(mean), len(std)))
	}
	for i, s := range std {
		if s == 0 {
			panic(fmt.Sprintf("normalize: zero std for channel %d", i))
		}
	}
	return &Normalize{Mean: mean, Std: std}
}

// Apply normalizes CHW data in place and returns it. The data length
// must be a multiple of the channel count.
func (n *Normalize) Apply(chw []float32) []float32 {
	channels := len(n.Mean)
	if len(chw)%channels != 0 {
		panic(fmt.Sprintf("normalize: %d values not divisible by %d channels", len(chw), channels))
	}
	spatial := len(chw) / channels

	for c := 0; c < channels; c++ {
		mean, inv := n.Mean[c], 1/n.Std[c]
		segment := chw[c*spatial : (c+1)*spatial]
		for i, v := range segment {
			segment[i] = (v - mean) * inv
		}
	}
	return chw
}
