package train

import (
	"fmt"

	"github.com/kiln-ml/kiln/internal/autodiff"
	"github.com/kiln-ml/kiln/internal/serialization"
	"github.com/kiln-ml/kiln/internal/tensor"
)

// LoadCheckpoint restores model weights from a .kiln file and returns
// its checkpoint metadata, nil for plain model files.
func LoadCheckpoint[B autodiff.BackwardCapable](path string, classifier *Classifier[B]) (*serialization.CheckpointMeta, error) {
	stateDict, header, err := serialization.LoadStateDict(path, tensor.CPU)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint %s: %w", path, err)
	}
	if err := classifier.Model().LoadStateDict(stateDict); err != nil {
		return nil, fmt.Errorf("failed to restore model state from %s: %w", path, err)
	}
	return header.CheckpointMeta, nil
}
