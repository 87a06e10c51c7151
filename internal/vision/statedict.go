package vision

import (
	"fmt"
	"strings"

	"github.com/kiln-ml/kiln/internal/nn"
	"github.com/kiln-ml/kiln/internal/tensor"
)

// collectStateDict flattens named submodule states into one map with
// dotted prefixes.
func collectStateDict[B tensor.Backend](mods map[string]nn.Module[B]) map[string]*tensor.RawTensor {
	stateDict := make(map[string]*tensor.RawTensor)
	for prefix, mod := range mods {
		for name, raw := range mod.StateDict() {
			stateDict[prefix+"."+name] = raw
		}
	}
	return stateDict
}

// distributeStateDict routes prefixed entries back to their
// submodules.
func distributeStateDict[B tensor.Backend](mods map[string]nn.Module[B], stateDict map[string]*tensor.RawTensor) error {
	for prefix, mod := range mods {
		sub := make(map[string]*tensor.RawTensor)
		for key, raw := range stateDict {
			if strings.HasPrefix(key, prefix+".") {
				sub[key[len(prefix)+1:]] = raw
			}
		}
		if len(sub) == 0 {
			return fmt.Errorf("missing state for %q", prefix)
		}
		if err := mod.LoadStateDict(sub); err != nil {
			return fmt.Errorf("failed to load %q: %w", prefix, err)
		}
	}
	return nil
}
