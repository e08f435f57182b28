package validators

import (
	"github.com/tbcv/tbcv/engine/validation"
)

// RegisterAll wires the standard validator set into the registry. The
// semantic provider may be nil; the truth validator then runs rule-phase
// only unless findings arrive through the validation context.
func RegisterAll(registry *validation.Registry, provider SemanticProvider) error {
	set := []validation.Validator{
		NewYAML(),
		NewMarkdown(),
		NewStructure(),
		NewCode(),
		NewLinks(),
		NewSEO(),
		NewTruth(provider),
	}
	for _, v := range set {
		if err := registry.Register(v); err != nil {
			return err
		}
	}
	return nil
}
