package truth

import (
	"encoding/json"
	"fmt"
	"strings"
)

// -----------------------------------------------------------------------------
// Manifest
// -----------------------------------------------------------------------------

// Entity is one plugin or product definition inside a family manifest.
type Entity struct {
	CanonicalName string         `json:"canonical_name"`
	Aliases       []string       `json:"aliases,omitempty"`
	Patterns      []string       `json:"patterns,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// RuleKind distinguishes the two combination constraint forms.
type RuleKind string

const (
	RuleRequires RuleKind = "requires"
	RuleForbids  RuleKind = "forbids"
)

// CombinationRule constrains which entities may appear together in one
// document. A requires rule demands every companion whenever the subject is
// mentioned; a forbids rule bans any companion alongside the subject.
type CombinationRule struct {
	Kind       RuleKind `json:"kind"`
	Subject    string   `json:"subject"`
	Companions []string `json:"companions"`
}

// Manifest is the authoritative definition set for one family, stored as a
// single JSON document.
type Manifest struct {
	Family           string            `json:"family"`
	Entities         []Entity          `json:"entities"`
	CombinationRules []CombinationRule `json:"combination_rules,omitempty"`
}

// ParseManifest decodes and semantically checks raw manifest JSON. Schema
// validation happens first so structural errors carry field paths.
func ParseManifest(raw []byte) (*Manifest, error) {
	if err := validateManifestSchema(raw); err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	if err := m.check(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) check() error {
	if strings.TrimSpace(m.Family) == "" {
		return fmt.Errorf("manifest family must not be empty")
	}
	seen := make(map[string]struct{}, len(m.Entities))
	for i := range m.Entities {
		name := strings.TrimSpace(m.Entities[i].CanonicalName)
		if name == "" {
			return fmt.Errorf("entity %d has an empty canonical_name", i)
		}
		key := strings.ToLower(name)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("duplicate entity %q", name)
		}
		seen[key] = struct{}{}
	}
	for i, rule := range m.CombinationRules {
		if rule.Kind != RuleRequires && rule.Kind != RuleForbids {
			return fmt.Errorf("combination rule %d has unknown kind %q", i, rule.Kind)
		}
		if strings.TrimSpace(rule.Subject) == "" {
			return fmt.Errorf("combination rule %d has an empty subject", i)
		}
		if len(rule.Companions) == 0 {
			return fmt.Errorf("combination rule %d has no companions", i)
		}
	}
	return nil
}
