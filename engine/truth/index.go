package truth

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Match is a pattern hit inside a text, with byte offsets.
type Match struct {
	Entity *Entity
	Start  int
	End    int
	Score  float64
}

type compiledPattern struct {
	entity *Entity
	re     *regexp.Regexp
}

// Index is a compiled, read-only view of one family manifest. Lookups and
// matches are safe for concurrent use; a new version of the manifest produces
// a new Index rather than mutating this one.
type Index struct {
	family   string
	version  string
	entities []*Entity
	byName   map[string]*Entity
	patterns []compiledPattern
	rules    []CombinationRule
}

// CompileIndex builds lookup tables and matchers from a parsed manifest. The
// version tag is the SHA-256 of the raw manifest bytes, computed by the
// loader before parsing.
func CompileIndex(m *Manifest, version string) (*Index, error) {
	idx := &Index{
		family:  m.Family,
		version: version,
		byName:  make(map[string]*Entity),
		rules:   m.CombinationRules,
	}
	for i := range m.Entities {
		entity := &m.Entities[i]
		idx.entities = append(idx.entities, entity)
		idx.byName[strings.ToLower(entity.CanonicalName)] = entity
		for _, alias := range entity.Aliases {
			key := strings.ToLower(strings.TrimSpace(alias))
			if key == "" {
				continue
			}
			if _, taken := idx.byName[key]; !taken {
				idx.byName[key] = entity
			}
		}
		if err := idx.compilePatterns(entity); err != nil {
			return nil, err
		}
	}
	sort.Slice(idx.entities, func(i, j int) bool {
		return idx.entities[i].CanonicalName < idx.entities[j].CanonicalName
	})
	return idx, nil
}

// compilePatterns registers the entity's explicit patterns plus derived
// matchers for the canonical name and every alias.
func (idx *Index) compilePatterns(entity *Entity) error {
	for _, pattern := range entity.Patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("entity %q has invalid pattern %q: %w", entity.CanonicalName, pattern, err)
		}
		idx.patterns = append(idx.patterns, compiledPattern{entity: entity, re: re})
	}
	names := append([]string{entity.CanonicalName}, entity.Aliases...)
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(name) + `\b`)
		if err != nil {
			return fmt.Errorf("entity %q name is not matchable: %w", entity.CanonicalName, err)
		}
		idx.patterns = append(idx.patterns, compiledPattern{entity: entity, re: re})
	}
	return nil
}

// Family returns the family this index serves.
func (idx *Index) Family() string { return idx.family }

// Version returns the manifest content hash this index was compiled from.
func (idx *Index) Version() string { return idx.version }

// Lookup resolves a canonical name or alias, case-insensitively.
func (idx *Index) Lookup(name string) (*Entity, bool) {
	entity, ok := idx.byName[strings.ToLower(strings.TrimSpace(name))]
	return entity, ok
}

// Entities returns all entities sorted by canonical name.
func (idx *Index) Entities() []*Entity {
	return idx.entities
}

// Names returns every canonical name and alias known to the index, sorted.
// The fuzzy detector scores candidates against this list.
func (idx *Index) Names() []string {
	out := make([]string, 0, len(idx.byName))
	for name := range idx.byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Combinations returns the family's combination rules.
func (idx *Index) Combinations() []CombinationRule {
	return idx.rules
}

// Match runs every compiled pattern over text and returns non-overlapping
// hits with score 1.0, ordered by position. When hits overlap, the earlier
// and then longer one wins, so output is deterministic for identical input.
func (idx *Index) Match(text string) []Match {
	var all []Match
	for _, cp := range idx.patterns {
		for _, loc := range cp.re.FindAllStringIndex(text, -1) {
			all = append(all, Match{Entity: cp.entity, Start: loc[0], End: loc[1], Score: 1.0})
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Start != all[j].Start {
			return all[i].Start < all[j].Start
		}
		if all[i].End != all[j].End {
			return all[i].End > all[j].End
		}
		return all[i].Entity.CanonicalName < all[j].Entity.CanonicalName
	})
	var out []Match
	lastEnd := -1
	for _, m := range all {
		if m.Start < lastEnd {
			continue
		}
		out = append(out, m)
		lastEnd = m.End
	}
	return out
}
