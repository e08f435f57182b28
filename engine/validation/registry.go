package validation

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/tbcv/tbcv/engine/core"
	"github.com/tbcv/tbcv/pkg/config"
)

var ErrDuplicateValidator = errors.New("duplicate validator id")

// Registry holds the available validators keyed by stable id. New validators
// become visible to profiles and the router by registering here.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]Validator
}

func NewRegistry() *Registry {
	return &Registry{byID: map[string]Validator{}}
}

func normalizeID(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// Register adds a validator. Ids are case-insensitive and must be unique.
func (r *Registry) Register(v Validator) error {
	if v == nil {
		return fmt.Errorf("validator must not be nil")
	}
	key := normalizeID(v.ID())
	if key == "" {
		return fmt.Errorf("validator id must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[key]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateValidator, key)
	}
	r.byID[key] = v
	return nil
}

// Get returns the validator registered under id.
func (r *Registry) Get(id string) (Validator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.byID[normalizeID(id)]
	return v, ok
}

// IDs lists registered validator ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byID))
	for id := range r.byID {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Resolve returns the validators selected by a profile name or an explicit id
// list, filtered to enabled validators. An empty selection means the full
// enabled set. Unknown ids or profiles are rejected with INVALID_ARGUMENT.
func (r *Registry) Resolve(cfg *config.Config, profile string, ids []string) ([]Validator, error) {
	selected := ids
	if len(selected) == 0 {
		if profile != "" {
			profileIDs, ok := cfg.Validators.Profiles[profile]
			if !ok {
				return nil, core.NewError(nil, core.CodeInvalidArgument, map[string]any{
					"reason":  "unknown validation profile",
					"profile": profile,
				})
			}
			selected = profileIDs
		} else {
			selected = r.IDs()
		}
	}
	out := make([]Validator, 0, len(selected))
	for _, id := range selected {
		v, ok := r.Get(id)
		if !ok {
			return nil, core.NewError(nil, core.CodeInvalidArgument, map[string]any{
				"reason":    "unknown validator",
				"validator": id,
			})
		}
		if !validatorEnabled(cfg, normalizeID(id)) {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

func validatorEnabled(cfg *config.Config, id string) bool {
	if cfg == nil {
		return true
	}
	switch id {
	case "yaml":
		return cfg.Validators.YAML.Enabled
	case "markdown":
		return cfg.Validators.Markdown.Enabled
	case "code":
		return cfg.Validators.Code.Enabled
	case "links":
		return cfg.Validators.Links.Enabled
	case "structure":
		return cfg.Validators.Structure.Enabled
	case "seo":
		return cfg.Validators.SEO.Enabled
	case "truth":
		return cfg.Validators.Truth.Enabled
	}
	return true
}

// TierOf returns the configured tier for a validator id, falling back to the
// validator's own default when configuration does not override it.
func TierOf(cfg *config.Config, v Validator) int {
	if cfg == nil {
		return v.Tier()
	}
	var tier int
	switch normalizeID(v.ID()) {
	case "yaml":
		tier = cfg.Validators.YAML.Tier
	case "markdown":
		tier = cfg.Validators.Markdown.Tier
	case "code":
		tier = cfg.Validators.Code.Tier
	case "links":
		tier = cfg.Validators.Links.Tier
	case "structure":
		tier = cfg.Validators.Structure.Tier
	case "seo":
		tier = cfg.Validators.SEO.Tier
	case "truth":
		tier = cfg.Validators.Truth.Tier
	}
	if tier < Tier1 || tier > Tier3 {
		return v.Tier()
	}
	return tier
}
