package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"dario.cat/mergo"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// SourceType identifies where a configuration value came from.
type SourceType string

const (
	SourceDefault SourceType = "default"
	SourceYAML    SourceType = "yaml"
	SourceEnv     SourceType = "env"
	SourceCLI     SourceType = "cli"
)

// Source is a provider of configuration data. Sources are applied in order,
// so later sources override earlier ones.
type Source interface {
	Load() (map[string]any, error)
	Type() SourceType
}

// ---------------------------------------------------------------------------
// YAML file source
// ---------------------------------------------------------------------------

type yamlProvider struct {
	path string
}

// NewYAMLProvider creates a configuration source backed by a single YAML
// file. A missing file is not an error; it simply contributes nothing.
func NewYAMLProvider(path string) Source {
	return &yamlProvider{path: path}
}

func (y *yamlProvider) Load() (map[string]any, error) {
	data, err := os.ReadFile(y.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]any), nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", y.path, err)
	}
	var out map[string]any
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", y.path, err)
	}
	return filterNilValues(out), nil
}

func (y *yamlProvider) Type() SourceType { return SourceYAML }

// filterNilValues recursively removes nil values so a sparse YAML file never
// clobbers existing values with nil.
func filterNilValues(m map[string]any) map[string]any {
	result := make(map[string]any)
	for k, v := range m {
		if v == nil {
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			filtered := filterNilValues(nested)
			if len(filtered) > 0 {
				result[k] = filtered
			}
			continue
		}
		result[k] = v
	}
	return result
}

// ---------------------------------------------------------------------------
// Per-validator directory source
// ---------------------------------------------------------------------------

type validatorDirProvider struct {
	dir string
}

// NewValidatorDirProvider creates a source that reads one YAML file per
// validator from dir. A file named links.yaml contributes its keys under
// validators.links, overriding the root file for that validator only.
func NewValidatorDirProvider(dir string) Source {
	return &validatorDirProvider{dir: dir}
}

func (p *validatorDirProvider) Load() (map[string]any, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]any), nil
		}
		return nil, fmt.Errorf("failed to read validator config dir %s: %w", p.dir, err)
	}
	validators := make(map[string]any)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		ext := filepath.Ext(name)
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(p.dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read validator config %s: %w", name, err)
		}
		var section map[string]any
		if err := yaml.Unmarshal(raw, &section); err != nil {
			return nil, fmt.Errorf("failed to parse validator config %s: %w", name, err)
		}
		id := strings.TrimSuffix(name, ext)
		section = filterNilValues(section)
		if existing, ok := validators[id].(map[string]any); ok {
			if err := mergo.Merge(&existing, section, mergo.WithOverride); err != nil {
				return nil, fmt.Errorf("failed to merge validator config %s: %w", id, err)
			}
			validators[id] = existing
			continue
		}
		validators[id] = section
	}
	if len(validators) == 0 {
		return make(map[string]any), nil
	}
	return map[string]any{"validators": validators}, nil
}

func (p *validatorDirProvider) Type() SourceType { return SourceYAML }

// ---------------------------------------------------------------------------
// Environment source
// ---------------------------------------------------------------------------

type envProvider struct{}

// NewEnvProvider creates the environment variable source. The actual loading
// happens natively in the loader; this marker keeps env in the source list so
// precedence stays explicit.
func NewEnvProvider() Source {
	return &envProvider{}
}

func (e *envProvider) Load() (map[string]any, error) { return make(map[string]any), nil }

func (e *envProvider) Type() SourceType { return SourceEnv }

// LoadEnvFile loads variables from a dotenv file into the process
// environment without overriding variables that are already set. A missing
// file is ignored.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}
