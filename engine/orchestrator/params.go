package orchestrator

import (
	"fmt"
	"strings"

	"github.com/go-viper/mapstructure/v2"

	"github.com/tbcv/tbcv/engine/core"
)

// fileParams carries the validation inputs shared by the file-scoped
// workflow types. Params maps arrive from callers and survive a JSON round
// trip in the database, so decoding is weakly typed.
type fileParams struct {
	Path    string   `mapstructure:"path"`
	Family  string   `mapstructure:"family"`
	Profile string   `mapstructure:"profile"`
	Types   []string `mapstructure:"types"`
}

type dirParams struct {
	fileParams `mapstructure:",squash"`
	Dir        string `mapstructure:"dir"`
	Pattern    string `mapstructure:"pattern"`
	Workers    int    `mapstructure:"workers"`
	Recursive  bool   `mapstructure:"recursive"`
}

func fileParamsFrom(params map[string]any) (fileParams, error) {
	var p fileParams
	if err := decodeParams(params, &p); err != nil {
		return p, err
	}
	p.Path = strings.TrimSpace(p.Path)
	if p.Path == "" {
		return p, core.NewError(fmt.Errorf("path is required"), core.CodeInvalidArgument, map[string]any{"param": "path"})
	}
	return p, nil
}

func dirParamsFrom(params map[string]any, defaultWorkers int) (dirParams, error) {
	// Absent keys leave pre-seeded values alone, so recursion defaults on.
	p := dirParams{Recursive: true}
	if err := decodeParams(params, &p); err != nil {
		return p, err
	}
	p.Dir = strings.TrimSpace(p.Dir)
	if p.Dir == "" {
		return p, core.NewError(fmt.Errorf("dir is required"), core.CodeInvalidArgument, map[string]any{"param": "dir"})
	}
	if p.Workers <= 0 {
		p.Workers = defaultWorkers
	}
	if p.Workers <= 0 {
		p.Workers = 1
	}
	return p, nil
}

func decodeParams(params map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return core.NewError(fmt.Errorf("failed to create params decoder: %w", err), core.CodeInternal, nil)
	}
	if err := decoder.Decode(params); err != nil {
		return core.NewError(fmt.Errorf("failed to decode workflow params: %w", err), core.CodeInvalidArgument, nil)
	}
	return nil
}

func stringParam(params map[string]any, key string) string {
	if s, ok := params[key].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

func idParam(params map[string]any, key string) (core.ID, error) {
	raw := stringParam(params, key)
	if raw == "" {
		return "", core.NewError(fmt.Errorf("%s is required", key), core.CodeInvalidArgument, map[string]any{"param": key})
	}
	return core.ID(raw), nil
}

func idsParam(params map[string]any, key string) []core.ID {
	var out []core.ID
	for _, s := range anyStrings(params[key]) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, core.ID(s))
		}
	}
	return out
}

// stateStrings reads a string slice out of checkpoint state, which comes back
// from JSON storage as []any.
func stateStrings(state map[string]any, key string) []string {
	if state == nil {
		return nil
	}
	return anyStrings(state[key])
}

func anyStrings(v any) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []any:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
