package truth

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/kaptinlin/jsonschema"
)

// manifestSchema is the structural contract for family manifests. Semantic
// checks (duplicate entities, rule arity) live in Manifest.check.
var manifestSchema = map[string]any{
	"type":     "object",
	"required": []any{"family", "entities"},
	"properties": map[string]any{
		"family": map[string]any{"type": "string", "minLength": 1},
		"entities": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":     "object",
				"required": []any{"canonical_name"},
				"properties": map[string]any{
					"canonical_name": map[string]any{"type": "string", "minLength": 1},
					"aliases":        map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"patterns":       map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"metadata":       map[string]any{"type": "object"},
				},
			},
		},
		"combination_rules": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":     "object",
				"required": []any{"kind", "subject", "companions"},
				"properties": map[string]any{
					"kind":       map[string]any{"enum": []any{"requires", "forbids"}},
					"subject":    map[string]any{"type": "string", "minLength": 1},
					"companions": map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "minItems": 1},
				},
			},
		},
	},
}

var (
	compiledSchema     *jsonschema.Schema
	compileSchemaOnce  sync.Once
	compileSchemaError error
)

func compileManifestSchema() (*jsonschema.Schema, error) {
	compileSchemaOnce.Do(func() {
		raw, err := json.Marshal(manifestSchema)
		if err != nil {
			compileSchemaError = fmt.Errorf("failed to marshal manifest schema: %w", err)
			return
		}
		compiler := jsonschema.NewCompiler()
		compiledSchema, compileSchemaError = compiler.Compile(raw)
	})
	return compiledSchema, compileSchemaError
}

func validateManifestSchema(raw []byte) error {
	schema, err := compileManifestSchema()
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("manifest is not valid JSON: %w", err)
	}
	result := schema.Validate(doc)
	if !result.Valid {
		return fmt.Errorf("manifest schema validation failed: %v", result.Errors)
	}
	return nil
}
