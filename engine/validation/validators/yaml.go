package validators

import (
	"context"
	"fmt"
	"strings"

	"github.com/goccy/go-yaml/ast"
	"github.com/goccy/go-yaml/parser"

	"github.com/tbcv/tbcv/engine/core"
	"github.com/tbcv/tbcv/engine/validation"
	"github.com/tbcv/tbcv/pkg/config"
)

// YAML validates the front matter block: presence and type of required
// fields, unknown fields, duplicate keys. It never touches the body.
type YAML struct{}

func NewYAML() *YAML { return &YAML{} }

func (v *YAML) ID() string { return "yaml" }

func (v *YAML) Tier() int { return validation.Tier1 }

func (v *YAML) Validate(_ context.Context, content string, vctx *validation.Context) ([]validation.Issue, error) {
	cfg := yamlConfig(vctx)
	fm, _, ok := core.SplitFrontMatter(content)
	if !ok {
		if len(cfg.RequiredFields) == 0 {
			return nil, nil
		}
		return []validation.Issue{{
			Type:       validation.IssueYAMLMissingFront,
			Severity:   core.SeverityHigh,
			Message:    "document has no front matter block",
			Location:   validation.Location{Line: 1},
			Evidence:   strings.Join(cfg.RequiredFields, ", "),
			Confidence: 1.0,
		}}, nil
	}
	if !fm.Closed {
		return []validation.Issue{{
			Type:       validation.IssueYAMLMalformed,
			Severity:   core.SeverityCritical,
			Message:    "front matter block is never closed",
			Location:   validation.Location{Line: fm.StartLine},
			Confidence: 1.0,
		}}, nil
	}

	file, err := parser.ParseBytes([]byte(fm.Raw), 0, parser.AllowDuplicateMapKey())
	if err != nil {
		return []validation.Issue{{
			Type:       validation.IssueYAMLMalformed,
			Severity:   core.SeverityCritical,
			Message:    fmt.Sprintf("front matter is not valid YAML: %v", err),
			Location:   validation.Location{Line: fm.StartLine + 1},
			Evidence:   firstLine(fm.Raw),
			Confidence: 1.0,
		}}, nil
	}

	fields := collectFields(file)
	var issues []validation.Issue
	issues = append(issues, v.duplicateIssues(fields, fm)...)
	issues = append(issues, v.requiredIssues(cfg, fields)...)
	issues = append(issues, v.typeIssues(cfg, fields, fm)...)
	if !cfg.AllowUnknown {
		issues = append(issues, v.unknownIssues(cfg, fields, fm)...)
	}
	return issues, nil
}

// field is one top-level front matter entry with its source position.
type field struct {
	name  string
	value ast.Node
	line  int // line inside fm.Raw, 1-based
	col   int
}

func collectFields(file *ast.File) []field {
	var out []field
	for _, doc := range file.Docs {
		// A single key/value document parses to a MappingValueNode rather
		// than a MappingNode.
		switch body := doc.Body.(type) {
		case *ast.MappingNode:
			for _, entry := range body.Values {
				out = append(out, fieldFromEntry(entry))
			}
		case *ast.MappingValueNode:
			out = append(out, fieldFromEntry(body))
		}
	}
	return out
}

func fieldFromEntry(entry *ast.MappingValueNode) field {
	keyTok := entry.Key.GetToken()
	return field{
		name:  strings.TrimSpace(entry.Key.String()),
		value: entry.Value,
		line:  keyTok.Position.Line,
		col:   keyTok.Position.Column,
	}
}

func (v *YAML) duplicateIssues(fields []field, fm *core.FrontMatter) []validation.Issue {
	rawLines := splitLines(fm.Raw)
	rawStart := fm.StartByte + 4 // past the opening delimiter line
	seen := make(map[string]int)
	var issues []validation.Issue
	for _, f := range fields {
		key := strings.ToLower(f.name)
		if firstLine, dup := seen[key]; dup {
			loc := validation.Location{Line: fm.StartLine + f.line, Column: f.col}
			if f.line >= 1 && f.line <= len(rawLines) {
				// Span the whole line with its newline so removing the span
				// removes the duplicate entry cleanly.
				loc.StartByte = rawStart + rawLines[f.line-1].startByte
				loc.EndByte = rawStart + rawLines[f.line-1].endByte
			}
			issues = append(issues, validation.Issue{
				Type:     validation.IssueYAMLDuplicateKey,
				Severity: core.SeverityCritical,
				Message:  fmt.Sprintf("front matter key %q is duplicated (first seen on line %d)", f.name, fm.StartLine+firstLine),
				Location: loc,
				Evidence: f.name,
				// Parsers disagree on which duplicate wins, so the document
				// meaning is ambiguous.
				Confidence: 1.0,
			})
			continue
		}
		seen[key] = f.line
	}
	return issues
}

func (v *YAML) requiredIssues(cfg config.YAMLValidatorConfig, fields []field) []validation.Issue {
	present := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		present[strings.ToLower(f.name)] = struct{}{}
	}
	var issues []validation.Issue
	for _, required := range cfg.RequiredFields {
		if _, ok := present[strings.ToLower(required)]; ok {
			continue
		}
		issues = append(issues, validation.Issue{
			Type:       validation.IssueYAMLMissingRequired,
			Severity:   core.SeverityHigh,
			Message:    fmt.Sprintf("front matter is missing required field %q", required),
			Location:   validation.Location{Line: 1},
			Evidence:   required,
			Confidence: 1.0,
			Suggestion: fmt.Sprintf("add %q to the front matter", required),
		})
	}
	return issues
}

func (v *YAML) typeIssues(cfg config.YAMLValidatorConfig, fields []field, fm *core.FrontMatter) []validation.Issue {
	var issues []validation.Issue
	for _, f := range fields {
		want, known := cfg.FieldTypes[strings.ToLower(f.name)]
		if !known {
			continue
		}
		got := scalarKind(f.value)
		if got == want || got == "" {
			continue
		}
		issues = append(issues, validation.Issue{
			Type:       validation.IssueYAMLWrongType,
			Severity:   core.SeverityMedium,
			Message:    fmt.Sprintf("front matter field %q should be %s, found %s", f.name, want, got),
			Location:   validation.Location{Line: fm.StartLine + f.line, Column: f.col},
			Evidence:   strings.TrimSpace(f.value.String()),
			Confidence: 1.0,
		})
	}
	return issues
}

func (v *YAML) unknownIssues(cfg config.YAMLValidatorConfig, fields []field, fm *core.FrontMatter) []validation.Issue {
	known := make(map[string]struct{}, len(cfg.FieldTypes)+len(cfg.RequiredFields))
	for name := range cfg.FieldTypes {
		known[strings.ToLower(name)] = struct{}{}
	}
	for _, name := range cfg.RequiredFields {
		known[strings.ToLower(name)] = struct{}{}
	}
	var issues []validation.Issue
	for _, f := range fields {
		if _, ok := known[strings.ToLower(f.name)]; ok {
			continue
		}
		issues = append(issues, validation.Issue{
			Type:       validation.IssueYAMLUnknownField,
			Severity:   core.SeverityLow,
			Message:    fmt.Sprintf("front matter field %q is not recognized", f.name),
			Location:   validation.Location{Line: fm.StartLine + f.line, Column: f.col},
			Evidence:   f.name,
			Confidence: 0.8,
		})
	}
	return issues
}

// scalarKind maps an AST node to the coarse type names used in field_types
// configuration. Unknown node shapes return "" and are never reported.
func scalarKind(node ast.Node) string {
	switch node.(type) {
	case *ast.StringNode, *ast.LiteralNode:
		return "string"
	case *ast.IntegerNode:
		return "int"
	case *ast.FloatNode:
		return "float"
	case *ast.BoolNode:
		return "bool"
	case *ast.SequenceNode:
		return "list"
	case *ast.MappingNode, *ast.MappingValueNode:
		return "map"
	case *ast.NullNode:
		return "null"
	default:
		return ""
	}
}

func yamlConfig(vctx *validation.Context) config.YAMLValidatorConfig {
	if vctx != nil && vctx.Config != nil {
		return vctx.Config.Validators.YAML
	}
	return config.Default().Validators.YAML
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
