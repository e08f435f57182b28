package recommend

import (
	"github.com/tbcv/tbcv/engine/core"
)

// -----------------------------------------------------------------------------
// Edit operations
// -----------------------------------------------------------------------------

// OpKind names the structured edit operations an automated fix can carry.
type OpKind string

const (
	OpInsertBefore   OpKind = "insert_before"
	OpInsertAfter    OpKind = "insert_after"
	OpReplace        OpKind = "replace"
	OpDelete         OpKind = "delete"
	OpSetFrontMatter OpKind = "set_front_matter"
)

// Span is a half-open byte range over the validated content snapshot.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Len returns the number of bytes the span covers.
func (s Span) Len() int { return s.End - s.Start }

// EditOp is one structured edit. Which fields are meaningful depends on Kind:
// inserts address a 1-based line and carry Text (ending in a newline),
// replace and delete address a Span, and set_front_matter addresses a Field.
type EditOp struct {
	Kind  OpKind `json:"kind"`
	Line  int    `json:"line,omitempty"`
	Span  *Span  `json:"span,omitempty"`
	Text  string `json:"text,omitempty"`
	Field string `json:"field,omitempty"`
	Value string `json:"value,omitempty"`
}

func InsertBefore(line int, text string) *EditOp {
	return &EditOp{Kind: OpInsertBefore, Line: line, Text: text}
}

func InsertAfter(line int, text string) *EditOp {
	return &EditOp{Kind: OpInsertAfter, Line: line, Text: text}
}

func Replace(span Span, text string) *EditOp {
	return &EditOp{Kind: OpReplace, Span: &span, Text: text}
}

func Delete(span Span) *EditOp {
	return &EditOp{Kind: OpDelete, Span: &span}
}

func SetFrontMatter(field, value string) *EditOp {
	return &EditOp{Kind: OpSetFrontMatter, Field: field, Value: value}
}

// Validate checks that the op carries the fields its kind requires.
func (op *EditOp) Validate() error {
	fail := func(reason string) error {
		return core.NewError(nil, core.CodeInvalidArgument, map[string]any{
			"reason": reason,
			"kind":   string(op.Kind),
		})
	}
	switch op.Kind {
	case OpInsertBefore, OpInsertAfter:
		if op.Line < 1 {
			return fail("insert operations need a 1-based line")
		}
		if op.Text == "" {
			return fail("insert operations need text")
		}
	case OpReplace:
		if op.Span == nil || op.Span.Len() <= 0 {
			return fail("replace needs a non-empty span")
		}
	case OpDelete:
		if op.Span == nil || op.Span.Len() <= 0 {
			return fail("delete needs a non-empty span")
		}
	case OpSetFrontMatter:
		if op.Field == "" {
			return fail("set_front_matter needs a field name")
		}
	default:
		return fail("unknown edit operation")
	}
	return nil
}
