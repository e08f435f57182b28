package enhance

import (
	"fmt"
	"strings"

	"github.com/tbcv/tbcv/engine/core"
	"github.com/tbcv/tbcv/engine/recommend"
)

// errAlreadyApplied marks an edit whose effect is present in the content
// before the edit runs. The batch continues; the outcome records it.
var errAlreadyApplied = fmt.Errorf("already applied")

// lineStarts returns the byte offset of each 1-based line start.
func lineStarts(content string) []int {
	starts := []int{0}
	for i := 0; i < len(content); i++ {
		if content[i] == '\n' && i+1 < len(content) {
			starts = append(starts, i+1)
		}
	}
	return starts
}

// anchor returns the snapshot byte position an op applies at. Bottom-up
// application sorts on this, so positions must not depend on other edits.
func anchor(op *recommend.EditOp, starts []int) (int, error) {
	switch op.Kind {
	case recommend.OpReplace, recommend.OpDelete:
		return op.Span.Start, nil
	case recommend.OpInsertBefore:
		pos, err := lineOffset(op.Line, starts)
		return pos, err
	case recommend.OpInsertAfter:
		pos, err := lineOffset(op.Line, starts)
		if err != nil {
			return 0, err
		}
		return pos, nil
	case recommend.OpSetFrontMatter:
		// Front matter sits at the top, so these always sort last.
		return 0, nil
	}
	return 0, fmt.Errorf("unknown edit operation %q", op.Kind)
}

func lineOffset(line int, starts []int) (int, error) {
	if line < 1 || line > len(starts) {
		return 0, fmt.Errorf("line %d is out of range", line)
	}
	return starts[line-1], nil
}

// lineEndOffset returns the offset just past line's trailing newline, or the
// content length for the last line.
func lineEndOffset(content string, line int, starts []int) int {
	if line < len(starts) {
		return starts[line]
	}
	return len(content)
}

// applyOp applies a single edit to cur and returns the new content plus the
// half-open byte range the edit touched in cur coordinates. It returns
// errAlreadyApplied when the edit's effect is already present.
func applyOp(cur string, op *recommend.EditOp, starts []int) (string, int, int, error) {
	switch op.Kind {
	case recommend.OpReplace:
		s, e := op.Span.Start, op.Span.End
		if s < 0 || e > len(cur) || s > e {
			return "", 0, 0, fmt.Errorf("span [%d,%d) is out of range", s, e)
		}
		if cur[s:e] == op.Text {
			return "", 0, 0, errAlreadyApplied
		}
		return cur[:s] + op.Text + cur[e:], s, e, nil
	case recommend.OpDelete:
		s, e := op.Span.Start, op.Span.End
		if s < 0 || e > len(cur) || s > e {
			return "", 0, 0, fmt.Errorf("span [%d,%d) is out of range", s, e)
		}
		return cur[:s] + cur[e:], s, e, nil
	case recommend.OpInsertBefore:
		pos, err := lineOffset(op.Line, starts)
		if err != nil {
			return "", 0, 0, err
		}
		text := ensureTrailingNewline(op.Text)
		if strings.HasPrefix(cur[pos:], text) {
			return "", 0, 0, errAlreadyApplied
		}
		return cur[:pos] + text + cur[pos:], pos, pos, nil
	case recommend.OpInsertAfter:
		if op.Line < 1 || op.Line > len(starts) {
			return "", 0, 0, fmt.Errorf("line %d is out of range", op.Line)
		}
		pos := lineEndOffset(cur, op.Line, starts)
		text := ensureTrailingNewline(op.Text)
		if pos > 0 && cur[pos-1] != '\n' {
			text = "\n" + text
		}
		if strings.HasSuffix(cur[:pos], text) || strings.HasPrefix(cur[pos:], text) {
			return "", 0, 0, errAlreadyApplied
		}
		return cur[:pos] + text + cur[pos:], pos, pos, nil
	case recommend.OpSetFrontMatter:
		return setFrontMatterField(cur, op.Field, op.Value)
	}
	return "", 0, 0, fmt.Errorf("unknown edit operation %q", op.Kind)
}

func ensureTrailingNewline(text string) string {
	if strings.HasSuffix(text, "\n") {
		return text
	}
	return text + "\n"
}

// setFrontMatterField writes field: value into the front matter block,
// replacing an existing assignment or appending before the closing delimiter.
// Content without front matter gains a fresh block at the top.
func setFrontMatterField(cur, field, value string) (string, int, int, error) {
	rendered := renderFrontMatterLine(field, value)
	fm, _, ok := core.SplitFrontMatter(cur)
	if !ok {
		block := "---\n" + rendered + "---\n"
		return block + cur, 0, 0, nil
	}
	if !fm.Closed {
		return "", 0, 0, fmt.Errorf("front matter block is never closed")
	}
	rawStart := 4
	offset := 0
	rest := fm.Raw
	for len(rest) > 0 {
		lineEnd := strings.IndexByte(rest, '\n')
		line := rest
		if lineEnd >= 0 {
			line = rest[:lineEnd]
		}
		if name, matched := frontMatterKey(line); matched && name == field {
			s := rawStart + offset
			e := s + len(line) + 1
			if cur[s:e] == rendered {
				return "", 0, 0, errAlreadyApplied
			}
			return cur[:s] + rendered + cur[e:], s, e, nil
		}
		if lineEnd < 0 {
			break
		}
		offset += lineEnd + 1
		rest = rest[lineEnd+1:]
	}
	insertAt := rawStart + len(fm.Raw)
	return cur[:insertAt] + rendered + cur[insertAt:], insertAt, insertAt, nil
}

// frontMatterKey extracts the top-level key from a front matter line. Nested
// and continuation lines return matched=false.
func frontMatterKey(line string) (string, bool) {
	if line == "" || line[0] == ' ' || line[0] == '\t' || line[0] == '#' || line[0] == '-' {
		return "", false
	}
	idx := strings.IndexByte(line, ':')
	if idx <= 0 {
		return "", false
	}
	return strings.TrimSpace(line[:idx]), true
}

func renderFrontMatterLine(field, value string) string {
	if value == "" || strings.ContainsAny(value, ":#\"'\n") {
		return fmt.Sprintf("%s: %q\n", field, value)
	}
	return fmt.Sprintf("%s: %s\n", field, value)
}
