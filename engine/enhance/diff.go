package enhance

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// diffContext is the number of unchanged lines shown around each hunk.
const diffContext = 3

// Diff renders a unified diff between two versions of a file. It is the same
// rendering enhancement results carry, exposed for comparison views built
// from backups.
func Diff(path, before, after string) string {
	return unifiedDiff(path, before, after)
}

type diffLine struct {
	kind byte // ' ', '-', '+'
	text string
}

// unifiedDiff renders a standard unified diff between two versions of one
// file. Identical inputs yield an empty string. The diff is computed at line
// granularity to keep hunks aligned with how reviewers read documents.
func unifiedDiff(path, before, after string) string {
	if before == after {
		return ""
	}
	dmp := diffmatchpatch.New()
	a, b, lineArray := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffMain(a, b, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	lines := flattenDiffs(diffs)
	hunks := groupHunks(lines)
	if len(hunks) == 0 {
		return ""
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "--- a/%s\n", path)
	fmt.Fprintf(&sb, "+++ b/%s\n", path)
	for _, h := range hunks {
		renderHunk(&sb, lines, h)
	}
	return sb.String()
}

func flattenDiffs(diffs []diffmatchpatch.Diff) []diffLine {
	var out []diffLine
	for _, d := range diffs {
		var kind byte
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			kind = '-'
		case diffmatchpatch.DiffInsert:
			kind = '+'
		default:
			kind = ' '
		}
		text := d.Text
		trailing := strings.HasSuffix(text, "\n")
		if trailing {
			text = text[:len(text)-1]
		}
		for _, ln := range strings.Split(text, "\n") {
			out = append(out, diffLine{kind: kind, text: ln})
		}
	}
	return out
}

type hunk struct {
	from, to int // half-open index range into the flattened lines
}

// groupHunks finds changed stretches and widens each by the context margin,
// merging stretches whose contexts touch.
func groupHunks(lines []diffLine) []hunk {
	var hunks []hunk
	i := 0
	for i < len(lines) {
		if lines[i].kind == ' ' {
			i++
			continue
		}
		from := i - diffContext
		if from < 0 {
			from = 0
		}
		j := i
		for j < len(lines) {
			if lines[j].kind != ' ' {
				j++
				continue
			}
			// Stop once a full gap of unchanged lines separates changes.
			k := j
			for k < len(lines) && lines[k].kind == ' ' {
				k++
			}
			if k-j <= 2*diffContext && k < len(lines) {
				j = k
				continue
			}
			break
		}
		to := j + diffContext
		if to > len(lines) {
			to = len(lines)
		}
		hunks = append(hunks, hunk{from: from, to: to})
		i = to
	}
	return hunks
}

func renderHunk(sb *strings.Builder, lines []diffLine, h hunk) {
	oldStart, newStart := 1, 1
	for _, ln := range lines[:h.from] {
		switch ln.kind {
		case ' ':
			oldStart++
			newStart++
		case '-':
			oldStart++
		case '+':
			newStart++
		}
	}
	oldCount, newCount := 0, 0
	for _, ln := range lines[h.from:h.to] {
		switch ln.kind {
		case ' ':
			oldCount++
			newCount++
		case '-':
			oldCount++
		case '+':
			newCount++
		}
	}
	fmt.Fprintf(sb, "@@ -%d,%d +%d,%d @@\n", oldStart, oldCount, newStart, newCount)
	for _, ln := range lines[h.from:h.to] {
		sb.WriteByte(ln.kind)
		sb.WriteString(ln.text)
		sb.WriteByte('\n')
	}
}
