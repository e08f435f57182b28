package validators

import (
	"regexp"
	"strings"
)

// line is one physical line of the document with its byte span. endByte is
// exclusive and includes the trailing newline when one exists.
type line struct {
	num       int
	text      string
	startByte int
	endByte   int
}

func splitLines(content string) []line {
	var out []line
	start := 0
	num := 1
	for i := 0; i < len(content); i++ {
		if content[i] == '\n' {
			out = append(out, line{num: num, text: content[start:i], startByte: start, endByte: i + 1})
			start = i + 1
			num++
		}
	}
	if start < len(content) {
		out = append(out, line{num: num, text: content[start:], startByte: start, endByte: len(content)})
	}
	return out
}

// fence is one fenced code block. closeLine is zero when the fence is never
// closed; endByte then extends to the end of the document.
type fence struct {
	marker    string
	info      string
	openLine  int
	closeLine int
	startByte int
	endByte   int
}

var fenceOpenRe = regexp.MustCompile("^(```+|~~~+)\\s*(\\S*)")

// scanFences walks lines top to bottom pairing fence openers with the first
// closer using the same marker character and at least the same length.
func scanFences(lines []line) []fence {
	var out []fence
	var open *fence
	for _, ln := range lines {
		trimmed := strings.TrimLeft(ln.text, " \t")
		m := fenceOpenRe.FindStringSubmatch(trimmed)
		if m == nil {
			continue
		}
		marker := m[1]
		if open == nil {
			out = append(out, fence{
				marker:    marker,
				info:      strings.TrimSpace(m[2]),
				openLine:  ln.num,
				startByte: ln.startByte,
			})
			open = &out[len(out)-1]
			continue
		}
		// A closer repeats the opener's character, is at least as long, and
		// carries no info string.
		if marker[0] == open.marker[0] && len(marker) >= len(open.marker) && m[2] == "" {
			open.closeLine = ln.num
			open.endByte = ln.endByte
			open = nil
		}
	}
	if open != nil && len(lines) > 0 {
		open.endByte = lines[len(lines)-1].endByte
	}
	return out
}

// insideFence reports whether lineNum sits strictly inside a fenced block,
// marker lines included.
func insideFence(fences []fence, lineNum int) bool {
	for _, f := range fences {
		if lineNum < f.openLine {
			continue
		}
		if f.closeLine == 0 || lineNum <= f.closeLine {
			return true
		}
	}
	return false
}

// heading is one ATX heading outside any code fence.
type heading struct {
	level int
	text  string
	ln    line
}

var headingRe = regexp.MustCompile(`^(#{1,6})\s+(.*?)\s*#*\s*$`)

func scanHeadings(lines []line, fences []fence) []heading {
	var out []heading
	for _, ln := range lines {
		if insideFence(fences, ln.num) {
			continue
		}
		m := headingRe.FindStringSubmatch(ln.text)
		if m == nil {
			continue
		}
		out = append(out, heading{level: len(m[1]), text: strings.TrimSpace(m[2]), ln: ln})
	}
	return out
}

var slugStripRe = regexp.MustCompile(`[^a-z0-9 \-_]`)

// slugify reduces a heading to its anchor form: lowercase, punctuation
// stripped, spaces collapsed to hyphens.
func slugify(text string) string {
	s := strings.ToLower(strings.TrimSpace(text))
	s = slugStripRe.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, " ", "-")
	return s
}

func wordCount(lines []line, fences []fence) int {
	total := 0
	for _, ln := range lines {
		if insideFence(fences, ln.num) {
			continue
		}
		total += len(strings.Fields(ln.text))
	}
	return total
}
