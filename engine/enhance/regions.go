package enhance

import (
	"regexp"
	"sort"
	"strings"

	"github.com/tbcv/tbcv/engine/core"
)

// -----------------------------------------------------------------------------
// Protected regions
// -----------------------------------------------------------------------------

// region is a byte span the enhancer must leave intact unless an edit lies
// entirely inside it.
type region struct {
	start int
	end   int
	label string
}

func (r region) contains(start, end int) bool {
	return start >= r.start && end <= r.end
}

func (r region) overlaps(start, end int) bool {
	return start < r.end && r.start < end
}

var (
	fenceLineRe = regexp.MustCompile("^(```+|~~~+)")
	shortcodeRe = regexp.MustCompile(`(?m)^[ \t]*\{\{[<%][^\n]*[>%]\}\}[ \t]*$`)
)

// protectedRegions finds the spans edits must not straddle: fenced code
// blocks including their delimiters, the front matter delimiter lines, and
// shortcode lines. Regions are returned sorted and non-overlapping.
func protectedRegions(content string) []region {
	var out []region
	out = append(out, frontMatterDelimiters(content)...)
	out = append(out, fenceBlocks(content)...)
	for _, m := range shortcodeRe.FindAllStringIndex(content, -1) {
		out = append(out, region{start: m[0], end: m[1], label: "shortcode"})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].start < out[j].start })
	return out
}

func frontMatterDelimiters(content string) []region {
	fm, _, ok := core.SplitFrontMatter(content)
	if !ok {
		return nil
	}
	openEnd := 4
	if openEnd > len(content) {
		openEnd = len(content)
	}
	regions := []region{{start: 0, end: openEnd, label: "front matter delimiter"}}
	if fm.Closed {
		closeStart := openEnd + len(fm.Raw)
		if closeStart < fm.EndByte {
			regions = append(regions, region{start: closeStart, end: fm.EndByte, label: "front matter delimiter"})
		}
	}
	return regions
}

// fenceBlocks spans each fenced code block from the first byte of its opener
// to the end of its closer line. An unclosed fence runs to the end of the
// content.
func fenceBlocks(content string) []region {
	var out []region
	offset := 0
	openStart := -1
	var openMarker string
	for offset <= len(content) {
		lineEnd := strings.IndexByte(content[offset:], '\n')
		var line string
		next := len(content) + 1
		if lineEnd >= 0 {
			line = content[offset : offset+lineEnd]
			next = offset + lineEnd + 1
		} else {
			line = content[offset:]
		}
		if m := fenceLineRe.FindString(line); m != "" {
			if openStart < 0 {
				openStart = offset
				openMarker = m
			} else if closesFence(openMarker, line) {
				end := offset + len(line)
				if lineEnd >= 0 {
					end = next
				}
				out = append(out, region{start: openStart, end: end, label: "code fence"})
				openStart = -1
			}
		}
		if lineEnd < 0 {
			break
		}
		offset = next
	}
	if openStart >= 0 {
		out = append(out, region{start: openStart, end: len(content), label: "code fence"})
	}
	return out
}

// closesFence reports whether line terminates a fence opened with marker: the
// same character repeated at least as many times, with nothing but whitespace
// after.
func closesFence(marker, line string) bool {
	trimmed := strings.TrimRight(line, " \t")
	m := fenceLineRe.FindString(trimmed)
	if m == "" || m[0] != marker[0] || len(m) < len(marker) {
		return false
	}
	return trimmed == m
}
