package core

import "strings"

// FrontMatter describes the YAML block at the top of a document. Offsets are
// bytes into the normalized content; lines are 1-based.
type FrontMatter struct {
	// Raw is the YAML text between the delimiters, without them.
	Raw string
	// StartByte is the offset of the opening delimiter.
	StartByte int
	// EndByte is the offset just past the closing delimiter line, including
	// its trailing newline when present.
	EndByte int
	// StartLine is the line of the opening delimiter, always 1.
	StartLine int
	// EndLine is the line of the closing delimiter.
	EndLine int
	// Closed is false when the opening delimiter never gets matched.
	Closed bool
}

const frontMatterDelimiter = "---"

// SplitFrontMatter separates the leading front matter block from the body.
// It returns ok=false when the content does not open with a delimiter. An
// unclosed block is returned with Closed=false and an empty body. Content is
// expected to be newline-normalized.
func SplitFrontMatter(content string) (*FrontMatter, string, bool) {
	if !strings.HasPrefix(content, frontMatterDelimiter+"\n") && content != frontMatterDelimiter {
		return nil, content, false
	}
	fm := &FrontMatter{StartByte: 0, StartLine: 1}
	rest := content[len(frontMatterDelimiter):]
	if len(rest) > 0 {
		rest = rest[1:] // consume the newline after the opening delimiter
	}
	offset := len(frontMatterDelimiter) + 1
	line := 2
	for len(rest) > 0 {
		lineEnd := strings.IndexByte(rest, '\n')
		var current string
		if lineEnd < 0 {
			current = rest
		} else {
			current = rest[:lineEnd]
		}
		if strings.TrimRight(current, " \t") == frontMatterDelimiter {
			fm.EndLine = line
			fm.Closed = true
			if lineEnd < 0 {
				fm.EndByte = offset + len(current)
				return fm, "", true
			}
			fm.EndByte = offset + lineEnd + 1
			return fm, content[fm.EndByte:], true
		}
		fm.Raw += current + "\n"
		if lineEnd < 0 {
			offset += len(current)
			break
		}
		offset += lineEnd + 1
		line++
		rest = rest[lineEnd+1:]
	}
	fm.EndByte = len(content)
	fm.EndLine = line
	return fm, "", true
}

// BodyStartLine returns the 1-based line where the body begins.
func (fm *FrontMatter) BodyStartLine() int {
	if fm == nil {
		return 1
	}
	return fm.EndLine + 1
}
