package validators

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/tbcv/tbcv/engine/core"
	"github.com/tbcv/tbcv/engine/validation"
	"github.com/tbcv/tbcv/pkg/config"
)

// Code inspects fenced code blocks: every fence must close, carry a language
// tag, and the tag must be one the site can highlight. When credential
// scanning is on, block contents are checked for secret-shaped tokens.
type Code struct{}

func NewCode() *Code { return &Code{} }

func (v *Code) ID() string { return "code" }

func (v *Code) Tier() int { return validation.Tier1 }

func (v *Code) Validate(_ context.Context, content string, vctx *validation.Context) ([]validation.Issue, error) {
	cfg := codeConfig(vctx)
	lines, fences, offset := bodyLines(content)

	known := make(map[string]struct{}, len(cfg.KnownLanguages))
	for _, lang := range cfg.KnownLanguages {
		known[strings.ToLower(lang)] = struct{}{}
	}

	var issues []validation.Issue
	for _, f := range fences {
		issues = append(issues, v.fenceIssues(cfg, f, lines, known, offset)...)
		if cfg.CredentialScan {
			issues = append(issues, v.credentialIssues(f, lines, offset)...)
		}
	}
	return issues, nil
}

func (v *Code) fenceIssues(cfg config.CodeValidatorConfig, f fence, lines []line, known map[string]struct{}, offset docOffset) []validation.Issue {
	openLn := lineAt(lines, f.openLine)
	var issues []validation.Issue
	if f.closeLine == 0 {
		issues = append(issues, validation.Issue{
			Type:       validation.IssueCodeUnclosedFence,
			Severity:   core.SeverityCritical,
			Message:    fmt.Sprintf("code fence opened on line %d is never closed", f.openLine+offset.lines),
			Location:   locForLine(openLn, offset),
			Evidence:   openLn.text,
			Confidence: 1.0,
			Suggestion: fmt.Sprintf("close the block with %s", f.marker),
		})
		// Everything below an unclosed fence is swallowed by it, so further
		// checks on this fence would only repeat the same finding.
		return issues
	}
	lang := strings.ToLower(f.info)
	switch {
	case lang == "":
		suggestion := "add a language tag after the opening fence"
		if detected, ok := detectLanguage(cfg, f, lines); ok {
			// The suggestion is the corrected opening fence, ready to swap in.
			suggestion = f.marker + detected
		}
		issues = append(issues, validation.Issue{
			Type:       validation.IssueCodeMissingLanguage,
			Severity:   core.SeverityMedium,
			Message:    "code fence has no language tag",
			Location:   locForLine(openLn, offset),
			Evidence:   openLn.text,
			Confidence: 1.0,
			Suggestion: suggestion,
		})
	case len(known) > 0:
		if _, ok := known[lang]; !ok {
			issues = append(issues, validation.Issue{
				Type:       validation.IssueCodeUnknownLanguage,
				Severity:   core.SeverityLow,
				Message:    fmt.Sprintf("language tag %q is not in the known language list", f.info),
				Location:   locForLine(openLn, offset),
				Evidence:   openLn.text,
				Confidence: 0.9,
			})
		}
	}
	return issues
}

// credentialPatterns match tokens that look like live secrets. Ordering is
// by specificity so the most precise finding wins for overlapping text.
var credentialPatterns = []struct {
	name string
	re   *regexp.Regexp
}{
	{"aws access key", regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)},
	{"private key block", regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`)},
	{"bearer token", regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9\-._~+/]{20,}`)},
	{"assigned secret", regexp.MustCompile(`(?i)\b(api[_-]?key|secret|token|passw(or)?d)\b\s*[:=]\s*["']?[A-Za-z0-9+/_\-]{16,}`)},
}

func (v *Code) credentialIssues(f fence, lines []line, offset docOffset) []validation.Issue {
	var issues []validation.Issue
	for _, ln := range lines {
		if ln.num <= f.openLine || (f.closeLine > 0 && ln.num >= f.closeLine) {
			continue
		}
		for _, p := range credentialPatterns {
			loc := p.re.FindStringIndex(ln.text)
			if loc == nil {
				continue
			}
			issues = append(issues, validation.Issue{
				Type:       validation.IssueCodeCredential,
				Severity:   core.SeverityHigh,
				Message:    fmt.Sprintf("code block contains a token shaped like a %s", p.name),
				Location:   locForLine(ln, offset),
				Evidence:   redact(ln.text[loc[0]:loc[1]]),
				Confidence: 0.7,
				Suggestion: "replace the value with an obvious placeholder such as YOUR_API_KEY",
			})
			break
		}
	}
	return issues
}

// languageHints are cheap content probes for suggesting a tag on untagged
// fences. First match wins.
var languageHints = []struct {
	lang string
	re   *regexp.Regexp
}{
	{"go", regexp.MustCompile(`\b(func|package)\s+\w+|:=`)},
	{"python", regexp.MustCompile(`\bdef\s+\w+\(|^\s*import\s+\w+$`)},
	{"javascript", regexp.MustCompile(`\b(const|let)\s+\w+\s*=|=>`)},
	{"json", regexp.MustCompile(`^\s*[{\[]\s*$|"\w+"\s*:`)},
	{"yaml", regexp.MustCompile(`^\w[\w-]*:\s`)},
	{"bash", regexp.MustCompile(`^\s*(\$ |#!/bin/|curl |sudo )`)},
}

func detectLanguage(cfg config.CodeValidatorConfig, f fence, lines []line) (string, bool) {
	if !cfg.DetectLanguage {
		return "", false
	}
	for _, ln := range lines {
		if ln.num <= f.openLine || (f.closeLine > 0 && ln.num >= f.closeLine) {
			continue
		}
		for _, h := range languageHints {
			if h.re.MatchString(ln.text) {
				return h.lang, true
			}
		}
	}
	return "", false
}

func redact(token string) string {
	if len(token) <= 12 {
		return token[:len(token)/2] + "..."
	}
	return token[:8] + "..." + token[len(token)-4:]
}

func lineAt(lines []line, num int) line {
	if num >= 1 && num <= len(lines) {
		return lines[num-1]
	}
	return line{num: num}
}

func codeConfig(vctx *validation.Context) config.CodeValidatorConfig {
	if vctx != nil && vctx.Config != nil {
		return vctx.Config.Validators.Code
	}
	return config.Default().Validators.Code
}
