package validators

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/tbcv/tbcv/engine/core"
	"github.com/tbcv/tbcv/engine/validation"
	"github.com/tbcv/tbcv/pkg/config"
)

// Links extracts every link in the body and checks that URLs parse, external
// targets respond, http targets with a working https alternative are
// flagged, and same-document anchors resolve to a real heading.
type Links struct {
	// newClient and probe are swapped in tests to avoid the network.
	newClient func(cfg config.LinksValidatorConfig) *resty.Client
	probe     func(ctx context.Context, client *resty.Client, target string) string
}

func NewLinks() *Links {
	return &Links{newClient: buildLinkClient, probe: probeURL}
}

// unverifiedHTTPSConfidence caps the insecure-link issue when the https
// alternative cannot be probed, keeping the suggested rewrite out of
// auto-apply range until a human confirms the secure host exists.
const unverifiedHTTPSConfidence = 0.6

func (v *Links) ID() string { return "links" }

func (v *Links) Tier() int { return validation.Tier2 }

func (v *Links) Validate(ctx context.Context, content string, vctx *validation.Context) ([]validation.Issue, error) {
	cfg := linksConfig(vctx)
	lines, fences, offset := bodyLines(content)
	occurrences := extractLinks(lines, fences)
	if len(occurrences) == 0 {
		return nil, nil
	}

	anchors := make(map[string]struct{})
	for _, h := range scanHeadings(lines, fences) {
		anchors[slugify(h.text)] = struct{}{}
	}

	var issues []validation.Issue
	var external, insecure []linkOccurrence
	for _, occ := range occurrences {
		issue, isExternal := v.staticIssue(cfg, occ, anchors, offset)
		if issue != nil {
			issues = append(issues, *issue)
		}
		if isExternal {
			external = append(external, occ)
			if cfg.PreferHTTPS && strings.HasPrefix(occ.target, "http://") {
				insecure = append(insecure, occ)
			}
		}
	}

	if cfg.CheckExternal && len(external) > 0 {
		reachIssues, err := v.reachabilityIssues(ctx, cfg, external, offset)
		if err != nil {
			return issues, err
		}
		issues = append(issues, reachIssues...)
	}
	if len(insecure) > 0 {
		upgradeIssues, err := v.insecureIssues(ctx, cfg, insecure, offset)
		if err != nil {
			return issues, err
		}
		issues = append(issues, upgradeIssues...)
	}
	return issues, nil
}

// linkOccurrence is one link as written in the document.
type linkOccurrence struct {
	target string
	ln     line
	col    int
}

var (
	inlineLinkRe = regexp.MustCompile(`\[[^\]]*\]\(([^)\s]+)(?:\s+"[^"]*")?\)`)
	refDefRe     = regexp.MustCompile(`^\s*\[[^\]]+\]:\s*(\S+)`)
	autoLinkRe   = regexp.MustCompile(`<(https?://[^>\s]+)>`)
)

func extractLinks(lines []line, fences []fence) []linkOccurrence {
	var out []linkOccurrence
	for _, ln := range lines {
		if insideFence(fences, ln.num) {
			continue
		}
		text := inlineCodeRe.ReplaceAllStringFunc(ln.text, func(s string) string {
			return strings.Repeat(" ", len(s))
		})
		if m := refDefRe.FindStringSubmatchIndex(text); m != nil {
			out = append(out, linkOccurrence{target: text[m[2]:m[3]], ln: ln, col: m[2] + 1})
			continue
		}
		for _, m := range inlineLinkRe.FindAllStringSubmatchIndex(text, -1) {
			out = append(out, linkOccurrence{target: text[m[2]:m[3]], ln: ln, col: m[2] + 1})
		}
		for _, m := range autoLinkRe.FindAllStringSubmatchIndex(text, -1) {
			out = append(out, linkOccurrence{target: text[m[2]:m[3]], ln: ln, col: m[2] + 1})
		}
	}
	return out
}

// staticIssue runs the checks that need no network. The second return value
// reports whether the target should go to the reachability pass.
func (v *Links) staticIssue(cfg config.LinksValidatorConfig, occ linkOccurrence, anchors map[string]struct{}, offset docOffset) (*validation.Issue, bool) {
	target := occ.target
	if strings.HasPrefix(target, "#") {
		slug := strings.TrimPrefix(target, "#")
		if _, ok := anchors[slug]; !ok {
			return &validation.Issue{
				Type:       validation.IssueLinkDanglingAnchor,
				Severity:   core.SeverityMedium,
				Message:    fmt.Sprintf("anchor %q does not match any heading in this document", target),
				Location:   locForOccurrence(occ, offset),
				Evidence:   target,
				Confidence: 0.9,
			}, false
		}
		return nil, false
	}
	if strings.HasPrefix(target, "mailto:") {
		return nil, false
	}

	parsed, err := url.Parse(target)
	if err != nil {
		return &validation.Issue{
			Type:       validation.IssueLinkMalformed,
			Severity:   core.SeverityMedium,
			Message:    fmt.Sprintf("link target %q is not a valid URL: %v", target, err),
			Location:   locForOccurrence(occ, offset),
			Evidence:   target,
			Confidence: 1.0,
		}, false
	}
	switch parsed.Scheme {
	case "http":
		// Insecure targets are handled in a separate pass so the https
		// alternative can be probed before the issue is raised.
		return nil, true
	case "https":
		if parsed.Host == "" {
			return &validation.Issue{
				Type:       validation.IssueLinkMalformed,
				Severity:   core.SeverityMedium,
				Message:    fmt.Sprintf("link target %q has no host", target),
				Location:   locForOccurrence(occ, offset),
				Evidence:   target,
				Confidence: 1.0,
			}, false
		}
		return nil, true
	default:
		// Relative paths and other schemes are out of scope for the
		// reachability pass.
		return nil, false
	}
}

// probeTargets checks each URL once, bounded by the configured concurrency,
// and returns the failure reason per URL (empty string means it answered).
func (v *Links) probeTargets(ctx context.Context, cfg config.LinksValidatorConfig, urls []string) (map[string]string, error) {
	client := v.newClient(cfg)
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	sem := semaphore.NewWeighted(int64(maxConcurrent))
	failures := make([]string, len(urls))

	group, groupCtx := errgroup.WithContext(ctx)
	for i, target := range urls {
		group.Go(func() error {
			if err := sem.Acquire(groupCtx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			failures[i] = v.probe(groupCtx, client, target)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(urls))
	for i, target := range urls {
		out[target] = failures[i]
	}
	return out, nil
}

// reachabilityIssues probes each unique external URL once and reports one
// issue per occurrence of a dead URL.
func (v *Links) reachabilityIssues(ctx context.Context, cfg config.LinksValidatorConfig, occurrences []linkOccurrence, offset docOffset) ([]validation.Issue, error) {
	byURL := make(map[string][]linkOccurrence)
	for _, occ := range occurrences {
		byURL[occ.target] = append(byURL[occ.target], occ)
	}
	urls := make([]string, 0, len(byURL))
	for u := range byURL {
		urls = append(urls, u)
	}
	sort.Strings(urls)

	failures, err := v.probeTargets(ctx, cfg, urls)
	if err != nil {
		return nil, err
	}

	var issues []validation.Issue
	for _, target := range urls {
		if failures[target] == "" {
			continue
		}
		for _, occ := range byURL[target] {
			issues = append(issues, validation.Issue{
				Type:       validation.IssueLinkUnreachable,
				Severity:   core.SeverityCritical,
				Message:    fmt.Sprintf("link target is unreachable: %s", failures[target]),
				Location:   locForOccurrence(occ, offset),
				Evidence:   target,
				Confidence: 0.9,
			})
		}
	}
	return issues, nil
}

// httpsVariant rewrites an http target to its https form.
func httpsVariant(target string) string {
	return "https://" + strings.TrimPrefix(target, "http://")
}

// insecureIssues reports http links whose target should move to https. With
// the reachability pass enabled the https variant is probed first and only
// links whose secure form answers are flagged, at full confidence; without
// it the alternative's existence is unknown, so the issue is capped at
// unverifiedHTTPSConfidence and the rewrite stays review-only.
func (v *Links) insecureIssues(ctx context.Context, cfg config.LinksValidatorConfig, occurrences []linkOccurrence, offset docOffset) ([]validation.Issue, error) {
	verified := make(map[string]bool)
	if cfg.CheckExternal {
		seen := make(map[string]struct{})
		variants := make([]string, 0, len(occurrences))
		for _, occ := range occurrences {
			variant := httpsVariant(occ.target)
			if _, ok := seen[variant]; ok {
				continue
			}
			seen[variant] = struct{}{}
			variants = append(variants, variant)
		}
		sort.Strings(variants)
		failures, err := v.probeTargets(ctx, cfg, variants)
		if err != nil {
			return nil, err
		}
		for variant, failure := range failures {
			verified[variant] = failure == ""
		}
	}

	var issues []validation.Issue
	for _, occ := range occurrences {
		parsed, err := url.Parse(occ.target)
		if err != nil {
			continue
		}
		variant := httpsVariant(occ.target)
		message := fmt.Sprintf("link uses http and %s answers over https", parsed.Host)
		confidence := 1.0
		if !cfg.CheckExternal {
			message = fmt.Sprintf("link uses http; prefer https for %s (alternative not verified)", parsed.Host)
			confidence = unverifiedHTTPSConfidence
		} else if !verified[variant] {
			// The host does not serve https; rewriting would break the link.
			continue
		}
		issues = append(issues, validation.Issue{
			Type:       validation.IssueLinkInsecure,
			Severity:   core.SeverityMedium,
			Message:    message,
			Location:   locForOccurrence(occ, offset),
			Evidence:   occ.target,
			Confidence: confidence,
			Suggestion: variant,
		})
	}
	return issues, nil
}

// probeURL returns an empty string when the URL answers, or a short reason
// when it does not. Retries are handled inside the client.
func probeURL(ctx context.Context, client *resty.Client, target string) string {
	resp, err := client.R().SetContext(ctx).Head(target)
	if err == nil && resp.StatusCode() == http.StatusMethodNotAllowed {
		resp, err = client.R().SetContext(ctx).Get(target)
	}
	if err != nil {
		return err.Error()
	}
	if code := resp.StatusCode(); code >= http.StatusBadRequest {
		return fmt.Sprintf("status %d", code)
	}
	return ""
}

func buildLinkClient(cfg config.LinksValidatorConfig) *resty.Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(cfg.MaxRetries).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("User-Agent", "tbcv-link-check")
	client.AddRetryCondition(func(r *resty.Response, err error) bool {
		if err != nil {
			return true
		}
		if r == nil {
			return false
		}
		code := r.StatusCode()
		return code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
	})
	return client
}

// locForOccurrence spans exactly the URL text, so a replace fix can swap the
// target without touching the link label.
func locForOccurrence(occ linkOccurrence, offset docOffset) validation.Location {
	start := occ.ln.startByte + occ.col - 1
	return validation.Location{
		Line:      occ.ln.num + offset.lines,
		Column:    occ.col,
		StartByte: start + offset.bytes,
		EndByte:   start + len(occ.target) + offset.bytes,
	}
}

func linksConfig(vctx *validation.Context) config.LinksValidatorConfig {
	if vctx != nil && vctx.Config != nil {
		return vctx.Config.Validators.Links
	}
	return config.Default().Validators.Links
}
