package cache

import (
	"strings"

	"github.com/tbcv/tbcv/engine/core"
)

// KeyFor derives the cache key for one operation invocation. The input is
// canonicalized first, then fingerprinted with the stable-JSON SHA-256 from
// engine/core, so map ordering, incidental whitespace and absent-vs-nil
// fields never produce distinct keys. Callers key large payloads by their
// content hash rather than the raw bytes.
func KeyFor(agentID, operation string, input any) string {
	return Prefix(agentID, operation) + core.FingerprintAny(canonicalize(input))
}

// Prefix returns the invalidation prefix covering every key an agent and
// operation pair can produce. Passing an empty operation widens the prefix to
// the whole agent; both empty covers the entire cache.
func Prefix(agentID, operation string) string {
	if agentID == "" && operation == "" {
		return ""
	}
	if operation == "" {
		return agentID + ":"
	}
	return agentID + ":" + operation + ":"
}

// canonicalize rewrites an input payload into its semantic form: map entries
// with nil values are dropped, strings have whitespace runs collapsed, and
// nested maps and slices are rewritten recursively. Numbers, booleans and
// other scalars pass through unchanged.
func canonicalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if val == nil {
				continue
			}
			out[k] = canonicalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = canonicalize(e)
		}
		return out
	case string:
		return collapseWhitespace(t)
	default:
		return v
	}
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
