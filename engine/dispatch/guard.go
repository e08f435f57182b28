package dispatch

import (
	"context"
	"fmt"
	"runtime"
	"strings"

	"github.com/tbcv/tbcv/engine/core"
	"github.com/tbcv/tbcv/pkg/config"
	"github.com/tbcv/tbcv/pkg/logger"
)

// Guard modes. Off skips the caller check entirely, warn logs unlisted
// callers and proceeds, block rejects them with ACCESS_DENIED.
const (
	GuardOff   = "off"
	GuardWarn  = "warn"
	GuardBlock = "block"
)

const (
	selfPackage  = "github.com/tbcv/tbcv/engine/dispatch"
	modulePrefix = "github.com/tbcv/tbcv"
)

// boundaryKey marks a context as having entered through Call, the sanctioned
// string-keyed entry point. Typed methods reached through it skip the caller
// inspection.
type boundaryKey struct{}

func withBoundary(ctx context.Context) context.Context {
	return context.WithValue(ctx, boundaryKey{}, true)
}

func fromBoundary(ctx context.Context) bool {
	ok, _ := ctx.Value(boundaryKey{}).(bool)
	return ok
}

// Guard enforces the access-boundary rule: operations on the dispatcher
// refuse direct calls from packages outside the allow-list. The inspection
// walks the call stack to the nearest frame outside this package and matches
// its import path against the configured prefixes.
type Guard struct {
	mode  string
	allow []string
}

// NewGuard builds a guard from boundary configuration. An empty allow-list
// admits the module's own packages and the main package, which covers the
// bundled CLI and server.
func NewGuard(cfg config.BoundaryConfig) *Guard {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	switch mode {
	case GuardOff, GuardWarn, GuardBlock:
	default:
		mode = GuardWarn
	}
	allow := make([]string, 0, len(cfg.AllowList)+2)
	for _, p := range cfg.AllowList {
		if p = strings.TrimSpace(p); p != "" {
			allow = append(allow, p)
		}
	}
	if len(allow) == 0 {
		allow = []string{modulePrefix, "main"}
	}
	return &Guard{mode: mode, allow: allow}
}

// Mode returns the effective guard mode.
func (g *Guard) Mode() string { return g.mode }

// Check verifies the caller of a guarded method. Contexts stamped by Call
// pass immediately; otherwise the nearest external frame decides.
func (g *Guard) Check(ctx context.Context, method string) error {
	if g == nil || g.mode == GuardOff {
		return nil
	}
	if fromBoundary(ctx) {
		return nil
	}
	return g.verify(ctx, method, externalCaller())
}

// verify applies the mode to a resolved caller package. An empty caller means
// the stack never left this module's test or runtime frames and passes.
func (g *Guard) verify(ctx context.Context, method, caller string) error {
	if caller == "" || g.allowed(caller) {
		return nil
	}
	if g.mode == GuardBlock {
		return core.NewError(fmt.Errorf("package %q may not call %s directly", caller, method), core.CodeAccessDenied, map[string]any{
			"reason": "caller is not on the boundary allow-list",
			"method": method,
			"caller": caller,
		})
	}
	logger.FromContext(ctx).Warn("boundary called from unlisted package",
		"method", method,
		"caller", caller)
	return nil
}

func (g *Guard) allowed(caller string) bool {
	for _, prefix := range g.allow {
		if caller == prefix || strings.HasPrefix(caller, prefix+"/") {
			return true
		}
	}
	return false
}

// externalCaller returns the import path of the nearest stack frame outside
// this package. Runtime and testing frames are skipped so internal tests do
// not trip the guard.
func externalCaller() string {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(2, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		pkg := packageOf(frame.Function)
		switch pkg {
		case "", selfPackage, "runtime", "testing":
		default:
			return pkg
		}
		if !more {
			return ""
		}
	}
}

// packageOf extracts the import path from a runtime function name such as
// github.com/acme/mod/pkg.(*T).Method or main.main.
func packageOf(fn string) string {
	if fn == "" {
		return ""
	}
	slash := strings.LastIndex(fn, "/")
	dot := strings.Index(fn[slash+1:], ".")
	if dot < 0 {
		return ""
	}
	return fn[:slash+1+dot]
}
