package validation

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/agileandy/mcp-secure-server/internal/policy"
)

// urlChecker is the narrow capability this package needs from the
// Firewall: only URL validation, scoped to one tool call via requestID so
// DNS-rebinding pinning brackets correctly.
type urlChecker interface {
	ValidateURL(ctx context.Context, rawURL, requestID string) error
}

// fsPolicy is the narrow capability this package needs from Policy for
// layer (c) sanitization.
type fsPolicy interface {
	MatchFS(path string) policy.FSDecision
	IsCommandBlocked(command string) bool
}

// isPathKey reports whether key (case-insensitive) ends in "path" or
// equals "project_path", per §4.4(c).
func isPathKey(key string) bool {
	lower := strings.ToLower(key)
	return strings.HasSuffix(lower, "path") || lower == "project_path"
}

// isCommandKey reports whether key equals "command" or "cmd".
func isCommandKey(key string) bool {
	lower := strings.ToLower(key)
	return lower == "command" || lower == "cmd"
}

// isURLKey reports whether key (case-insensitively) contains "url".
func isURLKey(key string) bool {
	return strings.Contains(strings.ToLower(key), "url")
}

// sanitizeWalker walks an arguments tree, building a brand-new tree (never
// mutating the input) while applying path/command/url sanitization to
// matching leaf keys, per §4.4(c) and §9's "sanitization operates by
// structural recursion with a visitor".
type sanitizeWalker struct {
	ctx       context.Context
	fs        fsPolicy
	url       urlChecker
	requestID string
}

// sanitize returns a new arguments object with sanitization applied, or a
// client-safe *Error on the first rejection. detail carries the internal
// cause for the audit log; Message is always the generic text §4.4(c)
// specifies.
func (w *sanitizeWalker) sanitize(args map[string]interface{}) (map[string]interface{}, *Error) {
	out, err := w.walkMap(args, "")
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (w *sanitizeWalker) walkMap(m map[string]interface{}, pointer string) (map[string]interface{}, *Error) {
	out := make(map[string]interface{}, len(m))
	for key, val := range m {
		childPointer := pointer + "/" + key
		cleaned, verr := w.walkValue(key, val, childPointer)
		if verr != nil {
			return nil, verr
		}
		out[key] = cleaned
	}
	return out, nil
}

func (w *sanitizeWalker) walkValue(key string, val interface{}, pointer string) (interface{}, *Error) {
	switch v := val.(type) {
	case map[string]interface{}:
		return w.walkMap(v, pointer)
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			cleaned, verr := w.walkValue(key, item, pointer)
			if verr != nil {
				return nil, verr
			}
			out[i] = cleaned
		}
		return out, nil
	case string:
		return w.sanitizeString(key, v, pointer)
	default:
		return val, nil
	}
}

func (w *sanitizeWalker) sanitizeString(key, val string, pointer string) (interface{}, *Error) {
	if len(val) > MaxFieldBytes {
		return nil, newError(pointer, "field too large", "string field exceeds size ceiling")
	}

	switch {
	case isPathKey(key):
		canonical, err := canonicalizePath(val)
		if err != nil {
			return nil, newError(pointer, "path denied", "path canonicalization failed: "+err.Error())
		}
		switch w.fs.MatchFS(canonical) {
		case policy.FSDenied, policy.FSOutside:
			return nil, newError(pointer, "path denied", "path "+canonical+" is denied or outside allowed roots")
		}
		return canonical, nil

	case isCommandKey(key):
		if w.fs.IsCommandBlocked(val) {
			return nil, newError(pointer, "command denied", "command blocked by policy")
		}
		return val, nil

	case isURLKey(key):
		if w.url == nil {
			return val, nil
		}
		if err := w.url.ValidateURL(w.ctx, val, w.requestID); err != nil {
			return nil, newError(pointer, "url denied", "url rejected by firewall: "+err.Error())
		}
		return val, nil

	default:
		return val, nil
	}
}

// canonicalizePath resolves val to an absolute, symlink-resolved form. The
// final path component need not exist (plugins often receive a path they
// are about to create); in that case the existing ancestor directories are
// resolved and the missing suffix is appended unresolved.
func canonicalizePath(val string) (string, error) {
	abs, err := filepath.Abs(val)
	if err != nil {
		return "", err
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err == nil {
		return resolved, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}

	// Walk up until we find an ancestor that exists, resolve that, then
	// re-append the missing suffix.
	dir := filepath.Dir(abs)
	suffix := filepath.Base(abs)
	for {
		resolvedDir, derr := filepath.EvalSymlinks(dir)
		if derr == nil {
			return filepath.Join(resolvedDir, suffix), nil
		}
		if !errors.Is(derr, os.ErrNotExist) {
			return "", derr
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", err
		}
		suffix = filepath.Join(filepath.Base(dir), suffix)
		dir = parent
	}
}
