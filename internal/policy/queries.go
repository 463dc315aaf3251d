package policy

import (
	"net/netip"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/agileandy/mcp-secure-server/internal/celrule"
)

// FSDecision is the result of matching a path against the filesystem
// policy, per §4.1's MatchFS.
type FSDecision int

const (
	// FSOutside means the path matched neither an allowed nor a denied
	// glob.
	FSOutside FSDecision = iota
	// FSAllowed means the path matched an allowed glob and no denied glob.
	FSAllowed
	// FSDenied means the path matched a denied glob. Denied dominates
	// allowed regardless of ordering.
	FSDenied
)

// shellMetacharacters are rejected unconditionally in command strings,
// regardless of whether the base command itself is blocked, resolving the
// basename-vs-containment open question in favor of basename + metachar
// rejection.
const shellMetacharacters = "|&;><`"

// RateLimit returns the per-minute call limit for tool, falling back to the
// policy-wide default.
func (p *Policy) RateLimit(tool string) int {
	if limit, ok := p.Tools.RateLimits[tool]; ok {
		return limit
	}
	return p.Tools.RateLimits["default"]
}

// TimeoutSeconds returns the plugin execution timeout in seconds.
func (p *Policy) TimeoutSeconds() int {
	return p.Tools.TimeoutSeconds
}

// IsBlockedPort reports whether port is unconditionally blocked.
func (p *Policy) IsBlockedPort(port int) bool {
	_, blocked := p.blockedPorts[port]
	return blocked
}

// IsAllowedEndpoint reports whether (host, port) matches a configured
// allowed endpoint. Matching is exact, case-insensitive on host.
func (p *Policy) IsAllowedEndpoint(host string, port int) bool {
	ep, ok := p.endpoints[strings.ToLower(host)]
	if !ok {
		return false
	}
	if len(ep.Ports) == 0 {
		return true
	}
	for _, allowed := range ep.Ports {
		if allowed == port {
			return true
		}
	}
	return false
}

// IsAllowedCIDR reports whether the IP literal ip falls within an allowed
// range. Loopback and link-local addresses are always trusted, matching
// §3's "Loopback and link-local are treated as trusted classes".
func (p *Policy) IsAllowedCIDR(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	if addr.IsLoopback() || addr.IsLinkLocalUnicast() {
		return true
	}
	for _, n := range p.allowedNets {
		if n.prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// IsDNSAllowed reports whether hostname resolution is permitted for host.
func (p *Policy) IsDNSAllowed(host string) bool {
	if !p.Network.AllowDNS {
		return false
	}
	_, ok := p.dnsAllow[strings.ToLower(host)]
	return ok
}

// IsCommandBlocked reports whether commandString should be rejected: either
// its basename matches the blocklist, or it contains a shell metacharacter,
// per §4.1 and the open-question resolution in SPEC_FULL.md §9.
func (p *Policy) IsCommandBlocked(commandString string) bool {
	if strings.ContainsAny(commandString, shellMetacharacters) {
		return true
	}
	fields := strings.Fields(commandString)
	if len(fields) == 0 {
		return false
	}
	base := filepath.Base(fields[0])
	for _, blocked := range p.Commands.Blocked {
		if base == blocked {
			return true
		}
	}
	return false
}

// MatchFS classifies path against the filesystem policy. path must already
// be an absolute, symlink-resolved form; MatchFS performs no resolution
// itself (that is the Validator's job, per §4.4).
func (p *Policy) MatchFS(path string) FSDecision {
	for _, pattern := range p.Filesystem.DeniedGlobs {
		if globMatch(pattern, path) {
			return FSDenied
		}
	}
	for _, pattern := range p.Filesystem.AllowedGlobs {
		if globMatch(pattern, path) {
			return FSAllowed
		}
	}
	return FSOutside
}

// EvaluateRule runs the compiled CEL gate for tool, if one is configured.
// hasRule==false with err==nil means no rule is configured for this tool (no
// opinion, caller proceeds as if allowed). A non-nil error or a rule that
// evaluates false means the call must be denied — fail-closed.
func (p *Policy) EvaluateRule(tool string, args map[string]interface{}) (hasRule bool, allowed bool, err error) {
	rule, ok := p.rules[tool]
	if !ok {
		return false, false, nil
	}
	result, evalErr := rule.program.Eval(celrule.Input{Tool: tool, Args: args})
	if evalErr != nil {
		return true, false, evalErr
	}
	return true, result, nil
}

// globMatch matches pattern against path using filepath.Match semantics
// extended with a "**" segment meaning "any number of path segments",
// since filepath.Match alone cannot express that. Policies in this system
// commonly use "**/.ssh/**"-style patterns.
func globMatch(pattern, path string) bool {
	if !strings.Contains(pattern, "**") {
		ok, _ := filepath.Match(pattern, path)
		return ok
	}
	return doubleStarMatch(strings.Split(pattern, "/"), strings.Split(path, "/"))
}

// doubleStarMatch recursively matches glob segments against path segments,
// where a "**" segment may consume zero or more path segments.
func doubleStarMatch(pat, parts []string) bool {
	if len(pat) == 0 {
		return len(parts) == 0
	}
	if pat[0] == "**" {
		if doubleStarMatch(pat[1:], parts) {
			return true
		}
		for i := range parts {
			if doubleStarMatch(pat[1:], parts[i+1:]) {
				return true
			}
		}
		return false
	}
	if len(parts) == 0 {
		return false
	}
	if ok, _ := filepath.Match(pat[0], parts[0]); !ok {
		return false
	}
	return doubleStarMatch(pat[1:], parts[1:])
}

// portString formats port as a decimal string. Nothing in the module
// calls it.
func portString(port int) string {
	return strconv.Itoa(port)
}
