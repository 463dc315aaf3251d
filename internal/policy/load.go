package policy

import (
	"fmt"
	"net/netip"
	"os"
	"strings"

	validatorpkg "github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/agileandy/mcp-secure-server/internal/celrule"
)

// LoadError wraps a policy load failure with a human-readable cause, per
// §4.1's PolicyLoadError.
type LoadError struct {
	Cause string
}

func (e *LoadError) Error() string { return "policy load failed: " + e.Cause }

func loadErrorf(format string, args ...interface{}) *LoadError {
	return &LoadError{Cause: fmt.Sprintf(format, args...)}
}

// These constants name the document leaves that receive ${NAME}
// environment-variable expansion, per §4.1. Expansion is scoped to exactly
// these to avoid mangling glob patterns elsewhere that might contain "$".
const (
	leafAllowedGlobs = "filesystem.allowed_globs"
	leafDeniedGlobs  = "filesystem.denied_globs"
	leafAuditLogPath = "audit.log_path"
)

// Load reads and validates a policy document from path, returning an
// immutable Policy. All env-var expansion, defaulting, and validation
// happens here; the returned value never changes afterward.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, loadErrorf("cannot read %q: %v", path, err)
	}
	return parse(data)
}

// parse is the pure core of Load, factored out so tests can supply YAML
// text directly without touching the filesystem.
func parse(data []byte) (*Policy, error) {
	var doc rawDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, loadErrorf("malformed YAML: %v", err)
	}

	expandEnv(&doc)
	applyDefaults(&doc)

	if err := validateDocument(&doc); err != nil {
		return nil, err
	}

	p := &Policy{
		Version:    doc.Version,
		Network:    doc.Network,
		Filesystem: doc.Filesystem,
		Commands:   doc.Commands,
		Tools:      doc.Tools,
		Audit:      doc.Audit,
	}

	if err := p.index(); err != nil {
		return nil, err
	}
	return p, nil
}

// expandEnv applies os.Expand(${NAME}) to the three path-typed leaf groups
// named in §4.1, and nowhere else.
func expandEnv(doc *rawDocument) {
	for i, g := range doc.Filesystem.AllowedGlobs {
		doc.Filesystem.AllowedGlobs[i] = os.Expand(g, envLookup)
	}
	for i, g := range doc.Filesystem.DeniedGlobs {
		doc.Filesystem.DeniedGlobs[i] = os.Expand(g, envLookup)
	}
	doc.Audit.LogPath = os.Expand(doc.Audit.LogPath, envLookup)
}

// envLookup leaves unknown variables untouched (os.Expand would otherwise
// replace them with "") so a typo in a policy file surfaces as a literal
// unexpanded string rather than silently vanishing.
func envLookup(name string) string {
	if v, ok := os.LookupEnv(name); ok {
		return v
	}
	return "${" + name + "}"
}

// applyDefaults fills in fields the spec requires to always be defined.
func applyDefaults(doc *rawDocument) {
	if doc.Tools.RateLimits == nil {
		doc.Tools.RateLimits = map[string]int{}
	}
	if _, ok := doc.Tools.RateLimits["default"]; !ok {
		doc.Tools.RateLimits["default"] = defaultRateLimit
	}
	if doc.Tools.TimeoutSeconds <= 0 {
		doc.Tools.TimeoutSeconds = defaultTimeoutSeconds
	}
	if doc.Audit.Level == "" {
		doc.Audit.Level = "info"
	}
	if doc.Audit.LogPath == "" {
		doc.Audit.LogPath = DefaultAuditLogPath
	}
}

// validateDocument runs struct-tag validation plus the handful of
// cross-field / custom checks struct tags can't express (e.g. CIDR
// parseability beyond plain syntax, rate_limits.default being positive).
func validateDocument(doc *rawDocument) error {
	v := validatorpkg.New()
	if err := v.Struct(doc); err != nil {
		return loadErrorf("schema violation: %v", err)
	}

	if doc.Tools.RateLimits["default"] <= 0 {
		return loadErrorf("tools.rate_limits.default must be a positive integer")
	}
	for tool, limit := range doc.Tools.RateLimits {
		if limit <= 0 {
			return loadErrorf("tools.rate_limits[%s] must be a positive integer", tool)
		}
	}
	for _, cidr := range doc.Network.AllowedCIDRs {
		if _, err := netip.ParsePrefix(cidr); err != nil {
			return loadErrorf("network.allowed_cidrs: invalid CIDR %q: %v", cidr, err)
		}
	}
	for _, port := range doc.Network.BlockedPorts {
		if port < 0 || port > 65535 {
			return loadErrorf("network.blocked_ports: invalid port %d", port)
		}
	}
	return nil
}

// parsedCIDR pairs a parsed prefix with its original text for diagnostics.
type parsedCIDR struct {
	prefix netip.Prefix
	text   string
}

// compiledRule holds a tool's compiled CEL gate.
type compiledRule struct {
	program *celrule.Program
}

// index builds the derived lookup structures (CIDR list, port set, DNS
// allowlist set, endpoint map, compiled rules) once, so query methods never
// re-parse strings.
func (p *Policy) index() error {
	p.allowedNets = make([]parsedCIDR, 0, len(p.Network.AllowedCIDRs))
	for _, c := range p.Network.AllowedCIDRs {
		pfx, err := netip.ParsePrefix(c)
		if err != nil {
			return loadErrorf("network.allowed_cidrs: invalid CIDR %q: %v", c, err)
		}
		p.allowedNets = append(p.allowedNets, parsedCIDR{prefix: pfx, text: c})
	}

	p.blockedPorts = make(map[int]struct{}, len(p.Network.BlockedPorts))
	for _, port := range p.Network.BlockedPorts {
		p.blockedPorts[port] = struct{}{}
	}

	p.dnsAllow = make(map[string]struct{}, len(p.Network.DNSAllowlist))
	for _, h := range p.Network.DNSAllowlist {
		p.dnsAllow[strings.ToLower(h)] = struct{}{}
	}

	p.endpoints = make(map[string]EndpointConfig, len(p.Network.AllowedEndpoints))
	for _, ep := range p.Network.AllowedEndpoints {
		p.endpoints[strings.ToLower(ep.Host)] = ep
	}

	p.rules = make(map[string]compiledRule, len(p.Tools.Rules))
	for tool, expr := range p.Tools.Rules {
		prog, err := celrule.Compile(expr)
		if err != nil {
			return loadErrorf("tools.rules[%s]: %v", tool, err)
		}
		p.rules[tool] = compiledRule{program: prog}
	}

	return nil
}
