// Package policy loads and exposes the server's security policy: the
// immutable set of network, filesystem, command, and rate-limit rules that
// the security pipeline consults on every tool call.
package policy

// Network describes egress rules: which address ranges and named endpoints
// a plugin may reach, which ports are always blocked, and whether DNS
// resolution is permitted for allowlisted hostnames.
type Network struct {
	AllowedCIDRs    []string          `yaml:"allowed_cidrs" validate:"dive,cidr"`
	AllowedEndpoints []EndpointConfig `yaml:"allowed_endpoints" validate:"dive"`
	BlockedPorts    []int             `yaml:"blocked_ports" validate:"dive,min=0,max=65535"`
	AllowDNS        bool              `yaml:"allow_dns"`
	DNSAllowlist    []string          `yaml:"dns_allowlist"`
}

// EndpointConfig is the YAML shape of an allowed endpoint entry.
type EndpointConfig struct {
	Host        string `yaml:"host" validate:"required"`
	Ports       []int  `yaml:"ports" validate:"dive,min=1,max=65535"`
	Description string `yaml:"description"`
}

// Filesystem describes glob-based filesystem access rules. Denied globs
// always dominate allowed globs.
type Filesystem struct {
	AllowedGlobs []string `yaml:"allowed_globs"`
	DeniedGlobs  []string `yaml:"denied_globs"`
}

// Commands describes the shell-command blocklist.
type Commands struct {
	Blocked []string `yaml:"blocked"`
}

// Tools describes per-tool execution limits.
type Tools struct {
	TimeoutSeconds int            `yaml:"timeout_s" validate:"min=0"`
	RateLimits     map[string]int `yaml:"rate_limits"`
	// Rules holds optional CEL boolean expressions gating individual tools,
	// keyed by tool name. A tool absent from this map has no extra gate.
	Rules map[string]string `yaml:"rules"`
}

// Audit describes where and how audit records are written.
type Audit struct {
	LogPath string   `yaml:"log_path"`
	Level   string   `yaml:"level"`
	Include []string `yaml:"include"`
}

// rawDocument is the literal YAML shape decoded before validation and
// defaulting. It intentionally mirrors §3's Policy entity field-for-field.
type rawDocument struct {
	Version    string     `yaml:"version"`
	Network    Network    `yaml:"network"`
	Filesystem Filesystem `yaml:"filesystem"`
	Commands   Commands   `yaml:"commands"`
	Tools      Tools      `yaml:"tools"`
	Audit      Audit      `yaml:"audit"`
}

// Policy is the immutable, in-memory form of a loaded policy document. All
// query methods are pure functions of the receiver; nothing here is mutated
// after Load returns.
type Policy struct {
	Version    string
	Network    Network
	Filesystem Filesystem
	Commands   Commands
	Tools      Tools
	Audit      Audit

	// allowedNets, blockedPorts, dnsAllow, endpoints and rules are derived
	// lookup structures built
	// once at load time so query methods stay O(1)/O(len(cidrs)) without
	// re-parsing strings on every call.
	allowedNets []parsedCIDR
	blockedPorts map[int]struct{}
	dnsAllow     map[string]struct{}
	endpoints    map[string]EndpointConfig
	rules        map[string]compiledRule
}

// defaultRateLimit is used for tools.rate_limits.default when the policy
// document omits it, per §3's invariant that the key is always defined.
const defaultRateLimit = 60

// defaultTimeoutSeconds is used for tools.timeout_s when the document omits
// or zeroes it.
const defaultTimeoutSeconds = 30

// DefaultAuditLogPath is used for audit.log_path when the document omits
// it, per §3's "audit{log_path?, ...}" — the field is optional, but
// AuditLog.Open always needs somewhere to write, so a relative default
// next to the process's working directory is supplied rather than
// surfacing a bare file-open error at startup. Exported so callers (the
// CLI's --dev flag) can detect "the document didn't ask for anything in
// particular" and substitute their own ergonomic default instead.
const DefaultAuditLogPath = "mcp-secure-server-audit.jsonl"
