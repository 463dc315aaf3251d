// Package security implements the SecurityEngine facade described in §4.6:
// a single composition point over Policy, Firewall, Validator, RateLimiter,
// and AuditLog with scoped open/close lifecycle. Structurally this mirrors
// the teacher's interceptor chain (internal/domain/proxy/*_interceptor.go)
// collapsed into one facade type, per the design note in §9 that favors
// composition with narrow capability interfaces over inheritance.
package security

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/agileandy/mcp-secure-server/internal/audit"
	"github.com/agileandy/mcp-secure-server/internal/firewall"
	"github.com/agileandy/mcp-secure-server/internal/policy"
	"github.com/agileandy/mcp-secure-server/internal/ratelimit"
	"github.com/agileandy/mcp-secure-server/internal/validation"
)

// auditRecorder is the narrow slice of *audit.Log this package depends on.
type auditRecorder interface {
	LogRequest(requestID, tool string, arguments map[string]interface{})
	LogResponse(requestID string, status audit.Status, durationMs int64)
	LogSecurityEvent(eventType string, detail map[string]interface{})
	Stats() audit.Stats
	Close() error
}

// statsRecorder is the narrow capability this package needs from
// metrics.SecurityCounters, grounded on the teacher's StatsRecorder
// interface (proxy.StatsRecorder in audit_interceptor.go).
type statsRecorder interface {
	RecordAllow(tool string)
	RecordDeny(tool string)
	RecordRateLimited(tool string)
	ObserveDispatch(d time.Duration)
}

// rateChecker is the narrow capability this package needs from
// *ratelimit.Limiter.
type rateChecker interface {
	Check(tool string) ratelimit.Result
	Close() error
}

// ruleEvaluator is the narrow capability this package needs from
// *policy.Policy for the optional per-tool CEL gate.
type ruleEvaluator interface {
	EvaluateRule(tool string, args map[string]interface{}) (hasRule, allowed bool, err error)
}

// inputValidator is the narrow capability this package needs from
// *validation.Validator.
type inputValidator interface {
	CheckInput(ctx context.Context, rawSchema json.RawMessage, args map[string]interface{}, requestID string) (map[string]interface{}, *validation.Error)
}

// closer is satisfied by *firewall.Firewall; kept narrow so the engine
// doesn't need the firewall's full surface beyond shutdown and the
// per-request DNS-pin release that brackets a tool call.
type closer interface {
	Close() error
	ReleaseRequest(requestID string)
}

// Engine is the SecurityEngine facade. It is opened once per server
// lifetime via Open and released via Close; every exit path (normal
// shutdown, panic recovery, startup failure) must call Close exactly once.
type Engine struct {
	policy    ruleEvaluator
	firewall  closer
	validator inputValidator
	limiter   rateChecker
	auditLog  auditRecorder
	stats     statsRecorder
	logger    *slog.Logger
}

// Deps bundles the engine's collaborators so Open can be called with
// already-constructed components in tests, while production code goes
// through OpenPolicy below.
type Deps struct {
	Policy    ruleEvaluator
	Firewall  closer
	Validator inputValidator
	Limiter   rateChecker
	AuditLog  auditRecorder
	Stats     statsRecorder
	Logger    *slog.Logger
}

// Open assembles an Engine from already-constructed collaborators. Callers
// that want the standard wiring (Policy -> Firewall -> Validator ->
// RateLimiter -> AuditLog) should use OpenPolicy instead.
func Open(d Deps) *Engine {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		policy:    d.Policy,
		firewall:  d.Firewall,
		validator: d.Validator,
		limiter:   d.Limiter,
		auditLog:  d.AuditLog,
		stats:     d.Stats,
		logger:    logger,
	}
}

// Close releases every owned resource. It tolerates any subset of fields
// being nil (an Engine opened from a Deps with missing parts still gets a
// safe Close), and always attempts every release even if one fails,
// returning the first error encountered.
func (e *Engine) Close() error {
	var firstErr error
	note := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if e.limiter != nil {
		note(e.limiter.Close())
	}
	if e.firewall != nil {
		note(e.firewall.Close())
	}
	if e.auditLog != nil {
		note(e.auditLog.Close())
	}
	return firstErr
}

// CheckInput validates and sanitizes args against rawSchema, then applies
// the optional per-tool CEL gate from policy.tools.rules. On any rejection
// it logs a validation_failed security event and returns a client-safe
// error; the detailed cause goes only to the audit log, per §4.4(b).
func (e *Engine) CheckInput(ctx context.Context, tool string, rawSchema json.RawMessage, args map[string]interface{}, requestID string) (map[string]interface{}, *validation.Error) {
	cleaned, verr := e.validator.CheckInput(ctx, rawSchema, args, requestID)
	if verr != nil {
		e.recordDeny(tool)
		e.OnSecurityEvent("validation_failed", map[string]interface{}{
			"tool":    tool,
			"pointer": verr.Pointer,
			"reason":  verr.Message,
			"detail":  verr.Detail,
		})
		return nil, verr
	}

	if e.policy != nil {
		hasRule, allowed, err := e.policy.EvaluateRule(tool, cleaned)
		if hasRule {
			if err != nil {
				e.recordDeny(tool)
				gerr := &validation.Error{Message: "input validation failed", Detail: "rule evaluation error: " + err.Error()}
				e.OnSecurityEvent("validation_failed", map[string]interface{}{"tool": tool, "reason": gerr.Message, "detail": gerr.Detail})
				return nil, gerr
			}
			if !allowed {
				e.recordDeny(tool)
				gerr := &validation.Error{Message: "input validation failed", Detail: "tool rule denied the call"}
				e.OnSecurityEvent("validation_failed", map[string]interface{}{"tool": tool, "reason": gerr.Message})
				return nil, gerr
			}
		}
	}

	return cleaned, nil
}

// CheckRate enforces the per-tool sliding-window limit, logging
// rate_limit_exceeded on rejection.
func (e *Engine) CheckRate(tool string) ratelimit.Result {
	res := e.limiter.Check(tool)
	if !res.Allowed {
		e.recordRateLimited(tool)
		e.OnSecurityEvent("rate_limit_exceeded", map[string]interface{}{
			"tool":           tool,
			"retry_after_ms": res.RetryAfter.Milliseconds(),
		})
	}
	return res
}

// OnRequest records an accepted request in the audit log.
func (e *Engine) OnRequest(requestID, tool string, cleanedArgs map[string]interface{}) {
	e.auditLog.LogRequest(requestID, tool, cleanedArgs)
	e.recordAllow(tool)
}

// OnResponse records a request's outcome and duration in the audit log.
func (e *Engine) OnResponse(requestID string, status audit.Status, durationMs int64) {
	e.auditLog.LogResponse(requestID, status, durationMs)
	if e.stats != nil {
		e.stats.ObserveDispatch(time.Duration(durationMs) * time.Millisecond)
	}
}

// ReleaseRequest drops the DNS pins that CheckInput's URL validation
// recorded for requestID (see firewall.Firewall.ReleaseRequest). The
// caller must invoke this once per tools/call, win or lose, or pinned
// hostnames accumulate for the life of the process.
func (e *Engine) ReleaseRequest(requestID string) {
	if e.firewall != nil {
		e.firewall.ReleaseRequest(requestID)
	}
}

// OnSecurityEvent records an arbitrary named security event.
func (e *Engine) OnSecurityEvent(eventType string, detail map[string]interface{}) {
	e.auditLog.LogSecurityEvent(eventType, detail)
}

// Stats returns the underlying audit log's write/drop counters, surfaced
// on shutdown per §4.2.
func (e *Engine) Stats() audit.Stats {
	return e.auditLog.Stats()
}

func (e *Engine) recordAllow(tool string) {
	if e.stats != nil {
		e.stats.RecordAllow(tool)
	}
}

func (e *Engine) recordDeny(tool string) {
	if e.stats != nil {
		e.stats.RecordDeny(tool)
	}
}

func (e *Engine) recordRateLimited(tool string) {
	if e.stats != nil {
		e.stats.RecordRateLimited(tool)
	}
}

// OpenPolicy is the production constructor: it builds the standard
// Firewall -> Validator -> RateLimiter -> AuditLog wiring directly from a
// loaded *policy.Policy, opening the audit log file at pol.Audit.LogPath.
// On any failure it releases whatever was already opened before returning
// the error, so a failed OpenPolicy never leaks a file handle or goroutine.
func OpenPolicy(pol *policy.Policy, lookup firewall.LookupFunc, stats statsRecorder, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	fw := firewall.New(pol, lookup)

	v := validation.New(pol, fw)

	limiter := ratelimit.New(pol.RateLimit)

	auditLog, err := audit.Open(pol.Audit.LogPath, logger)
	if err != nil {
		limiter.Close()
		fw.Close()
		return nil, fmt.Errorf("security: opening audit log: %w", err)
	}

	return Open(Deps{
		Policy:    pol,
		Firewall:  fw,
		Validator: v,
		Limiter:   limiter,
		AuditLog:  auditLog,
		Stats:     stats,
		Logger:    logger,
	}), nil
}
