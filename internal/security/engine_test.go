package security

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/agileandy/mcp-secure-server/internal/audit"
	"github.com/agileandy/mcp-secure-server/internal/ratelimit"
	"github.com/agileandy/mcp-secure-server/internal/validation"
)

type fakeValidator struct {
	cleaned map[string]interface{}
	err     *validation.Error
}

func (f *fakeValidator) CheckInput(ctx context.Context, rawSchema json.RawMessage, args map[string]interface{}, requestID string) (map[string]interface{}, *validation.Error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.cleaned, nil
}

type fakeRuleEvaluator struct {
	hasRule bool
	allowed bool
	err     error
}

func (f *fakeRuleEvaluator) EvaluateRule(tool string, args map[string]interface{}) (bool, bool, error) {
	return f.hasRule, f.allowed, f.err
}

type fakeLimiter struct {
	result  ratelimit.Result
	closed  bool
	checked []string
}

func (f *fakeLimiter) Check(tool string) ratelimit.Result {
	f.checked = append(f.checked, tool)
	return f.result
}

func (f *fakeLimiter) Close() error {
	f.closed = true
	return nil
}

type fakeAudit struct {
	requests []string
	events   []string
	closed   bool
}

func (f *fakeAudit) LogRequest(requestID, tool string, arguments map[string]interface{}) {
	f.requests = append(f.requests, requestID+":"+tool)
}

func (f *fakeAudit) LogResponse(requestID string, status audit.Status, durationMs int64) {}

func (f *fakeAudit) LogSecurityEvent(eventType string, detail map[string]interface{}) {
	f.events = append(f.events, eventType)
}

func (f *fakeAudit) Stats() audit.Stats { return audit.Stats{} }

func (f *fakeAudit) Close() error {
	f.closed = true
	return nil
}

type fakeStats struct {
	allowed      []string
	denied       []string
	rateLimited  []string
	observations []time.Duration
}

func (f *fakeStats) RecordAllow(tool string)       { f.allowed = append(f.allowed, tool) }
func (f *fakeStats) RecordDeny(tool string)        { f.denied = append(f.denied, tool) }
func (f *fakeStats) RecordRateLimited(tool string) { f.rateLimited = append(f.rateLimited, tool) }
func (f *fakeStats) ObserveDispatch(d time.Duration) {
	f.observations = append(f.observations, d)
}

type fakeCloser struct {
	closed   bool
	released []string
}

func (f *fakeCloser) Close() error {
	f.closed = true
	return nil
}

func (f *fakeCloser) ReleaseRequest(requestID string) {
	f.released = append(f.released, requestID)
}

func TestCheckInputSuccessReturnsCleanedArgs(t *testing.T) {
	cleaned := map[string]interface{}{"msg": "hi"}
	a := &fakeAudit{}
	s := &fakeStats{}
	e := Open(Deps{
		Validator: &fakeValidator{cleaned: cleaned},
		AuditLog:  a,
		Stats:     s,
	})

	got, verr := e.CheckInput(context.Background(), "echo", nil, map[string]interface{}{}, "req-1")
	if verr != nil {
		t.Fatalf("unexpected error: %v", verr)
	}
	if got["msg"] != "hi" {
		t.Errorf("got %v", got)
	}
	if len(a.events) != 0 {
		t.Errorf("expected no security events on success, got %v", a.events)
	}
}

func TestCheckInputValidationFailureLogsEvent(t *testing.T) {
	a := &fakeAudit{}
	s := &fakeStats{}
	e := Open(Deps{
		Validator: &fakeValidator{err: &validation.Error{Message: "path denied", Detail: "outside root"}},
		AuditLog:  a,
		Stats:     s,
	})

	_, verr := e.CheckInput(context.Background(), "echo", nil, map[string]interface{}{}, "req-1")
	if verr == nil {
		t.Fatal("expected validation error")
	}
	if len(a.events) != 1 || a.events[0] != "validation_failed" {
		t.Errorf("events = %v", a.events)
	}
	if len(s.denied) != 1 || s.denied[0] != "echo" {
		t.Errorf("denied = %v", s.denied)
	}
}

func TestCheckInputRuleDenialLogsEvent(t *testing.T) {
	a := &fakeAudit{}
	s := &fakeStats{}
	e := Open(Deps{
		Validator: &fakeValidator{cleaned: map[string]interface{}{}},
		Policy:    &fakeRuleEvaluator{hasRule: true, allowed: false},
		AuditLog:  a,
		Stats:     s,
	})

	_, verr := e.CheckInput(context.Background(), "echo", nil, map[string]interface{}{}, "req-1")
	if verr == nil {
		t.Fatal("expected rule-denial error")
	}
	if len(s.denied) != 1 {
		t.Errorf("denied = %v", s.denied)
	}
}

func TestCheckInputRuleAllowPassesThrough(t *testing.T) {
	cleaned := map[string]interface{}{"msg": "hi"}
	e := Open(Deps{
		Validator: &fakeValidator{cleaned: cleaned},
		Policy:    &fakeRuleEvaluator{hasRule: true, allowed: true},
		AuditLog:  &fakeAudit{},
		Stats:     &fakeStats{},
	})

	got, verr := e.CheckInput(context.Background(), "echo", nil, map[string]interface{}{}, "req-1")
	if verr != nil {
		t.Fatalf("unexpected error: %v", verr)
	}
	if got["msg"] != "hi" {
		t.Errorf("got %v", got)
	}
}

func TestCheckRateRejectionLogsEvent(t *testing.T) {
	a := &fakeAudit{}
	s := &fakeStats{}
	e := Open(Deps{
		Limiter:  &fakeLimiter{result: ratelimit.Result{Allowed: false, RetryAfter: 5 * time.Second}},
		AuditLog: a,
		Stats:    s,
	})

	res := e.CheckRate("echo")
	if res.Allowed {
		t.Fatal("expected denied")
	}
	if len(a.events) != 1 || a.events[0] != "rate_limit_exceeded" {
		t.Errorf("events = %v", a.events)
	}
	if len(s.rateLimited) != 1 {
		t.Errorf("rateLimited = %v", s.rateLimited)
	}
}

func TestOnRequestRecordsAuditAndAllowStat(t *testing.T) {
	a := &fakeAudit{}
	s := &fakeStats{}
	e := Open(Deps{AuditLog: a, Stats: s})

	e.OnRequest("req-1", "echo", map[string]interface{}{"msg": "hi"})

	if len(a.requests) != 1 || a.requests[0] != "req-1:echo" {
		t.Errorf("requests = %v", a.requests)
	}
	if len(s.allowed) != 1 {
		t.Errorf("allowed = %v", s.allowed)
	}
}

func TestCloseReleasesAllOwnedResourcesExactlyOnce(t *testing.T) {
	limiter := &fakeLimiter{}
	fw := &fakeCloser{}
	a := &fakeAudit{}
	e := Open(Deps{Limiter: limiter, Firewall: fw, AuditLog: a})

	if err := e.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if !limiter.closed || !fw.closed || !a.closed {
		t.Errorf("not all resources closed: limiter=%v firewall=%v audit=%v", limiter.closed, fw.closed, a.closed)
	}
}

func TestCloseToleratesPartiallyNilEngine(t *testing.T) {
	e := Open(Deps{AuditLog: &fakeAudit{}})
	if err := e.Close(); err != nil {
		t.Fatalf("Close() on partially-nil engine: %v", err)
	}
}

func TestReleaseRequestDelegatesToFirewall(t *testing.T) {
	fw := &fakeCloser{}
	e := Open(Deps{Firewall: fw, AuditLog: &fakeAudit{}})

	e.ReleaseRequest("req-1")

	if len(fw.released) != 1 || fw.released[0] != "req-1" {
		t.Errorf("released = %v", fw.released)
	}
}

func TestReleaseRequestToleratesNilFirewall(t *testing.T) {
	e := Open(Deps{AuditLog: &fakeAudit{}})
	e.ReleaseRequest("req-1")
}
