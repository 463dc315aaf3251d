// Package audit implements the append-only, redacting, buffered audit log
// described in SPEC_FULL.md §4.2.
package audit

import "time"

// Kind discriminates the three record shapes the log writes.
type Kind string

const (
	KindRequest       Kind = "request"
	KindResponse      Kind = "response"
	KindSecurityEvent Kind = "security_event"
)

// Status is the outcome recorded for a response record.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Record is the in-memory shape of a log line. Fields that don't apply to a
// given Kind are left zero and omitted at marshal time.
type Record struct {
	Timestamp  time.Time
	Kind       Kind
	RequestID  string
	Tool       string
	Arguments  map[string]interface{}
	Status     Status
	DurationMs int64
	EventType  string
	Detail     map[string]interface{}
}

// wireRecord is the exact JSON shape written to the log, per §6: "ts (RFC
// 3339), kind, and kind-specific fields".
type wireRecord struct {
	Ts         string                 `json:"ts"`
	Kind       Kind                   `json:"kind"`
	RequestID  string                 `json:"request_id,omitempty"`
	Tool       string                 `json:"tool,omitempty"`
	Arguments  map[string]interface{} `json:"arguments,omitempty"`
	Status     Status                 `json:"status,omitempty"`
	DurationMs int64                  `json:"duration_ms,omitempty"`
	EventType  string                 `json:"event_type,omitempty"`
	Detail     map[string]interface{} `json:"detail,omitempty"`
}

func (r Record) toWire() wireRecord {
	return wireRecord{
		Ts:         r.Timestamp.UTC().Format(time.RFC3339),
		Kind:       r.Kind,
		RequestID:  r.RequestID,
		Tool:       r.Tool,
		Arguments:  r.Arguments,
		Status:     r.Status,
		DurationMs: r.DurationMs,
		EventType:  r.EventType,
		Detail:     r.Detail,
	}
}

// Stats reports how many records were written versus dropped due to write
// failures, per §4.2's "each gap is counted and reported on shutdown".
type Stats struct {
	Written uint64
	Dropped uint64
}
