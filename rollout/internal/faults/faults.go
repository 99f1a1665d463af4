// Package faults carries the rollout error taxonomy. Every failure the
// controller acts on resolves to exactly one kind; only transient provider
// errors are ever retried.
package faults

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

type Kind string

const (
	KindInput              Kind = "input"
	KindTransientProvider  Kind = "transient_provider"
	KindApprovalDenied     Kind = "approval_denied"
	KindPhaseExecution     Kind = "phase_execution"
	KindQualityDegradation Kind = "quality_degradation"
	KindRollbackFailure    Kind = "rollback_failure"
)

// Fault is a classified rollout error. Op names the operation that failed in
// "verb noun" form.
type Fault struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (f *Fault) Error() string {
	s := f.Op
	if s == "" {
		s = string(f.Kind)
	}
	if f.Msg != "" {
		s += ": " + f.Msg
	}
	if f.Err != nil {
		s += ": " + f.Err.Error()
	}
	return s
}

func (f *Fault) Unwrap() error { return f.Err }

// Input marks malformed caller input. Fatal, never retried.
func Input(op, format string, args ...interface{}) *Fault {
	return &Fault{Kind: KindInput, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Transient marks a provider blip (rate limit, connectivity) worth retrying.
func Transient(op string, err error) *Fault {
	return &Fault{Kind: KindTransientProvider, Op: op, Err: err}
}

// ApprovalDenied marks a reviewer rejection. Fatal, nothing to roll back.
func ApprovalDenied(op, format string, args ...interface{}) *Fault {
	return &Fault{Kind: KindApprovalDenied, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// PhaseExecution marks a per-resource migration failure.
func PhaseExecution(op string, err error) *Fault {
	return &Fault{Kind: KindPhaseExecution, Op: op, Err: err}
}

// QualityDegradation marks a composite degradation beyond the threshold.
func QualityDegradation(op, format string, args ...interface{}) *Fault {
	return &Fault{Kind: KindQualityDegradation, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// RollbackFailure marks an incomplete revert. Fatal and surfaced; the message
// must carry the unrecovered resource ids.
func RollbackFailure(op, format string, args ...interface{}) *Fault {
	return &Fault{Kind: KindRollbackFailure, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the fault kind, or "" for unclassified errors.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return ""
}

// transientMarkers are substrings commonly seen in retryable provider errors.
var transientMarkers = []string{
	"timeout",
	"timed out",
	"rate limit",
	"too many requests",
	"throttl",
	"connection reset",
	"connection refused",
	"temporarily unavailable",
	"service unavailable",
	"status 429",
	"status 502",
	"status 503",
	"status 504",
}

// IsTransient reports whether err should be retried. Classified faults win;
// otherwise network timeouts, context deadline expiry, and the usual
// transient substrings count.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind == KindTransientProvider
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
