package svc

import (
	"errors"
	"fmt"
	"strings"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindSyntaxError
	KindPlatformRejected
	KindTimeout
	KindAuthFailure
	KindNetworkError
	KindRateLimited
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindSyntaxError:
		return "syntax_error"
	case KindPlatformRejected:
		return "platform_rejected"
	case KindTimeout:
		return "timeout"
	case KindAuthFailure:
		return "auth_failure"
	case KindNetworkError:
		return "network_error"
	case KindRateLimited:
		return "rate_limited"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Permanent kinds are recorded and never retried.
func (k Kind) Permanent() bool {
	return k == KindSyntaxError || k == KindPlatformRejected
}

type SimError struct {
	Kind       Kind
	StatusCode int
	Message    string
	Err        error
}

func (e *SimError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (%d)", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *SimError) Unwrap() error {
	return e.Err
}

// KindOf extracts the Kind of err, KindUnknown when err is not a SimError.
func KindOf(err error) Kind {
	var se *SimError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnknown
}

var syntaxHints = []string{
	"syntax",
	"unexpected",
	"unknown variable",
	"unknown operator",
	"attempted to use",
	"invalid number of inputs",
	"got an unexpected",
	"parse",
}

// classifyMessage decides between syntax and platform rejection from a platform error text.
func classifyMessage(msg string) Kind {
	lower := strings.ToLower(msg)
	for _, hint := range syntaxHints {
		if strings.Contains(lower, hint) {
			return KindSyntaxError
		}
	}
	return KindPlatformRejected
}

func isPermissionMessage(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "permission") || strings.Contains(lower, "multi_simulation") ||
		strings.Contains(lower, "not allowed")
}
