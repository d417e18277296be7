package model

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies failures surfaced by the ingestion and reply core.
type ErrorKind string

const (
	KindRateLimited          ErrorKind = "rate_limited"
	KindTransport            ErrorKind = "transport_failure"
	KindAuth                 ErrorKind = "auth_failure"
	KindNotFound             ErrorKind = "not_found"
	KindNotPending           ErrorKind = "not_pending"
	KindDraftMissing         ErrorKind = "draft_missing"
	KindConfirmationRequired ErrorKind = "confirmation_required"
	KindSendTransport        ErrorKind = "send_transport_failure"
	KindInvalidInput         ErrorKind = "invalid_input"
	KindInternal             ErrorKind = "internal"
)

// Error is a classified failure. Two errors match under errors.Is when
// their kinds are equal, so callers compare against the Err* sentinels.
type Error struct {
	Kind    ErrorKind
	Message string
	// RetryAfter is the provider's hint for rate-limited responses.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on kind only.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrRateLimited          = &Error{Kind: KindRateLimited}
	ErrTransport            = &Error{Kind: KindTransport}
	ErrAuth                 = &Error{Kind: KindAuth}
	ErrNotFound             = &Error{Kind: KindNotFound}
	ErrNotPending           = &Error{Kind: KindNotPending}
	ErrDraftMissing         = &Error{Kind: KindDraftMissing}
	ErrConfirmationRequired = &Error{Kind: KindConfirmationRequired}
	ErrSendTransport        = &Error{Kind: KindSendTransport}
	ErrInvalidInput         = &Error{Kind: KindInvalidInput}
)

// E builds a classified error with a formatted message.
func E(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind, keeping it in the chain.
func Wrap(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the first classified error in err's chain,
// or KindInternal when none is classified.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsRateLimited reports whether err is a rate-limit-class failure.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// RetryAfterOf returns the provider retry hint carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// Failure is the structured form of an error embedded in results.
type Failure struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// FailureOf converts err into its structured form. It returns nil for a
// nil error.
func FailureOf(err error) *Failure {
	if err == nil {
		return nil
	}
	return &Failure{Kind: KindOf(err), Message: err.Error()}
}
