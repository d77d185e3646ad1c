package mailer

import (
	"errors"
	"fmt"
)

// ErrorKind is the externally visible error taxonomy.
type ErrorKind string

const (
	KindValidation       ErrorKind = "ValidationError"
	KindAccountNotFound  ErrorKind = "AccountNotFound"
	KindAuthentication   ErrorKind = "AuthenticationFailed"
	KindConnect          ErrorKind = "ConnectError"
	KindTimeout          ErrorKind = "Timeout"
	KindProtocol         ErrorKind = "ProtocolError"
	KindCapacityExceeded ErrorKind = "CapacityExceeded"
	KindTransportFailure ErrorKind = "TransportFailure"
	KindRejected         ErrorKind = "Rejected"
	KindConfig           ErrorKind = "ConfigError"
	KindInternal         ErrorKind = "InternalError"
)

// Reasons refine ProtocolError and CapacityExceeded.
const (
	ReasonMessageNotFound = "message_not_found"
	ReasonFolderNotFound  = "folder_not_found"
	ReasonStaleReference  = "stale_reference"
	ReasonMessageTooLarge = "message_too_large"
	ReasonTooManySessions = "too_many_sessions"
	ReasonRateLimited     = "rate_limited"
	ReasonTooManyMatches  = "too_many_matches"
	ReasonCanceled        = "canceled"
)

// RecipientRejection is one refused RCPT TO.
type RecipientRejection struct {
	Address      string `json:"address"`
	Code         int    `json:"code"`
	EnhancedCode string `json:"enhanced_code,omitempty"`
	Message      string `json:"message"`
	Temporary    bool   `json:"temporary"`
}

// Error is the structured error returned by every gateway operation.
type Error struct {
	Kind       ErrorKind            `json:"kind"`
	Detail     string               `json:"detail"`
	Reason     string               `json:"reason,omitempty"`
	ServerText string               `json:"server_text,omitempty"`
	Retryable  bool                 `json:"retryable"`
	Recipients []RecipientRejection `json:"recipients,omitempty"`
	Err        error                `json:"-"`
}

func (e *Error) Error() string {
	msg := string(e.Kind) + ": " + e.Detail
	if e.ServerText != "" {
		msg += " (server: " + e.ServerText + ")"
	}
	if e.Err != nil && e.ServerText == "" {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches errors of the same kind and reason, so sentinel-like
// comparisons such as errors.Is(err, &Error{Kind: KindTimeout}) work.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Reason == "" || t.Reason == e.Reason)
}

func newError(kind ErrorKind, retryable bool, err error, format string, args ...any) *Error {
	return &Error{
		Kind:      kind,
		Detail:    fmt.Sprintf(format, args...),
		Retryable: retryable,
		Err:       err,
	}
}

func Validationf(format string, args ...any) *Error {
	return newError(KindValidation, false, nil, format, args...)
}

func AccountNotFound(name string) *Error {
	return newError(KindAccountNotFound, false, nil, "account %q is not configured", name)
}

func AuthenticationFailed(err error, serverText string) *Error {
	e := newError(KindAuthentication, false, err, "credentials rejected by server")
	e.ServerText = serverText
	return e
}

func ConnectFailed(err error, format string, args ...any) *Error {
	return newError(KindConnect, true, err, format, args...)
}

func TimedOut(err error, format string, args ...any) *Error {
	return newError(KindTimeout, true, err, format, args...)
}

func Protocol(reason string, err error, serverText, format string, args ...any) *Error {
	e := newError(KindProtocol, false, err, format, args...)
	e.Reason = reason
	e.ServerText = serverText
	return e
}

func CapacityExceeded(reason string, retryable bool, format string, args ...any) *Error {
	e := newError(KindCapacityExceeded, retryable, nil, format, args...)
	e.Reason = reason
	return e
}

func TransportFailed(err error, format string, args ...any) *Error {
	return newError(KindTransportFailure, true, err, format, args...)
}

func Rejected(recipients []RecipientRejection, serverText, format string, args ...any) *Error {
	e := newError(KindRejected, false, nil, format, args...)
	e.Recipients = recipients
	e.ServerText = serverText
	for _, r := range recipients {
		if r.Temporary {
			e.Retryable = true
		}
	}
	return e
}

func ConfigInvalid(err error, format string, args ...any) *Error {
	return newError(KindConfig, false, err, format, args...)
}

// AsError extracts the structured error from err. Errors outside the
// taxonomy are reported as InternalError.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return newError(KindInternal, false, err, "unexpected failure")
}

// KindOf returns the taxonomy kind of err, or "" for nil.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	return AsError(err).Kind
}

// IsRetryable reports whether the caller may retry the same call unchanged.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable
}
