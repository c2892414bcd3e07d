package ocpi

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies every failure the core can produce. Callers and
// tests rely on kinds staying distinct: "try again later" must never be
// collapsed into "this will never succeed unchanged".
type ErrorKind int

const (
	KindTransport ErrorKind = iota + 1
	KindMalformedPayload
	KindAuth
	KindRegistrationConflict
	KindStaleUpdate
	KindNoCommonVersion
	KindNotFound
	KindNotAllowed
)

// AuthReason refines KindAuth failures.
type AuthReason int

const (
	AuthUnknown AuthReason = iota + 1
	AuthExpired
	AuthNotYetValid
	AuthBlocked
)

func (r AuthReason) String() string {
	switch r {
	case AuthUnknown:
		return "unknown token"
	case AuthExpired:
		return "token expired"
	case AuthNotYetValid:
		return "token not yet valid"
	case AuthBlocked:
		return "token blocked"
	}
	return "authentication failed"
}

// Error is the typed error carried across component boundaries.
type Error struct {
	Kind   ErrorKind
	Reason AuthReason // set only for KindAuth
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Kind == KindAuth {
		msg = e.Reason.String()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// TransportErr wraps a network-level failure; these are the only
// retryable errors.
func TransportErr(err error) *Error {
	return &Error{Kind: KindTransport, Msg: "transport failure", Err: err}
}

// MalformedErr marks a payload the codec rejected.
func MalformedErr(msg string, err error) *Error {
	return &Error{Kind: KindMalformedPayload, Msg: msg, Err: err}
}

// AuthErr builds an authentication failure with a specific reason.
func AuthErr(reason AuthReason) *Error {
	return &Error{Kind: KindAuth, Reason: reason}
}

// ConflictErr marks a credentials update rejected by downgrade protection.
func ConflictErr(msg string) *Error {
	return &Error{Kind: KindRegistrationConflict, Msg: msg}
}

// StaleErr marks a resource push rejected by downgrade protection.
func StaleErr(msg string) *Error {
	return &Error{Kind: KindStaleUpdate, Msg: msg}
}

// NoCommonVersionErr is fatal for a counter-party until reconfigured.
func NoCommonVersionErr(msg string) *Error {
	return &Error{Kind: KindNoCommonVersion, Msg: msg}
}

// NotFoundErr marks a missing party or resource.
func NotFoundErr(msg string) *Error {
	return &Error{Kind: KindNotFound, Msg: msg}
}

// NotAllowedErr marks an operation the party's current state forbids.
func NotAllowedErr(msg string) *Error {
	return &Error{Kind: KindNotAllowed, Msg: msg}
}

// KindOf extracts the kind from an error chain, 0 if untyped.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// ReasonOf extracts the auth reason from an error chain, 0 if none.
func ReasonOf(err error) AuthReason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return 0
}

// Retryable reports whether retrying the same operation can succeed.
func Retryable(err error) bool { return KindOf(err) == KindTransport }

// HTTPStatus maps an error to the transport-level status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindMalformedPayload:
		return http.StatusBadRequest
	case KindAuth:
		if ReasonOf(err) == AuthBlocked {
			return http.StatusForbidden
		}
		return http.StatusUnauthorized
	case KindRegistrationConflict, KindStaleUpdate:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindNotAllowed:
		return http.StatusMethodNotAllowed
	case KindNoCommonVersion:
		return http.StatusBadRequest
	case KindTransport:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// DomainStatus maps an error to the domain status code carried in the
// response body.
func DomainStatus(err error) int {
	switch KindOf(err) {
	case KindMalformedPayload:
		return StatusInvalidParams
	case KindAuth:
		switch ReasonOf(err) {
		case AuthExpired:
			return StatusTokenExpired
		case AuthNotYetValid:
			return StatusTokenNotYetValid
		case AuthBlocked:
			return StatusTokenBlocked
		}
		return StatusTokenUnknown
	case KindRegistrationConflict:
		return StatusRegConflict
	case KindStaleUpdate:
		return StatusStaleUpdate
	case KindNotFound:
		return StatusUnknownResource
	case KindNotAllowed:
		return StatusClientError
	case KindNoCommonVersion:
		return StatusNoCommonVersion
	case KindTransport:
		return StatusUnableToUseAPI
	}
	return StatusServerError
}
