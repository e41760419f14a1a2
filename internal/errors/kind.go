package errors

import (
	stderrors "errors"
)

// Kind is the failure taxonomy shared by every gate and store
type Kind int

const (
	KindUnknown Kind = iota
	KindMalformed
	KindAuthFailure
	KindRateLimited
	KindLocked
	KindBusinessRule
	KindConflict
	KindTransient
	KindFatal
)

var kindNames = map[Kind]string{
	KindUnknown:      "unknown",
	KindMalformed:    "malformed",
	KindAuthFailure:  "auth_failure",
	KindRateLimited:  "rate_limited",
	KindLocked:       "locked",
	KindBusinessRule: "business_rule_violation",
	KindConflict:     "conflict",
	KindTransient:    "transient_storage_failure",
	KindFatal:        "fatal",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

var codeKinds = map[ErrorCode]Kind{
	ErrInvalidRequest:     KindMalformed,
	ErrValidationFailed:   KindMalformed,
	ErrMalformedKey:       KindMalformed,
	ErrUnauthorized:       KindAuthFailure,
	ErrTokenExpired:       KindAuthFailure,
	ErrInvalidSecret:      KindAuthFailure,
	ErrForbidden:          KindAuthFailure,
	ErrKeyNotFound:        KindBusinessRule,
	ErrUserNotFound:       KindBusinessRule,
	ErrKeyAlreadyUsed:     KindBusinessRule,
	ErrKeyExpired:         KindBusinessRule,
	ErrKeyConflict:        KindConflict,
	ErrRateLimited:        KindRateLimited,
	ErrBotDetected:        KindRateLimited,
	ErrAccountLocked:      KindLocked,
	ErrInternalServer:     KindFatal,
	ErrStorageUnavailable: KindTransient,
}

// KindError is a sentinel error tagged with its Kind. Compare with errors.Is.
type KindError struct {
	kind Kind
	msg  string
}

// NewKindError creates a sentinel error of the given kind
func NewKindError(kind Kind, msg string) *KindError {
	return &KindError{kind: kind, msg: msg}
}

func (e *KindError) Error() string { return e.msg }

func (e *KindError) Kind() Kind { return e.kind }

type markedError struct {
	kind Kind
	err  error
}

func (e *markedError) Error() string { return e.err.Error() }
func (e *markedError) Unwrap() error { return e.err }
func (e *markedError) Kind() Kind    { return e.kind }

// Mark tags err with kind while keeping it unwrappable
func Mark(err error, kind Kind) error {
	if err == nil {
		return nil
	}
	return &markedError{kind: kind, err: err}
}

type kinded interface {
	Kind() Kind
}

// KindOf returns the outermost kind found in err's chain. Untagged errors are Fatal.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var k kinded
	if stderrors.As(err, &k) {
		return k.Kind()
	}
	return KindFatal
}

// IsTransient reports whether err may succeed on retry
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}
