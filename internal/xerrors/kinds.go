package xerrors

import (
	"errors"
	"fmt"
)

// Failure classes for the fetch -> decrypt -> load pipeline. Match with errors.Is.
var (
	// ErrFormat: blob is structurally invalid (too short, bad base64, wrong encryption type).
	ErrFormat = errors.New("format error")
	// ErrIntegrity: MAC mismatch. Content must be discarded and never executed.
	ErrIntegrity = errors.New("integrity check failed")
	// ErrDecode: decompression or syntax check failed after decryption.
	ErrDecode = errors.New("decode error")
	// ErrTransient: network or 5xx failure that survived the retry policy.
	ErrTransient = errors.New("transient remote failure")
	// ErrAuth: credentials rejected after the single refresh attempt.
	ErrAuth = errors.New("authentication failed")
	// ErrRateLimited: local call budget exhausted and nothing cached to fall back to.
	ErrRateLimited = errors.New("rate limited")
	// ErrLifecycle: extension could not be installed, load rolled back.
	ErrLifecycle = errors.New("lifecycle error")
	// ErrTimeout: bounded wait elapsed, outcome unknown.
	ErrTimeout = errors.New("timed out")
)

// marked attaches a failure class to an error without changing its message.
type marked struct {
	err  error
	kind error
	pc   uintptr
}

func (m *marked) Error() string        { return m.err.Error() }
func (m *marked) Unwrap() error        { return m.err }
func (m *marked) PC() uintptr          { return m.pc }
func (m *marked) IsXerrorsWrapper()    {}
func (m *marked) Is(target error) bool { return target == m.kind }

// Mark tags err with kind so errors.Is(err, kind) holds. Message is unchanged.
func Mark(err, kind error) error {
	if err == nil {
		return nil
	}
	return &marked{err: err, kind: kind, pc: callerPC(1)}
}

// Markf creates a new error of the given kind.
func Markf(kind error, format string, args ...any) error {
	return &marked{err: fmt.Errorf(format, args...), kind: kind, pc: callerPC(1)}
}

// KindOf returns the first failure class found in err's chain, or nil.
func KindOf(err error) error {
	for _, k := range []error{
		ErrIntegrity, ErrFormat, ErrDecode, ErrAuth,
		ErrRateLimited, ErrTimeout, ErrTransient, ErrLifecycle,
	} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// Reason returns a short user-facing explanation for a failed load.
// It never includes the error text, which may carry remote payloads.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	switch KindOf(err) {
	case ErrIntegrity:
		return "integrity check failed, content discarded"
	case ErrFormat, ErrDecode:
		return "content is corrupted"
	case ErrAuth:
		return "authentication expired, sign in again"
	case ErrRateLimited:
		return "too many requests, try again later"
	case ErrTimeout:
		return "request timed out, try again later"
	case ErrTransient:
		return "network unavailable"
	case ErrLifecycle:
		return "not a valid extension"
	default:
		return "unexpected error"
	}
}

// Label returns a low-cardinality metric label for err's failure class.
func Label(err error) string {
	switch KindOf(err) {
	case ErrIntegrity:
		return "integrity"
	case ErrFormat:
		return "format"
	case ErrDecode:
		return "decode"
	case ErrAuth:
		return "auth"
	case ErrRateLimited:
		return "rate_limited"
	case ErrTimeout:
		return "timeout"
	case ErrTransient:
		return "transient"
	case ErrLifecycle:
		return "lifecycle"
	default:
		return "other"
	}
}
