package sentinel

import (
	"errors"
	"fmt"
)

// ErrorKind classifies session and startup failures. Kinds are used as
// metric labels and stored in session outcome records, so the string
// values are part of the operational contract.
type ErrorKind string

const (
	// KindConfig indicates invalid paths or options.
	KindConfig ErrorKind = "config"

	// KindCertificate indicates CA or leaf certificate generation,
	// parsing, expiry, or corruption failures.
	KindCertificate ErrorKind = "certificate"

	// KindTLS indicates a TLS handshake failure.
	KindTLS ErrorKind = "tls"

	// KindProtocol indicates a malformed or missing target in the
	// initial client exchange.
	KindProtocol ErrorKind = "protocol"

	// KindUpstream indicates resolution, connect, or timeout failure
	// when dialing the target.
	KindUpstream ErrorKind = "upstream"

	// KindACLDenied is an expected policy outcome, not a fault.
	KindACLDenied ErrorKind = "acl_denied"

	// KindPoolExhausted indicates a buffer tier at capacity under a
	// non-waiting policy.
	KindPoolExhausted ErrorKind = "pool_exhausted"

	// KindInternal indicates an unexpected invariant violation.
	KindInternal ErrorKind = "internal"
)

// Error is a kind-tagged error. All session-scope failures are wrapped
// in an Error so that the final state and metrics can be derived from
// the kind without string matching.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err with an operation name and kind.
func E(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf is a convenience for kind-tagged formatted errors.
func Errorf(kind ErrorKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the ErrorKind from err. Errors that carry no kind
// report KindInternal.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
