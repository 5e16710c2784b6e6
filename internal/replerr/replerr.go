// Package replerr defines the replication error taxonomy: every error a
// component in internal/replication can surface is classified into one of
// a small number of Kinds so callers (the client's backoff loop, the
// injector's crash-recovery path, the primary's RPC status mapping) can
// branch on "what kind of problem is this" without string-matching error
// text.
package replerr

import "fmt"

// Kind classifies a replication error by how callers should react to it.
type Kind uint8

const (
	// KindTransient covers network hiccups, timeouts, and anything a
	// retry with backoff is expected to resolve on its own.
	KindTransient Kind = iota
	// KindProtocol covers malformed or out-of-sequence wire messages: a
	// bug or version skew between primary and follower, not a retryable
	// condition without a fresh Hello.
	KindProtocol
	// KindReplicationState covers NEED_SNAPSHOT, NO_HELLO, and other
	// signals that the follower's local state is stale or missing and it
	// must take a specific corrective action before resuming streaming.
	KindReplicationState
	// KindFatalInject covers injector failures that leave the database in
	// a state where further frame application cannot safely continue
	// until an operator intervenes.
	KindFatalInject
	// KindPermanent covers namespace-doesn't-exist and similar conditions
	// that will never resolve by retrying.
	KindPermanent
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindProtocol:
		return "protocol"
	case KindReplicationState:
		return "replication-state"
	case KindFatalInject:
		return "fatal-inject"
	case KindPermanent:
		return "permanent"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Error is a replication error tagged with a Kind and, where applicable, a
// machine-readable Code used in gRPC status details (e.g. "NEED_SNAPSHOT").
type Error struct {
	Kind Kind
	Code string
	Err  error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s [%s]: %v", e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a replerr.Error with no machine-readable code.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Coded builds a replerr.Error carrying a machine-readable code.
func Coded(kind Kind, code string, err error) *Error {
	return &Error{Kind: kind, Code: code, Err: err}
}

// Wrapf is a convenience constructor combining fmt.Errorf-style formatting
// with Kind classification.
func Wrapf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Replication state codes carried as the Code field of a KindReplicationState
// error and mirrored onto gRPC status details.
const (
	CodeNeedSnapshot          = "NEED_SNAPSHOT"
	CodeNoHello               = "NO_HELLO"
	CodeNamespaceDoesntExist  = "NAMESPACE_DOESNT_EXIST"
	CodeSessionTokenMismatch  = "SESSION_TOKEN_MISMATCH"
	CodeGenerationMismatch    = "GENERATION_MISMATCH"
)

// OfKind reports whether err (or something it wraps) is a *Error of the
// given Kind.
func OfKind(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if re, ok := err.(*Error); ok {
			e = re
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return e != nil && e.Kind == kind
}
