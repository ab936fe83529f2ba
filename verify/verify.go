// Package verify decides whether a collection is authentic before the client
// is allowed to cache it.
package verify

import (
	"errors"
	"fmt"
	"strings"

	"RemoteSettings/collection"
	"RemoteSettings/internal/logger"
)

// Verifier attests that a collection is authentic. Implementations must not
// modify the collection and must report malformed input as an error, never panic.
type Verifier interface {
	Verify(c *collection.Collection) error
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(c *collection.Collection) error

// Verify calls f(c).
func (f VerifierFunc) Verify(c *collection.Collection) error {
	return f(c)
}

var (
	// ErrSignature matches every *SignatureError with errors.Is.
	ErrSignature = errors.New("signature verification failed")

	// ErrMissingSignature means the collection carries no signature.
	ErrMissingSignature = errors.New("missing signature")

	// ErrInvalidSignature means the signature does not match the content.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrUntrusted means no trusted key vouches for the signature.
	ErrUntrusted = errors.New("untrusted signer")

	// ErrMalformed means the collection itself is not well formed.
	ErrMalformed = errors.New("malformed collection")

	// ErrRejected wraps failures of verifiers that return untyped errors.
	ErrRejected = errors.New("rejected by verifier")
)

// SignatureError reports a failed attestation.
type SignatureError struct {
	Reason error // Reason is one of the Err* sentinels above
	Err    error // Err is an optional underlying cause
}

// Error implements the error interface.
func (e *SignatureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: %v:\n%v", ErrSignature, e.Reason, e.Err)
	}
	return fmt.Sprintf("%v: %v", ErrSignature, e.Reason)
}

// Unwrap returns the reason and the cause.
func (e *SignatureError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Reason, e.Err}
	}
	return []error{e.Reason}
}

// Is reports whether target is ErrSignature.
func (e *SignatureError) Is(target error) bool {
	return target == ErrSignature
}

// Noop accepts every collection without checking anything.
type Noop struct{}

// Verify always succeeds.
func (Noop) Verify(c *collection.Collection) error {
	logger.Debug("default verifier, signature not checked")
	return nil
}

// Skips reports whether v performs no verification at all. A chain skips
// when every member does.
func Skips(v Verifier) bool {
	switch v := v.(type) {
	case nil, Noop, *Noop:
		return true
	case chain:
		for _, member := range v {
			if !Skips(member) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// chain requires every member to succeed, in order.
type chain []Verifier

// Verify runs the members and stops at the first failure.
func (vs chain) Verify(c *collection.Collection) error {
	for _, v := range vs {
		if v == nil {
			continue
		}
		if err := v.Verify(c); err != nil {
			return err
		}
	}
	return nil
}

// String lists the members.
func (vs chain) String() string {
	names := make([]string, len(vs))
	for i, v := range vs {
		names[i] = Name(v)
	}
	return "chain(" + strings.Join(names, ", ") + ")"
}

// Chain returns a verifier that requires every verifier to succeed, in order.
func Chain(verifiers ...Verifier) Verifier {
	return chain(append([]Verifier{}, verifiers...))
}

// Name describes a verifier for logs.
func Name(v Verifier) string {
	if Skips(v) {
		return "none"
	}
	if s, ok := v.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", v)
}
