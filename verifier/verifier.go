// Package verifier defines the trust boundary to the external
// attestation verification service.
//
// The broker never interprets raw evidence itself. It hands the
// evidence, the challenge nonce and the declared media type to a
// Verifier and receives back a signed attestation result. The Verifier
// interface is deliberately narrow so the protocol engine can be tested
// against a stub without touching any transport concern.
package verifier

import (
	"context"
	"errors"

	"github.com/veraison/ear"
)

// ErrVerifierUnreachable means the verification service could not be
// reached or did not complete the exchange. It is an infrastructure
// failure, distinct from a negative verdict: an unreachable verifier
// must never be treated as a pass, and must never silently degrade
// into "untrusted" either.
var ErrVerifierUnreachable = errors.New("attestation verifier is unreachable")

// Verifier submits evidence bound to a nonce and returns the signed
// attestation result. Implementations must wrap every transport or
// protocol failure in ErrVerifierUnreachable.
type Verifier interface {
	Verify(ctx context.Context, nonce []byte, evidence []byte, mediaType string) (*ear.AttestationResult, error)
}
