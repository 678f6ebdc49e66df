// Package broker implements the key broker protocol engine.
//
// A session runs in two steps. RequestKey issues a one-time attestation
// challenge for a named key. SubmitEvidence drives that challenge to
// exactly one terminal outcome: the key wrapped under the requester's
// public key, a rejection, an expiry, or a protocol error.
//
// SubmitEvidence checks the evidence media type before consuming the
// challenge, and consumes the challenge before calling the verifier.
// A concurrent replay can never reach verification twice.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/attestable/keybroker/api"
	"github.com/attestable/keybroker/appraisal"
	"github.com/attestable/keybroker/challenge"
	"github.com/attestable/keybroker/keystore"
	"github.com/attestable/keybroker/metrics"
	"github.com/attestable/keybroker/verifier"
	"github.com/attestable/keybroker/wrapping"
)

// DefaultEvidenceMediaType is the evidence format offered to clients
// when none is configured.
const DefaultEvidenceMediaType = "application/eat-collection; profile=http://arm.com/CCA-SSD/1.0.0"

// ErrEvidenceMediaType means the submitted evidence declared a media
// type the challenge does not accept. The challenge stays pending.
var ErrEvidenceMediaType = errors.New("evidence media type is not accepted for this challenge")

// RejectionError is a terminal negative verdict. Reason holds the full
// operator-facing explanation; clients receive only the redacted
// ClientDetail so the response does not become a policy oracle.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("attestation rejected: %s", e.Reason)
}

// ClientDetail is the redacted detail string surfaced to clients for
// every rejection, whatever its cause.
func (e *RejectionError) ClientDetail() string {
	return "the attestation could not be accepted"
}

// Config assembles a protocol engine. Store, Keys, Verifier and Policy
// are required.
type Config struct {
	Store    *challenge.Store
	Keys     *keystore.Store
	Verifier verifier.Verifier
	Policy   *appraisal.Policy

	// AcceptedEvidenceTypes is offered with every challenge. Empty
	// means DefaultEvidenceMediaType only.
	AcceptedEvidenceTypes []string

	Log *slog.Logger
}

// Broker ties the challenge store, the verifier boundary, the appraisal
// policy and the key store into the protocol engine. It is stateless
// per call; the challenge store carries all shared state.
type Broker struct {
	store         *challenge.Store
	keys          *keystore.Store
	verifier      verifier.Verifier
	policy        *appraisal.Policy
	acceptedTypes []string
	log           *slog.Logger
}

// New creates a protocol engine from the given configuration.
func New(cfg *Config) (*Broker, error) {
	if cfg.Store == nil || cfg.Keys == nil || cfg.Verifier == nil || cfg.Policy == nil {
		return nil, errors.New("broker requires a challenge store, a key store, a verifier and a policy")
	}

	acceptedTypes := cfg.AcceptedEvidenceTypes
	if len(acceptedTypes) == 0 {
		acceptedTypes = []string{DefaultEvidenceMediaType}
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	return &Broker{
		store:         cfg.Store,
		keys:          cfg.Keys,
		verifier:      cfg.Verifier,
		policy:        cfg.Policy,
		acceptedTypes: acceptedTypes,
		log:           log,
	}, nil
}

// RequestKey opens a session for the named key and returns its
// challenge. The wrapping key is validated here so a malformed key
// request fails before a challenge is allocated.
func (b *Broker) RequestKey(keyName string, wrappingKey api.PublicWrappingKey) (*challenge.Challenge, error) {
	if err := wrapping.Validate(&wrappingKey); err != nil {
		return nil, err
	}

	c, err := b.store.Create(keyName, wrappingKey, b.acceptedTypes)
	if err != nil {
		return nil, err
	}

	metrics.ChallengesCreated.Inc()
	b.log.Info("challenge created",
		"challengeID", c.ID,
		"keyName", keyName,
		"nonceBytes", len(c.Nonce),
	)
	return c, nil
}

// SubmitEvidence redeems a challenge with attestation evidence and, on
// a trusted verdict, returns the named key wrapped under the
// challenge's wrapping key. Every call drives the challenge to a
// terminal outcome; the challenge is spent even when the verifier is
// unreachable, so a fresh RequestKey is the only retry path.
func (b *Broker) SubmitEvidence(ctx context.Context, challengeID string, evidence []byte, mediaType string) ([]byte, error) {
	// Media type mismatches are detectable without consuming the
	// challenge and without a verifier round trip.
	pending, err := b.store.Peek(challengeID)
	if err != nil {
		metrics.EvidenceSubmissions.WithLabelValues("error").Inc()
		return nil, err
	}
	if !pending.Accepts(mediaType) {
		metrics.EvidenceSubmissions.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: got %q", ErrEvidenceMediaType, mediaType)
	}

	c, err := b.store.Take(challengeID)
	if err != nil {
		if errors.Is(err, challenge.ErrChallengeExpired) {
			metrics.EvidenceSubmissions.WithLabelValues("expired").Inc()
		} else {
			metrics.EvidenceSubmissions.WithLabelValues("error").Inc()
		}
		return nil, err
	}

	result, err := b.verifier.Verify(ctx, c.Nonce, evidence, mediaType)
	if err != nil {
		metrics.VerifierErrors.Inc()
		metrics.EvidenceSubmissions.WithLabelValues("error").Inc()
		b.log.Error("verifier call failed", "challengeID", c.ID, "err", err)
		return nil, err
	}

	verdict := b.policy.Evaluate(result)
	if !verdict.Trusted {
		metrics.EvidenceSubmissions.WithLabelValues("rejected").Inc()
		b.log.Info("attestation rejected", "challengeID", c.ID, "keyName", c.KeyName, "reason", verdict.Reason)
		return nil, &RejectionError{Reason: verdict.Reason}
	}

	plaintext, err := b.keys.Lookup(c.KeyName)
	if err != nil {
		// Unknown key names are reported to the client exactly like a
		// policy failure so key names cannot be enumerated.
		metrics.EvidenceSubmissions.WithLabelValues("rejected").Inc()
		b.log.Warn("attested client requested unknown key", "challengeID", c.ID, "keyName", c.KeyName)
		return nil, &RejectionError{Reason: fmt.Sprintf("key %q is not in the store", c.KeyName)}
	}
	defer wrapping.Zeroize(plaintext)

	wrapped, err := wrapping.Wrap(plaintext, &c.WrappingKey)
	if err != nil {
		metrics.EvidenceSubmissions.WithLabelValues("error").Inc()
		b.log.Error("key wrapping failed", "challengeID", c.ID, "keyName", c.KeyName, "err", err)
		return nil, err
	}

	metrics.EvidenceSubmissions.WithLabelValues("accepted").Inc()
	metrics.KeysReleased.Inc()
	b.log.Info("key released", "challengeID", c.ID, "keyName", c.KeyName, "reason", verdict.Reason)
	return wrapped, nil
}
