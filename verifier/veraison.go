package verifier

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	apicommon "github.com/veraison/apiclient/common"
	"github.com/veraison/apiclient/verification"
	"github.com/veraison/ear"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// DefaultTimeout bounds a single challenge-response exchange with the
// verification service.
const DefaultTimeout = 30 * time.Second

// VeraisonConfig configures a Veraison challenge-response verifier
// client.
type VeraisonConfig struct {
	// NewSessionURI is the Veraison newSession endpoint, e.g.
	// https://veraison.example/challenge-response/v1/newSession.
	NewSessionURI string

	// EARVerificationKey is the JWK the verifier signs attestation
	// results with.
	EARVerificationKey jwk.Key

	// EARSigningAlg is the expected signature algorithm. Zero value
	// means ES256.
	EARSigningAlg jwa.KeyAlgorithm

	// Timeout bounds the whole exchange. Zero means DefaultTimeout.
	Timeout time.Duration

	// Log is the structured logger. Nil means slog.Default.
	Log *slog.Logger
}

// Veraison drives the Veraison challenge-response API: it opens a
// session carrying the broker's nonce, submits the evidence, and
// verifies the signature on the returned EAR.
type Veraison struct {
	newSessionURI string
	key           jwk.Key
	alg           jwa.KeyAlgorithm
	timeout       time.Duration
	log           *slog.Logger
}

// NewVeraison creates a verifier client from the given configuration.
func NewVeraison(cfg *VeraisonConfig) (*Veraison, error) {
	if cfg.NewSessionURI == "" {
		return nil, fmt.Errorf("veraison newSession URI is required")
	}
	if cfg.EARVerificationKey == nil {
		return nil, fmt.Errorf("EAR verification key is required")
	}

	v := &Veraison{
		newSessionURI: cfg.NewSessionURI,
		key:           cfg.EARVerificationKey,
		alg:           cfg.EARSigningAlg,
		timeout:       cfg.Timeout,
		log:           cfg.Log,
	}
	if v.alg == nil {
		v.alg = jwa.ES256
	}
	if v.timeout == 0 {
		v.timeout = DefaultTimeout
	}
	if v.log == nil {
		v.log = slog.Default()
	}
	return v, nil
}

// LoadEARVerificationKey parses a JWK document holding the verifier's
// public EAR signing key.
func LoadEARVerificationKey(data []byte) (jwk.Key, error) {
	key, err := jwk.ParseKey(data)
	if err != nil {
		return nil, fmt.Errorf("could not parse EAR verification key: %w", err)
	}
	return key, nil
}

// staticEvidenceBuilder feeds already-collected evidence into the
// apiclient challenge-response run. The broker holds the evidence
// before the session opens, so there is nothing to build.
type staticEvidenceBuilder struct {
	evidence  []byte
	mediaType string
}

func (b staticEvidenceBuilder) BuildEvidence(nonce []byte, accept []string) ([]byte, string, error) {
	for _, ct := range accept {
		if ct == b.mediaType {
			return b.evidence, b.mediaType, nil
		}
	}
	return nil, "", fmt.Errorf("verifier does not accept media type %q", b.mediaType)
}

// Verify runs one synchronous challenge-response exchange. Any failure
// to complete the exchange or to validate the result signature is
// reported as ErrVerifierUnreachable; the caller decides how to map
// that onto its own error taxonomy.
func (v *Veraison) Verify(ctx context.Context, nonce []byte, evidence []byte, mediaType string) (*ear.AttestationResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerifierUnreachable, err)
	}

	cfg := verification.ChallengeResponseConfig{
		Nonce:           nonce,
		EvidenceBuilder: staticEvidenceBuilder{evidence: evidence, mediaType: mediaType},
		NewSessionURI:   v.newSessionURI,
		DeleteSession:   true,
		Client: &apicommon.Client{
			HTTPClient: http.Client{Timeout: v.timeout},
		},
	}

	earJWT, err := cfg.Run()
	if err != nil {
		v.log.Warn("verifier exchange failed", "err", err, "uri", v.newSessionURI)
		return nil, fmt.Errorf("%w: %v", ErrVerifierUnreachable, err)
	}

	var result ear.AttestationResult
	if err := result.Verify(earJWT, v.alg, v.key); err != nil {
		v.log.Warn("attestation result signature verification failed", "err", err)
		return nil, fmt.Errorf("%w: attestation result not verifiable: %v", ErrVerifierUnreachable, err)
	}

	return &result, nil
}
