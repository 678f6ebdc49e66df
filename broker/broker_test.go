package broker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/veraison/ear"

	"github.com/attestable/keybroker/appraisal"
	"github.com/attestable/keybroker/challenge"
	"github.com/attestable/keybroker/keystore"
	"github.com/attestable/keybroker/verifier"
	"github.com/attestable/keybroker/wrapping"
)

const testMediaType = "application/example-attestation-token"

func setupBroker(t *testing.T) (*Broker, *verifier.MockVerifier, *wrapping.KeyPair) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	keys := keystore.NewStore()
	keys.Set("skywalker", []byte("May the force be with you."))

	mockVerifier := new(verifier.MockVerifier)

	engine, err := New(&Config{
		Store:                 challenge.NewStore(challenge.StoreConfig{}),
		Keys:                  keys,
		Verifier:              mockVerifier,
		Policy:                &appraisal.Policy{},
		AcceptedEvidenceTypes: []string{testMediaType},
		Log:                   logger,
	})
	require.NoError(t, err)

	keyPair, err := wrapping.NewKeyPair(wrapping.DefaultKeyBits)
	require.NoError(t, err)

	return engine, mockVerifier, keyPair
}

func trustedResult() *ear.AttestationResult {
	affirming := ear.TrustTierAffirming
	return &ear.AttestationResult{
		Submods: map[string]*ear.Appraisal{"CCA_SSD_PLATFORM": {Status: &affirming}},
	}
}

func untrustedResult() *ear.AttestationResult {
	contraindicated := ear.TrustTierContraindicated
	return &ear.AttestationResult{
		Submods: map[string]*ear.Appraisal{"CCA_SSD_PLATFORM": {Status: &contraindicated}},
	}
}

func TestRequestKey(t *testing.T) {
	engine, _, keyPair := setupBroker(t)

	c, err := engine.RequestKey("skywalker", keyPair.PublicWrappingKey())
	require.NoError(t, err)

	assert.NotEmpty(t, c.ID)
	assert.Len(t, c.Nonce, challenge.DefaultNonceSize)
	assert.Equal(t, []string{testMediaType}, c.AcceptedEvidenceTypes)
}

func TestRequestKeyRejectsBadWrappingKey(t *testing.T) {
	engine, _, keyPair := setupBroker(t)

	bad := keyPair.PublicWrappingKey()
	bad.Kty = "EC"
	_, err := engine.RequestKey("skywalker", bad)
	assert.ErrorIs(t, err, wrapping.ErrUnsupportedKeyType)
}

func TestSubmitEvidenceTrusted(t *testing.T) {
	engine, mockVerifier, keyPair := setupBroker(t)

	c, err := engine.RequestKey("skywalker", keyPair.PublicWrappingKey())
	require.NoError(t, err)

	mockVerifier.On("Verify", mock.Anything, c.Nonce, []byte("evidence"), testMediaType).
		Return(trustedResult(), nil)

	wrapped, err := engine.SubmitEvidence(context.Background(), c.ID, []byte("evidence"), testMediaType)
	require.NoError(t, err)

	plaintext, err := keyPair.Unwrap(wrapped)
	require.NoError(t, err)
	assert.Equal(t, []byte("May the force be with you."), plaintext)

	mockVerifier.AssertExpectations(t)
}

func TestSubmitEvidenceRejected(t *testing.T) {
	engine, mockVerifier, keyPair := setupBroker(t)

	c, err := engine.RequestKey("skywalker", keyPair.PublicWrappingKey())
	require.NoError(t, err)

	mockVerifier.On("Verify", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(untrustedResult(), nil)

	wrapped, err := engine.SubmitEvidence(context.Background(), c.ID, []byte("evidence"), testMediaType)
	assert.Nil(t, wrapped)

	var rejection *RejectionError
	require.ErrorAs(t, err, &rejection)
	assert.Contains(t, rejection.Reason, "CCA_SSD_PLATFORM")
	assert.NotContains(t, rejection.ClientDetail(), "CCA_SSD_PLATFORM")
}

func TestSubmitEvidenceSingleUse(t *testing.T) {
	engine, mockVerifier, keyPair := setupBroker(t)

	c, err := engine.RequestKey("skywalker", keyPair.PublicWrappingKey())
	require.NoError(t, err)

	mockVerifier.On("Verify", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(trustedResult(), nil).Once()

	_, err = engine.SubmitEvidence(context.Background(), c.ID, []byte("evidence"), testMediaType)
	require.NoError(t, err)

	// The second submission never reaches verification.
	_, err = engine.SubmitEvidence(context.Background(), c.ID, []byte("evidence"), testMediaType)
	assert.ErrorIs(t, err, challenge.ErrChallengeConsumed)
	mockVerifier.AssertNumberOfCalls(t, "Verify", 1)
}

func TestSubmitEvidenceVerifierUnreachable(t *testing.T) {
	engine, mockVerifier, keyPair := setupBroker(t)

	c, err := engine.RequestKey("skywalker", keyPair.PublicWrappingKey())
	require.NoError(t, err)

	mockVerifier.On("Verify", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, verifier.ErrVerifierUnreachable)

	_, err = engine.SubmitEvidence(context.Background(), c.ID, []byte("evidence"), testMediaType)
	assert.ErrorIs(t, err, verifier.ErrVerifierUnreachable)

	// Unreachable is an infrastructure failure, never a rejection.
	var rejection *RejectionError
	assert.False(t, errors.As(err, &rejection))

	// The challenge is spent even on infrastructure failure; the only
	// retry path is a brand-new key request.
	_, err = engine.SubmitEvidence(context.Background(), c.ID, []byte("evidence"), testMediaType)
	assert.ErrorIs(t, err, challenge.ErrChallengeConsumed)
}

func TestSubmitEvidenceWrongMediaType(t *testing.T) {
	engine, mockVerifier, keyPair := setupBroker(t)

	c, err := engine.RequestKey("skywalker", keyPair.PublicWrappingKey())
	require.NoError(t, err)

	_, err = engine.SubmitEvidence(context.Background(), c.ID, []byte("evidence"), "application/json")
	assert.ErrorIs(t, err, ErrEvidenceMediaType)
	mockVerifier.AssertNotCalled(t, "Verify")

	// The mismatch must not have consumed the challenge.
	mockVerifier.On("Verify", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(trustedResult(), nil)
	_, err = engine.SubmitEvidence(context.Background(), c.ID, []byte("evidence"), testMediaType)
	assert.NoError(t, err)
}

func TestSubmitEvidenceUnknownKey(t *testing.T) {
	engine, mockVerifier, keyPair := setupBroker(t)

	c, err := engine.RequestKey("vader", keyPair.PublicWrappingKey())
	require.NoError(t, err)

	mockVerifier.On("Verify", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(trustedResult(), nil)

	// An unknown key name surfaces exactly like a policy denial.
	_, err = engine.SubmitEvidence(context.Background(), c.ID, []byte("evidence"), testMediaType)
	var rejection *RejectionError
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, "the attestation could not be accepted", rejection.ClientDetail())
}

func TestSubmitEvidenceExpired(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	now := time.Now()
	store := challenge.NewStore(challenge.StoreConfig{
		TTL: time.Minute,
		Now: func() time.Time { return now },
	})

	keys := keystore.NewStore()
	keys.Set("skywalker", []byte("May the force be with you."))

	mockVerifier := new(verifier.MockVerifier)
	engine, err := New(&Config{
		Store:                 store,
		Keys:                  keys,
		Verifier:              mockVerifier,
		Policy:                &appraisal.Policy{},
		AcceptedEvidenceTypes: []string{testMediaType},
		Log:                   logger,
	})
	require.NoError(t, err)

	keyPair, err := wrapping.NewKeyPair(wrapping.DefaultKeyBits)
	require.NoError(t, err)

	c, err := engine.RequestKey("skywalker", keyPair.PublicWrappingKey())
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)

	// Valid evidence does not matter once the TTL has elapsed.
	_, err = engine.SubmitEvidence(context.Background(), c.ID, []byte("evidence"), testMediaType)
	assert.ErrorIs(t, err, challenge.ErrChallengeExpired)
	mockVerifier.AssertNotCalled(t, "Verify")
}

func TestSubmitEvidenceUnknownChallenge(t *testing.T) {
	engine, _, _ := setupBroker(t)

	_, err := engine.SubmitEvidence(context.Background(), "no-such-id", []byte("evidence"), testMediaType)
	assert.ErrorIs(t, err, challenge.ErrChallengeNotFound)
}
