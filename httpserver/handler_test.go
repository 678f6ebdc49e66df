package httpserver

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/veraison/ear"

	"github.com/attestable/keybroker/api"
	"github.com/attestable/keybroker/appraisal"
	"github.com/attestable/keybroker/broker"
	"github.com/attestable/keybroker/challenge"
	"github.com/attestable/keybroker/keystore"
	"github.com/attestable/keybroker/verifier"
	"github.com/attestable/keybroker/wrapping"
)

const testMediaType = "application/example-attestation-token"

func setupTestEnvironment(t *testing.T) (http.Handler, *verifier.MockVerifier) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	keys := keystore.NewStore()
	keys.Set("skywalker", []byte("May the force be with you."))

	mockVerifier := new(verifier.MockVerifier)

	engine, err := broker.New(&broker.Config{
		Store:                 challenge.NewStore(challenge.StoreConfig{}),
		Keys:                  keys,
		Verifier:              mockVerifier,
		Policy:                &appraisal.Policy{},
		AcceptedEvidenceTypes: []string{testMediaType},
		Log:                   logger,
	})
	require.NoError(t, err)

	mux := chi.NewRouter()
	NewHandler(engine, logger).RegisterRoutes(mux)
	return mux, mockVerifier
}

func requestChallenge(t *testing.T, mux http.Handler, keyName string, keyPair *wrapping.KeyPair) (*api.AttestationChallenge, string) {
	t.Helper()

	body, err := json.Marshal(api.KeyRequest{PubKey: keyPair.PublicWrappingKey()})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/keys/v1/key/%s", keyName), bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	resp := w.Result()
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	location := resp.Header.Get("Location")
	require.NotEmpty(t, location)

	var chal api.AttestationChallenge
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&chal))
	return &chal, location
}

func trustedResult() *ear.AttestationResult {
	affirming := ear.TrustTierAffirming
	return &ear.AttestationResult{
		Submods: map[string]*ear.Appraisal{"CCA_SSD_PLATFORM": {Status: &affirming}},
	}
}

func TestHandleRequestKey(t *testing.T) {
	mux, _ := setupTestEnvironment(t)

	keyPair, err := wrapping.NewKeyPair(wrapping.DefaultKeyBits)
	require.NoError(t, err)

	chal, location := requestChallenge(t, mux, "skywalker", keyPair)

	nonce, err := base64.StdEncoding.DecodeString(chal.Challenge)
	require.NoError(t, err)
	assert.Len(t, nonce, challenge.DefaultNonceSize)
	assert.Equal(t, []string{testMediaType}, chal.Accept)
	assert.Contains(t, location, "/keys/v1/evidence/")
}

func TestHandleRequestKeyMalformed(t *testing.T) {
	mux, _ := setupTestEnvironment(t)

	req := httptest.NewRequest(http.MethodPost, "/keys/v1/key/skywalker", bytes.NewReader([]byte("not json")))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	resp := w.Result()
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var errInfo api.ErrorInformation
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errInfo))
	assert.Equal(t, api.ProblemTypeMalformedRequest, errInfo.Type)
}

func TestHandleSubmitEvidenceSuccess(t *testing.T) {
	mux, mockVerifier := setupTestEnvironment(t)

	keyPair, err := wrapping.NewKeyPair(wrapping.DefaultKeyBits)
	require.NoError(t, err)
	_, location := requestChallenge(t, mux, "skywalker", keyPair)

	mockVerifier.On("Verify", mock.Anything, mock.Anything, []byte("evidence"), testMediaType).
		Return(trustedResult(), nil)

	req := httptest.NewRequest(http.MethodPost, location, bytes.NewReader([]byte("evidence")))
	req.Header.Set("Content-Type", testMediaType)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	resp := w.Result()
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var wrapped api.WrappedKeyData
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&wrapped))

	ciphertext, err := base64.StdEncoding.DecodeString(wrapped.Data)
	require.NoError(t, err)
	plaintext, err := keyPair.Unwrap(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, []byte("May the force be with you."), plaintext)
}

func TestHandleSubmitEvidenceRejected(t *testing.T) {
	mux, mockVerifier := setupTestEnvironment(t)

	keyPair, err := wrapping.NewKeyPair(wrapping.DefaultKeyBits)
	require.NoError(t, err)
	_, location := requestChallenge(t, mux, "skywalker", keyPair)

	contraindicated := ear.TrustTierContraindicated
	mockVerifier.On("Verify", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(&ear.AttestationResult{
			Submods: map[string]*ear.Appraisal{"CCA_SSD_PLATFORM": {Status: &contraindicated}},
		}, nil)

	req := httptest.NewRequest(http.MethodPost, location, bytes.NewReader([]byte("evidence")))
	req.Header.Set("Content-Type", testMediaType)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	resp := w.Result()
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	var errInfo api.ErrorInformation
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errInfo))
	assert.Equal(t, api.ProblemTypeAttestationFailure, errInfo.Type)

	// The detail must not leak which policy check failed.
	assert.NotContains(t, errInfo.Detail, "CCA_SSD_PLATFORM")
}

func TestHandleSubmitEvidenceVerifierUnreachable(t *testing.T) {
	mux, mockVerifier := setupTestEnvironment(t)

	keyPair, err := wrapping.NewKeyPair(wrapping.DefaultKeyBits)
	require.NoError(t, err)
	_, location := requestChallenge(t, mux, "skywalker", keyPair)

	mockVerifier.On("Verify", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, verifier.ErrVerifierUnreachable)

	req := httptest.NewRequest(http.MethodPost, location, bytes.NewReader([]byte("evidence")))
	req.Header.Set("Content-Type", testMediaType)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	resp := w.Result()
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	var errInfo api.ErrorInformation
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errInfo))
	assert.Equal(t, api.ProblemTypeVerifierUnreachable, errInfo.Type)
}

func TestHandleSubmitEvidenceReplay(t *testing.T) {
	mux, mockVerifier := setupTestEnvironment(t)

	keyPair, err := wrapping.NewKeyPair(wrapping.DefaultKeyBits)
	require.NoError(t, err)
	_, location := requestChallenge(t, mux, "skywalker", keyPair)

	mockVerifier.On("Verify", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(trustedResult(), nil).Once()

	submit := func() *http.Response {
		req := httptest.NewRequest(http.MethodPost, location, bytes.NewReader([]byte("evidence")))
		req.Header.Set("Content-Type", testMediaType)
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)
		return w.Result()
	}

	first := submit()
	first.Body.Close()
	assert.Equal(t, http.StatusOK, first.StatusCode)

	second := submit()
	defer second.Body.Close()
	assert.Equal(t, http.StatusGone, second.StatusCode)

	var errInfo api.ErrorInformation
	require.NoError(t, json.NewDecoder(second.Body).Decode(&errInfo))
	assert.Equal(t, api.ProblemTypeChallengeConsumed, errInfo.Type)
}

func TestHandleSubmitEvidenceWrongMediaType(t *testing.T) {
	mux, mockVerifier := setupTestEnvironment(t)

	keyPair, err := wrapping.NewKeyPair(wrapping.DefaultKeyBits)
	require.NoError(t, err)
	_, location := requestChallenge(t, mux, "skywalker", keyPair)

	req := httptest.NewRequest(http.MethodPost, location, bytes.NewReader([]byte("evidence")))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	resp := w.Result()
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
	mockVerifier.AssertNotCalled(t, "Verify")
}

func TestHandleSubmitEvidenceUnknownChallenge(t *testing.T) {
	mux, _ := setupTestEnvironment(t)

	req := httptest.NewRequest(http.MethodPost, "/keys/v1/evidence/no-such-id", bytes.NewReader([]byte("evidence")))
	req.Header.Set("Content-Type", testMediaType)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	resp := w.Result()
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
