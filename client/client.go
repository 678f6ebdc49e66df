// Package client implements the attester side of the key broker
// protocol: request a key, receive a challenge, produce evidence that
// embeds the challenge nonce, submit it, and unwrap the returned key.
//
// Every terminal non-success response is final for its challenge. The
// broker spends a challenge on the first submission whatever the
// outcome, so retrying means starting over with a fresh key request.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/attestable/keybroker/api"
	"github.com/attestable/keybroker/wrapping"
)

// AttestationFailedError is a genuine attestation denial from the
// broker, as opposed to a runtime failure. Callers can use it to tell
// "the platform was not trusted" apart from "something broke".
type AttestationFailedError struct {
	Type   string
	Detail string
}

func (e *AttestationFailedError) Error() string {
	return fmt.Sprintf("attestation failure: %s (%s)", e.Detail, e.Type)
}

// KeyBrokerClient talks to one key broker endpoint.
type KeyBrokerClient struct {
	// BaseURL is the broker endpoint, e.g. http://127.0.0.1:8088.
	BaseURL string

	// HTTPClient overrides the transport. Nil means http.DefaultClient.
	HTTPClient *http.Client

	// Log is the structured logger. Nil means slog.Default.
	Log *slog.Logger
}

// NewKeyBrokerClient creates a client for the given broker endpoint.
func NewKeyBrokerClient(baseURL string, log *slog.Logger) *KeyBrokerClient {
	if log == nil {
		log = slog.Default()
	}
	return &KeyBrokerClient{
		BaseURL:    baseURL,
		HTTPClient: http.DefaultClient,
		Log:        log,
	}
}

// GetKey runs the whole flow for the named key and returns its
// plaintext. The caller owns the returned secret and should zero it
// once consumed. A fresh ephemeral wrapping keypair is generated per
// call, so the broker's response is only recoverable here.
func (c *KeyBrokerClient) GetKey(ctx context.Context, keyName string, producer EvidenceProducer) ([]byte, error) {
	keyPair, err := wrapping.NewKeyPair(wrapping.DefaultKeyBits)
	if err != nil {
		return nil, err
	}

	chal, submitURL, err := c.requestKey(ctx, keyName, keyPair)
	if err != nil {
		return nil, err
	}

	nonce, err := base64.StdEncoding.DecodeString(chal.Challenge)
	if err != nil {
		return nil, fmt.Errorf("could not decode challenge nonce: %w", err)
	}

	c.Log.Debug("challenge received", "nonceBytes", len(nonce), "accept", chal.Accept)

	evidence, mediaType, err := producer.Produce(nonce, chal.Accept)
	if err != nil {
		return nil, fmt.Errorf("could not produce evidence: %w", err)
	}

	wrapped, err := c.submitEvidence(ctx, submitURL, evidence, mediaType)
	if err != nil {
		return nil, err
	}

	plaintext, err := keyPair.Unwrap(wrapped)
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}

func (c *KeyBrokerClient) requestKey(ctx context.Context, keyName string, keyPair *wrapping.KeyPair) (*api.AttestationChallenge, string, error) {
	body, err := json.Marshal(api.KeyRequest{PubKey: keyPair.PublicWrappingKey()})
	if err != nil {
		return nil, "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/keys/v1/key/%s", c.BaseURL, keyName), bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("could not initialize key request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("could not request key from broker: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("could not read broker response: %w", err)
	}

	if resp.StatusCode != http.StatusCreated {
		return nil, "", c.responseError(resp.StatusCode, respBody)
	}

	location := resp.Header.Get("Location")
	if location == "" {
		return nil, "", fmt.Errorf("broker response is missing the Location header")
	}

	var chal api.AttestationChallenge
	if err := json.Unmarshal(respBody, &chal); err != nil {
		return nil, "", fmt.Errorf("could not parse attestation challenge: %w", err)
	}

	return &chal, c.BaseURL + location, nil
}

func (c *KeyBrokerClient) submitEvidence(ctx context.Context, submitURL string, evidence []byte, mediaType string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, submitURL, bytes.NewReader(evidence))
	if err != nil {
		return nil, fmt.Errorf("could not initialize evidence submission: %w", err)
	}
	req.Header.Set("Content-Type", mediaType)

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("could not submit evidence to broker: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("could not read broker response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, c.responseError(resp.StatusCode, respBody)
	}

	var wrapped api.WrappedKeyData
	if err := json.Unmarshal(respBody, &wrapped); err != nil {
		return nil, fmt.Errorf("could not parse wrapped key data: %w", err)
	}

	data, err := base64.StdEncoding.DecodeString(wrapped.Data)
	if err != nil {
		return nil, fmt.Errorf("could not decode wrapped key data: %w", err)
	}
	return data, nil
}

// responseError turns a non-success broker response into either an
// AttestationFailedError (forbidden) or a plain runtime error.
func (c *KeyBrokerClient) responseError(status int, body []byte) error {
	var errInfo api.ErrorInformation
	if err := json.Unmarshal(body, &errInfo); err != nil {
		return fmt.Errorf("broker returned %d: %s", status, string(body))
	}

	if status == http.StatusForbidden {
		return &AttestationFailedError{Type: errInfo.Type, Detail: errInfo.Detail}
	}
	return fmt.Errorf("broker returned %d: %s (%s)", status, errInfo.Detail, errInfo.Type)
}

func (c *KeyBrokerClient) httpClient() *http.Client {
	if c.HTTPClient == nil {
		return http.DefaultClient
	}
	return c.HTTPClient
}
