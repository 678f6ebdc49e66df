package api

// Wire types exchanged between the key broker and its clients. Field
// names follow the kebab-case JSON schema of the key broker protocol.

// PublicWrappingKey is the JWK-shaped public half of the keypair a
// client supplies with its key request. The broker encrypts the
// released key under it so only the requester can recover the
// plaintext.
type PublicWrappingKey struct {
	// Kty is the JWK key type. Only "RSA" is supported.
	Kty string `json:"kty"`

	// Alg is the wrapping algorithm. Only "RSA-OAEP-256" is supported.
	Alg string `json:"alg"`

	// N is the base64url (unpadded) big-endian RSA modulus.
	N string `json:"n"`

	// E is the base64url (unpadded) big-endian RSA public exponent.
	E string `json:"e"`
}

// KeyRequest initiates the background-check flow for a named key.
type KeyRequest struct {
	PubKey PublicWrappingKey `json:"pubkey"`
}

// AttestationChallenge invites the client to prove its trustworthiness.
// The client must embed the decoded challenge value (the nonce) into
// the signed attestation evidence, following the conventions of the
// evidence type it employs.
type AttestationChallenge struct {
	// Challenge is the base64 (standard) encoded nonce.
	Challenge string `json:"challenge"`

	// Accept lists the evidence media types the broker will take for
	// this challenge.
	Accept []string `json:"accept"`
}

// WrappedKeyData carries the released key, encrypted under the
// client's wrapping key. The broker never returns key plaintext.
type WrappedKeyData struct {
	// Data is the base64 (standard) encoded ciphertext.
	Data string `json:"data"`
}

// ErrorInformation is the problem-details style error body.
type ErrorInformation struct {
	Type   string `json:"type"`
	Detail string `json:"detail"`
}

// Error type URIs used in ErrorInformation.Type.
const (
	ProblemTypeMalformedRequest   = "tag:keybroker,2025:errors:malformed-request"
	ProblemTypeChallengeUnknown   = "tag:keybroker,2025:errors:challenge-not-found"
	ProblemTypeChallengeConsumed  = "tag:keybroker,2025:errors:challenge-consumed"
	ProblemTypeChallengeExpired   = "tag:keybroker,2025:errors:challenge-expired"
	ProblemTypeAttestationFailure = "tag:keybroker,2025:errors:attestation-failure"
	ProblemTypeVerifierUnreachable = "tag:keybroker,2025:errors:verifier-unreachable"
)
