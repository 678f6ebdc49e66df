// Package wrapping implements the key wrapping codec: asymmetric
// encryption of a secret under a requester-supplied public key so that
// only the requester can recover it.
//
// Keys are wrapped with RSA-OAEP (SHA-256). PKCS#1 v1.5 keys are
// rejected.
package wrapping

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"

	"github.com/attestable/keybroker/api"
)

const (
	// KeyTypeRSA is the only supported JWK key type.
	KeyTypeRSA = "RSA"

	// AlgRSAOAEP256 is the only supported wrapping algorithm.
	AlgRSAOAEP256 = "RSA-OAEP-256"

	// DefaultKeyBits is the modulus size used for ephemeral client keypairs.
	DefaultKeyBits = 2048
)

var (
	// ErrUnsupportedKeyType means the wrapping key is not an RSA key.
	ErrUnsupportedKeyType = errors.New("wrapping key type is not supported, must be RSA")

	// ErrUnsupportedAlgorithm means the wrapping key algorithm is not RSA-OAEP-256.
	ErrUnsupportedAlgorithm = errors.New("wrapping key algorithm is not supported, must be RSA-OAEP-256")

	// ErrDecrypt means the ciphertext could not be decrypted with the
	// supplied private key.
	ErrDecrypt = errors.New("could not decrypt wrapped data")
)

// Wrap encrypts plaintext under the client-supplied public wrapping key.
// A fresh OAEP encryption is performed per call; the ciphertext is
// never cached.
func Wrap(plaintext []byte, pubkey *api.PublicWrappingKey) ([]byte, error) {
	rsaKey, err := parseWrappingKey(pubkey)
	if err != nil {
		return nil, err
	}

	ciphertext, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, rsaKey, plaintext, nil)
	if err != nil {
		return nil, fmt.Errorf("could not wrap data: %w", err)
	}
	return ciphertext, nil
}

// Validate checks that a client-supplied wrapping key is well formed
// and of a supported type and algorithm, without encrypting anything.
func Validate(pubkey *api.PublicWrappingKey) error {
	_, err := parseWrappingKey(pubkey)
	return err
}

func parseWrappingKey(pubkey *api.PublicWrappingKey) (*rsa.PublicKey, error) {
	if pubkey.Kty != KeyTypeRSA {
		return nil, ErrUnsupportedKeyType
	}
	if pubkey.Alg != AlgRSAOAEP256 {
		return nil, ErrUnsupportedAlgorithm
	}

	nBytes, err := base64.RawURLEncoding.DecodeString(pubkey.N)
	if err != nil {
		return nil, fmt.Errorf("could not decode wrapping key modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(pubkey.E)
	if err != nil {
		return nil, fmt.Errorf("could not decode wrapping key exponent: %w", err)
	}

	e := new(big.Int).SetBytes(eBytes)
	if !e.IsInt64() || e.Int64() < 3 {
		return nil, fmt.Errorf("invalid wrapping key exponent %s", e.String())
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(e.Int64()),
	}, nil
}

// KeyPair is an ephemeral wrapping keypair generated by a client for a
// single key-release flow.
type KeyPair struct {
	privateKey *rsa.PrivateKey
}

// NewKeyPair generates a fresh RSA wrapping keypair.
func NewKeyPair(bits int) (*KeyPair, error) {
	if bits == 0 {
		bits = DefaultKeyBits
	}
	privateKey, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("could not generate wrapping keypair: %w", err)
	}
	return &KeyPair{privateKey: privateKey}, nil
}

// PublicWrappingKey returns the JWK-shaped public half for inclusion in
// a key request.
func (kp *KeyPair) PublicWrappingKey() api.PublicWrappingKey {
	pub := &kp.privateKey.PublicKey
	return api.PublicWrappingKey{
		Kty: KeyTypeRSA,
		Alg: AlgRSAOAEP256,
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}

// Unwrap decrypts a wrapped key with the private half of the keypair.
// The caller owns the returned plaintext and must Zeroize it once
// consumed.
func (kp *KeyPair) Unwrap(ciphertext []byte) ([]byte, error) {
	plaintext, err := rsa.DecryptOAEP(sha256.New(), nil, kp.privateKey, ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// Zeroize overwrites secret material in place. Callers use it to scope
// plaintext key lifetimes to the narrowest region possible.
func Zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
