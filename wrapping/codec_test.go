package wrapping

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attestable/keybroker/api"
)

func TestWrapUnwrapRoundTrip(t *testing.T) {
	keyPair, err := NewKeyPair(DefaultKeyBits)
	require.NoError(t, err)

	pub := keyPair.PublicWrappingKey()
	assert.Equal(t, KeyTypeRSA, pub.Kty)
	assert.Equal(t, AlgRSAOAEP256, pub.Alg)

	secret := []byte("May the force be with you.")
	wrapped, err := Wrap(secret, &pub)
	require.NoError(t, err)
	assert.NotEqual(t, secret, wrapped)

	plaintext, err := keyPair.Unwrap(wrapped)
	require.NoError(t, err)
	assert.Equal(t, secret, plaintext)
}

func TestWrapIsRandomized(t *testing.T) {
	keyPair, err := NewKeyPair(DefaultKeyBits)
	require.NoError(t, err)
	pub := keyPair.PublicWrappingKey()

	first, err := Wrap([]byte("secret"), &pub)
	require.NoError(t, err)
	second, err := Wrap([]byte("secret"), &pub)
	require.NoError(t, err)

	// OAEP padding must be randomized per encryption.
	assert.NotEqual(t, first, second)
}

func TestUnwrapWrongKey(t *testing.T) {
	keyPair, err := NewKeyPair(DefaultKeyBits)
	require.NoError(t, err)
	otherPair, err := NewKeyPair(DefaultKeyBits)
	require.NoError(t, err)

	pub := keyPair.PublicWrappingKey()
	wrapped, err := Wrap([]byte("secret"), &pub)
	require.NoError(t, err)

	_, err = otherPair.Unwrap(wrapped)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestWrapRejectsUnsupportedKeys(t *testing.T) {
	keyPair, err := NewKeyPair(DefaultKeyBits)
	require.NoError(t, err)

	ecKey := keyPair.PublicWrappingKey()
	ecKey.Kty = "EC"
	_, err = Wrap([]byte("secret"), &ecKey)
	assert.ErrorIs(t, err, ErrUnsupportedKeyType)

	pkcsKey := keyPair.PublicWrappingKey()
	pkcsKey.Alg = "RSA1_5"
	_, err = Wrap([]byte("secret"), &pkcsKey)
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)

	badModulus := keyPair.PublicWrappingKey()
	badModulus.N = "not base64url!"
	assert.Error(t, Validate(&badModulus))
}

func TestValidate(t *testing.T) {
	keyPair, err := NewKeyPair(DefaultKeyBits)
	require.NoError(t, err)

	pub := keyPair.PublicWrappingKey()
	assert.NoError(t, Validate(&pub))

	assert.Error(t, Validate(&api.PublicWrappingKey{Kty: "RSA", Alg: AlgRSAOAEP256, N: "AQAB", E: "AA"}))
}

func TestZeroize(t *testing.T) {
	secret := []byte("sensitive")
	Zeroize(secret)
	assert.Equal(t, make([]byte, len("sensitive")), secret)
}
