package verifier

import (
	"context"

	"github.com/stretchr/testify/mock"
	"github.com/veraison/ear"
)

// MockVerifier mocks the Verifier interface for tests.
type MockVerifier struct {
	mock.Mock
}

func (m *MockVerifier) Verify(ctx context.Context, nonce []byte, evidence []byte, mediaType string) (*ear.AttestationResult, error) {
	args := m.Called(ctx, nonce, evidence, mediaType)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ear.AttestationResult), args.Error(1)
}
