// Package challenge manages the lifecycle of attestation challenges.
//
// A challenge is allocated whenever a client makes its initial request
// to access a key. Keys are never returned directly; the challenge
// invites the client to assemble attestation evidence that embeds the
// challenge nonce, proving both platform trustworthiness and freshness.
//
// Challenges are single-use and time-bounded. The first evidence
// submission consumes the challenge atomically, whether or not the
// verification later succeeds, so a given attestation can never be
// replayed against the broker.
package challenge

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/attestable/keybroker/api"
	"github.com/google/uuid"
)

// DefaultNonceSize is the nonce length in bytes for regular challenges.
const DefaultNonceSize = 32

// DefaultTTL bounds how long a challenge may be redeemed after creation.
const DefaultTTL = 5 * time.Minute

var (
	// ErrChallengeNotFound means the challenge id is unknown.
	ErrChallengeNotFound = errors.New("challenge does not exist")

	// ErrChallengeConsumed means the challenge was already redeemed.
	ErrChallengeConsumed = errors.New("challenge has already been consumed")

	// ErrChallengeExpired means the challenge outlived its TTL before
	// any evidence was submitted.
	ErrChallengeExpired = errors.New("challenge has expired")
)

// State is the lifecycle state of a challenge.
type State int

const (
	// StatePending means the challenge is awaiting evidence.
	StatePending State = iota

	// StateConsumed means evidence was submitted against the challenge.
	StateConsumed
)

// Challenge records everything the client provided with its key
// request, keyed by an unguessable identifier that also forms the
// evidence-submission URL path.
type Challenge struct {
	// ID is the unguessable challenge identifier.
	ID string

	// KeyName identifies the key the client wants to access.
	KeyName string

	// WrappingKey is the public key the client supplied to protect the
	// released key in transit.
	WrappingKey api.PublicWrappingKey

	// Nonce is the challenge value the client must embed into its
	// evidence.
	Nonce []byte

	// AcceptedEvidenceTypes lists the evidence media types the broker
	// will accept for this challenge.
	AcceptedEvidenceTypes []string

	// CreatedAt is the challenge creation time.
	CreatedAt time.Time

	state State
}

// Accepts reports whether mediaType is one of the challenge's accepted
// evidence types.
func (c *Challenge) Accepts(mediaType string) bool {
	for _, t := range c.AcceptedEvidenceTypes {
		if t == mediaType {
			return true
		}
	}
	return false
}

// MockNonce is the nonce embedded in the public CCA example token from
// the TF-M test suite. Serving it instead of a random nonce lets canned
// example evidence verify end to end in demo deployments.
var MockNonce = []byte{
	0x6e, 0x86, 0xd6, 0xd9, 0x7c, 0xc7, 0x13, 0xbc, 0x6d, 0xd4, 0x3d, 0xbc, 0xe4, 0x91, 0xa6, 0xb4,
	0x03, 0x11, 0xc0, 0x27, 0xa8, 0xbf, 0x85, 0xa3, 0x9d, 0xa6, 0x3e, 0x9c, 0xe4, 0x4c, 0x13, 0x2a,
	0x8a, 0x11, 0x9d, 0x29, 0x6f, 0xae, 0x6a, 0x69, 0x99, 0xe9, 0xbf, 0x3e, 0x44, 0x71, 0xb0, 0xce,
	0x01, 0x24, 0x5d, 0x88, 0x94, 0x24, 0xc3, 0x1e, 0x89, 0x79, 0x3b, 0x3b, 0x1d, 0x6b, 0x15, 0x04,
}

// StoreConfig configures a challenge store.
type StoreConfig struct {
	// TTL bounds the challenge lifetime. Zero means DefaultTTL.
	TTL time.Duration

	// NonceSize is the random nonce length in bytes. Zero means
	// DefaultNonceSize.
	NonceSize int

	// MockNonce makes every challenge carry MockNonce instead of a
	// random value. Demo use only.
	MockNonce bool

	// Now overrides the clock, for tests. Nil means time.Now.
	Now func() time.Time
}

// Store holds pending challenges and enforces their single-use and
// expiry guarantees under concurrent access. It is the only shared
// mutable state in the broker.
type Store struct {
	mu         sync.Mutex
	challenges map[string]*Challenge

	ttl       time.Duration
	nonceSize int
	mockNonce bool
	now       func() time.Time
}

// NewStore creates an empty challenge store.
func NewStore(cfg StoreConfig) *Store {
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.NonceSize == 0 {
		cfg.NonceSize = DefaultNonceSize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{
		challenges: make(map[string]*Challenge),
		ttl:        cfg.TTL,
		nonceSize:  cfg.NonceSize,
		mockNonce:  cfg.MockNonce,
		now:        cfg.Now,
	}
}

// Create allocates a new pending challenge for the named key. The
// returned copy is owned by the caller; the store keeps the original.
func (s *Store) Create(keyName string, wrappingKey api.PublicWrappingKey, acceptedTypes []string) (*Challenge, error) {
	nonce := make([]byte, s.nonceSize)
	if s.mockNonce {
		nonce = append([]byte(nil), MockNonce...)
	} else if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("could not generate challenge nonce: %w", err)
	}

	c := &Challenge{
		ID:                    uuid.New().String(),
		KeyName:               keyName,
		WrappingKey:           wrappingKey,
		Nonce:                 nonce,
		AcceptedEvidenceTypes: append([]string(nil), acceptedTypes...),
		CreatedAt:             s.now(),
		state:                 StatePending,
	}

	s.mu.Lock()
	s.challenges[c.ID] = c
	s.mu.Unlock()

	cp := *c
	return &cp, nil
}

// Peek returns a copy of the challenge without changing its state.
// Pre-flight validation (such as the evidence media type check) uses
// Peek so that a cheaply rejectable submission does not spend the
// challenge.
func (s *Store) Peek(id string) (*Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.challenges[id]
	if !ok {
		return nil, ErrChallengeNotFound
	}
	if c.state == StateConsumed {
		return nil, ErrChallengeConsumed
	}
	if s.expired(c) {
		return nil, ErrChallengeExpired
	}

	cp := *c
	return &cp, nil
}

// Take atomically looks up a pending challenge and transitions it to
// consumed, returning a copy. Exactly one caller ever succeeds for a
// given id: the check and the transition happen under a single lock
// hold, so two concurrent submissions against the same challenge can
// never both proceed to verification.
func (s *Store) Take(id string) (*Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.challenges[id]
	if !ok {
		return nil, ErrChallengeNotFound
	}
	if c.state == StateConsumed {
		return nil, ErrChallengeConsumed
	}
	if s.expired(c) {
		delete(s.challenges, id)
		return nil, ErrChallengeExpired
	}

	c.state = StateConsumed

	cp := *c
	return &cp, nil
}

// expired reports lazy TTL expiry. Caller holds s.mu.
func (s *Store) expired(c *Challenge) bool {
	return s.now().Sub(c.CreatedAt) > s.ttl
}

// Len returns the number of cached challenges, consumed ones included.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.challenges)
}

// RunSweeper periodically drops consumed and expired challenges until
// ctx is cancelled. Expiry is enforced lazily by Take, so the sweeper
// only reclaims memory; correctness does not depend on it.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Store) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, c := range s.challenges {
		if c.state == StateConsumed || s.expired(c) {
			delete(s.challenges, id)
		}
	}
}
