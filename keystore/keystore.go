// Package keystore holds the broker's named secrets.
//
// The store maps string key names to small secret byte blobs. Values
// are loaded from trusted local configuration at startup and are only
// ever released through the wrapping codec; nothing here persists or
// transmits plaintext.
package keystore

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

// ErrKeyNotFound means the requested key name is not in the store.
// Handlers must not surface this verbatim to clients: an unknown key
// name is reported identically to a denied release, so key names
// cannot be enumerated.
var ErrKeyNotFound = errors.New("requested key is not in the store")

// Store is a read-mostly map of key names to secret bytes.
type Store struct {
	mu   sync.RWMutex
	keys map[string][]byte
}

// NewStore creates an empty key store.
func NewStore() *Store {
	return &Store{keys: make(map[string][]byte)}
}

// Set stores a secret under the given name, replacing any previous
// value. Plaintext input is acceptable here because Set is only called
// during initialization from trusted local configuration.
func (s *Store) Set(name string, secret []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[name] = append([]byte(nil), secret...)
}

// Lookup returns a copy of the named secret. The caller owns the copy
// and is responsible for zeroing it once consumed.
func (s *Store) Lookup(name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	secret, ok := s.keys[name]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), secret...), nil
}

// Len returns the number of stored keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// SetFromSpec parses a "name:base64" command-line key specification and
// stores the decoded secret.
func (s *Store) SetFromSpec(spec string) error {
	name, encoded, found := strings.Cut(spec, ":")
	if !found || name == "" {
		return fmt.Errorf("invalid key specification %q, want name:base64", spec)
	}
	secret, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("could not decode secret for key %q: %w", name, err)
	}
	s.Set(name, secret)
	return nil
}

// LoadJSON populates the store from a JSON object of the form
// {"keys": {"name": "base64-secret", ...}}.
func (s *Store) LoadJSON(r io.Reader) error {
	var doc struct {
		Keys map[string]string `json:"keys"`
	}
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return fmt.Errorf("could not parse keys file: %w", err)
	}

	for name, encoded := range doc.Keys {
		secret, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return fmt.Errorf("could not decode secret for key %q: %w", name, err)
		}
		s.Set(name, secret)
	}
	return nil
}
