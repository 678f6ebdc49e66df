// Package refvalues loads the known-good reference measurement digests
// that are passed to the appraisal step as policy input. The broker
// does not interpret them beyond set membership.
package refvalues

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

// DigestSize is the required length of every reference digest.
const DigestSize = 32

// ErrNoReferenceValues means the configuration contained no digests.
var ErrNoReferenceValues = errors.New("reference values configuration must contain at least one digest")

// Set is an immutable membership set of known-good digests. Digests are
// keyed by their base64 (standard) encoding.
type Set struct {
	digests map[string]struct{}
}

// Load parses a reference-values JSON document of the form
// {"reference-values": ["base64-digest", ...]}. Every digest must
// decode to exactly DigestSize bytes and at least one entry is
// required.
func Load(r io.Reader) (*Set, error) {
	var doc struct {
		ReferenceValues []string `json:"reference-values"`
	}
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("could not parse reference values: %w", err)
	}
	if len(doc.ReferenceValues) == 0 {
		return nil, ErrNoReferenceValues
	}

	digests := make(map[string]struct{}, len(doc.ReferenceValues))
	for _, encoded := range doc.ReferenceValues {
		digest, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("could not decode reference value %q: %w", encoded, err)
		}
		if len(digest) != DigestSize {
			return nil, fmt.Errorf("reference value %q is %d bytes, want %d", encoded, len(digest), DigestSize)
		}
		digests[base64.StdEncoding.EncodeToString(digest)] = struct{}{}
	}

	return &Set{digests: digests}, nil
}

// LoadFile loads a reference-values document from disk.
func LoadFile(path string) (*Set, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not open reference values file: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Contains reports whether the digest is a known-good reference value.
func (s *Set) Contains(digest []byte) bool {
	_, ok := s.digests[base64.StdEncoding.EncodeToString(digest)]
	return ok
}

// Len returns the number of reference values in the set.
func (s *Set) Len() int {
	return len(s.digests)
}
