package client

import (
	"crypto/sha512"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	tdxclient "github.com/google/go-tdx-guest/client"
)

// ExampleTokenMediaType is the media type of the CBOR example
// attestation token produced by ExampleTokenProducer.
const ExampleTokenMediaType = "application/example-attestation-token"

// TDXQuoteMediaType is the media type declared for raw TDX quotes.
const TDXQuoteMediaType = "application/vnd.intel.tdx.quote"

// EvidenceProducer builds attestation evidence binding the challenge
// nonce, choosing a media type from the broker's accept list.
type EvidenceProducer interface {
	Produce(nonce []byte, accept []string) (evidence []byte, mediaType string, err error)
}

func accepted(accept []string, mediaType string) bool {
	for _, ct := range accept {
		if ct == mediaType {
			return true
		}
	}
	return false
}

// ExampleTokenProducer emits a mock attestation token: a CBOR map
// carrying the nonce verbatim plus a platform measurement digest. It
// exists so the whole protocol can be exercised without attestation
// hardware; a verifier has to be configured to appraise it.
type ExampleTokenProducer struct {
	// Measurement is the 32-byte platform measurement embedded in the
	// token. Demo deployments set it to one of the broker's configured
	// reference values.
	Measurement []byte
}

type exampleToken struct {
	Profile     string `cbor:"265,keyasint"`
	Nonce       []byte `cbor:"10,keyasint"`
	Measurement []byte `cbor:"1,keyasint"`
}

func (p *ExampleTokenProducer) Produce(nonce []byte, accept []string) ([]byte, string, error) {
	if !accepted(accept, ExampleTokenMediaType) {
		return nil, "", fmt.Errorf("broker does not accept %q", ExampleTokenMediaType)
	}

	evidence, err := cbor.Marshal(exampleToken{
		Profile:     "tag:keybroker,2025:example-attestation-token",
		Nonce:       nonce,
		Measurement: p.Measurement,
	})
	if err != nil {
		return nil, "", fmt.Errorf("could not encode example token: %w", err)
	}
	return evidence, ExampleTokenMediaType, nil
}

// TDXQuoteProducer fetches a raw TDX quote from the guest device. The
// challenge nonce is bound into the quote's report data field.
type TDXQuoteProducer struct{}

func (TDXQuoteProducer) Produce(nonce []byte, accept []string) ([]byte, string, error) {
	if !accepted(accept, TDXQuoteMediaType) {
		return nil, "", fmt.Errorf("broker does not accept %q", TDXQuoteMediaType)
	}

	// Report data is exactly 64 bytes; hashing keeps arbitrary nonce
	// sizes bindable.
	reportData := sha512.Sum512(nonce)

	qp := &tdxclient.LinuxConfigFsQuoteProvider{}
	if qp.IsSupported() == nil {
		quote, err := qp.GetRawQuote(reportData)
		if err != nil {
			return nil, "", fmt.Errorf("could not fetch TDX quote: %w", err)
		}
		return quote, TDXQuoteMediaType, nil
	}

	qd, err := tdxclient.OpenDevice()
	if err != nil {
		return nil, "", fmt.Errorf("could not open TDX guest device: %w", err)
	}
	defer qd.Close()

	quote, err := tdxclient.GetRawQuote(qd, reportData)
	if err != nil {
		return nil, "", fmt.Errorf("could not fetch TDX quote: %w", err)
	}
	return quote, TDXQuoteMediaType, nil
}
