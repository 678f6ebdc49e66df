// Package appraisal reduces a signed attestation result to a single
// accept/reject verdict.
//
// The verifier's result is broken into submodules, each carrying a
// trustworthiness status (an EAR trust tier). A submodule is acceptable
// only if its status is among the tiers the policy declares acceptable
// for it; some submodules may require the strictest tier while others
// tolerate a lesser, still non-failing one. Optionally a measurement
// claim from the result is cross-checked for membership in the
// configured reference values.
package appraisal

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/attestable/keybroker/refvalues"
	"github.com/veraison/ear"
)

// Verdict is the normalized outcome of appraising an attestation
// result. Reason carries the full operator-facing explanation for a
// negative verdict; redaction for clients happens upstream.
type Verdict struct {
	Trusted bool
	Reason  string
}

// Policy declares which submodule statuses are acceptable and which
// reference values count as trusted. The policy content is
// configuration; the broker applies it mechanically.
type Policy struct {
	// DefaultTiers lists the trust tiers acceptable for submodules
	// without a specific entry in SubmoduleTiers. Empty means only
	// TrustTierAffirming is acceptable.
	DefaultTiers []ear.TrustTier

	// SubmoduleTiers overrides the acceptable tiers per submodule name.
	SubmoduleTiers map[string][]ear.TrustTier

	// MeasurementClaim names an annotated-evidence claim whose value
	// (a base64 digest) must be present in ReferenceValues. Empty
	// disables the cross-check.
	MeasurementClaim string

	// ReferenceValues is the known-good digest set for the
	// measurement cross-check. Required when MeasurementClaim is set.
	ReferenceValues *refvalues.Set
}

// ParseTier maps a configuration string to an EAR trust tier.
func ParseTier(s string) (ear.TrustTier, error) {
	switch strings.ToLower(s) {
	case "none":
		return ear.TrustTierNone, nil
	case "affirming":
		return ear.TrustTierAffirming, nil
	case "warning":
		return ear.TrustTierWarning, nil
	case "contraindicated":
		return ear.TrustTierContraindicated, nil
	default:
		return ear.TrustTierNone, fmt.Errorf("unknown trust tier %q", s)
	}
}

// Evaluate appraises an attestation result against the policy. A
// result with no submodules is never trusted.
func (p *Policy) Evaluate(result *ear.AttestationResult) Verdict {
	if result == nil || len(result.Submods) == 0 {
		return Verdict{Trusted: false, Reason: "attestation result carries no submodules"}
	}

	for name, appraisal := range result.Submods {
		if appraisal == nil || appraisal.Status == nil {
			return Verdict{Trusted: false, Reason: fmt.Sprintf("submodule %q carries no status", name)}
		}
		if !p.tierAcceptable(name, *appraisal.Status) {
			return Verdict{
				Trusted: false,
				Reason:  fmt.Sprintf("submodule %q status %s is not acceptable", name, appraisal.Status.String()),
			}
		}
	}

	if p.MeasurementClaim != "" {
		return p.checkMeasurement(result)
	}

	return Verdict{Trusted: true, Reason: "all submodule statuses acceptable"}
}

func (p *Policy) tierAcceptable(submod string, tier ear.TrustTier) bool {
	acceptable := p.DefaultTiers
	if tiers, ok := p.SubmoduleTiers[submod]; ok {
		acceptable = tiers
	}
	if len(acceptable) == 0 {
		return tier == ear.TrustTierAffirming
	}
	for _, t := range acceptable {
		if tier == t {
			return true
		}
	}
	return false
}

// checkMeasurement scans the submodules' annotated evidence for the
// configured measurement claim and requires its value to be a
// known-good reference digest.
func (p *Policy) checkMeasurement(result *ear.AttestationResult) Verdict {
	for name, appraisal := range result.Submods {
		if appraisal.VeraisonAnnotatedEvidence == nil {
			continue
		}
		raw, ok := (*appraisal.VeraisonAnnotatedEvidence)[p.MeasurementClaim]
		if !ok {
			continue
		}

		encoded, ok := raw.(string)
		if !ok {
			return Verdict{Trusted: false, Reason: fmt.Sprintf("measurement claim %q in submodule %q is not a string", p.MeasurementClaim, name)}
		}
		digest, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return Verdict{Trusted: false, Reason: fmt.Sprintf("measurement claim %q in submodule %q is not valid base64", p.MeasurementClaim, name)}
		}
		if p.ReferenceValues == nil || !p.ReferenceValues.Contains(digest) {
			return Verdict{Trusted: false, Reason: fmt.Sprintf("measurement %q does not match any known-good reference value", encoded)}
		}

		return Verdict{Trusted: true, Reason: "all submodule statuses acceptable and measurement matches reference values"}
	}

	return Verdict{Trusted: false, Reason: fmt.Sprintf("measurement claim %q not present in any submodule", p.MeasurementClaim)}
}
