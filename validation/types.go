package validation

import (
	"crypto/x509"

	"github.com/cloudx-io/batchauction/core"
)

// BaseValidationResult contains common validation results for all attestation types
type BaseValidationResult struct {
	PCRsValid         bool
	CertificateValid  bool
	SignatureValid    bool
	ValidationDetails []string
}

// KeyValidationResult contains validation results specific to key attestations
type KeyValidationResult struct {
	BaseValidationResult
	KeyIDMatch     bool
	PublicKeyMatch bool
}

// IsValid returns true if all key validation checks passed
func (r *KeyValidationResult) IsValid() bool {
	return r.PCRsValid && r.CertificateValid && r.SignatureValid && r.KeyIDMatch && r.PublicKeyMatch
}

// SettlementValidationResult contains validation results for a bid against a
// settlement attestation.
type SettlementValidationResult struct {
	BaseValidationResult
	LotIDValid          bool
	SettlementHashValid bool
	BidHashValid        bool
	CiphertextHashValid bool
	OutcomeValid        bool

	// Claim is the bid outcome recomputed from the attested settlement.
	Claim *core.BidClaim
}

// IsValid returns true if all settlement validation checks passed
func (r *SettlementValidationResult) IsValid() bool {
	return r.PCRsValid && r.CertificateValid && r.SignatureValid &&
		r.LotIDValid && r.SettlementHashValid && r.BidHashValid && r.CiphertextHashValid && r.OutcomeValid
}

// PCRSet represents a known-good set of PCR measurements
type PCRSet struct {
	PCR0       string `json:"pcr0"`
	PCR1       string `json:"pcr1"`
	PCR2       string `json:"pcr2"`
	CommitHash string `json:"commit_hash"` // batchauction commit used to build the enclave image
}

// PCRConfig represents the PCR configuration file structure
type PCRConfig struct {
	PCRSets []PCRSet `json:"pcr_sets"`
}

// Options configures what an attestation is checked against.
type Options struct {
	// Roots overrides the AWS Nitro root certificate.
	Roots *x509.CertPool
	// PCRSets lists accepted measurements. With none, PCRs are not checked.
	PCRSets []PCRSet
}
