package validation

import (
	"encoding/json"
	"fmt"

	"github.com/cloudx-io/batchauction/enclaveapi"
)

// validateCommonAttestation validates PCRs, the certificate chain and the signature of
// an attestation and returns the parsed document with its raw user data.
func validateCommonAttestation(attestationCOSEBase64 enclaveapi.AttestationCOSEBase64, opts Options) (*BaseValidationResult, enclaveapi.AttestationDoc, []byte, error) {
	coseBytes, err := attestationCOSEBase64.Decode()
	if err != nil {
		return nil, enclaveapi.AttestationDoc{}, nil, fmt.Errorf("decode COSE bytes: %w", err)
	}

	attestationDoc, userData, err := coseBytes.ParseAttestationDoc()
	if err != nil {
		return nil, enclaveapi.AttestationDoc{}, nil, fmt.Errorf("parse attestation document: %w", err)
	}

	result := &BaseValidationResult{
		ValidationDetails: []string{},
	}

	checkPCRs(result, attestationDoc.PCRs, opts.PCRSets)

	// Validate certificate chain at the attestation timestamp
	switch {
	case attestationDoc.Certificate == "":
		result.ValidationDetails = append(result.ValidationDetails, "Missing certificate")
	case len(attestationDoc.CABundle) == 0:
		result.ValidationDetails = append(result.ValidationDetails, "Missing CA bundle")
	default:
		if err := ValidateCertificateChain(attestationDoc.Certificate, attestationDoc.CABundle, attestationDoc.Timestamp, opts.Roots); err != nil {
			result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Certificate chain validation failed: %v", err))
		} else {
			result.CertificateValid = true
			result.ValidationDetails = append(result.ValidationDetails, "Certificate chain verified")
		}
	}

	if err := VerifyCOSESignature(attestationCOSEBase64, attestationDoc.Certificate); err != nil {
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("COSE signature verification failed: %v", err))
	} else {
		result.SignatureValid = true
		result.ValidationDetails = append(result.ValidationDetails, "COSE signature verified")
	}

	return result, attestationDoc, userData, nil
}

// ParseSettlementAttestation parses a settlement attestation without validating it.
func ParseSettlementAttestation(attestationCOSEB64 enclaveapi.AttestationCOSEBase64) (*enclaveapi.SettlementAttestationDoc, error) {
	coseBytes, err := attestationCOSEB64.Decode()
	if err != nil {
		return nil, fmt.Errorf("decode COSE bytes: %w", err)
	}
	attestationDoc, userDataBytes, err := coseBytes.ParseAttestationDoc()
	if err != nil {
		return nil, err
	}
	doc := &enclaveapi.SettlementAttestationDoc{AttestationDoc: attestationDoc}
	if len(userDataBytes) > 0 {
		var userData enclaveapi.SettlementAttestationUserData
		if err := json.Unmarshal(userDataBytes, &userData); err != nil {
			return nil, fmt.Errorf("parse user data: %w", err)
		}
		doc.UserData = &userData
	}
	return doc, nil
}
