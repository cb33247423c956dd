package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cloudx-io/batchauction/enclaveapi"
)

// ValidateKeyAttestation validates a lot key attestation from COSE bytes
//
// Parameters:
//   - attestationCOSEBase64: Base64-encoded COSE_Sign1 bytes from KeyResponse.KeyAttestation
//   - expectedKeyID: key id bids will be sealed for (from KeyResponse.KeyID)
//   - expectedPublicKey: PEM-encoded public key to validate (from KeyResponse.PublicKey)
//
// Returns:
//   - KeyValidationResult with detailed results (call result.IsValid() to check overall status)
//   - error if validation cannot be performed (e.g., malformed input)
func ValidateKeyAttestation(attestationCOSEBase64 enclaveapi.AttestationCOSEBase64, expectedKeyID, expectedPublicKey string, opts Options) (*KeyValidationResult, error) {
	baseResult, attestationDoc, userDataBytes, err := validateCommonAttestation(attestationCOSEBase64, opts)
	if err != nil {
		return nil, err
	}

	var keyUserData enclaveapi.KeyAttestationUserData
	if len(userDataBytes) > 0 {
		if err := json.Unmarshal(userDataBytes, &keyUserData); err != nil {
			return nil, fmt.Errorf("parse user data: %w", err)
		}
	}
	keyAttestation := &enclaveapi.KeyAttestationDoc{AttestationDoc: attestationDoc, UserData: &keyUserData}

	result := &KeyValidationResult{
		BaseValidationResult: *baseResult,
	}

	if keyAttestation.UserData.KeyID == expectedKeyID {
		result.KeyIDMatch = true
		result.ValidationDetails = append(result.ValidationDetails, "Key ID matches attestation")
	} else {
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Key ID mismatch: expected %q, attestation has %q", expectedKeyID, keyAttestation.UserData.KeyID))
	}

	if keyAttestation.UserData.PublicKey == "" {
		result.ValidationDetails = append(result.ValidationDetails, "Public key missing from attestation")
		return result, nil
	}

	// Trailing newlines of PEM encodings are not significant.
	if strings.TrimSpace(expectedPublicKey) == strings.TrimSpace(keyAttestation.UserData.PublicKey) {
		result.PublicKeyMatch = true
		result.ValidationDetails = append(result.ValidationDetails, "Public key matches attestation")
	} else {
		result.ValidationDetails = append(result.ValidationDetails, "Public key mismatch: provided key does not match attested key")
	}

	return result, nil
}
