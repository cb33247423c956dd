package validation

import (
	"fmt"
	"slices"

	"github.com/holiman/uint256"

	"github.com/cloudx-io/batchauction/core"
	"github.com/cloudx-io/batchauction/enclaveapi"
)

// SettlementValidationInput contains all inputs needed to validate a bid against a
// settlement attestation
type SettlementValidationInput struct {
	Attestation enclaveapi.AttestationCOSEBase64
	LotID       uint64
	BidID       uint64
	AmountIn    uint256.Int
	// AmountOut is the amount the bidder sealed; zero if the bid failed to decrypt.
	AmountOut uint256.Int
	// EncryptedAmountOut, when set, must match the ciphertext committed to for the bid.
	EncryptedAmountOut *core.EncryptedAmountOut
	// ExpectWon, when set, must match the recomputed outcome.
	ExpectWon *bool
}

// ValidateSettlementAttestation validates a settlement attestation and verifies:
// - The attested user data belongs to the lot and its settlement hash is consistent
// - The bid was included in the settlement with the given amounts
// - The sealed amount-out that was decrypted is the one the bidder submitted
// - The bid outcome recomputed from the attested clearing price
//
// Returns:
//   - SettlementValidationResult with detailed results (call result.IsValid() to check overall status)
//   - error if validation cannot be performed (e.g., malformed input)
func ValidateSettlementAttestation(input *SettlementValidationInput, opts Options) (*SettlementValidationResult, error) {
	baseResult, _, _, err := validateCommonAttestation(input.Attestation, opts)
	if err != nil {
		return nil, err
	}

	attestation, err := ParseSettlementAttestation(input.Attestation)
	if err != nil {
		return nil, fmt.Errorf("failed to parse settlement attestation: %w", err)
	}

	result := &SettlementValidationResult{
		BaseValidationResult: *baseResult,
	}
	userData := attestation.UserData
	if userData == nil {
		result.ValidationDetails = append(result.ValidationDetails, "Attestation user data missing")
		return result, nil
	}

	if userData.LotID == input.LotID {
		result.LotIDValid = true
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Lot ID matches attestation: %d", input.LotID))
	} else {
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Lot ID mismatch: expected %d, attestation has %d", input.LotID, userData.LotID))
	}

	rec, err := RecordFromUserData(userData)
	if err != nil {
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Malformed settlement in attestation: %v", err))
		return result, nil
	}

	result.SettlementHashValid = validateSettlementHash(userData, rec, result)
	index := validateBidHash(input, userData, result)
	result.BidHashValid = index >= 0
	result.CiphertextHashValid = validateCiphertextHash(input, userData, index, result)
	result.OutcomeValid = validateOutcome(input, userData, rec, result)

	return result, nil
}

// RecordFromUserData rebuilds the settlement record committed to by an attestation.
func RecordFromUserData(userData *enclaveapi.SettlementAttestationUserData) (*core.SettlementRecord, error) {
	rec := &core.SettlementRecord{
		MarginalBidID:  userData.MarginalBidID,
		NumWinningBids: userData.NumWinningBids,
	}
	for _, f := range []struct {
		name string
		in   string
		out  *uint256.Int
	}{
		{"marginal_price", userData.MarginalPrice, &rec.MarginalPrice},
		{"total_amount_in", userData.TotalAmountIn, &rec.TotalAmountIn},
		{"capacity_expended", userData.CapacityExpended, &rec.CapacityExpended},
	} {
		if err := parseAmount(f.name, f.in, f.out); err != nil {
			return nil, err
		}
	}
	if pf := userData.PartialFill; pf != nil {
		rec.PartialFill = &core.PartialFill{BidID: pf.BidID}
		if err := parseAmount("partial_fill.payout", pf.Payout, &rec.PartialFill.Payout); err != nil {
			return nil, err
		}
		if err := parseAmount("partial_fill.refund", pf.Refund, &rec.PartialFill.Refund); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

func parseAmount(name, s string, out *uint256.Int) error {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", name, s, err)
	}
	*out = *v
	return nil
}

func validateSettlementHash(userData *enclaveapi.SettlementAttestationUserData, rec *core.SettlementRecord, result *SettlementValidationResult) bool {
	if userData.SettlementNonce == "" {
		result.ValidationDetails = append(result.ValidationDetails, "Settlement nonce missing from attestation")
		return false
	}
	computed := core.ComputeSettlementHash(userData.LotID, rec, userData.SettlementNonce)
	if computed == userData.SettlementHash {
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Settlement hash validation passed: %s", computed))
		return true
	}
	result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Settlement hash mismatch: computed %s, attestation has %s", computed, userData.SettlementHash))
	return false
}

// validateBidHash returns the index of the bid's hash in the attestation, or -1.
func validateBidHash(input *SettlementValidationInput, userData *enclaveapi.SettlementAttestationUserData, result *SettlementValidationResult) int {
	if userData.BidHashNonce == "" {
		result.ValidationDetails = append(result.ValidationDetails, "Bid hash nonce missing from attestation")
		return -1
	}

	computedHash := core.ComputeBidHash(input.LotID, input.BidID, &input.AmountIn, &input.AmountOut, userData.BidHashNonce)
	if i := slices.Index(userData.BidHashes, computedHash); i >= 0 {
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Bid hash found in attestation: %s", computedHash))
		return i
	}

	result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Bid hash NOT found in attestation. Computed: %s", computedHash))
	result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Total hashes in attestation: %d", len(userData.BidHashes)))
	return -1
}

func validateCiphertextHash(input *SettlementValidationInput, userData *enclaveapi.SettlementAttestationUserData, index int, result *SettlementValidationResult) bool {
	if input.EncryptedAmountOut == nil {
		result.ValidationDetails = append(result.ValidationDetails, "Ciphertext hash not checked: no sealed amount provided")
		return true
	}
	if index < 0 || index >= len(userData.CiphertextHashes) {
		result.ValidationDetails = append(result.ValidationDetails, "Ciphertext hash not checked: bid not found in attestation")
		return false
	}

	computed := core.ComputeCiphertextHash(*input.EncryptedAmountOut)
	if computed == userData.CiphertextHashes[index] {
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Ciphertext hash validation passed: %s", computed))
		return true
	}
	result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Ciphertext hash mismatch: computed %s, attestation has %s", computed, userData.CiphertextHashes[index]))
	return false
}

func validateOutcome(input *SettlementValidationInput, userData *enclaveapi.SettlementAttestationUserData, rec *core.SettlementRecord, result *SettlementValidationResult) bool {
	bid := core.Bid{
		LotID:     input.LotID,
		ID:        input.BidID,
		AmountIn:  input.AmountIn,
		AmountOut: input.AmountOut,
	}
	claim, err := core.ResolveBidClaim(&bid, rec, core.Scale(userData.BaseDecimals))
	if err != nil {
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Outcome could not be recomputed: %v", err))
		return false
	}
	result.Claim = &claim

	if input.ExpectWon == nil {
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Outcome recomputed: won=%t payout=%s refund=%s", claim.Won, claim.Payout.Dec(), claim.Refund.Dec()))
		return true
	}
	if *input.ExpectWon == claim.Won {
		if claim.Won {
			result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Outcome validation passed: bid won as expected (payout: %s)", claim.Payout.Dec()))
		} else {
			result.ValidationDetails = append(result.ValidationDetails, "Outcome validation passed: bid lost as expected")
		}
		return true
	}
	if *input.ExpectWon {
		result.ValidationDetails = append(result.ValidationDetails, "Outcome validation failed: expected to win, but did not win")
	} else {
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Outcome validation failed: expected to lose, but won with payout %s", claim.Payout.Dec()))
	}
	return false
}
