package core

import (
	"crypto/sha256"
	"fmt"

	"github.com/holiman/uint256"
)

// ComputeBidHash computes the hash of a decrypted bid published in settlement attestations.
// It is used by both the enclave (to generate hashes) and validation (to verify hashes).
//
// Formula: SHA256(lot_id + "|" + bid_id + "|" + amount_in + "|" + amount_out + "|" + nonce)
//
// Amounts are rendered as base-10 integers in base units.
func ComputeBidHash(lotID, bidID uint64, amountIn, amountOut *uint256.Int, nonce string) string {
	data := fmt.Sprintf("%d|%d|%s|%s|%s", lotID, bidID, amountIn.Dec(), amountOut.Dec(), nonce)
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", hash)
}

// ComputeCiphertextHash commits to a sealed amount-out so a bidder can check that the
// ciphertext that was decrypted is the one they submitted.
//
// Formula: SHA256(aes_key_encrypted + "|" + encrypted_payload + "|" + nonce)
func ComputeCiphertextHash(ct EncryptedAmountOut) string {
	data := fmt.Sprintf("%s|%s|%s", ct.AESKeyEncrypted, ct.EncryptedPayload, ct.Nonce)
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", hash)
}

// ComputeSettlementHash computes the hash binding a settlement record to a lot.
//
// Formula: SHA256(lot_id + "|" + marginal_price + "|" + marginal_bid_id + "|" +
// total_amount_in + "|" + capacity_expended + "|" + partial_fill + "|" + nonce)
// where partial_fill is "bid_id:payout:refund" or "-" when there is none.
func ComputeSettlementHash(lotID uint64, rec *SettlementRecord, nonce string) string {
	partial := "-"
	if pf := rec.PartialFill; pf != nil {
		partial = fmt.Sprintf("%d:%s:%s", pf.BidID, pf.Payout.Dec(), pf.Refund.Dec())
	}
	data := fmt.Sprintf("%d|%s|%d|%s|%s|%s|%s",
		lotID,
		rec.MarginalPrice.Dec(),
		rec.MarginalBidID,
		rec.TotalAmountIn.Dec(),
		rec.CapacityExpended.Dec(),
		partial,
		nonce,
	)
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", hash)
}
