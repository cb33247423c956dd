package attestation

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	enclave "github.com/edgebitio/nitro-enclaves-sdk-go"
	log "github.com/sirupsen/logrus"

	"github.com/cloudx-io/batchauction/core"
	"github.com/cloudx-io/batchauction/enclaveapi"
)

// GenerateSettlementAttestation attests the settlement of a lot. bids are the lot's
// bids after settlement; every decrypted bid is committed to by hash.
func GenerateSettlementAttestation(attester Attester, lot *core.Lot, rec *core.SettlementRecord, bids []core.Bid) (enclaveapi.AttestationCOSE, *enclaveapi.SettlementAttestationUserData, error) {
	if attester == nil {
		return nil, nil, fmt.Errorf("enclave attester is nil")
	}

	bidHashNonce, err := generateNonce()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate bid hash nonce: %w", err)
	}
	settlementNonce, err := generateNonce()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate settlement nonce: %w", err)
	}

	bidHashes := make([]string, 0, len(bids))
	ciphertextHashes := make([]string, 0, len(bids))
	for i := range bids {
		b := &bids[i]
		if !wasDecrypted(b) {
			continue
		}
		bidHashes = append(bidHashes, core.ComputeBidHash(lot.ID, b.ID, &b.AmountIn, &b.AmountOut, bidHashNonce))
		ciphertextHashes = append(ciphertextHashes, core.ComputeCiphertextHash(b.EncryptedAmountOut))
	}

	userData := &enclaveapi.SettlementAttestationUserData{
		LotID:            lot.ID,
		Veecode:          lot.Veecode,
		BaseDecimals:     lot.BaseAsset.Decimals,
		Capacity:         lot.Capacity.Dec(),
		Cleared:          rec.Cleared(),
		MarginalPrice:    rec.MarginalPrice.Dec(),
		MarginalBidID:    rec.MarginalBidID,
		TotalAmountIn:    rec.TotalAmountIn.Dec(),
		CapacityExpended: rec.CapacityExpended.Dec(),
		NumWinningBids:   rec.NumWinningBids,
		BidHashes:        bidHashes,
		CiphertextHashes: ciphertextHashes,
		BidHashNonce:     bidHashNonce,
		SettlementHash:   core.ComputeSettlementHash(lot.ID, rec, settlementNonce),
		SettlementNonce:  settlementNonce,
		Timestamp:        time.Now().UTC(),
	}
	if pf := rec.PartialFill; pf != nil {
		userData.PartialFill = &enclaveapi.PartialFillData{BidID: pf.BidID, Payout: pf.Payout.Dec(), Refund: pf.Refund.Dec()}
	}

	userDataBytes, err := json.Marshal(userData)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal user data: %w", err)
	}
	doc, err := attest(attester, userDataBytes)
	if err != nil {
		log.WithError(err).WithField("lot_id", lot.ID).Error("settlement attestation failed")
		return nil, nil, fmt.Errorf("settlement attestation failed: %w", err)
	}

	log.WithFields(log.Fields{"lot_id": lot.ID, "bytes": len(doc), "bids": len(bidHashes)}).Info("settlement attestation generated")
	return doc, userData, nil
}

// wasDecrypted reports whether a bid went through decryption. A bid claimed at
// settlement is the partial fill.
func wasDecrypted(b *core.Bid) bool {
	return b.Status == core.BidStatusDecrypted || b.Status == core.BidStatusClaimed
}

// GenerateKeyAttestation attests a lot public key generated inside the enclave.
func GenerateKeyAttestation(attester Attester, keyID string, publicKeyPEM []byte) (enclaveapi.AttestationCOSE, error) {
	if attester == nil {
		return nil, fmt.Errorf("enclave attester is nil")
	}

	userDataBytes, err := json.Marshal(&enclaveapi.KeyAttestationUserData{
		KeyID:        keyID,
		KeyAlgorithm: "RSA-2048",
		PublicKey:    string(publicKeyPEM),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal key user data: %w", err)
	}

	doc, err := attest(attester, userDataBytes)
	if err != nil {
		log.WithError(err).WithField("key_id", keyID).Error("key attestation failed")
		return nil, fmt.Errorf("key attestation failed: %w", err)
	}
	log.WithFields(log.Fields{"key_id": keyID, "bytes": len(doc)}).Debug("key attestation generated")
	return doc, nil
}

func attest(attester Attester, userData []byte) (enclaveapi.AttestationCOSE, error) {
	nonce, err := generateNonce()
	if err != nil {
		return nil, fmt.Errorf("failed to generate attestation nonce: %w", err)
	}
	doc, err := attester.Attest(enclave.AttestationOptions{
		UserData: userData,
		Nonce:    []byte(nonce),
	})
	if err != nil {
		return nil, err
	}
	return enclaveapi.AttestationCOSE(doc), nil
}

// generateNonce returns 256 bits of hex encoded randomness. Inside an enclave
// crypto/rand draws from the NSM seeded kernel pool.
func generateNonce() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("entropy generation failed: %w", err)
	}
	return hex.EncodeToString(b), nil
}
