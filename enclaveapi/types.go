// Package enclaveapi defines the JSON messages exchanged with the batch auction
// daemon and the attestation documents it signs.
//
// Token amounts travel as base-10 strings in base units of their asset; percentages
// as decimal percent strings ("0.5" is half a percent).
package enclaveapi

import (
	"time"

	"github.com/cloudx-io/batchauction/core"
)

// Request types understood by the daemon.
const (
	TypePing             = "ping"
	TypeKeyRequest       = "key_request"
	TypeDeposit          = "deposit"
	TypeBalance          = "balance"
	TypeCreateLot        = "create_lot"
	TypeCancelLot        = "cancel_lot"
	TypeBid              = "bid"
	TypeRefundBid        = "refund_bid"
	TypeSubmitPrivateKey = "submit_private_key"
	TypeDecryptBids      = "decrypt_bids"
	TypeSettle           = "settle"
	TypeAbort            = "abort"
	TypeClaimBids        = "claim_bids"
	TypeClaimProceeds    = "claim_proceeds"
	TypeGetLot           = "get_lot"
	TypeClaimRewards     = "claim_rewards"
)

// PCRs represents the Platform Configuration Registers from AWS Nitro Enclaves
type PCRs struct {
	// PCR0: Hash of the Enclave Image File (EIF)
	ImageFileHash string `json:"0"`

	// PCR1: Hash of the Linux kernel and initial RAM data (initramfs)
	KernelHash string `json:"1"`

	// PCR2: Hash of user applications, excluding the boot ramfs
	ApplicationHash string `json:"2"`

	// PCR3: Hash of the IAM role assigned to the parent instance
	IAMRoleHash string `json:"3"`

	// PCR4: Hash of the parent instance's ID
	InstanceIDHash string `json:"4"`

	// PCR8: Hash of the enclave image file's signing certificate
	SigningCertHash string `json:"8,omitempty"`
}

// AttestationDoc holds the fields common to every attestation document.
type AttestationDoc struct {
	ModuleID        string    `json:"module_id"`
	Timestamp       time.Time `json:"timestamp"`
	DigestAlgorithm string    `json:"digest"`
	PCRs            PCRs      `json:"pcrs"`
	// Certificate is the base64 DER certificate whose key signed the document.
	Certificate string `json:"certificate"`
	// CABundle is the base64 DER chain from the root towards Certificate.
	CABundle  []string `json:"cabundle"`
	PublicKey string   `json:"public_key"`
	Nonce     string   `json:"nonce"`
}

// PartialFillData is the attested partial fill of a settlement.
type PartialFillData struct {
	BidID  uint64 `json:"bid_id"`
	Payout string `json:"payout"`
	Refund string `json:"refund"`
}

// SettlementAttestationUserData is embedded in the attestation of a settled lot. It
// carries enough of the settlement for a bidder to recompute their own claim.
type SettlementAttestationUserData struct {
	LotID            uint64           `json:"lot_id"`
	Veecode          string           `json:"veecode"`
	BaseDecimals     uint8            `json:"base_decimals"`
	Capacity         string           `json:"capacity"`
	Cleared          bool             `json:"cleared"`
	MarginalPrice    string           `json:"marginal_price"`
	MarginalBidID    uint64           `json:"marginal_bid_id"`
	TotalAmountIn    string           `json:"total_amount_in"`
	CapacityExpended string           `json:"capacity_expended"`
	NumWinningBids   uint64           `json:"num_winning_bids"`
	PartialFill      *PartialFillData `json:"partial_fill,omitempty"`
	// BidHashes commit to every decrypted bid: SHA256(lot|bid|amountIn|amountOut|nonce).
	BidHashes []string `json:"bid_hashes"`
	// CiphertextHashes commit to the sealed amount-out of every decrypted bid.
	CiphertextHashes []string  `json:"ciphertext_hashes"`
	BidHashNonce     string    `json:"bid_hash_nonce"`
	SettlementHash   string    `json:"settlement_hash"`
	SettlementNonce  string    `json:"settlement_nonce"`
	Timestamp        time.Time `json:"timestamp"`
}

// SettlementAttestationDoc is a parsed settlement attestation.
type SettlementAttestationDoc struct {
	AttestationDoc
	UserData *SettlementAttestationUserData `json:"user_data"`
}

// KeyAttestationUserData represents the key-specific data embedded in key attestation
type KeyAttestationUserData struct {
	KeyID        string `json:"key_id"`
	KeyAlgorithm string `json:"key_algorithm"` // e.g., "RSA-2048"
	PublicKey    string `json:"public_key"`    // PEM-encoded public key
}

// KeyAttestationDoc is a parsed key attestation.
type KeyAttestationDoc struct {
	AttestationDoc
	UserData *KeyAttestationUserData `json:"user_data"`
}

// Request is the envelope every request shares. The daemon dispatches on Type and then
// decodes the full message into the matching request struct.
type Request struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
}

// DepositRequest credits an account in the escrow book.
type DepositRequest struct {
	Request
	Asset   string `json:"asset"`
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

// BalanceRequest reads an escrow balance.
type BalanceRequest struct {
	Request
	Asset   string `json:"asset"`
	Account string `json:"account"`
}

// CreateLotRequest opens a lot sealed with the enclave key KeyID.
type CreateLotRequest struct {
	Request
	Seller     string     `json:"seller"`
	QuoteAsset core.Asset `json:"quote_asset"`
	BaseAsset  core.Asset `json:"base_asset"`
	// Start is optional; zero starts the lot immediately.
	Start           time.Time `json:"start,omitempty"`
	DurationSeconds int64     `json:"duration_seconds"`
	Capacity        string    `json:"capacity"`
	MinPrice        string    `json:"min_price"`
	MinFillPercent  string    `json:"min_fill_percent"`
	MinBidPercent   string    `json:"min_bid_percent"`
	KeyID           string    `json:"key_id"`
	Curator         string    `json:"curator,omitempty"`
	CuratorFee      string    `json:"curator_fee,omitempty"`
	// Veecode selects a registered module version; empty means the latest EMPA.
	Veecode string `json:"veecode,omitempty"`
}

// CancelLotRequest cancels a lot on behalf of its seller.
type CancelLotRequest struct {
	Request
	Caller string `json:"caller"`
	LotID  uint64 `json:"lot_id"`
}

// BidRequest submits a sealed bid.
type BidRequest struct {
	Request
	LotID              uint64                  `json:"lot_id"`
	Bidder             string                  `json:"bidder"`
	Referrer           string                  `json:"referrer,omitempty"`
	AmountIn           string                  `json:"amount_in"`
	EncryptedAmountOut core.EncryptedAmountOut `json:"encrypted_amount_out"`
}

// RefundBidRequest withdraws an undecrypted bid.
type RefundBidRequest struct {
	Request
	Caller string `json:"caller"`
	LotID  uint64 `json:"lot_id"`
	BidID  uint64 `json:"bid_id"`
}

// SubmitPrivateKeyRequest reveals the lot key. When PrivateKey is empty the daemon
// reveals the enclave key KeyID.
type SubmitPrivateKeyRequest struct {
	Request
	LotID        uint64 `json:"lot_id"`
	KeyID        string `json:"key_id,omitempty"`
	PrivateKey   string `json:"private_key,omitempty"`
	DecryptCount uint64 `json:"decrypt_count"`
}

// LotRequest addresses a single lot: decrypt_bids, settle, abort and get_lot.
type LotRequest struct {
	Request
	LotID uint64 `json:"lot_id"`
	// Count limits decrypt_bids; zero decrypts every remaining bid.
	Count uint64 `json:"count,omitempty"`
}

// ClaimBidsRequest claims bids of a settled lot.
type ClaimBidsRequest struct {
	Request
	LotID  uint64   `json:"lot_id"`
	BidIDs []uint64 `json:"bid_ids"`
}

// ClaimProceedsRequest claims the seller proceeds of a settled lot.
type ClaimProceedsRequest struct {
	Request
	Caller string `json:"caller"`
	LotID  uint64 `json:"lot_id"`
}

// ClaimRewardsRequest pays out accrued fee rewards.
type ClaimRewardsRequest struct {
	Request
	Recipient string `json:"recipient"`
	Asset     string `json:"asset"`
}

// DecryptStatus reports decryption progress of a lot.
type DecryptStatus struct {
	Decrypted    uint64             `json:"decrypted"`
	Remaining    uint64             `json:"remaining"`
	Complete     bool               `json:"complete"`
	ExcludedBids []core.ExcludedBid `json:"excluded_bids,omitempty"`
}

// SettlementView is the public settlement of a lot.
type SettlementView struct {
	Cleared          bool             `json:"cleared"`
	FailureReason    string           `json:"failure_reason,omitempty"`
	MarginalPrice    string           `json:"marginal_price"`
	MarginalBidID    uint64           `json:"marginal_bid_id"`
	TotalAmountIn    string           `json:"total_amount_in"`
	CapacityExpended string           `json:"capacity_expended"`
	NumWinningBids   uint64           `json:"num_winning_bids"`
	TotalPayout      string           `json:"total_payout"`
	PartialFill      *PartialFillData `json:"partial_fill,omitempty"`
	ProtocolFee      string           `json:"protocol_fee"`
	ReferrerFee      string           `json:"referrer_fee"`
	NetToSeller      string           `json:"net_to_seller"`
	// Attestation is the base64 COSE_Sign1 settlement attestation.
	Attestation AttestationCOSEBase64 `json:"attestation,omitempty"`
}

// ClaimView is the resolution of one bid.
type ClaimView struct {
	BidID  uint64 `json:"bid_id"`
	Bidder string `json:"bidder"`
	Won    bool   `json:"won"`
	Paid   string `json:"paid"`
	Payout string `json:"payout"`
	Refund string `json:"refund"`
}

// ProceedsView is what a seller and curator receive from a settled lot.
type ProceedsView struct {
	Purchased    string `json:"purchased"`
	NetPurchased string `json:"net_purchased"`
	Sold         string `json:"sold"`
	CuratorFee   string `json:"curator_fee"`
	UnsoldRefund string `json:"unsold_refund"`
}

// LotSummary is the public state of a lot.
type LotSummary struct {
	LotID      uint64     `json:"lot_id"`
	Veecode    string     `json:"veecode"`
	Seller     string     `json:"seller"`
	QuoteAsset core.Asset `json:"quote_asset"`
	BaseAsset  core.Asset `json:"base_asset"`
	Start      time.Time  `json:"start"`
	Conclusion time.Time  `json:"conclusion"`
	Capacity   string     `json:"capacity"`
	MinPrice   string     `json:"min_price"`
	MinBidSize string     `json:"min_bid_size"`
	Phase      core.Phase `json:"phase"`
	Status     string     `json:"status"`
	NumBids    int        `json:"num_bids"`
	// PublicKey is the PEM key bids must be sealed with.
	PublicKey  string          `json:"public_key"`
	Settlement *SettlementView `json:"settlement,omitempty"`
}

// KeyResponse represents the response from a key request to the TEE enclave
type KeyResponse struct {
	Type           string                `json:"type"`
	KeyID          string                `json:"key_id"`
	PublicKey      string                `json:"public_key"` // PEM format
	KeyAttestation AttestationCOSEBase64 `json:"key_attestation"`
}

// Response answers every request other than ping and key_request. Only the fields
// relevant to the request type are set.
type Response struct {
	Type           string `json:"type"`
	RequestID      string `json:"request_id,omitempty"`
	Success        bool   `json:"success"`
	Message        string `json:"message"`
	ProcessingTime int64  `json:"processing_time_ms"`

	LotID      uint64          `json:"lot_id,omitempty"`
	BidID      uint64          `json:"bid_id,omitempty"`
	Amount     string          `json:"amount,omitempty"`
	Decrypt    *DecryptStatus  `json:"decrypt,omitempty"`
	Settlement *SettlementView `json:"settlement,omitempty"`
	Claims     []ClaimView     `json:"claims,omitempty"`
	Proceeds   *ProceedsView   `json:"proceeds,omitempty"`
	Lot        *LotSummary     `json:"lot,omitempty"`
}
