package core

import (
	"time"

	"github.com/holiman/uint256"
)

// OneHundredPercent is the fixed-point scale for every percentage in the system (1% = 1_000).
const OneHundredPercent uint32 = 100_000

const (
	MinAssetDecimals uint8 = 6
	MaxAssetDecimals uint8 = 18
)

// LotStatus is the persisted status of a lot. Live and Concluded are derived from
// the clock and are reported through Phase.
type LotStatus uint8

const (
	LotStatusCreated LotStatus = iota
	LotStatusDecrypted
	LotStatusSettled
	LotStatusCancelled
)

func (s LotStatus) String() string {
	switch s {
	case LotStatusCreated:
		return "created"
	case LotStatusDecrypted:
		return "decrypted"
	case LotStatusSettled:
		return "settled"
	case LotStatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// BidStatus is the status of a single bid.
type BidStatus uint8

const (
	BidStatusSubmitted BidStatus = iota
	BidStatusDecrypted
	BidStatusClaimed
	BidStatusRefunded
)

func (s BidStatus) String() string {
	switch s {
	case BidStatusSubmitted:
		return "submitted"
	case BidStatusDecrypted:
		return "decrypted"
	case BidStatusClaimed:
		return "claimed"
	case BidStatusRefunded:
		return "refunded"
	default:
		return "unknown"
	}
}

// Phase is the externally visible lifecycle phase of a lot.
type Phase string

const (
	PhaseCreated   Phase = "created"
	PhaseLive      Phase = "live"
	PhaseConcluded Phase = "concluded"
	PhaseDecrypted Phase = "decrypted"
	PhaseSettled   Phase = "settled"
	PhaseClaimed   Phase = "claimed"
	PhaseCancelled Phase = "cancelled"
)

// Asset identifies a token and the number of decimals of its base unit.
type Asset struct {
	ID       string `json:"id"`
	Decimals uint8  `json:"decimals"`
}

// Lot is one auction of a fixed quantity of a payout (base) asset for a quote asset.
type Lot struct {
	ID         uint64
	Veecode    string
	Seller     string
	QuoteAsset Asset
	BaseAsset  Asset
	Start      time.Time
	Conclusion time.Time

	// Capacity is expressed in base asset units and is zeroed on cancellation.
	Capacity uint256.Int

	// CuratorPrefund is the payout reserved on top of Capacity for the curator fee.
	Curator        string
	CuratorPrefund uint256.Int

	Fees FeeSchedule
}

// HasStarted reports whether the bidding window has opened at now.
func (l *Lot) HasStarted(now time.Time) bool {
	return !now.Before(l.Start)
}

// HasConcluded reports whether the bidding window has closed at now.
func (l *Lot) HasConcluded(now time.Time) bool {
	return !now.Before(l.Conclusion)
}

// IsLive reports whether bids are accepted at now.
func (l *Lot) IsLive(now time.Time) bool {
	return l.HasStarted(now) && !l.HasConcluded(now) && !l.Capacity.IsZero()
}

// BaseScale returns 10^baseDecimals.
func (l *Lot) BaseScale() uint256.Int {
	return Scale(l.BaseAsset.Decimals)
}

// EncryptedAmountOut is the sealed amount-out of a bid: an AES-256-GCM payload whose
// key is RSA-OAEP encrypted with the lot public key. All fields are base64.
type EncryptedAmountOut struct {
	AESKeyEncrypted  string `json:"aes_key_encrypted"`
	EncryptedPayload string `json:"encrypted_payload"`
	Nonce            string `json:"nonce"`
	HashAlgorithm    string `json:"hash_algorithm,omitempty"`
}

// IsEmpty reports whether any required ciphertext component is missing.
func (e EncryptedAmountOut) IsEmpty() bool {
	return e.AESKeyEncrypted == "" || e.EncryptedPayload == "" || e.Nonce == ""
}

// Bid is a single sealed bid on a lot.
type Bid struct {
	LotID    uint64
	ID       uint64
	Bidder   string
	Referrer string
	Status   BidStatus

	// AmountIn is escrowed at submission and never changes.
	AmountIn uint256.Int

	// AmountOut is written once at decryption. Zero after decryption means the
	// ciphertext could not be resolved to a valid amount.
	AmountOut          uint256.Int
	EncryptedAmountOut EncryptedAmountOut

	SubmittedAt time.Time
}

// AuctionData is the per-lot bookkeeping of a batch auction.
type AuctionData struct {
	Status LotStatus

	MinPrice    uint256.Int
	MinFilled   uint256.Int
	MinBidSize  uint256.Int
	NextBidID   uint64
	NextDecrypt uint64

	// BidIDs lists submitted bids in submission order, excluding refunded ones.
	BidIDs []uint64

	Queue MaxPriorityQueue

	// PublicKey is the PEM public key committed at creation; PrivateKey is the
	// revealed key once submitted.
	PublicKey  []byte
	PrivateKey []byte

	Settlement SettlementRecord

	ReferrerPool    uint256.Int
	WinnersResolved uint64

	ProceedsClaimed bool
	Aborted         bool
}

// KeySubmitted reports whether the decryption key has been revealed.
func (d *AuctionData) KeySubmitted() bool {
	return len(d.PrivateKey) > 0
}

// RemainingToDecrypt returns the number of bids after the decrypt cursor.
func (d *AuctionData) RemainingToDecrypt() uint64 {
	return uint64(len(d.BidIDs)) - d.NextDecrypt
}

// SettlementRecord is the result of settling a lot, written exactly once.
type SettlementRecord struct {
	// MarginalPrice of zero means the lot did not clear and every bid is refundable.
	MarginalPrice    uint256.Int
	MarginalBidID    uint64
	TotalAmountIn    uint256.Int
	CapacityExpended uint256.Int
	NumWinningBids   uint64
	PartialFill      *PartialFill
	Fees             FeeAllocation
	SettledAt        time.Time

	// TotalPayout is the base amount owed to winners at the marginal price, the
	// partial fill included. It is at most the capacity; rounding dust stays unsold.
	TotalPayout uint256.Int
}

// Cleared reports whether the settlement produced a clearing price.
func (s *SettlementRecord) Cleared() bool {
	return !s.MarginalPrice.IsZero()
}

// PartialFill is the eagerly resolved allocation of the bid that overshot capacity.
type PartialFill struct {
	BidID  uint64
	Payout uint256.Int
	Refund uint256.Int
}

// BidClaim is the resolution of a single bid against the settlement.
type BidClaim struct {
	LotID    uint64
	BidID    uint64
	Bidder   string
	Referrer string
	Won      bool
	Paid     uint256.Int
	Payout   uint256.Int
	Refund   uint256.Int
}

// Proceeds is the seller-side result of a settled lot.
type Proceeds struct {
	Purchased uint256.Int
	Sold      uint256.Int
	Capacity  uint256.Int

	// NetPurchased is Purchased after protocol and referrer fees.
	NetPurchased uint256.Int
	CuratorFee   uint256.Int

	// UnsoldRefund is the payout returned to the seller, including unused curator prefund.
	UnsoldRefund uint256.Int
}

// TransferKind distinguishes escrow deposits from escrow withdrawals.
type TransferKind uint8

const (
	TransferPull TransferKind = iota
	TransferPush
)

// Transfer is a single escrow movement executed by the transfer collaborator.
type Transfer struct {
	Kind    TransferKind
	Asset   string
	Account string
	Amount  uint256.Int
}

// ExcludedBid is a bid that was not inserted into the queue at decryption.
type ExcludedBid struct {
	BidID  uint64 `json:"bid_id"`
	Reason string `json:"reason"`
}

// Clone returns a deep copy so a failed operation can be discarded.
func (d AuctionData) Clone() AuctionData {
	c := d
	c.BidIDs = append([]uint64(nil), d.BidIDs...)
	c.Queue.Entries = append([]QueueEntry(nil), d.Queue.Entries...)
	c.PublicKey = append([]byte(nil), d.PublicKey...)
	c.PrivateKey = append([]byte(nil), d.PrivateKey...)
	if d.Settlement.PartialFill != nil {
		pf := *d.Settlement.PartialFill
		c.Settlement.PartialFill = &pf
	}
	return c
}
