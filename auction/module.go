// Package auction implements the encrypted marginal price auction: sealed bids are
// collected while a lot is live, decrypted with the lot key after it concludes and
// settled at a single uniform clearing price.
//
// Every mutating operation runs in one ledger transaction. Token movements and fee
// credits are collected while the lot is updated and applied last, so a failed
// transfer discards the whole operation. When the ledger then fails to commit, the
// applied effects are reverted.
package auction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/holiman/uint256"
	log "github.com/sirupsen/logrus"

	"github.com/cloudx-io/batchauction/core"
	"github.com/cloudx-io/batchauction/ledger"
)

// Config holds the protocol-wide limits of the module.
type Config struct {
	MinAuctionDuration time.Duration
	// MinBidPercentFloor is the lowest accepted MinBidPercent of a lot.
	MinBidPercentFloor uint32
	// SettlePeriod is how long after conclusion a lot can still be settled before
	// anyone may abort it.
	SettlePeriod time.Duration
}

// DefaultConfig returns the limits used when none are configured.
func DefaultConfig() Config {
	return Config{
		MinAuctionDuration: time.Hour,
		MinBidPercentFloor: 10,
		SettlePeriod:       24 * time.Hour,
	}
}

// Option customizes a Module.
type Option func(*Module)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(m *Module) { m.clock = c }
}

// WithRecorder reports lifecycle events to r.
func WithRecorder(r Recorder) Option {
	return func(m *Module) {
		if r != nil {
			m.rec = r
		}
	}
}

// Module is the batch auction module. Its operations are serialized.
type Module struct {
	mu sync.Mutex

	veecode Veecode
	cfg     Config
	ledger  ledger.Ledger
	escrow  Escrow
	oracle  Decrypter
	fees    FeeAccountant
	clock   Clock
	rec     Recorder
}

// NewModule returns the EMPA module identified by veecode.
func NewModule(veecode Veecode, cfg Config, l ledger.Ledger, esc Escrow, oracle Decrypter, fees FeeAccountant, opts ...Option) (*Module, error) {
	if err := veecode.Validate(); err != nil {
		return nil, err
	}
	if veecode.Keycode() != KeycodeEMPA {
		return nil, fmt.Errorf("%w: %s is not an %s veecode", ErrInvalidVeecode, veecode, KeycodeEMPA)
	}
	if cfg.MinBidPercentFloor > core.OneHundredPercent {
		return nil, fmt.Errorf("%w: min bid percent floor %d", core.ErrInvalidParams, cfg.MinBidPercentFloor)
	}

	m := &Module{
		veecode: veecode,
		cfg:     cfg,
		ledger:  l,
		escrow:  esc,
		oracle:  oracle,
		fees:    fees,
		clock:   systemClock{},
		rec:     nopRecorder{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

var _ AuctionModule = (*Module)(nil)

func (m *Module) Veecode() Veecode {
	return m.veecode
}

// CreateLotParams are the seller supplied parameters of a new lot.
type CreateLotParams struct {
	Seller     string
	QuoteAsset core.Asset
	BaseAsset  core.Asset

	// Start of zero means now.
	Start    time.Time
	Duration time.Duration

	Capacity       uint256.Int
	MinPrice       uint256.Int
	MinFillPercent uint32
	MinBidPercent  uint32

	// PublicKey is the PEM public key bids are sealed with.
	PublicKey []byte

	Curator    string
	CuratorFee uint32
}

// BidParams are the bidder supplied parameters of a bid.
type BidParams struct {
	LotID              uint64
	Bidder             string
	Referrer           string
	AmountIn           uint256.Int
	EncryptedAmountOut core.EncryptedAmountOut
}

// CreateLot validates p, escrows the capacity and curator prefund of the seller and
// stores the lot.
func (m *Module) CreateLot(ctx context.Context, p CreateLotParams) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	start := p.Start
	if start.IsZero() {
		start = now
	} else if start.Before(now) {
		return 0, core.ErrInvalidStart
	}
	if p.Duration < m.cfg.MinAuctionDuration {
		return 0, fmt.Errorf("%w: %s < %s", core.ErrInvalidDuration, p.Duration, m.cfg.MinAuctionDuration)
	}
	if err := validateCreateParams(&p); err != nil {
		return 0, err
	}

	schedule, err := m.fees.Schedule(p.CuratorFee)
	if err != nil {
		return 0, err
	}
	if schedule.Curator > 0 && p.Curator == "" {
		return 0, fmt.Errorf("%w: curator fee without curator", core.ErrInvalidParams)
	}

	baseScale := core.Scale(p.BaseAsset.Decimals)
	minFilled, err := core.DeriveMinFilled(&p.Capacity, p.MinFillPercent)
	if err != nil {
		return 0, err
	}
	minBidSize, err := core.DeriveMinBidSize(&p.Capacity, &p.MinPrice, p.MinBidPercent, m.cfg.MinBidPercentFloor, baseScale)
	if err != nil {
		return 0, err
	}
	prefund := schedule.CuratorFee(&p.Capacity)
	escrowed, err := core.Add(&p.Capacity, &prefund)
	if err != nil {
		return 0, err
	}

	var done *applied
	lotID, err := m.ledger.CreateLot(ctx, func(lc *ledger.LotContext) error {
		done = nil
		lc.Lot = core.Lot{
			ID:             lc.Lot.ID,
			Veecode:        string(m.veecode),
			Seller:         p.Seller,
			QuoteAsset:     p.QuoteAsset,
			BaseAsset:      p.BaseAsset,
			Start:          start,
			Conclusion:     start.Add(p.Duration),
			Capacity:       p.Capacity,
			Curator:        p.Curator,
			CuratorPrefund: prefund,
			Fees:           schedule,
		}
		lc.Data = core.AuctionData{
			Status:     core.LotStatusCreated,
			MinPrice:   p.MinPrice,
			MinFilled:  minFilled,
			MinBidSize: minBidSize,
			NextBidID:  1,
			Queue:      core.NewMaxPriorityQueue(baseScale),
			PublicKey:  append([]byte(nil), p.PublicKey...),
		}
		var fx effects
		fx.pull(p.BaseAsset.ID, p.Seller, escrowed)
		var err error
		done, err = m.apply(ctx, &fx)
		return err
	})
	if err != nil {
		m.rollback(ctx, done)
		return 0, err
	}

	m.rec.LotCreated()
	log.WithFields(log.Fields{
		"lot_id":     lotID,
		"seller":     p.Seller,
		"capacity":   core.FormatUnits(&p.Capacity, p.BaseAsset.Decimals),
		"conclusion": start.Add(p.Duration).Format(time.RFC3339),
	}).Info("lot created")
	return lotID, nil
}

func validateCreateParams(p *CreateLotParams) error {
	if p.Seller == "" {
		return fmt.Errorf("%w: missing seller", core.ErrInvalidParams)
	}
	if err := core.ValidateDecimals(p.QuoteAsset, p.BaseAsset); err != nil {
		return err
	}
	if p.QuoteAsset.ID == "" || p.BaseAsset.ID == "" || p.QuoteAsset.ID == p.BaseAsset.ID {
		return fmt.Errorf("%w: quote and base assets must be distinct", core.ErrInvalidParams)
	}
	if p.Capacity.IsZero() {
		return fmt.Errorf("%w: zero capacity", core.ErrInvalidParams)
	}
	if p.MinPrice.IsZero() {
		return fmt.Errorf("%w: zero minimum price", core.ErrInvalidParams)
	}
	if len(p.PublicKey) == 0 {
		return fmt.Errorf("%w: missing public key", core.ErrInvalidParams)
	}
	return nil
}

// Cancel closes a lot before it concludes and returns the escrowed capacity to the
// seller. Submitted bids remain refundable.
func (m *Module) Cancel(ctx context.Context, caller string, lotID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	err := m.update(ctx, lotID, func(lc *ledger.LotContext, fx *effects) error {
		if lc.Lot.Seller != caller {
			return core.ErrNotPermitted
		}
		if lc.Data.Status == core.LotStatusCancelled {
			return fmt.Errorf("%w: lot %d already cancelled", core.ErrWrongState, lotID)
		}
		if lc.Lot.HasConcluded(now) {
			return fmt.Errorf("%w: lot %d concluded", core.ErrMarketNotActive, lotID)
		}

		refund, err := core.Add(&lc.Lot.Capacity, &lc.Lot.CuratorPrefund)
		if err != nil {
			return err
		}
		lc.Lot.Conclusion = now
		lc.Lot.Capacity = uint256.Int{}
		lc.Lot.CuratorPrefund = uint256.Int{}
		lc.Data.Status = core.LotStatusCancelled
		lc.Data.Queue.Reset()

		fx.push(lc.Lot.BaseAsset.ID, lc.Lot.Seller, refund)
		return nil
	})
	if err != nil {
		return err
	}

	m.rec.LotCancelled()
	log.WithField("lot_id", lotID).Info("lot cancelled")
	return nil
}

// Bid escrows the amount in of a sealed bid on a live lot.
func (m *Module) Bid(ctx context.Context, p BidParams) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.Bidder == "" {
		return 0, fmt.Errorf("%w: missing bidder", core.ErrInvalidParams)
	}
	if p.EncryptedAmountOut.IsEmpty() {
		return 0, fmt.Errorf("%w: missing encrypted amount out", core.ErrInvalidParams)
	}
	if p.AmountIn.IsZero() {
		return 0, fmt.Errorf("%w: zero amount in", core.ErrInvalidParams)
	}

	now := m.clock.Now()
	var bidID uint64
	err := m.update(ctx, p.LotID, func(lc *ledger.LotContext, fx *effects) error {
		if lc.Data.Status != core.LotStatusCreated || !lc.Lot.IsLive(now) {
			return fmt.Errorf("%w: lot %d", core.ErrMarketNotActive, p.LotID)
		}
		if !core.BidMeetsMinimum(&p.AmountIn, &lc.Data.MinBidSize) {
			return fmt.Errorf("%w: %s < %s", core.ErrAmountLessThanMinimum, p.AmountIn.Dec(), lc.Data.MinBidSize.Dec())
		}

		bidID = lc.Data.NextBidID
		lc.Data.NextBidID++
		lc.Data.BidIDs = append(lc.Data.BidIDs, bidID)
		lc.PutBid(&core.Bid{
			LotID:              p.LotID,
			ID:                 bidID,
			Bidder:             p.Bidder,
			Referrer:           p.Referrer,
			Status:             core.BidStatusSubmitted,
			AmountIn:           p.AmountIn,
			EncryptedAmountOut: p.EncryptedAmountOut,
			SubmittedAt:        now,
		})

		fx.pull(lc.Lot.QuoteAsset.ID, p.Bidder, p.AmountIn)
		return nil
	})
	if err != nil {
		return 0, err
	}

	m.rec.BidSubmitted()
	log.WithFields(log.Fields{"lot_id": p.LotID, "bid_id": bidID, "bidder": p.Bidder}).Info("bid submitted")
	return bidID, nil
}

// RefundBid returns the amount in of a bid that has not been decrypted.
func (m *Module) RefundBid(ctx context.Context, caller string, lotID, bidID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.update(ctx, lotID, func(lc *ledger.LotContext, fx *effects) error {
		bid, err := lc.Bid(bidID)
		if err != nil {
			return err
		}
		if bid.Bidder != caller {
			return core.ErrNotPermitted
		}
		if bid.Status != core.BidStatusSubmitted {
			return fmt.Errorf("%w: bid %d is %s", core.ErrBidWrongState, bidID, bid.Status)
		}
		if s := lc.Data.Status; s == core.LotStatusSettled || s == core.LotStatusDecrypted {
			return fmt.Errorf("%w: lot %d is %s", core.ErrWrongState, lotID, s)
		}
		if err := removePendingBid(&lc.Data, bidID); err != nil {
			return err
		}

		bid.Status = core.BidStatusRefunded
		lc.PutBid(bid)
		fx.push(lc.Lot.QuoteAsset.ID, bid.Bidder, bid.AmountIn)
		return nil
	})
	if err != nil {
		return err
	}

	m.rec.BidRefunded()
	log.WithFields(log.Fields{"lot_id": lotID, "bid_id": bidID}).Info("bid refunded")
	return nil
}

// removePendingBid drops a bid id from the part of BidIDs not yet decrypted, keeping
// submission order.
func removePendingBid(data *core.AuctionData, bidID uint64) error {
	for i := data.NextDecrypt; i < uint64(len(data.BidIDs)); i++ {
		if data.BidIDs[i] == bidID {
			data.BidIDs = append(data.BidIDs[:i], data.BidIDs[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: submitted bid %d not pending decryption", core.ErrBrokenInvariant, bidID)
}

// update runs fn in a ledger transaction and applies the collected effects before
// the transaction commits.
func (m *Module) update(ctx context.Context, lotID uint64, fn func(lc *ledger.LotContext, fx *effects) error) error {
	var done *applied
	err := m.ledger.UpdateLot(ctx, lotID, func(lc *ledger.LotContext) error {
		done = nil
		var fx effects
		if err := fn(lc, &fx); err != nil {
			return err
		}
		var err error
		done, err = m.apply(ctx, &fx)
		return err
	})
	if err != nil {
		m.rollback(ctx, done)
		return err
	}
	return nil
}

// applied records the effects of an operation that reached the ledger commit.
type applied struct {
	undo    func() error
	credits []credit
}

// apply executes the transfers of fx, then books its credits. Nothing stays applied
// when it fails.
func (m *Module) apply(ctx context.Context, fx *effects) (*applied, error) {
	done := &applied{}
	if len(fx.transfers) > 0 {
		undo, err := m.escrow.Apply(ctx, fx.transfers)
		if err != nil {
			if errors.Is(err, core.ErrUnsupportedToken) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %w", core.ErrUnsupportedToken, err)
		}
		done.undo = undo
	}
	for _, c := range fx.credits {
		if err := m.fees.Credit(ctx, c.recipient, c.asset, c.amount); err != nil {
			m.rollback(ctx, done)
			return nil, fmt.Errorf("crediting %s to %s: %w", c.asset, c.recipient, err)
		}
		done.credits = append(done.credits, c)
	}
	return done, nil
}

// rollback reverses applied effects in reverse order. A failure here leaves escrow
// and the fee books out of step with the ledger and is logged as such.
func (m *Module) rollback(ctx context.Context, done *applied) {
	if done == nil {
		return
	}
	for i := len(done.credits) - 1; i >= 0; i-- {
		c := done.credits[i]
		if err := m.fees.Revoke(ctx, c.recipient, c.asset, c.amount); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"recipient": c.recipient,
				"asset":     c.asset,
				"amount":    c.amount.Dec(),
			}).Error("failed to revoke fee credit")
		}
	}
	if done.undo != nil {
		if err := done.undo(); err != nil {
			log.WithError(err).Error("failed to revert escrow transfers")
		}
	}
}

type credit struct {
	recipient string
	asset     string
	amount    uint256.Int
}

// effects are the external side effects of an operation.
type effects struct {
	transfers []core.Transfer
	credits   []credit
}

func (fx *effects) pull(asset, from string, amount uint256.Int) {
	if amount.IsZero() {
		return
	}
	fx.transfers = append(fx.transfers, core.Transfer{Kind: core.TransferPull, Asset: asset, Account: from, Amount: amount})
}

func (fx *effects) push(asset, to string, amount uint256.Int) {
	if amount.IsZero() {
		return
	}
	fx.transfers = append(fx.transfers, core.Transfer{Kind: core.TransferPush, Asset: asset, Account: to, Amount: amount})
}

func (fx *effects) credit(recipient, asset string, amount uint256.Int) {
	if amount.IsZero() {
		return
	}
	fx.credits = append(fx.credits, credit{recipient: recipient, asset: asset, amount: amount})
}
