package auction

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"
	log "github.com/sirupsen/logrus"

	"github.com/cloudx-io/batchauction/core"
	"github.com/cloudx-io/batchauction/ledger"
)

// SettleResult is the outcome of settling a lot.
type SettleResult struct {
	LotID  uint64
	Record core.SettlementRecord
	// Winners lists winning bid ids highest price first.
	Winners []uint64
	// FailureReason is set when the lot did not clear and every bid is refundable.
	FailureReason string
}

// Cleared reports whether the lot cleared at a marginal price.
func (r *SettleResult) Cleared() bool {
	return r.Record.Cleared()
}

// Settle computes the marginal price of a decrypted lot. The lot becomes Settled
// whether or not it cleared. When it cleared, quote proceeds are split by the fee
// accountant and the partially filled bid, if any, is paid out immediately.
func (m *Module) Settle(ctx context.Context, lotID uint64) (*SettleResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	var out *SettleResult
	err := m.update(ctx, lotID, func(lc *ledger.LotContext, fx *effects) error {
		if lc.Data.Status != core.LotStatusDecrypted {
			return fmt.Errorf("%w: lot %d is %s", core.ErrWrongState, lotID, lc.Data.Status)
		}

		res, err := core.RunSettlement(&lc.Data.Queue, core.SettlementParams{
			Capacity:  lc.Lot.Capacity,
			MinPrice:  lc.Data.MinPrice,
			MinFilled: lc.Data.MinFilled,
			BaseScale: lc.Lot.BaseScale(),
		})
		if err != nil {
			return fmt.Errorf("settling lot %d: %w", lotID, err)
		}

		lc.Data.Status = core.LotStatusSettled
		lc.Data.Settlement = res.Record
		lc.Data.Settlement.SettledAt = now
		out = &SettleResult{LotID: lotID, Winners: res.Winners, FailureReason: res.FailureReason}

		if lc.Data.Settlement.Cleared() {
			if err := m.allocateFees(lc, fx); err != nil {
				return err
			}
			if err := m.settlePartialFill(lc, fx); err != nil {
				return err
			}
		}
		out.Record = lc.Data.Settlement
		return nil
	})
	if err != nil {
		return nil, err
	}

	fields := log.Fields{"lot_id": lotID}
	if out.Cleared() {
		m.rec.LotSettled(OutcomeCleared)
		if out.Record.PartialFill != nil {
			m.rec.BidClaimed(OutcomePartial)
		}
		fields["marginal_price"] = out.Record.MarginalPrice.Dec()
		fields["winners"] = out.Record.NumWinningBids
		fields["capacity_expended"] = out.Record.CapacityExpended.Dec()
		fields["total_payout"] = out.Record.TotalPayout.Dec()
		log.WithFields(fields).Info("lot settled")
	} else {
		m.rec.LotSettled(OutcomeFailed)
		log.WithFields(fields).Infof("lot settled without clearing: %s", out.FailureReason)
	}
	return out, nil
}

// allocateFees books the protocol share of the quote proceeds and reserves the
// referrer pool. The refund of the partially filled bid is not part of the proceeds.
func (m *Module) allocateFees(lc *ledger.LotContext, fx *effects) error {
	rec := &lc.Data.Settlement
	gross := rec.TotalAmountIn
	if pf := rec.PartialFill; pf != nil {
		var err error
		if gross, err = core.Sub(&gross, &pf.Refund); err != nil {
			return err
		}
	}

	alloc, err := m.fees.Allocate(&lc.Lot, &gross)
	if err != nil {
		return err
	}
	rec.Fees = alloc
	lc.Data.ReferrerPool = alloc.Referrer
	fx.credit(m.fees.ProtocolRecipient(), lc.Lot.QuoteAsset.ID, alloc.Protocol)
	return nil
}

func (m *Module) settlePartialFill(lc *ledger.LotContext, fx *effects) error {
	pf := lc.Data.Settlement.PartialFill
	if pf == nil {
		return nil
	}
	bid, err := lc.Bid(pf.BidID)
	if err != nil {
		return err
	}
	if bid.Status != core.BidStatusDecrypted {
		return fmt.Errorf("%w: partial fill bid %d is %s", core.ErrBrokenInvariant, bid.ID, bid.Status)
	}
	claim, err := core.ResolveBidClaim(bid, &lc.Data.Settlement, lc.Lot.BaseScale())
	if err != nil {
		return err
	}

	bid.Status = core.BidStatusClaimed
	lc.PutBid(bid)
	return m.payClaim(lc, fx, &claim)
}

// payClaim queues the transfers of a resolved bid and credits the referrer of a
// winning bid.
func (m *Module) payClaim(lc *ledger.LotContext, fx *effects, claim *core.BidClaim) error {
	fx.push(lc.Lot.BaseAsset.ID, claim.Bidder, claim.Payout)
	fx.push(lc.Lot.QuoteAsset.ID, claim.Bidder, claim.Refund)
	if !claim.Won {
		return nil
	}

	data := &lc.Data
	fee := lc.Lot.Fees.ReferrerFee(&claim.Paid)
	if fee.Gt(&data.ReferrerPool) {
		fee = data.ReferrerPool
	}
	remaining, err := core.Sub(&data.ReferrerPool, &fee)
	if err != nil {
		return err
	}
	data.ReferrerPool = remaining
	referrer := claim.Referrer
	if referrer == "" {
		referrer = m.fees.ProtocolRecipient()
	}
	fx.credit(referrer, lc.Lot.QuoteAsset.ID, fee)

	data.WinnersResolved++
	if data.WinnersResolved > data.Settlement.NumWinningBids {
		return fmt.Errorf("%w: %d winners resolved of %d", core.ErrBrokenInvariant, data.WinnersResolved, data.Settlement.NumWinningBids)
	}
	if data.WinnersResolved == data.Settlement.NumWinningBids {
		// Rounding dust of the referrer pool.
		fx.credit(m.fees.ProtocolRecipient(), lc.Lot.QuoteAsset.ID, data.ReferrerPool)
		data.ReferrerPool = uint256.Int{}
	}
	return nil
}

// Abort settles a lot without a clearing price once the settle period after its
// conclusion has passed without settlement. Every bid becomes refundable and the
// seller can reclaim the full capacity.
func (m *Module) Abort(ctx context.Context, lotID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	err := m.update(ctx, lotID, func(lc *ledger.LotContext, _ *effects) error {
		switch lc.Data.Status {
		case core.LotStatusCreated, core.LotStatusDecrypted:
		default:
			return fmt.Errorf("%w: lot %d is %s", core.ErrWrongState, lotID, lc.Data.Status)
		}
		if deadline := lc.Lot.Conclusion.Add(m.cfg.SettlePeriod); now.Before(deadline) {
			return fmt.Errorf("%w: lot %d can be aborted after %s", core.ErrMarketActive, lotID, deadline)
		}

		lc.Data.Status = core.LotStatusSettled
		lc.Data.Aborted = true
		lc.Data.Settlement = core.SettlementRecord{SettledAt: now}
		lc.Data.Queue.Reset()
		return nil
	})
	if err != nil {
		return err
	}

	m.rec.LotSettled(OutcomeAborted)
	log.WithField("lot_id", lotID).Info("lot aborted")
	return nil
}
