package auction

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/cloudx-io/batchauction/core"
	"github.com/cloudx-io/batchauction/ledger"
)

// ClaimBids resolves bids of a settled lot against its marginal price and pays them
// out. The batch is all-or-nothing.
func (m *Module) ClaimBids(ctx context.Context, lotID uint64, bidIDs []uint64) ([]core.BidClaim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(bidIDs) == 0 {
		return nil, fmt.Errorf("%w: no bids to claim", core.ErrInvalidParams)
	}

	var claims []core.BidClaim
	err := m.update(ctx, lotID, func(lc *ledger.LotContext, fx *effects) error {
		if lc.Data.Status != core.LotStatusSettled {
			return fmt.Errorf("%w: lot %d is %s", core.ErrWrongState, lotID, lc.Data.Status)
		}
		claims = make([]core.BidClaim, 0, len(bidIDs))
		for _, bidID := range bidIDs {
			bid, err := lc.Bid(bidID)
			if err != nil {
				return err
			}
			claim, err := m.resolveClaim(lc, bid)
			if err != nil {
				return err
			}
			bid.Status = core.BidStatusClaimed
			lc.PutBid(bid)
			if err := m.payClaim(lc, fx, &claim); err != nil {
				return err
			}
			claims = append(claims, claim)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, c := range claims {
		outcome := OutcomeLost
		if c.Won {
			outcome = OutcomeWon
		}
		m.rec.BidClaimed(outcome)
		log.WithFields(log.Fields{
			"lot_id": lotID,
			"bid_id": c.BidID,
			"won":    c.Won,
			"payout": c.Payout.Dec(),
			"refund": c.Refund.Dec(),
		}).Info("bid claimed")
	}
	return claims, nil
}

// ClaimBid claims a single bid.
func (m *Module) ClaimBid(ctx context.Context, lotID, bidID uint64) (*core.BidClaim, error) {
	claims, err := m.ClaimBids(ctx, lotID, []uint64{bidID})
	if err != nil {
		return nil, err
	}
	return &claims[0], nil
}

// BidClaim previews the claim of a bid without changing state. The partially filled
// bid reports the allocation it was paid at settlement.
func (m *Module) BidClaim(ctx context.Context, lotID, bidID uint64) (*core.BidClaim, error) {
	var claim core.BidClaim
	err := m.ledger.ViewLot(ctx, lotID, func(lc *ledger.LotContext) error {
		if lc.Data.Status != core.LotStatusSettled {
			return fmt.Errorf("%w: lot %d is %s", core.ErrWrongState, lotID, lc.Data.Status)
		}
		bid, err := lc.Bid(bidID)
		if err != nil {
			return err
		}
		claim, err = core.ResolveBidClaim(bid, &lc.Data.Settlement, lc.Lot.BaseScale())
		return err
	})
	if err != nil {
		return nil, err
	}
	return &claim, nil
}

func (m *Module) resolveClaim(lc *ledger.LotContext, bid *core.Bid) (core.BidClaim, error) {
	switch bid.Status {
	case core.BidStatusDecrypted:
	case core.BidStatusSubmitted:
		// Only an aborted lot settles with bids left undecrypted.
		if !lc.Data.Aborted {
			return core.BidClaim{}, fmt.Errorf("%w: bid %d was never decrypted", core.ErrBrokenInvariant, bid.ID)
		}
	default:
		return core.BidClaim{}, fmt.Errorf("%w: bid %d is %s", core.ErrBidWrongState, bid.ID, bid.Status)
	}
	return core.ResolveBidClaim(bid, &lc.Data.Settlement, lc.Lot.BaseScale())
}

// ClaimProceeds pays the seller the net quote proceeds and unsold capacity of a
// settled lot, and the curator its fee. It can be called once, by the seller.
func (m *Module) ClaimProceeds(ctx context.Context, caller string, lotID uint64) (*core.Proceeds, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var proceeds core.Proceeds
	err := m.update(ctx, lotID, func(lc *ledger.LotContext, fx *effects) error {
		if lc.Lot.Seller != caller {
			return core.ErrNotPermitted
		}
		if lc.Data.Status != core.LotStatusSettled {
			return fmt.Errorf("%w: lot %d is %s", core.ErrWrongState, lotID, lc.Data.Status)
		}
		if lc.Data.ProceedsClaimed {
			return fmt.Errorf("%w: proceeds of lot %d already claimed", core.ErrWrongState, lotID)
		}

		var err error
		if proceeds, err = core.ResolveProceeds(&lc.Lot, &lc.Data); err != nil {
			return err
		}
		lc.Data.ProceedsClaimed = true

		fx.push(lc.Lot.QuoteAsset.ID, lc.Lot.Seller, proceeds.NetPurchased)
		fx.push(lc.Lot.BaseAsset.ID, lc.Lot.Seller, proceeds.UnsoldRefund)
		fx.push(lc.Lot.BaseAsset.ID, lc.Lot.Curator, proceeds.CuratorFee)
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.rec.ProceedsClaimed()
	log.WithFields(log.Fields{
		"lot_id":        lotID,
		"purchased":     proceeds.Purchased.Dec(),
		"sold":          proceeds.Sold.Dec(),
		"unsold_refund": proceeds.UnsoldRefund.Dec(),
	}).Info("proceeds claimed")
	return &proceeds, nil
}
