package core

import (
	"fmt"

	"github.com/holiman/uint256"
)

// ResolveBidClaim resolves a bid against a settlement record. It does not check the
// bid status; callers do.
//
// A bid wins when its price is above the marginal price, or equal to it and its id
// does not exceed the marginal bid id. Winners pay their full amount in and receive
// amountIn*baseScale/marginalPrice. The partial fill is returned as recorded.
func ResolveBidClaim(bid *Bid, rec *SettlementRecord, baseScale uint256.Int) (BidClaim, error) {
	claim := BidClaim{
		LotID:    bid.LotID,
		BidID:    bid.ID,
		Bidder:   bid.Bidder,
		Referrer: bid.Referrer,
	}

	if pf := rec.PartialFill; pf != nil && pf.BidID == bid.ID {
		paid, err := checkedSub(&bid.AmountIn, &pf.Refund)
		if err != nil {
			return claim, err
		}
		claim.Won = true
		claim.Paid = paid
		claim.Payout = pf.Payout
		claim.Refund = pf.Refund
		return claim, nil
	}

	if !rec.Cleared() || bid.AmountOut.IsZero() {
		claim.Refund = bid.AmountIn
		return claim, nil
	}

	price, err := BidPrice(&bid.AmountIn, &bid.AmountOut, &baseScale)
	if err != nil {
		return claim, err
	}
	switch c := price.Cmp(&rec.MarginalPrice); {
	case c > 0:
	case c == 0 && bid.ID <= rec.MarginalBidID:
	default:
		claim.Refund = bid.AmountIn
		return claim, nil
	}

	payout, err := MulDiv(&bid.AmountIn, &baseScale, &rec.MarginalPrice)
	if err != nil {
		return claim, err
	}
	claim.Won = true
	claim.Paid = bid.AmountIn
	claim.Payout = payout
	return claim, nil
}

// ResolveProceeds computes what the seller and curator are owed for a settled lot.
// Sold is what winners are paid, so capacity lost to payout rounding returns to the
// seller with the unsold remainder.
func ResolveProceeds(lot *Lot, data *AuctionData) (Proceeds, error) {
	rec := &data.Settlement
	p := Proceeds{Capacity: lot.Capacity}

	if !rec.Cleared() {
		refund, err := checkedAdd(&lot.Capacity, &lot.CuratorPrefund)
		if err != nil {
			return p, err
		}
		p.UnsoldRefund = refund
		return p, nil
	}

	purchased := rec.TotalAmountIn
	if pf := rec.PartialFill; pf != nil {
		var err error
		if purchased, err = checkedSub(&purchased, &pf.Refund); err != nil {
			return p, err
		}
	}
	p.Purchased = purchased
	p.NetPurchased = rec.Fees.NetToSeller
	p.Sold = rec.TotalPayout

	p.CuratorFee = minInt(ptr(lot.Fees.CuratorFee(&p.Sold)), &lot.CuratorPrefund)
	unsold, err := checkedSub(&lot.Capacity, &p.Sold)
	if err != nil {
		return p, err
	}
	unusedPrefund, err := checkedSub(&lot.CuratorPrefund, &p.CuratorFee)
	if err != nil {
		return p, err
	}
	if p.UnsoldRefund, err = checkedAdd(&unsold, &unusedPrefund); err != nil {
		return p, err
	}

	if p.NetPurchased.Gt(&p.Purchased) {
		return p, fmt.Errorf("%w: net proceeds %s exceed purchased %s", ErrBrokenInvariant, p.NetPurchased.Dec(), p.Purchased.Dec())
	}
	return p, nil
}

func ptr(v uint256.Int) *uint256.Int { return &v }
