package auction

import (
	"errors"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"

	"github.com/cloudx-io/batchauction/core"
	"github.com/cloudx-io/batchauction/ledger/inmemory"
)

func TestCreateLot_Validation(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(p *CreateLotParams)
		wantErr error
	}{
		{"start in the past", func(p *CreateLotParams) { p.Start = t0.Add(-time.Second) }, core.ErrInvalidStart},
		{"duration below minimum", func(p *CreateLotParams) { p.Duration = 59 * time.Minute }, core.ErrInvalidDuration},
		{"min fill above 100%", func(p *CreateLotParams) { p.MinFillPercent = 100_001 }, core.ErrInvalidParams},
		{"min bid percent below floor", func(p *CreateLotParams) { p.MinBidPercent = 9 }, core.ErrInvalidParams},
		{"min bid percent above 100%", func(p *CreateLotParams) { p.MinBidPercent = 100_001 }, core.ErrInvalidParams},
		{"quote decimals too low", func(p *CreateLotParams) { p.QuoteAsset.Decimals = 5 }, core.ErrInvalidParams},
		{"base decimals too high", func(p *CreateLotParams) { p.BaseAsset.Decimals = 19 }, core.ErrInvalidParams},
		{"zero capacity", func(p *CreateLotParams) { p.Capacity = uint256.Int{} }, core.ErrInvalidParams},
		{"zero min price", func(p *CreateLotParams) { p.MinPrice = uint256.Int{} }, core.ErrInvalidParams},
		{"missing public key", func(p *CreateLotParams) { p.PublicKey = nil }, core.ErrInvalidParams},
		{"curator fee above maximum", func(p *CreateLotParams) { p.CuratorFee = 5_001 }, core.ErrInvalidParams},
		{"curator fee without curator", func(p *CreateLotParams) { p.Curator = "" }, core.ErrInvalidParams},
		{"seller cannot fund capacity", func(p *CreateLotParams) { p.Seller = "broke" }, core.ErrUnsupportedToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			p := h.lotParams()
			tt.modify(&p)
			_, err := h.module.CreateLot(h.ctx, p)
			check.True(t, errors.Is(err, tt.wantErr))

			// A failed creation does not consume a lot id.
			check.Equal(t, uint64(1), h.createLot(nil))
		})
	}
}

func TestCreateLot(t *testing.T) {
	h := newHarness(t)
	start := t0.Add(time.Minute)
	id := h.createLot(func(p *CreateLotParams) { p.Start = start })
	check.Equal(t, uint64(1), id)

	view, err := h.module.GetLot(h.ctx, id)
	assert.NoError(t, err)
	check.Equal(t, "01EMPA", view.Lot.Veecode)
	check.True(t, view.Lot.Start.Equal(start))
	check.True(t, view.Lot.Conclusion.Equal(start.Add(time.Hour)))
	check.Equal(t, units(t, "1"), view.Data.MinFilled)
	check.Equal(t, units(t, "0.1"), view.Data.MinBidSize)
	check.Equal(t, units(t, "0.1"), view.Lot.CuratorPrefund)
	check.Equal(t, uint64(1), view.Data.NextBidID)
	check.Equal(t, core.PhaseCreated, view.Phase)

	// Capacity and curator prefund are escrowed.
	check.Equal(t, units(t, "989.9"), h.balance(baseAsset, seller))
	check.Equal(t, units(t, "10.1"), h.balance(baseAsset, h.vault.Custody()))
	check.Equal(t, 1, h.rec.count("lot_created"))

	// A zero start means now.
	second := h.createLot(nil)
	view, err = h.module.GetLot(h.ctx, second)
	assert.NoError(t, err)
	check.True(t, view.Lot.Start.Equal(t0))
}

func TestBid(t *testing.T) {
	h := newHarness(t)
	lotID := h.createLot(func(p *CreateLotParams) { p.Start = t0.Add(time.Minute) })

	bid := func(amountIn string, ct core.EncryptedAmountOut) error {
		h.fund(quoteAsset, "alice", amountIn)
		_, err := h.module.Bid(h.ctx, BidParams{LotID: lotID, Bidder: "alice", AmountIn: units(t, amountIn), EncryptedAmountOut: ct})
		return err
	}

	// Not started.
	check.True(t, errors.Is(bid("1", sealed("1")), core.ErrMarketNotActive))

	h.clock.advance(time.Minute)
	check.True(t, errors.Is(bid("0.09", sealed("1")), core.ErrAmountLessThanMinimum))
	check.True(t, errors.Is(bid("1", core.EncryptedAmountOut{}), core.ErrInvalidParams))

	first := h.bid(lotID, "alice", "", "1", "0.5")
	second := h.bid(lotID, "bob", "ref", "2", "1")
	check.Equal(t, uint64(1), first)
	check.Equal(t, uint64(2), second)

	b, err := h.module.GetBid(h.ctx, lotID, second)
	assert.NoError(t, err)
	check.Equal(t, "bob", b.Bidder)
	check.Equal(t, "ref", b.Referrer)
	check.Equal(t, core.BidStatusSubmitted, b.Status)
	check.Equal(t, units(t, "2"), b.AmountIn)
	check.True(t, b.AmountOut.IsZero())

	view, err := h.module.GetLot(h.ctx, lotID)
	assert.NoError(t, err)
	check.Equal(t, []uint64{1, 2}, view.Data.BidIDs)
	check.Equal(t, core.PhaseLive, view.Phase)
	check.Equal(t, units(t, "3"), h.balance(quoteAsset, h.vault.Custody()))

	// Concluded.
	h.clock.advance(time.Hour)
	check.True(t, errors.Is(bid("1", sealed("1")), core.ErrMarketNotActive))
	check.Equal(t, 2, h.rec.count("bid_submitted"))
}

func TestCancel(t *testing.T) {
	h := newHarness(t)
	lotID := h.createLot(nil)
	bidID := h.bid(lotID, "alice", "", "1", "0.5")

	check.True(t, errors.Is(h.module.Cancel(h.ctx, "alice", lotID), core.ErrNotPermitted))

	h.clock.advance(10 * time.Minute)
	assert.NoError(t, h.module.Cancel(h.ctx, seller, lotID))
	check.Equal(t, units(t, "1000"), h.balance(baseAsset, seller))

	view, err := h.module.GetLot(h.ctx, lotID)
	assert.NoError(t, err)
	check.Equal(t, core.PhaseCancelled, view.Phase)
	check.True(t, view.Lot.Capacity.IsZero())
	check.True(t, view.Lot.Conclusion.Equal(h.clock.now))

	check.True(t, errors.Is(h.module.Cancel(h.ctx, seller, lotID), core.ErrWrongState))
	_, err = h.module.Bid(h.ctx, BidParams{LotID: lotID, Bidder: "bob", AmountIn: units(t, "1"), EncryptedAmountOut: sealed("1")})
	check.True(t, errors.Is(err, core.ErrMarketNotActive))
	_, err = h.module.SubmitPrivateKey(h.ctx, lotID, []byte(privateKey), 0)
	check.True(t, errors.Is(err, core.ErrWrongState))

	// Bids on a cancelled lot stay refundable.
	assert.NoError(t, h.module.RefundBid(h.ctx, "alice", lotID, bidID))
	check.Equal(t, units(t, "1"), h.balance(quoteAsset, "alice"))

	// A concluded lot cannot be cancelled.
	other := h.createLot(nil)
	h.clock.advance(time.Hour)
	check.True(t, errors.Is(h.module.Cancel(h.ctx, seller, other), core.ErrMarketNotActive))
}

func TestRefundBid(t *testing.T) {
	h := newHarness(t)
	lotID := h.createLot(nil)
	b1 := h.bid(lotID, "alice", "", "1", "0.5")
	b2 := h.bid(lotID, "bob", "", "1", "0.5")
	b3 := h.bid(lotID, "carol", "", "1", "0.5")

	check.True(t, errors.Is(h.module.RefundBid(h.ctx, "bob", lotID, b1), core.ErrNotPermitted))
	check.True(t, errors.Is(h.module.RefundBid(h.ctx, "bob", lotID, 99), core.ErrInvalidBidID))

	assert.NoError(t, h.module.RefundBid(h.ctx, "bob", lotID, b2))
	check.Equal(t, units(t, "1"), h.balance(quoteAsset, "bob"))
	check.True(t, errors.Is(h.module.RefundBid(h.ctx, "bob", lotID, b2), core.ErrBidWrongState))

	view, err := h.module.GetLot(h.ctx, lotID)
	assert.NoError(t, err)
	check.Equal(t, []uint64{b1, b3}, view.Data.BidIDs)

	// After conclusion, only bids behind the decrypt cursor can still be refunded.
	h.clock.advance(time.Hour)
	res, err := h.module.SubmitPrivateKey(h.ctx, lotID, []byte(privateKey), 1)
	assert.NoError(t, err)
	check.Equal(t, uint64(1), res.Decrypted)
	check.Equal(t, uint64(1), res.Remaining)

	check.True(t, errors.Is(h.module.RefundBid(h.ctx, "alice", lotID, b1), core.ErrBidWrongState))
	assert.NoError(t, h.module.RefundBid(h.ctx, "carol", lotID, b3))

	view, err = h.module.GetLot(h.ctx, lotID)
	assert.NoError(t, err)
	check.Equal(t, []uint64{b1}, view.Data.BidIDs)
	check.Equal(t, 2, h.rec.count("bid_refunded"))
}

func TestSubmitPrivateKey(t *testing.T) {
	h := newHarness(t)
	lotID := h.createLot(nil)
	h.bid(lotID, "alice", "", "1", "0.5")

	_, err := h.module.SubmitPrivateKey(h.ctx, lotID, []byte(privateKey), 0)
	check.True(t, errors.Is(err, core.ErrMarketActive))

	h.clock.advance(time.Hour)
	_, err = h.module.SubmitPrivateKey(h.ctx, lotID, []byte("priv:other"), 0)
	check.True(t, errors.Is(err, core.ErrInvalidDecrypt))

	_, err = h.module.DecryptAndSortBids(h.ctx, lotID, 0)
	check.True(t, errors.Is(err, core.ErrWrongState))

	res, err := h.module.SubmitPrivateKey(h.ctx, lotID, []byte(privateKey), 0)
	assert.NoError(t, err)
	check.Equal(t, uint64(0), res.Decrypted)
	check.False(t, res.Complete)
	phase, err := h.module.Phase(h.ctx, lotID)
	assert.NoError(t, err)
	check.Equal(t, core.PhaseConcluded, phase)

	_, err = h.module.SubmitPrivateKey(h.ctx, lotID, []byte(privateKey), 0)
	check.True(t, errors.Is(err, core.ErrWrongState))

	// A lot without bids is decrypted as soon as the key is known.
	empty := h.createLot(nil)
	h.clock.advance(time.Hour)
	res, err = h.module.SubmitPrivateKey(h.ctx, empty, []byte(privateKey), 0)
	assert.NoError(t, err)
	check.True(t, res.Complete)
	phase, err = h.module.Phase(h.ctx, empty)
	assert.NoError(t, err)
	check.Equal(t, core.PhaseDecrypted, phase)
}

func TestDecryptAndSortBids_Chunked(t *testing.T) {
	h := newHarness(t)
	lotID := h.createLot(nil)
	h.bid(lotID, "alice", "", "2", "1")
	bad := h.bid(lotID, "bob", "", "2", "1")
	h.bid(lotID, "carol", "", "3", "1")
	h.bid(lotID, "dave", "", "1", "1")

	// Corrupt the ciphertext of bob's bid before decryption.
	assert.NoError(t, h.module.RefundBid(h.ctx, "bob", lotID, bad))
	h.fund(quoteAsset, "bob", "2")
	bad, err := h.module.Bid(h.ctx, BidParams{LotID: lotID, Bidder: "bob", AmountIn: units(t, "2"), EncryptedAmountOut: sealed("garbage")})
	assert.NoError(t, err)

	h.clock.advance(time.Hour)
	_, err = h.module.SubmitPrivateKey(h.ctx, lotID, []byte(privateKey), 0)
	assert.NoError(t, err)

	pending, err := h.module.NextBidsToDecrypt(h.ctx, lotID, 2)
	assert.NoError(t, err)
	assert.Equal(t, 2, len(pending))
	check.Equal(t, uint64(1), pending[0].BidID)
	check.Equal(t, uint64(3), pending[1].BidID)

	res, err := h.module.DecryptAndSortBids(h.ctx, lotID, 2)
	assert.NoError(t, err)
	check.Equal(t, uint64(2), res.Decrypted)
	check.Equal(t, uint64(2), res.Remaining)
	check.False(t, res.Complete)

	_, err = h.module.Settle(h.ctx, lotID)
	check.True(t, errors.Is(err, core.ErrWrongState))

	pending, err = h.module.NextBidsToDecrypt(h.ctx, lotID, 0)
	assert.NoError(t, err)
	assert.Equal(t, 2, len(pending))
	check.Equal(t, uint64(4), pending[0].BidID)
	check.Equal(t, bad, pending[1].BidID)

	res, err = h.module.DecryptAndSortBids(h.ctx, lotID, 10)
	assert.NoError(t, err)
	check.Equal(t, uint64(2), res.Decrypted)
	check.True(t, res.Complete)
	assert.Equal(t, 1, len(res.Excluded))
	check.Equal(t, bad, res.Excluded[0].BidID)

	b, err := h.module.GetBid(h.ctx, lotID, bad)
	assert.NoError(t, err)
	check.Equal(t, core.BidStatusDecrypted, b.Status)
	check.True(t, b.AmountOut.IsZero())

	view, err := h.module.GetLot(h.ctx, lotID)
	assert.NoError(t, err)
	check.Equal(t, core.PhaseDecrypted, view.Phase)
	check.Equal(t, uint64(3), view.Data.Queue.NumBids())
	check.Equal(t, uint64(3), view.Data.Queue.GetMaxID())
	check.Equal(t, 3, h.rec.count("decrypted_ok"))
	check.Equal(t, 1, h.rec.count("decrypted_invalid"))

	_, err = h.module.DecryptAndSortBids(h.ctx, lotID, 0)
	check.True(t, errors.Is(err, core.ErrWrongState))
}

// Two winners exhaust capacity exactly at 2 USDC/WETH; the partial fill is paid at
// settlement.
func TestLifecycle_ExactSettle(t *testing.T) {
	h := newHarness(t)
	lotID := h.createLot(nil)
	alice := h.bid(lotID, "alice", "ref1", "19", "9")
	bob := h.bid(lotID, "bob", "ref2", "4", "2")
	loser := h.bid(lotID, "carol", "", "1", "1")
	h.conclude(lotID)

	res, err := h.module.Settle(h.ctx, lotID)
	assert.NoError(t, err)
	assert.True(t, res.Cleared())
	check.Equal(t, units(t, "2"), res.Record.MarginalPrice)
	check.Equal(t, bob, res.Record.MarginalBidID)
	check.Equal(t, []uint64{alice, bob}, res.Winners)
	check.Equal(t, uint64(2), res.Record.NumWinningBids)
	check.Equal(t, units(t, "23"), res.Record.TotalAmountIn)
	check.Equal(t, units(t, "11.5"), res.Record.CapacityExpended)
	assert.NotNil(t, res.Record.PartialFill)
	check.Equal(t, bob, res.Record.PartialFill.BidID)
	check.Equal(t, units(t, "0.5"), res.Record.PartialFill.Payout)
	check.Equal(t, units(t, "3"), res.Record.PartialFill.Refund)
	check.Equal(t, units(t, "0.2"), res.Record.Fees.Protocol)
	check.Equal(t, units(t, "0.1"), res.Record.Fees.Referrer)
	check.Equal(t, units(t, "19.7"), res.Record.Fees.NetToSeller)

	// The partial fill was paid at settlement.
	check.Equal(t, units(t, "0.5"), h.balance(baseAsset, "bob"))
	check.Equal(t, units(t, "3"), h.balance(quoteAsset, "bob"))
	_, err = h.module.ClaimBids(h.ctx, lotID, []uint64{bob})
	check.True(t, errors.Is(err, core.ErrBidWrongState))

	_, err = h.module.Settle(h.ctx, lotID)
	check.True(t, errors.Is(err, core.ErrWrongState))

	preview, err := h.module.BidClaim(h.ctx, lotID, alice)
	assert.NoError(t, err)
	check.True(t, preview.Won)

	claims, err := h.module.ClaimBids(h.ctx, lotID, []uint64{alice, loser})
	assert.NoError(t, err)
	assert.Equal(t, 2, len(claims))
	check.Equal(t, *preview, claims[0])
	check.Equal(t, units(t, "19"), claims[0].Paid)
	check.Equal(t, units(t, "9.5"), claims[0].Payout)
	check.True(t, claims[0].Refund.IsZero())
	check.False(t, claims[1].Won)
	check.Equal(t, units(t, "1"), claims[1].Refund)
	check.Equal(t, units(t, "9.5"), h.balance(baseAsset, "alice"))
	check.Equal(t, units(t, "1"), h.balance(quoteAsset, "carol"))

	_, err = h.module.ClaimBids(h.ctx, lotID, []uint64{alice})
	check.True(t, errors.Is(err, core.ErrBidWrongState))

	_, err = h.module.ClaimProceeds(h.ctx, "alice", lotID)
	check.True(t, errors.Is(err, core.ErrNotPermitted))
	proceeds, err := h.module.ClaimProceeds(h.ctx, seller, lotID)
	assert.NoError(t, err)
	check.Equal(t, units(t, "20"), proceeds.Purchased)
	check.Equal(t, units(t, "10"), proceeds.Sold)
	check.Equal(t, units(t, "10"), proceeds.Capacity)
	check.Equal(t, units(t, "19.7"), proceeds.NetPurchased)
	check.Equal(t, units(t, "0.1"), proceeds.CuratorFee)
	check.True(t, proceeds.UnsoldRefund.IsZero())
	_, err = h.module.ClaimProceeds(h.ctx, seller, lotID)
	check.True(t, errors.Is(err, core.ErrWrongState))

	// Fees: protocol share plus per-winner referrer fees drawn from the pool.
	check.Equal(t, units(t, "0.2"), h.fees.Rewards(protocol, quoteAsset))
	check.Equal(t, units(t, "0.095"), h.fees.Rewards("ref1", quoteAsset))
	check.Equal(t, units(t, "0.005"), h.fees.Rewards("ref2", quoteAsset))

	// Everything escrowed is accounted for.
	check.Equal(t, units(t, "19.7"), h.balance(quoteAsset, seller))
	check.Equal(t, units(t, "989.9"), h.balance(baseAsset, seller))
	check.Equal(t, units(t, "0.1"), h.balance(baseAsset, curator))
	check.Equal(t, uint256.Int{}, h.balance(baseAsset, h.vault.Custody()))
	check.Equal(t, units(t, "0.3"), h.balance(quoteAsset, h.vault.Custody()))

	for _, recipient := range []string{protocol, "ref1", "ref2"} {
		_, err := h.fees.ClaimRewards(h.ctx, recipient, quoteAsset)
		assert.NoError(t, err)
	}
	check.Equal(t, uint256.Int{}, h.balance(quoteAsset, h.vault.Custody()))

	phase, err := h.module.Phase(h.ctx, lotID)
	assert.NoError(t, err)
	check.Equal(t, core.PhaseClaimed, phase)
	check.Equal(t, 1, h.rec.count("settled_cleared"))
	check.Equal(t, 1, h.rec.count("claimed_partial"))
	check.Equal(t, 1, h.rec.count("claimed_won"))
	check.Equal(t, 1, h.rec.count("claimed_lost"))
}

// Under-subscribed lot that misses its minimum fill: nothing clears.
func TestLifecycle_MinFillNotMet(t *testing.T) {
	h := newHarness(t)
	lotID := h.createLot(func(p *CreateLotParams) { p.MinFillPercent = 90_000 })
	var bids []uint64
	for _, bidder := range []string{"a", "b", "c", "d"} {
		bids = append(bids, h.bid(lotID, bidder, "", "2", "2"))
	}
	h.conclude(lotID)

	res, err := h.module.Settle(h.ctx, lotID)
	assert.NoError(t, err)
	check.False(t, res.Cleared())
	check.NotEqual(t, "", res.FailureReason)
	check.Equal(t, core.SettlementRecord{SettledAt: h.clock.now}, res.Record)

	claims, err := h.module.ClaimBids(h.ctx, lotID, bids)
	assert.NoError(t, err)
	for i, c := range claims {
		check.False(t, c.Won)
		check.Equal(t, units(t, "2"), c.Refund)
		check.True(t, c.Payout.IsZero())
		check.Equal(t, units(t, "2"), h.balance(quoteAsset, []string{"a", "b", "c", "d"}[i]))
	}

	proceeds, err := h.module.ClaimProceeds(h.ctx, seller, lotID)
	assert.NoError(t, err)
	check.True(t, proceeds.Purchased.IsZero())
	check.Equal(t, units(t, "10.1"), proceeds.UnsoldRefund)
	check.Equal(t, units(t, "1000"), h.balance(baseAsset, seller))
	check.Equal(t, uint256.Int{}, h.fees.Rewards(protocol, quoteAsset))
	check.Equal(t, 1, h.rec.count("settled_failed"))
}

// A bid below the minimum price never clears.
func TestLifecycle_BelowMinPrice(t *testing.T) {
	h := newHarness(t)
	lotID := h.createLot(func(p *CreateLotParams) { p.MinPrice = units(t, "3") })
	id := h.bid(lotID, "alice", "", "4", "2")
	h.conclude(lotID)

	res, err := h.module.Settle(h.ctx, lotID)
	assert.NoError(t, err)
	check.False(t, res.Cleared())

	claim, err := h.module.ClaimBid(h.ctx, lotID, id)
	assert.NoError(t, err)
	check.False(t, claim.Won)
	check.Equal(t, units(t, "4"), claim.Refund)
}

// Bids at exactly the marginal price are split by bid id.
func TestLifecycle_EqualityBoundary(t *testing.T) {
	h := newHarness(t)
	lotID := h.createLot(nil)
	first := h.bid(lotID, "alice", "", "10", "5")
	second := h.bid(lotID, "bob", "", "10", "5")
	third := h.bid(lotID, "carol", "", "10", "5")
	h.conclude(lotID)

	res, err := h.module.Settle(h.ctx, lotID)
	assert.NoError(t, err)
	check.Equal(t, units(t, "2"), res.Record.MarginalPrice)
	check.Equal(t, second, res.Record.MarginalBidID)
	check.Equal(t, units(t, "10"), res.Record.CapacityExpended)
	check.Nil(t, res.Record.PartialFill)

	claims, err := h.module.ClaimBids(h.ctx, lotID, []uint64{first, second, third})
	assert.NoError(t, err)
	check.True(t, claims[0].Won)
	check.True(t, claims[1].Won)
	check.False(t, claims[2].Won)
	check.Equal(t, units(t, "5"), claims[0].Payout)
	check.Equal(t, units(t, "5"), claims[1].Payout)
	check.Equal(t, units(t, "10"), claims[2].Refund)
}

// At a marginal price of 1.7 the winners' floored payouts fall one base unit short of
// capacity. That unit goes back to the seller and custody ends empty.
func TestLifecycle_PayoutRoundingReturned(t *testing.T) {
	h := newHarness(t)
	lotID := h.createLot(nil)
	alice := h.bid(lotID, "alice", "", "10", "3")
	bob := h.bid(lotID, "bob", "", "7", "3")
	carol := h.bid(lotID, "carol", "", "5", "4")
	h.conclude(lotID)

	res, err := h.module.Settle(h.ctx, lotID)
	assert.NoError(t, err)
	assert.True(t, res.Cleared())
	check.Equal(t, units(t, "1.7"), res.Record.MarginalPrice)
	check.Equal(t, units(t, "10"), res.Record.CapacityExpended)
	check.Equal(t, units(t, "9.999999999999999999"), res.Record.TotalPayout)

	claims, err := h.module.ClaimBids(h.ctx, lotID, []uint64{alice, bob, carol})
	assert.NoError(t, err)
	check.Equal(t, units(t, "5.882352941176470588"), claims[0].Payout)
	check.Equal(t, units(t, "4.117647058823529411"), claims[1].Payout)
	check.False(t, claims[2].Won)

	proceeds, err := h.module.ClaimProceeds(h.ctx, seller, lotID)
	assert.NoError(t, err)
	check.Equal(t, units(t, "9.999999999999999999"), proceeds.Sold)
	check.Equal(t, units(t, "0.099999999999999999"), proceeds.CuratorFee)
	// One unit unsold plus one unit of unused curator prefund.
	check.Equal(t, *uint256.NewInt(2), proceeds.UnsoldRefund)

	check.Equal(t, units(t, "989.900000000000000002"), h.balance(baseAsset, seller))
	check.Equal(t, units(t, "0.099999999999999999"), h.balance(baseAsset, curator))
	check.Equal(t, uint256.Int{}, h.balance(baseAsset, h.vault.Custody()))
}

// A ledger commit that fails after the settlement was applied takes its transfers
// and fee credits back with it.
func TestSettle_CommitFailureRevertsEffects(t *testing.T) {
	h := newHarness(t)
	store := &commitFailingLedger{Ledger: inmemory.NewLedger()}
	h.rewire(store, h.fees)

	lotID := h.createLot(nil)
	h.bid(lotID, "alice", "ref1", "19", "9")
	bob := h.bid(lotID, "bob", "ref2", "4", "2")
	h.conclude(lotID)

	store.armed = true
	_, err := h.module.Settle(h.ctx, lotID)
	check.True(t, errors.Is(err, errCommit))

	check.Equal(t, uint256.Int{}, h.balance(baseAsset, "bob"))
	check.Equal(t, uint256.Int{}, h.balance(quoteAsset, "bob"))
	check.Equal(t, units(t, "23"), h.balance(quoteAsset, h.vault.Custody()))
	check.Equal(t, units(t, "10.1"), h.balance(baseAsset, h.vault.Custody()))
	check.Equal(t, uint256.Int{}, h.fees.Rewards(protocol, quoteAsset))
	phase, err := h.module.Phase(h.ctx, lotID)
	assert.NoError(t, err)
	check.Equal(t, core.PhaseDecrypted, phase)

	store.armed = false
	res, err := h.module.Settle(h.ctx, lotID)
	assert.NoError(t, err)
	check.Equal(t, bob, res.Record.PartialFill.BidID)
	check.Equal(t, units(t, "0.5"), h.balance(baseAsset, "bob"))
	check.Equal(t, units(t, "3"), h.balance(quoteAsset, "bob"))
	check.Equal(t, units(t, "0.2"), h.fees.Rewards(protocol, quoteAsset))
}

// A fee credit that cannot be booked fails the operation instead of leaving the fee
// unowned in custody.
func TestSettle_CreditFailureAborts(t *testing.T) {
	h := newHarness(t)
	acc := &creditFailingAccountant{Accountant: h.fees}
	h.rewire(inmemory.NewLedger(), acc)

	lotID := h.createLot(nil)
	h.bid(lotID, "alice", "ref1", "19", "9")
	h.bid(lotID, "bob", "ref2", "4", "2")
	h.conclude(lotID)

	acc.armed = true
	_, err := h.module.Settle(h.ctx, lotID)
	check.True(t, errors.Is(err, errCredit))
	check.Equal(t, uint256.Int{}, h.balance(baseAsset, "bob"))
	check.Equal(t, units(t, "23"), h.balance(quoteAsset, h.vault.Custody()))
	phase, err := h.module.Phase(h.ctx, lotID)
	assert.NoError(t, err)
	check.Equal(t, core.PhaseDecrypted, phase)

	acc.armed = false
	_, err = h.module.Settle(h.ctx, lotID)
	assert.NoError(t, err)
	check.Equal(t, units(t, "0.5"), h.balance(baseAsset, "bob"))
	check.Equal(t, units(t, "0.2"), h.fees.Rewards(protocol, quoteAsset))
}

func TestClaimBids_Atomic(t *testing.T) {
	h := newHarness(t)
	lotID := h.createLot(nil)
	a := h.bid(lotID, "alice", "", "2", "1")
	b := h.bid(lotID, "bob", "", "2", "1")

	_, err := h.module.ClaimBids(h.ctx, lotID, []uint64{a})
	check.True(t, errors.Is(err, core.ErrWrongState))

	h.conclude(lotID)
	_, err = h.module.Settle(h.ctx, lotID)
	assert.NoError(t, err)

	_, err = h.module.ClaimBids(h.ctx, lotID, []uint64{a, b, a})
	check.True(t, errors.Is(err, core.ErrBidWrongState))
	_, err = h.module.ClaimBids(h.ctx, lotID, []uint64{a, 42})
	check.True(t, errors.Is(err, core.ErrInvalidBidID))

	// Nothing from the failed batches was applied.
	check.Equal(t, uint256.Int{}, h.balance(baseAsset, "alice"))
	claims, err := h.module.ClaimBids(h.ctx, lotID, []uint64{a, b})
	assert.NoError(t, err)
	check.Equal(t, 2, len(claims))
	check.Equal(t, units(t, "1"), h.balance(baseAsset, "alice"))
}

func TestAbort(t *testing.T) {
	h := newHarness(t)
	lotID := h.createLot(nil)
	a := h.bid(lotID, "alice", "", "2", "1")
	b := h.bid(lotID, "bob", "", "2", "1")

	h.clock.advance(time.Hour)
	_, err := h.module.SubmitPrivateKey(h.ctx, lotID, []byte(privateKey), 1)
	assert.NoError(t, err)

	check.True(t, errors.Is(h.module.Abort(h.ctx, lotID), core.ErrMarketActive))

	h.clock.advance(24 * time.Hour)
	assert.NoError(t, h.module.Abort(h.ctx, lotID))
	check.True(t, errors.Is(h.module.Abort(h.ctx, lotID), core.ErrWrongState))
	_, err = h.module.Settle(h.ctx, lotID)
	check.True(t, errors.Is(err, core.ErrWrongState))

	view, err := h.module.GetLot(h.ctx, lotID)
	assert.NoError(t, err)
	check.True(t, view.Data.Aborted)
	check.Equal(t, core.PhaseSettled, view.Phase)

	// Decrypted and undecrypted bids are both refunded.
	claims, err := h.module.ClaimBids(h.ctx, lotID, []uint64{a, b})
	assert.NoError(t, err)
	check.Equal(t, units(t, "2"), claims[0].Refund)
	check.Equal(t, units(t, "2"), claims[1].Refund)

	proceeds, err := h.module.ClaimProceeds(h.ctx, seller, lotID)
	assert.NoError(t, err)
	check.Equal(t, units(t, "10.1"), proceeds.UnsoldRefund)
	check.Equal(t, 1, h.rec.count("settled_aborted"))
}

func TestFeeOnTransferAssetRejected(t *testing.T) {
	h := newHarness(t)
	lotID := h.createLot(nil)
	h.vault.SetTransferFee(quoteAsset, 100)

	h.fund(quoteAsset, "alice", "1")
	_, err := h.module.Bid(h.ctx, BidParams{LotID: lotID, Bidder: "alice", AmountIn: units(t, "1"), EncryptedAmountOut: sealed("1")})
	check.True(t, errors.Is(err, core.ErrUnsupportedToken))

	view, err := h.module.GetLot(h.ctx, lotID)
	assert.NoError(t, err)
	check.Equal(t, 0, len(view.Data.BidIDs))
	check.Equal(t, uint64(1), view.Data.NextBidID)
	check.Equal(t, units(t, "1"), h.balance(quoteAsset, "alice"))
}

func TestPhase(t *testing.T) {
	h := newHarness(t)
	lotID := h.createLot(func(p *CreateLotParams) { p.Start = t0.Add(time.Minute) })

	phase := func() core.Phase {
		p, err := h.module.Phase(h.ctx, lotID)
		assert.NoError(t, err)
		return p
	}

	check.Equal(t, core.PhaseCreated, phase())
	h.clock.advance(time.Minute)
	check.Equal(t, core.PhaseLive, phase())
	h.bid(lotID, "alice", "", "2", "1")
	h.clock.advance(time.Hour)
	check.Equal(t, core.PhaseConcluded, phase())
	h.conclude(lotID)
	check.Equal(t, core.PhaseDecrypted, phase())
	_, err := h.module.Settle(h.ctx, lotID)
	assert.NoError(t, err)
	check.Equal(t, core.PhaseSettled, phase())
	_, err = h.module.ClaimProceeds(h.ctx, seller, lotID)
	assert.NoError(t, err)
	check.Equal(t, core.PhaseClaimed, phase())

	_, err = h.module.Phase(h.ctx, 99)
	check.True(t, errors.Is(err, core.ErrInvalidLotID))
}
