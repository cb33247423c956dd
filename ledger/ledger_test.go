package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"

	"github.com/cloudx-io/batchauction/core"
	"github.com/cloudx-io/batchauction/ledger"
	dbbadger "github.com/cloudx-io/batchauction/ledger/badger"
	"github.com/cloudx-io/batchauction/ledger/inmemory"
)

var errAbort = errors.New("abort")

func ledgers(t *testing.T) map[string]ledger.Ledger {
	t.Helper()
	badgerLedger, err := dbbadger.NewLedger("", nil)
	assert.NoError(t, err)
	t.Cleanup(func() { badgerLedger.Close() })

	return map[string]ledger.Ledger{
		"inmemory": inmemory.NewLedger(),
		"badger":   badgerLedger,
	}
}

func newLot(lc *ledger.LotContext) error {
	lc.Lot.Seller = "seller"
	lc.Lot.Capacity = *uint256.NewInt(1_000)
	lc.Lot.Start = time.Unix(1_700_000_000, 0).UTC()
	lc.Lot.Conclusion = lc.Lot.Start.Add(time.Hour)
	lc.Data.MinPrice = *uint256.NewInt(5)
	lc.Data.PublicKey = []byte("pem")
	lc.Data.Queue = core.NewMaxPriorityQueue(core.Scale(18))
	return nil
}

func TestLedger(t *testing.T) {
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("create assigns sequential ids", testCreateLot(l))
			t.Run("failed update is discarded", testUpdateRollback(l))
			t.Run("bids are written with the lot", testBids(l))
			t.Run("missing lot and bid", testMissing(l))
		})
	}
}

func testCreateLot(l ledger.Ledger) func(*testing.T) {
	return func(t *testing.T) {
		ctx := context.Background()

		first, err := l.CreateLot(ctx, newLot)
		assert.NoError(t, err)
		second, err := l.CreateLot(ctx, newLot)
		assert.NoError(t, err)
		check.Equal(t, first+1, second)

		_, err = l.CreateLot(ctx, func(*ledger.LotContext) error { return errAbort })
		check.True(t, errors.Is(err, errAbort))

		third, err := l.CreateLot(ctx, newLot)
		assert.NoError(t, err)
		check.Equal(t, second+1, third)

		err = l.ViewLot(ctx, third, func(lc *ledger.LotContext) error {
			check.Equal(t, third, lc.Lot.ID)
			check.Equal(t, "seller", lc.Lot.Seller)
			check.Equal(t, *uint256.NewInt(1_000), lc.Lot.Capacity)
			check.Equal(t, *uint256.NewInt(5), lc.Data.MinPrice)
			check.Equal(t, []byte("pem"), lc.Data.PublicKey)
			check.True(t, lc.Lot.Start.Equal(time.Unix(1_700_000_000, 0)))
			return nil
		})
		check.NoError(t, err)
	}
}

func testUpdateRollback(l ledger.Ledger) func(*testing.T) {
	return func(t *testing.T) {
		ctx := context.Background()
		id, err := l.CreateLot(ctx, func(lc *ledger.LotContext) error {
			if err := newLot(lc); err != nil {
				return err
			}
			return lc.Data.Queue.Insert(1, *uint256.NewInt(10), *uint256.NewInt(1))
		})
		assert.NoError(t, err)

		err = l.UpdateLot(ctx, id, func(lc *ledger.LotContext) error {
			lc.Data.Status = core.LotStatusSettled
			lc.Data.BidIDs = append(lc.Data.BidIDs, 1)
			lc.Data.Queue.DelMax()
			lc.PutBid(&core.Bid{LotID: id, ID: 1, Bidder: "bob"})
			return errAbort
		})
		check.True(t, errors.Is(err, errAbort))

		err = l.ViewLot(ctx, id, func(lc *ledger.LotContext) error {
			check.Equal(t, core.LotStatusCreated, lc.Data.Status)
			check.Equal(t, 0, len(lc.Data.BidIDs))
			check.Equal(t, uint64(1), lc.Data.Queue.NumBids())
			_, err := lc.Bid(1)
			check.True(t, errors.Is(err, core.ErrInvalidBidID))
			return nil
		})
		check.NoError(t, err)
	}
}

func testBids(l ledger.Ledger) func(*testing.T) {
	return func(t *testing.T) {
		ctx := context.Background()
		id, err := l.CreateLot(ctx, newLot)
		assert.NoError(t, err)

		err = l.UpdateLot(ctx, id, func(lc *ledger.LotContext) error {
			for i := uint64(1); i <= 3; i++ {
				lc.PutBid(&core.Bid{
					LotID:    id,
					ID:       i,
					Bidder:   "bidder",
					AmountIn: *uint256.NewInt(i * 100),
					EncryptedAmountOut: core.EncryptedAmountOut{
						AESKeyEncrypted:  "k",
						EncryptedPayload: "p",
						Nonce:            "n",
					},
				})
				lc.Data.BidIDs = append(lc.Data.BidIDs, i)
			}
			lc.Data.NextBidID = 4
			return nil
		})
		assert.NoError(t, err)

		err = l.UpdateLot(ctx, id, func(lc *ledger.LotContext) error {
			b, err := lc.Bid(2)
			if err != nil {
				return err
			}
			b.Status = core.BidStatusDecrypted
			b.AmountOut = *uint256.NewInt(7)
			lc.PutBid(b)
			return nil
		})
		assert.NoError(t, err)

		bids, err := l.ListBids(ctx, id)
		assert.NoError(t, err)
		assert.Equal(t, 3, len(bids))
		check.Equal(t, uint64(1), bids[0].ID)
		check.Equal(t, uint64(3), bids[2].ID)
		check.Equal(t, core.BidStatusDecrypted, bids[1].Status)
		check.Equal(t, *uint256.NewInt(7), bids[1].AmountOut)
		check.Equal(t, *uint256.NewInt(300), bids[2].AmountIn)
		check.Equal(t, "p", bids[0].EncryptedAmountOut.EncryptedPayload)

		other, err := l.CreateLot(ctx, newLot)
		assert.NoError(t, err)
		none, err := l.ListBids(ctx, other)
		assert.NoError(t, err)
		check.Equal(t, 0, len(none))
	}
}

func testMissing(l ledger.Ledger) func(*testing.T) {
	return func(t *testing.T) {
		ctx := context.Background()

		err := l.UpdateLot(ctx, 9_999, func(*ledger.LotContext) error { return nil })
		check.True(t, errors.Is(err, core.ErrInvalidLotID))

		err = l.ViewLot(ctx, 9_999, func(*ledger.LotContext) error { return nil })
		check.True(t, errors.Is(err, core.ErrInvalidLotID))
	}
}
