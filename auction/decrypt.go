package auction

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"
	log "github.com/sirupsen/logrus"

	"github.com/cloudx-io/batchauction/core"
	"github.com/cloudx-io/batchauction/ledger"
)

// DecryptResult reports the progress of the decryption phase of a lot.
type DecryptResult struct {
	Decrypted uint64
	Excluded  []core.ExcludedBid
	Remaining uint64
	// Complete is set once every bid is decrypted and the lot can be settled.
	Complete bool
}

// PendingBid is a bid waiting for decryption.
type PendingBid struct {
	BidID              uint64
	EncryptedAmountOut core.EncryptedAmountOut
}

// SubmitPrivateKey reveals the lot private key after the lot concludes and then
// decrypts up to decryptCount bids. A lot without bids becomes Decrypted immediately.
func (m *Module) SubmitPrivateKey(ctx context.Context, lotID uint64, privateKey []byte, decryptCount uint64) (*DecryptResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	var res *DecryptResult
	err := m.update(ctx, lotID, func(lc *ledger.LotContext, _ *effects) error {
		if lc.Data.Status != core.LotStatusCreated {
			return fmt.Errorf("%w: lot %d is %s", core.ErrWrongState, lotID, lc.Data.Status)
		}
		if !lc.Lot.HasConcluded(now) {
			return fmt.Errorf("%w: lot %d", core.ErrMarketActive, lotID)
		}
		if lc.Data.KeySubmitted() {
			return fmt.Errorf("%w: key of lot %d already submitted", core.ErrWrongState, lotID)
		}
		if !m.oracle.ValidateKeyCommitment(privateKey, lc.Data.PublicKey) {
			return core.ErrInvalidDecrypt
		}
		lc.Data.PrivateKey = append([]byte(nil), privateKey...)

		var err error
		res, err = m.decryptBids(lc, decryptCount)
		return err
	})
	if err != nil {
		return nil, err
	}

	log.WithField("lot_id", lotID).Info("private key submitted")
	m.reportDecryption(lotID, res)
	return res, nil
}

// DecryptAndSortBids decrypts the next count bids from the cursor and inserts them into
// the lot queue. A count of zero decrypts every remaining bid.
func (m *Module) DecryptAndSortBids(ctx context.Context, lotID uint64, count uint64) (*DecryptResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res *DecryptResult
	err := m.update(ctx, lotID, func(lc *ledger.LotContext, _ *effects) error {
		if lc.Data.Status != core.LotStatusCreated || !lc.Data.KeySubmitted() {
			return fmt.Errorf("%w: lot %d is %s, key submitted %t", core.ErrWrongState, lotID, lc.Data.Status, lc.Data.KeySubmitted())
		}
		if count == 0 {
			count = lc.Data.RemainingToDecrypt()
		}
		var err error
		res, err = m.decryptBids(lc, count)
		return err
	})
	if err != nil {
		return nil, err
	}

	m.reportDecryption(lotID, res)
	return res, nil
}

// NextBidsToDecrypt returns up to count bids from the decrypt cursor. A count of zero
// returns every remaining bid.
func (m *Module) NextBidsToDecrypt(ctx context.Context, lotID uint64, count uint64) ([]PendingBid, error) {
	var out []PendingBid
	err := m.ledger.ViewLot(ctx, lotID, func(lc *ledger.LotContext) error {
		if lc.Data.Status != core.LotStatusCreated {
			return fmt.Errorf("%w: lot %d is %s", core.ErrWrongState, lotID, lc.Data.Status)
		}
		remaining := lc.Data.RemainingToDecrypt()
		if count == 0 || count > remaining {
			count = remaining
		}
		out = make([]PendingBid, 0, count)
		for _, id := range lc.Data.BidIDs[lc.Data.NextDecrypt : lc.Data.NextDecrypt+count] {
			bid, err := lc.Bid(id)
			if err != nil {
				return err
			}
			out = append(out, PendingBid{BidID: id, EncryptedAmountOut: bid.EncryptedAmountOut})
		}
		return nil
	})
	return out, err
}

// decryptBids advances the decrypt cursor by at most count bids. Bids that fail to
// decrypt are marked Decrypted with a zero amount out and left out of the queue.
func (m *Module) decryptBids(lc *ledger.LotContext, count uint64) (*DecryptResult, error) {
	data := &lc.Data
	if remaining := data.RemainingToDecrypt(); count > remaining {
		count = remaining
	}

	res := &DecryptResult{}
	end := data.NextDecrypt + count
	for ; data.NextDecrypt < end; data.NextDecrypt++ {
		bidID := data.BidIDs[data.NextDecrypt]
		bid, err := lc.Bid(bidID)
		if err != nil {
			return nil, err
		}
		if bid.Status != core.BidStatusSubmitted {
			return nil, fmt.Errorf("%w: bid %d pending decryption is %s", core.ErrBrokenInvariant, bidID, bid.Status)
		}

		bid.Status = core.BidStatusDecrypted
		amountOut, err := m.oracle.Decrypt(bid.EncryptedAmountOut, data.PrivateKey)
		if err == nil {
			err = data.Queue.Insert(bid.ID, bid.AmountIn, amountOut)
		}
		if err != nil {
			bid.AmountOut = uint256.Int{}
			res.Excluded = append(res.Excluded, core.ExcludedBid{BidID: bidID, Reason: err.Error()})
		} else {
			bid.AmountOut = amountOut
		}
		lc.PutBid(bid)
		res.Decrypted++
	}

	res.Remaining = data.RemainingToDecrypt()
	if res.Remaining == 0 {
		data.Status = core.LotStatusDecrypted
		res.Complete = true
	}
	return res, nil
}

func (m *Module) reportDecryption(lotID uint64, res *DecryptResult) {
	for _, ex := range res.Excluded {
		m.rec.BidDecrypted(OutcomeInvalid)
		log.WithFields(log.Fields{"lot_id": lotID, "bid_id": ex.BidID}).Warnf("bid excluded: %s", ex.Reason)
	}
	for i := uint64(len(res.Excluded)); i < res.Decrypted; i++ {
		m.rec.BidDecrypted(OutcomeOK)
	}
	log.WithFields(log.Fields{
		"lot_id":    lotID,
		"decrypted": res.Decrypted,
		"remaining": res.Remaining,
	}).Info("bids decrypted")
}
