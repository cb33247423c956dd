package auction

import (
	"context"

	"github.com/cloudx-io/batchauction/core"
	"github.com/cloudx-io/batchauction/ledger"
)

// LotView is a read-only copy of a lot and its auction data.
type LotView struct {
	Lot   core.Lot
	Data  core.AuctionData
	Phase core.Phase
}

func (m *Module) GetLot(ctx context.Context, lotID uint64) (*LotView, error) {
	var view LotView
	err := m.ledger.ViewLot(ctx, lotID, func(lc *ledger.LotContext) error {
		view = LotView{
			Lot:   lc.Lot,
			Data:  lc.Data.Clone(),
			Phase: phase(&lc.Lot, &lc.Data, m.clock),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &view, nil
}

func (m *Module) GetBid(ctx context.Context, lotID, bidID uint64) (*core.Bid, error) {
	var bid core.Bid
	err := m.ledger.ViewLot(ctx, lotID, func(lc *ledger.LotContext) error {
		b, err := lc.Bid(bidID)
		if err != nil {
			return err
		}
		bid = *b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &bid, nil
}

func (m *Module) ListBids(ctx context.Context, lotID uint64) ([]core.Bid, error) {
	return m.ledger.ListBids(ctx, lotID)
}

// Phase returns the lifecycle phase of a lot at the current time.
func (m *Module) Phase(ctx context.Context, lotID uint64) (core.Phase, error) {
	var p core.Phase
	err := m.ledger.ViewLot(ctx, lotID, func(lc *ledger.LotContext) error {
		p = phase(&lc.Lot, &lc.Data, m.clock)
		return nil
	})
	return p, err
}

func phase(lot *core.Lot, data *core.AuctionData, clock Clock) core.Phase {
	switch data.Status {
	case core.LotStatusCancelled:
		return core.PhaseCancelled
	case core.LotStatusSettled:
		if data.ProceedsClaimed {
			return core.PhaseClaimed
		}
		return core.PhaseSettled
	case core.LotStatusDecrypted:
		return core.PhaseDecrypted
	}

	now := clock.Now()
	switch {
	case !lot.HasStarted(now):
		return core.PhaseCreated
	case lot.HasConcluded(now):
		return core.PhaseConcluded
	default:
		return core.PhaseLive
	}
}
