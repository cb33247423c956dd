package inmemory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/cloudx-io/batchauction/core"
	"github.com/cloudx-io/batchauction/ledger"
)

type lotEntry struct {
	lot  core.Lot
	data core.AuctionData
	bids map[uint64]core.Bid
}

// Ledger is a ledger.Ledger kept in process memory.
type Ledger struct {
	mu     sync.RWMutex
	lastID uint64
	lots   map[uint64]*lotEntry
}

// NewLedger returns an empty in-memory ledger.
func NewLedger() *Ledger {
	return &Ledger{lots: make(map[uint64]*lotEntry)}
}

func (l *Ledger) CreateLot(_ context.Context, fn func(lc *ledger.LotContext) error) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.lastID + 1
	entry := &lotEntry{bids: make(map[uint64]core.Bid)}
	lc := ledger.NewLotContext(core.Lot{ID: id}, core.AuctionData{}, entry.loader(id))
	if err := fn(lc); err != nil {
		return 0, err
	}
	if lc.Lot.ID != id {
		return 0, fmt.Errorf("%w: lot id changed during creation", core.ErrBrokenInvariant)
	}

	entry.commit(lc)
	l.lots[id] = entry
	l.lastID = id
	return id, nil
}

func (l *Ledger) ViewLot(_ context.Context, lotID uint64, fn func(lc *ledger.LotContext) error) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	entry, ok := l.lots[lotID]
	if !ok {
		return fmt.Errorf("%w: %d", core.ErrInvalidLotID, lotID)
	}
	return fn(entry.snapshot(lotID))
}

func (l *Ledger) UpdateLot(_ context.Context, lotID uint64, fn func(lc *ledger.LotContext) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.lots[lotID]
	if !ok {
		return fmt.Errorf("%w: %d", core.ErrInvalidLotID, lotID)
	}
	lc := entry.snapshot(lotID)
	if err := fn(lc); err != nil {
		return err
	}
	entry.commit(lc)
	return nil
}

func (l *Ledger) ListBids(_ context.Context, lotID uint64) ([]core.Bid, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	entry, ok := l.lots[lotID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", core.ErrInvalidLotID, lotID)
	}
	bids := make([]core.Bid, 0, len(entry.bids))
	for _, b := range entry.bids {
		bids = append(bids, b)
	}
	sort.Slice(bids, func(i, j int) bool { return bids[i].ID < bids[j].ID })
	return bids, nil
}

func (l *Ledger) Close() error {
	return nil
}

func (e *lotEntry) snapshot(lotID uint64) *ledger.LotContext {
	return ledger.NewLotContext(e.lot, e.data.Clone(), e.loader(lotID))
}

func (e *lotEntry) loader(lotID uint64) ledger.BidLoader {
	return func(bidID uint64) (*core.Bid, error) {
		b, ok := e.bids[bidID]
		if !ok {
			return nil, fmt.Errorf("%w: lot %d bid %d", core.ErrInvalidBidID, lotID, bidID)
		}
		return &b, nil
	}
}

func (e *lotEntry) commit(lc *ledger.LotContext) {
	e.lot = lc.Lot
	e.data = lc.Data.Clone()
	for _, b := range lc.DirtyBids() {
		e.bids[b.ID] = *b
	}
}
