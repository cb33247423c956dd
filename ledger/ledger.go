// Package ledger stores lots and their bids. Every operation on a lot runs against a
// LotContext inside a single transaction: the callback's writes are committed together
// or, when it returns an error, not at all.
package ledger

import (
	"context"
	"fmt"
	"sort"

	"github.com/cloudx-io/batchauction/core"
)

// Ledger is the persistent store of lots and bids.
type Ledger interface {
	// CreateLot allocates the next lot id and commits the lot written by fn.
	CreateLot(ctx context.Context, fn func(lc *LotContext) error) (uint64, error)
	// ViewLot runs fn against a read-only snapshot of the lot.
	ViewLot(ctx context.Context, lotID uint64, fn func(lc *LotContext) error) error
	// UpdateLot runs fn and commits its writes if it returns nil.
	UpdateLot(ctx context.Context, lotID uint64, fn func(lc *LotContext) error) error
	// ListBids returns every bid of a lot ordered by id.
	ListBids(ctx context.Context, lotID uint64) ([]core.Bid, error)
	Close() error
}

// BidLoader fetches a stored bid, returning core.ErrInvalidBidID when missing.
type BidLoader func(bidID uint64) (*core.Bid, error)

// LotContext is the aggregate a lot operation works on: the lot, its auction data and
// the bids it touches. Bids are loaded lazily and only bids passed to PutBid are written.
type LotContext struct {
	Lot  core.Lot
	Data core.AuctionData

	bids  map[uint64]*core.Bid
	dirty map[uint64]struct{}
	load  BidLoader
}

func NewLotContext(lot core.Lot, data core.AuctionData, load BidLoader) *LotContext {
	return &LotContext{
		Lot:   lot,
		Data:  data,
		bids:  make(map[uint64]*core.Bid),
		dirty: make(map[uint64]struct{}),
		load:  load,
	}
}

// Bid returns the bid with the given id. Changes must be recorded with PutBid.
func (c *LotContext) Bid(bidID uint64) (*core.Bid, error) {
	if b, ok := c.bids[bidID]; ok {
		return b, nil
	}
	if c.load == nil {
		return nil, fmt.Errorf("%w: %d", core.ErrInvalidBidID, bidID)
	}
	b, err := c.load(bidID)
	if err != nil {
		return nil, err
	}
	c.bids[bidID] = b
	return b, nil
}

// PutBid stages a new or modified bid for commit.
func (c *LotContext) PutBid(b *core.Bid) {
	c.bids[b.ID] = b
	c.dirty[b.ID] = struct{}{}
}

// DirtyBids returns the staged bids ordered by id.
func (c *LotContext) DirtyBids() []*core.Bid {
	out := make([]*core.Bid, 0, len(c.dirty))
	for id := range c.dirty {
		out = append(out, c.bids[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
