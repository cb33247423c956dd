package dbbadger

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/dgraph-io/badger/v3/options"
	log "github.com/sirupsen/logrus"
	"github.com/timshannon/badgerhold/v4"

	"github.com/cloudx-io/batchauction/core"
	"github.com/cloudx-io/batchauction/ledger"
)

const lotCounterKey = "lots"

type lotRecord struct {
	ID   uint64
	Lot  core.Lot
	Data core.AuctionData
}

type bidRecord struct {
	LotID uint64 `badgerhold:"index"`
	BidID uint64
	Bid   core.Bid
}

type lotCounter struct {
	LastID uint64
}

func bidKey(lotID, bidID uint64) string {
	return fmt.Sprintf("%d/%d", lotID, bidID)
}

// Ledger is a ledger.Ledger persisted with badgerhold. An empty directory keeps the
// store in memory.
type Ledger struct {
	store  *badgerhold.Store
	stopGC chan struct{}
}

// NewLedger opens (or creates if not exists) the lot store under baseDbDir.
func NewLedger(baseDbDir string, logger badger.Logger) (*Ledger, error) {
	var dbDir string
	if len(baseDbDir) > 0 {
		dbDir = filepath.Join(baseDbDir, "lots")
	}

	l := &Ledger{stopGC: make(chan struct{})}
	store, err := l.createDb(dbDir, logger)
	if err != nil {
		return nil, fmt.Errorf("opening lot db: %w", err)
	}
	l.store = store
	return l, nil
}

func (l *Ledger) CreateLot(_ context.Context, fn func(lc *ledger.LotContext) error) (uint64, error) {
	var id uint64
	err := l.store.Badger().Update(func(tx *badger.Txn) error {
		var counter lotCounter
		if err := l.store.TxGet(tx, lotCounterKey, &counter); err != nil && !errors.Is(err, badgerhold.ErrNotFound) {
			return err
		}
		id = counter.LastID + 1

		lc := ledger.NewLotContext(core.Lot{ID: id}, core.AuctionData{}, l.loader(tx, id))
		if err := fn(lc); err != nil {
			return err
		}
		if lc.Lot.ID != id {
			return fmt.Errorf("%w: lot id changed during creation", core.ErrBrokenInvariant)
		}
		if err := l.commit(tx, lc); err != nil {
			return err
		}
		counter.LastID = id
		return l.store.TxUpsert(tx, lotCounterKey, counter)
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (l *Ledger) ViewLot(_ context.Context, lotID uint64, fn func(lc *ledger.LotContext) error) error {
	return l.store.Badger().View(func(tx *badger.Txn) error {
		lc, err := l.lotContext(tx, lotID)
		if err != nil {
			return err
		}
		return fn(lc)
	})
}

func (l *Ledger) UpdateLot(_ context.Context, lotID uint64, fn func(lc *ledger.LotContext) error) error {
	return l.store.Badger().Update(func(tx *badger.Txn) error {
		lc, err := l.lotContext(tx, lotID)
		if err != nil {
			return err
		}
		if err := fn(lc); err != nil {
			return err
		}
		return l.commit(tx, lc)
	})
}

func (l *Ledger) ListBids(_ context.Context, lotID uint64) ([]core.Bid, error) {
	var records []bidRecord
	query := badgerhold.Where("LotID").Eq(lotID).SortBy("BidID")
	if err := l.store.Find(&records, query); err != nil {
		return nil, err
	}

	bids := make([]core.Bid, 0, len(records))
	for _, r := range records {
		bids = append(bids, r.Bid)
	}
	return bids, nil
}

func (l *Ledger) Close() error {
	close(l.stopGC)
	return l.store.Close()
}

func (l *Ledger) lotContext(tx *badger.Txn, lotID uint64) (*ledger.LotContext, error) {
	var rec lotRecord
	if err := l.store.TxGet(tx, lotID, &rec); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("%w: %d", core.ErrInvalidLotID, lotID)
		}
		return nil, err
	}
	return ledger.NewLotContext(rec.Lot, rec.Data, l.loader(tx, lotID)), nil
}

func (l *Ledger) loader(tx *badger.Txn, lotID uint64) ledger.BidLoader {
	return func(bidID uint64) (*core.Bid, error) {
		var rec bidRecord
		if err := l.store.TxGet(tx, bidKey(lotID, bidID), &rec); err != nil {
			if errors.Is(err, badgerhold.ErrNotFound) {
				return nil, fmt.Errorf("%w: lot %d bid %d", core.ErrInvalidBidID, lotID, bidID)
			}
			return nil, err
		}
		return &rec.Bid, nil
	}
}

func (l *Ledger) commit(tx *badger.Txn, lc *ledger.LotContext) error {
	rec := lotRecord{ID: lc.Lot.ID, Lot: lc.Lot, Data: lc.Data}
	if err := l.store.TxUpsert(tx, lc.Lot.ID, rec); err != nil {
		return fmt.Errorf("failed to write lot %d: %w", lc.Lot.ID, err)
	}
	for _, b := range lc.DirtyBids() {
		br := bidRecord{LotID: b.LotID, BidID: b.ID, Bid: *b}
		if err := l.store.TxUpsert(tx, bidKey(b.LotID, b.ID), br); err != nil {
			return fmt.Errorf("failed to write bid %d of lot %d: %w", b.ID, b.LotID, err)
		}
	}
	return nil
}

func (l *Ledger) createDb(dbDir string, logger badger.Logger) (*badgerhold.Store, error) {
	isInMemory := len(dbDir) <= 0

	opts := badger.DefaultOptions(dbDir)
	opts.Logger = logger

	if isInMemory {
		opts.InMemory = true
	} else {
		opts.Compression = options.ZSTD
	}

	db, err := badgerhold.Open(badgerhold.Options{
		Encoder:          badgerhold.DefaultEncode,
		Decoder:          badgerhold.DefaultDecode,
		SequenceBandwith: 100,
		Options:          opts,
	})
	if err != nil {
		return nil, err
	}

	if !isInMemory {
		ticker := time.NewTicker(30 * time.Minute)

		go func() {
			defer ticker.Stop()
			for {
				select {
				case <-l.stopGC:
					return
				case <-ticker.C:
					if err := db.Badger().RunValueLogGC(0.5); err != nil &&
						err != badger.ErrNoRewrite {
						log.WithError(err).Error("lot db value log gc")
					}
				}
			}
		}()
	}

	return db, nil
}
