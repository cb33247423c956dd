package core

import (
	"fmt"

	"github.com/holiman/uint256"
)

// QueueEntry is a decrypted bid held by the queue. It references the bid by id and
// carries only the amounts its sort key is derived from.
type QueueEntry struct {
	BidID     uint64
	AmountIn  uint256.Int
	AmountOut uint256.Int
	Price     uint256.Int

	// Seq is the insertion order, used to break price ties first-in first-out.
	Seq uint64
}

// MaxPriorityQueue is a binary max-heap over a 1-indexed arena. Entries[0] is an
// unused sentinel and entries past Size are logically deleted.
type MaxPriorityQueue struct {
	Entries   []QueueEntry
	Size      uint64
	NextSeq   uint64
	BaseScale uint256.Int
}

// NewMaxPriorityQueue returns an empty queue pricing bids in quote units per
// baseScale units of the payout asset.
func NewMaxPriorityQueue(baseScale uint256.Int) MaxPriorityQueue {
	return MaxPriorityQueue{
		Entries:   make([]QueueEntry, 1),
		BaseScale: baseScale,
	}
}

// Insert adds a bid keyed by amountIn*baseScale/amountOut. Duplicate bid ids are
// kept as distinct entries.
func (q *MaxPriorityQueue) Insert(bidID uint64, amountIn, amountOut uint256.Int) error {
	price, err := BidPrice(&amountIn, &amountOut, &q.BaseScale)
	if err != nil {
		return fmt.Errorf("failed to price bid %d: %w", bidID, err)
	}
	if len(q.Entries) == 0 {
		q.Entries = make([]QueueEntry, 1)
	}

	entry := QueueEntry{
		BidID:     bidID,
		AmountIn:  amountIn,
		AmountOut: amountOut,
		Price:     price,
		Seq:       q.NextSeq,
	}
	q.NextSeq++
	q.Size++

	if uint64(len(q.Entries)) > q.Size {
		q.Entries[q.Size] = entry
	} else {
		q.Entries = append(q.Entries, entry)
	}
	q.swim(q.Size)
	return nil
}

// GetMaxID returns the id of the highest priority bid, or 0 when empty.
func (q *MaxPriorityQueue) GetMaxID() uint64 {
	if q.IsEmpty() {
		return 0
	}
	return q.Entries[1].BidID
}

// PeekMax returns the highest priority entry without removing it.
func (q *MaxPriorityQueue) PeekMax() (QueueEntry, bool) {
	if q.IsEmpty() {
		return QueueEntry{}, false
	}
	return q.Entries[1], true
}

// DelMax removes and returns the highest priority entry.
func (q *MaxPriorityQueue) DelMax() (QueueEntry, bool) {
	if q.IsEmpty() {
		return QueueEntry{}, false
	}
	top := q.Entries[1]
	q.exchange(1, q.Size)
	q.Entries[q.Size] = QueueEntry{}
	q.Size--
	q.sink(1)
	return top, true
}

func (q *MaxPriorityQueue) IsEmpty() bool {
	return q.Size == 0
}

func (q *MaxPriorityQueue) NumBids() uint64 {
	return q.Size
}

// Reset discards the arena once the queue has been drained.
func (q *MaxPriorityQueue) Reset() {
	q.Entries = make([]QueueEntry, 1)
	q.Size = 0
}

// less reports whether entry i has lower priority than entry j. Higher price wins;
// on equal price the earlier insertion wins.
func (q *MaxPriorityQueue) less(i, j uint64) bool {
	a, b := &q.Entries[i], &q.Entries[j]
	if c := a.Price.Cmp(&b.Price); c != 0 {
		return c < 0
	}
	return a.Seq > b.Seq
}

func (q *MaxPriorityQueue) exchange(i, j uint64) {
	q.Entries[i], q.Entries[j] = q.Entries[j], q.Entries[i]
}

func (q *MaxPriorityQueue) swim(k uint64) {
	for k > 1 && q.less(k/2, k) {
		q.exchange(k/2, k)
		k /= 2
	}
}

func (q *MaxPriorityQueue) sink(k uint64) {
	for 2*k <= q.Size {
		j := 2 * k
		if j < q.Size && q.less(j, j+1) {
			j++
		}
		if !q.less(k, j) {
			break
		}
		q.exchange(k, j)
		k = j
	}
}
