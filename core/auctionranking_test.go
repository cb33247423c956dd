package core

import (
	"math/rand"
	"testing"

	"github.com/holiman/uint256"
	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
)

func u(v uint64) uint256.Int {
	return *uint256.NewInt(v)
}

func e18(v uint64) uint256.Int {
	var z uint256.Int
	z.Mul(uint256.NewInt(v), uint256.NewInt(1_000_000_000_000_000_000))
	return z
}

func newTestQueue() MaxPriorityQueue {
	return NewMaxPriorityQueue(Scale(18))
}

func TestMaxPriorityQueue_Empty(t *testing.T) {
	q := newTestQueue()

	check.True(t, q.IsEmpty())
	check.Equal(t, uint64(0), q.NumBids())
	check.Equal(t, uint64(0), q.GetMaxID())

	_, ok := q.DelMax()
	check.False(t, ok)
	_, ok = q.PeekMax()
	check.False(t, ok)
}

func TestMaxPriorityQueue_OrdersByPrice(t *testing.T) {
	q := newTestQueue()

	assert.NoError(t, q.Insert(1, e18(1), e18(1))) // price 1
	assert.NoError(t, q.Insert(2, e18(4), e18(1))) // price 4
	assert.NoError(t, q.Insert(3, e18(3), e18(2))) // price 1.5
	assert.NoError(t, q.Insert(4, e18(9), e18(3))) // price 3

	check.Equal(t, uint64(4), q.NumBids())
	check.Equal(t, uint64(2), q.GetMaxID())

	var order []uint64
	for !q.IsEmpty() {
		e, ok := q.DelMax()
		assert.True(t, ok)
		order = append(order, e.BidID)
	}
	check.Equal(t, []uint64{2, 4, 3, 1}, order)
}

func TestMaxPriorityQueue_EqualPriceFIFO(t *testing.T) {
	q := newTestQueue()

	assert.NoError(t, q.Insert(1, e18(2), e18(1)))
	assert.NoError(t, q.Insert(2, e18(5), e18(1)))
	assert.NoError(t, q.Insert(3, e18(4), e18(2)))
	assert.NoError(t, q.Insert(4, e18(6), e18(3)))
	assert.NoError(t, q.Insert(5, e18(2), e18(1)))

	var order []uint64
	for !q.IsEmpty() {
		e, _ := q.DelMax()
		order = append(order, e.BidID)
	}
	check.Equal(t, []uint64{2, 1, 3, 4, 5}, order)
}

func TestMaxPriorityQueue_DuplicateIDs(t *testing.T) {
	q := newTestQueue()

	assert.NoError(t, q.Insert(7, e18(1), e18(1)))
	assert.NoError(t, q.Insert(7, e18(3), e18(1)))
	assert.NoError(t, q.Insert(7, e18(2), e18(1)))

	check.Equal(t, uint64(3), q.NumBids())
	first, _ := q.DelMax()
	second, _ := q.DelMax()
	third, _ := q.DelMax()
	check.Equal(t, e18(3), first.Price)
	check.Equal(t, e18(2), second.Price)
	check.Equal(t, e18(1), third.Price)
	check.True(t, q.IsEmpty())
}

func TestMaxPriorityQueue_ZeroAmountOut(t *testing.T) {
	q := newTestQueue()

	err := q.Insert(1, e18(1), uint256.Int{})
	check.Error(t, err)
	check.True(t, q.IsEmpty())
}

func TestMaxPriorityQueue_ReuseArenaAfterDrain(t *testing.T) {
	q := newTestQueue()

	for i := uint64(1); i <= 4; i++ {
		assert.NoError(t, q.Insert(i, e18(i), e18(1)))
	}
	for !q.IsEmpty() {
		q.DelMax()
	}
	check.Equal(t, 5, len(q.Entries))

	assert.NoError(t, q.Insert(9, e18(1), e18(1)))
	check.Equal(t, uint64(9), q.GetMaxID())
	check.Equal(t, 5, len(q.Entries))

	q.Reset()
	check.True(t, q.IsEmpty())
	check.Equal(t, 1, len(q.Entries))
}

func TestMaxPriorityQueue_RandomSequence(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	q := newTestQueue()

	const n = 500
	for i := uint64(1); i <= n; i++ {
		// A narrow price range forces plenty of ties.
		assert.NoError(t, q.Insert(i, u(uint64(rng.Intn(20)+1)), u(1)))
	}

	prev, ok := q.DelMax()
	assert.True(t, ok)
	count := 1
	for !q.IsEmpty() {
		cur, _ := q.DelMax()
		check.False(t, cur.Price.Gt(&prev.Price))
		if cur.Price.Eq(&prev.Price) {
			check.True(t, cur.BidID > prev.BidID)
		}
		prev = cur
		count++
	}
	check.Equal(t, n, count)
}
