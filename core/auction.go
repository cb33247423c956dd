package core

import (
	"fmt"

	"github.com/holiman/uint256"
)

// SettlementParams are the lot parameters the marginal price is computed against.
type SettlementParams struct {
	Capacity  uint256.Int
	MinPrice  uint256.Int
	MinFilled uint256.Int
	BaseScale uint256.Int
}

// SettlementResult is the outcome of draining the queue.
type SettlementResult struct {
	Record SettlementRecord

	// Winners lists winning bid ids in the order they were popped, the partial fill included.
	Winners []uint64

	// FailureReason explains why a lot did not clear. Empty when cleared.
	FailureReason string
}

// RunSettlement drains the queue highest price first and computes the uniform
// clearing price of a lot.
//
// Parameters:
//   - queue: decrypted bids; it is fully drained on return
//   - params: capacity, minimum price, minimum fill and base scale of the lot
//
// Returns:
//   - SettlementResult whose record has a zero marginal price when the lot did not clear
//
// Processing flow:
//  1. Pop bids until one falls below the minimum price, capacity is reached, or the queue empties
//  2. If the winners above the boundary bid already exhaust capacity at its price, raise the
//     marginal price to ceil(totalIn*baseScale/capacity) and drop the boundary bid
//  3. Check the minimum fill and minimum price
//  4. Resolve the partially filled bid, if any
//  5. Sum the payouts owed to winners at the marginal price
func RunSettlement(queue *MaxPriorityQueue, params SettlementParams) (*SettlementResult, error) {
	if params.Capacity.IsZero() || params.BaseScale.IsZero() {
		return nil, fmt.Errorf("%w: settlement with zero capacity or scale", ErrBrokenInvariant)
	}
	// Entries left below the clearing point are discarded with the arena.
	defer queue.Reset()

	var (
		totalIn    uint256.Int
		capacity   = params.Capacity
		scale      = params.BaseScale
		rec        SettlementRecord
		winners    []uint64
		winnerIns  []uint256.Int
		lastWinner QueueEntry
		boundary   *QueueEntry
	)

	// Step 1: Drain the queue
	for !queue.IsEmpty() {
		entry, _ := queue.DelMax()

		if entry.Price.Lt(&params.MinPrice) {
			rec.MarginalPrice = lastWinner.Price
			rec.MarginalBidID = lastWinner.BidID
			break
		}

		newTotal, err := checkedAdd(&totalIn, &entry.AmountIn)
		if err != nil {
			return nil, err
		}
		expended, err := MulDiv(&newTotal, &scale, &entry.Price)
		if err != nil {
			return nil, err
		}

		if expended.Cmp(&capacity) >= 0 {
			boundary = &entry
			// Step 2: Winners above the boundary may already exhaust capacity at its price
			above, err := MulDiv(&totalIn, &scale, &entry.Price)
			if err != nil {
				return nil, err
			}
			if above.Cmp(&capacity) >= 0 {
				price, err := MulDivUp(&totalIn, &scale, &capacity)
				if err != nil {
					return nil, err
				}
				rec.MarginalPrice = price
				if lastWinner.Price.Eq(&price) {
					rec.MarginalBidID = lastWinner.BidID
				}
				rec.CapacityExpended, err = MulDiv(&totalIn, &scale, &price)
				if err != nil {
					return nil, err
				}
				boundary = nil
				break
			}

			totalIn = newTotal
			rec.CapacityExpended = expended
			rec.MarginalPrice = entry.Price
			rec.MarginalBidID = entry.BidID
			winners = append(winners, entry.BidID)
			winnerIns = append(winnerIns, entry.AmountIn)
			break
		}

		totalIn = newTotal
		rec.CapacityExpended = expended
		winners = append(winners, entry.BidID)
		winnerIns = append(winnerIns, entry.AmountIn)
		lastWinner = entry

		if queue.IsEmpty() {
			rec.MarginalPrice = entry.Price
			rec.MarginalBidID = entry.BidID
		}
	}
	rec.TotalAmountIn = totalIn
	rec.NumWinningBids = uint64(len(winners))

	// Step 3: Validate minimum fill and minimum price
	reason := ""
	switch {
	case rec.MarginalPrice.IsZero():
		reason = "no bid at or above the minimum price"
	case rec.CapacityExpended.Lt(&params.MinFilled):
		reason = fmt.Sprintf("capacity expended %s below minimum fill %s", rec.CapacityExpended.Dec(), params.MinFilled.Dec())
	case rec.MarginalPrice.Lt(&params.MinPrice):
		reason = "marginal price below minimum price"
	}
	if reason != "" {
		return &SettlementResult{FailureReason: reason}, nil
	}

	// Step 4: Resolve the partial fill
	if boundary != nil && rec.CapacityExpended.Gt(&capacity) {
		pf, err := resolvePartialFill(boundary, &rec, &capacity, &scale)
		if err != nil {
			return nil, err
		}
		rec.PartialFill = pf
	}

	// Step 5: Floored payouts can sum to less than the capacity expended
	payout, err := totalPayout(winners, winnerIns, &rec, &scale)
	if err != nil {
		return nil, err
	}
	if payout.Gt(&capacity) {
		return nil, fmt.Errorf("%w: payouts %s exceed capacity %s", ErrBrokenInvariant, payout.Dec(), capacity.Dec())
	}
	rec.TotalPayout = payout

	return &SettlementResult{Record: rec, Winners: winners}, nil
}

func totalPayout(winners []uint64, amountsIn []uint256.Int, rec *SettlementRecord, scale *uint256.Int) (uint256.Int, error) {
	var total uint256.Int
	for i, id := range winners {
		payout, err := MulDiv(&amountsIn[i], scale, &rec.MarginalPrice)
		if err != nil {
			return total, err
		}
		if pf := rec.PartialFill; pf != nil && pf.BidID == id {
			payout = pf.Payout
		}
		if total, err = checkedAdd(&total, &payout); err != nil {
			return total, err
		}
	}
	return total, nil
}
