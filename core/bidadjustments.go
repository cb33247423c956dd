package core

import (
	"fmt"

	"github.com/holiman/uint256"
)

var hundredPercent = uint256.NewInt(uint64(OneHundredPercent))

// FeeSchedule holds the fee percentages of a lot on the OneHundredPercent scale.
// Protocol and referrer fees are charged on quote proceeds; the curator fee is paid
// in the payout asset.
type FeeSchedule struct {
	Protocol uint32 `json:"protocol"`
	Referrer uint32 `json:"referrer"`
	Curator  uint32 `json:"curator"`
}

// FeeAllocation splits the cleared quote proceeds of a lot.
type FeeAllocation struct {
	Protocol    uint256.Int
	Referrer    uint256.Int
	NetToSeller uint256.Int
}

func (f FeeSchedule) Validate() error {
	if f.Protocol+f.Referrer > OneHundredPercent {
		return fmt.Errorf("%w: quote fees exceed 100%%", ErrInvalidParams)
	}
	if f.Curator > OneHundredPercent {
		return fmt.Errorf("%w: curator fee exceeds 100%%", ErrInvalidParams)
	}
	return nil
}

// Allocate splits gross quote proceeds into the protocol share, the referrer pool and
// the seller's net.
func (f FeeSchedule) Allocate(gross *uint256.Int) (FeeAllocation, error) {
	alloc := FeeAllocation{
		Protocol: applyPercent(gross, f.Protocol),
		Referrer: applyPercent(gross, f.Referrer),
	}
	fees, err := checkedAdd(&alloc.Protocol, &alloc.Referrer)
	if err != nil {
		return alloc, err
	}
	if alloc.NetToSeller, err = checkedSub(gross, &fees); err != nil {
		return alloc, err
	}
	return alloc, nil
}

// ReferrerFee is the referrer fee owed on the amount paid by a single winning bid.
func (f FeeSchedule) ReferrerFee(paid *uint256.Int) uint256.Int {
	return applyPercent(paid, f.Referrer)
}

// CuratorFee is the curator fee owed on a payout amount.
func (f FeeSchedule) CuratorFee(payout *uint256.Int) uint256.Int {
	return applyPercent(payout, f.Curator)
}

func applyPercent(amount *uint256.Int, pct uint32) uint256.Int {
	var z uint256.Int
	if pct == 0 || amount.IsZero() {
		return z
	}
	// amount*pct cannot overflow 512 bits and the quotient is at most amount.
	z.MulDivOverflow(amount, uint256.NewInt(uint64(pct)), hundredPercent)
	return z
}
