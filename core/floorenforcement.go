package core

import (
	"fmt"

	"github.com/holiman/uint256"
)

// ValidateDecimals checks both assets use between MinAssetDecimals and MaxAssetDecimals.
func ValidateDecimals(quote, base Asset) error {
	for _, a := range []Asset{quote, base} {
		if a.Decimals < MinAssetDecimals || a.Decimals > MaxAssetDecimals {
			return fmt.Errorf("%w: asset %q has %d decimals", ErrInvalidParams, a.ID, a.Decimals)
		}
	}
	return nil
}

// DeriveMinFilled returns capacity*minFillPercent/OneHundredPercent.
func DeriveMinFilled(capacity *uint256.Int, minFillPercent uint32) (uint256.Int, error) {
	if minFillPercent > OneHundredPercent {
		return uint256.Int{}, fmt.Errorf("%w: min fill percent %d", ErrInvalidParams, minFillPercent)
	}
	return applyPercent(capacity, minFillPercent), nil
}

// DeriveMinBidSize returns the smallest amount in accepted on a lot: minBidPercent of
// capacity, valued at the minimum price. The percentage must lie in [floor, 100%].
func DeriveMinBidSize(capacity, minPrice *uint256.Int, minBidPercent, floor uint32, baseScale uint256.Int) (uint256.Int, error) {
	if minBidPercent < floor || minBidPercent > OneHundredPercent {
		return uint256.Int{}, fmt.Errorf("%w: min bid percent %d outside [%d, %d]", ErrInvalidParams, minBidPercent, floor, OneHundredPercent)
	}
	minBidCapacity := applyPercent(capacity, minBidPercent)
	return MulDiv(&minBidCapacity, minPrice, &baseScale)
}

// BidMeetsMinimum reports whether amountIn is at least the lot minimum bid size.
func BidMeetsMinimum(amountIn, minBidSize *uint256.Int) bool {
	return amountIn.Cmp(minBidSize) >= 0
}
