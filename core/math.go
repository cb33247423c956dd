package core

import (
	"fmt"

	"github.com/holiman/uint256"
)

var ten = uint256.NewInt(10)

// Scale returns 10^decimals.
func Scale(decimals uint8) uint256.Int {
	var s uint256.Int
	s.Exp(ten, uint256.NewInt(uint64(decimals)))
	return s
}

// MulDiv returns floor(x*y/d) computed with a 512-bit intermediate.
func MulDiv(x, y, d *uint256.Int) (uint256.Int, error) {
	var z uint256.Int
	if d.IsZero() {
		return z, fmt.Errorf("%w: division by zero", ErrBrokenInvariant)
	}
	if _, overflow := z.MulDivOverflow(x, y, d); overflow {
		return z, fmt.Errorf("%w: mul-div overflow", ErrBrokenInvariant)
	}
	return z, nil
}

// MulDivUp returns ceil(x*y/d).
func MulDivUp(x, y, d *uint256.Int) (uint256.Int, error) {
	z, err := MulDiv(x, y, d)
	if err != nil {
		return z, err
	}
	var rem uint256.Int
	if rem.MulMod(x, y, d); !rem.IsZero() {
		if _, overflow := z.AddOverflow(&z, uint256.NewInt(1)); overflow {
			return z, fmt.Errorf("%w: mul-div overflow", ErrBrokenInvariant)
		}
	}
	return z, nil
}

// BidPrice returns the implied price of a bid, floor(amountIn*baseScale/amountOut),
// in quote units per whole base unit. Settlement and claims both use it so a bid is
// classified identically at both sites.
func BidPrice(amountIn, amountOut, baseScale *uint256.Int) (uint256.Int, error) {
	if amountOut.IsZero() {
		return uint256.Int{}, fmt.Errorf("%w: zero amount out", ErrInvalidParams)
	}
	return MulDiv(amountIn, baseScale, amountOut)
}

func checkedAdd(x, y *uint256.Int) (uint256.Int, error) {
	var z uint256.Int
	if _, overflow := z.AddOverflow(x, y); overflow {
		return z, fmt.Errorf("%w: addition overflow", ErrBrokenInvariant)
	}
	return z, nil
}

func checkedSub(x, y *uint256.Int) (uint256.Int, error) {
	var z uint256.Int
	if _, underflow := z.SubOverflow(x, y); underflow {
		return z, fmt.Errorf("%w: subtraction underflow", ErrBrokenInvariant)
	}
	return z, nil
}

// Add returns x+y, failing with ErrBrokenInvariant on overflow.
func Add(x, y *uint256.Int) (uint256.Int, error) { return checkedAdd(x, y) }

// Sub returns x-y, failing with ErrBrokenInvariant on underflow.
func Sub(x, y *uint256.Int) (uint256.Int, error) { return checkedSub(x, y) }

func minInt(x, y *uint256.Int) uint256.Int {
	if x.Lt(y) {
		return *x
	}
	return *y
}
