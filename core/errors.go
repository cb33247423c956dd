package core

import "errors"

var (
	// ErrInvalidStart is returned when a lot start is in the past.
	ErrInvalidStart = errors.New("auction start is in the past")
	// ErrInvalidDuration is returned when a lot is shorter than the minimum duration.
	ErrInvalidDuration = errors.New("auction duration below minimum")
	// ErrInvalidParams is returned for malformed creation or bid parameters.
	ErrInvalidParams = errors.New("invalid auction parameters")
	// ErrInvalidLotID is returned when a lot does not exist.
	ErrInvalidLotID = errors.New("lot does not exist")
	// ErrInvalidBidID is returned when a bid does not exist on the lot.
	ErrInvalidBidID = errors.New("bid does not exist")
	// ErrMarketNotActive is returned when a lot does not accept bids.
	ErrMarketNotActive = errors.New("market not active")
	// ErrMarketActive is returned when an operation requires a concluded lot.
	ErrMarketActive = errors.New("market still active")
	// ErrWrongState is returned when a lot is in the wrong status for an operation.
	ErrWrongState = errors.New("lot in wrong state")
	// ErrBidWrongState is returned when a bid is in the wrong status for an operation.
	ErrBidWrongState = errors.New("bid in wrong state")
	// ErrNotPermitted is returned when the caller is not the owner of the lot or bid.
	ErrNotPermitted = errors.New("caller not permitted")
	// ErrAmountLessThanMinimum is returned for bids below the lot minimum bid size.
	ErrAmountLessThanMinimum = errors.New("bid amount less than minimum")
	// ErrInvalidDecrypt is returned when revealed key material does not match the commitment.
	ErrInvalidDecrypt = errors.New("invalid decryption key")
	// ErrUnsupportedToken is returned when an escrow transfer delivered less than requested.
	ErrUnsupportedToken = errors.New("unsupported token")
	// ErrBrokenInvariant signals an internal consistency failure. It is never retried.
	ErrBrokenInvariant = errors.New("broken invariant")
)
