// Package fees keeps the protocol, referrer and curator fee books of batch auctions.
package fees

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/holiman/uint256"
	log "github.com/sirupsen/logrus"

	"github.com/cloudx-io/batchauction/core"
)

// ErrNothingToClaim is returned by ClaimRewards when no rewards are owed.
var ErrNothingToClaim = errors.New("no rewards to claim")

// Config is the fee configuration of an auction type.
type Config struct {
	Protocol          uint32
	Referrer          uint32
	MaxCurator        uint32
	ProtocolRecipient string
}

// Payer pays accrued rewards out of escrow custody.
type Payer interface {
	Push(ctx context.Context, asset, to string, amount uint256.Int) error
}

// Accountant snapshots fee schedules for new lots, splits cleared proceeds and
// tracks the rewards each recipient can claim. Rewards are held in escrow custody
// until claimed.
type Accountant struct {
	mu      sync.Mutex
	cfg     Config
	payer   Payer
	rewards map[string]map[string]uint256.Int
}

// NewAccountant validates cfg and returns an accountant paying through payer.
func NewAccountant(cfg Config, payer Payer) (*Accountant, error) {
	if cfg.ProtocolRecipient == "" {
		return nil, fmt.Errorf("%w: missing protocol recipient", core.ErrInvalidParams)
	}
	if cfg.MaxCurator > core.OneHundredPercent {
		return nil, fmt.Errorf("%w: max curator fee exceeds 100%%", core.ErrInvalidParams)
	}
	schedule := core.FeeSchedule{Protocol: cfg.Protocol, Referrer: cfg.Referrer}
	if err := schedule.Validate(); err != nil {
		return nil, err
	}
	return &Accountant{
		cfg:     cfg,
		payer:   payer,
		rewards: make(map[string]map[string]uint256.Int),
	}, nil
}

// ProtocolRecipient is the account credited with protocol fees and fee dust.
func (a *Accountant) ProtocolRecipient() string {
	return a.cfg.ProtocolRecipient
}

// Schedule returns the fee schedule a new lot is created with.
func (a *Accountant) Schedule(curatorFee uint32) (core.FeeSchedule, error) {
	if curatorFee > a.cfg.MaxCurator {
		return core.FeeSchedule{}, fmt.Errorf("%w: curator fee %s%% above maximum %s%%",
			core.ErrInvalidParams, core.FormatPercent(curatorFee), core.FormatPercent(a.cfg.MaxCurator))
	}
	s := core.FeeSchedule{Protocol: a.cfg.Protocol, Referrer: a.cfg.Referrer, Curator: curatorFee}
	return s, s.Validate()
}

// Allocate splits the gross quote proceeds of a lot using the schedule recorded on it.
func (a *Accountant) Allocate(lot *core.Lot, gross *uint256.Int) (core.FeeAllocation, error) {
	alloc, err := lot.Fees.Allocate(gross)
	if err != nil {
		return alloc, fmt.Errorf("allocating fees of lot %d: %w", lot.ID, err)
	}
	return alloc, nil
}

// Credit adds amount of asset to the rewards of recipient.
func (a *Accountant) Credit(_ context.Context, recipient, asset string, amount uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	assets, ok := a.rewards[recipient]
	if !ok {
		assets = make(map[string]uint256.Int)
		a.rewards[recipient] = assets
	}
	cur := assets[asset]
	total, err := core.Add(&cur, &amount)
	if err != nil {
		return err
	}
	assets[asset] = total
	return nil
}

// Revoke takes back a credit whose operation was rolled back. It fails when the
// recipient has already claimed it.
func (a *Accountant) Revoke(_ context.Context, recipient, asset string, amount uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	cur := a.rewards[recipient][asset]
	left, err := core.Sub(&cur, &amount)
	if err != nil {
		return fmt.Errorf("revoking %s %s from %s: %w", amount.Dec(), asset, recipient, err)
	}
	if left.IsZero() {
		delete(a.rewards[recipient], asset)
		return nil
	}
	a.rewards[recipient][asset] = left
	return nil
}

// Rewards returns the unclaimed rewards of recipient in asset.
func (a *Accountant) Rewards(recipient, asset string) uint256.Int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rewards[recipient][asset]
}

// ClaimRewards pays out every reward of recipient in asset.
func (a *Accountant) ClaimRewards(ctx context.Context, recipient, asset string) (uint256.Int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	amount := a.rewards[recipient][asset]
	if amount.IsZero() {
		return amount, ErrNothingToClaim
	}

	delete(a.rewards[recipient], asset)
	if err := a.payer.Push(ctx, asset, recipient, amount); err != nil {
		a.rewards[recipient][asset] = amount
		return uint256.Int{}, fmt.Errorf("paying rewards to %s: %w", recipient, err)
	}

	log.WithFields(log.Fields{
		"recipient": recipient,
		"asset":     asset,
		"amount":    amount.Dec(),
	}).Info("rewards claimed")
	return amount, nil
}
