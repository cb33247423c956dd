// Package escrow keeps asset balances of sellers, bidders and the auction custody
// account, and moves funds in and out of custody on behalf of the auction module.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/holiman/uint256"
	log "github.com/sirupsen/logrus"

	"github.com/cloudx-io/batchauction/core"
)

// ErrInsufficientBalance is returned when an account cannot cover a transfer.
var ErrInsufficientBalance = errors.New("insufficient balance")

// DefaultCustodyAccount is the account holding escrowed funds.
const DefaultCustodyAccount = "batch-auction-custody"

// Vault is an in-process multi-asset balance book. Assets may be registered with a
// transfer fee to model tokens that deliver less than the amount sent.
type Vault struct {
	mu       sync.Mutex
	custody  string
	balances map[string]map[string]uint256.Int
	fees     map[string]uint32
}

// NewVault returns an empty vault escrowing into the custody account.
func NewVault(custody string) *Vault {
	if custody == "" {
		custody = DefaultCustodyAccount
	}
	return &Vault{
		custody:  custody,
		balances: make(map[string]map[string]uint256.Int),
		fees:     make(map[string]uint32),
	}
}

// Custody returns the escrow account name.
func (v *Vault) Custody() string {
	return v.custody
}

// SetTransferFee charges fee (on the core.OneHundredPercent scale) on every transfer of asset.
func (v *Vault) SetTransferFee(asset string, fee uint32) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.fees[asset] = fee
}

// Deposit credits an account from outside the vault.
func (v *Vault) Deposit(asset, account string, amount uint256.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	bal := v.balanceOf(asset, account)
	if _, overflow := bal.AddOverflow(&bal, &amount); overflow {
		return fmt.Errorf("%w: balance overflow", core.ErrBrokenInvariant)
	}
	v.setBalance(asset, account, bal)
	return nil
}

// BalanceOf returns the balance of account in asset.
func (v *Vault) BalanceOf(asset, account string) uint256.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.balanceOf(asset, account)
}

// Pull moves amount of asset from an account into custody. It fails with
// core.ErrUnsupportedToken when custody received less than amount.
func (v *Vault) Pull(ctx context.Context, asset, from string, amount uint256.Int) error {
	return v.Execute(ctx, []core.Transfer{{Kind: core.TransferPull, Asset: asset, Account: from, Amount: amount}})
}

// Push moves amount of asset out of custody to an account.
func (v *Vault) Push(ctx context.Context, asset, to string, amount uint256.Int) error {
	return v.Execute(ctx, []core.Transfer{{Kind: core.TransferPush, Asset: asset, Account: to, Amount: amount}})
}

// Execute applies every transfer in order, or none of them.
func (v *Vault) Execute(ctx context.Context, transfers []core.Transfer) error {
	_, err := v.Apply(ctx, transfers)
	return err
}

// Apply executes transfers like Execute and returns a function that reverses the
// balance changes of the batch, for callers whose own commit can still fail.
func (v *Vault) Apply(ctx context.Context, transfers []core.Transfer) (func() error, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	snapshot := v.snapshot(transfers)
	moves := make(map[balanceKey]*movement)
	for i, tr := range transfers {
		if tr.Amount.IsZero() {
			continue
		}
		var err error
		switch tr.Kind {
		case core.TransferPull:
			err = v.pull(tr.Asset, tr.Account, tr.Amount, moves)
		case core.TransferPush:
			err = v.transfer(tr.Asset, v.custody, tr.Account, tr.Amount, moves)
		default:
			err = fmt.Errorf("unknown transfer kind %d", tr.Kind)
		}
		if err != nil {
			v.restore(snapshot)
			return nil, fmt.Errorf("transfer %d of %d (%s %s): %w", i+1, len(transfers), tr.Asset, tr.Account, err)
		}
	}

	log.WithField("transfers", len(transfers)).Debug("escrow batch executed")
	return func() error { return v.revert(moves) }, nil
}

type balanceKey struct {
	asset   string
	account string
}

// movement is what a batch took from and gave to one balance.
type movement struct {
	out uint256.Int
	in  uint256.Int
}

func movementOf(moves map[balanceKey]*movement, asset, account string) *movement {
	k := balanceKey{asset: asset, account: account}
	mv, ok := moves[k]
	if !ok {
		mv = &movement{}
		moves[k] = mv
	}
	return mv
}

// revert undoes a batch by its balance deltas, leaving later batches intact. It
// fails without changing anything when a credited balance was spent since.
func (v *Vault) revert(moves map[balanceKey]*movement) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	next := make(map[balanceKey]uint256.Int, len(moves))
	for k, mv := range moves {
		bal := v.balanceOf(k.asset, k.account)
		if _, overflow := bal.AddOverflow(&bal, &mv.out); overflow {
			return fmt.Errorf("%w: balance overflow", core.ErrBrokenInvariant)
		}
		if bal.Lt(&mv.in) {
			return fmt.Errorf("%w: cannot revert %s of %s", ErrInsufficientBalance, k.asset, k.account)
		}
		bal.Sub(&bal, &mv.in)
		next[k] = bal
	}
	for k, bal := range next {
		v.setBalance(k.asset, k.account, bal)
	}

	log.WithField("balances", len(next)).Warn("escrow batch reverted")
	return nil
}

func (v *Vault) pull(asset, from string, amount uint256.Int, moves map[balanceKey]*movement) error {
	before := v.balanceOf(asset, v.custody)
	if err := v.transfer(asset, from, v.custody, amount, moves); err != nil {
		return err
	}
	after := v.balanceOf(asset, v.custody)

	var received uint256.Int
	received.Sub(&after, &before)
	if received.Lt(&amount) {
		return fmt.Errorf("%w: received %s of %s", core.ErrUnsupportedToken, received.Dec(), amount.Dec())
	}
	return nil
}

func (v *Vault) transfer(asset, from, to string, amount uint256.Int, moves map[balanceKey]*movement) error {
	fromBal := v.balanceOf(asset, from)
	if fromBal.Lt(&amount) {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientBalance, from, fromBal.Dec(), amount.Dec())
	}
	fromBal.Sub(&fromBal, &amount)
	v.setBalance(asset, from, fromBal)

	delivered := amount
	if fee := v.fees[asset]; fee > 0 {
		var cut uint256.Int
		cut.MulDivOverflow(&amount, uint256.NewInt(uint64(fee)), uint256.NewInt(uint64(core.OneHundredPercent)))
		delivered.Sub(&delivered, &cut)
	}

	toBal := v.balanceOf(asset, to)
	if _, overflow := toBal.AddOverflow(&toBal, &delivered); overflow {
		return fmt.Errorf("%w: balance overflow", core.ErrBrokenInvariant)
	}
	v.setBalance(asset, to, toBal)

	out := movementOf(moves, asset, from)
	out.out.Add(&out.out, &amount)
	in := movementOf(moves, asset, to)
	in.in.Add(&in.in, &delivered)
	return nil
}

func (v *Vault) balanceOf(asset, account string) uint256.Int {
	return v.balances[asset][account]
}

func (v *Vault) setBalance(asset, account string, amount uint256.Int) {
	accounts, ok := v.balances[asset]
	if !ok {
		accounts = make(map[string]uint256.Int)
		v.balances[asset] = accounts
	}
	accounts[account] = amount
}

func (v *Vault) snapshot(transfers []core.Transfer) map[string]map[string]uint256.Int {
	snap := make(map[string]map[string]uint256.Int)
	for _, tr := range transfers {
		if _, ok := snap[tr.Asset]; ok {
			continue
		}
		accounts := make(map[string]uint256.Int, len(v.balances[tr.Asset]))
		for acc, bal := range v.balances[tr.Asset] {
			accounts[acc] = bal
		}
		snap[tr.Asset] = accounts
	}
	return snap
}

func (v *Vault) restore(snap map[string]map[string]uint256.Int) {
	for asset, accounts := range snap {
		v.balances[asset] = accounts
	}
}
