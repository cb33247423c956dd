package auction

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"sync"

	"github.com/cloudx-io/batchauction/core"
	"github.com/cloudx-io/batchauction/ledger"
)

var (
	ErrInvalidVeecode = errors.New("invalid veecode")
	ErrModuleExists   = errors.New("module already registered")
	ErrModuleNotFound = errors.New("module not found")
)

// Keycode identifies an auction type.
type Keycode string

// KeycodeEMPA is the encrypted marginal price auction.
const KeycodeEMPA Keycode = "EMPA"

// Veecode identifies a version of an auction type: a two digit version followed by
// the keycode, e.g. "01EMPA".
type Veecode string

var veecodePattern = regexp.MustCompile(`^([0-9]{2})([A-Z0-9]{3,5})$`)

// NewVeecode builds the veecode of version 1-99 of an auction type.
func NewVeecode(version uint8, k Keycode) (Veecode, error) {
	v := Veecode(fmt.Sprintf("%02d%s", version, k))
	if err := v.Validate(); err != nil {
		return "", err
	}
	return v, nil
}

func (v Veecode) Validate() error {
	m := veecodePattern.FindStringSubmatch(string(v))
	if m == nil || m[1] == "00" {
		return fmt.Errorf("%w: %q", ErrInvalidVeecode, string(v))
	}
	return nil
}

func (v Veecode) Version() uint8 {
	if len(v) < 2 {
		return 0
	}
	n, _ := strconv.Atoi(string(v[:2]))
	return uint8(n)
}

func (v Veecode) Keycode() Keycode {
	if len(v) < 2 {
		return ""
	}
	return Keycode(v[2:])
}

// AuctionModule is the capability every auction type implements.
type AuctionModule interface {
	Veecode() Veecode

	CreateLot(ctx context.Context, p CreateLotParams) (uint64, error)
	Cancel(ctx context.Context, caller string, lotID uint64) error
	Bid(ctx context.Context, p BidParams) (uint64, error)
	RefundBid(ctx context.Context, caller string, lotID, bidID uint64) error
	SubmitPrivateKey(ctx context.Context, lotID uint64, privateKey []byte, decryptCount uint64) (*DecryptResult, error)
	DecryptAndSortBids(ctx context.Context, lotID uint64, count uint64) (*DecryptResult, error)
	NextBidsToDecrypt(ctx context.Context, lotID uint64, count uint64) ([]PendingBid, error)
	Settle(ctx context.Context, lotID uint64) (*SettleResult, error)
	Abort(ctx context.Context, lotID uint64) error
	ClaimBids(ctx context.Context, lotID uint64, bidIDs []uint64) ([]core.BidClaim, error)
	ClaimProceeds(ctx context.Context, caller string, lotID uint64) (*core.Proceeds, error)

	BidClaim(ctx context.Context, lotID, bidID uint64) (*core.BidClaim, error)
	GetLot(ctx context.Context, lotID uint64) (*LotView, error)
	ListBids(ctx context.Context, lotID uint64) ([]core.Bid, error)
	Phase(ctx context.Context, lotID uint64) (core.Phase, error)
}

// Registry resolves auction modules by veecode. It is populated once at startup.
type Registry struct {
	mu      sync.RWMutex
	modules map[Veecode]AuctionModule
	latest  map[Keycode]Veecode
	ledger  ledger.Ledger
}

func NewRegistry(l ledger.Ledger) *Registry {
	return &Registry{
		modules: make(map[Veecode]AuctionModule),
		latest:  make(map[Keycode]Veecode),
		ledger:  l,
	}
}

// Register adds a module. Each veecode can be registered once.
func (r *Registry) Register(m AuctionModule) error {
	v := m.Veecode()
	if err := v.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.modules[v]; ok {
		return fmt.Errorf("%w: %s", ErrModuleExists, v)
	}
	r.modules[v] = m
	if cur, ok := r.latest[v.Keycode()]; !ok || cur.Version() < v.Version() {
		r.latest[v.Keycode()] = v
	}
	return nil
}

// Module returns the module registered under v.
func (r *Registry) Module(v Veecode) (AuctionModule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.modules[v]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, v)
	}
	return m, nil
}

// Latest returns the highest registered version of an auction type.
func (r *Registry) Latest(k Keycode) (AuctionModule, error) {
	r.mu.RLock()
	v, ok := r.latest[k]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: keycode %s", ErrModuleNotFound, k)
	}
	return r.Module(v)
}

// ModuleForLot returns the module that created a lot.
func (r *Registry) ModuleForLot(ctx context.Context, lotID uint64) (AuctionModule, error) {
	var v Veecode
	err := r.ledger.ViewLot(ctx, lotID, func(lc *ledger.LotContext) error {
		v = Veecode(lc.Lot.Veecode)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r.Module(v)
}
