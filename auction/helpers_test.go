package auction

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/peterldowns/testy/assert"

	"github.com/cloudx-io/batchauction/core"
	"github.com/cloudx-io/batchauction/escrow"
	"github.com/cloudx-io/batchauction/fees"
	"github.com/cloudx-io/batchauction/ledger"
	"github.com/cloudx-io/batchauction/ledger/inmemory"
)

const (
	quoteAsset = "USDC"
	baseAsset  = "WETH"
	seller     = "seller"
	curator    = "curator"
	protocol   = "protocol"
	publicKey  = "pub"
	privateKey = "priv:pub"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

// plainOracle treats the encrypted payload as the decimal amount out.
type plainOracle struct{}

func (plainOracle) ValidateKeyCommitment(revealed, stored []byte) bool {
	return string(revealed) == "priv:"+string(stored)
}

func (plainOracle) Decrypt(ct core.EncryptedAmountOut, _ []byte) (uint256.Int, error) {
	v, err := uint256.FromDecimal(ct.EncryptedPayload)
	if err != nil {
		return uint256.Int{}, err
	}
	if v.IsZero() {
		return uint256.Int{}, errors.New("zero amount out")
	}
	return *v, nil
}

func sealed(amountOut string) core.EncryptedAmountOut {
	return core.EncryptedAmountOut{AESKeyEncrypted: "k", EncryptedPayload: amountOut, Nonce: "n"}
}

type countingRecorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func (r *countingRecorder) inc(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts == nil {
		r.counts = make(map[string]int)
	}
	r.counts[name]++
}

func (r *countingRecorder) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[name]
}

func (r *countingRecorder) LotCreated()           { r.inc("lot_created") }
func (r *countingRecorder) LotCancelled()         { r.inc("lot_cancelled") }
func (r *countingRecorder) BidSubmitted()         { r.inc("bid_submitted") }
func (r *countingRecorder) BidRefunded()          { r.inc("bid_refunded") }
func (r *countingRecorder) BidDecrypted(o string) { r.inc("decrypted_" + o) }
func (r *countingRecorder) LotSettled(o string)   { r.inc("settled_" + o) }
func (r *countingRecorder) BidClaimed(o string)   { r.inc("claimed_" + o) }
func (r *countingRecorder) ProceedsClaimed()      { r.inc("proceeds_claimed") }

// units parses a human amount of an 18 decimals asset.
func units(t *testing.T, s string) uint256.Int {
	t.Helper()
	v, err := core.ParseUnits(s, 18)
	assert.NoError(t, err)
	return v
}

type harness struct {
	t      *testing.T
	ctx    context.Context
	clock  *fakeClock
	vault  *escrow.Vault
	fees   *fees.Accountant
	rec    *countingRecorder
	module *Module
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	vault := escrow.NewVault("")
	acc, err := fees.NewAccountant(fees.Config{
		Protocol:          1_000,
		Referrer:          500,
		MaxCurator:        5_000,
		ProtocolRecipient: protocol,
	}, vault)
	assert.NoError(t, err)

	clock := &fakeClock{now: t0}
	rec := &countingRecorder{}
	veecode, err := NewVeecode(1, KeycodeEMPA)
	assert.NoError(t, err)
	m, err := NewModule(veecode, DefaultConfig(), inmemory.NewLedger(), vault, plainOracle{}, acc,
		WithClock(clock), WithRecorder(rec))
	assert.NoError(t, err)

	h := &harness{t: t, ctx: context.Background(), clock: clock, vault: vault, fees: acc, rec: rec, module: m}
	h.fund(baseAsset, seller, "1000")
	return h
}

// rewire rebuilds the module over l and acc, keeping the vault, clock and recorder.
// Lots created before are not carried over.
func (h *harness) rewire(l ledger.Ledger, acc FeeAccountant) {
	h.t.Helper()
	veecode, err := NewVeecode(1, KeycodeEMPA)
	assert.NoError(h.t, err)
	h.module, err = NewModule(veecode, DefaultConfig(), l, h.vault, plainOracle{}, acc,
		WithClock(h.clock), WithRecorder(h.rec))
	assert.NoError(h.t, err)
}

var errCommit = errors.New("commit failed")

// commitFailingLedger runs updates normally but, while armed, fails them after the
// operation succeeded, as a store whose commit fails would.
type commitFailingLedger struct {
	ledger.Ledger
	armed bool
}

func (l *commitFailingLedger) UpdateLot(ctx context.Context, lotID uint64, fn func(lc *ledger.LotContext) error) error {
	if !l.armed {
		return l.Ledger.UpdateLot(ctx, lotID, fn)
	}
	return l.Ledger.UpdateLot(ctx, lotID, func(lc *ledger.LotContext) error {
		if err := fn(lc); err != nil {
			return err
		}
		return errCommit
	})
}

var errCredit = errors.New("fee book unavailable")

// creditFailingAccountant refuses credits while armed.
type creditFailingAccountant struct {
	*fees.Accountant
	armed bool
}

func (a *creditFailingAccountant) Credit(ctx context.Context, recipient, asset string, amount uint256.Int) error {
	if a.armed {
		return errCredit
	}
	return a.Accountant.Credit(ctx, recipient, asset, amount)
}

func (h *harness) fund(asset, account, amount string) {
	h.t.Helper()
	assert.NoError(h.t, h.vault.Deposit(asset, account, units(h.t, amount)))
}

func (h *harness) balance(asset, account string) uint256.Int {
	return h.vault.BalanceOf(asset, account)
}

func (h *harness) lotParams() CreateLotParams {
	return CreateLotParams{
		Seller:         seller,
		QuoteAsset:     core.Asset{ID: quoteAsset, Decimals: 18},
		BaseAsset:      core.Asset{ID: baseAsset, Decimals: 18},
		Duration:       time.Hour,
		Capacity:       units(h.t, "10"),
		MinPrice:       units(h.t, "1"),
		MinFillPercent: 10_000,
		MinBidPercent:  1_000,
		PublicKey:      []byte(publicKey),
		Curator:        curator,
		CuratorFee:     1_000,
	}
}

func (h *harness) createLot(modify func(p *CreateLotParams)) uint64 {
	h.t.Helper()
	p := h.lotParams()
	if modify != nil {
		modify(&p)
	}
	id, err := h.module.CreateLot(h.ctx, p)
	assert.NoError(h.t, err)
	return id
}

// bid funds the bidder and submits a bid of amountIn for amountOut, both human amounts.
func (h *harness) bid(lotID uint64, bidder, referrer, amountIn, amountOut string) uint64 {
	h.t.Helper()
	h.fund(quoteAsset, bidder, amountIn)
	out := units(h.t, amountOut)
	id, err := h.module.Bid(h.ctx, BidParams{
		LotID:              lotID,
		Bidder:             bidder,
		Referrer:           referrer,
		AmountIn:           units(h.t, amountIn),
		EncryptedAmountOut: sealed(out.Dec()),
	})
	assert.NoError(h.t, err)
	return id
}

// conclude moves past the conclusion, reveals the key and decrypts every bid.
func (h *harness) conclude(lotID uint64) {
	h.t.Helper()
	lot, err := h.module.GetLot(h.ctx, lotID)
	assert.NoError(h.t, err)
	if h.clock.now.Before(lot.Lot.Conclusion) {
		h.clock.now = lot.Lot.Conclusion
	}
	res, err := h.module.SubmitPrivateKey(h.ctx, lotID, []byte(privateKey), 0)
	assert.NoError(h.t, err)
	if res.Complete {
		return
	}
	res, err = h.module.DecryptAndSortBids(h.ctx, lotID, 0)
	assert.NoError(h.t, err)
	assert.True(h.t, res.Complete)
}
