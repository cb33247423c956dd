package auction

import (
	"context"
	"time"

	"github.com/holiman/uint256"

	"github.com/cloudx-io/batchauction/core"
)

// Escrow executes the token movements of an operation. A batch either fully applies
// or fails, and pulls that deliver less than requested fail with core.ErrUnsupportedToken.
// The returned undo reverses an applied batch when the ledger fails to commit.
type Escrow interface {
	Apply(ctx context.Context, transfers []core.Transfer) (undo func() error, err error)
}

// Decrypter opens sealed amount-outs with the revealed lot key.
type Decrypter interface {
	Decrypt(ct core.EncryptedAmountOut, revealedKey []byte) (uint256.Int, error)
	ValidateKeyCommitment(revealedKey, storedPublicKey []byte) bool
}

// FeeAccountant owns fee schedules and the reward books of fee recipients.
type FeeAccountant interface {
	Schedule(curatorFee uint32) (core.FeeSchedule, error)
	Allocate(lot *core.Lot, gross *uint256.Int) (core.FeeAllocation, error)
	Credit(ctx context.Context, recipient, asset string, amount uint256.Int) error
	Revoke(ctx context.Context, recipient, asset string, amount uint256.Int) error
	ProtocolRecipient() string
}

// Clock is the wall-clock source of lot time windows.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Outcome labels reported to a Recorder.
const (
	OutcomeOK       = "ok"
	OutcomeInvalid  = "invalid"
	OutcomeCleared  = "cleared"
	OutcomeFailed   = "failed"
	OutcomeAborted  = "aborted"
	OutcomeWon      = "won"
	OutcomeLost     = "lost"
	OutcomePartial  = "partial"
	OutcomeRefunded = "refunded"
)

// Recorder receives lifecycle events, typically to export metrics.
type Recorder interface {
	LotCreated()
	LotCancelled()
	BidSubmitted()
	BidRefunded()
	BidDecrypted(outcome string)
	LotSettled(outcome string)
	BidClaimed(outcome string)
	ProceedsClaimed()
}

type nopRecorder struct{}

func (nopRecorder) LotCreated()         {}
func (nopRecorder) LotCancelled()       {}
func (nopRecorder) BidSubmitted()       {}
func (nopRecorder) BidRefunded()        {}
func (nopRecorder) BidDecrypted(string) {}
func (nopRecorder) LotSettled(string)   {}
func (nopRecorder) BidClaimed(string)   {}
func (nopRecorder) ProceedsClaimed()    {}
