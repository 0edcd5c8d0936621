package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ListOpts provides pagination for list queries.
type ListOpts struct {
	Limit  int
	Offset int
}

// PlayerStore persists players and their custodial balances. Balances are
// never mutated through this interface; funding and refunds happen inside
// the LobbyStore's transactional operations.
type PlayerStore interface {
	Get(ctx context.Context, id string) (Player, error)
	Put(ctx context.Context, p Player) error
}

// LobbyStore persists lobbies and applies stake movements. CreateFunded,
// JoinFunded, and Cancel each run as one atomic transaction covering the
// balance mutation, the lobby mutation, and (when the plan carries a
// deposit) the insert-if-absent of the processed-transaction record. A
// reused signature surfaces as ErrAlreadyProcessed and rolls back the
// whole operation.
type LobbyStore interface {
	CreateFunded(ctx context.Context, lobby Lobby, plan FundingPlan) error
	JoinFunded(ctx context.Context, lobbyID, opponentID string, plan FundingPlan) (Lobby, error)
	Cancel(ctx context.Context, lobbyID, callerID string) (Lobby, error)
	Get(ctx context.Context, id string) (Lobby, error)
	ListOpen(ctx context.Context, opts ListOpts) ([]Lobby, error)
}

// TxCursor is a resumable position in the append-only double-spend ledger.
// Records sharing a timestamp are ordered by signature, so the pair gives a
// total order and a page boundary never skips a same-instant record.
type TxCursor struct {
	RecordedAt time.Time
	Signature  string
}

// Before reports whether c orders strictly before other.
func (c TxCursor) Before(other TxCursor) bool {
	if !c.RecordedAt.Equal(other.RecordedAt) {
		return c.RecordedAt.Before(other.RecordedAt)
	}
	return c.Signature < other.Signature
}

// ProcessedTxStore reads the append-only double-spend ledger. Exists is a
// cheap pre-check consulted before the slow chain verification; the
// authoritative consume happens inside the LobbyStore transaction.
type ProcessedTxStore interface {
	Exists(ctx context.Context, signature string) (bool, error)
	ListSince(ctx context.Context, after TxCursor, opts ListOpts) ([]ProcessedTransaction, error)
}

// LockManager provides mutual exclusion keyed by an arbitrary string,
// here always a player id. Acquire does not block: if the lock is held it
// returns ErrLockHeld immediately. The returned unlock function is safe to
// call more than once.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// DepositVerifier checks a deposit proof against the external ledger. It
// returns the verified deposit on success, or an error wrapping
// ErrVerificationFailed naming the rejection reason. Verification failure
// is a rejected deposit, not a retryable infrastructure error.
type DepositVerifier interface {
	VerifyDeposit(ctx context.Context, proof DepositProof, expectedAmount decimal.Decimal) (VerifiedDeposit, error)
}
