package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// DepositProof is a caller-supplied claim that an on-chain transfer to the
// escrow address covers their stake shortfall. Nothing in it is trusted
// until the chain verifier has checked the transaction by signature.
type DepositProof struct {
	Signature    string // transaction hash on the target chain
	PayerAddress string
}

// VerifiedDeposit is a deposit proof that passed on-chain verification.
// Amount is in display units.
type VerifiedDeposit struct {
	Signature    string
	PayerAddress string
	Amount       decimal.Decimal
}

// ProcessedTransaction is the write-once double-spend record for a consumed
// deposit signature. Its presence is the sole source of truth for "this
// deposit has already been credited".
type ProcessedTransaction struct {
	Signature    string
	PayerAddress string
	Amount       decimal.Decimal
	RecordedAt   time.Time
}

// FundingPlan describes how a stake is funded: an optional verified deposit
// credited to the custodial balance, followed by the stake debit. The store
// applies both in a single transaction.
type FundingPlan struct {
	Token   Token
	Deposit *VerifiedDeposit // nil when the custodial balance covers the stake
	Debit   decimal.Decimal
}
