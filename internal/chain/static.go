package chain

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/wagerarena/stakelobby/internal/domain"
)

// StaticVerifier approves every well-formed proof as a transfer of exactly
// the expected amount, without consulting a ledger. It backs the memory
// storage mode so local development needs no RPC endpoint. Never use it with
// real balances.
type StaticVerifier struct{}

// VerifyDeposit validates the proof's shape and accepts it.
func (StaticVerifier) VerifyDeposit(ctx context.Context, proof domain.DepositProof, expectedAmount decimal.Decimal) (domain.VerifiedDeposit, error) {
	if !isTxHash(proof.Signature) {
		return domain.VerifiedDeposit{}, fmt.Errorf("chain: malformed transaction signature %q: %w", proof.Signature, domain.ErrVerificationFailed)
	}
	if !common.IsHexAddress(proof.PayerAddress) {
		return domain.VerifiedDeposit{}, fmt.Errorf("chain: malformed payer address %q: %w", proof.PayerAddress, domain.ErrVerificationFailed)
	}
	return domain.VerifiedDeposit{
		Signature:    proof.Signature,
		PayerAddress: proof.PayerAddress,
		Amount:       expectedAmount,
	}, nil
}

var _ domain.DepositVerifier = StaticVerifier{}
