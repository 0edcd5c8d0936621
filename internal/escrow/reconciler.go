// Package escrow implements the stake-escrow lobby service: the ledger
// reconciler that decides how a stake is funded, and the service that
// orchestrates locks, verification, and the transactional store.
package escrow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/wagerarena/stakelobby/internal/domain"
)

// Reconciler computes how much of a stake must come from a fresh on-chain
// deposit versus the already-custodied balance, and verifies the deposit
// when one is required.
type Reconciler struct {
	verifier  domain.DepositVerifier
	processed domain.ProcessedTxStore
	logger    *slog.Logger
}

// NewReconciler creates a Reconciler.
func NewReconciler(verifier domain.DepositVerifier, processed domain.ProcessedTxStore, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		verifier:  verifier,
		processed: processed,
		logger:    logger.With(slog.String("component", "reconciler")),
	}
}

// ResolveStake produces the funding plan for staking `stake` of `token`.
//
// If the custodial balance covers the stake, no chain interaction happens.
// Otherwise a deposit proof is mandatory and must verify as a transfer of
// exactly the shortfall; a missing proof is a validation error, a failed
// verification rejects the whole operation with no partial credit. The
// returned plan's deposit is credited, and the signature consumed, inside
// the same store transaction that debits the stake.
func (r *Reconciler) ResolveStake(ctx context.Context, player domain.Player, token domain.Token, stake decimal.Decimal, proof *domain.DepositProof) (domain.FundingPlan, error) {
	plan := domain.FundingPlan{Token: token, Debit: stake}

	shortfall := stake.Sub(player.Balance(token))
	if shortfall.LessThanOrEqual(decimal.Zero) {
		return plan, nil
	}

	if proof == nil || proof.Signature == "" {
		return domain.FundingPlan{}, fmt.Errorf(
			"custodial balance %s short of stake %s, deposit proof required: %w",
			player.Balance(token), stake, domain.ErrValidation)
	}

	// Cheap rejection before the slow chain lookup. The authoritative
	// consume is the insert-if-absent inside the funding transaction.
	consumed, err := r.processed.Exists(ctx, proof.Signature)
	if err != nil {
		return domain.FundingPlan{}, fmt.Errorf("escrow: check signature %s: %w", proof.Signature, err)
	}
	if consumed {
		return domain.FundingPlan{}, fmt.Errorf("signature %s: %w", proof.Signature, domain.ErrAlreadyProcessed)
	}

	deposit, err := r.verifier.VerifyDeposit(ctx, *proof, shortfall)
	if err != nil {
		return domain.FundingPlan{}, err
	}

	r.logger.InfoContext(ctx, "shortfall covered by verified deposit",
		slog.String("player_id", player.ID),
		slog.String("signature", deposit.Signature),
		slog.String("shortfall", shortfall.String()),
	)

	plan.Deposit = &deposit
	return plan, nil
}
