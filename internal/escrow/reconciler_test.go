package escrow

import (
	"context"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/wagerarena/stakelobby/internal/domain"
	"github.com/wagerarena/stakelobby/internal/store/memory"
)

func newTestReconciler(t *testing.T) (*Reconciler, *fakeVerifier, *memory.Store) {
	t.Helper()
	store := memory.New()
	verifier := &fakeVerifier{}
	rec := NewReconciler(verifier, store, slog.New(slog.DiscardHandler))
	return rec, verifier, store
}

func testPlayer(balance string) domain.Player {
	return domain.Player{
		ID:             creatorID,
		OnChainAddress: creatorAddr,
		Balances: map[domain.Token]decimal.Decimal{
			eth: decimal.RequireFromString(balance),
		},
	}
}

func TestResolveStakeCoveredByBalance(t *testing.T) {
	rec, verifier, _ := newTestReconciler(t)

	// Even when a proof is supplied, a covered stake never touches the
	// chain.
	plan, err := rec.ResolveStake(context.Background(), testPlayer("10"), eth,
		decimal.NewFromInt(5), &domain.DepositProof{Signature: depositSig})
	require.NoError(t, err)
	require.Nil(t, plan.Deposit)
	require.True(t, plan.Debit.Equal(decimal.NewFromInt(5)))
	require.Zero(t, verifier.calls)
}

func TestResolveStakeShortfallVerifiesExactly(t *testing.T) {
	rec, verifier, _ := newTestReconciler(t)

	plan, err := rec.ResolveStake(context.Background(), testPlayer("3"), eth,
		decimal.NewFromInt(5), &domain.DepositProof{Signature: depositSig, PayerAddress: creatorAddr})
	require.NoError(t, err)
	require.Equal(t, 1, verifier.calls)
	require.NotNil(t, plan.Deposit)
	require.True(t, plan.Deposit.Amount.Equal(decimal.NewFromInt(2)))
	require.True(t, plan.Debit.Equal(decimal.NewFromInt(5)))
}

func TestResolveStakeShortfallWithoutProof(t *testing.T) {
	rec, verifier, _ := newTestReconciler(t)

	_, err := rec.ResolveStake(context.Background(), testPlayer("3"), eth,
		decimal.NewFromInt(5), nil)
	require.ErrorIs(t, err, domain.ErrValidation)
	require.Zero(t, verifier.calls)
}

func TestResolveStakeConsumedSignature(t *testing.T) {
	rec, verifier, store := newTestReconciler(t)
	ctx := context.Background()

	// Seed the double-spend record directly.
	require.NoError(t, store.Put(ctx, testPlayer("0")))
	require.NoError(t, store.CreateFunded(ctx, domain.Lobby{
		ID:        "seed",
		CreatorID: creatorID,
		Token:     eth,
		Stake:     decimal.NewFromInt(2),
		Status:    domain.LobbyOpen,
	}, domain.FundingPlan{
		Token: eth,
		Deposit: &domain.VerifiedDeposit{
			Signature: depositSig,
			Amount:    decimal.NewFromInt(2),
		},
		Debit: decimal.NewFromInt(2),
	}))

	_, err := rec.ResolveStake(ctx, testPlayer("3"), eth,
		decimal.NewFromInt(5), &domain.DepositProof{Signature: depositSig})
	require.ErrorIs(t, err, domain.ErrAlreadyProcessed)
	require.Zero(t, verifier.calls)
}
