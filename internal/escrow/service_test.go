package escrow

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/wagerarena/stakelobby/internal/domain"
	"github.com/wagerarena/stakelobby/internal/store/memory"
)

const (
	eth         = domain.Token("ETH")
	creatorID   = "creator"
	joinerID    = "joiner"
	creatorAddr = "0x00000000000000000000000000000000000000c1"
	joinerAddr  = "0x00000000000000000000000000000000000000b2"
	depositSig  = "0x1111111111111111111111111111111111111111111111111111111111111111"
)

// fakeLocks is an in-process LockManager with the same non-blocking
// semantics as the Redis one.
type fakeLocks struct {
	mu   sync.Mutex
	held map[string]bool
}

func newFakeLocks() *fakeLocks {
	return &fakeLocks{held: make(map[string]bool)}
}

func (f *fakeLocks) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held[key] {
		return nil, domain.ErrLockHeld
	}
	f.held[key] = true
	return func() {
		f.mu.Lock()
		delete(f.held, key)
		f.mu.Unlock()
	}, nil
}

// fakeVerifier accepts every proof as a transfer of exactly the expected
// amount unless err is set.
type fakeVerifier struct {
	calls int
	err   error
}

func (f *fakeVerifier) VerifyDeposit(ctx context.Context, proof domain.DepositProof, expected decimal.Decimal) (domain.VerifiedDeposit, error) {
	f.calls++
	if f.err != nil {
		return domain.VerifiedDeposit{}, f.err
	}
	return domain.VerifiedDeposit{
		Signature:    proof.Signature,
		PayerAddress: proof.PayerAddress,
		Amount:       expected,
	}, nil
}

// captureEvents records published lobby events.
type captureEvents struct {
	mu     sync.Mutex
	events []domain.LobbyEvent
}

func (c *captureEvents) PublishLobbyEvent(ctx context.Context, ev domain.LobbyEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *captureEvents) kinds() []domain.LobbyEventKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	kinds := make([]domain.LobbyEventKind, len(c.events))
	for i, ev := range c.events {
		kinds[i] = ev.Kind
	}
	return kinds
}

type testEnv struct {
	svc      *Service
	store    *memory.Store
	locks    *fakeLocks
	verifier *fakeVerifier
	events   *captureEvents
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := memory.New()
	locks := newFakeLocks()
	verifier := &fakeVerifier{}
	events := &captureEvents{}
	logger := slog.New(slog.DiscardHandler)

	svc := NewService(
		store,
		store.Lobbies(),
		locks,
		NewReconciler(verifier, store, logger),
		events,
		Options{
			Token:    eth,
			MinStake: decimal.RequireFromString("0.5"),
			LockTTL:  30 * time.Second,
		},
		logger,
	)

	return &testEnv{svc: svc, store: store, locks: locks, verifier: verifier, events: events}
}

func (e *testEnv) seedPlayer(t *testing.T, id, addr, balance string) {
	t.Helper()
	require.NoError(t, e.store.Put(context.Background(), domain.Player{
		ID:             id,
		Name:           "Player " + id,
		Rating:         1500,
		Rank:           "gold",
		OnChainAddress: addr,
		Balances: map[domain.Token]decimal.Decimal{
			eth: decimal.RequireFromString(balance),
		},
	}))
}

func (e *testEnv) balance(t *testing.T, id string) decimal.Decimal {
	t.Helper()
	p, err := e.store.Get(context.Background(), id)
	require.NoError(t, err)
	return p.Balance(eth)
}

func TestCreateJoinCancelLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// The creator is 2 short of the stake; the shortfall arrives on chain.
	env.seedPlayer(t, creatorID, creatorAddr, "3")
	env.seedPlayer(t, joinerID, joinerAddr, "8")

	lobby, err := env.svc.CreateLobby(ctx, CreateParams{
		CreatorID:            creatorID,
		Stake:                decimal.NewFromInt(5),
		PlayerAddress:        creatorAddr,
		TransactionSignature: depositSig,
	})
	require.NoError(t, err)
	require.Equal(t, domain.LobbyOpen, lobby.Status)
	require.Equal(t, "Player "+creatorID, lobby.CreatorName)
	require.Equal(t, 1, env.verifier.calls)
	require.True(t, env.balance(t, creatorID).IsZero())

	// The joiner's balance covers the stake; no chain round-trip happens.
	joined, err := env.svc.JoinLobby(ctx, JoinParams{
		LobbyID:       lobby.ID,
		PlayerID:      joinerID,
		PlayerAddress: joinerAddr,
	})
	require.NoError(t, err)
	require.Equal(t, domain.LobbyJoined, joined.Status)
	require.Equal(t, joinerID, joined.OpponentID)
	require.Equal(t, 1, env.verifier.calls)
	require.True(t, env.balance(t, joinerID).Equal(decimal.NewFromInt(3)))

	require.Equal(t, []domain.LobbyEventKind{
		domain.LobbyEventCreated,
		domain.LobbyEventJoined,
	}, env.events.kinds())
}

func TestCreateLobbyValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedPlayer(t, creatorID, creatorAddr, "10")

	_, err := env.svc.CreateLobby(ctx, CreateParams{
		CreatorID:     creatorID,
		Stake:         decimal.Zero,
		PlayerAddress: creatorAddr,
	})
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = env.svc.CreateLobby(ctx, CreateParams{
		CreatorID:     creatorID,
		Stake:         decimal.RequireFromString("0.1"), // below MinStake
		PlayerAddress: creatorAddr,
	})
	require.ErrorIs(t, err, domain.ErrValidation)

	// Supplied address must match the linked one.
	_, err = env.svc.CreateLobby(ctx, CreateParams{
		CreatorID:     creatorID,
		Stake:         decimal.NewFromInt(1),
		PlayerAddress: joinerAddr,
	})
	require.ErrorIs(t, err, domain.ErrValidation)

	// No state was touched.
	require.True(t, env.balance(t, creatorID).Equal(decimal.NewFromInt(10)))
	require.Empty(t, env.events.kinds())
}

func TestCreateLobbyRequiresLinkedAddress(t *testing.T) {
	env := newTestEnv(t)
	env.seedPlayer(t, creatorID, "", "10")

	_, err := env.svc.CreateLobby(context.Background(), CreateParams{
		CreatorID:     creatorID,
		Stake:         decimal.NewFromInt(1),
		PlayerAddress: creatorAddr,
	})
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestCreateLobbyLockBusy(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedPlayer(t, creatorID, creatorAddr, "10")

	unlock, err := env.locks.Acquire(ctx, creatorID, time.Minute)
	require.NoError(t, err)
	defer unlock()

	_, err = env.svc.CreateLobby(ctx, CreateParams{
		CreatorID:     creatorID,
		Stake:         decimal.NewFromInt(1),
		PlayerAddress: creatorAddr,
	})
	require.ErrorIs(t, err, domain.ErrLockHeld)
	require.Zero(t, env.verifier.calls)
	require.True(t, env.balance(t, creatorID).Equal(decimal.NewFromInt(10)))
}

func TestCreateLobbyShortfallNeedsProof(t *testing.T) {
	env := newTestEnv(t)
	env.seedPlayer(t, creatorID, creatorAddr, "1")

	_, err := env.svc.CreateLobby(context.Background(), CreateParams{
		CreatorID:     creatorID,
		Stake:         decimal.NewFromInt(5),
		PlayerAddress: creatorAddr,
	})
	require.ErrorIs(t, err, domain.ErrValidation)
	require.Zero(t, env.verifier.calls)
}

func TestCreateLobbyRejectsReusedSignature(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedPlayer(t, creatorID, creatorAddr, "0")

	_, err := env.svc.CreateLobby(ctx, CreateParams{
		CreatorID:            creatorID,
		Stake:                decimal.NewFromInt(2),
		PlayerAddress:        creatorAddr,
		TransactionSignature: depositSig,
	})
	require.NoError(t, err)
	require.Equal(t, 1, env.verifier.calls)

	// The second use is rejected by the pre-check, before any chain call.
	_, err = env.svc.CreateLobby(ctx, CreateParams{
		CreatorID:            creatorID,
		Stake:                decimal.NewFromInt(2),
		PlayerAddress:        creatorAddr,
		TransactionSignature: depositSig,
	})
	require.ErrorIs(t, err, domain.ErrAlreadyProcessed)
	require.Equal(t, 1, env.verifier.calls)
}

func TestCreateLobbyVerificationFailureLeavesStateUntouched(t *testing.T) {
	env := newTestEnv(t)
	env.seedPlayer(t, creatorID, creatorAddr, "1")
	env.verifier.err = domain.ErrVerificationFailed

	_, err := env.svc.CreateLobby(context.Background(), CreateParams{
		CreatorID:            creatorID,
		Stake:                decimal.NewFromInt(5),
		PlayerAddress:        creatorAddr,
		TransactionSignature: depositSig,
	})
	require.ErrorIs(t, err, domain.ErrVerificationFailed)

	require.True(t, env.balance(t, creatorID).Equal(decimal.NewFromInt(1)))
	seen, err := env.store.Exists(context.Background(), depositSig)
	require.NoError(t, err)
	require.False(t, seen)
	require.Empty(t, env.events.kinds())
}

func TestJoinLobbyPreChecks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedPlayer(t, creatorID, creatorAddr, "10")
	env.seedPlayer(t, joinerID, joinerAddr, "10")

	lobby, err := env.svc.CreateLobby(ctx, CreateParams{
		CreatorID:     creatorID,
		Stake:         decimal.NewFromInt(2),
		PlayerAddress: creatorAddr,
	})
	require.NoError(t, err)

	// Creators cannot join their own lobby.
	_, err = env.svc.JoinLobby(ctx, JoinParams{
		LobbyID:       lobby.ID,
		PlayerID:      creatorID,
		PlayerAddress: creatorAddr,
	})
	require.ErrorIs(t, err, domain.ErrValidation)

	// Unknown lobby.
	_, err = env.svc.JoinLobby(ctx, JoinParams{
		LobbyID:       "nope",
		PlayerID:      joinerID,
		PlayerAddress: joinerAddr,
	})
	require.ErrorIs(t, err, domain.ErrNotFound)

	// A cancelled lobby cannot be joined.
	_, err = env.svc.CancelLobby(ctx, lobby.ID, creatorID)
	require.NoError(t, err)
	_, err = env.svc.JoinLobby(ctx, JoinParams{
		LobbyID:       lobby.ID,
		PlayerID:      joinerID,
		PlayerAddress: joinerAddr,
	})
	require.ErrorIs(t, err, domain.ErrLobbyNotOpen)
}

func TestCancelLobbyRefundsAndTakesLock(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedPlayer(t, creatorID, creatorAddr, "10")

	lobby, err := env.svc.CreateLobby(ctx, CreateParams{
		CreatorID:     creatorID,
		Stake:         decimal.NewFromInt(4),
		PlayerAddress: creatorAddr,
	})
	require.NoError(t, err)
	require.True(t, env.balance(t, creatorID).Equal(decimal.NewFromInt(6)))

	// Cancel runs under the caller's lock like every stake-affecting
	// operation.
	unlock, err := env.locks.Acquire(ctx, creatorID, time.Minute)
	require.NoError(t, err)
	_, err = env.svc.CancelLobby(ctx, lobby.ID, creatorID)
	require.ErrorIs(t, err, domain.ErrLockHeld)
	unlock()

	// Only the creator may cancel.
	env.seedPlayer(t, joinerID, joinerAddr, "10")
	_, err = env.svc.CancelLobby(ctx, lobby.ID, joinerID)
	require.ErrorIs(t, err, domain.ErrForbidden)

	cancelled, err := env.svc.CancelLobby(ctx, lobby.ID, creatorID)
	require.NoError(t, err)
	require.Equal(t, domain.LobbyCancelled, cancelled.Status)
	require.True(t, env.balance(t, creatorID).Equal(decimal.NewFromInt(10)))

	require.Equal(t, []domain.LobbyEventKind{
		domain.LobbyEventCreated,
		domain.LobbyEventCancelled,
	}, env.events.kinds())
}

func TestLobbyDetailsVisibility(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedPlayer(t, creatorID, creatorAddr, "10")
	env.seedPlayer(t, joinerID, joinerAddr, "10")

	lobby, err := env.svc.CreateLobby(ctx, CreateParams{
		CreatorID:     creatorID,
		Stake:         decimal.NewFromInt(2),
		PlayerAddress: creatorAddr,
	})
	require.NoError(t, err)

	_, err = env.svc.LobbyDetails(ctx, lobby.ID, creatorID)
	require.NoError(t, err)

	_, err = env.svc.LobbyDetails(ctx, lobby.ID, "stranger")
	require.ErrorIs(t, err, domain.ErrForbidden)

	_, err = env.svc.JoinLobby(ctx, JoinParams{
		LobbyID:       lobby.ID,
		PlayerID:      joinerID,
		PlayerAddress: joinerAddr,
	})
	require.NoError(t, err)

	_, err = env.svc.LobbyDetails(ctx, lobby.ID, joinerID)
	require.NoError(t, err)
}

func TestListLobbiesOnlyOpen(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedPlayer(t, creatorID, creatorAddr, "10")

	first, err := env.svc.CreateLobby(ctx, CreateParams{
		CreatorID:     creatorID,
		Stake:         decimal.NewFromInt(1),
		PlayerAddress: creatorAddr,
	})
	require.NoError(t, err)
	_, err = env.svc.CreateLobby(ctx, CreateParams{
		CreatorID:     creatorID,
		Stake:         decimal.NewFromInt(1),
		PlayerAddress: creatorAddr,
	})
	require.NoError(t, err)

	_, err = env.svc.CancelLobby(ctx, first.ID, creatorID)
	require.NoError(t, err)

	open, err := env.svc.ListLobbies(ctx, domain.ListOpts{Limit: 10})
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.NotEqual(t, first.ID, open[0].ID)
}
