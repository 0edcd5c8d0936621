package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/wagerarena/stakelobby/internal/domain"
)

// Options configures a Service.
type Options struct {
	// Token is the token kind all stakes are denominated in.
	Token domain.Token

	// MinStake is the smallest accepted stake in display units.
	MinStake decimal.Decimal

	// LockTTL is the lease on the per-player lock. It must exceed the
	// verifier's worst-case retry budget.
	LockTTL time.Duration
}

// Service implements the lobby operations. Every stake-affecting operation
// runs under the caller's per-player lock for its full duration, chain
// round-trips included: the lock is what closes the gap between reading the
// balance, verifying the deposit, and the eventual atomic debit.
type Service struct {
	players domain.PlayerStore
	lobbies domain.LobbyStore
	locks   domain.LockManager
	rec     *Reconciler
	events  domain.EventPublisher
	opts    Options
	logger  *slog.Logger
}

// NewService creates a Service.
func NewService(
	players domain.PlayerStore,
	lobbies domain.LobbyStore,
	locks domain.LockManager,
	rec *Reconciler,
	events domain.EventPublisher,
	opts Options,
	logger *slog.Logger,
) *Service {
	return &Service{
		players: players,
		lobbies: lobbies,
		locks:   locks,
		rec:     rec,
		events:  events,
		opts:    opts,
		logger:  logger.With(slog.String("component", "escrow_service")),
	}
}

// CreateParams are the caller-supplied inputs for CreateLobby.
type CreateParams struct {
	CreatorID            string
	Stake                decimal.Decimal
	PlayerAddress        string
	TransactionSignature string // optional; required when the balance is short
}

// CreateLobby opens a new lobby, escrowing the creator's stake. It returns
// the created lobby.
func (s *Service) CreateLobby(ctx context.Context, p CreateParams) (domain.Lobby, error) {
	if p.Stake.LessThanOrEqual(decimal.Zero) {
		return domain.Lobby{}, fmt.Errorf("stake must be positive: %w", domain.ErrValidation)
	}
	if p.Stake.LessThan(s.opts.MinStake) {
		return domain.Lobby{}, fmt.Errorf("stake %s below minimum %s: %w", p.Stake, s.opts.MinStake, domain.ErrValidation)
	}

	unlock, err := s.locks.Acquire(ctx, p.CreatorID, s.opts.LockTTL)
	if err != nil {
		return domain.Lobby{}, err
	}
	defer unlock()

	player, err := s.players.Get(ctx, p.CreatorID)
	if err != nil {
		return domain.Lobby{}, err
	}
	if err := checkAddress(player, p.PlayerAddress); err != nil {
		return domain.Lobby{}, err
	}

	plan, err := s.rec.ResolveStake(ctx, player, s.opts.Token, p.Stake, proofFrom(p.TransactionSignature, p.PlayerAddress))
	if err != nil {
		return domain.Lobby{}, err
	}

	lobby := domain.Lobby{
		ID:            uuid.New().String(),
		CreatorID:     player.ID,
		Token:         s.opts.Token,
		Stake:         p.Stake,
		Status:        domain.LobbyOpen,
		CreatorName:   player.Name,
		CreatorRating: player.Rating,
		CreatorRank:   player.Rank,
		CreatedAt:     time.Now().UTC(),
	}

	if err := s.lobbies.CreateFunded(ctx, lobby, plan); err != nil {
		s.logCommitFailure(ctx, "create", lobby.ID, player.ID, plan, err)
		return domain.Lobby{}, err
	}

	s.publish(ctx, domain.LobbyEvent{
		Kind:    domain.LobbyEventCreated,
		LobbyID: lobby.ID,
		ActorID: player.ID,
		Token:   lobby.Token,
		Stake:   lobby.Stake,
		At:      lobby.CreatedAt,
	})
	return lobby, nil
}

// JoinParams are the caller-supplied inputs for JoinLobby.
type JoinParams struct {
	LobbyID              string
	PlayerID             string
	PlayerAddress        string
	TransactionSignature string // optional; required when the balance is short
}

// JoinLobby joins an open lobby as the opponent, escrowing the joiner's
// stake. It returns the joined lobby.
func (s *Service) JoinLobby(ctx context.Context, p JoinParams) (domain.Lobby, error) {
	if p.LobbyID == "" {
		return domain.Lobby{}, fmt.Errorf("lobby id is required: %w", domain.ErrValidation)
	}

	unlock, err := s.locks.Acquire(ctx, p.PlayerID, s.opts.LockTTL)
	if err != nil {
		return domain.Lobby{}, err
	}
	defer unlock()

	// Fast pre-checks before any chain round-trip. The store transaction
	// revalidates all of them under the row lock.
	lobby, err := s.lobbies.Get(ctx, p.LobbyID)
	if err != nil {
		return domain.Lobby{}, err
	}
	if lobby.Status != domain.LobbyOpen {
		return domain.Lobby{}, fmt.Errorf("lobby %s is %s: %w", lobby.ID, lobby.Status, domain.ErrLobbyNotOpen)
	}
	if lobby.CreatorID == p.PlayerID {
		return domain.Lobby{}, fmt.Errorf("cannot join own lobby: %w", domain.ErrValidation)
	}

	player, err := s.players.Get(ctx, p.PlayerID)
	if err != nil {
		return domain.Lobby{}, err
	}
	if err := checkAddress(player, p.PlayerAddress); err != nil {
		return domain.Lobby{}, err
	}

	plan, err := s.rec.ResolveStake(ctx, player, lobby.Token, lobby.Stake, proofFrom(p.TransactionSignature, p.PlayerAddress))
	if err != nil {
		return domain.Lobby{}, err
	}

	joined, err := s.lobbies.JoinFunded(ctx, p.LobbyID, p.PlayerID, plan)
	if err != nil {
		s.logCommitFailure(ctx, "join", p.LobbyID, p.PlayerID, plan, err)
		return domain.Lobby{}, err
	}

	s.publish(ctx, domain.LobbyEvent{
		Kind:    domain.LobbyEventJoined,
		LobbyID: joined.ID,
		ActorID: p.PlayerID,
		Token:   joined.Token,
		Stake:   joined.Stake,
		At:      time.Now().UTC(),
	})
	return joined, nil
}

// CancelLobby cancels an open lobby and refunds the stake to the creator.
// It takes the creator's lock like create/join so a cancel cannot interleave
// with another stake-affecting operation by the same player.
func (s *Service) CancelLobby(ctx context.Context, lobbyID, callerID string) (domain.Lobby, error) {
	if lobbyID == "" {
		return domain.Lobby{}, fmt.Errorf("lobby id is required: %w", domain.ErrValidation)
	}

	unlock, err := s.locks.Acquire(ctx, callerID, s.opts.LockTTL)
	if err != nil {
		return domain.Lobby{}, err
	}
	defer unlock()

	cancelled, err := s.lobbies.Cancel(ctx, lobbyID, callerID)
	if err != nil {
		return domain.Lobby{}, err
	}

	s.publish(ctx, domain.LobbyEvent{
		Kind:    domain.LobbyEventCancelled,
		LobbyID: cancelled.ID,
		ActorID: callerID,
		Token:   cancelled.Token,
		Stake:   cancelled.Stake,
		At:      time.Now().UTC(),
	})
	return cancelled, nil
}

// ListLobbies returns the open lobbies, newest first.
func (s *Service) ListLobbies(ctx context.Context, opts domain.ListOpts) ([]domain.Lobby, error) {
	return s.lobbies.ListOpen(ctx, opts)
}

// LobbyDetails returns the full lobby projection. Only the creator or the
// opponent may view it.
func (s *Service) LobbyDetails(ctx context.Context, lobbyID, callerID string) (domain.Lobby, error) {
	lobby, err := s.lobbies.Get(ctx, lobbyID)
	if err != nil {
		return domain.Lobby{}, err
	}
	if lobby.CreatorID != callerID && lobby.OpponentID != callerID {
		return domain.Lobby{}, fmt.Errorf("lobby %s: %w", lobbyID, domain.ErrForbidden)
	}
	return lobby, nil
}

// checkAddress validates that the player has a linked on-chain address and
// that the caller-supplied address matches it.
func checkAddress(player domain.Player, supplied string) error {
	if player.OnChainAddress == "" {
		return fmt.Errorf("player %s has no linked on-chain address: %w", player.ID, domain.ErrValidation)
	}
	if supplied == "" || !strings.EqualFold(player.OnChainAddress, supplied) {
		return fmt.Errorf("supplied address does not match the linked on-chain address: %w", domain.ErrValidation)
	}
	return nil
}

func proofFrom(signature, address string) *domain.DepositProof {
	if signature == "" {
		return nil
	}
	return &domain.DepositProof{Signature: signature, PayerAddress: address}
}

// logCommitFailure records a failed store commit. When the plan carried a
// verified deposit this is the one scenario that must never be silently
// dropped: the deposit checked out on chain but the credit did not commit,
// so the log carries everything needed for manual reconciliation.
func (s *Service) logCommitFailure(ctx context.Context, op, lobbyID, playerID string, plan domain.FundingPlan, err error) {
	attrs := []any{
		slog.String("op", op),
		slog.String("lobby_id", lobbyID),
		slog.String("player_id", playerID),
		slog.String("error", err.Error()),
	}
	if plan.Deposit != nil {
		attrs = append(attrs,
			slog.String("signature", plan.Deposit.Signature),
			slog.String("deposit_amount", plan.Deposit.Amount.String()),
		)
		s.logger.ErrorContext(ctx, "verified deposit did not commit", attrs...)
		return
	}
	s.logger.WarnContext(ctx, "stake operation did not commit", attrs...)
}

// publish emits a lobby event after a committed transition. Failures are
// logged, never propagated: the transition already committed.
func (s *Service) publish(ctx context.Context, ev domain.LobbyEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishLobbyEvent(ctx, ev); err != nil {
		s.logger.WarnContext(ctx, "failed to publish lobby event",
			slog.String("kind", string(ev.Kind)),
			slog.String("lobby_id", ev.LobbyID),
			slog.String("error", err.Error()),
		)
	}
}
