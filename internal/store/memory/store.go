// Package memory implements the domain store interfaces with an in-process
// map guarded by a mutex. It backs the "memory" storage mode used for local
// development and is the store the service tests run against. Semantics
// match the postgres implementation: each stake-affecting operation applies
// its funding plan and lobby mutation atomically under the store lock.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wagerarena/stakelobby/internal/domain"
)

// Store holds all state in memory. The zero value is not usable; call New.
type Store struct {
	mu        sync.Mutex
	players   map[string]domain.Player
	lobbies   map[string]domain.Lobby
	processed map[string]domain.ProcessedTransaction
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		players:   make(map[string]domain.Player),
		lobbies:   make(map[string]domain.Lobby),
		processed: make(map[string]domain.ProcessedTransaction),
	}
}

// ---------------------------------------------------------------------------
// PlayerStore
// ---------------------------------------------------------------------------

// Get fetches a player by id.
func (s *Store) Get(ctx context.Context, id string) (domain.Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.players[id]
	if !ok {
		return domain.Player{}, domain.ErrNotFound
	}
	return clonePlayer(p), nil
}

// Put upserts a player record.
func (s *Store) Put(ctx context.Context, p domain.Player) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.players[p.ID] = clonePlayer(p)
	return nil
}

// ---------------------------------------------------------------------------
// LobbyStore
// ---------------------------------------------------------------------------

// CreateFunded inserts a new open lobby after applying its funding plan.
func (s *Store) CreateFunded(ctx context.Context, lobby domain.Lobby, plan domain.FundingPlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.lobbies[lobby.ID]; exists {
		return fmt.Errorf("lobby %s already exists: %w", lobby.ID, domain.ErrConflict)
	}
	if err := s.applyFunding(lobby.CreatorID, plan); err != nil {
		return err
	}
	s.lobbies[lobby.ID] = lobby
	return nil
}

// JoinFunded joins an open lobby as opponentID.
func (s *Store) JoinFunded(ctx context.Context, lobbyID, opponentID string, plan domain.FundingPlan) (domain.Lobby, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lobby, ok := s.lobbies[lobbyID]
	if !ok {
		return domain.Lobby{}, domain.ErrNotFound
	}
	if lobby.Status != domain.LobbyOpen {
		return domain.Lobby{}, fmt.Errorf("lobby %s is %s: %w", lobbyID, lobby.Status, domain.ErrLobbyNotOpen)
	}
	if lobby.OpponentID != "" {
		return domain.Lobby{}, fmt.Errorf("lobby %s already has an opponent: %w", lobbyID, domain.ErrLobbyNotOpen)
	}
	if lobby.CreatorID == opponentID {
		return domain.Lobby{}, fmt.Errorf("cannot join own lobby: %w", domain.ErrValidation)
	}

	if err := s.applyFunding(opponentID, plan); err != nil {
		return domain.Lobby{}, err
	}

	lobby.OpponentID = opponentID
	lobby.Status = domain.LobbyJoined
	s.lobbies[lobbyID] = lobby
	return lobby, nil
}

// Cancel transitions an open lobby to cancelled and refunds the creator.
func (s *Store) Cancel(ctx context.Context, lobbyID, callerID string) (domain.Lobby, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lobby, ok := s.lobbies[lobbyID]
	if !ok {
		return domain.Lobby{}, domain.ErrNotFound
	}
	if lobby.CreatorID != callerID {
		return domain.Lobby{}, fmt.Errorf("only the creator may cancel lobby %s: %w", lobbyID, domain.ErrForbidden)
	}
	if lobby.Status != domain.LobbyOpen {
		return domain.Lobby{}, fmt.Errorf("lobby %s is %s: %w", lobbyID, lobby.Status, domain.ErrLobbyNotOpen)
	}

	creator, ok := s.players[lobby.CreatorID]
	if !ok {
		return domain.Lobby{}, domain.ErrNotFound
	}
	creator = clonePlayer(creator)
	creator.Balances[lobby.Token] = creator.Balance(lobby.Token).Add(lobby.Stake)
	s.players[creator.ID] = creator

	lobby.Status = domain.LobbyCancelled
	s.lobbies[lobbyID] = lobby
	return lobby, nil
}

// Get fetches a lobby by id.
func (s *Store) GetLobby(ctx context.Context, id string) (domain.Lobby, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lobby, ok := s.lobbies[id]
	if !ok {
		return domain.Lobby{}, domain.ErrNotFound
	}
	return lobby, nil
}

// ListOpen returns open lobbies, newest first.
func (s *Store) ListOpen(ctx context.Context, opts domain.ListOpts) ([]domain.Lobby, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var open []domain.Lobby
	for _, lobby := range s.lobbies {
		if lobby.Status == domain.LobbyOpen {
			open = append(open, lobby)
		}
	}
	// Newest first, stable across calls.
	sort.Slice(open, func(i, j int) bool {
		return open[i].CreatedAt.After(open[j].CreatedAt)
	})

	offset := opts.Offset
	if offset > len(open) {
		offset = len(open)
	}
	open = open[offset:]

	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit < len(open) {
		open = open[:limit]
	}
	return open, nil
}

// ---------------------------------------------------------------------------
// ProcessedTxStore
// ---------------------------------------------------------------------------

// Exists reports whether the signature has already been consumed.
func (s *Store) Exists(ctx context.Context, signature string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.processed[signature]
	return ok, nil
}

// ListSince returns processed transactions recorded strictly after the
// cursor, oldest first with the signature as tiebreaker.
func (s *Store) ListSince(ctx context.Context, after domain.TxCursor, opts domain.ListOpts) ([]domain.ProcessedTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var txs []domain.ProcessedTransaction
	for _, t := range s.processed {
		cursor := domain.TxCursor{RecordedAt: t.RecordedAt, Signature: t.Signature}
		if after.Before(cursor) {
			txs = append(txs, t)
		}
	}
	sort.Slice(txs, func(i, j int) bool {
		if txs[i].RecordedAt.Equal(txs[j].RecordedAt) {
			return txs[i].Signature < txs[j].Signature
		}
		return txs[i].RecordedAt.Before(txs[j].RecordedAt)
	})

	limit := opts.Limit
	if limit <= 0 {
		limit = 500
	}
	if limit < len(txs) {
		txs = txs[:limit]
	}
	return txs, nil
}

// applyFunding mirrors the postgres funding transaction: consume the deposit
// signature, credit it, check sufficiency, debit the stake. Caller holds the
// store mutex.
func (s *Store) applyFunding(playerID string, plan domain.FundingPlan) error {
	player, ok := s.players[playerID]
	if !ok {
		return domain.ErrNotFound
	}
	player = clonePlayer(player)

	balance := player.Balance(plan.Token)

	if dep := plan.Deposit; dep != nil {
		if _, seen := s.processed[dep.Signature]; seen {
			return fmt.Errorf("signature %s: %w", dep.Signature, domain.ErrAlreadyProcessed)
		}
		balance = balance.Add(dep.Amount)
	}

	if balance.LessThan(plan.Debit) {
		return fmt.Errorf("balance %s short of stake %s: %w", balance, plan.Debit, domain.ErrInsufficientFunds)
	}

	// The signature is consumed only once the whole operation is known to
	// succeed, matching the rollback behaviour of the postgres transaction.
	if dep := plan.Deposit; dep != nil {
		s.processed[dep.Signature] = domain.ProcessedTransaction{
			Signature:    dep.Signature,
			PayerAddress: dep.PayerAddress,
			Amount:       dep.Amount,
			RecordedAt:   time.Now(),
		}
	}

	player.Balances[plan.Token] = balance.Sub(plan.Debit)
	s.players[playerID] = player
	return nil
}

func clonePlayer(p domain.Player) domain.Player {
	out := p
	out.Balances = make(map[domain.Token]decimal.Decimal, len(p.Balances))
	for token, b := range p.Balances {
		out.Balances[token] = b
	}
	return out
}

// Lobbies returns the store's domain.LobbyStore facet. The facet exists
// because Get returns a Player on the store itself.
func (s *Store) Lobbies() domain.LobbyStore {
	return lobbyFacet{s}
}

type lobbyFacet struct {
	*Store
}

func (f lobbyFacet) Get(ctx context.Context, id string) (domain.Lobby, error) {
	return f.GetLobby(ctx, id)
}

// Compile-time interface checks.
var (
	_ domain.PlayerStore      = (*Store)(nil)
	_ domain.ProcessedTxStore = (*Store)(nil)
	_ domain.LobbyStore       = lobbyFacet{}
)
