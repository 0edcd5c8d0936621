package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/wagerarena/stakelobby/internal/domain"
)

// LobbyStore implements domain.LobbyStore using PostgreSQL. Each
// stake-affecting operation is one serializable transaction covering the
// processed-transaction insert, the balance mutation, and the lobby
// mutation, so a deposit can never be credited without the stake being
// escrowed or vice versa.
type LobbyStore struct {
	pool *pgxpool.Pool
}

// NewLobbyStore creates a new LobbyStore backed by the given connection pool.
func NewLobbyStore(pool *pgxpool.Pool) *LobbyStore {
	return &LobbyStore{pool: pool}
}

const lobbySelectCols = `id, creator_id, COALESCE(opponent_id, ''), token, stake, status,
	creator_name, creator_rating, creator_rank, created_at`

func scanLobbyRow(row pgx.Row) (domain.Lobby, error) {
	var l domain.Lobby
	var status string
	err := row.Scan(
		&l.ID, &l.CreatorID, &l.OpponentID, &l.Token, &l.Stake, &status,
		&l.CreatorName, &l.CreatorRating, &l.CreatorRank, &l.CreatedAt,
	)
	if err != nil {
		return domain.Lobby{}, err
	}
	l.Status = domain.LobbyStatus(status)
	return l, nil
}

// CreateFunded inserts a new open lobby and applies its funding plan
// atomically: consume the deposit signature (if any), credit the deposit,
// debit the stake, write the lobby.
func (s *LobbyStore) CreateFunded(ctx context.Context, lobby domain.Lobby, plan domain.FundingPlan) error {
	err := withSerializableTx(ctx, s.pool, func(tx pgx.Tx) error {
		if err := applyFunding(ctx, tx, lobby.CreatorID, plan); err != nil {
			return err
		}

		const insert = `
			INSERT INTO lobbies (
				id, creator_id, token, stake, status,
				creator_name, creator_rating, creator_rank, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
		_, err := tx.Exec(ctx, insert,
			lobby.ID, lobby.CreatorID, string(lobby.Token), lobby.Stake, string(lobby.Status),
			lobby.CreatorName, lobby.CreatorRating, lobby.CreatorRank, lobby.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert lobby %s: %w", lobby.ID, err)
		}
		return nil
	})
	if err != nil && !isDomainErr(err) {
		return fmt.Errorf("postgres: create lobby %s: %w", lobby.ID, err)
	}
	return err
}

// JoinFunded joins an open lobby as opponentID, applying the opponent's
// funding plan in the same transaction that flips the lobby to joined. Two
// concurrent joins on the same lobby serialize on the row lock; the loser
// sees a non-open lobby and is rejected.
func (s *LobbyStore) JoinFunded(ctx context.Context, lobbyID, opponentID string, plan domain.FundingPlan) (domain.Lobby, error) {
	var joined domain.Lobby
	err := withSerializableTx(ctx, s.pool, func(tx pgx.Tx) error {
		lobby, err := lockLobby(ctx, tx, lobbyID)
		if err != nil {
			return err
		}
		if lobby.Status != domain.LobbyOpen {
			return fmt.Errorf("lobby %s is %s: %w", lobbyID, lobby.Status, domain.ErrLobbyNotOpen)
		}
		if lobby.OpponentID != "" {
			return fmt.Errorf("lobby %s already has an opponent: %w", lobbyID, domain.ErrLobbyNotOpen)
		}
		if lobby.CreatorID == opponentID {
			return fmt.Errorf("cannot join own lobby: %w", domain.ErrValidation)
		}

		if err := applyFunding(ctx, tx, opponentID, plan); err != nil {
			return err
		}

		const update = `
			UPDATE lobbies SET opponent_id = $2, status = $3 WHERE id = $1`
		if _, err := tx.Exec(ctx, update, lobbyID, opponentID, string(domain.LobbyJoined)); err != nil {
			return fmt.Errorf("update lobby %s: %w", lobbyID, err)
		}

		lobby.OpponentID = opponentID
		lobby.Status = domain.LobbyJoined
		joined = lobby
		return nil
	})
	if err != nil && !isDomainErr(err) {
		return domain.Lobby{}, fmt.Errorf("postgres: join lobby %s: %w", lobbyID, err)
	}
	return joined, err
}

// Cancel transitions an open lobby to cancelled and refunds the stake to the
// creator's custodial balance. Only the creator may cancel.
func (s *LobbyStore) Cancel(ctx context.Context, lobbyID, callerID string) (domain.Lobby, error) {
	var cancelled domain.Lobby
	err := withSerializableTx(ctx, s.pool, func(tx pgx.Tx) error {
		lobby, err := lockLobby(ctx, tx, lobbyID)
		if err != nil {
			return err
		}
		if lobby.CreatorID != callerID {
			return fmt.Errorf("only the creator may cancel lobby %s: %w", lobbyID, domain.ErrForbidden)
		}
		if lobby.Status != domain.LobbyOpen {
			return fmt.Errorf("lobby %s is %s: %w", lobbyID, lobby.Status, domain.ErrLobbyNotOpen)
		}

		balances, err := lockBalances(ctx, tx, lobby.CreatorID)
		if err != nil {
			return err
		}
		balances[lobby.Token] = balanceOf(balances, lobby.Token).Add(lobby.Stake)
		if err := writeBalances(ctx, tx, lobby.CreatorID, balances); err != nil {
			return err
		}

		const update = `UPDATE lobbies SET status = $2 WHERE id = $1`
		if _, err := tx.Exec(ctx, update, lobbyID, string(domain.LobbyCancelled)); err != nil {
			return fmt.Errorf("update lobby %s: %w", lobbyID, err)
		}

		lobby.Status = domain.LobbyCancelled
		cancelled = lobby
		return nil
	})
	if err != nil && !isDomainErr(err) {
		return domain.Lobby{}, fmt.Errorf("postgres: cancel lobby %s: %w", lobbyID, err)
	}
	return cancelled, err
}

// Get fetches a lobby by id.
func (s *LobbyStore) Get(ctx context.Context, id string) (domain.Lobby, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+lobbySelectCols+` FROM lobbies WHERE id = $1`, id)
	lobby, err := scanLobbyRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Lobby{}, domain.ErrNotFound
		}
		return domain.Lobby{}, fmt.Errorf("postgres: get lobby %s: %w", id, err)
	}
	return lobby, nil
}

// ListOpen returns open lobbies, newest first.
func (s *LobbyStore) ListOpen(ctx context.Context, opts domain.ListOpts) ([]domain.Lobby, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+lobbySelectCols+` FROM lobbies
		 WHERE status = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		string(domain.LobbyOpen), limit, opts.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open lobbies: %w", err)
	}
	defer rows.Close()

	var lobbies []domain.Lobby
	for rows.Next() {
		lobby, err := scanLobbyRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan lobby: %w", err)
		}
		lobbies = append(lobbies, lobby)
	}
	return lobbies, rows.Err()
}

// lockLobby reads a lobby row under FOR UPDATE so concurrent transitions on
// the same lobby serialize.
func lockLobby(ctx context.Context, tx pgx.Tx, id string) (domain.Lobby, error) {
	row := tx.QueryRow(ctx, `SELECT `+lobbySelectCols+` FROM lobbies WHERE id = $1 FOR UPDATE`, id)
	lobby, err := scanLobbyRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Lobby{}, domain.ErrNotFound
		}
		return domain.Lobby{}, fmt.Errorf("lock lobby %s: %w", id, err)
	}
	return lobby, nil
}

// lockBalances reads a player's balance map under FOR UPDATE.
func lockBalances(ctx context.Context, tx pgx.Tx, playerID string) (map[domain.Token]decimal.Decimal, error) {
	var raw []byte
	err := tx.QueryRow(ctx, `SELECT balances FROM players WHERE id = $1 FOR UPDATE`, playerID).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("lock player %s: %w", playerID, err)
	}
	balances, err := decodeBalances(raw)
	if err != nil {
		return nil, fmt.Errorf("decode balances of %s: %w", playerID, err)
	}
	return balances, nil
}

func writeBalances(ctx context.Context, tx pgx.Tx, playerID string, balances map[domain.Token]decimal.Decimal) error {
	raw, err := encodeBalances(balances)
	if err != nil {
		return fmt.Errorf("encode balances of %s: %w", playerID, err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE players SET balances = $2, updated_at = NOW() WHERE id = $1`,
		playerID, raw,
	); err != nil {
		return fmt.Errorf("update balances of %s: %w", playerID, err)
	}
	return nil
}

// applyFunding consumes the plan's deposit (insert-if-absent on the
// signature), credits it, checks sufficiency, and debits the stake. Runs
// entirely inside the caller's transaction; any failure rolls everything
// back including the signature consumption.
func applyFunding(ctx context.Context, tx pgx.Tx, playerID string, plan domain.FundingPlan) error {
	balances, err := lockBalances(ctx, tx, playerID)
	if err != nil {
		return err
	}

	balance := balanceOf(balances, plan.Token)

	if dep := plan.Deposit; dep != nil {
		const consume = `
			INSERT INTO processed_transactions (signature, payer_address, amount, recorded_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (signature) DO NOTHING`
		tag, err := tx.Exec(ctx, consume, dep.Signature, dep.PayerAddress, dep.Amount)
		if err != nil {
			return fmt.Errorf("consume signature %s: %w", dep.Signature, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("signature %s: %w", dep.Signature, domain.ErrAlreadyProcessed)
		}
		balance = balance.Add(dep.Amount)
	}

	if balance.LessThan(plan.Debit) {
		return fmt.Errorf("balance %s short of stake %s: %w", balance, plan.Debit, domain.ErrInsufficientFunds)
	}

	balances[plan.Token] = balance.Sub(plan.Debit)
	return writeBalances(ctx, tx, playerID, balances)
}

func balanceOf(balances map[domain.Token]decimal.Decimal, token domain.Token) decimal.Decimal {
	if b, ok := balances[token]; ok {
		return b
	}
	return decimal.Zero
}

// isDomainErr reports whether err is one of the domain sentinels that must
// propagate unwrapped context to the service layer.
func isDomainErr(err error) bool {
	for _, sentinel := range []error{
		domain.ErrNotFound, domain.ErrForbidden, domain.ErrValidation,
		domain.ErrAlreadyProcessed, domain.ErrInsufficientFunds,
		domain.ErrLobbyNotOpen, domain.ErrConflict,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

// Compile-time interface check.
var _ domain.LobbyStore = (*LobbyStore)(nil)
