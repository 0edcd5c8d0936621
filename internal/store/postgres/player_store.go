package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/wagerarena/stakelobby/internal/domain"
)

// PlayerStore implements domain.PlayerStore using PostgreSQL. Custodial
// balances are stored as a JSONB map of token to decimal string and are
// only mutated inside the LobbyStore's transactions.
type PlayerStore struct {
	pool *pgxpool.Pool
}

// NewPlayerStore creates a new PlayerStore backed by the given connection pool.
func NewPlayerStore(pool *pgxpool.Pool) *PlayerStore {
	return &PlayerStore{pool: pool}
}

// Get fetches a player by id.
func (s *PlayerStore) Get(ctx context.Context, id string) (domain.Player, error) {
	const query = `
		SELECT id, name, rating, rank, onchain_address, balances
		FROM players WHERE id = $1`

	var p domain.Player
	var balances []byte
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&p.ID, &p.Name, &p.Rating, &p.Rank, &p.OnChainAddress, &balances,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Player{}, domain.ErrNotFound
		}
		return domain.Player{}, fmt.Errorf("postgres: get player %s: %w", id, err)
	}

	p.Balances, err = decodeBalances(balances)
	if err != nil {
		return domain.Player{}, fmt.Errorf("postgres: decode balances of %s: %w", id, err)
	}
	return p, nil
}

// Put upserts a player record, including its balances. Intended for
// provisioning and tests; stake movements go through the LobbyStore.
func (s *PlayerStore) Put(ctx context.Context, p domain.Player) error {
	balances, err := encodeBalances(p.Balances)
	if err != nil {
		return fmt.Errorf("postgres: encode balances of %s: %w", p.ID, err)
	}

	const query = `
		INSERT INTO players (id, name, rating, rank, onchain_address, balances, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (id) DO UPDATE SET
			name            = EXCLUDED.name,
			rating          = EXCLUDED.rating,
			rank            = EXCLUDED.rank,
			onchain_address = EXCLUDED.onchain_address,
			balances        = EXCLUDED.balances,
			updated_at      = NOW()`

	if _, err := s.pool.Exec(ctx, query,
		p.ID, p.Name, p.Rating, p.Rank, p.OnChainAddress, balances,
	); err != nil {
		return fmt.Errorf("postgres: put player %s: %w", p.ID, err)
	}
	return nil
}

// decodeBalances parses the JSONB balance map. Values are decimal strings so
// no precision is lost crossing the JSON boundary.
func decodeBalances(data []byte) (map[domain.Token]decimal.Decimal, error) {
	if len(data) == 0 {
		return map[domain.Token]decimal.Decimal{}, nil
	}
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	out := make(map[domain.Token]decimal.Decimal, len(raw))
	for token, s := range raw {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return nil, fmt.Errorf("balance %q for token %s: %w", s, token, err)
		}
		out[domain.Token(token)] = d
	}
	return out, nil
}

// encodeBalances serializes the balance map as token -> decimal string.
func encodeBalances(balances map[domain.Token]decimal.Decimal) ([]byte, error) {
	raw := make(map[string]string, len(balances))
	for token, d := range balances {
		raw[string(token)] = d.String()
	}
	return json.Marshal(raw)
}

// Compile-time interface check.
var _ domain.PlayerStore = (*PlayerStore)(nil)
