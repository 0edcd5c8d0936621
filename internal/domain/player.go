// Package domain defines the core entities of the stake-escrow lobby
// service and the interfaces its stores, locks, and verifiers implement.
package domain

import (
	"github.com/shopspring/decimal"
)

// Token identifies a kind of value held in a custodial balance.
type Token string

// Player is a registered participant. Custodial balances are mutated only
// inside store transactions; this package never changes them directly.
type Player struct {
	ID             string
	Name           string
	Rating         int
	Rank           string
	OnChainAddress string // empty if the player never linked a wallet
	Balances       map[Token]decimal.Decimal
}

// Balance returns the player's custodial balance for the given token,
// or zero if the token has never been credited.
func (p Player) Balance(token Token) decimal.Decimal {
	if b, ok := p.Balances[token]; ok {
		return b
	}
	return decimal.Zero
}
