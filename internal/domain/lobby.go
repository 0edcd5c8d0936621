package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// LobbyStatus is the lifecycle state of a lobby. Open is the only
// non-terminal state; joined and cancelled admit no further transitions.
type LobbyStatus string

const (
	LobbyOpen      LobbyStatus = "open"
	LobbyJoined    LobbyStatus = "joined"
	LobbyCancelled LobbyStatus = "cancelled"
)

// Lobby is an open wager between a creator and, once joined, an opponent.
// The creator display fields are snapshotted at creation time and are not
// re-read from the player afterwards.
type Lobby struct {
	ID         string
	CreatorID  string
	OpponentID string // empty until the lobby is joined
	Token      Token
	Stake      decimal.Decimal
	Status     LobbyStatus

	CreatorName   string
	CreatorRating int
	CreatorRank   string

	CreatedAt time.Time
}

// Terminal reports whether the lobby has reached a final state.
func (l Lobby) Terminal() bool {
	return l.Status == LobbyJoined || l.Status == LobbyCancelled
}
