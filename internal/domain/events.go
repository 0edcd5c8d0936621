package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// LobbyEventKind discriminates lobby lifecycle events.
type LobbyEventKind string

const (
	LobbyEventCreated   LobbyEventKind = "lobby_created"
	LobbyEventJoined    LobbyEventKind = "lobby_joined"
	LobbyEventCancelled LobbyEventKind = "lobby_cancelled"
)

// LobbyEvent is published after a lobby transition commits, so clients
// watching the lobby list can refresh without polling.
type LobbyEvent struct {
	Kind    LobbyEventKind  `json:"kind"`
	LobbyID string          `json:"lobby_id"`
	ActorID string          `json:"actor_id"`
	Token   Token           `json:"token"`
	Stake   decimal.Decimal `json:"stake"`
	At      time.Time       `json:"at"`
}

// EventPublisher delivers lobby events to subscribers. Publication runs
// after the store transaction commits; a failed publish is logged by the
// caller, never silently dropped.
type EventPublisher interface {
	PublishLobbyEvent(ctx context.Context, ev LobbyEvent) error
}
