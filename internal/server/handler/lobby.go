package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wagerarena/stakelobby/internal/domain"
	"github.com/wagerarena/stakelobby/internal/escrow"
	"github.com/wagerarena/stakelobby/internal/server/middleware"
)

// LobbyService defines the methods the lobby handler requires from the
// service layer. It is declared locally so the handler package does not
// depend on the concrete service implementation.
type LobbyService interface {
	CreateLobby(ctx context.Context, p escrow.CreateParams) (domain.Lobby, error)
	JoinLobby(ctx context.Context, p escrow.JoinParams) (domain.Lobby, error)
	CancelLobby(ctx context.Context, lobbyID, callerID string) (domain.Lobby, error)
	ListLobbies(ctx context.Context, opts domain.ListOpts) ([]domain.Lobby, error)
	LobbyDetails(ctx context.Context, lobbyID, callerID string) (domain.Lobby, error)
}

// LobbyHandler serves the lobby HTTP endpoints.
type LobbyHandler struct {
	lobbies LobbyService
	logger  *slog.Logger
}

// NewLobbyHandler creates a LobbyHandler with the given service and logger.
func NewLobbyHandler(lobbies LobbyService, logger *slog.Logger) *LobbyHandler {
	return &LobbyHandler{
		lobbies: lobbies,
		logger:  logger,
	}
}

// lobbyView is the JSON projection of a lobby.
type lobbyView struct {
	ID            string          `json:"id"`
	CreatorID     string          `json:"creator_id"`
	OpponentID    string          `json:"opponent_id,omitempty"`
	Token         string          `json:"token"`
	Stake         decimal.Decimal `json:"stake"`
	Status        string          `json:"status"`
	CreatorName   string          `json:"creator_name"`
	CreatorRating int             `json:"creator_rating"`
	CreatorRank   string          `json:"creator_rank"`
	CreatedAt     time.Time       `json:"created_at"`
}

func viewOf(l domain.Lobby) lobbyView {
	return lobbyView{
		ID:            l.ID,
		CreatorID:     l.CreatorID,
		OpponentID:    l.OpponentID,
		Token:         string(l.Token),
		Stake:         l.Stake,
		Status:        string(l.Status),
		CreatorName:   l.CreatorName,
		CreatorRating: l.CreatorRating,
		CreatorRank:   l.CreatorRank,
		CreatedAt:     l.CreatedAt,
	}
}

// createLobbyRequest is the request body for CreateLobby.
type createLobbyRequest struct {
	Stake                decimal.Decimal `json:"stake"`
	PlayerAddress        string          `json:"player_address"`
	TransactionSignature string          `json:"transaction_signature,omitempty"`
}

// CreateLobby opens a lobby with the caller's stake escrowed.
// POST /api/lobbies
func (h *LobbyHandler) CreateLobby(w http.ResponseWriter, r *http.Request) {
	var req createLobbyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	lobby, err := h.lobbies.CreateLobby(r.Context(), escrow.CreateParams{
		CreatorID:            middleware.PlayerID(r.Context()),
		Stake:                req.Stake,
		PlayerAddress:        req.PlayerAddress,
		TransactionSignature: req.TransactionSignature,
	})
	if err != nil {
		h.logger.WarnContext(r.Context(), "handler: create lobby failed",
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, viewOf(lobby))
}

// joinLobbyRequest is the request body for JoinLobby.
type joinLobbyRequest struct {
	PlayerAddress        string `json:"player_address"`
	TransactionSignature string `json:"transaction_signature,omitempty"`
}

// JoinLobby joins an open lobby as the opponent.
// POST /api/lobbies/{id}/join
func (h *LobbyHandler) JoinLobby(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing lobby id")
		return
	}

	var req joinLobbyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	lobby, err := h.lobbies.JoinLobby(r.Context(), escrow.JoinParams{
		LobbyID:              id,
		PlayerID:             middleware.PlayerID(r.Context()),
		PlayerAddress:        req.PlayerAddress,
		TransactionSignature: req.TransactionSignature,
	})
	if err != nil {
		h.logger.WarnContext(r.Context(), "handler: join lobby failed",
			slog.String("lobby_id", id),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, viewOf(lobby))
}

// CancelLobby cancels an open lobby and refunds the creator's stake.
// POST /api/lobbies/{id}/cancel
func (h *LobbyHandler) CancelLobby(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing lobby id")
		return
	}

	lobby, err := h.lobbies.CancelLobby(r.Context(), id, middleware.PlayerID(r.Context()))
	if err != nil {
		h.logger.WarnContext(r.Context(), "handler: cancel lobby failed",
			slog.String("lobby_id", id),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, viewOf(lobby))
}

// listLobbiesResponse wraps the list endpoint output with pagination echoes.
type listLobbiesResponse struct {
	Lobbies []lobbyView `json:"lobbies"`
	Limit   int         `json:"limit"`
	Offset  int         `json:"offset"`
}

// ListLobbies returns the open lobbies, newest first.
// GET /api/lobbies?limit=50&offset=0
func (h *LobbyHandler) ListLobbies(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)

	lobbies, err := h.lobbies.ListLobbies(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list lobbies failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list lobbies")
		return
	}

	views := make([]lobbyView, 0, len(lobbies))
	for _, l := range lobbies {
		views = append(views, viewOf(l))
	}

	writeJSON(w, http.StatusOK, listLobbiesResponse{
		Lobbies: views,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	})
}

// GetLobby returns a single lobby. Only the creator or the opponent may
// view it.
// GET /api/lobbies/{id}
func (h *LobbyHandler) GetLobby(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing lobby id")
		return
	}

	lobby, err := h.lobbies.LobbyDetails(r.Context(), id, middleware.PlayerID(r.Context()))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, viewOf(lobby))
}
