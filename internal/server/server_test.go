package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/wagerarena/stakelobby/internal/domain"
	"github.com/wagerarena/stakelobby/internal/escrow"
	"github.com/wagerarena/stakelobby/internal/server/handler"
	"github.com/wagerarena/stakelobby/internal/store/memory"
)

const (
	testAPIKey  = "test-api-key"
	creatorID   = "creator"
	joinerID    = "joiner"
	creatorAddr = "0x00000000000000000000000000000000000000c1"
	joinerAddr  = "0x00000000000000000000000000000000000000b2"
	depositSig  = "0x1111111111111111111111111111111111111111111111111111111111111111"
)

type fakeLocks struct {
	mu   sync.Mutex
	held map[string]bool
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

type fakeVerifier struct{}

func (fakeVerifier) VerifyDeposit(ctx context.Context, proof domain.DepositProof, expected decimal.Decimal) (domain.VerifiedDeposit, error) {
	return domain.VerifiedDeposit{
		Signature:    proof.Signature,
		PayerAddress: proof.PayerAddress,
		Amount:       expected,
	}, nil
}

type okPinger struct{}

func (okPinger) Ping(ctx context.Context) error { return nil }

type testServer struct {
	ts    *httptest.Server
	store *memory.Store
	locks *fakeLocks
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	store := memory.New()
	locks := &fakeLocks{held: make(map[string]bool)}
	logger := slog.New(slog.DiscardHandler)

	svc := escrow.NewService(
		store,
		store.Lobbies(),
		locks,
		escrow.NewReconciler(fakeVerifier{}, store, logger),
		nil,
		escrow.Options{
			Token:    "ETH",
			MinStake: decimal.Zero,
			LockTTL:  30 * time.Second,
		},
		logger,
	)

	hash, err := bcrypt.GenerateFromPassword([]byte(testAPIKey), bcrypt.MinCost)
	require.NoError(t, err)

	srv := NewServer(Config{
		Port:       0,
		APIKeyHash: string(hash),
	}, Handlers{
		Health:  handler.NewHealthHandler(map[string]handler.Pinger{"store": okPinger{}}),
		Lobbies: handler.NewLobbyHandler(svc, logger),
	}, nil, logger)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testServer{ts: ts, store: store, locks: locks}
}

func (s *testServer) seedPlayer(t *testing.T, id, addr, balance string) {
	t.Helper()
	require.NoError(t, s.store.Put(context.Background(), domain.Player{
		ID:             id,
		Name:           "Player " + id,
		OnChainAddress: addr,
		Balances: map[domain.Token]decimal.Decimal{
			"ETH": decimal.RequireFromString(balance),
		},
	}))
}

// do sends an authenticated JSON request as the given player.
func (s *testServer) do(t *testing.T, method, path, playerID string, body any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req, err := http.NewRequest(method, s.ts.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	req.Header.Set("X-Player-ID", playerID)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.ts.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func createLobby(t *testing.T, s *testServer, playerID, addr, stake, sig string) string {
	t.Helper()
	body := map[string]any{
		"stake":          stake,
		"player_address": addr,
	}
	if sig != "" {
		body["transaction_signature"] = sig
	}
	resp := s.do(t, http.MethodPost, "/api/lobbies", playerID, body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decodeBody(t, resp)["id"].(string)
}

func TestHealthRequiresNoAuth(t *testing.T) {
	s := newTestServer(t)

	resp, err := http.Get(s.ts.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	require.Equal(t, "ok", body["status"])
}

func TestAuthRejections(t *testing.T) {
	s := newTestServer(t)

	// No credentials at all.
	resp, err := http.Get(s.ts.URL + "/api/lobbies")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Wrong API key.
	req, err := http.NewRequest(http.MethodGet, s.ts.URL+"/api/lobbies", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer wrong-key")
	req.Header.Set("X-Player-ID", creatorID)
	resp, err = s.ts.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Valid key but no player identity.
	req, err = http.NewRequest(http.MethodGet, s.ts.URL+"/api/lobbies", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	resp, err = s.ts.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCreateAndListLobbies(t *testing.T) {
	s := newTestServer(t)
	s.seedPlayer(t, creatorID, creatorAddr, "10")

	resp := s.do(t, http.MethodPost, "/api/lobbies", creatorID, map[string]any{
		"stake":          "4",
		"player_address": creatorAddr,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	created := decodeBody(t, resp)
	require.Equal(t, "open", created["status"])
	require.Equal(t, creatorID, created["creator_id"])
	require.Equal(t, "Player "+creatorID, created["creator_name"])

	resp = s.do(t, http.MethodGet, "/api/lobbies", creatorID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	list := decodeBody(t, resp)
	require.Len(t, list["lobbies"], 1)
}

func TestJoinAndCancelFlow(t *testing.T) {
	s := newTestServer(t)
	s.seedPlayer(t, creatorID, creatorAddr, "10")
	s.seedPlayer(t, joinerID, joinerAddr, "10")

	id := createLobby(t, s, creatorID, creatorAddr, "4", "")

	resp := s.do(t, http.MethodPost, "/api/lobbies/"+id+"/join", joinerID, map[string]any{
		"player_address": joinerAddr,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	joined := decodeBody(t, resp)
	require.Equal(t, "joined", joined["status"])
	require.Equal(t, joinerID, joined["opponent_id"])

	// Cancelling a joined lobby fails with the state error.
	resp = s.do(t, http.MethodPost, "/api/lobbies/"+id+"/cancel", creatorID, nil)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	// A fresh lobby cancels cleanly.
	id2 := createLobby(t, s, creatorID, creatorAddr, "2", "")
	resp = s.do(t, http.MethodPost, "/api/lobbies/"+id2+"/cancel", creatorID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "cancelled", decodeBody(t, resp)["status"])
}

func TestErrorStatusMapping(t *testing.T) {
	s := newTestServer(t)
	s.seedPlayer(t, creatorID, creatorAddr, "10")
	s.seedPlayer(t, joinerID, joinerAddr, "0")

	id := createLobby(t, s, creatorID, creatorAddr, "4", "")

	t.Run("lock busy is 423", func(t *testing.T) {
		unlock, err := s.locks.Acquire(context.Background(), creatorID, time.Minute)
		require.NoError(t, err)
		defer unlock()

		resp := s.do(t, http.MethodPost, "/api/lobbies", creatorID, map[string]any{
			"stake":          "1",
			"player_address": creatorAddr,
		})
		require.Equal(t, http.StatusLocked, resp.StatusCode)
	})

	t.Run("reused signature is 409", func(t *testing.T) {
		resp := s.do(t, http.MethodPost, "/api/lobbies/"+id+"/join", joinerID, map[string]any{
			"player_address":        joinerAddr,
			"transaction_signature": depositSig,
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)

		id2 := createLobby(t, s, creatorID, creatorAddr, "4", "")
		resp = s.do(t, http.MethodPost, "/api/lobbies/"+id2+"/join", joinerID, map[string]any{
			"player_address":        joinerAddr,
			"transaction_signature": depositSig,
		})
		require.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("unknown lobby is 404", func(t *testing.T) {
		resp := s.do(t, http.MethodGet, "/api/lobbies/nope", creatorID, nil)
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("stranger details is 403", func(t *testing.T) {
		resp := s.do(t, http.MethodGet, "/api/lobbies/"+id, "stranger", nil)
		require.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("validation failure is 500 with message", func(t *testing.T) {
		resp := s.do(t, http.MethodPost, "/api/lobbies", creatorID, map[string]any{
			"stake":          "0",
			"player_address": creatorAddr,
		})
		require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
		require.Contains(t, fmt.Sprint(decodeBody(t, resp)["error"]), "stake")
	})
}
