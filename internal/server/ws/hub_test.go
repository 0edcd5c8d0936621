package ws

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type stubSource struct {
	events chan []byte
}

func (s *stubSource) Subscribe(ctx context.Context) (<-chan []byte, error) {
	return s.events, nil
}

func newTestHub(t *testing.T) (*Hub, *stubSource, *httptest.Server, context.CancelFunc) {
	t.Helper()

	source := &stubSource{events: make(chan []byte, 8)}
	hub := NewHub(source, slog.New(slog.DiscardHandler))

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = hub.Run(ctx)
	}()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-runDone
	})
	return hub, source, srv, cancel
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHubFansOutEvents(t *testing.T) {
	hub, source, srv, _ := newTestHub(t)

	first := dial(t, srv)
	second := dial(t, srv)

	require.Eventually(t, func() bool {
		return hub.clientCount() == 2
	}, 2*time.Second, 10*time.Millisecond)

	source.events <- []byte(`{"kind":"lobby_created"}`)

	for _, conn := range []*websocket.Conn{first, second} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		kind, data, err := conn.ReadMessage()
		require.NoError(t, err)
		require.Equal(t, websocket.TextMessage, kind)
		require.JSONEq(t, `{"kind":"lobby_created"}`, string(data))
	}
}

func TestConnectAfterShutdownDoesNotHang(t *testing.T) {
	hub, source, srv, cancel := newTestHub(t)

	cancel()
	close(source.events)
	select {
	case <-hub.done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not signal shutdown")
	}

	// A connection arriving after the hub stopped must be closed promptly
	// rather than blocking on the register channel.
	conn := dial(t, srv)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
}
