package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/johnayoung/go-market-aggregator/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func wsURL(server *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + path
}

// createEchoServer echoes the first message and then closes normally.
func createEchoServer(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		kind, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := conn.WriteMessage(kind, msg); err != nil {
			return
		}
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
		_, _, _ = conn.ReadMessage()
	})
	return httptest.NewServer(mux)
}

func TestWebsocketTransport(t *testing.T) {
	server := createEchoServer(t)
	defer server.Close()

	transport := NewWebsocketTransport(time.Second)

	t.Run("echo_then_normal_close", func(t *testing.T) {
		conn, err := transport.Dial(context.Background(), wsURL(server, "/ws"))
		require.NoError(t, err)
		defer conn.Close()

		require.NoError(t, conn.WriteMessage([]byte("hello")))

		msg, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, "hello", string(msg))

		_, err = conn.ReadMessage()
		assert.ErrorIs(t, err, ErrClosed)

		assert.NoError(t, conn.Close())
		assert.NoError(t, conn.Close())
	})

	t.Run("handshake_rejected", func(t *testing.T) {
		_, err := transport.Dial(context.Background(), wsURL(server, "/missing"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "http 404")
	})
}

func TestConnection_OverWebsocket(t *testing.T) {
	subscribed := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		subscribed <- string(msg)

		if err := conn.WriteMessage(websocket.TextMessage, []byte("BTC-USDT")); err != nil {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	protocol := &urlProtocol{fakeProtocol: fakeProtocol{subscribe: [][]byte{[]byte(`{"op":"subscribe"}`)}}, url: wsURL(server, "/")}
	received := make(chan models.Event, 1)

	c := New(Options{
		Venue:     "test",
		Protocol:  protocol,
		Transport: NewWebsocketTransport(time.Second),
		Policy:    DefaultReconnectPolicy(),
		OnEvent:   func(ev models.Event) { received <- ev },
		Logger:    createTestLogger(),
	})
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	select {
	case msg := <-subscribed:
		assert.Equal(t, `{"op":"subscribe"}`, msg)
	case <-time.After(2 * time.Second):
		t.Fatal("server never received subscribe message")
	}

	select {
	case ev := <-received:
		assert.Equal(t, "BTC-USDT", ev.Symbol)
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
	assert.Equal(t, models.StateConnected, c.State())
}

type urlProtocol struct {
	fakeProtocol
	url string
}

func (p *urlProtocol) StreamURL() string { return p.url }
