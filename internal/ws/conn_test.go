package ws_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stancp327/Fetchwork-sub000/internal/presence"
	"github.com/stancp327/Fetchwork-sub000/internal/ws"
)

func TestStalledReaderDoesNotBlockFanout(t *testing.T) {
	hub := ws.NewHub(presence.NewMemory(), zap.NewNop())
	conns := make(chan *ws.Conn, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := ws.NewConn(7, raw, 1)
		c.Start()
		conns <- c
		<-c.Done()
	}))
	defer srv.Close()

	// The peer never reads, so the server's socket buffers fill up.
	peer, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer peer.Close()

	c := <-conns
	require.NoError(t, hub.Attach(context.Background(), c))

	payload := strings.Repeat("x", 1<<20)
	var slowest time.Duration
	closed := false
	for i := 0; i < 128 && !closed; i++ {
		start := time.Now()
		hub.EmitToUser(7, "test:payload", payload)
		if d := time.Since(start); d > slowest {
			slowest = d
		}
		select {
		case <-c.Done():
			closed = true
		default:
		}
	}

	require.True(t, closed, "a reader that never drains its buffer is disconnected")
	assert.Less(t, slowest, time.Second)

	start := time.Now()
	hub.EmitToUser(7, "test:payload", "after")
	hub.Detach(context.Background(), c)
	assert.Less(t, time.Since(start), time.Second)
}
