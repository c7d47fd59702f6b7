package relay

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chat-relay/pkg/broadcast"
)

func TestServer_ServeAndShutdownOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus, err := broadcast.NewBus(ctx, broadcast.DefaultSettings())
	require.NoError(t, err)
	h, store := newTestHub(t, replyWith("hi"), bus)

	srv, err := NewServer(ServerConfig{
		Hub:           h,
		Bus:           bus,
		Sweeper:       store,
		SweepInterval: 10 * time.Millisecond,
		SweepIdle:     time.Minute,
	})
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/healthz"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestNewServer_RequiresHub(t *testing.T) {
	_, err := NewServer(ServerConfig{})
	require.ErrorContains(t, err, "hub is nil")
}
