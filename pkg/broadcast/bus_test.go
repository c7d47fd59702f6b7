package broadcast

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBus_InMemoryDeliversInOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus, err := NewBus(ctx, DefaultSettings())
	require.NoError(t, err)
	defer func() { _ = bus.Close() }()

	var mu sync.Mutex
	var got []string
	require.NoError(t, bus.Consume(ctx, Topic, func(payload []byte) {
		mu.Lock()
		got = append(got, string(payload))
		mu.Unlock()
	}))

	for _, p := range []string{"one", "two", "three"} {
		require.NoError(t, bus.Publish(Topic, []byte(p)))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, time.Second, 10*time.Millisecond)
	mu.Lock()
	require.Equal(t, []string{"one", "two", "three"}, got)
	mu.Unlock()
}

func TestBus_NilIsNotInitialized(t *testing.T) {
	var bus *Bus
	require.Error(t, bus.Publish(Topic, []byte("x")))
	require.Error(t, bus.Consume(context.Background(), Topic, func([]byte) {}))
	require.NoError(t, bus.Close())
}
