package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/wmag/pkg/hashchain"
	"github.com/Mindburn-Labs/wmag/pkg/store"
)

func newStreamStore(t *testing.T) *store.Memory {
	t.Helper()
	ring, err := hashchain.NewKeyring([]hashchain.Key{{KID: "k0", Secret: "s", Active: true}})
	require.NoError(t, err)
	mem := store.NewMemory(hashchain.New(ring), 2)
	require.NoError(t, mem.CreateRun(context.Background(), &store.Run{RunID: "r1", TaskID: "t1", TenantID: "a"}))
	return mem
}

func appendN(t *testing.T, mem *store.Memory, hub *Hub, runID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		ev, err := mem.AppendEvent(context.Background(), runID, map[string]any{"n": i})
		require.NoError(t, err)
		if hub != nil {
			hub.Publish(runID, ev)
		}
	}
}

func collect(t *testing.T, ch <-chan *store.Event, n int) []*store.Event {
	t.Helper()
	var out []*store.Event
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func TestReplayThenTail(t *testing.T) {
	mem := newStreamStore(t)
	hub := NewHub(mem, 16, nil)
	ctx := context.Background()

	appendN(t, mem, hub, "r1", 3)

	ch, err := hub.Subscribe(ctx, "r1", 0)
	require.NoError(t, err)

	// Live events after subscribe.
	appendN(t, mem, hub, "r1", 2)

	events := collect(t, ch, 5)
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.Seq)
	}
}

func TestReconnectFromCursorNoDuplicates(t *testing.T) {
	mem := newStreamStore(t)
	hub := NewHub(mem, 16, nil)

	appendN(t, mem, hub, "r1", 5)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := hub.Subscribe(ctx, "r1", 0)
	require.NoError(t, err)
	first := collect(t, ch, 5)
	assert.Equal(t, uint64(5), first[4].Seq)
	cancel()

	// Reconnect with since_seq=5: only seq >= 6 arrives.
	ch2, err := hub.Subscribe(context.Background(), "r1", 5)
	require.NoError(t, err)
	appendN(t, mem, hub, "r1", 2)
	rest := collect(t, ch2, 2)
	assert.Equal(t, uint64(6), rest[0].Seq)
	assert.Equal(t, uint64(7), rest[1].Seq)
}

func TestReplayDeterministic(t *testing.T) {
	mem := newStreamStore(t)
	hub := NewHub(mem, 16, nil)
	appendN(t, mem, hub, "r1", 4)

	ch1, err := hub.Subscribe(context.Background(), "r1", 0)
	require.NoError(t, err)
	ch2, err := hub.Subscribe(context.Background(), "r1", 0)
	require.NoError(t, err)

	a := collect(t, ch1, 4)
	b := collect(t, ch2, 4)
	require.Len(t, b, 4)
	for i := range a {
		assert.Equal(t, a[i].Seq, b[i].Seq)
		assert.Equal(t, string(a[i].Canonical), string(b[i].Canonical))
	}
}

func TestPersistBeforeSendVisible(t *testing.T) {
	mem := newStreamStore(t)
	hub := NewHub(mem, 16, nil)

	// At the instant an event reaches a subscriber, the store already
	// returns it.
	hub.WithPreSend(func(runID string, ev *store.Event) {
		persisted, err := mem.GetEvents(context.Background(), runID, 0)
		require.NoError(t, err)
		require.NotEmpty(t, persisted)
		assert.Equal(t, ev.Seq, persisted[len(persisted)-1].Seq)
	})

	ch, err := hub.Subscribe(context.Background(), "r1", 0)
	require.NoError(t, err)
	appendN(t, mem, hub, "r1", 3)
	collect(t, ch, 3)
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	mem := newStreamStore(t)
	hub := NewHub(mem, 2, nil)

	ch, err := hub.Subscribe(context.Background(), "r1", 0)
	require.NoError(t, err)

	// Nobody drains ch; overflow both the out and live buffers.
	appendN(t, mem, hub, "r1", 10)

	got := collect(t, ch, 10)
	assert.Less(t, len(got), 10, "subscriber should have been dropped")
}

func TestCloseRunEndsTails(t *testing.T) {
	mem := newStreamStore(t)
	hub := NewHub(mem, 16, nil)

	ch, err := hub.Subscribe(context.Background(), "r1", 0)
	require.NoError(t, err)

	appendN(t, mem, hub, "r1", 1)
	hub.CloseRun("r1")

	got := collect(t, ch, 2) // channel closes before a second event
	assert.Len(t, got, 1)

	// Subscribing after close still replays the persisted log.
	ch2, err := hub.Subscribe(context.Background(), "r1", 0)
	require.NoError(t, err)
	replay := collect(t, ch2, 1)
	assert.Len(t, replay, 1)
}
