package editor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifier_SubscribeUnsubscribe(t *testing.T) {
	n := newNotifier(0)

	ch := n.subscribe()
	require.NotNil(t, ch)
	assert.Equal(t, DefaultEventBuffer, cap(ch))

	n.mu.RLock()
	assert.Len(t, n.listeners, 1)
	n.mu.RUnlock()

	n.unsubscribe(ch)
	n.unsubscribe(ch)

	n.mu.RLock()
	assert.Empty(t, n.listeners)
	n.mu.RUnlock()
}

func TestNotifier_BroadcastReachesEveryListener(t *testing.T) {
	n := newNotifier(4)
	ch1 := n.subscribe()
	ch2 := n.subscribe()
	defer n.closeAll()

	n.broadcast(Event{Type: EventSaved})

	for _, ch := range []chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			assert.Equal(t, EventSaved, ev.Type)
		case <-time.After(100 * time.Millisecond):
			t.Error("listener did not receive broadcast")
		}
	}
}

func TestNotifier_BroadcastNeverBlocks(t *testing.T) {
	n := newNotifier(1)
	ch := n.subscribe()
	defer n.closeAll()

	done := make(chan struct{})
	go func() {
		n.broadcast(Event{Type: EventNodeAdded})
		n.broadcast(Event{Type: EventNodeRemoved})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("broadcast blocked on a full listener")
	}
	assert.Equal(t, EventNodeAdded, (<-ch).Type, "the overflowing event is dropped")
}
