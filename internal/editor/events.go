package editor

import (
	"sync"

	"github.com/leapstack-labs/leapfuse/internal/pipeline"
	"github.com/leapstack-labs/leapfuse/internal/preview"
)

// EventType names a model change.
type EventType string

// Event types.
const (
	EventNodeAdded    EventType = "node_added"
	EventNodeRemoved  EventType = "node_removed"
	EventNodeUpdated  EventType = "node_updated"
	EventNodeMoved    EventType = "node_moved"
	EventEdgeAdded    EventType = "edge_added"
	EventEdgeRemoved  EventType = "edge_removed"
	EventFieldRenamed EventType = "field_renamed"
	EventLoaded       EventType = "loaded"
	EventSaved        EventType = "saved"
	EventSample       EventType = "sample"
)

// Event describes one settled change. Listeners should re-read the session
// for anything beyond what the event carries.
type Event struct {
	Type   EventType
	NodeID string
	Edge   *pipeline.Edge
	// Changed lists the nodes whose derived state changed while propagating.
	Changed []string
	// Sample is set for EventSample.
	Sample *preview.Result
}

// DefaultEventBuffer is the channel capacity of a subscription.
const DefaultEventBuffer = 64

// notifier fans events out to subscribed channels.
// Sends never block: a listener whose buffer is full misses the event.
type notifier struct {
	mu        sync.RWMutex
	listeners map[chan Event]struct{}
	buffer    int
}

func newNotifier(buffer int) *notifier {
	if buffer <= 0 {
		buffer = DefaultEventBuffer
	}
	return &notifier{listeners: make(map[chan Event]struct{}), buffer: buffer}
}

func (n *notifier) subscribe() chan Event {
	ch := make(chan Event, n.buffer)
	n.mu.Lock()
	n.listeners[ch] = struct{}{}
	n.mu.Unlock()
	return ch
}

func (n *notifier) unsubscribe(ch chan Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.listeners[ch]; !ok {
		return
	}
	delete(n.listeners, ch)
	close(ch)
}

func (n *notifier) broadcast(ev Event) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	for ch := range n.listeners {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (n *notifier) closeAll() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.listeners {
		delete(n.listeners, ch)
		close(ch)
	}
}
