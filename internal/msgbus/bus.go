// Package msgbus provides the synchronous message bus shared by the emulator host
// and its plugins.
//
// Topics are identified by a namespace and a name, resolved once into a TopicID with
// MsgID and released with ReleaseMsgID. Endpoints subscribe a Handler to a topic
// under an endpoint id. Broadcast calls every handler of the topic inline on the
// calling goroutine, in subscription order, except the ones registered by the
// sender itself.
//
// All methods are safe for concurrent use. Handlers may subscribe, unsubscribe and
// broadcast from inside a delivery: no bus lock is held while a handler runs.
package msgbus

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

var (
	// ErrBusClosed is returned when operations are attempted on a closed bus.
	ErrBusClosed = errors.New("msgbus: bus is closed")

	// ErrSubscriberExists is returned when an endpoint subscribes twice to a topic.
	ErrSubscriberExists = errors.New("msgbus: subscriber already exists")

	// ErrSubscriberNotFound is returned when unsubscribing an unknown endpoint.
	ErrSubscriberNotFound = errors.New("msgbus: subscriber not found")

	// ErrUnknownTopic is returned for topic ids never handed out by MsgID or already released.
	ErrUnknownTopic = errors.New("msgbus: unknown topic")

	// ErrNilHandler is returned when subscribing a nil handler.
	ErrNilHandler = errors.New("msgbus: nil handler provided")
)

// TopicID identifies a topic. Zero is never a valid topic.
type TopicID uint32

// Handler receives a message. msg is owned by the sender and is only valid during the call.
type Handler func(topic TopicID, msg any)

type subscriber struct {
	id        string
	handler   Handler
	delivered atomic.Uint64
}

type topic struct {
	name        string
	refs        int
	subscribers []*subscriber
	broadcasts  atomic.Uint64
}

// Bus is a synchronous topic based message bus. It MUST NOT be copied.
type Bus struct {
	mu     sync.RWMutex
	byName map[string]TopicID
	topics map[TopicID]*topic
	nextID TopicID
	closed bool

	totalBroadcast atomic.Uint64
	l              *slog.Logger
}

// New creates an empty bus
func New(l *slog.Logger) *Bus {
	if l == nil {
		l = slog.Default()
	}

	return &Bus{
		byName: make(map[string]TopicID),
		topics: make(map[TopicID]*topic),
		l:      l.With(slog.String("component", "msgbus")),
	}
}

func topicName(namespace, name string) string {
	return namespace + "/" + name
}

// MsgID resolves namespace/name into a topic id, creating the topic on first use.
// Every call must be balanced by a ReleaseMsgID. Returns 0 on a closed bus.
func (b *Bus) MsgID(namespace, name string) TopicID {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0
	}

	full := topicName(namespace, name)
	if id, ok := b.byName[full]; ok {
		b.topics[id].refs++
		return id
	}

	b.nextID++
	id := b.nextID
	b.byName[full] = id
	b.topics[id] = &topic{name: full, refs: 1}

	b.l.Debug("Registered topic", slog.String("topic", full), slog.Uint64("id", uint64(id)))

	return id
}

// ReleaseMsgID drops one reference on the topic. The topic and its remaining
// subscriptions are removed when the last reference is released.
func (b *Bus) ReleaseMsgID(id TopicID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}

	t, ok := b.topics[id]
	if !ok {
		return ErrUnknownTopic
	}

	t.refs--
	if t.refs > 0 {
		return nil
	}

	if len(t.subscribers) > 0 {
		b.l.Warn("Releasing topic with live subscribers", slog.String("topic", t.name),
			slog.Int("subscribers", len(t.subscribers)))
	}

	delete(b.byName, t.name)
	delete(b.topics, id)

	return nil
}

// Subscribe registers handler for topic under the endpoint id.
func (b *Bus) Subscribe(id string, topicID TopicID, handler Handler) error {
	if handler == nil {
		return ErrNilHandler
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}

	t, ok := b.topics[topicID]
	if !ok {
		return ErrUnknownTopic
	}

	for _, s := range t.subscribers {
		if s.id == id {
			return ErrSubscriberExists
		}
	}

	// copy on write, so in-flight broadcasts keep their snapshot
	subs := make([]*subscriber, len(t.subscribers), len(t.subscribers)+1)
	copy(subs, t.subscribers)
	t.subscribers = append(subs, &subscriber{id: id, handler: handler})

	return nil
}

// Unsubscribe removes the endpoint's handler from topic.
func (b *Bus) Unsubscribe(id string, topicID TopicID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}

	t, ok := b.topics[topicID]
	if !ok {
		return ErrUnknownTopic
	}

	for i, s := range t.subscribers {
		if s.id != id {
			continue
		}

		subs := make([]*subscriber, 0, len(t.subscribers)-1)
		subs = append(subs, t.subscribers[:i]...)
		t.subscribers = append(subs, t.subscribers[i+1:]...)
		return nil
	}

	return ErrSubscriberNotFound
}

// Broadcast delivers msg to every subscriber of topic except the ones registered
// under the from endpoint id. It returns the number of handlers called.
// Broadcasting on a closed bus or an unknown topic delivers nothing.
func (b *Bus) Broadcast(from string, topicID TopicID, msg any) int {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return 0
	}
	t, ok := b.topics[topicID]
	if !ok {
		b.mu.RUnlock()
		return 0
	}
	subs := t.subscribers
	b.mu.RUnlock()

	b.totalBroadcast.Add(1)
	t.broadcasts.Add(1)

	n := 0
	for _, s := range subs {
		if s.id == from {
			continue
		}

		s.handler(topicID, msg)
		s.delivered.Add(1)
		n++
	}

	return n
}

// Close removes every topic and subscription. Further calls are no-ops or return ErrBusClosed.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.closed = true
	b.byName = nil
	b.topics = nil
}
