// Package bus is the in-process delivery fan-out: transient events
// published to named channels and pushed to every attached subscriber.
// Events are advisory; durable state lives in the store and clients
// reconcile by re-fetching after a reconnect.
package bus

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/golang/glog"

	"minichat/store"
)

type EventType string

const (
	EventNewConversation EventType = "new_conversation"
	EventNewMessage      EventType = "new_message"
	EventSeenUpdate      EventType = "seen_update"
	EventPreview         EventType = "preview"
	EventNotice          EventType = "notice"
)

// ConvChannel names the per conversation channel.
func ConvChannel(id int64) string {
	return fmt.Sprintf("conv:%d", id)
}

// UserChannel names the personal channel of a user.
func UserChannel(uid store.UserID) string {
	return fmt.Sprintf("user:%d", uid)
}

// Event is one delivery event. Exactly one of the payload fields is set,
// according to Type.
type Event struct {
	Type           EventType           `json:"type"`
	ConversationID int64               `json:"conversation_id,omitempty"`
	Conversation   *store.Conversation `json:"conversation,omitempty"`
	Message        *store.Message      `json:"message,omitempty"`
	Seen           *SeenUpdate         `json:"seen,omitempty"`
	Preview        *Preview            `json:"preview,omitempty"`
	Notice         json.RawMessage     `json:"notice,omitempty"`
}

// SeenUpdate reports messages that became fully seen after a user
// caught up.
type SeenUpdate struct {
	UserID    store.UserID `json:"user_id"`
	FullySeen []int64      `json:"fully_seen"`
}

// Preview is the lightweight per user notification about a new message,
// sent on personal channels so conversation lists can update without
// subscribing every conversation.
type Preview struct {
	From    store.UserID `json:"from"`
	Seq     int32        `json:"seq"`
	Snippet string       `json:"snippet,omitempty"`
}

// Subscriber is one bounded delivery stream, usually owned by a live
// session. It may be attached to any number of bus channels; all of them
// feed the single C.
//
// When C is full at publish time the subscriber is dropped and C closed:
// a reader that cannot keep up gets disconnected instead of slowing
// the publisher down. The reader observes the close and reconnects.
type Subscriber struct {
	C chan *Event

	bus *Bus

	mu     sync.Mutex
	closed bool
	lagged bool
}

// Lagged reports whether the subscriber was dropped for falling behind.
func (s *Subscriber) Lagged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lagged
}

// push appends e without ever blocking. Returns false when the
// subscriber is (or just became) dead.
func (s *Subscriber) push(e *Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.C <- e:
		return true
	default:
		s.closed = true
		s.lagged = true
		close(s.C)
		droppedSubscribers.Inc()
		openSubscribers.Dec()
		return false
	}
}

func (s *Subscriber) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	close(s.C)
	return true
}

// Bus is the publish/subscribe hub. Publish never blocks on any
// subscriber, so fan-out on one channel cannot slow down another.
type Bus struct {
	mu       sync.RWMutex
	channels map[string]map[*Subscriber]struct{}
	subs     map[*Subscriber]map[string]struct{}
}

func New() *Bus {
	return &Bus{
		channels: make(map[string]map[*Subscriber]struct{}),
		subs:     make(map[*Subscriber]map[string]struct{}),
	}
}

// NewSubscriber creates a detached subscriber with the given buffer.
func (b *Bus) NewSubscriber(buffer int) *Subscriber {
	sub := &Subscriber{
		C:   make(chan *Event, buffer),
		bus: b,
	}
	b.mu.Lock()
	b.subs[sub] = make(map[string]struct{})
	b.mu.Unlock()
	openSubscribers.Inc()
	return sub
}

// Attach subscribes sub to a channel. Attaching twice is a no-op.
func (b *Bus) Attach(sub *Subscriber, channel string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	chans, ok := b.subs[sub]
	if !ok {
		return // already removed
	}
	if _, ok := chans[channel]; ok {
		return
	}
	chans[channel] = struct{}{}
	m, ok := b.channels[channel]
	if !ok {
		m = make(map[*Subscriber]struct{})
		b.channels[channel] = m
	}
	m[sub] = struct{}{}
}

// Detach unsubscribes sub from one channel.
func (b *Bus) Detach(sub *Subscriber, channel string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.detachLocked(sub, channel)
}

func (b *Bus) detachLocked(sub *Subscriber, channel string) {
	if chans, ok := b.subs[sub]; ok {
		delete(chans, channel)
	}
	if m, ok := b.channels[channel]; ok {
		delete(m, sub)
		if len(m) == 0 {
			delete(b.channels, channel)
		}
	}
}

// Remove detaches sub from every channel and closes its stream.
func (b *Bus) Remove(sub *Subscriber) {
	b.mu.Lock()
	chans := b.subs[sub]
	for channel := range chans {
		b.detachLocked(sub, channel)
	}
	delete(b.subs, sub)
	b.mu.Unlock()

	if sub.close() {
		openSubscribers.Dec()
	}
}

// Publish delivers e to every subscriber currently attached to channel.
// At-least-once for live subscribers; nothing is buffered for absent
// ones. Dead subscribers found on the way are cleaned up.
func (b *Bus) Publish(channel string, e *Event) {
	b.mu.RLock()
	var dead []*Subscriber
	for sub := range b.channels[channel] {
		if !sub.push(e) {
			dead = append(dead, sub)
		}
	}
	b.mu.RUnlock()

	publishedEvents.WithLabelValues(string(e.Type)).Inc()

	for _, sub := range dead {
		glog.V(5).Infof("bus: dropping dead subscriber from %s", channel)
		b.Remove(sub)
	}
}
