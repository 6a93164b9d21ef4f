package hydration

import (
	"sync"

	"github.com/google/uuid"

	"github.com/feedwork/hydrate/store"
)

// Topics published by the manager after a background refresh lands.
const (
	TopicPostsRefreshed         = "posts.refreshed"
	TopicConversationsRefreshed = "conversations.refreshed"
)

// PostsRefreshed is the payload for TopicPostsRefreshed.
type PostsRefreshed struct {
	Posts []*store.CachedPost
}

// ConversationsRefreshed is the payload for TopicConversationsRefreshed.
type ConversationsRefreshed struct {
	OwnerID       string
	Conversations []*store.CachedConversation
}

// Event pairs a topic with its payload.
type Event struct {
	Topic   string
	Payload any
}

// Subscription is a live registration on a Bus. Events arrive on C until
// Unsubscribe is called; delivery is best-effort and never blocks the
// publisher.
type Subscription struct {
	C     <-chan Event
	token string
	topic string
	ch    chan Event
}

// Bus is a minimal in-process publish/subscribe fanout. Subscribers that
// fall behind lose events rather than stalling the refresh path.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]map[string]*Subscription // topic -> token -> sub
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[string]*Subscription)}
}

const subscriptionBuffer = 16

// Subscribe registers interest in a topic. The returned subscription must
// be released with Unsubscribe when no longer needed.
func (b *Bus) Subscribe(topic string) *Subscription {
	ch := make(chan Event, subscriptionBuffer)
	sub := &Subscription{
		C:     ch,
		token: uuid.NewString(),
		topic: topic,
		ch:    ch,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs[topic] == nil {
		b.subs[topic] = make(map[string]*Subscription)
	}
	b.subs[topic][sub.token] = sub

	return sub
}

// Unsubscribe removes a subscription and closes its channel. It is safe
// to call more than once.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	topic := b.subs[sub.topic]
	if _, ok := topic[sub.token]; !ok {
		return
	}
	delete(topic, sub.token)
	close(sub.ch)
}

// Publish delivers an event to every current subscriber of the topic.
// Full subscriber buffers drop the event.
func (b *Bus) Publish(topic string, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs[topic] {
		select {
		case sub.ch <- Event{Topic: topic, Payload: payload}:
		default:
		}
	}
}
