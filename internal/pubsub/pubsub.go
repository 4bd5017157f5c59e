// Package pubsub implements the Pub/Sub Bus: per-replica multiplexing of
// store-backed topic subscriptions down to local WebSocket delivery queues.
//
// Grounded on the teacher's pubsub.go (refcounted subscribe/unsubscribe,
// one goroutine per active channel), generalized from Discord's
// channel/server/user channel set to the gateway's flat user/session topic
// space. Events carry no origin-node tag: a replica receives its own
// publishes like any other subscriber.
package pubsub

import (
	"context"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Subscriber is the subset of the Store Gateway the bus multiplexes
// subscriptions through.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string) *redis.PubSub
	Publish(ctx context.Context, topic, payload string) error
}

// Event is a message delivered to a local subscriber.
type Event struct {
	Topic   string
	Payload string
}

type topicState struct {
	sub       *redis.PubSub
	cancel    context.CancelFunc
	sinks     map[int]chan<- Event
	nextSinkID int
}

// Bus is the Pub/Sub Bus for one replica.
type Bus struct {
	store Subscriber

	mu     sync.Mutex
	topics map[string]*topicState

	wg sync.WaitGroup
}

// New creates a Bus bound to the given Store Gateway.
func New(store Subscriber) *Bus {
	return &Bus{
		store:  store,
		topics: make(map[string]*topicState),
	}
}

// Subscribe registers sink to receive every event published on topic.
// The replica subscribes on the store the first time any local socket
// subscribes to a topic. The returned function unsubscribes sink; the
// replica unsubscribes on the store once the last local subscriber leaves.
func (b *Bus) Subscribe(topic string, sink chan<- Event) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.topics[topic]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		state = &topicState{
			sub:    b.store.Subscribe(ctx, topic),
			cancel: cancel,
			sinks:  make(map[int]chan<- Event),
		}
		b.topics[topic] = state

		b.wg.Add(1)
		go b.listen(topic, state)
	}

	id := state.nextSinkID
	state.nextSinkID++
	state.sinks[id] = sink

	return func() { b.unsubscribe(topic, id) }
}

func (b *Bus) unsubscribe(topic string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.topics[topic]
	if !ok {
		return
	}
	delete(state.sinks, id)
	if len(state.sinks) == 0 {
		delete(b.topics, topic)
		state.cancel()
		_ = state.sub.Close()
	}
}

// Publish sends payload on topic immediately. This bypasses the
// Write-Behind Batcher entirely: publishes are fire-and-forget with no
// coalescing, a separate delivery path from the coalesced key writes.
func (b *Bus) Publish(ctx context.Context, topic, payload string) error {
	return b.store.Publish(ctx, topic, payload)
}

func (b *Bus) listen(topic string, state *topicState) {
	defer b.wg.Done()

	ch := state.sub.Channel()
	for msg := range ch {
		b.dispatch(topic, msg.Payload)
	}
}

func (b *Bus) dispatch(topic, payload string) {
	b.mu.Lock()
	state, ok := b.topics[topic]
	if !ok {
		b.mu.Unlock()
		return
	}
	sinks := make([]chan<- Event, 0, len(state.sinks))
	for _, sink := range state.sinks {
		sinks = append(sinks, sink)
	}
	b.mu.Unlock()

	event := Event{Topic: topic, Payload: payload}
	for _, sink := range sinks {
		select {
		case sink <- event:
		default:
			log.Printf("[PubSub] dropped event for slow subscriber on topic %s", topic)
		}
	}
}

// Close unsubscribes every active topic and waits for listener goroutines
// to exit.
func (b *Bus) Close() {
	b.mu.Lock()
	for topic, state := range b.topics {
		state.cancel()
		_ = state.sub.Close()
		delete(b.topics, topic)
	}
	b.mu.Unlock()

	b.wg.Wait()
}

// TopicCount reports the number of topics with at least one active local
// subscriber, for metrics.
func (b *Bus) TopicCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics)
}
