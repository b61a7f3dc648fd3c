package stream

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parley-ai/parley/internal/observability"
)

// OverflowPolicy decides what happens when a subscriber's buffer fills.
type OverflowPolicy string

const (
	// DropOldest discards the subscriber's oldest buffered event to make
	// room. The subscriber stays attached and misses the dropped events.
	DropOldest OverflowPolicy = "drop_oldest"

	// Disconnect closes the slow subscriber's channel. The turn proceeds.
	Disconnect OverflowPolicy = "disconnect"
)

const defaultBufferSize = 256

// Publisher fans turn events out to per-conversation subscriber sets.
// Topics are per turn: the engine opens one when a turn starts and closes it
// when the turn terminates; subscribing while no topic is open yields an
// already-closed channel.
type Publisher struct {
	mu      sync.Mutex
	topics  map[string]*topic
	bufSize int
	policy  OverflowPolicy
	metrics *observability.Metrics
	logger  *slog.Logger
}

type topic struct {
	subscribers map[string]*subscriber
	seq         uint64
	closed      bool
}

type subscriber struct {
	id string
	ch chan Event
}

// PublisherConfig configures fan-out behavior.
type PublisherConfig struct {
	// BufferSize is each subscriber's channel capacity.
	BufferSize int
	// Policy is the overflow policy for slow subscribers.
	Policy  OverflowPolicy
	Metrics *observability.Metrics
	Logger  *slog.Logger
}

// NewPublisher creates a publisher with the given overflow behavior.
func NewPublisher(cfg PublisherConfig) *Publisher {
	size := cfg.BufferSize
	if size <= 0 {
		size = defaultBufferSize
	}
	policy := cfg.Policy
	if policy == "" {
		policy = DropOldest
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		topics:  make(map[string]*topic),
		bufSize: size,
		policy:  policy,
		metrics: cfg.Metrics,
		logger:  logger.With("component", "stream"),
	}
}

// Open creates the topic for a conversation's new turn, replacing any
// terminated one. Call once per turn, before the first Publish.
func (p *Publisher) Open(conversationID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics[conversationID] = &topic{subscribers: make(map[string]*subscriber)}
}

// Publish delivers an event to every current subscriber of the conversation,
// in publication order. With no open topic or no subscribers it is a no-op;
// the turn never blocks on delivery beyond each subscriber's buffer.
func (p *Publisher) Publish(conversationID string, kind Kind, payload any) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.topics[conversationID]
	if !ok || t.closed {
		return
	}
	t.seq++
	ev := Event{
		Type:           kind,
		ConversationID: conversationID,
		Sequence:       t.seq,
		Time:           time.Now(),
		Payload:        payload,
	}

	for id, sub := range t.subscribers {
		select {
		case sub.ch <- ev:
			continue
		default:
		}

		switch p.policy {
		case Disconnect:
			p.logger.Warn("disconnecting slow subscriber",
				"conversation_id", conversationID, "subscriber_id", id)
			close(sub.ch)
			delete(t.subscribers, id)
			if p.metrics != nil {
				p.metrics.StreamSubscribers.Dec()
			}
		default: // DropOldest
			select {
			case <-sub.ch:
				if p.metrics != nil {
					p.metrics.EventsDropped.Inc()
				}
			default:
			}
			select {
			case sub.ch <- ev:
			default:
			}
		}
	}

	if p.metrics != nil {
		p.metrics.EventsPublished.WithLabelValues(string(kind)).Inc()
	}
}

// Subscribe attaches to the conversation's open topic. The returned channel
// closes when the turn terminates or, under the Disconnect policy, when the
// subscriber falls too far behind. If no turn is active the channel is
// already closed. The cancel func detaches early and is idempotent.
func (p *Publisher) Subscribe(conversationID string) (<-chan Event, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.topics[conversationID]
	if !ok || t.closed {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	sub := &subscriber{
		id: uuid.New().String(),
		ch: make(chan Event, p.bufSize),
	}
	t.subscribers[sub.id] = sub
	if p.metrics != nil {
		p.metrics.StreamSubscribers.Inc()
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			if cur, ok := t.subscribers[sub.id]; ok && cur == sub {
				close(sub.ch)
				delete(t.subscribers, sub.id)
				if p.metrics != nil {
					p.metrics.StreamSubscribers.Dec()
				}
			}
		})
	}
	return sub.ch, cancel
}

// Close terminates the conversation's topic, closing every subscriber
// channel. Subsequent Publish calls are no-ops and subsequent Subscribe
// calls yield closed channels until the next Open.
func (p *Publisher) Close(conversationID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.topics[conversationID]
	if !ok || t.closed {
		return
	}
	t.closed = true
	for id, sub := range t.subscribers {
		close(sub.ch)
		delete(t.subscribers, id)
		if p.metrics != nil {
			p.metrics.StreamSubscribers.Dec()
		}
	}
}
