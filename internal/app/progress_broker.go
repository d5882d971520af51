package app

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/mshikaki/fundraising-service/internal/domain"
	"go.uber.org/zap"
)

// ProgressBroker fans progress updates out to subscribers in this process.
// Each subscriber holds at most one undelivered update; a newer update replaces it.
type ProgressBroker struct {
	mu     sync.Mutex
	topics map[uuid.UUID]*progressTopic
	nextID uint64
}

type progressTopic struct {
	lastRaised int64
	subs       map[uint64]chan domain.Progress
}

// NewProgressBroker creates an empty broker.
func NewProgressBroker() *ProgressBroker {
	return &ProgressBroker{topics: make(map[uuid.UUID]*progressTopic)}
}

// Subscribe registers for updates on an event. initial is delivered first. The
// returned cancel func closes the channel and is safe to call more than once.
func (b *ProgressBroker) Subscribe(eventID uuid.UUID, initial domain.Progress) (<-chan domain.Progress, func()) {
	ch := make(chan domain.Progress, 1)
	ch <- initial

	b.mu.Lock()
	topic, ok := b.topics[eventID]
	if !ok {
		topic = &progressTopic{lastRaised: initial.Raised, subs: make(map[uint64]chan domain.Progress)}
		b.topics[eventID] = topic
	} else if initial.Raised > topic.lastRaised {
		topic.lastRaised = initial.Raised
	}
	b.nextID++
	id := b.nextID
	topic.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if t, ok := b.topics[eventID]; ok {
				delete(t.subs, id)
				if len(t.subs) == 0 {
					delete(b.topics, eventID)
				}
			}
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers progress to every subscriber of the event. Updates that do not
// raise the total are dropped: the settled set only grows, so they are stale or
// repeated deliveries.
func (b *ProgressBroker) Publish(progress domain.Progress) {
	b.mu.Lock()
	defer b.mu.Unlock()

	topic, ok := b.topics[progress.EventID]
	if !ok || progress.Raised <= topic.lastRaised {
		return
	}
	topic.lastRaised = progress.Raised

	for _, ch := range topic.subs {
		select {
		case ch <- progress:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- progress:
			default:
			}
		}
	}
}

// Subscribers returns the number of active subscriptions for an event.
func (b *ProgressBroker) Subscribers(eventID uuid.UUID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if topic, ok := b.topics[eventID]; ok {
		return len(topic.subs)
	}
	return 0
}

// ProgressRelayHandler returns a message handler that feeds progress updates
// published by any instance into the local broker.
func ProgressRelayHandler(broker *ProgressBroker, logger *zap.Logger) func([]byte) bool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(body []byte) bool {
		var progress domain.Progress
		if err := json.Unmarshal(body, &progress); err != nil {
			logger.Warn("dropping malformed progress message", zap.Error(err))
			return true
		}
		if progress.EventID == uuid.Nil {
			logger.Warn("dropping progress message without event id")
			return true
		}
		broker.Publish(progress)
		return true
	}
}
