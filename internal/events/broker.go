package events

import (
	"log/slog"
	"sync"
)

// subscriberBuffer bounds each subscription channel. A pipeline run emits
// one event per phase plus a terminal event, so this never fills for a
// consumer that reads at any pace short of fully stalled.
const subscriberBuffer = 16

// Broker fans pipeline progress events out to per-task subscribers.
// Publishing never blocks: a stalled or disconnected consumer only loses
// its own events and cannot affect the underlying run.
type Broker struct {
	mu     sync.RWMutex
	subs   map[string]map[chan ProgressEvent]struct{}
	logger *slog.Logger
}

// NewBroker creates an empty progress event broker.
func NewBroker(logger *slog.Logger) *Broker {
	return &Broker{
		subs:   make(map[string]map[chan ProgressEvent]struct{}),
		logger: logger.With("component", "event_broker"),
	}
}

// Subscribe registers interest in one task's events. The returned cancel
// function must be called when the consumer is done; it is safe to call
// more than once.
func (b *Broker) Subscribe(taskID string) (<-chan ProgressEvent, func()) {
	ch := make(chan ProgressEvent, subscriberBuffer)

	b.mu.Lock()
	if b.subs[taskID] == nil {
		b.subs[taskID] = make(map[chan ProgressEvent]struct{})
	}
	b.subs[taskID][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if set, ok := b.subs[taskID]; ok {
				delete(set, ch)
				if len(set) == 0 {
					delete(b.subs, taskID)
				}
			}
			b.mu.Unlock()
			close(ch)
		})
	}

	return ch, cancel
}

// Publish delivers the event to all current subscribers of its task.
// Events for tasks nobody is watching are dropped.
func (b *Broker) Publish(event ProgressEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	set, ok := b.subs[event.TaskID]
	if !ok {
		return
	}

	for ch := range set {
		select {
		case ch <- event:
		default:
			b.logger.Warn("dropping progress event for slow subscriber",
				"task_id", event.TaskID,
				"event_type", event.Type,
				"phase", event.Phase)
		}
	}
}
