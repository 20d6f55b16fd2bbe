// Package broadcast fans orchestration events out to channel subscribers
// and republishes them on the event bus.
package broadcast

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/devflow/devflow/internal/common/logger"
	"github.com/devflow/devflow/internal/events"
	"github.com/devflow/devflow/internal/events/bus"
)

// Subscriber buffer size. A subscriber that falls this far behind is
// removed rather than blocking publishers.
const subscriberBuffer = 256

// Sink receives every published event synchronously, tagged with the
// channels it was routed to. Sinks must not block.
type Sink func(channels []string, event *bus.Event)

// Subscriber is a channel-scoped event receiver.
type Subscriber struct {
	ch       chan *bus.Event
	channels map[string]bool
	b        *Broadcaster
	once     sync.Once
}

// Events returns the subscriber's event stream. Events on it arrive in
// publish order.
func (s *Subscriber) Events() <-chan *bus.Event {
	return s.ch
}

// Close detaches the subscriber and closes its event stream.
func (s *Subscriber) Close() {
	s.b.unsubscribe(s)
}

// Broadcaster routes events to subscribers by channel name. Task events go
// to the tasks channel, the per-task channel and the broadcast channel;
// mode events go to the mode channel and the broadcast channel.
type Broadcaster struct {
	mu       sync.RWMutex
	subs     map[*Subscriber]struct{}
	sinks    []Sink
	eventBus bus.EventBus
	logger   *logger.Logger
	closed   bool
}

// New creates a broadcaster. eventBus may be nil when bus republishing is
// not wanted (tests, embedded use).
func New(eventBus bus.EventBus, log *logger.Logger) *Broadcaster {
	return &Broadcaster{
		subs:     make(map[*Subscriber]struct{}),
		eventBus: eventBus,
		logger:   log.WithComponent("broadcast"),
	}
}

// Subscribe registers a receiver for the given channels.
func (b *Broadcaster) Subscribe(channels ...string) *Subscriber {
	s := &Subscriber{
		ch:       make(chan *bus.Event, subscriberBuffer),
		channels: make(map[string]bool, len(channels)),
		b:        b,
	}
	for _, c := range channels {
		s.channels[c] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.ch)
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

func (b *Broadcaster) unsubscribe(s *Subscriber) {
	b.mu.Lock()
	_, ok := b.subs[s]
	delete(b.subs, s)
	b.mu.Unlock()
	if ok {
		s.once.Do(func() { close(s.ch) })
	}
}

// AddSink registers a synchronous event sink.
func (b *Broadcaster) AddSink(sink Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, sink)
}

// Publish routes an event to its channels, forwards it to sinks and
// republishes it on the event bus. Delivery to a subscriber never blocks;
// a subscriber whose buffer is full is removed and its stream closed, the
// same way the websocket hub drops slow clients.
func (b *Broadcaster) Publish(ctx context.Context, event *bus.Event) {
	channels := routeChannels(event)

	var slow []*Subscriber
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	sinks := b.sinks
	for s := range b.subs {
		if !s.wants(channels) {
			continue
		}
		select {
		case s.ch <- event:
		default:
			slow = append(slow, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range slow {
		b.logger.Warn("subscriber buffer full, removing subscriber",
			zap.String("event_type", event.Type),
			zap.String("task_id", event.TaskID),
		)
		b.unsubscribe(s)
	}

	for _, sink := range sinks {
		sink(channels, event)
	}

	if b.eventBus != nil {
		for _, subject := range routeSubjects(event) {
			if err := b.eventBus.Publish(ctx, subject, event); err != nil {
				b.logger.Warn("bus publish failed",
					zap.String("subject", subject),
					zap.String("event_type", event.Type),
					zap.Error(err),
				)
			}
		}
	}
}

// Close detaches all subscribers and closes their streams.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscriber, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[*Subscriber]struct{})
	b.mu.Unlock()

	for _, s := range subs {
		s.once.Do(func() { close(s.ch) })
	}
}

func (s *Subscriber) wants(channels []string) bool {
	for _, c := range channels {
		if s.channels[c] {
			return true
		}
	}
	return false
}

func routeChannels(event *bus.Event) []string {
	switch {
	case event.Type == events.ModeChange:
		return []string{events.ChannelMode, events.ChannelBroadcast}
	case event.TaskID != "":
		return []string{events.ChannelTasks, events.TaskChannel(event.TaskID), events.ChannelBroadcast}
	default:
		return []string{events.ChannelBroadcast}
	}
}

func routeSubjects(event *bus.Event) []string {
	switch {
	case event.Type == events.ModeChange:
		return []string{events.SubjectMode}
	case event.TaskID != "":
		return []string{events.SubjectTasks, events.BuildTaskSubject(event.TaskID)}
	default:
		return []string{events.SubjectBroadcast}
	}
}
