package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Publisher delivers an encoded event to a channel, e.g. Redis PUBLISH.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// PublishSink encodes events as JSON and hands them to a Publisher from a
// background worker. When the queue is full the event is dropped.
type PublishSink struct {
	publisher Publisher
	channel   string
	logger    *slog.Logger
	timeout   time.Duration

	queue     chan Event
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	closed  bool
	dropped int
}

// NewPublishSink starts the worker. Close stops it after draining.
func NewPublishSink(publisher Publisher, channel string, buffer int, logger *slog.Logger) *PublishSink {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = 256
	}
	s := &PublishSink{
		publisher: publisher,
		channel:   channel,
		logger:    logger,
		timeout:   2 * time.Second,
		queue:     make(chan Event, buffer),
		done:      make(chan struct{}),
	}
	go s.worker()
	return s
}

func (s *PublishSink) worker() {
	defer close(s.done)
	for ev := range s.queue {
		payload, err := json.Marshal(ev)
		if err != nil {
			s.logger.Error("failed to encode event", slog.String("event", string(ev.Type)), slog.String("error", err.Error()))
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		if err := s.publisher.Publish(ctx, s.channel, payload); err != nil {
			s.logger.Warn("failed to publish event",
				slog.String("event", string(ev.Type)),
				slog.String("channel", s.channel),
				slog.String("error", err.Error()),
			)
		}
		cancel()
	}
}

// Emit queues e without blocking. Events emitted after Close are dropped.
func (s *PublishSink) Emit(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.dropped++
		return
	}
	select {
	case s.queue <- e:
	default:
		s.dropped++
	}
}

// Dropped reports how many events were discarded because the queue was full
// or the sink was closed.
func (s *PublishSink) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close flushes queued events and stops the worker.
func (s *PublishSink) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.queue)
		s.mu.Unlock()
	})
	<-s.done
}
