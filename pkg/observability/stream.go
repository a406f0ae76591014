package observability

import (
	"context"
	"log/slog"
	"sync"

	"github.com/aretw0/patchbay/internal/logging"
	"github.com/aretw0/patchbay/pkg/domain"
)

// Stream fans lifecycle events out to subscribers. Slow subscribers lose
// events instead of blocking the graph.
type Stream struct {
	mu     sync.RWMutex
	subs   map[chan domain.Event]struct{}
	size   int
	logger *slog.Logger
}

// NewStream creates a stream whose subscribers buffer size events.
func NewStream(size int, logger *slog.Logger) *Stream {
	if logger == nil {
		logger = logging.NewNop()
	}
	if size <= 0 {
		size = 64
	}
	return &Stream{subs: make(map[chan domain.Event]struct{}), size: size, logger: logger}
}

// Subscribe returns a channel of events, closed when ctx ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan domain.Event {
	ch := make(chan domain.Event, s.size)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, ch)
		close(ch)
		s.mu.Unlock()
	}()
	return ch
}

// Subscribers returns the number of live subscriptions.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Publish delivers ev to every subscriber.
func (s *Stream) Publish(ev domain.Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for ch := range s.subs {
		select {
		case ch <- ev:
		default:
			s.logger.Warn("event stream: subscriber buffer full, dropping event", "type", ev.Type)
		}
	}
}

// Hooks publishes every control-plane event and xruns. Cycle events are
// left out.
func (s *Stream) Hooks() domain.LifecycleHooks {
	return domain.LifecycleHooks{
		OnLinkState: func(_ context.Context, e *domain.LinkEvent) {
			s.Publish(domain.Event{Type: domain.EventLinkState, Data: e})
		},
		OnNegotiationFailed: func(_ context.Context, e *domain.LinkEvent) {
			s.Publish(domain.Event{Type: domain.EventNegotiation, Data: e})
		},
		OnXrun: func(_ context.Context, e *domain.XrunEvent) {
			s.Publish(domain.Event{Type: domain.EventXrun, Data: e})
		},
		OnRecalc: func(_ context.Context, e *domain.RecalcEvent) {
			s.Publish(domain.Event{Type: domain.EventRecalc, Data: e})
		},
		OnQuantum: func(_ context.Context, e *domain.QuantumEvent) {
			s.Publish(domain.Event{Type: domain.EventQuantum, Data: e})
		},
	}
}
