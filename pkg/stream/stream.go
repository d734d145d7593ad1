// Package stream fans persisted run events out to live subscribers with
// replay-from-cursor semantics. The pipeline is the single producer per
// run; subscribers tail through buffered channels and are dropped, never
// blocked on, when they fall behind.
package stream

import (
	"context"
	"log/slog"
	"sync"

	"github.com/Mindburn-Labs/wmag/pkg/store"
)

// EventSource is the slice of the store the hub replays from.
type EventSource interface {
	GetEvents(ctx context.Context, runID string, sinceSeq uint64) ([]*store.Event, error)
}

type subscriber struct {
	live chan *store.Event
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.live) })
}

type runTopic struct {
	mu     sync.Mutex
	subs   map[*subscriber]bool
	closed bool
}

// Hub routes live events per run.
type Hub struct {
	mu     sync.Mutex
	topics map[string]*runTopic

	source  EventSource
	buffer  int
	logger  *slog.Logger
	preSend func(runID string, ev *store.Event)
}

// NewHub creates a hub replaying from source. buffer is the per-subscriber
// watermark; a subscriber whose channel is full gets dropped.
func NewHub(source EventSource, buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{topics: map[string]*runTopic{}, source: source, buffer: buffer, logger: logger}
}

// WithPreSend installs a hook invoked before an event reaches any
// subscriber channel. Test seam.
func (h *Hub) WithPreSend(hook func(runID string, ev *store.Event)) *Hub {
	h.preSend = hook
	return h
}

func (h *Hub) topic(runID string) *runTopic {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[runID]
	if !ok {
		t = &runTopic{subs: map[*subscriber]bool{}}
		h.topics[runID] = t
	}
	return t
}

// Publish forwards an already-persisted event to the run's subscribers.
// Slow subscribers are disconnected rather than blocking the producer.
func (h *Hub) Publish(runID string, ev *store.Event) {
	if h.preSend != nil {
		h.preSend(runID, ev)
	}
	t := h.topic(runID)
	t.mu.Lock()
	defer t.mu.Unlock()
	for sub := range t.subs {
		select {
		case sub.live <- ev:
		default:
			h.logger.Warn("dropping slow subscriber", "run_id", runID, "seq", ev.Seq)
			delete(t.subs, sub)
			sub.close()
		}
	}
}

// CloseRun ends every live tail for a terminal run. Replays of the
// persisted log keep working.
func (h *Hub) CloseRun(runID string) {
	t := h.topic(runID)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for sub := range t.subs {
		delete(t.subs, sub)
		sub.close()
	}
}

// Subscribe replays persisted events with seq > sinceSeq, then tails live
// events in seq order with no duplicates and no gaps. The returned channel
// closes when ctx is done, the run's stream is closed, or the subscriber
// falls behind.
func (h *Hub) Subscribe(ctx context.Context, runID string, sinceSeq uint64) (<-chan *store.Event, error) {
	sub := &subscriber{live: make(chan *store.Event, h.buffer)}
	t := h.topic(runID)

	// Attach before replaying so nothing published mid-replay is missed;
	// duplicates are filtered by cursor below.
	t.mu.Lock()
	closed := t.closed
	if !closed {
		t.subs[sub] = true
	}
	t.mu.Unlock()

	replay, err := h.source.GetEvents(ctx, runID, sinceSeq)
	if err != nil {
		h.detach(t, sub)
		return nil, err
	}

	out := make(chan *store.Event, h.buffer)
	go func() {
		defer close(out)
		defer h.detach(t, sub)

		cursor := sinceSeq
		for _, ev := range replay {
			if ev.Seq <= cursor {
				continue
			}
			select {
			case out <- ev:
				cursor = ev.Seq
			case <-ctx.Done():
				return
			}
		}
		if closed {
			return
		}
		for {
			select {
			case ev, ok := <-sub.live:
				if !ok {
					return
				}
				if ev.Seq <= cursor {
					continue
				}
				select {
				case out <- ev:
					cursor = ev.Seq
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (h *Hub) detach(t *runTopic, sub *subscriber) {
	t.mu.Lock()
	delete(t.subs, sub)
	t.mu.Unlock()
	sub.close()
}
