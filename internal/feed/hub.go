package feed

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Source delivers raw change payloads until it fails or ctx ends. ready is
// called once the source is listening.
type Source interface {
	Listen(ctx context.Context, ready func(), handle func(payload []byte)) error
}

// Subscription receives the events matching its filter, in feed order.
// C is closed when the hub drops the subscription, either because the
// subscriber fell behind or because the hub stopped.
type Subscription struct {
	C      <-chan Event
	c      chan Event
	filter Filter
	hub    *Hub
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	select {
	case s.hub.unregister <- s:
	case <-s.hub.done:
	}
}

// Hub holds the single feed connection of the process and fans events out
// to per-user subscriptions. Run owns the subscription set; everything else
// talks to it through channels.
type Hub struct {
	source  Source
	loader  Loader
	bufSize int
	backoff time.Duration

	subs       map[*Subscription]bool
	register   chan *Subscription
	unregister chan *Subscription
	broadcast  chan Event
	done       chan struct{}

	onEvent func(Event)
}

type HubOption func(*Hub)

// WithLoader resolves payloads that arrived without a row snapshot.
func WithLoader(l Loader) HubOption { return func(h *Hub) { h.loader = l } }

// WithBuffer sets how many events a subscriber may lag behind.
func WithBuffer(n int) HubOption { return func(h *Hub) { h.bufSize = n } }

// WithBackoff sets the delay between reconnect attempts.
func WithBackoff(d time.Duration) HubOption { return func(h *Hub) { h.backoff = d } }

// WithEventHook is called for every decoded event; used for metrics.
func WithEventHook(fn func(Event)) HubOption { return func(h *Hub) { h.onEvent = fn } }

func NewHub(source Source, opts ...HubOption) *Hub {
	h := &Hub{
		source:     source,
		bufSize:    256,
		backoff:    time.Second,
		subs:       make(map[*Subscription]bool),
		register:   make(chan *Subscription),
		unregister: make(chan *Subscription),
		broadcast:  make(chan Event),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe registers a subscription for filter. It fails once the hub has
// stopped.
func (h *Hub) Subscribe(filter Filter) (*Subscription, error) {
	c := make(chan Event, h.bufSize)
	s := &Subscription{C: c, c: c, filter: filter, hub: h}
	select {
	case h.register <- s:
		return s, nil
	case <-h.done:
		return nil, errors.New("feed hub stopped")
	}
}

// Publish injects an event as if it came from the source.
func (h *Hub) Publish(e Event) {
	select {
	case h.broadcast <- e:
	case <-h.done:
	}
}

// Run serves subscriptions until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	go h.listen(ctx)

	for {
		select {
		case <-ctx.Done():
			for s := range h.subs {
				delete(h.subs, s)
				close(s.c)
			}
			return

		case s := <-h.register:
			h.subs[s] = true

		case s := <-h.unregister:
			if _, ok := h.subs[s]; ok {
				delete(h.subs, s)
				close(s.c)
			}

		case e := <-h.broadcast:
			for s := range h.subs {
				if !s.filter.Match(e) {
					continue
				}
				select {
				case s.c <- e:
				default:
					// Too slow: drop it. The subscriber resubscribes and
					// rebuilds from the store.
					slog.Warn("feed: dropping slow subscriber", "user", s.filter.UserID)
					close(s.c)
					delete(h.subs, s)
				}
			}
		}
	}
}

// listen keeps the source connected, reconnecting after failures. After
// every reconnect subscribers get Resynced since live events between the
// two connections are lost.
func (h *Hub) listen(ctx context.Context) {
	first := true
	for {
		reconnect := !first
		ready := func() {
			if reconnect {
				h.Publish(Resynced{})
			}
		}
		err := h.source.Listen(ctx, ready, func(payload []byte) {
			e, err := Decode(ctx, payload, h.loader)
			if err != nil {
				slog.Warn("feed: skipping change", "error", err)
				return
			}
			if h.onEvent != nil {
				h.onEvent(e)
			}
			h.Publish(e)
		})
		if ctx.Err() != nil {
			return
		}
		slog.Error("feed: connection lost, reconnecting", "error", err, "backoff", h.backoff)
		first = false
		select {
		case <-ctx.Done():
			return
		case <-time.After(h.backoff):
		}
	}
}
