package presence

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"gigchat/internal/chat"
)

// Set is the ids believed online at one point in time.
type Set map[chat.UserID]struct{}

func NewSet(ids ...chat.UserID) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s Set) Has(id chat.UserID) bool {
	_, ok := s[id]
	return ok
}

// IDs returns the members in sorted order.
func (s Set) IDs() []chat.UserID {
	out := make([]chat.UserID, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s Set) clone() Set {
	c := make(Set, len(s))
	for id := range s {
		c[id] = struct{}{}
	}
	return c
}

func (s Set) equal(o Set) bool {
	if len(s) != len(o) {
		return false
	}
	for id := range s {
		if !o.Has(id) {
			return false
		}
	}
	return true
}

// Channel is the presence backend shared by the whole process.
type Channel interface {
	// Connect opens the membership subscription. onMembership receives the
	// full recomputed online set after every change.
	Connect(ctx context.Context, onMembership func(Set)) error
	Heartbeat(ctx context.Context, user chat.UserID) error
	Leave(ctx context.Context, user chat.UserID) error
	// Close tears the subscription down.
	Close() error
}

// Tracker owns the single presence subscription of a process.
//
// Create one Tracker at startup and share it. The first Subscribe connects
// the Channel; the last unsubscribe, and only the last, closes it. Join
// starts heartbeats for an authenticated user; heartbeats are reference
// counted per user so several sessions of one user share one loop.
type Tracker struct {
	ch       Channel
	interval time.Duration

	// connMu serializes connecting and closing the channel.
	connMu sync.Mutex
	// deliverMu orders deliveries to observers.
	deliverMu sync.Mutex

	mu           sync.Mutex
	observers    map[int]func(Set)
	nextID       int
	current      Set
	connected    bool
	reconnecting bool
	retryMin     time.Duration

	beats map[chat.UserID]*heartbeat
}

const maxRetryDelay = 30 * time.Second

type heartbeat struct {
	refs   int
	cancel context.CancelFunc
	done   chan struct{}
}

func NewTracker(ch Channel, interval time.Duration) *Tracker {
	if interval <= 0 {
		interval = 20 * time.Second
	}
	return &Tracker{
		ch:        ch,
		interval:  interval,
		retryMin:  time.Second,
		observers: make(map[int]func(Set)),
		beats:     make(map[chat.UserID]*heartbeat),
	}
}

// Subscribe registers onChange and returns the function that removes it.
// A subscriber joining an already connected tracker receives the current
// set right away. onChange must not call back into the tracker.
//
// If the channel cannot be connected, the tracker keeps retrying with
// backoff for as long as observers remain.
func (t *Tracker) Subscribe(onChange func(Set)) (unsubscribe func()) {
	t.connMu.Lock()
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.observers[id] = onChange
	needConnect := !t.connected
	if needConnect {
		t.connected = true
	}
	t.mu.Unlock()

	if needConnect {
		if err := t.ch.Connect(context.Background(), t.publish); err != nil {
			slog.Error("presence: connect failed", "error", err)
			t.connectFailed()
		}
	}
	t.connMu.Unlock()

	if !needConnect {
		// Holding deliverMu keeps an in-flight publish from landing after
		// this older snapshot.
		t.deliverMu.Lock()
		t.mu.Lock()
		var snapshot Set
		if _, ok := t.observers[id]; ok && t.current != nil {
			snapshot = t.current.clone()
		}
		t.mu.Unlock()
		if snapshot != nil {
			onChange(snapshot)
		}
		t.deliverMu.Unlock()
	}

	var once sync.Once
	return func() {
		once.Do(func() { t.unsubscribe(id) })
	}
}

// connectFailed marks the tracker disconnected and starts the reconnect
// loop. Callers hold connMu.
func (t *Tracker) connectFailed() {
	t.mu.Lock()
	t.connected = false
	start := !t.reconnecting
	t.reconnecting = true
	t.mu.Unlock()
	if start {
		go t.reconnect()
	}
}

func (t *Tracker) reconnect() {
	delay := t.retryMin
	for {
		time.Sleep(delay)

		t.connMu.Lock()
		t.mu.Lock()
		if len(t.observers) == 0 || t.connected {
			t.reconnecting = false
			t.mu.Unlock()
			t.connMu.Unlock()
			return
		}
		t.connected = true
		t.mu.Unlock()

		err := t.ch.Connect(context.Background(), t.publish)
		t.mu.Lock()
		if err != nil {
			t.connected = false
		} else {
			t.reconnecting = false
		}
		t.mu.Unlock()
		t.connMu.Unlock()

		if err == nil {
			slog.Info("presence: reconnected")
			return
		}
		slog.Warn("presence: reconnect failed", "error", err, "retry_in", delay)
		delay = min(delay*2, maxRetryDelay)
	}
}

func (t *Tracker) unsubscribe(id int) {
	t.connMu.Lock()
	defer t.connMu.Unlock()

	t.mu.Lock()
	if _, ok := t.observers[id]; !ok {
		t.mu.Unlock()
		return
	}
	delete(t.observers, id)
	last := len(t.observers) == 0 && t.connected
	if last {
		t.connected = false
		t.current = nil
	}
	t.mu.Unlock()

	if !last {
		return
	}
	if err := t.ch.Close(); err != nil {
		slog.Warn("presence: close failed", "error", err)
	}
}

// Observers reports how many observers are subscribed.
func (t *Tracker) Observers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.observers)
}

// Online reports whether id is in the latest known set.
func (t *Tracker) Online(id chat.UserID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current.Has(id)
}

func (t *Tracker) publish(s Set) {
	t.deliverMu.Lock()
	defer t.deliverMu.Unlock()

	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return
	}
	t.current = s.clone()
	fns := make([]func(Set), 0, len(t.observers))
	for _, fn := range t.observers {
		fns = append(fns, fn)
	}
	t.mu.Unlock()

	for _, fn := range fns {
		fn(s.clone())
	}
}

// Join starts heartbeats for user and returns the function that ends them.
// The user is withdrawn from the channel when the last of its sessions
// leaves.
func (t *Tracker) Join(user chat.UserID) (leave func()) {
	t.mu.Lock()
	hb, ok := t.beats[user]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		hb = &heartbeat{cancel: cancel, done: make(chan struct{})}
		t.beats[user] = hb
		go t.beat(ctx, user, hb.done)
	}
	hb.refs++
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { t.leave(user) })
	}
}

func (t *Tracker) leave(user chat.UserID) {
	t.mu.Lock()
	hb, ok := t.beats[user]
	if !ok {
		t.mu.Unlock()
		return
	}
	hb.refs--
	if hb.refs > 0 {
		t.mu.Unlock()
		return
	}
	delete(t.beats, user)
	t.mu.Unlock()

	hb.cancel()
	<-hb.done
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := t.ch.Leave(ctx, user); err != nil {
		slog.Warn("presence: leave failed", "user", user, "error", err)
	}
}

func (t *Tracker) beat(ctx context.Context, user chat.UserID, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		if err := t.ch.Heartbeat(ctx, user); err != nil && ctx.Err() == nil {
			slog.Warn("presence: heartbeat failed", "user", user, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
