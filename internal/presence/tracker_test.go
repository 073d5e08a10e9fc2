package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gigchat/internal/chat"
)

type recorder struct {
	mu   sync.Mutex
	sets []Set
}

func (r *recorder) observe(s Set) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sets = append(r.sets, s)
}

func (r *recorder) last() Set {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sets) == 0 {
		return nil
	}
	return r.sets[len(r.sets)-1]
}

func TestTrackerSharesOneConnection(t *testing.T) {
	ch := NewMemoryChannel()
	tr := NewTracker(ch, time.Hour)

	var list, header, badge recorder
	unsubList := tr.Subscribe(list.observe)
	unsubHeader := tr.Subscribe(header.observe)
	unsubBadge := tr.Subscribe(badge.observe)

	connects, closes := ch.Stats()
	assert.Equal(t, 1, connects)
	assert.Equal(t, 0, closes)
	assert.Equal(t, 3, tr.Observers())

	unsubList()
	unsubHeader()
	_, closes = ch.Stats()
	assert.Equal(t, 0, closes, "still one observer left")

	unsubBadge()
	unsubBadge()
	connects, closes = ch.Stats()
	assert.Equal(t, 1, connects)
	assert.Equal(t, 1, closes)
	assert.Equal(t, 0, tr.Observers())
}

func TestTrackerReconnectsAfterFullTeardown(t *testing.T) {
	ch := NewMemoryChannel()
	tr := NewTracker(ch, time.Hour)

	tr.Subscribe(func(Set) {})()
	unsub := tr.Subscribe(func(Set) {})
	defer unsub()

	connects, closes := ch.Stats()
	assert.Equal(t, 2, connects)
	assert.Equal(t, 1, closes)
}

func TestTrackerBroadcastsFullSetToEveryObserver(t *testing.T) {
	ch := NewMemoryChannel()
	tr := NewTracker(ch, time.Hour)

	var a, b recorder
	defer tr.Subscribe(a.observe)()
	defer tr.Subscribe(b.observe)()

	leaveBob := tr.Join("bob")
	leaveEve := tr.Join("eve")

	require.Eventually(t, func() bool {
		return a.last().equal(NewSet("bob", "eve")) && b.last().equal(NewSet("bob", "eve"))
	}, time.Second, 5*time.Millisecond)
	assert.True(t, tr.Online("bob"))

	leaveBob()
	require.Eventually(t, func() bool {
		return a.last().equal(NewSet("eve"))
	}, time.Second, 5*time.Millisecond)
	assert.False(t, tr.Online("bob"))
	leaveEve()
}

func TestTrackerLateSubscriberGetsCurrentSet(t *testing.T) {
	ch := NewMemoryChannel()
	tr := NewTracker(ch, time.Hour)
	defer tr.Subscribe(func(Set) {})()

	leave := tr.Join("bob")
	defer leave()
	require.Eventually(t, func() bool { return tr.Online("bob") }, time.Second, 5*time.Millisecond)

	var late recorder
	defer tr.Subscribe(late.observe)()
	assert.Equal(t, []chat.UserID{"bob"}, late.last().IDs())
}

func TestTrackerJoinIsCountedPerUser(t *testing.T) {
	ch := NewMemoryChannel()
	tr := NewTracker(ch, time.Hour)
	defer tr.Subscribe(func(Set) {})()

	leaveTab1 := tr.Join("bob")
	leaveTab2 := tr.Join("bob")
	require.Eventually(t, func() bool { return tr.Online("bob") }, time.Second, 5*time.Millisecond)

	leaveTab1()
	leaveTab1()
	assert.True(t, tr.Online("bob"), "second session still online")

	leaveTab2()
	assert.False(t, tr.Online("bob"))
}

// flakyChannel refuses the first few connects.
type flakyChannel struct {
	*MemoryChannel

	mu       sync.Mutex
	failures int
}

func (c *flakyChannel) Connect(ctx context.Context, onMembership func(Set)) error {
	c.mu.Lock()
	if c.failures > 0 {
		c.failures--
		c.mu.Unlock()
		return errors.New("redis: connection refused")
	}
	c.mu.Unlock()
	return c.MemoryChannel.Connect(ctx, onMembership)
}

func TestTrackerRetriesConnectAfterFailure(t *testing.T) {
	ch := &flakyChannel{MemoryChannel: NewMemoryChannel(), failures: 1}
	tr := NewTracker(ch, time.Hour)
	tr.retryMin = time.Hour

	unsub := tr.Subscribe(func(Set) {})
	connects, _ := ch.Stats()
	assert.Equal(t, 0, connects)

	// a new subscriber connects without waiting for the backoff
	defer tr.Subscribe(func(Set) {})()
	connects, _ = ch.Stats()
	assert.Equal(t, 1, connects)

	unsub()
	_, closes := ch.Stats()
	assert.Equal(t, 0, closes)
}

func TestTrackerReconnectsAfterFailedConnect(t *testing.T) {
	ch := &flakyChannel{MemoryChannel: NewMemoryChannel(), failures: 2}
	require.NoError(t, ch.Heartbeat(context.Background(), "7"))

	tr := NewTracker(ch, time.Hour)
	tr.retryMin = time.Millisecond

	var r recorder
	unsubscribe := tr.Subscribe(r.observe)
	require.Eventually(t, func() bool { return r.last().Has("7") }, time.Second, 5*time.Millisecond)

	connects, _ := ch.Stats()
	assert.Equal(t, 1, connects)

	unsubscribe()
	_, closes := ch.Stats()
	assert.Equal(t, 1, closes)
}

func TestSubscribeWaitsForInflightDelivery(t *testing.T) {
	ch := NewMemoryChannel()
	tr := NewTracker(ch, time.Hour)

	release := make(chan struct{})
	var first recorder
	defer tr.Subscribe(func(s Set) {
		if s.Has("2") {
			<-release
		}
		first.observe(s)
	})()

	go ch.Heartbeat(context.Background(), "2")
	require.Eventually(t, func() bool { return tr.Online("2") }, time.Second, time.Millisecond)

	var second recorder
	subscribed := make(chan func())
	go func() { subscribed <- tr.Subscribe(second.observe) }()

	select {
	case <-subscribed:
		t.Fatal("subscribe returned while a delivery was still running")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	unsubscribe := <-subscribed
	defer unsubscribe()
	assert.True(t, second.last().Has("2"))
	assert.True(t, first.last().Has("2"))
}
