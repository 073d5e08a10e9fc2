package presence

import (
	"context"
	"sync"

	"gigchat/internal/chat"
)

// MemoryChannel is a single-process Channel. It backs tests and runs the
// server without Redis.
type MemoryChannel struct {
	mu       sync.Mutex
	online   Set
	notify   func(Set)
	connects int
	closes   int
}

func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{online: make(Set)}
}

func (c *MemoryChannel) Connect(_ context.Context, onMembership func(Set)) error {
	c.mu.Lock()
	c.connects++
	c.notify = onMembership
	snapshot := c.online.clone()
	c.mu.Unlock()

	onMembership(snapshot)
	return nil
}

func (c *MemoryChannel) Heartbeat(_ context.Context, user chat.UserID) error {
	c.mu.Lock()
	if c.online.Has(user) {
		c.mu.Unlock()
		return nil
	}
	c.online[user] = struct{}{}
	c.broadcastLocked()
	return nil
}

func (c *MemoryChannel) Leave(_ context.Context, user chat.UserID) error {
	c.mu.Lock()
	if !c.online.Has(user) {
		c.mu.Unlock()
		return nil
	}
	delete(c.online, user)
	c.broadcastLocked()
	return nil
}

// broadcastLocked releases c.mu before calling out.
func (c *MemoryChannel) broadcastLocked() {
	fn := c.notify
	snapshot := c.online.clone()
	c.mu.Unlock()
	if fn != nil {
		fn(snapshot)
	}
}

func (c *MemoryChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	c.notify = nil
	return nil
}

// Stats returns how many times the channel was connected and closed.
func (c *MemoryChannel) Stats() (connects, closes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects, c.closes
}
