package presence

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"gigchat/internal/chat"
)

const (
	DefaultKeyPrefix = "presence:user:"
	DefaultChanges   = "presence:changes"
)

// RedisChannel keeps one expiring key per online user and announces
// membership changes on a pub/sub channel. Every instance recomputes the
// full set from the keys when told something changed, and periodically to
// catch keys that expired without an announcement.
type RedisChannel struct {
	rdb     *redis.Client
	prefix  string
	changes string
	ttl     time.Duration

	mu     sync.Mutex
	pubsub *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRedisChannel(rdb *redis.Client, ttl time.Duration) *RedisChannel {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisChannel{
		rdb:     rdb,
		prefix:  DefaultKeyPrefix,
		changes: DefaultChanges,
		ttl:     ttl,
	}
}

func (c *RedisChannel) key(user chat.UserID) string {
	return c.prefix + string(user)
}

func (c *RedisChannel) Connect(ctx context.Context, onMembership func(Set)) error {
	pubsub := c.rdb.Subscribe(ctx, c.changes)
	// Wait for the subscription to be confirmed so no change is missed
	// between here and the first recompute.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", c.changes, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.mu.Lock()
	c.pubsub, c.cancel, c.done = pubsub, cancel, done
	c.mu.Unlock()

	go c.watch(loopCtx, pubsub, onMembership, done)
	return nil
}

func (c *RedisChannel) watch(ctx context.Context, pubsub *redis.PubSub, onMembership func(Set), done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.ttl / 2)
	defer ticker.Stop()

	var last Set
	recompute := func() {
		set, err := c.Online(ctx)
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("presence: recompute failed", "error", err)
			}
			return
		}
		if last != nil && last.equal(set) {
			return
		}
		last = set
		onMembership(set.clone())
	}

	recompute()
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			recompute()
		case <-ticker.C:
			recompute()
		}
	}
}

// Heartbeat refreshes the user's key. Only a user that was not online
// already triggers an announcement.
func (c *RedisChannel) Heartbeat(ctx context.Context, user chat.UserID) error {
	added, err := c.rdb.SetNX(ctx, c.key(user), 1, c.ttl).Result()
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", user, err)
	}
	if !added {
		return c.rdb.Expire(ctx, c.key(user), c.ttl).Err()
	}
	return c.rdb.Publish(ctx, c.changes, "join:"+string(user)).Err()
}

func (c *RedisChannel) Leave(ctx context.Context, user chat.UserID) error {
	if err := c.rdb.Del(ctx, c.key(user)).Err(); err != nil {
		return fmt.Errorf("leave %s: %w", user, err)
	}
	return c.rdb.Publish(ctx, c.changes, "leave:"+string(user)).Err()
}

// Online scans the presence keys into a set.
func (c *RedisChannel) Online(ctx context.Context) (Set, error) {
	set := make(Set)
	iter := c.rdb.Scan(ctx, 0, c.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		set[chat.UserID(strings.TrimPrefix(iter.Val(), c.prefix))] = struct{}{}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return set, nil
}

func (c *RedisChannel) Close() error {
	c.mu.Lock()
	pubsub, cancel, done := c.pubsub, c.cancel, c.done
	c.pubsub, c.cancel, c.done = nil, nil, nil
	c.mu.Unlock()

	if pubsub == nil {
		return nil
	}
	cancel()
	err := pubsub.Close()
	<-done
	return err
}
