package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisChannel(t *testing.T) (*RedisChannel, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisChannel(rdb, 30*time.Second), mr
}

func TestRedisChannelHeartbeatAndLeave(t *testing.T) {
	ch, mr := newRedisChannel(t)
	ctx := context.Background()

	require.NoError(t, ch.Heartbeat(ctx, "bob"))
	require.NoError(t, ch.Heartbeat(ctx, "bob"))
	require.NoError(t, ch.Heartbeat(ctx, "eve"))

	assert.True(t, mr.Exists(DefaultKeyPrefix+"bob"))
	assert.Equal(t, 30*time.Second, mr.TTL(DefaultKeyPrefix+"bob"))

	set, err := ch.Online(ctx)
	require.NoError(t, err)
	assert.True(t, set.equal(NewSet("bob", "eve")))

	require.NoError(t, ch.Leave(ctx, "bob"))
	set, err = ch.Online(ctx)
	require.NoError(t, err)
	assert.True(t, set.equal(NewSet("eve")))
}

func TestRedisChannelExpiredHeartbeatDropsUser(t *testing.T) {
	ch, mr := newRedisChannel(t)
	ctx := context.Background()

	require.NoError(t, ch.Heartbeat(ctx, "bob"))
	mr.FastForward(31 * time.Second)

	set, err := ch.Online(ctx)
	require.NoError(t, err)
	assert.Empty(t, set)
}

func TestRedisChannelBroadcastsMembership(t *testing.T) {
	ch, _ := newRedisChannel(t)
	ctx := context.Background()

	var rec recorder
	require.NoError(t, ch.Connect(ctx, rec.observe))
	defer ch.Close()

	require.NoError(t, ch.Heartbeat(ctx, "bob"))
	require.Eventually(t, func() bool {
		return rec.last().Has("bob")
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, ch.Leave(ctx, "bob"))
	require.Eventually(t, func() bool {
		s := rec.last()
		return s != nil && !s.Has("bob")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRedisChannelCloseWithoutConnect(t *testing.T) {
	ch, _ := newRedisChannel(t)
	assert.NoError(t, ch.Close())
}
