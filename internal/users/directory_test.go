package users

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fathima-sithara/realtime-relay/internal/domain"
)

type countingDirectory struct {
	Directory
	calls atomic.Int32
}

func (c *countingDirectory) Lookup(ctx context.Context, id string) (*domain.User, error) {
	c.calls.Add(1)
	return c.Directory.Lookup(ctx, id)
}

func TestMemoryDirectory(t *testing.T) {
	d := NewMemoryDirectory(domain.User{ID: "u1", Username: "ana"})

	u, err := d.Lookup(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "ana", u.Username)

	_, err = d.Lookup(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrUserNotFound)

	d.Put(domain.User{ID: "u2", Username: "ben"})
	u, err = d.Lookup(context.Background(), "u2")
	require.NoError(t, err)
	assert.Equal(t, "ben", u.Username)
}

func TestCachedDirectoryServesFromRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	backing := &countingDirectory{Directory: NewMemoryDirectory(domain.User{ID: "u1", Username: "ana", Avatar: "a.png"})}
	d := NewCachedDirectory(backing, rdb, "relay", time.Minute, zap.NewNop())

	for i := 0; i < 3; i++ {
		u, err := d.Lookup(context.Background(), "u1")
		require.NoError(t, err)
		assert.Equal(t, "u1", u.ID)
		assert.Equal(t, "a.png", u.Avatar)
	}
	assert.EqualValues(t, 1, backing.calls.Load())
	assert.True(t, mr.Exists("relay:user:u1"))

	mr.FastForward(2 * time.Minute)
	_, err := d.Lookup(context.Background(), "u1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, backing.calls.Load())
}

func TestCachedDirectoryFallsThroughWhenRedisIsDown(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	mr.Close()

	d := NewCachedDirectory(NewMemoryDirectory(domain.User{ID: "u1", Username: "ana"}), rdb, "relay", time.Minute, zap.NewNop())
	u, err := d.Lookup(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "ana", u.Username)

	_, err = d.Lookup(context.Background(), "u9")
	assert.ErrorIs(t, err, ErrUserNotFound)
}
