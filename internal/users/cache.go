package users

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fathima-sithara/realtime-relay/internal/domain"
)

// CachedDirectory keeps identities in Redis for ttl in front of another
// Directory. Cache errors fall through to the backing directory.
type CachedDirectory struct {
	next   Directory
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
	log    *zap.Logger
}

func NewCachedDirectory(next Directory, rdb redis.UniversalClient, prefix string, ttl time.Duration, log *zap.Logger) *CachedDirectory {
	return &CachedDirectory{next: next, rdb: rdb, prefix: prefix, ttl: ttl, log: log}
}

func (c *CachedDirectory) key(id string) string { return fmt.Sprintf("%s:user:%s", c.prefix, id) }

func (c *CachedDirectory) Lookup(ctx context.Context, id string) (*domain.User, error) {
	b, err := c.rdb.Get(ctx, c.key(id)).Bytes()
	switch {
	case err == nil:
		var u domain.User
		if jerr := json.Unmarshal(b, &u); jerr == nil {
			return &u, nil
		}
	case !errors.Is(err, redis.Nil):
		c.log.Warn("user cache get failed", zap.String("user_id", id), zap.Error(err))
	}

	u, err := c.next.Lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if b, err := json.Marshal(u); err == nil {
		if err := c.rdb.Set(ctx, c.key(id), b, c.ttl).Err(); err != nil {
			c.log.Warn("user cache set failed", zap.String("user_id", id), zap.Error(err))
		}
	}
	return u, nil
}
