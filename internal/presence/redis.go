package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Status is the last known presence of a user as seen by any relay.
type Status struct {
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"lastSeen"`
}

// Tracker mirrors connect and disconnect transitions outside the process.
type Tracker interface {
	Connected(ctx context.Context, userID, connID string) error
	Disconnected(ctx context.Context, userID, connID string) error
	// Status returns nil when nothing is known about the user.
	Status(ctx context.Context, userID string) (*Status, error)
}

// Keys:
//   - <prefix>:conn:<userID>     hash connID -> connection meta JSON
//   - <prefix>:presence:<userID> Status JSON
type RedisTracker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

type connMeta struct {
	ConnID      string `json:"conn_id"`
	ConnectedAt int64  `json:"connected_at"`
}

func NewRedisTracker(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisTracker {
	return &RedisTracker{client: client, prefix: prefix, ttl: ttl, now: time.Now}
}

func (t *RedisTracker) connKey(userID string) string {
	return fmt.Sprintf("%s:conn:%s", t.prefix, userID)
}

func (t *RedisTracker) presenceKey(userID string) string {
	return fmt.Sprintf("%s:presence:%s", t.prefix, userID)
}

func (t *RedisTracker) Connected(ctx context.Context, userID, connID string) error {
	now := t.now().UTC()
	meta, _ := json.Marshal(connMeta{ConnID: connID, ConnectedAt: now.Unix()})
	pres, _ := json.Marshal(Status{Online: true, LastSeen: now})

	pipe := t.client.TxPipeline()
	pipe.HSet(ctx, t.connKey(userID), connID, meta)
	pipe.Expire(ctx, t.connKey(userID), t.ttl)
	pipe.Set(ctx, t.presenceKey(userID), pres, t.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (t *RedisTracker) Disconnected(ctx context.Context, userID, connID string) error {
	key := t.connKey(userID)
	if err := t.client.HDel(ctx, key, connID).Err(); err != nil {
		return err
	}
	left, err := t.client.HLen(ctx, key).Result()
	if err != nil {
		return err
	}
	if left > 0 {
		return nil
	}
	pres, _ := json.Marshal(Status{Online: false, LastSeen: t.now().UTC()})
	return t.client.Set(ctx, t.presenceKey(userID), pres, 0).Err()
}

func (t *RedisTracker) Status(ctx context.Context, userID string) (*Status, error) {
	b, err := t.client.Get(ctx, t.presenceKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var s Status
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("decode presence: %w", err)
	}
	return &s, nil
}

// NopTracker is used when no Redis is configured.
type NopTracker struct{}

func (NopTracker) Connected(context.Context, string, string) error    { return nil }
func (NopTracker) Disconnected(context.Context, string, string) error { return nil }
func (NopTracker) Status(context.Context, string) (*Status, error)    { return nil, nil }
