package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fathima-sithara/realtime-relay/internal/metrics"
)

type fakeSink struct {
	id, user string
	capacity int

	mu     sync.Mutex
	frames [][]byte
	kicked string
}

func newSink(id, user string) *fakeSink { return &fakeSink{id: id, user: user, capacity: 100} }

func (f *fakeSink) ID() string     { return f.id }
func (f *fakeSink) UserID() string { return f.user }

func (f *fakeSink) Send(frame []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.frames) >= f.capacity {
		return false
	}
	f.frames = append(f.frames, frame)
	return true
}

func (f *fakeSink) Kick(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kicked = reason
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func newRegistry() (*Registry, *metrics.Metrics) {
	m := metrics.New()
	return NewRegistry(zap.NewNop(), m), m
}

func TestRegisterJoinsPersonalRoom(t *testing.T) {
	r, m := newRegistry()
	a := newSink("c1", "u1")
	r.Register(a)

	assert.ElementsMatch(t, []string{PersonalRoom("u1")}, r.Rooms("c1"))
	assert.Equal(t, 1, r.Online("u1"))
	assert.Equal(t, 1, r.ConnectionCount())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Connections))

	r.Unregister("c1")
	assert.Empty(t, r.Rooms("c1"))
	assert.Empty(t, r.Members(PersonalRoom("u1")))
	assert.Equal(t, 0, r.Online("u1"))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Connections))

	r.Unregister("c1")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Connections))
}

func TestJoinAndLeaveAreIdempotent(t *testing.T) {
	r, _ := newRegistry()
	r.Register(newSink("c1", "u1"))
	room := ConversationRoom("k")

	changed, err := r.Join("c1", room)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = r.Join("c1", room)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.True(t, r.IsMember("c1", room))

	changed, err = r.Leave("c1", room)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = r.Leave("c1", room)
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = r.Join("missing", room)
	assert.ErrorIs(t, err, ErrUnknownConnection)
}

func TestBroadcastHonoursExceptAndMembership(t *testing.T) {
	r, _ := newRegistry()
	x, y, z := newSink("cx", "x"), newSink("cy", "y"), newSink("cz", "z")
	for _, s := range []*fakeSink{x, y, z} {
		r.Register(s)
	}
	room := ConversationRoom("k")
	_, _ = r.Join("cx", room)
	_, _ = r.Join("cy", room)

	n := r.Broadcast(room, []byte("hello"), "")
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, x.count())
	assert.Equal(t, 1, y.count())
	assert.Equal(t, 0, z.count())

	n = r.Broadcast(room, []byte("typing"), "cx")
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, x.count())
	assert.Equal(t, 2, y.count())

	assert.Equal(t, 0, r.Broadcast(ConversationRoom("empty"), []byte("x"), ""))
}

func TestBroadcastKicksSlowConsumer(t *testing.T) {
	r, m := newRegistry()
	slow := newSink("c1", "u1")
	slow.capacity = 0
	r.Register(slow)

	n := r.Broadcast(PersonalRoom("u1"), []byte("x"), "")
	assert.Equal(t, 0, n)
	assert.Equal(t, "send buffer full", slow.kicked)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SlowConsumers))
}

func TestMultipleConnectionsPerUser(t *testing.T) {
	r, _ := newRegistry()
	r.Register(newSink("c1", "u1"))
	r.Register(newSink("c2", "u1"))
	assert.Equal(t, 2, r.Online("u1"))
	assert.ElementsMatch(t, []string{"c1", "c2"}, r.Members(PersonalRoom("u1")))

	r.Unregister("c1")
	assert.Equal(t, 1, r.Online("u1"))

	var seen []string
	r.Each(func(s Sink) { seen = append(seen, s.ID()) })
	assert.Equal(t, []string{"c2"}, seen)
}

func TestRedisTracker(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	tr := NewRedisTracker(rdb, "relay", time.Hour)
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return fixed }
	ctx := context.Background()

	st, err := tr.Status(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, st)

	require.NoError(t, tr.Connected(ctx, "u1", "c1"))
	require.NoError(t, tr.Connected(ctx, "u1", "c2"))
	st, err = tr.Status(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.True(t, st.Online)

	require.NoError(t, tr.Disconnected(ctx, "u1", "c1"))
	st, err = tr.Status(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, st.Online)

	require.NoError(t, tr.Disconnected(ctx, "u1", "c2"))
	st, err = tr.Status(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, st.Online)
	assert.True(t, fixed.Equal(st.LastSeen))
}
