package client

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fathima-sithara/realtime-relay/internal/api"
	"github.com/fathima-sithara/realtime-relay/internal/auth"
	"github.com/fathima-sithara/realtime-relay/internal/callstate"
	"github.com/fathima-sithara/realtime-relay/internal/delivery"
	"github.com/fathima-sithara/realtime-relay/internal/discovery"
	"github.com/fathima-sithara/realtime-relay/internal/domain"
	"github.com/fathima-sithara/realtime-relay/internal/events"
	"github.com/fathima-sithara/realtime-relay/internal/metrics"
	"github.com/fathima-sithara/realtime-relay/internal/presence"
	"github.com/fathima-sithara/realtime-relay/internal/protocol"
	"github.com/fathima-sithara/realtime-relay/internal/reconnect"
	"github.com/fathima-sithara/realtime-relay/internal/relay"
	"github.com/fathima-sithara/realtime-relay/internal/repository"
	"github.com/fathima-sithara/realtime-relay/internal/signaling"
	"github.com/fathima-sithara/realtime-relay/internal/users"
)

const secret = "client-test-secret"

type world struct {
	store *repository.MemoryStore
	dir   *users.MemoryDirectory
	alice string
	bob   string
}

func newWorld() *world {
	w := &world{store: repository.NewMemoryStore(), alice: domain.NewID(), bob: domain.NewID()}
	w.dir = users.NewMemoryDirectory(
		domain.User{ID: w.alice, Username: "alice"},
		domain.User{ID: w.bob, Username: "bob"},
	)
	return w
}

type relayNode struct {
	url string
	svc *relay.Service
	ln  net.Listener
}

// start runs a relay instance over the shared store on a loopback port.
func (w *world) start(t *testing.T) *relayNode {
	t.Helper()
	jv, err := auth.NewJWTValidatorHS256(secret, time.Second)
	require.NoError(t, err)
	log := zap.NewNop()
	m := metrics.New()
	reg := presence.NewRegistry(log, m)
	svc := relay.New(relay.Deps{
		Registry: reg,
		Pipeline: delivery.New(w.store, w.dir, reg, events.Nop{}, log, m, 1000),
		Broker:   signaling.NewBroker(reg, log, m),
		Users:    w.dir,
		Tokens:   jv,
		Log:      log,
		Metrics:  m,
	})
	app := api.NewServer(svc, api.Options{})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = app.Listener(ln) }()
	t.Cleanup(func() {
		svc.Shutdown()
		_ = app.ShutdownWithTimeout(time.Second)
	})
	return &relayNode{url: "ws://" + ln.Addr().String() + "/v1/ws", svc: svc, ln: ln}
}

// kill makes the node unreachable and drops its live connections.
func (n *relayNode) kill() {
	_ = n.ln.Close()
	n.svc.Shutdown()
}

func (n *relayNode) joined(user, conversationID string) bool {
	found := false
	n.svc.Registry().Each(func(s presence.Sink) {
		if s.UserID() == user && n.svc.Registry().IsMember(s.ID(), presence.ConversationRoom(conversationID)) {
			found = true
		}
	})
	return found
}

// blackhole accepts TCP connections but never answers the upgrade.
func blackhole(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	return "ws://" + ln.Addr().String() + "/v1/ws"
}

func tokenFor(t *testing.T, sub string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	return tok
}

func run(t *testing.T, c *Client) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func fastBackOff() backoff.BackOff { return backoff.NewConstantBackOff(20 * time.Millisecond) }

func TestClientSkipsUnresponsiveRelayAndRejoins(t *testing.T) {
	w := newWorld()
	node := w.start(t)
	conv, err := w.store.GetOrCreateConversation(context.Background(), []string{w.alice, w.bob})
	require.NoError(t, err)

	got := make(chan domain.ExpandedMessage, 1)
	connected := make(chan string, 4)
	bob := New(w.bob, tokenFor(t, w.bob), discovery.Static{blackhole(t), node.url}, Options{
		AttemptTimeout: 200 * time.Millisecond,
		Handlers: Handlers{
			Message:   func(m domain.ExpandedMessage) { got <- m },
			Connected: func(ep string) { connected <- ep },
		},
		newBackOff: fastBackOff,
	})
	require.NoError(t, bob.Join(conv.ID))
	run(t, bob)

	select {
	case ep := <-connected:
		assert.Equal(t, node.url, ep)
	case <-time.After(3 * time.Second):
		t.Fatal("client never connected")
	}
	require.Eventually(t, func() bool { return node.joined(w.bob, conv.ID) }, 3*time.Second, 10*time.Millisecond)

	_, err = node.svc.Pipeline().SendMessage(context.Background(), conv.ID, w.alice, "over here")
	require.NoError(t, err)
	select {
	case m := <-got:
		assert.Equal(t, "over here", m.Content)
		assert.Equal(t, "alice", m.Sender.Username)
	case <-time.After(3 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestClientFailsOverAndRejoinsRooms(t *testing.T) {
	w := newWorld()
	first := w.start(t)
	second := w.start(t)
	conv, err := w.store.GetOrCreateConversation(context.Background(), []string{w.alice, w.bob})
	require.NoError(t, err)

	connected := make(chan string, 4)
	bob := New(w.bob, tokenFor(t, w.bob), discovery.Static{first.url, second.url}, Options{
		AttemptTimeout: 500 * time.Millisecond,
		Handlers:       Handlers{Connected: func(ep string) { connected <- ep }},
		newBackOff:     fastBackOff,
	})
	run(t, bob)
	require.Equal(t, first.url, <-connected)
	require.NoError(t, bob.Join(conv.ID))
	require.Eventually(t, func() bool { return first.joined(w.bob, conv.ID) }, 3*time.Second, 10*time.Millisecond)

	first.kill()

	select {
	case ep := <-connected:
		assert.Equal(t, second.url, ep)
	case <-time.After(5 * time.Second):
		t.Fatal("client did not fail over")
	}
	require.Eventually(t, func() bool { return second.joined(w.bob, conv.ID) }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, second.url, bob.Endpoint())
}

func TestClientGivesUpWhenBackOffStops(t *testing.T) {
	bob := New(domain.NewID(), "t", discovery.Static{blackhole(t)}, Options{
		AttemptTimeout: 50 * time.Millisecond,
		newBackOff: func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewConstantBackOff(10*time.Millisecond), 1)
		},
	})
	var cycles []error
	bob.opts.Handlers.Exhausted = func(err error) { cycles = append(cycles, err) }

	err := bob.Run(context.Background())
	require.ErrorIs(t, err, reconnect.ErrExhausted)
	assert.Contains(t, err.Error(), "timed out")
	require.Len(t, cycles, 2)
	for _, e := range cycles {
		assert.ErrorIs(t, e, reconnect.ErrExhausted)
	}
}

func TestClientDefaultsToFiniteRetryWindow(t *testing.T) {
	c := New(domain.NewID(), "t", discovery.Static{"ws://unused"}, Options{})
	assert.Equal(t, DefaultMaxElapsed, c.opts.MaxElapsed)
	bo, ok := c.opts.newBackOff().(*backoff.ExponentialBackOff)
	require.True(t, ok)
	assert.Equal(t, DefaultMaxElapsed, bo.MaxElapsedTime)

	forever := New(domain.NewID(), "t", discovery.Static{"ws://unused"}, Options{MaxElapsed: -1})
	bo, ok = forever.opts.newBackOff().(*backoff.ExponentialBackOff)
	require.True(t, ok)
	assert.Zero(t, bo.MaxElapsedTime)
}

func TestClientReportsEveryExhaustedCycle(t *testing.T) {
	exhausted := make(chan error, 8)
	bob := New(domain.NewID(), "t", discovery.Static{"ws://127.0.0.1:1/a", "ws://127.0.0.1:2/b"}, Options{
		AttemptTimeout: 200 * time.Millisecond,
		Handlers:       Handlers{Exhausted: func(err error) { exhausted <- err }},
		newBackOff:     fastBackOff,
	})
	run(t, bob)

	for i := 0; i < 2; i++ {
		select {
		case err := <-exhausted:
			assert.ErrorIs(t, err, reconnect.ErrExhausted)
		case <-time.After(3 * time.Second):
			t.Fatal("exhausted cycle not reported")
		}
	}
}

func TestSendWithoutConnection(t *testing.T) {
	c := New(domain.NewID(), "t", discovery.Static{"ws://unused"}, Options{})
	assert.ErrorIs(t, c.SendMessage(domain.NewID(), "hi"), ErrNotConnected)
	assert.NoError(t, c.Join(domain.NewID()), "joins are remembered for the next connection")
}

func TestCallBetweenTwoClients(t *testing.T) {
	w := newWorld()
	node := w.start(t)

	aliceCalls := make(chan callstate.Transition, 8)
	bobCalls := make(chan callstate.Transition, 8)
	connected := make(chan string, 4)
	alice := New(w.alice, tokenFor(t, w.alice), discovery.Static{node.url}, Options{
		Handlers:   Handlers{Call: func(tr callstate.Transition) { aliceCalls <- tr }, Connected: func(ep string) { connected <- ep }},
		newBackOff: fastBackOff,
	})
	bob := New(w.bob, tokenFor(t, w.bob), discovery.Static{node.url}, Options{
		Handlers:   Handlers{Call: func(tr callstate.Transition) { bobCalls <- tr }, Connected: func(ep string) { connected <- ep }},
		newBackOff: fastBackOff,
	})
	run(t, alice)
	run(t, bob)
	<-connected
	<-connected
	require.Eventually(t, func() bool {
		return node.svc.Registry().Online(w.alice) == 1 && node.svc.Registry().Online(w.bob) == 1
	}, 3*time.Second, 10*time.Millisecond)

	next := func(ch chan callstate.Transition) callstate.Transition {
		t.Helper()
		select {
		case tr := <-ch:
			return tr
		case <-time.After(3 * time.Second):
			t.Fatal("no call transition")
			return callstate.Transition{}
		}
	}

	ctx := context.Background()
	require.NoError(t, alice.Calls().Dial(ctx, w.bob, json.RawMessage(`{"sdp":"offer"}`)))
	assert.Equal(t, callstate.Ringing, next(aliceCalls).To)

	ring := next(bobCalls)
	assert.Equal(t, callstate.Ringing, ring.To)
	assert.Equal(t, callstate.Incoming, ring.Direction)
	assert.Equal(t, w.alice, ring.Peer)
	s, ok := bob.Calls().Session(w.alice)
	require.True(t, ok)
	assert.JSONEq(t, `{"sdp":"offer"}`, string(s.RemoteSignal))

	require.NoError(t, bob.Calls().Answer(ctx, w.alice, json.RawMessage(`{"sdp":"answer"}`)))
	assert.Equal(t, callstate.Active, next(bobCalls).To)
	assert.Equal(t, callstate.Active, next(aliceCalls).To)

	require.NoError(t, alice.Calls().Hangup(ctx, w.bob))
	assert.Equal(t, callstate.Ended, next(aliceCalls).To)
	end := next(bobCalls)
	assert.Equal(t, callstate.Ended, end.To)
	assert.Equal(t, callstate.ReasonRemoteHangup, end.Reason)
}

func TestRouteIgnoresUnknownEvents(t *testing.T) {
	c := New(domain.NewID(), "t", discovery.Static{"ws://unused"}, Options{})
	assert.NoError(t, c.route(protocol.Envelope{Event: "something-new"}))
	assert.ErrorIs(t, c.route(protocol.Envelope{Event: protocol.EventCallEnded, From: domain.NewID()}), callstate.ErrIgnored)
}
