// Package client is a Go SDK for the relay: it keeps one websocket session
// alive across relay instances and feeds call signals into a call manager.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fathima-sithara/realtime-relay/internal/callstate"
	"github.com/fathima-sithara/realtime-relay/internal/discovery"
	"github.com/fathima-sithara/realtime-relay/internal/domain"
	"github.com/fathima-sithara/realtime-relay/internal/protocol"
	"github.com/fathima-sithara/realtime-relay/internal/reconnect"
)

var ErrNotConnected = errors.New("client: not connected")

const DefaultMaxElapsed = 2 * time.Minute

// Handlers receive relay events. Nil handlers are skipped.
type Handlers struct {
	Message      func(domain.ExpandedMessage)
	Notification func(protocol.MessageNotification)
	Typing       func(protocol.UserTyping)
	Error        func(protocol.ErrorPayload)
	Call         func(callstate.Transition)
	// Connected fires after every successful (re)connect and room rejoin.
	Connected func(endpoint string)
	// Exhausted fires each time a full pass over the candidates fails. The
	// error wraps reconnect.ErrExhausted unless discovery itself failed.
	Exhausted func(error)
}

type Options struct {
	AttemptTimeout time.Duration
	RingTimeout    time.Duration
	// MaxElapsed bounds how long Run keeps cycling through candidates before
	// giving up. Zero means DefaultMaxElapsed, negative retries forever.
	MaxElapsed time.Duration
	Dialer     *websocket.Dialer
	Handlers   Handlers
	Log        *zap.Logger

	newBackOff func() backoff.BackOff
}

type Client struct {
	self   string
	token  string
	source discovery.Source
	opts   Options
	log    *zap.Logger
	calls  *callstate.Manager

	mu       sync.Mutex
	conn     *websocket.Conn
	endpoint string
	rooms    map[string]struct{}
	writeMu  sync.Mutex
}

func New(self, token string, source discovery.Source, opts Options) *Client {
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 5 * time.Second
	}
	if opts.RingTimeout <= 0 {
		opts.RingTimeout = 30 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	switch {
	case opts.MaxElapsed == 0:
		opts.MaxElapsed = DefaultMaxElapsed
	case opts.MaxElapsed < 0:
		opts.MaxElapsed = 0
	}
	if opts.newBackOff == nil {
		opts.newBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 15 * time.Second
			b.MaxElapsedTime = opts.MaxElapsed
			return b
		}
	}
	c := &Client{
		self:   self,
		token:  token,
		source: source,
		opts:   opts,
		log:    opts.Log.With(zap.String("user_id", self)),
		rooms:  make(map[string]struct{}),
	}
	c.calls = callstate.NewManager(self, c, opts.RingTimeout, callstate.WithObserver(func(t callstate.Transition) {
		if h := c.opts.Handlers.Call; h != nil {
			h(t)
		}
	}))
	return c
}

// Calls exposes the call manager: Dial, Answer, Decline and Hangup go through it.
func (c *Client) Calls() *callstate.Manager { return c.calls }

func (c *Client) Endpoint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoint
}

// Run connects and keeps the session alive until ctx is cancelled. Each cycle
// walks the current candidate list in order; between failed cycles it backs
// off exponentially and returns the last cycle's error once the backoff gives
// up.
func (c *Client) Run(ctx context.Context) error {
	defer c.calls.Close()
	bo := backoff.WithContext(c.opts.newBackOff(), ctx)
	for {
		conn, ep, err := c.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if h := c.opts.Handlers.Exhausted; h != nil {
				h(err)
			}
			wait := bo.NextBackOff()
			if wait == backoff.Stop {
				return err
			}
			c.log.Warn("relay unreachable, backing off", zap.Duration("wait", wait), zap.Error(err))
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		bo.Reset()

		c.attach(conn, ep)
		if err := c.rejoin(); err != nil {
			c.log.Warn("rejoin failed", zap.Error(err))
		}
		if h := c.opts.Handlers.Connected; h != nil {
			h(ep)
		}

		stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
		err = c.readLoop(conn)
		stop()
		c.detach(conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Info("connection lost, reconnecting", zap.String("endpoint", ep), zap.Error(err))
	}
}

func (c *Client) connect(ctx context.Context) (*websocket.Conn, string, error) {
	candidates, err := c.source.Candidates(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("discover relays: %w", err)
	}
	return reconnect.Run(ctx, candidates, c.opts.AttemptTimeout, c.dial)
}

func (c *Client) dial(ctx context.Context, endpoint string) (*websocket.Conn, error) {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+c.token)
	conn, resp, err := c.opts.Dialer.DialContext(ctx, endpoint, h)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: relay rejected token", domain.ErrAuthentication)
		}
		return nil, err
	}
	return conn, nil
}

func (c *Client) attach(conn *websocket.Conn, ep string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
	c.endpoint = ep
}

func (c *Client) detach(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.endpoint = ""
	}
	c.mu.Unlock()
	_ = conn.Close()
}

// rejoin re-issues every conversation join; the relay keeps no memberships
// across connections.
func (c *Client) rejoin() error {
	c.mu.Lock()
	rooms := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		rooms = append(rooms, r)
	}
	c.mu.Unlock()
	sort.Strings(rooms)

	var errs []error
	for _, r := range rooms {
		if err := c.send(protocol.EventJoinRoom, protocol.RoomRequest{ConversationID: r}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Client) send(event string, data any) error {
	frame, err := protocol.Encode(event, "", data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

// Join subscribes to a conversation now and after every reconnect.
func (c *Client) Join(conversationID string) error {
	c.mu.Lock()
	c.rooms[conversationID] = struct{}{}
	c.mu.Unlock()
	err := c.send(protocol.EventJoinRoom, protocol.RoomRequest{ConversationID: conversationID})
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

func (c *Client) Leave(conversationID string) error {
	c.mu.Lock()
	delete(c.rooms, conversationID)
	c.mu.Unlock()
	err := c.send(protocol.EventLeaveRoom, protocol.RoomRequest{ConversationID: conversationID})
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

func (c *Client) SendMessage(conversationID, content string) error {
	return c.send(protocol.EventSendMessage, protocol.SendMessageRequest{
		RoomID:  conversationID,
		Message: protocol.OutgoingMessage{Content: content, Sender: c.self, Conversation: conversationID},
	})
}

func (c *Client) Typing(conversationID string, typing bool) error {
	return c.send(protocol.EventTyping, protocol.TypingRequest{ConversationID: conversationID, IsTyping: typing})
}

func (c *Client) CallUser(_ context.Context, to string, signal json.RawMessage) error {
	return c.send(protocol.EventCallUser, protocol.CallUserRequest{UserToCall: to, SignalData: signal, From: c.self})
}

func (c *Client) AnswerCall(_ context.Context, to string, signal json.RawMessage) error {
	return c.send(protocol.EventAnswerCall, protocol.AnswerCallRequest{Signal: signal, To: to})
}

func (c *Client) DeclineCall(_ context.Context, to string) error {
	return c.send(protocol.EventDeclineCall, protocol.PeerRequest{To: to})
}

func (c *Client) EndCall(_ context.Context, to string) error {
	return c.send(protocol.EventEndCall, protocol.PeerRequest{To: to})
}
