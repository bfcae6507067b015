package ws

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fathima-sithara/realtime-relay/internal/domain"
	"github.com/fathima-sithara/realtime-relay/internal/presence"
)

// Socket is the subset of a websocket connection the pumps use. Both the
// fiber and gorilla connection types satisfy it.
type Socket interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Relay is what a connection needs from the relay service.
type Relay interface {
	Connect(ctx context.Context, c presence.Sink)
	Disconnect(ctx context.Context, c presence.Sink)
	Dispatch(ctx context.Context, c presence.Sink, frame []byte)
	SendError(c presence.Sink, event string, err error)
}

type Options struct {
	SendBuffer     int
	MaxMessageSize int64
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteDeadline  time.Duration
	RatePerSec     int
	RateBurst      int
}

func (o Options) withDefaults() Options {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 64 * 1024
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PongWait {
		o.PingInterval = o.PongWait * 9 / 10
	}
	if o.WriteDeadline <= 0 {
		o.WriteDeadline = 10 * time.Second
	}
	return o
}

// Conn is one live client connection. Frames are queued on a bounded buffer
// and written by a single goroutine; a full buffer means the client is too
// slow and it gets kicked.
type Conn struct {
	id   string
	user string
	sock Socket
	opts Options
	log  *zap.Logger

	send    chan []byte
	done    chan struct{}
	once    sync.Once
	reason  string
	limiter *rate.Limiter
}

func newConn(sock Socket, userID string, opts Options, log *zap.Logger) *Conn {
	opts = opts.withDefaults()
	c := &Conn{
		id:   uuid.NewString(),
		user: userID,
		sock: sock,
		opts: opts,
		send: make(chan []byte, opts.SendBuffer),
		done: make(chan struct{}),
	}
	c.log = log.With(zap.String("conn_id", c.id), zap.String("user_id", userID))
	if opts.RatePerSec > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = opts.RatePerSec
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), burst)
	}
	return c
}

func (c *Conn) ID() string     { return c.id }
func (c *Conn) UserID() string { return c.user }

// Send queues frame without blocking. It reports false only when the buffer
// is full; frames for a closing connection are dropped silently.
func (c *Conn) Send(frame []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Kick closes the connection once. The reason goes out in the close frame.
func (c *Conn) Kick(reason string) {
	c.once.Do(func() {
		c.reason = reason
		close(c.done)
	})
}

// Serve runs the connection until either side closes it. user has already
// passed the gatekeeper.
func Serve(ctx context.Context, relay Relay, sock Socket, user *domain.User, opts Options, log *zap.Logger) {
	c := newConn(sock, user.ID, opts, log)
	relay.Connect(ctx, c)
	defer relay.Disconnect(context.Background(), c)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()

	c.readLoop(ctx, relay)
	c.Kick("")
	<-writerDone
}

func (c *Conn) readLoop(ctx context.Context, relay Relay) {
	c.sock.SetReadLimit(c.opts.MaxMessageSize)
	_ = c.sock.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.sock.SetPongHandler(func(string) error {
		return c.sock.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	for {
		mt, data, err := c.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("read failed", zap.Error(err))
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		if c.limiter != nil && !c.limiter.Allow() {
			relay.SendError(c, "", domain.Invalid("", "rate limit exceeded"))
			continue
		}
		relay.Dispatch(ctx, c, data)
	}
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.sock.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.sock.SetWriteDeadline(time.Now().Add(c.opts.WriteDeadline))
			if err := c.sock.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.Debug("write failed", zap.Error(err))
				c.Kick("")
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(c.opts.WriteDeadline)
			if err := c.sock.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.log.Debug("ping failed", zap.Error(err))
				c.Kick("")
				return
			}
		case <-c.done:
			c.writeClose()
			return
		}
	}
}

func (c *Conn) writeClose() {
	code := websocket.CloseNormalClosure
	if c.reason != "" {
		code = websocket.ClosePolicyViolation
		c.log.Info("connection kicked", zap.String("reason", c.reason))
	}
	msg := websocket.FormatCloseMessage(code, c.reason)
	_ = c.sock.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}
