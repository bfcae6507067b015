package relay

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fathima-sithara/realtime-relay/internal/delivery"
	"github.com/fathima-sithara/realtime-relay/internal/domain"
	"github.com/fathima-sithara/realtime-relay/internal/metrics"
	"github.com/fathima-sithara/realtime-relay/internal/presence"
	"github.com/fathima-sithara/realtime-relay/internal/signaling"
	"github.com/fathima-sithara/realtime-relay/internal/users"
)

// TokenValidator returns the subject of a valid token.
type TokenValidator interface {
	Validate(token string) (string, error)
}

// Service is the relay: one instance is built at startup and handed to every
// transport handler. It holds no package-level state.
type Service struct {
	registry *presence.Registry
	pipeline *delivery.Pipeline
	broker   *signaling.Broker
	tracker  presence.Tracker
	users    users.Directory
	tokens   TokenValidator
	log      *zap.Logger
	metrics  *metrics.Metrics
	timeout  time.Duration

	handlers map[string]handlerFunc
}

type Deps struct {
	Registry *presence.Registry
	Pipeline *delivery.Pipeline
	Broker   *signaling.Broker
	Tracker  presence.Tracker
	Users    users.Directory
	Tokens   TokenValidator
	Log      *zap.Logger
	Metrics  *metrics.Metrics
	// Timeout bounds the storage work of one inbound event.
	Timeout time.Duration
}

func New(d Deps) *Service {
	if d.Tracker == nil {
		d.Tracker = presence.NopTracker{}
	}
	if d.Timeout <= 0 {
		d.Timeout = 5 * time.Second
	}
	s := &Service{
		registry: d.Registry,
		pipeline: d.Pipeline,
		broker:   d.Broker,
		tracker:  d.Tracker,
		users:    d.Users,
		tokens:   d.Tokens,
		log:      d.Log,
		metrics:  d.Metrics,
		timeout:  d.Timeout,
	}
	s.handlers = s.dispatchTable()
	return s
}

func (s *Service) Pipeline() *delivery.Pipeline { return s.pipeline }
func (s *Service) Registry() *presence.Registry { return s.registry }
func (s *Service) Log() *zap.Logger             { return s.log }
func (s *Service) Metrics() *metrics.Metrics    { return s.metrics }

// Connect registers an authenticated connection and joins its personal room.
func (s *Service) Connect(ctx context.Context, c presence.Sink) {
	s.registry.Register(c)
	if err := s.tracker.Connected(ctx, c.UserID(), c.ID()); err != nil {
		s.log.Warn("presence mirror connect failed", zap.String("user_id", c.UserID()), zap.Error(err))
	}
	s.log.Info("client connected", zap.String("conn_id", c.ID()), zap.String("user_id", c.UserID()))
}

// Disconnect drops every membership of the connection.
func (s *Service) Disconnect(ctx context.Context, c presence.Sink) {
	s.registry.Unregister(c.ID())
	if err := s.tracker.Disconnected(ctx, c.UserID(), c.ID()); err != nil {
		s.log.Warn("presence mirror disconnect failed", zap.String("user_id", c.UserID()), zap.Error(err))
	}
	s.log.Info("client disconnected", zap.String("conn_id", c.ID()), zap.String("user_id", c.UserID()))
}

type PresenceView struct {
	UserID      string     `json:"userId"`
	Online      bool       `json:"online"`
	Connections int        `json:"connections"`
	LastSeen    *time.Time `json:"lastSeen,omitempty"`
}

// Presence combines local connections with the mirrored record, if any.
func (s *Service) Presence(ctx context.Context, userID string) (PresenceView, error) {
	if !domain.ValidID(userID) {
		return PresenceView{}, domain.Invalid("user_id", "must be a well-formed identifier")
	}
	n := s.registry.Online(userID)
	v := PresenceView{UserID: userID, Online: n > 0, Connections: n}
	st, err := s.tracker.Status(ctx, userID)
	if err != nil {
		s.log.Warn("presence mirror read failed", zap.String("user_id", userID), zap.Error(err))
		return v, nil
	}
	if st != nil {
		v.Online = v.Online || st.Online
		seen := st.LastSeen
		v.LastSeen = &seen
	}
	return v, nil
}

// Shutdown kicks every live connection.
func (s *Service) Shutdown() {
	s.registry.Each(func(c presence.Sink) { c.Kick("server shutting down") })
}
