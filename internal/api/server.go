package api

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/fathima-sithara/realtime-relay/internal/auth"
	"github.com/fathima-sithara/realtime-relay/internal/domain"
	"github.com/fathima-sithara/realtime-relay/internal/relay"
	"github.com/fathima-sithara/realtime-relay/internal/ws"
)

const (
	localUserID = "user_id"
	localUser   = "user"
)

type Options struct {
	WS             ws.Options
	MetricsEnabled bool
	// Limiter, when set, throttles authenticated REST calls per user.
	Limiter *RateLimiter
	// AccessLog turns on the fiber request logger.
	AccessLog bool
}

type Server struct {
	svc  *relay.Service
	opts Options
	log  *zap.Logger
}

// NewServer builds the fiber app serving the websocket endpoint and the REST
// collaborators of svc.
func NewServer(svc *relay.Service, opts Options) *fiber.App {
	s := &Server{svc: svc, opts: opts, log: svc.Log()}

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          s.errorHandler,
	})
	app.Use(recover.New())
	if opts.AccessLog {
		app.Use(logger.New())
	}
	app.Use(cors.New())

	if opts.MetricsEnabled {
		app.Get("/metrics", adaptor.HTTPHandler(svc.Metrics().Handler()))
	}

	v1 := app.Group("/v1")
	v1.Get("/health", func(c *fiber.Ctx) error { return c.JSON(fiber.Map{"status": "ok"}) })
	v1.Get("/ws", s.upgrade, websocket.New(s.serveWS))

	rest := v1.Group("", s.jwtAuth)
	if opts.Limiter != nil {
		rest.Use(opts.Limiter.Middleware(func(c *fiber.Ctx) string { return userID(c) }))
	}
	rest.Get("/conversations", s.listConversations)
	rest.Post("/conversations", s.createConversation)
	rest.Get("/conversations/:id/messages", s.history)
	rest.Post("/conversations/:id/messages", s.sendMessage)
	rest.Post("/conversations/:id/read", s.markRead)
	rest.Get("/presence/:user_id", s.presence)

	return app
}

// upgrade is the gatekeeper: the connection is only upgraded once the token
// resolves to a known user.
func (s *Server) upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	token := c.Query("token")
	if token == "" {
		t, err := auth.ParseBearerToken(c.Get(fiber.HeaderAuthorization))
		if err != nil {
			return writeError(c, errors.Join(domain.ErrAuthentication, err))
		}
		token = t
	}
	u, err := s.svc.Authenticate(c.UserContext(), token)
	if err != nil {
		return writeError(c, err)
	}
	c.Locals(localUser, u)
	return c.Next()
}

func (s *Server) serveWS(conn *websocket.Conn) {
	u, ok := conn.Locals(localUser).(*domain.User)
	if !ok {
		_ = conn.Close()
		return
	}
	ws.Serve(context.Background(), s.svc, conn, u, s.opts.WS, s.log)
}

func (s *Server) jwtAuth(c *fiber.Ctx) error {
	token, err := auth.ParseBearerToken(c.Get(fiber.HeaderAuthorization))
	if err != nil {
		return writeError(c, errors.Join(domain.ErrAuthentication, err))
	}
	sub, err := s.svc.VerifyToken(token)
	if err != nil {
		return writeError(c, err)
	}
	c.Locals(localUserID, sub)
	return c.Next()
}

func userID(c *fiber.Ctx) string {
	id, _ := c.Locals(localUserID).(string)
	return id
}

func (s *Server) errorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.Status(fe.Code).JSON(fiber.Map{"error": fe.Message})
	}
	s.log.Error("unhandled request error", zap.String("path", c.Path()), zap.Error(err))
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
}
