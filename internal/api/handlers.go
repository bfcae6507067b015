package api

import (
	"github.com/gofiber/fiber/v2"

	"github.com/fathima-sithara/realtime-relay/internal/domain"
	"github.com/fathima-sithara/realtime-relay/internal/protocol"
)

type createConversationReq struct {
	UserID       string   `json:"userId" validate:"omitempty,objectid"`
	Participants []string `json:"participants" validate:"omitempty,dive,objectid"`
}

type sendMessageReq struct {
	Content string `json:"content" validate:"required"`
}

func bodyInvalid() error { return domain.Invalid("body", "malformed JSON") }

func (s *Server) listConversations(c *fiber.Ctx) error {
	convs, err := s.svc.Pipeline().ListConversations(c.UserContext(), userID(c))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"conversations": convs})
}

func (s *Server) createConversation(c *fiber.Ctx) error {
	var req createConversationReq
	if err := c.BodyParser(&req); err != nil {
		return writeError(c, bodyInvalid())
	}
	if err := protocol.Validate(&req); err != nil {
		return writeError(c, err)
	}
	others := req.Participants
	if req.UserID != "" {
		others = append(others, req.UserID)
	}
	if len(others) == 0 {
		return writeError(c, domain.Invalid("participants", "at least one other user is required"))
	}
	conv, err := s.svc.Pipeline().GetOrCreateConversation(c.UserContext(), userID(c), others)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(conv)
}

func (s *Server) history(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 0)
	if limit < 0 {
		return writeError(c, domain.Invalid("limit", "must not be negative"))
	}
	msgs, err := s.svc.Pipeline().History(c.UserContext(), c.Params("id"), userID(c), limit, c.Query("before"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"messages": msgs})
}

// sendMessage is the HTTP fallback for clients without a live socket. The
// message is fanned out exactly like one sent over the websocket.
func (s *Server) sendMessage(c *fiber.Ctx) error {
	var req sendMessageReq
	if err := c.BodyParser(&req); err != nil {
		return writeError(c, bodyInvalid())
	}
	msg, err := s.svc.Pipeline().SendMessage(c.UserContext(), c.Params("id"), userID(c), req.Content)
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(msg)
}

func (s *Server) markRead(c *fiber.Ctx) error {
	n, err := s.svc.Pipeline().MarkConversationRead(c.UserContext(), c.Params("id"), userID(c))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"updated": n})
}

func (s *Server) presence(c *fiber.Ctx) error {
	v, err := s.svc.Presence(c.UserContext(), c.Params("user_id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(v)
}
