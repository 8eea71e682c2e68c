package server

import (
	"hearth/internal/middleware"
	"hearth/internal/service"

	"github.com/gofiber/fiber/v2"
)

type editRequest struct {
	Text string `json:"text"`
}

type reactionRequest struct {
	Emoji string `json:"emoji"`
}

type typingRequest struct {
	Typing bool `json:"typing"`
}

// conversationKey resolves :userId to the key shared with the caller.
func conversationKey(c *fiber.Ctx) string {
	return service.ConversationKey(middleware.UserID(c), c.Params("userId"))
}

// GetConversations handles GET /api/conversations
func (s *Server) GetConversations(c *fiber.Ctx) error {
	convs, err := s.Chat.GetConversations(c.UserContext(), middleware.UserID(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(convs)
}

// GetMessages handles GET /api/conversations/:userId/messages
func (s *Server) GetMessages(c *fiber.Ctx) error {
	msgs, err := s.Chat.GetMessages(c.UserContext(), middleware.UserID(c), c.Params("userId"), c.QueryInt("limit", 0))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(msgs)
}

// SendMessage handles POST /api/conversations/:userId/messages
func (s *Server) SendMessage(c *fiber.Ctx) error {
	var in service.MessageInput
	if err := parseBody(c, &in); err != nil {
		return respondError(c, err)
	}
	msg, err := s.Chat.SendMessage(c.UserContext(), middleware.UserID(c), c.Params("userId"), in)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(msg)
}

// EditMessage handles PATCH /api/conversations/:userId/messages/:msgId
func (s *Server) EditMessage(c *fiber.Ctx) error {
	var req editRequest
	if err := parseBody(c, &req); err != nil {
		return respondError(c, err)
	}
	msg, err := s.Chat.EditMessage(c.UserContext(), middleware.UserID(c), conversationKey(c), c.Params("msgId"), req.Text)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(msg)
}

// DeleteMessage handles DELETE /api/conversations/:userId/messages/:msgId
func (s *Server) DeleteMessage(c *fiber.Ctx) error {
	msg, err := s.Chat.DeleteMessage(c.UserContext(), middleware.UserID(c), conversationKey(c), c.Params("msgId"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(msg)
}

// ToggleReaction handles POST /api/conversations/:userId/messages/:msgId/reactions
func (s *Server) ToggleReaction(c *fiber.Ctx) error {
	var req reactionRequest
	if err := parseBody(c, &req); err != nil {
		return respondError(c, err)
	}
	msg, err := s.Chat.AddReaction(c.UserContext(), middleware.UserID(c), conversationKey(c), c.Params("msgId"), req.Emoji)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(msg)
}

// MarkConversationRead handles POST /api/conversations/:userId/read
func (s *Server) MarkConversationRead(c *fiber.Ctx) error {
	if err := s.Chat.MarkAsRead(c.UserContext(), middleware.UserID(c), c.Params("userId")); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// SetTyping handles POST /api/conversations/:userId/typing
func (s *Server) SetTyping(c *fiber.Ctx) error {
	var req typingRequest
	if err := parseBody(c, &req); err != nil {
		return respondError(c, err)
	}
	if err := s.Chat.SetTyping(c.UserContext(), middleware.UserID(c), c.Params("userId"), req.Typing); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}
