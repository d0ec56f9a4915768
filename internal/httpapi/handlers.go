package httpapi

import (
	"errors"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/gofiber/fiber/v2"

	"github.com/example/ephemeral-chat/internal/chat"
	"github.com/example/ephemeral-chat/internal/realtime"
)

type joinRequest struct {
	Username string `json:"username"`
}

type postMessageRequest struct {
	Sender string `json:"sender"`
	Text   string `json:"text"`
}

type reactionRequest struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
	Username  string `json:"username"`
	Action    string `json:"action"`
}

type markReadRequest struct {
	MessageID string `json:"messageId"`
	Username  string `json:"username"`
}

type typingRequest struct {
	Username string `json:"username"`
	IsTyping bool   `json:"isTyping"`
}

type heartbeatRequest struct {
	Username string `json:"username"`
}

// handleRoomGate is the route-level admission gate for /room/{roomId}.
// Admission failures redirect back to the landing page with a reason
// code; a granted admission sets the membership cookie when a token was
// issued and reports the room state (the page render itself is not this
// service's concern).
func (s *Server) handleRoomGate(c *fiber.Ctx) error {
	roomID := c.Params("roomId")

	dec, err := s.admission.Admit(c.UserContext(), roomID, c.Cookies(AuthCookieName))
	switch {
	case errors.Is(err, chat.ErrRoomNotFound):
		return c.Redirect("/?error=room-not-found", fiber.StatusFound)
	case errors.Is(err, chat.ErrRoomFull):
		return c.Redirect("/?error=room-full", fiber.StatusFound)
	case err != nil:
		return err
	}

	if dec.Issued {
		c.Cookie(&fiber.Cookie{
			Name:     AuthCookieName,
			Value:    dec.Token,
			Path:     "/",
			HTTPOnly: true,
			Secure:   s.cfg.Production,
			SameSite: fiber.CookieSameSiteStrictMode,
		})
	}

	ttl, err := s.rooms.TTL(c.UserContext(), roomID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"roomId": roomID, "ttl": ttl})
}

func (s *Server) handleCreateRoom(c *fiber.Ctx) error {
	roomID, err := s.rooms.Create(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"roomId": roomID})
}

func (s *Server) handleCheckRoom(c *fiber.Ctx) error {
	roomID := c.Query("roomId")
	if roomID == "" {
		return fmt.Errorf("%w: roomId is required", chat.ErrInvalidInput)
	}
	result, err := s.rooms.Check(c.UserContext(), roomID)
	if err != nil {
		return err
	}
	return c.JSON(result)
}

func (s *Server) handleRoomTTL(c *fiber.Ctx) error {
	ttl, err := s.rooms.TTL(c.UserContext(), auth(c).RoomID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"ttl": ttl})
}

func (s *Server) handleJoinRoom(c *fiber.Ctx) error {
	var req joinRequest
	if err := c.BodyParser(&req); err != nil {
		return fmt.Errorf("%w: %v", chat.ErrInvalidInput, err)
	}
	if req.Username == "" || utf8.RuneCountInString(req.Username) > chat.MaxSenderLen {
		return fmt.Errorf("%w: username must be 1-%d characters", chat.ErrInvalidInput, chat.MaxSenderLen)
	}

	a := auth(c)
	if err := s.admission.BindDisplayName(c.UserContext(), a.RoomID, a.Token, req.Username); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleDestroyRoom(c *fiber.Ctx) error {
	if err := s.rooms.Destroy(c.UserContext(), auth(c).RoomID); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleListMessages(c *fiber.Ctx) error {
	a := auth(c)
	msgs, err := s.messages.List(c.UserContext(), a.RoomID, a.Token)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"messages": msgs})
}

func (s *Server) handlePostMessage(c *fiber.Ctx) error {
	var req postMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return fmt.Errorf("%w: %v", chat.ErrInvalidInput, err)
	}

	a := auth(c)
	msg, err := s.messages.Append(c.UserContext(), a.RoomID, a.Token, req.Sender, req.Text)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"message": msg.Sanitized()})
}

func (s *Server) handleReaction(c *fiber.Ctx) error {
	var req reactionRequest
	if err := c.BodyParser(&req); err != nil {
		return fmt.Errorf("%w: %v", chat.ErrInvalidInput, err)
	}
	if req.MessageID == "" || req.Emoji == "" || req.Username == "" {
		return fmt.Errorf("%w: messageId, emoji, and username are required", chat.ErrInvalidInput)
	}

	a := auth(c)
	if err := s.messages.React(c.UserContext(), a.RoomID, req.MessageID, req.Emoji, req.Username, req.Action); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleMarkRead(c *fiber.Ctx) error {
	var req markReadRequest
	if err := c.BodyParser(&req); err != nil {
		return fmt.Errorf("%w: %v", chat.ErrInvalidInput, err)
	}
	if req.MessageID == "" || req.Username == "" {
		return fmt.Errorf("%w: messageId and username are required", chat.ErrInvalidInput)
	}

	a := auth(c)
	if err := s.messages.MarkRead(c.UserContext(), a.RoomID, req.MessageID, req.Username); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleDeleteMessage(c *fiber.Ctx) error {
	messageID := c.Query("messageId")
	if messageID == "" {
		return fmt.Errorf("%w: messageId is required", chat.ErrInvalidInput)
	}

	a := auth(c)
	if err := s.messages.Delete(c.UserContext(), a.RoomID, messageID, a.Token); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// handleTyping is fire-and-forget: a dropped typing event costs a stale
// indicator, nothing more.
func (s *Server) handleTyping(c *fiber.Ctx) error {
	var req typingRequest
	if err := c.BodyParser(&req); err != nil {
		return fmt.Errorf("%w: %v", chat.ErrInvalidInput, err)
	}

	a := auth(c)
	if err := s.rt.Emit(c.UserContext(), a.RoomID, realtime.EventTyping, chat.TypingEvent{
		Username: req.Username,
		IsTyping: req.IsTyping,
	}); err != nil {
		slog.WarnContext(c.UserContext(), "Failed to emit typing event", "room", a.RoomID, "error", err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleHeartbeat(c *fiber.Ctx) error {
	var req heartbeatRequest
	if err := c.BodyParser(&req); err != nil {
		return fmt.Errorf("%w: %v", chat.ErrInvalidInput, err)
	}
	if req.Username == "" {
		return fmt.Errorf("%w: username is required", chat.ErrInvalidInput)
	}

	a := auth(c)
	if err := s.tracker.Heartbeat(c.UserContext(), a.RoomID, a.Token, req.Username); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handlePresence(c *fiber.Ctx) error {
	users, err := s.tracker.Snapshot(c.UserContext(), auth(c).RoomID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"users": users})
}
