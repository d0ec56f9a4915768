// Package httpapi exposes the room session engine over HTTP: the
// route-level admission gate, the per-call auth guard, and the JSON API
// the room page consumes.
package httpapi

import (
	"errors"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/ephemeral-chat/internal/admission"
	"github.com/example/ephemeral-chat/internal/chat"
	"github.com/example/ephemeral-chat/internal/config"
	"github.com/example/ephemeral-chat/internal/message"
	"github.com/example/ephemeral-chat/internal/presence"
	"github.com/example/ephemeral-chat/internal/realtime"
	"github.com/example/ephemeral-chat/internal/room"
	"github.com/example/ephemeral-chat/internal/telemetry"
)

// AuthCookieName is the membership token cookie. HttpOnly and
// SameSite=Strict: page scripts never read it, the server echoes it
// back through the auth guard on every call.
const AuthCookieName = "x-auth-token"

const localsAuth = "auth"

// Auth is the per-request authentication context set by the guard.
type Auth struct {
	RoomID string
	Token  string
}

// Server wires the components behind the HTTP surface.
type Server struct {
	cfg       config.Config
	rooms     *room.Manager
	admission *admission.Controller
	tracker   *presence.Tracker
	messages  *message.Store
	rt        realtime.Emitter

	requestDuration metric.Float64Histogram
}

func NewServer(cfg config.Config, rooms *room.Manager, adm *admission.Controller, tracker *presence.Tracker, msgs *message.Store, rt realtime.Emitter) *Server {
	requestDuration, _ := telemetry.NewDurationHistogram(otel.Meter("httpapi"),
		"http_request_duration_seconds", "HTTP request duration in seconds")
	return &Server{cfg: cfg, rooms: rooms, admission: adm, tracker: tracker, messages: msgs, rt: rt,
		requestDuration: requestDuration}
}

// App builds the Fiber application with all routes registered.
func (s *Server) App() *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler:          errorHandler,
		DisableStartupMessage: true,
	})

	app.Use(s.measure)

	app.Get("/room/:roomId", s.handleRoomGate)

	app.Post("/api/room/create", s.handleCreateRoom)
	app.Get("/api/room/check", s.handleCheckRoom)

	app.Get("/api/room/ttl", s.authGuard, s.handleRoomTTL)
	app.Post("/api/room/join", s.authGuard, s.handleJoinRoom)
	app.Delete("/api/room", s.authGuard, s.handleDestroyRoom)

	app.Get("/api/messages", s.authGuard, s.handleListMessages)
	app.Post("/api/messages", s.authGuard, s.handlePostMessage)
	app.Post("/api/messages/reaction", s.authGuard, s.handleReaction)
	app.Post("/api/messages/read", s.authGuard, s.handleMarkRead)
	app.Delete("/api/messages", s.authGuard, s.handleDeleteMessage)

	app.Post("/api/presence/typing", s.authGuard, s.handleTyping)
	app.Post("/api/presence/heartbeat", s.authGuard, s.handleHeartbeat)
	app.Get("/api/presence", s.authGuard, s.handlePresence)

	return app
}

func (s *Server) measure(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	s.requestDuration.Record(c.UserContext(), time.Since(start).Seconds(),
		metric.WithAttributes(
			attribute.String("method", c.Method()),
			attribute.String("route", c.Route().Path),
		))
	return err
}

// authGuard re-validates token membership for every token-bound call.
// The token ledger is authoritative: a client-asserted "already joined"
// state is never trusted.
func (s *Server) authGuard(c *fiber.Ctx) error {
	roomID := c.Query("roomId")
	token := c.Cookies(AuthCookieName)
	if roomID == "" || token == "" {
		return chat.ErrUnauthorized
	}

	ok, err := s.admission.IsMember(c.UserContext(), roomID, token)
	if err != nil {
		return err
	}
	if !ok {
		return chat.ErrUnauthorized
	}

	c.Locals(localsAuth, Auth{RoomID: roomID, Token: token})
	return c.Next()
}

func auth(c *fiber.Ctx) Auth {
	a, _ := c.Locals(localsAuth).(Auth)
	return a
}

// errorHandler maps the domain error taxonomy onto HTTP statuses in one
// place. Nothing here retries: a denied or failed operation is
// surfaced exactly once.
func errorHandler(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, chat.ErrUnauthorized):
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
	case errors.Is(err, chat.ErrRoomNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "room not found"})
	case errors.Is(err, chat.ErrMessageNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "message not found"})
	case errors.Is(err, chat.ErrNotOwner):
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "forbidden"})
	case errors.Is(err, chat.ErrRoomFull):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "room full"})
	case errors.Is(err, chat.ErrInvalidInput):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.Status(fe.Code).JSON(fiber.Map{"error": fe.Message})
	}

	slog.ErrorContext(c.UserContext(), "Request failed", "path", c.Path(), "error", err)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
}
