package web

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/go-duplex/internal/metrics"
	"github.com/teslashibe/go-duplex/pkg/conversation"
	"github.com/teslashibe/go-duplex/pkg/hub"
	"github.com/teslashibe/go-duplex/pkg/protocol"
	"github.com/teslashibe/go-duplex/pkg/tools"
	"github.com/teslashibe/go-duplex/pkg/tts"
)

const healthTimeout = 3 * time.Second

// ConversationView is the REST representation of a stored conversation.
type ConversationView struct {
	ID            string                 `json:"id"`
	SystemPrompt  string                 `json:"system_prompt,omitempty"`
	Messages      []conversation.Message `json:"messages"`
	TokenEstimate int                    `json:"token_estimate"`
	Dropped       int                    `json:"dropped"`
	Limits        conversation.Limits    `json:"limits"`
}

// handleHealth reports whether both providers are reachable
func (s *Server) handleHealth(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), healthTimeout)
	defer cancel()

	if err := s.svc.Health(ctx); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "unhealthy",
			"error":  err.Error(),
		})
	}
	return c.JSON(fiber.Map{
		"status":   "ok",
		"monitors": s.monitor.Subscribers(),
	})
}

// handleGetConversation returns a conversation's history
func (s *Server) handleGetConversation(c *fiber.Ctx) error {
	conv, err := s.svc.Store().Get(c.UserContext(), c.Params("id"))
	if errors.Is(err, conversation.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "conversation not found",
		})
	}
	if err != nil {
		s.logger.Error("load conversation", "conversation_id", c.Params("id"), "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return c.JSON(ConversationView{
		ID:            conv.ID(),
		SystemPrompt:  conv.SystemPrompt(),
		Messages:      conv.Messages(),
		TokenEstimate: conv.TokenEstimate(),
		Dropped:       conv.Dropped(),
		Limits:        conv.Limits(),
	})
}

// handleDeleteConversation forgets a conversation
func (s *Server) handleDeleteConversation(c *fiber.Ctx) error {
	if err := s.svc.Store().Delete(c.UserContext(), c.Params("id")); err != nil {
		s.logger.Error("delete conversation", "conversation_id", c.Params("id"), "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// handleListTools returns the tools the model may call
func (s *Server) handleListTools(c *fiber.Ctx) error {
	reg := s.svc.Tools()
	if reg == nil {
		return c.JSON([]tools.Info{})
	}
	return c.JSON(reg.List())
}

// handleListVoices returns the voice presets a client may request, with
// ?provider= narrowing the list
func (s *Server) handleListVoices(c *fiber.Ctx) error {
	provider := c.Query("provider")
	out := make([]tts.VoicePreset, 0)
	for _, p := range tts.Presets() {
		if provider == "" || p.Provider == provider {
			out = append(out, p)
		}
	}
	return c.JSON(out)
}

// handleMonitorWS subscribes a connection to turn telemetry. The
// conversation_id and comma-separated types query parameters narrow it.
func (s *Server) handleMonitorWS(c *websocket.Conn) {
	hub.Subscribe(s.monitor, c, monitorFilter(c.Query("conversation_id"), c.Query("types"))).Serve()
}

func monitorFilter(conversationID, types string) hub.Filter {
	f := hub.Filter{ConversationID: conversationID}
	for _, t := range strings.Split(types, ",") {
		if t = strings.TrimSpace(t); t != "" {
			f.Types = append(f.Types, protocol.MessageType(t))
		}
	}
	return f
}

// handleVoiceWS runs one voice client until it disconnects
func (s *Server) handleVoiceWS(c *websocket.Conn) {
	metrics.RecordConnectionOpened()
	defer metrics.RecordConnectionClosed()

	newSession(s, c).run()
}
