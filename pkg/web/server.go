// Package web serves the call's collaborator surface: a JSON API to read
// and drive the call, and websocket feeds of status and conversation.
package web

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"
	"github.com/teslashibe/go-voicecall/pkg/call"
	"github.com/teslashibe/go-voicecall/pkg/hub"
)

// Call is the part of a call session the dashboard drives.
type Call interface {
	Snapshot() call.Snapshot
	Log() []call.Entry
	SetMuted(muted bool) error
	ToggleMute() (bool, error)
	Interrupt() error
	SendText(content string) error
	EndCall() error
}

var _ Call = (*call.Session)(nil)

// Server is the web dashboard server
type Server struct {
	app    *fiber.App
	call   Call
	config *Config
	logger *slog.Logger

	// Hubs for websocket broadcast
	statusHub       *hub.Hub
	conversationHub *hub.Hub
}

// NewServer creates a dashboard server for c.
func NewServer(c Call, opts ...Option) (*Server, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("component", "web")

	s := &Server{
		call:            c,
		config:          cfg,
		logger:          logger,
		statusHub:       hub.New("status", logger).WithReplay(),
		conversationHub: hub.New("conversation", logger),
	}

	app := fiber.New(fiber.Config{
		AppName:               "voicecall dashboard",
		DisableStartupMessage: true,
	})

	// CORS for local development
	app.Use(cors.New())

	if cfg.StaticDir != "" {
		app.Static("/", cfg.StaticDir)
	}

	api := app.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Get("/conversation", s.handleConversation)
	api.Post("/mute", s.handleMute)
	api.Post("/interrupt", s.handleInterrupt)
	api.Post("/message", s.handleMessage)
	api.Post("/end", s.handleEnd)

	app.Get("/metrics", adaptor.HTTPHandler(cfg.Metrics.Handler()))

	// WebSocket upgrade middleware
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/status", websocket.New(s.serveHub(s.statusHub)))
	app.Get("/ws/conversation", websocket.New(s.serveHub(s.conversationHub)))

	s.app = app
	return s, nil
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// Run listens on the configured port and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", ":"+s.config.Port)
	if err != nil {
		return fmt.Errorf("web: listen: %w", err)
	}
	s.logger.Info("dashboard listening", "url", "http://localhost:"+s.config.Port)
	return s.Serve(ctx, ln)
}

// Serve starts the hubs and serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go s.statusHub.Run(ctx)
	go s.conversationHub.Run(ctx)

	go func() {
		<-ctx.Done()
		if err := s.app.Shutdown(); err != nil {
			s.logger.Warn("dashboard shutdown failed", "error", err)
		}
	}()

	return s.app.Listener(ln)
}

// RunAsync serves in a goroutine, logging a failure to listen.
func (s *Server) RunAsync(ctx context.Context) {
	go func() {
		if err := s.Run(ctx); err != nil {
			s.logger.Error("dashboard stopped", "error", err)
		}
	}()
}

// Publish broadcasts a status snapshot. Wire it to the session's OnChange.
func (s *Server) Publish(snap call.Snapshot) {
	if err := s.statusHub.BroadcastJSON(snap); err != nil {
		s.logger.Warn("failed to encode snapshot", "error", err)
	}
}

// PublishEntry broadcasts a conversation entry. Wire it to the session's
// OnEntry.
func (s *Server) PublishEntry(e call.Entry) {
	if err := s.conversationHub.BroadcastJSON(e); err != nil {
		s.logger.Warn("failed to encode entry", "error", err)
	}
}

// StatusHub returns the status hub.
func (s *Server) StatusHub() *hub.Hub {
	return s.statusHub
}

// ConversationHub returns the conversation hub.
func (s *Server) ConversationHub() *hub.Hub {
	return s.conversationHub
}
