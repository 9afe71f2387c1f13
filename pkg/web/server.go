// Package web serves voice conversations over WebSocket, together with a
// small REST API, Prometheus metrics and a live telemetry feed.
package web

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlog "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/teslashibe/go-duplex/pkg/hub"
	"github.com/teslashibe/go-duplex/pkg/voice"
)

// Config configures the server.
type Config struct {
	Addr string

	// ReadLimit is the largest inbound WebSocket message in bytes.
	ReadLimit int

	// InboundRate and InboundBurst limit messages per connection.
	InboundRate  float64
	InboundBurst int

	// PingInterval is how often the server pings a voice client.
	// Zero disables heartbeats.
	PingInterval time.Duration

	// PongTimeout is how long without a pong before the link is treated
	// as lost and reconnection starts.
	PongTimeout time.Duration

	ShutdownTimeout time.Duration

	// Debug enables per-request access logging.
	Debug bool

	Logger *slog.Logger
}

// DefaultConfig returns the standard server settings.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		ReadLimit:       1 << 20,
		InboundRate:     50,
		InboundBurst:    100,
		PingInterval:    10 * time.Second,
		PongTimeout:     25 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		Logger:          slog.Default(),
	}
}

// Server is the client-facing front end of a voice.Service.
type Server struct {
	app    *fiber.App
	cfg    Config
	svc    *voice.Service
	logger *slog.Logger

	// monitor fans turn telemetry out to /ws/monitor subscribers
	monitor *hub.Hub

	// ctx is the parent of every session; cancelling it ends them all
	ctx    context.Context
	cancel context.CancelFunc

	hubOnce sync.Once
}

// NewServer creates a server for svc.
func NewServer(cfg Config, svc *voice.Service) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = def.ReadLimit
	}
	if cfg.InboundRate <= 0 {
		cfg.InboundRate = def.InboundRate
	}
	if cfg.InboundBurst <= 0 {
		cfg.InboundBurst = def.InboundBurst
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg,
		svc:     svc,
		logger:  cfg.Logger.With("component", "web.Server"),
		monitor: hub.New("monitor", cfg.Logger),
		ctx:     ctx,
		cancel:  cancel,
	}

	app := fiber.New(fiber.Config{
		AppName:               "go-duplex",
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	app.Use(cors.New())
	if cfg.Debug {
		app.Use(fiberlog.New())
	}

	app.Get("/healthz", s.handleHealth)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// API routes
	api := app.Group("/api")
	api.Get("/conversations/:id", s.handleGetConversation)
	api.Delete("/conversations/:id", s.handleDeleteConversation)
	api.Get("/tools", s.handleListTools)
	api.Get("/voices", s.handleListVoices)

	// WebSocket upgrade middleware
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	// WebSocket routes
	app.Get("/ws/voice", websocket.New(s.handleVoiceWS))
	app.Get("/ws/monitor", websocket.New(s.handleMonitorWS))

	s.app = app
	return s
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// Monitor returns the telemetry hub.
func (s *Server) Monitor() *hub.Hub {
	return s.monitor
}

// ListenAndServe listens on the configured address and serves until ctx
// ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx ends, then shuts down. It
// returns the listener's error if serving stops on its own.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.hubOnce.Do(func() { go s.monitor.Run(s.ctx) })
	s.logger.Info("listening", "addr", ln.Addr().String())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer s.cancel()
		err := s.app.Listener(ln)
		if err != nil && s.ctx.Err() == nil {
			return err
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return s.Shutdown()
		case <-s.ctx.Done():
			return nil
		}
	})
	return g.Wait()
}

// Shutdown ends every session and stops the server.
func (s *Server) Shutdown() error {
	s.cancel()
	s.logger.Info("shutting down")
	return s.app.ShutdownWithTimeout(s.cfg.ShutdownTimeout)
}
