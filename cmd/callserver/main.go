// callserver: development backend for voicecall.
// Speaks the call control protocol on /ws and answers every turn with
// streamed tokens and a synthetic tone, without any speech models.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/teslashibe/go-voicecall/internal/log"
	"github.com/teslashibe/go-voicecall/pkg/backend"
)

var (
	version = "1.0.0"
	port    = flag.Int("port", 8765, "HTTP server port")
	pace    = flag.Duration("pace", 40*time.Millisecond, "Delay between streamed tokens and audio frames")
	emotion = flag.String("emotion", "happy", "Emotion sent with every reply (empty disables)")
	debug   = flag.Bool("debug", false, "Enable debug logging")
)

func main() {
	flag.Parse()

	// Override from environment
	if envPort := os.Getenv("PORT"); envPort != "" {
		if p, err := strconv.Atoi(envPort); err == nil {
			*port = p
		}
	}

	level := "info"
	if *debug {
		level = "debug"
	}
	log.Init(level)

	srv, err := backend.New(
		backend.WithPace(*pace),
		backend.WithEmotion(*emotion),
		backend.WithLogger(log.L()),
	)
	if err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	app := fiber.New(fiber.Config{
		AppName:               "callserver",
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	app.Use(cors.New())
	if *debug {
		app.Use(logger.New())
	}

	srv.RegisterRoutes(app)
	srv.RegisterAPIRoutes(app.Group("/api"))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":      "ok",
			"version":     version,
			"connections": srv.ConnectionCount(),
		})
	})

	go func() {
		addr := fmt.Sprintf(":%d", *port)
		log.Info("callserver listening",
			"version", version,
			"websocket", fmt.Sprintf("ws://localhost:%d/ws", *port),
			"health", fmt.Sprintf("http://localhost:%d/health", *port))
		if err := app.Listen(addr); err != nil {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Warn("shutdown error", "error", err)
	}
}
