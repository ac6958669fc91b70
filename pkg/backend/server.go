// Package backend is a development conversation backend that speaks the
// call control protocol over a websocket. It does not recognize speech: an
// utterance is described by its length and every reply is spoken as a tone.
package backend

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/teslashibe/go-voicecall/pkg/codec"
	"github.com/teslashibe/go-voicecall/pkg/protocol"
)

// utteranceRate is the rate utterances are decoded at to measure them.
const utteranceRate = 48000

// Connection is one connected call client.
type Connection struct {
	ID        string
	Conn      *websocket.Conn
	Connected time.Time

	writeMu sync.Mutex

	mu       sync.Mutex
	lastSeen time.Time
	voice    protocol.VoiceSettings
	ready    bool
	cancel   context.CancelFunc
	done     chan struct{}
}

func (c *Connection) send(msg *protocol.Message) error {
	data, err := msg.Bytes()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Connection) sendBinary(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteMessage(websocket.BinaryMessage, data)
}

// Voice returns the voice requested in the handshake.
func (c *Connection) Voice() protocol.VoiceSettings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.voice
}

// stopTurn cancels the response in flight and waits for it to stop
// writing. It reports whether a response was running.
func (c *Connection) stopTurn() bool {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return false
	}
	cancel()
	<-done
	return true
}

// Server manages call connections and answers their turns.
type Server struct {
	config *Config
	logger *slog.Logger

	mu    sync.RWMutex
	conns map[string]*Connection

	// Stats
	messagesReceived atomic.Uint64
	messagesSent     atomic.Uint64
	utterances       atomic.Uint64
	interrupts       atomic.Uint64
}

// New creates a development backend.
func New(opts ...Option) (*Server, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Reply == nil {
		cfg.Reply = EchoReply
	}
	return &Server{
		config: cfg,
		logger: cfg.Logger.With("component", "backend"),
		conns:  make(map[string]*Connection),
	}, nil
}

// RegisterRoutes registers the call websocket on a Fiber app.
func (s *Server) RegisterRoutes(app *fiber.App) {
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws", websocket.New(s.handleConn))
	app.Get("/ws/:id", websocket.New(s.handleConn))
}

// RegisterAPIRoutes registers connection inspection routes.
func (s *Server) RegisterAPIRoutes(api fiber.Router) {
	conns := api.Group("/connections")

	conns.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"connections": s.ConnectionInfos(),
			"count":       s.ConnectionCount(),
		})
	})

	conns.Get("/stats", func(c *fiber.Ctx) error {
		return c.JSON(s.Stats())
	})

	// Push a backend error to a client, for exercising error handling.
	conns.Post("/:id/error", func(c *fiber.Ctx) error {
		var req struct {
			Message string `json:"message"`
		}
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}
		if err := s.SendTo(c.Params("id"), protocol.NewErrorMessage(req.Message)); err != nil {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(fiber.Map{"status": "sent"})
	})
}

func (s *Server) handleConn(ws *websocket.Conn) {
	id := ws.Params("id")
	if id == "" {
		id = uuid.NewString()
	}

	now := time.Now()
	conn := &Connection{ID: id, Conn: ws, Connected: now, lastSeen: now}

	s.mu.Lock()
	s.conns[id] = conn
	count := len(s.conns)
	s.mu.Unlock()
	logger := s.logger.With("conn_id", id)
	logger.Info("client connected", "connections", count)

	defer func() {
		conn.stopTurn()
		s.mu.Lock()
		delete(s.conns, id)
		count := len(s.conns)
		s.mu.Unlock()
		logger.Info("client disconnected", "connections", count)
	}()

	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			logger.Debug("read ended", "error", err)
			return
		}

		conn.mu.Lock()
		conn.lastSeen = time.Now()
		conn.mu.Unlock()
		s.messagesReceived.Add(1)

		if kind == websocket.BinaryMessage {
			s.handleUtterance(conn, logger, data)
			continue
		}
		s.handleMessage(conn, logger, data)
	}
}

func (s *Server) handleMessage(conn *Connection, logger *slog.Logger, data []byte) {
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		logger.Warn("malformed message", "error", err)
		return
	}

	switch msg.Type {
	case protocol.TypeConfig:
		conn.mu.Lock()
		conn.voice = protocol.VoiceSettings{Voice: msg.Voice, Rate: msg.Rate, Pitch: msg.Pitch}
		conn.ready = true
		conn.mu.Unlock()
		logger.Info("client configured", "voice", msg.Voice, "rate", msg.Rate, "pitch", msg.Pitch)
		s.send(conn, protocol.NewConfigOKMessage())

	case protocol.TypePing:
		s.send(conn, protocol.NewPongMessage())

	case protocol.TypeUserSpeaking:
		logger.Debug("user speaking")

	case protocol.TypeInterrupt:
		s.interrupts.Add(1)
		running := conn.stopTurn()
		logger.Info("interrupted", "response_running", running)
		s.send(conn, protocol.NewSpeakingEndMessage(protocol.ReasonInterrupted))

	case protocol.TypeText:
		if !s.ready(conn) {
			s.send(conn, protocol.NewErrorMessage(ErrNotConfigured.Error()))
			return
		}
		s.startTurn(conn, strings.TrimSpace(msg.Content))

	default:
		logger.Debug("ignoring message", "type", msg.Type)
	}
}

func (s *Server) handleUtterance(conn *Connection, logger *slog.Logger, data []byte) {
	s.utterances.Add(1)
	if !s.ready(conn) {
		s.send(conn, protocol.NewErrorMessage(ErrNotConfigured.Error()))
		return
	}

	d, err := measure(data)
	if err != nil {
		// Nothing intelligible; an empty transcript ends the turn.
		logger.Warn("undecodable utterance", "bytes", len(data), "error", err)
		s.send(conn, protocol.NewTranscriptMessage(""))
		return
	}
	logger.Info("utterance received", "bytes", len(data), "duration", d)
	s.startTurn(conn, fmt.Sprintf("(%.1f seconds of speech)", d.Seconds()))
}

func (s *Server) ready(conn *Connection) bool {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.ready
}

// measure decodes a framed opus utterance and returns its duration.
func measure(data []byte) (time.Duration, error) {
	dec, err := codec.NewOpusDecoder(utteranceRate, 1)
	if err != nil {
		return 0, err
	}
	chunk, err := dec.Decode(data)
	if err != nil {
		return 0, err
	}
	return chunk.Duration(), nil
}

// startTurn replaces any response in flight with an answer to userText.
func (s *Server) startTurn(conn *Connection, userText string) {
	conn.stopTurn()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	conn.mu.Lock()
	conn.cancel, conn.done = cancel, done
	conn.mu.Unlock()

	go func() {
		defer close(done)
		defer cancel()
		s.respond(ctx, conn, userText)
	}()
}

// respond streams one reply: transcript, emotion, tokens and
// response_end, then a speaking_start / audio / speaking_end bracket.
// It stops at the first step after ctx is cancelled.
func (s *Server) respond(ctx context.Context, conn *Connection, userText string) {
	if !s.send(conn, protocol.NewTranscriptMessage(userText)) || userText == "" {
		return
	}

	reply := s.config.Reply(userText)
	if s.config.Emotion != "" {
		s.send(conn, protocol.NewEmotionMessage(s.config.Emotion))
	}

	tokens := strings.SplitAfter(reply, " ")
	for _, tok := range tokens {
		if !s.pause(ctx) || !s.send(conn, protocol.NewTokenMessage(tok)) {
			return
		}
	}
	if !s.send(conn, protocol.NewResponseEndMessage()) {
		return
	}

	speech := Tone(s.config.SampleRate, s.config.ToneFrequency, s.config.ToneLevel,
		time.Duration(len(tokens))*s.config.WordDuration)
	if ctx.Err() != nil || !s.send(conn, protocol.NewSpeakingStartMessage()) {
		return
	}
	for _, chunk := range speech.Split(s.config.ChunkDuration) {
		if !s.pause(ctx) {
			return
		}
		frame := codec.EncodeWAV(chunk)
		if !s.send(conn, protocol.NewAudioChunkMessage(len(frame))) {
			return
		}
		if err := conn.sendBinary(frame); err != nil {
			return
		}
		s.messagesSent.Add(1)
	}
	if ctx.Err() != nil {
		return
	}
	s.send(conn, protocol.NewSpeakingEndMessage(protocol.ReasonComplete))
}

func (s *Server) pause(ctx context.Context) bool {
	if s.config.Pace == 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(s.config.Pace)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *Server) send(conn *Connection, msg *protocol.Message) bool {
	if err := conn.send(msg); err != nil {
		s.logger.Debug("send failed", "conn_id", conn.ID, "type", msg.Type, "error", err)
		return false
	}
	s.messagesSent.Add(1)
	return true
}

// SendTo sends a control message to one connection.
func (s *Server) SendTo(id string, msg *protocol.Message) error {
	s.mu.RLock()
	conn, ok := s.conns[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := conn.send(msg); err != nil {
		return err
	}
	s.messagesSent.Add(1)
	return nil
}

// Connection returns a connection by ID, or nil.
func (s *Server) Connection(id string) *Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conns[id]
}

// ConnectionCount returns the number of connected clients.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Stats contains server statistics
type Stats struct {
	Connections      int    `json:"connections"`
	MessagesReceived uint64 `json:"messages_received"`
	MessagesSent     uint64 `json:"messages_sent"`
	Utterances       uint64 `json:"utterances"`
	Interrupts       uint64 `json:"interrupts"`
}

// Stats returns server statistics.
func (s *Server) Stats() Stats {
	return Stats{
		Connections:      s.ConnectionCount(),
		MessagesReceived: s.messagesReceived.Load(),
		MessagesSent:     s.messagesSent.Load(),
		Utterances:       s.utterances.Load(),
		Interrupts:       s.interrupts.Load(),
	}
}

// ConnectionInfo describes a connected client.
type ConnectionInfo struct {
	ID        string                 `json:"id"`
	Connected time.Time              `json:"connected"`
	LastSeen  time.Time              `json:"last_seen"`
	Voice     protocol.VoiceSettings `json:"voice"`
}

// ConnectionInfos returns info about all connected clients.
func (s *Server) ConnectionInfos() []ConnectionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]ConnectionInfo, 0, len(s.conns))
	for _, c := range s.conns {
		c.mu.Lock()
		infos = append(infos, ConnectionInfo{
			ID:        c.ID,
			Connected: c.Connected,
			LastSeen:  c.lastSeen,
			Voice:     c.voice,
		})
		c.mu.Unlock()
	}
	return infos
}
