// voicecall: real-time voice call with a conversation backend.
// Listens on the microphone, sends each utterance over the call websocket
// and plays the spoken reply, with barge-in while the assistant talks.
//
// Type a line to send it as a text turn. Commands: /mute, /interrupt,
// /status, /quit.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/teslashibe/go-voicecall/internal/config"
	"github.com/teslashibe/go-voicecall/internal/log"
	"github.com/teslashibe/go-voicecall/pkg/audioio"
	"github.com/teslashibe/go-voicecall/pkg/call"
	"github.com/teslashibe/go-voicecall/pkg/capture"
	"github.com/teslashibe/go-voicecall/pkg/codec"
	"github.com/teslashibe/go-voicecall/pkg/metrics"
	"github.com/teslashibe/go-voicecall/pkg/playback"
	"github.com/teslashibe/go-voicecall/pkg/transport"
	"github.com/teslashibe/go-voicecall/pkg/vad"
	"github.com/teslashibe/go-voicecall/pkg/web"
)

// opusFrame is the utterance encoder's frame duration.
const opusFrame = 20 * time.Millisecond

func main() {
	configPath := flag.String("config", "voicecall.yaml", "YAML configuration file (optional)")
	url := flag.String("url", "", "Backend websocket URL (overrides VOICECALL_URL)")
	voice := flag.String("voice", "", "Voice name sent in the handshake")
	backend := flag.String("audio", "", "Audio backend: auto, portaudio, mock")
	dashboard := flag.Bool("dashboard", true, "Serve the status dashboard")
	port := flag.String("port", "", "Dashboard port")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *url != "" {
		cfg.Transport.URL = *url
	}
	if *voice != "" {
		cfg.Transport.Voice.Voice = *voice
	}
	if *backend != "" {
		cfg.Audio.Backend = audioio.Backend(*backend)
	}
	if *port != "" {
		cfg.Dashboard.Port = *port
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	log.Init(cfg.LogLevel)
	logger := log.L()
	cfg.SetLogger(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cancel, cfg, logger, *dashboard); err != nil {
		logger.Error("voicecall failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, stop context.CancelFunc, cfg *config.Config, logger *slog.Logger, dashboard bool) error {
	m := metrics.New(metrics.DefaultNamespace)

	mic, err := audioio.NewSource(cfg.Audio, logger)
	if err != nil {
		return fmt.Errorf("open microphone: %w", err)
	}
	shared := audioio.NewSharedSource(mic, logger)
	defer shared.Close()

	speaker, err := audioio.NewSink(cfg.Audio, logger)
	if err != nil {
		return fmt.Errorf("open speaker: %w", err)
	}
	if err := speaker.Start(ctx); err != nil {
		return fmt.Errorf("start speaker: %w", err)
	}
	defer speaker.Close()

	channel, err := transport.New(func(c *transport.Config) { *c = *cfg.Transport })
	if err != nil {
		return err
	}
	if err := m.ObserveTransport(channel.Stats); err != nil {
		return err
	}

	detector, err := vad.New(shared, func(c *vad.Config) { *c = *cfg.VAD })
	if err != nil {
		return err
	}

	enc, err := codec.NewOpusEncoder(cfg.Audio.SampleRate, cfg.Audio.Channels, opusFrame, cfg.Codec.Bitrate)
	if err != nil {
		return err
	}
	recorder, err := capture.New(shared, enc, channel, func(c *capture.Config) { *c = *cfg.Capture })
	if err != nil {
		return err
	}

	decoder, err := codec.NewAutoDecoder(cfg.Audio.SampleRate, nil)
	if err != nil {
		return err
	}
	queue, err := playback.NewQueue(
		decoder,
		playback.NewSinkPlayer(speaker, cfg.Playback.FrameDuration),
		func(c *playback.Config) { *c = *cfg.Playback },
	)
	if err != nil {
		return err
	}
	if err := m.ObservePlayback(queue); err != nil {
		return err
	}

	sess, err := call.New(channel, queue, detector, recorder, func(c *call.Config) {
		*c = *cfg.Call
		c.Metrics = m
	})
	if err != nil {
		return err
	}
	defer sess.EndCall()

	sess.OnError(func(err error) {
		logger.Warn("call error", "error", err)
	})

	var srv *web.Server
	if dashboard {
		srv, err = web.NewServer(sess, func(c *web.Config) {
			*c = *cfg.Dashboard
			c.Metrics = m
		})
		if err != nil {
			return err
		}
		srv.RunAsync(ctx)
	}

	sess.OnChange(func(s call.Snapshot) {
		if srv != nil {
			srv.Publish(s)
		}
	})
	sess.OnEntry(func(e call.Entry) {
		fmt.Printf("%s: %s\n", e.Role, e.Content)
		if srv != nil {
			srv.PublishEntry(e)
		}
	})

	logger.Info("starting call", "call_id", sess.ID(), "url", cfg.Transport.URL, "audio", mic.Name())
	if err := sess.Start(ctx); err != nil {
		// The transport keeps retrying; the call stays open.
		logger.Warn("backend not reachable yet", "error", err)
	}

	go readCommands(os.Stdin, sess, stop, log.Component("commands"))

	<-ctx.Done()
	logger.Info("hanging up", "duration", sess.Duration().Round(time.Second))
	return nil
}

// readCommands turns stdin lines into call actions until EOF or /quit.
func readCommands(r io.Reader, sess *call.Session, stop context.CancelFunc, logger *slog.Logger) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		var err error
		switch line {
		case "":
			continue
		case "/quit":
			stop()
			return
		case "/mute":
			var muted bool
			if muted, err = sess.ToggleMute(); err == nil {
				fmt.Printf("muted: %v\n", muted)
			}
		case "/interrupt":
			err = sess.Interrupt()
		case "/status":
			s := sess.Snapshot()
			fmt.Printf("state=%s connection=%s muted=%v duration=%s entries=%d\n",
				s.State, s.Connection, s.Muted, s.Duration.Round(time.Second), s.Entries)
		default:
			err = sess.SendText(line)
		}
		if err != nil {
			logger.Warn("command failed", "command", line, "error", err)
		}
	}
}
