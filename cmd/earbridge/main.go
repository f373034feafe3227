// Command earbridge is the interaction broker between LLM agents and the
// operator's earphones: it serves the agent-facing MCP tool surface, the
// operator-facing HTTP API, and the speech pipeline in one process.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/earbridge/earbridge/internal/api"
	"github.com/earbridge/earbridge/internal/bus"
	"github.com/earbridge/earbridge/internal/collab"
	"github.com/earbridge/earbridge/internal/config"
	"github.com/earbridge/earbridge/internal/diag"
	"github.com/earbridge/earbridge/internal/dispatch"
	"github.com/earbridge/earbridge/internal/healthmon"
	"github.com/earbridge/earbridge/internal/mcpserver"
	"github.com/earbridge/earbridge/internal/notify"
	"github.com/earbridge/earbridge/internal/observe"
	"github.com/earbridge/earbridge/internal/procgroup"
	"github.com/earbridge/earbridge/internal/session"
	"github.com/earbridge/earbridge/internal/tts"
	"github.com/earbridge/earbridge/internal/uistate"
)

// version is stamped by the release build; "dev" otherwise.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", defaultConfigPath(), "path to the YAML configuration file")
	healthCheck := flag.Bool("health", false, "probe a running broker and print its health as JSON")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("earbridge", version)
		return 0
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "earbridge: %v\n", err)
		return 1
	}

	if *healthCheck {
		return printHealth(cfg)
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	// Every log line also lands in the ring buffer behind get_logs().
	logs := dispatch.NewLogBuffer(newHandler(cfg.Server.LogLevel))
	logger := slog.New(logs)
	slog.SetDefault(logger)

	logger.Info("earbridge starting",
		"version", version,
		"config", *configPath,
		"frontend_addr", cfg.Server.FrontendAddr,
		"backend_addr", cfg.Server.BackendAddr,
		"send_addr", cfg.Server.SendAddr,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Metrics ───────────────────────────────────────────────────────────────
	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "earbridge",
		ServiceVersion: version,
	})
	if err != nil {
		logger.Error("failed to initialise metrics", "err", err)
		return 1
	}
	metrics := observe.DefaultMetrics()

	// ── PID file ──────────────────────────────────────────────────────────────
	if err := diag.WritePIDFile(cfg.Server.PIDFile); err != nil {
		logger.Warn("could not write pid file", "path", cfg.Server.PIDFile, "err", err)
	} else {
		defer diag.RemovePIDFile(cfg.Server.PIDFile)
	}

	// ── Core wiring ───────────────────────────────────────────────────────────
	eventBus := bus.New(bus.WithLogger(logger), bus.WithMetrics(metrics))
	supervisor := procgroup.NewSupervisor()
	notifier := notify.New(cfg.Notifications,
		notify.WithLogger(logger),
		notify.WithMetrics(metrics),
	)

	engine, err := tts.New(ttsConfig(cfg),
		tts.WithSupervisor(supervisor),
		tts.WithLogger(logger),
		tts.WithMetrics(metrics),
		tts.WithErrorCallback(func(msg string) {
			eventBus.Emit(bus.EventError, "", map[string]any{"message": msg})
		}),
	)
	if err != nil {
		logger.Error("failed to initialise tts engine", "err", err)
		return 1
	}

	voice := collab.NewVoice(engine, logger)
	sessions := session.NewManager(session.ManagerConfig{
		StaleTimeout: cfg.Health.StaleTimeout,
		Collaborator: voice,
		Publisher:    eventBus,
		Metrics:      metrics,
		Logger:       logger,
	})

	store := session.NewStore(cfg.State.SessionsFile)
	if err := store.Load(); err != nil {
		logger.Warn("could not load persisted sessions", "path", cfg.State.SessionsFile, "err", err)
	} else if n := store.SavedCount(); n > 0 {
		logger.Info("loaded persisted sessions", "count", n)
	}
	uiState := uistate.New(cfg.State.UIStateFile, logger)

	dispatcher := dispatch.New(dispatch.Config{
		Sessions:   sessions,
		Store:      store,
		TTS:        engine,
		Bus:        eventBus,
		Logs:       logs,
		Metrics:    metrics,
		Logger:     logger,
		ConfigPath: *configPath,
		Cfg:        cfg,
		Version:    version,
	})

	monitor := healthmon.New(healthmon.Config{
		Sessions: sessions,
		Bus:      eventBus,
		Notify:   notifier,
		TTS:      engine,
		Health:   cfg.Health,
		Probe:    pidProbe,
		Logger:   logger,
	})
	monitor.Start()
	defer monitor.Stop()

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(_, next *config.Config) {
		engine.SetDefaults(tts.Options{
			Voice:   next.TTS.Voice,
			Emotion: next.TTS.Emotion,
			Model:   next.TTS.Model,
			Speed:   next.TTS.Speed,
		})
		engine.ClearCache()
		eventBus.EmitSettingsChanged(map[string]any{
			"tts_model":   next.TTS.Model,
			"tts_voice":   next.TTS.Voice,
			"tts_speed":   next.TTS.Speed,
			"tts_emotion": next.TTS.Emotion,
		})
	})
	if err != nil {
		logger.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── HTTP servers ──────────────────────────────────────────────────────────
	apiServer := api.New(api.Config{
		Sessions: sessions,
		Bus:      eventBus,
		TTS:      engine,
		UIState:  uiState,
		Metrics:  metrics,
		Logger:   logger,
		Version:  version,
	})
	mcpServer := mcpserver.New(dispatcher, version, logger)

	frontend := &http.Server{Addr: cfg.Server.FrontendAddr, Handler: apiServer.Handler()}
	backend := &http.Server{Addr: cfg.Server.BackendAddr, Handler: mcpServer.Handler()}
	send := &http.Server{Addr: cfg.Server.SendAddr, Handler: apiServer.SendHandler()}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range []*http.Server{frontend, backend, send} {
		g.Go(func() error {
			err := srv.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
	}

	// ── Notification bridge ───────────────────────────────────────────────────
	// Health alerts are delivered directly by the monitor; everything else
	// the channels subscribe to flows off the bus.
	sub := eventBus.Subscribe()
	g.Go(func() error {
		defer eventBus.Unsubscribe(sub)
		for {
			select {
			case <-gctx.Done():
				return nil
			case ev, ok := <-sub.Events():
				if !ok {
					return nil
				}
				if ev.Type == bus.EventHealthWarning || ev.Type == bus.EventHealthUnresponsive {
					continue
				}
				notifier.Notify(noteFromEvent(sessions, ev))
			}
		}
	})

	// ── Stale session sweep ───────────────────────────────────────────────────
	g.Go(func() error {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if removed := sessions.CleanupStale(); len(removed) > 0 {
					logger.Info("removed stale sessions", "count", len(removed))
				}
				if err := store.Save(sessions); err != nil {
					logger.Warn("session persistence failed", "err", err)
				}
			}
		}
	})

	logger.Info("earbridge ready")

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	<-gctx.Done()
	logger.Info("shutdown signal received, stopping")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	for _, srv := range []*http.Server{frontend, backend, send} {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown error", "addr", srv.Addr, "err", err)
		}
	}
	if err := g.Wait(); err != nil {
		logger.Error("run error", "err", err)
		return 1
	}

	if err := store.Save(sessions); err != nil {
		logger.Warn("final session persistence failed", "err", err)
	}
	engine.Stop()
	if err := shutdownMetrics(shutdownCtx); err != nil {
		logger.Warn("metrics shutdown error", "err", err)
	}
	logger.Info("goodbye")
	return 0
}

// printHealth probes the broker named in cfg and prints the verdict.
func printHealth(cfg *config.Config) int {
	h := diag.ProxyHealth(cfg.Server.FrontendAddr, cfg.Server.PIDFile)
	out, _ := json.MarshalIndent(h, "", "  ")
	fmt.Println(string(out))
	if h.Status == "healthy" {
		return 0
	}
	return 1
}

// pidProbe checks the agent process a session registered with, when it
// gave one.
func pidProbe(s *session.Session) (alive, known bool) {
	raw, ok := s.Snapshot().Metadata["pid"]
	if !ok {
		return false, false
	}
	pid, err := strconv.Atoi(raw)
	if err != nil {
		return false, false
	}
	return diag.PIDAlive(pid), true
}

// noteFromEvent shapes a bus event into an outbound notification.
func noteFromEvent(sessions *session.Manager, ev bus.Event) notify.Note {
	name := ev.SessionID
	if s := sessions.Get(ev.SessionID); s != nil {
		name = s.Name()
	}
	title := string(ev.Type)
	message := ""
	switch ev.Type {
	case bus.EventChoicesPresented:
		title = "Choices from " + name
		message, _ = ev.Data["preamble"].(string)
	case bus.EventSpeechRequested:
		title = "Speech from " + name
		message, _ = ev.Data["text"].(string)
	case bus.EventChoicesTimeout:
		title = "Prompt expired"
		message, _ = ev.Data["preamble"].(string)
	case bus.EventError:
		title = "Broker error"
		message, _ = ev.Data["message"].(string)
	}
	return notify.Note{
		EventType:   string(ev.Type),
		Title:       title,
		Message:     message,
		SessionName: name,
		SessionID:   ev.SessionID,
	}
}

// ttsConfig maps the YAML TTS section onto the engine config.
func ttsConfig(cfg *config.Config) tts.Config {
	return tts.Config{
		Binary:          cfg.TTS.Binary,
		Player:          cfg.TTS.Player,
		LocalBinary:     cfg.TTS.LocalBinary,
		Local:           cfg.TTS.Local,
		Voice:           cfg.TTS.Voice,
		Emotion:         cfg.TTS.Emotion,
		Model:           cfg.TTS.Model,
		Speed:           cfg.TTS.Speed,
		CacheDir:        cfg.TTS.CacheDir,
		GenerateTimeout: cfg.TTS.GenerateTimeout,
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return home + "/.config/earbridge/config.yaml"
}

// newHandler builds the stderr log handler at the configured level.
func newHandler(level config.LogLevel) slog.Handler {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
}
