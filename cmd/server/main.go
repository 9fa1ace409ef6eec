package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"tabbridge/internal/artifact"
	"tabbridge/internal/bridge"
	"tabbridge/internal/command"
	"tabbridge/internal/conn"
	"tabbridge/internal/dispatch"
	"tabbridge/internal/mux"
	"tabbridge/internal/realtime"
)

// Config holds server configuration, loaded from environment variables.
type Config struct {
	Mode           string
	DevtoolsURL    string
	TargetID       string
	Port           int
	HealthInterval time.Duration
	BackoffCap     time.Duration
	ArtifactDir    string
	ArtifactMax    int
	InlineLimit    int
	Workers        int
}

func loadConfig() Config {
	cfg := Config{
		Mode:        "stdio",
		DevtoolsURL: "ws://127.0.0.1:9222",
		Port:        8420,
		ArtifactDir: filepath.Join(os.TempDir(), "tabbridge-artifacts"),
		ArtifactMax: 256,
	}

	if v := os.Getenv("TABBRIDGE_MODE"); v != "" {
		cfg.Mode = v
	}
	if v := os.Getenv("TABBRIDGE_DEVTOOLS_URL"); v != "" {
		cfg.DevtoolsURL = v
	}
	if v := os.Getenv("TABBRIDGE_TARGET_ID"); v != "" {
		cfg.TargetID = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv("TABBRIDGE_HEALTH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.HealthInterval = d
		}
	}
	if v := os.Getenv("TABBRIDGE_BACKOFF_CAP"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.BackoffCap = d
		}
	}
	if v := os.Getenv("TABBRIDGE_ARTIFACT_DIR"); v != "" {
		cfg.ArtifactDir = v
	}
	if v := os.Getenv("TABBRIDGE_ARTIFACT_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ArtifactMax = n
		}
	}
	if v := os.Getenv("TABBRIDGE_INLINE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.InlineLimit = n
		}
	}
	if v := os.Getenv("TABBRIDGE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Workers = n
		}
	}

	return cfg
}

func main() {
	cfg := loadConfig()

	// Console events are captured from connect onward.
	console := conn.NewConsoleBuffer(500)

	mgr := conn.NewManager(conn.Config{
		DevtoolsURL:    cfg.DevtoolsURL,
		TargetID:       cfg.TargetID,
		HealthInterval: cfg.HealthInterval,
		BackoffCap:     cfg.BackoffCap,
	}, conn.DialChrome, conn.DefaultHooks(console), console)

	// All physical calls funnel through the bridge; the manager probes
	// through it too.
	b := bridge.New(bridge.SourceFunc(func() (bridge.Caller, error) {
		c, err := mgr.Current()
		if err != nil {
			return nil, err
		}
		return c, nil
	}), cfg.Workers)
	mgr.SetExecutor(b)

	overlay := conn.NewOverlay(b)

	registry := command.NewRegistry()
	registry.MustRegister(command.Builtins()...)

	store, err := artifact.NewStore(cfg.ArtifactDir, cfg.ArtifactMax)
	if err != nil {
		log.Fatalf("artifact store: %v", err)
	}

	d := dispatch.New(dispatch.Config{
		Registry:    registry,
		Manager:     mgr,
		Store:       store,
		Exec:        b,
		Overlay:     overlay,
		Session:     mgr,
		InlineLimit: cfg.InlineLimit,
	})

	// Connect eagerly so the first tool call doesn't pay the dial cost, but
	// tolerate failure: EnsureConnected retries on demand.
	connectCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := mgr.Connect(connectCtx); err != nil {
		log.Printf("initial connect failed, will retry on demand: %v", err)
	}
	cancel()

	shutdown := func() {
		mgr.Shutdown()
		b.Close()
		store.Close()
	}

	switch cfg.Mode {
	case "stdio":
		if err := d.Serve(os.Stdin, os.Stdout); err != nil {
			log.Printf("stdio loop: %v", err)
		}
		shutdown()

	case "serve":
		broker := mux.New(d)
		d.SetClients(broker)

		rtServer := realtime.New(broker, mgr)
		httpServer := &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Port),
			Handler: rtServer.Handler(),
		}

		// Graceful shutdown on signals.
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		go func() {
			<-sigCh
			log.Println("Shutting down...")
			shutdown()
			httpServer.Close()
		}()

		log.Printf("tabbridge serving on http://localhost:%d", cfg.Port)
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}

	default:
		log.Fatalf("unknown mode %q (want stdio or serve)", cfg.Mode)
	}
}
