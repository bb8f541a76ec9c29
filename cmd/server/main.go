package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/aeolun/wirechat/pkg/realtime"
	"github.com/aeolun/wirechat/pkg/server"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

func main() {
	// Configure logger with microsecond precision
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	configPath := pflag.String("config", "~/.wirechat/config.toml", "Path to config file")
	port := pflag.Int("port", 0, "Chat port to listen on (overrides config)")
	httpPort := pflag.Int("http-port", 0, "WebSocket and metrics port (overrides config)")
	dbPath := pflag.String("db", "", "Path to SQLite database (overrides config)")
	redisAddr := pflag.String("redis", "", "Redis address host:port (overrides config)")
	staticDir := pflag.String("static", "", "Directory with the static pages (overrides config)")
	debug := pflag.Bool("debug", false, "Enable debug logging")
	tracing := pflag.Bool("trace", false, "Export request spans (overrides config)")
	version := pflag.Bool("version", false, "Show version information")
	pflag.Parse()

	if *version {
		fmt.Printf("wirechat server %s\n", Version)
		os.Exit(0)
	}

	// Load configuration (creates default if not found)
	config, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Command-line flags override config file
	if *port != 0 {
		config.Server.Port = *port
	}
	if *httpPort != 0 {
		config.Server.HTTPPort = *httpPort
	}
	if *dbPath != "" {
		config.Server.DatabasePath = *dbPath
	}
	if *redisAddr != "" {
		config.Redis.Addr = *redisAddr
	}
	if *staticDir != "" {
		config.Server.StaticDir = *staticDir
	}
	if *tracing {
		config.Tracing.Enabled = true
	}
	serverConfig := config.ToServerConfig()

	if *debug {
		server.EnableDebugLogging()
		realtime.EnableDebugLogging()
		log.Printf("Debug logging enabled")
	}

	if serverConfig.TracingEnabled {
		shutdownTracing, err := installTracing(serverConfig)
		if err != nil {
			log.Fatalf("Failed to set up tracing: %v", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracing(ctx); err != nil {
				log.Printf("Error flushing spans: %v", err)
			}
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	srv, err := server.NewServer(ctx, serverConfig)
	cancel()
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	log.Printf("Config: %s (using defaults if not found)", *configPath)
	log.Printf("Database: %s", serverConfig.DatabasePath)
	log.Printf("Redis: %s", serverConfig.RedisAddr)

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	log.Printf("wirechat server %s started successfully", Version)
	log.Printf("  - Chat pages and API: http://%s", srv.Addr())
	log.Printf("  - WebSocket: ws://%s/ws", srv.HTTPAddr())
	log.Printf("  - Metrics: http://%s/metrics", srv.HTTPAddr())

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down server...")
	if err := srv.Stop(); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}
	log.Println("Server stopped")
}

// installTracing sends spans to the configured file, or stderr
func installTracing(cfg server.ServerConfig) (func(context.Context) error, error) {
	var out io.Writer = os.Stderr
	var file *os.File
	if cfg.TracingOutput != "" {
		f, err := os.OpenFile(cfg.TracingOutput, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open span output: %w", err)
		}
		out, file = f, f
	}

	shutdown, err := server.InstallTracing(out, cfg.TracingSampleRatio)
	if err != nil {
		if file != nil {
			file.Close()
		}
		return nil, err
	}
	log.Printf("Tracing enabled (sample ratio %.2f)", cfg.TracingSampleRatio)

	return func(ctx context.Context) error {
		err := shutdown(ctx)
		if file != nil {
			file.Close()
		}
		return err
	}, nil
}
