package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aeolun/wirechat/pkg/database"
	"github.com/aeolun/wirechat/pkg/kvstore"
	"github.com/aeolun/wirechat/pkg/msgcache"
	"github.com/aeolun/wirechat/pkg/realtime"
	"github.com/aeolun/wirechat/pkg/sessions"
)

// Server wires the chat listener, the realtime hub and the stores together
type Server struct {
	config ServerConfig

	db       *database.DB
	kv       kvstore.Store
	sessions *sessions.Manager
	cache    *msgcache.Cache

	registry *prometheus.Registry
	metrics  *Metrics
	router   *Router
	hub      *realtime.Hub

	loop         *Loop
	httpServer   *http.Server
	httpListener net.Listener

	ownsStores bool
	startTime  time.Time
	shutdown   chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

// NewServer opens the database and the key-value store named in config
func NewServer(ctx context.Context, config ServerConfig) (*Server, error) {
	dbPath, err := config.GetDatabasePath()
	if err != nil {
		return nil, err
	}
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := database.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	kv, err := kvstore.Open(ctx, config.KVConfig())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to key-value store: %w", err)
	}

	s := New(config, db, kv)
	s.ownsStores = true
	return s, nil
}

// New builds a server on stores owned by the caller
func New(config ServerConfig, db *database.DB, kv kvstore.Store) *Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := NewMetrics(reg)

	sm := sessions.NewManager(kv,
		sessions.WithTTL(config.SessionTTL),
		sessions.WithMaxAttempts(config.SessionMaxAttempts),
	)
	cache := msgcache.New(kv, config.MaxCachedMessages)

	return &Server{
		config:   config,
		db:       db,
		kv:       kv,
		sessions: sm,
		cache:    cache,
		registry: reg,
		metrics:  metrics,
		router: NewRouter(RouterConfig{
			Users:      db,
			Sessions:   sm,
			Messages:   cache,
			StaticDir:  config.StaticDir,
			CookieName: config.CookieName,
			Metrics:    metrics,
		}),
		hub: realtime.NewHub(realtime.Config{
			CookieName:       config.CookieName,
			MessageRateLimit: config.MessageRateLimit,
			TopUsers:         database.DefaultTopUsers,
			Registerer:       reg,
		}, sm, db, cache),
		startTime: time.Now(),
		shutdown:  make(chan struct{}),
	}
}

// Start binds the chat listener and the HTTP side port and starts serving
func (s *Server) Start() error {
	if err := s.seedForbiddenWords(); err != nil {
		return err
	}

	loop, err := Listen(LoopConfig{
		Addr:           s.config.ListenAddr(),
		Backlog:        s.config.Backlog,
		ReadChunkSize:  s.config.ReadChunkSize,
		WriteChunkSize: s.config.WriteChunkSize,
		MaxBodyBytes:   s.config.MaxBodyBytes,
	}, s.router, s.metrics)
	if err != nil {
		return fmt.Errorf("failed to start chat listener: %w", err)
	}
	s.loop = loop
	logListenBacklog(loop.Addr().String(), s.config.Backlog)

	httpAddr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.HTTPPort))
	ln, err := net.Listen("tcp", httpAddr)
	if err != nil {
		loop.Stop()
		return fmt.Errorf("failed to listen on %s: %w", httpAddr, err)
	}
	s.httpListener = ln
	s.httpServer = &http.Server{
		Handler:           s.httpMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Printf("Realtime and metrics listening on %s (ws://%s/ws)", ln.Addr(), ln.Addr())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := loop.Serve(); err != nil {
			errorLog.Printf("Chat loop stopped: %v", err)
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorLog.Printf("HTTP server error: %v", err)
		}
	}()

	s.wg.Add(1)
	go s.monitorListenOverflows()

	return nil
}

// seedForbiddenWords adds the configured words to the mask list. Words
// already stored stay, so removing one from the config does not unmask it.
func (s *Server) seedForbiddenWords() error {
	for _, w := range s.config.ForbiddenWords {
		if err := s.db.AddForbiddenWord(w); err != nil {
			return fmt.Errorf("failed to seed forbidden words: %w", err)
		}
	}
	if n := len(s.config.ForbiddenWords); n > 0 {
		log.Printf("Loaded %d forbidden words from config", n)
	}
	return nil
}

func (s *Server) httpMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/ws", s.hub)
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))
	mux.HandleFunc("/healthz", s.HealthHandler)
	return mux
}

// Stop shuts both listeners down, disconnects every client and closes the
// stores the server opened itself
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.shutdown)

		if s.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if shutdownErr := s.httpServer.Shutdown(ctx); shutdownErr != nil {
				s.httpServer.Close()
			}
			cancel()
		}
		s.hub.Close()
		if s.loop != nil {
			s.loop.Stop()
		}

		s.wg.Wait()

		if s.ownsStores {
			if closeErr := s.kv.Close(); closeErr != nil {
				err = closeErr
			}
			if closeErr := s.db.Close(); closeErr != nil {
				err = closeErr
			}
		}
	})
	return err
}

// Addr returns the chat listener address. Nil before Start.
func (s *Server) Addr() net.Addr {
	if s.loop == nil {
		return nil
	}
	return s.loop.Addr()
}

// HTTPAddr returns the realtime/metrics listener address. Nil before Start.
func (s *Server) HTTPAddr() net.Addr {
	if s.httpListener == nil {
		return nil
	}
	return s.httpListener.Addr()
}

// HealthHandler serves health check status
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":           "healthy",
		"uptime_seconds":   int64(time.Since(s.startTime).Seconds()),
		"realtime_clients": s.hub.Registry().Len(),
	}

	status := http.StatusOK
	if err := s.db.Ping(); err != nil {
		health["database_accessible"] = false
		status = http.StatusServiceUnavailable
	} else {
		health["database_accessible"] = true
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.kv.Ping(ctx); err != nil {
		health["kvstore_accessible"] = false
		status = http.StatusServiceUnavailable
	} else {
		health["kvstore_accessible"] = true
	}
	if status != http.StatusOK {
		health["status"] = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(health); err != nil {
		errorLog.Printf("Error encoding health JSON: %v", err)
	}
}
