// Package relay is the server side of the recording channel. Each websocket
// connection drives one recognizer stream at a time.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"voiceplan/internal/domain"
	"voiceplan/internal/metrics"
	"voiceplan/internal/ports"
)

// Config controls the relay listener and per-connection behavior.
type Config struct {
	Addr     string
	Mode     domain.AggregationMode
	Language string
	// StopTimeout bounds how long stop_recording waits for the recognizer
	// to flush final results before the stream is closed.
	StopTimeout  time.Duration
	PingInterval time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	OutboundSize int
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.Mode == "" {
		c.Mode = domain.ModeReplace
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 4 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 50 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.OutboundSize <= 0 {
		c.OutboundSize = 64
	}
	return c
}

type Server struct {
	cfg      Config
	provider ports.TranscriptionProvider
	logger   *log.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
}

func NewServer(cfg Config, provider ports.TranscriptionProvider, logger *log.Logger, m *metrics.Metrics) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		cfg:      cfg.withDefaults(),
		provider: provider,
		logger:   logger.With("component", "relay"),
		metrics:  m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Routes mounts the websocket endpoint with health and metrics.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", s.metrics.Handler())
	r.Get("/ws", s.handleWebsocket)
	return r
}

// ListenAndServe runs until ctx is cancelled, then shuts the listener down.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("relay listening", "addr", s.cfg.Addr, "mode", s.cfg.Mode)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("relay listener: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}

	conn := &connection{
		id:       uuid.NewString(),
		cfg:      s.cfg,
		ws:       ws,
		provider: s.provider,
		metrics:  s.metrics,
		outbound: make(chan []byte, s.cfg.OutboundSize),
	}
	conn.logger = s.logger.With("conn", conn.id)

	s.metrics.ConnectionOpened()
	defer s.metrics.ConnectionClosed()

	conn.logger.Info("client connected", "remote", r.RemoteAddr)
	if err := conn.run(r.Context()); err != nil {
		conn.logger.Warn("connection ended with error", "err", err)
		return
	}
	conn.logger.Info("client disconnected")
}
