// Package server terminates websocket connections and exposes the
// health and metrics endpoints over one HTTP listener.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/CoinFabrik/mpc-manager/internal/config"
	"github.com/CoinFabrik/mpc-manager/internal/events"
	"github.com/CoinFabrik/mpc-manager/internal/limits"
	"github.com/CoinFabrik/mpc-manager/internal/service"
	"github.com/CoinFabrik/mpc-manager/internal/state"
)

// Server owns the registry, dispatcher and HTTP surface. Build it with
// New and drive it with Run.
type Server struct {
	cfg        *config.Config
	log        zerolog.Logger
	registry   *state.Registry
	dispatcher *service.Dispatcher
	limiter    *limits.ConnectionLimiter
	events     *events.Publisher

	httpSrv   *http.Server
	startTime time.Time

	shuttingDown int32
	connCount    int64
	conns        sync.Map // *connection -> struct{}
	wg           sync.WaitGroup

	stats struct {
		mu         sync.RWMutex
		cpuPercent float64
		memPercent float64
	}
}

// New builds the full server: registry, dispatcher, optional accept
// limiter and optional NATS publisher.
func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	log := logger.With().Str("component", "server").Logger()

	registry := state.NewRegistry(logger)

	var publisher *events.Publisher
	if cfg.NATSURL != "" {
		var err error
		publisher, err = events.Connect(cfg.NATSURL, logger)
		if err != nil {
			return nil, fmt.Errorf("connecting to NATS: %w", err)
		}
		log.Info().Str("url", cfg.NATSURL).Msg("event publishing enabled")
	}

	var limiter *limits.ConnectionLimiter
	if cfg.ConnRate > 0 {
		limiter = limits.NewConnectionLimiter(limits.Config{
			Rate:    cfg.ConnRate,
			Burst:   cfg.ConnBurst,
			IPRate:  cfg.ConnIPRate,
			IPBurst: cfg.ConnIPBurst,
		}, logger)
	}

	s := &Server{
		cfg:        cfg,
		log:        log,
		registry:   registry,
		dispatcher: service.NewDispatcher(registry, publisher, logger),
		limiter:    limiter,
		events:     publisher,
		startTime:  time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWebSocket)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	s.httpSrv = &http.Server{Handler: mux}

	return s, nil
}

// Handler exposes the HTTP surface, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Registry exposes the coordinator state, mainly for tests.
func (s *Server) Registry() *state.Registry {
	return s.registry
}

// Run serves until ctx is cancelled, then shuts down gracefully within
// the configured timeout.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr(), err)
	}
	s.log.Info().Str("addr", ln.Addr().String()).Msg("server listening")

	statsCtx, stopStats := context.WithCancel(context.Background())
	defer stopStats()
	go s.collectStats(statsCtx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpSrv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	return s.shutdown()
}

// shutdown stops accepting, closes every live connection and waits for
// their pumps, bounded by the shutdown timeout.
func (s *Server) shutdown() error {
	atomic.StoreInt32(&s.shuttingDown, 1)
	s.log.Info().Dur("timeout", s.cfg.ShutdownTimeout).Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.log.Warn().Err(err).Msg("http shutdown incomplete")
	}

	s.conns.Range(func(key, _ any) bool {
		key.(*connection).close()
		return true
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn().Msg("connections still draining at deadline")
	}

	if s.limiter != nil {
		s.limiter.Stop()
	}
	s.events.Close()

	s.log.Info().Msg("server stopped")
	return nil
}

// handleWebSocket admits and upgrades a client, then hands the socket
// to its connection goroutine.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if atomic.LoadInt32(&s.shuttingDown) == 1 {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	if s.limiter != nil && !s.limiter.Allow(clientIP(r)) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}
	if s.cfg.MaxConnections > 0 && atomic.LoadInt64(&s.connCount) >= int64(s.cfg.MaxConnections) {
		s.log.Warn().Int("max_connections", s.cfg.MaxConnections).Msg("connection limit reached")
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	atomic.AddInt64(&s.connCount, 1)
	s.wg.Add(1)
	c := newConnection(conn, s.registry, s.dispatcher, s.log)
	s.conns.Store(c, struct{}{})
	go func() {
		defer func() {
			s.conns.Delete(c)
			atomic.AddInt64(&s.connCount, -1)
			s.wg.Done()
		}()
		c.serve()
	}()
}

// handleHealth reports liveness plus coarse resource usage.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.stats.mu.RLock()
	cpuPercent := s.stats.cpuPercent
	memPercent := s.stats.memPercent
	s.stats.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
		"connections":    atomic.LoadInt64(&s.connCount),
		"groups":         s.registry.NumGroups(),
		"goroutines":     runtime.NumGoroutine(),
		"cpu_percent":    cpuPercent,
		"memory_percent": memPercent,
	})
}

// collectStats samples process CPU and memory every two seconds for the
// health endpoint.
func (s *Server) collectStats(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		s.log.Error().Err(err).Msg("failed to inspect own process")
		proc = nil
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var cpuPercent, memPercent float64
			if proc != nil {
				if v, err := proc.CPUPercent(); err == nil {
					cpuPercent = v
				}
				if v, err := proc.MemoryPercent(); err == nil {
					memPercent = float64(v)
				}
			} else if vm, err := mem.VirtualMemory(); err == nil {
				memPercent = vm.UsedPercent
			}

			s.stats.mu.Lock()
			s.stats.cpuPercent = cpuPercent
			s.stats.memPercent = memPercent
			s.stats.mu.Unlock()
		}
	}
}

// clientIP prefers X-Forwarded-For so the limiter sees the real source
// behind a proxy.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
