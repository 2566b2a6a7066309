package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/wsgate/gateway/internal/config"
	"github.com/wsgate/gateway/internal/engine"
	"github.com/wsgate/gateway/internal/observability"
	"github.com/wsgate/gateway/internal/session"
)

var ErrTooManySessions = errors.New("ws: too many sessions")

type Server struct {
	config         *config.Config
	store          *session.Store
	engine         engine.Engine
	log            zerolog.Logger
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	authToken      string

	mu      sync.Mutex
	bridges map[string]*bridge
	pending int // slots reserved by upgrades in progress
}

func NewServer(cfg *config.Config, store *session.Store, eng engine.Engine, logger zerolog.Logger) *Server {
	s := &Server{
		config:         cfg,
		store:          store,
		engine:         eng,
		log:            logger.With().Str("component", "ws").Logger(),
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		authToken:      cfg.Server.AuthToken,
		bridges:        make(map[string]*bridge),
	}

	for _, origin := range cfg.Server.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

func (s *Server) SetupRoutes(mux *http.ServeMux) {
	observability.RegisterMetrics()

	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	if dir := s.config.Server.StaticDir; dir != "" {
		s.log.Info().Str("dir", dir).Msg("serving static files")
		mux.Handle("/", securityHeaders(http.FileServer(http.Dir(dir))))
	}
}

// securityHeaders sets the response headers browsers need to keep the
// client page from being framed or sniffed.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if err := s.reserve(); err != nil {
		observability.SessionRejected()
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.release()
		s.log.Warn().Err(err).Msg("ws upgrade error")
		return
	}

	id := session.NewID()
	b, err := newBridge(conn, bridgeConfig{
		id:          id,
		remoteAddr:  r.RemoteAddr,
		engine:      s.engine,
		store:       s.store,
		logger:      s.log,
		tick:        s.config.RDP.WorkerTick.Std(),
		defaultPort: s.config.RDP.DefaultPort,
		onClose:     func() { s.remove(id) },
	})
	if err != nil {
		s.release()
		s.log.Error().Err(err).Msg("rdp session")
		return
	}
	s.add(b)

	s.log.Info().Str("session", id).Str("remote", r.RemoteAddr).Msg("websocket client connected")
	b.connectFromQuery(r.URL.Query())
	go b.readLoop()
}

// reserve claims a session slot ahead of the upgrade.
func (s *Server) reserve() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	limit := s.config.Server.MaxSessions
	if limit > 0 && len(s.bridges)+s.pending >= limit {
		return ErrTooManySessions
	}
	s.pending++
	return nil
}

func (s *Server) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending--
}

func (s *Server) add(b *bridge) {
	s.mu.Lock()
	s.pending--
	s.bridges[b.id] = b
	s.mu.Unlock()
	observability.SessionOpened()
}

func (s *Server) remove(id string) {
	s.mu.Lock()
	_, ok := s.bridges[id]
	delete(s.bridges, id)
	s.mu.Unlock()
	if ok {
		observability.SessionClosed()
	}
}

// SessionCount returns the number of live bridges.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bridges)
}

// CloseAll tears down every live session.
func (s *Server) CloseAll() {
	s.mu.Lock()
	bridges := make([]*bridge, 0, len(s.bridges))
	for _, b := range s.bridges {
		bridges = append(bridges, b)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, b := range bridges {
		wg.Add(1)
		go func(b *bridge) {
			defer wg.Done()
			b.close()
		}(b)
	}
	wg.Wait()
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.store.GetAll())
}

type healthResponse struct {
	Status       string                     `json:"status"`
	Sessions     int                        `json:"sessions"`
	Connected    int                        `json:"connected"`
	Process      observability.ProcessStats `json:"process"`
	ProcessError string                     `json:"processError,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "ok",
		Sessions:  s.store.Count(),
		Connected: s.store.ConnectedCount(),
	}
	stats, err := observability.SampleProcess()
	resp.Process = stats
	if err != nil {
		resp.ProcessError = err.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) authorize(r *http.Request) bool {
	if s.authToken == "" {
		return true
	}

	if r.URL.Query().Get("token") == s.authToken {
		return true
	}

	if r.Header.Get("X-Wsgate-Token") == s.authToken {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.authToken {
		return true
	}

	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}

	if host == r.Host {
		return true
	}

	if strings.HasPrefix(host, "localhost:") || host == "localhost" {
		return true
	}
	if strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1" {
		return true
	}
	if strings.HasPrefix(host, "[::1]:") || host == "::1" {
		return true
	}

	return false
}

// ListenAndServe serves handler on addr until ctx is cancelled, then shuts
// the listener down gracefully.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler, logger zerolog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
