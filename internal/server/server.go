// Package server is the participant-facing WebSocket server. Each
// connection runs one session: the server hands out trials, feeds browser
// events to the trial controller, mirrors the submit gate back to the page
// and saves the session when the plan is exhausted or the connection ends.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"ratingstudy/internal/config"
	"ratingstudy/internal/control"
	"ratingstudy/internal/health"
	"ratingstudy/internal/logging"
	"ratingstudy/internal/metrics"
	"ratingstudy/internal/security"
	"ratingstudy/internal/session"
	"ratingstudy/internal/stimulus"
)

// Settings are applied to sessions started after they are set.
type Settings struct {
	Controls      []control.Spec
	Scheme        stimulus.Scheme
	ClientVersion string
	Seed          uint64
	CompletionURL string

	AllowedOrigins []string

	PingInterval      time.Duration
	MessagesPerSecond float64
	MessageBurst      int
	MaxMessageBytes   int64
}

// SettingsFromConfig extracts the server settings from cfg.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		Controls:          slices.Clone(cfg.Study.Controls),
		Scheme:            cfg.Study.Stimulus,
		ClientVersion:     cfg.Study.ClientVersion,
		Seed:              cfg.Study.Seed,
		CompletionURL:     cfg.Study.CompletionURL,
		AllowedOrigins:    slices.Clone(cfg.Server.AllowedOrigins),
		PingInterval:      cfg.PingInterval(),
		MessagesPerSecond: cfg.Limits.MessagesPerSecond,
		MessageBurst:      cfg.Limits.MessageBurst,
		MaxMessageBytes:   cfg.Limits.MaxMessageBytes,
	}
}

// Options are the fixed collaborators of a Server.
type Options struct {
	Persister session.Persister
	Validator session.Validator

	// Metrics defaults to study metrics in a private registry.
	Metrics *metrics.StudyMetrics
	Logger  *logging.Logger
	Audit   *logging.AuditLogger
	Crash   *logging.CrashHandler

	// Health receives a connection capacity check and backs /healthz.
	// Register store and disk checks on it before serving.
	Health *health.Checker

	// MaxConnections and MaxConnectionsPerIP bound concurrent sockets.
	// Zero is unlimited.
	MaxConnections      int
	MaxConnectionsPerIP int

	// StaticDir, when set, is served at /.
	StaticDir string

	// SaveTimeout bounds the final save of a session. Default 10s.
	SaveTimeout time.Duration
}

// Server accepts participant connections.
type Server struct {
	mu       sync.RWMutex
	settings Settings

	persister session.Persister
	validator session.Validator
	metrics   *metrics.StudyMetrics
	logger    *logging.Logger
	audit     *logging.AuditLogger
	crash     *logging.CrashHandler
	health    *health.Checker

	limiter     *security.ConnectionLimiter
	upgrader    websocket.Upgrader
	saveTimeout time.Duration
	mux         *http.ServeMux

	connsMu sync.Mutex
	conns   map[*conn]struct{}
	wg      sync.WaitGroup
	closing atomic.Bool
}

// New creates a Server.
func New(settings Settings, opts Options) (*Server, error) {
	if err := validateSettings(settings); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.FromSlog(nil)
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.NewStudyMetrics(metrics.NewRegistry("ratingstudy", ""))
	}
	crash := opts.Crash
	if crash == nil {
		crash = logging.NewCrashHandler(logging.CrashConfig{Component: "server", Logger: logger.Logger})
	}
	if opts.SaveTimeout <= 0 {
		opts.SaveTimeout = 10 * time.Second
	}
	checker := opts.Health
	if checker == nil {
		checker = health.NewChecker()
	}

	s := &Server{
		settings:    settings,
		persister:   opts.Persister,
		validator:   opts.Validator,
		metrics:     m,
		logger:      logger.WithComponent("server"),
		audit:       opts.Audit,
		crash:       crash,
		health:      checker,
		limiter:     security.NewConnectionLimiter(opts.MaxConnections, opts.MaxConnectionsPerIP),
		saveTimeout: opts.SaveTimeout,
		conns:       make(map[*conn]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	checker.RegisterFunc("connections", false,
		health.CapacityCheck(s.Connections, opts.MaxConnections, 0.9))
	checker.SetReady(true)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.Handle("GET /healthz", checker.ReadinessHandler())
	mux.Handle("GET /livez", checker.LivenessHandler())
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	if opts.StaticDir != "" {
		mux.Handle("GET /", http.FileServer(http.Dir(opts.StaticDir)))
	}
	s.mux = mux
	return s, nil
}

func validateSettings(st Settings) error {
	if err := control.ValidateSet(st.Controls); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := st.Scheme.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if st.PingInterval <= 0 || st.MessagesPerSecond <= 0 || st.MessageBurst < 1 || st.MaxMessageBytes <= 0 {
		return errors.New("server: connection limits must be positive")
	}
	return nil
}

// Apply swaps in new settings. Running sessions keep the settings they
// started with.
func (s *Server) Apply(settings Settings) error {
	if err := validateSettings(settings); err != nil {
		return err
	}
	s.mu.Lock()
	s.settings = settings
	s.mu.Unlock()
	s.logger.Info("settings applied", "controls", len(settings.Controls), "seed", settings.Seed)
	return nil
}

// Settings returns the current settings.
func (s *Server) Settings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.settings
	st.Controls = slices.Clone(st.Controls)
	st.AllowedOrigins = slices.Clone(st.AllowedOrigins)
	return st
}

// Handler returns the HTTP handler serving /ws, /healthz, /livez,
// /metrics and the static client.
func (s *Server) Handler() http.Handler { return s.mux }

// Serve serves on ln until ctx is cancelled, then shuts down within
// shutdownTimeout, saving sessions still in progress.
func (s *Server) Serve(ctx context.Context, ln net.Listener, readHeaderTimeout, shutdownTimeout time.Duration) error {
	hs := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}

	errc := make(chan error, 1)
	go func() { errc <- hs.Serve(ln) }()
	s.logger.Info("listening", "addr", ln.Addr().String())

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := hs.Shutdown(shutdownCtx)
	if serr := s.Shutdown(shutdownCtx); err == nil {
		err = serr
	}
	if serveErr := <-errc; !errors.Is(serveErr, http.ErrServerClosed) && err == nil {
		err = serveErr
	}
	return err
}

// Shutdown refuses new connections, closes the open ones and waits for
// their sessions to be saved.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closing.Store(true)
	s.health.SetReady(false)

	s.connsMu.Lock()
	open := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		open = append(open, c)
	}
	s.connsMu.Unlock()

	s.logger.Info("shutting down", "connections", len(open))
	for _, c := range open {
		c.goAway()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("server: shutdown: %w", ctx.Err())
	}
}

// Connections returns the number of open participant connections.
func (s *Server) Connections() int {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	return len(s.conns)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}

	s.mu.RLock()
	allowed := s.settings.AllowedOrigins
	s.mu.RUnlock()
	if len(allowed) == 0 {
		return strings.EqualFold(u.Host, r.Host)
	}
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.closing.Load() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	ip := clientIP(r)
	if !s.limiter.Acquire(ip) {
		s.metrics.ConnectionRejected()
		s.logger.Warn("connection rejected", "remote", ip, "open", s.limiter.Current())
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	settings := s.Settings()
	id := s.logger.NewConnID()
	logger := s.logger.WithConnID(id)

	sess, err := s.newSession(r.URL.Query(), settings, logger)
	if err != nil {
		s.limiter.Release(ip)
		logger.Error("create session", "error", err)
		http.Error(w, "could not start session", http.StatusInternalServerError)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.limiter.Release(ip)
		logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	ctx := logging.ContextWithConnID(context.Background(), id)
	c := &conn{
		srv:          s,
		ws:           ws,
		id:           id,
		ip:           ip,
		logger:       logger,
		sendCh:       make(chan []byte, sendBuffer),
		limiter:      security.NewRateLimiter(settings.MessagesPerSecond, settings.MessageBurst),
		pingInterval: settings.PingInterval,
		maxMessage:   settings.MaxMessageBytes,
	}
	c.runner = &runner{
		ctx:         ctx,
		sess:        sess,
		out:         c,
		metrics:     s.metrics,
		audit:       s.audit,
		logger:      logger.Logger,
		saveTimeout: s.saveTimeout,
		completion:  settings.CompletionURL,
	}

	s.track(c)
	go func() {
		defer s.untrack(c)
		c.run()
	}()
}

func (s *Server) newSession(q url.Values, st Settings, logger *logging.Logger) (*session.Context, error) {
	var rng *rand.Rand
	if st.Seed != 0 {
		rng = rand.New(rand.NewPCG(st.Seed, st.Seed))
	}
	plan, err := stimulus.NewPlan(st.Scheme, rng)
	if err != nil {
		return nil, err
	}
	return session.New(session.ResolveParticipant(q), st.Controls, plan, session.Options{
		ClientVersion: st.ClientVersion,
		Persister:     s.persister,
		Validator:     s.validator,
		Logger:        logger.Logger,
	})
}

func (s *Server) track(c *conn) {
	s.wg.Add(1)
	s.connsMu.Lock()
	s.conns[c] = struct{}{}
	s.connsMu.Unlock()
	s.metrics.ConnectionOpened()
	if s.closing.Load() {
		c.goAway()
	}
}

func (s *Server) untrack(c *conn) {
	s.connsMu.Lock()
	delete(s.conns, c)
	s.connsMu.Unlock()
	s.limiter.Release(c.ip)
	s.metrics.ConnectionClosed()
	s.wg.Done()
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.metrics.UpdateUptime()
	s.metrics.Registry().HTTPHandler().ServeHTTP(w, r)
}
