// Package server wires statuscard's public API server and admin server.
// The main server serves presence JSON and status cards behind the
// admission stack; the admin server exposes health checks, readiness probes,
// Prometheus metrics and the status snapshot.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/statuscard/statuscard/internal/admission"
	"github.com/statuscard/statuscard/internal/card"
	"github.com/statuscard/statuscard/internal/config"
	"github.com/statuscard/statuscard/internal/middleware"
	"github.com/statuscard/statuscard/internal/observability"
	"github.com/statuscard/statuscard/internal/presence"
	iredis "github.com/statuscard/statuscard/internal/redis"
	"github.com/statuscard/statuscard/internal/render"
	"github.com/statuscard/statuscard/internal/shutdown"
	"github.com/statuscard/statuscard/internal/supervisor"
)

// Option replaces a production dependency.
type Option func(*deps)

type deps struct {
	provider presence.Provider
	conn     supervisor.Connection
	engine   render.Engine
	registry *prometheus.Registry
}

// WithUpstream supplies the presence provider and the connection the
// supervisor keeps alive, instead of a Discord gateway.
func WithUpstream(p presence.Provider, conn supervisor.Connection) Option {
	return func(d *deps) { d.provider, d.conn = p, conn }
}

// WithEngine supplies the rendering engine instead of headless Chrome.
func WithEngine(e render.Engine) Option {
	return func(d *deps) { d.engine = e }
}

// WithRegistry registers metrics on reg instead of a fresh registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(d *deps) { d.registry = reg }
}

// Server is the statuscard service.
type Server struct {
	mu     sync.Mutex
	cfg    *config.Config
	logger *slog.Logger

	version       string
	tracing       config.TracingConfig
	sweepInterval time.Duration
	mainServer    *http.Server
	adminServer   *http.Server
	health        *observability.HealthChecker
	metrics       *observability.Metrics

	admission  *admission.Controller
	gate       *middleware.Admission
	store      *admission.RedisStore // nil with in-process counters
	conn       supervisor.Connection
	supervisor *supervisor.Supervisor
	pool       *render.Pool  // nil when rendering is disabled
	cache      *render.Cache // nil when rendering is disabled
	shutdown   *shutdown.Coordinator
}

// New builds the service from cfg. Nothing listens or connects until Run.
func New(cfg *config.Config, logger *slog.Logger, version string, opts ...Option) (*Server, error) {
	var d deps
	for _, o := range opts {
		o(&d)
	}

	reg := d.registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		reg.MustRegister(collectors.NewGoCollector())
	}
	metrics := observability.NewMetrics(reg)
	health := observability.NewHealthChecker()

	s := &Server{
		cfg:           cfg,
		logger:        logger,
		version:       version,
		tracing:       cfg.Tracing,
		sweepInterval: config.MustParseDuration(cfg.Admission.Burst.SweepInterval, 5*time.Second),
		health:        health,
		metrics:       metrics,
		shutdown:      shutdown.New(config.MustParseDuration(cfg.Server.DrainTimeout, 30*time.Second), logger),
	}

	store, err := s.buildStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	var ws admission.WindowStore
	if store != nil {
		s.store = store
		ws = store
	}
	s.admission = admission.New(cfg.Admission, ws, metrics, logger)

	keys, err := admission.NewKeyStrategy(cfg.Admission.KeyStrategy)
	if err != nil {
		return nil, fmt.Errorf("create key strategy: %w", err)
	}
	s.gate = middleware.NewAdmission(s.admission, keys, logger)

	provider, conn := d.provider, d.conn
	if provider == nil || conn == nil {
		gw, err := presence.NewGateway(cfg.Discord.Token.Value(), config.MustParseDuration(cfg.Discord.OpenTimeout, 15*time.Second), logger)
		if err != nil {
			return nil, fmt.Errorf("create gateway: %w", err)
		}
		provider = presence.NewDiscord(presence.SessionSource{Session: gw.Session(), Logger: logger}, cfg.Discord.GuildID,
			config.MustParseDuration(cfg.Discord.FetchTimeout, 5*time.Second), metrics, logger)
		conn = gw
	}
	s.conn = conn
	s.supervisor = supervisor.New(conn, cfg.Supervisor, metrics, logger)
	health.SetUpstreamChecker(s.supervisor)

	var images render.ImageRenderer
	if cfg.Render.Enabled {
		images, err = s.buildRenderer(cfg.Render, d.engine, logger)
		if err != nil {
			return nil, err
		}
	}

	cards, err := card.NewBuilder()
	if err != nil {
		return nil, err
	}

	h := &handlers{
		provider: provider,
		cards:    cards,
		images:   images,
		status:   s.Status,
		logger:   logger.With("component", "api"),
	}
	s.mainServer = buildMainServer(cfg, s.routes(h, config.MustParseDuration(cfg.Server.RequestTimeout, 45*time.Second)))
	s.adminServer = buildAdminServer(cfg, health, reg, h)

	s.registerShutdownSteps()
	return s, nil
}

// buildStore connects the shared counter store when configured. With the
// passthrough policy an unreachable Redis falls back to in-process counters.
func (s *Server) buildStore(cfg *config.Config, logger *slog.Logger) (*admission.RedisStore, error) {
	if cfg.Admission.Store != config.StoreRedis {
		return nil, nil
	}
	iredis.InitLogger(logger)
	iredis.WarnInsecureRedis(cfg.Redis.TLS, logger)

	client, err := iredis.NewClient(context.Background(), cfg.Redis)
	if err != nil {
		if cfg.Admission.FailurePolicy == config.FailurePolicyFailClosed {
			return nil, fmt.Errorf("connect admission store: %w", err)
		}
		logger.Warn("admission store unreachable, using in-process counters", "error", err)
		return nil, nil
	}
	return admission.NewRedisStore(client, cfg.Admission.KeyPrefix), nil
}

func (s *Server) buildRenderer(cfg config.RenderConfig, engine render.Engine, logger *slog.Logger) (render.ImageRenderer, error) {
	if engine == nil {
		engine = render.NewChromeEngine(cfg, render.NewPolicy(cfg.AllowedOrigins, cfg.BlockedResourceTypes), logger)
	}
	s.pool = render.NewPool(engine, cfg.MaxWorkers, logger,
		render.WithWorkerTimeout(config.MustParseDuration(cfg.WorkerTimeout, 10*time.Second)),
		render.WithOnChange(func(st render.Stats) { s.metrics.SetPoolUsage(st.Idle, st.InUse) }),
	)
	renderer := render.NewRenderer(s.pool, render.Timeouts{
		Acquire:  config.MustParseDuration(cfg.AcquireTimeout, 10*time.Second),
		Load:     config.MustParseDuration(cfg.LoadTimeout, 5*time.Second),
		Images:   config.MustParseDuration(cfg.ImagesTimeout, 5*time.Second),
		PerImage: config.MustParseDuration(cfg.ImageTimeout, 3*time.Second),
		Measure:  config.MustParseDuration(cfg.MeasureTimeout, 2*time.Second),
		Capture:  config.MustParseDuration(cfg.CaptureTimeout, 5*time.Second),
	}, cfg.Selector, cfg.Scale, s.metrics, logger)

	cache, err := render.NewCache(renderer, cfg.CacheMaxBytes, config.MustParseDuration(cfg.CacheTTL, 30*time.Second), s.metrics)
	if err != nil {
		return nil, fmt.Errorf("create render cache: %w", err)
	}
	s.cache = cache
	return cache, nil
}

func (s *Server) routes(h *handlers, requestTimeout time.Duration) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Instrument(s.metrics))
	r.Use(middleware.Recover(s.logger))
	if requestTimeout > 0 {
		r.Use(chimw.Timeout(requestTimeout))
	}
	r.NotFound(notFound)

	r.With(s.gate.Tier(admission.TierAPI)).Get("/presence/{id}", h.presence)
	r.With(s.gate.Tier(admission.TierRender)).Get("/presence/{id}/card", h.card)
	r.Get("/status", h.statusHandler)
	return r
}

func buildMainServer(cfg *config.Config, handler http.Handler) *http.Server {
	readTimeout, _ := config.ParseDuration(cfg.Server.ReadTimeout, 30*time.Second)
	writeTimeout, _ := config.ParseDuration(cfg.Server.WriteTimeout, 60*time.Second)
	idleTimeout, _ := config.ParseDuration(cfg.Server.IdleTimeout, 120*time.Second)

	return &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           h2c.NewHandler(handler, &http2.Server{}),
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
		BaseContext: func(_ net.Listener) context.Context {
			return context.Background()
		},
	}
}

func buildAdminServer(cfg *config.Config, health *observability.HealthChecker, reg *prometheus.Registry, h *handlers) *http.Server {
	adminReadTimeout, _ := config.ParseDuration(cfg.Admin.ReadTimeout, 5*time.Second)
	adminWriteTimeout, _ := config.ParseDuration(cfg.Admin.WriteTimeout, 10*time.Second)
	adminIdleTimeout, _ := config.ParseDuration(cfg.Admin.IdleTimeout, 30*time.Second)

	adminMux := http.NewServeMux()
	adminMux.Handle("/startz", health.StartzHandler())
	adminMux.Handle("/healthz", health.HealthzHandler())
	adminMux.Handle("/readyz", health.ReadyzHandler())
	adminMux.HandleFunc("/status", h.statusHandler)
	adminMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	return &http.Server{
		Addr:              cfg.Admin.Address,
		Handler:           adminMux,
		ReadTimeout:       adminReadTimeout,
		WriteTimeout:      adminWriteTimeout,
		IdleTimeout:       adminIdleTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
}

// Status returns the operational snapshot.
func (s *Server) Status() Status {
	st := Status{
		Version:       s.version,
		Connection:    s.supervisor.Snapshot(),
		ActiveClients: s.admission.TrackedClients(),
	}
	if s.pool != nil {
		ps := s.pool.Stats()
		st.Pool = &ps
	}
	return st
}

// registerShutdownSteps fixes the teardown order: stop accepting requests,
// close the rendering engine and its workers, close the upstream
// connection, then the admin surface.
func (s *Server) registerShutdownSteps() {
	s.shutdown.Add("main server", func(ctx context.Context) error {
		s.health.SetNotReady()
		return s.mainServer.Shutdown(ctx)
	})
	if s.pool != nil {
		s.shutdown.Add("render engine", func(context.Context) error {
			s.cache.Close()
			return s.pool.Close()
		})
	}
	s.shutdown.Add("upstream connection", func(context.Context) error {
		return s.conn.Disconnect()
	})
	if s.store != nil {
		s.shutdown.Add("admission store", func(context.Context) error {
			return s.store.Close()
		})
	}
	s.shutdown.Add("admin server", func(ctx context.Context) error {
		return s.adminServer.Shutdown(ctx)
	})
}

// Run serves until ctx is canceled or a background task fails, then runs
// the shutdown sequence and returns the process exit code.
func (s *Server) Run(ctx context.Context) int {
	tracingShutdown, err := observability.InitTracing(ctx, s.tracing, s.version)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		tracingShutdown = func(context.Context) error { return nil }
	}
	s.shutdown.Add("tracing", tracingShutdown)

	// Bind before serving so readiness is only reported once the listener
	// can accept connections.
	ln, err := net.Listen("tcp", s.mainServer.Addr)
	if err != nil {
		s.logger.Error("main server listen failed", "address", s.mainServer.Addr, "error", err)
		s.shutdown.Trigger("listen", err)
		return s.shutdown.Run(context.Background())
	}
	adminLn, err := net.Listen("tcp", s.adminServer.Addr)
	if err != nil {
		_ = ln.Close()
		s.logger.Error("admin server listen failed", "address", s.adminServer.Addr, "error", err)
		s.shutdown.Trigger("listen", err)
		return s.shutdown.Run(context.Background())
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.logger.Info("admin server starting", "address", adminLn.Addr().String())
	s.shutdown.Go("admin server", func() error {
		return serve(s.adminServer, adminLn, "admin server")
	})
	s.logger.Info("api server starting", "address", ln.Addr().String(), "render", s.pool != nil)
	s.shutdown.Go("main server", func() error {
		return serve(s.mainServer, ln, "main server")
	})
	s.shutdown.Go("supervisor", func() error {
		return s.supervisor.Run(runCtx)
	})
	s.shutdown.Go("admission sweeper", func() error {
		s.admission.RunSweeper(runCtx, s.sweepInterval)
		return nil
	})

	s.health.SetStarted()
	s.health.SetReady()
	s.logger.Info("statuscard is ready", "version", s.version)

	select {
	case <-ctx.Done():
		s.shutdown.Trigger("signal", nil)
	case <-s.shutdown.Triggered():
	}
	cancel()

	return s.shutdown.Run(context.Background())
}

func serve(srv *http.Server, ln net.Listener, name string) error {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// Reload hot-swaps admission limits, slowdown parameters, failure policy and
// the client key strategy. Fields that need a restart are logged and kept.
func (s *Server) Reload(newCfg *config.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if fields := newCfg.RequiresRestart(s.cfg); len(fields) > 0 {
		s.logger.Warn("config changes require a restart and were not applied", "fields", fields)
	}

	keys, err := admission.NewKeyStrategy(newCfg.Admission.KeyStrategy)
	if err != nil {
		return fmt.Errorf("reload key strategy: %w", err)
	}
	s.admission.Reload(newCfg.Admission)
	s.gate.SetKeyStrategy(keys)

	// keep restart-only fields so later diffs compare against what runs
	kept := *newCfg
	kept.Server.Address = s.cfg.Server.Address
	kept.Admin.Address = s.cfg.Admin.Address
	kept.Admission.Store = s.cfg.Admission.Store
	kept.Render.MaxWorkers = s.cfg.Render.MaxWorkers
	kept.Discord = s.cfg.Discord
	s.cfg = &kept

	s.logger.Info("config reloaded")
	return nil
}
