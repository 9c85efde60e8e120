package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statuscard/statuscard/internal/apperror"
	"github.com/statuscard/statuscard/internal/config"
	"github.com/statuscard/statuscard/internal/presence"
	"github.com/statuscard/statuscard/internal/render"
	"github.com/statuscard/statuscard/internal/shutdown"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var fakePNG = []byte("\x89PNG\r\n\x1a\nfake")

type fakeProvider struct {
	calls atomic.Int32
}

func (p *fakeProvider) Fetch(_ context.Context, id string) (*presence.Presence, error) {
	p.calls.Add(1)
	switch id {
	case "123":
		return &presence.Presence{
			User:       presence.User{ID: "123", Username: "ada", Tag: "ada", AvatarURL: "https://cdn.discordapp.com/embed/avatars/0.png"},
			State:      presence.State{Status: "online", ClientStatus: map[string]string{"web": "online"}},
			Activities: []presence.Activity{},
		}, nil
	case "502":
		return nil, apperror.Unavailable("presence", "upstream request failed", nil)
	case "500":
		panic("provider exploded")
	}
	return nil, apperror.NotFound("presence", "unknown user", nil)
}

type fakeConn struct {
	connectErr  error
	connects    atomic.Int32
	disconnects atomic.Int32
	lost        chan struct{}
}

func newFakeConn() *fakeConn { return &fakeConn{lost: make(chan struct{}, 1)} }

func (c *fakeConn) Connect(context.Context) error {
	c.connects.Add(1)
	return c.connectErr
}
func (c *fakeConn) Disconnect() error     { c.disconnects.Add(1); return nil }
func (c *fakeConn) Alive() bool           { return c.connectErr == nil }
func (c *fakeConn) Lost() <-chan struct{} { return c.lost }

type fakeEngine struct {
	mu      sync.Mutex
	running bool
	closed  atomic.Int32
}

func (e *fakeEngine) Start(context.Context) error {
	e.mu.Lock()
	e.running = true
	e.mu.Unlock()
	return nil
}

func (e *fakeEngine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *fakeEngine) NewSession(context.Context) (render.Session, error) { return fakeSession{}, nil }

func (e *fakeEngine) Close() error {
	e.closed.Add(1)
	e.mu.Lock()
	e.running = false
	e.mu.Unlock()
	return nil
}

type fakeSession struct{}

func (fakeSession) Load(context.Context, string) error              { return nil }
func (fakeSession) WaitImages(context.Context, time.Duration) error { return nil }
func (fakeSession) Measure(context.Context, string) (render.Box, error) {
	return render.Box{Width: 320, Height: 112}, nil
}
func (fakeSession) Resize(context.Context, render.Box, float64) error   { return nil }
func (fakeSession) Capture(context.Context, render.Box) ([]byte, error) { return fakePNG, nil }
func (fakeSession) Reset(context.Context) error                         { return nil }
func (fakeSession) Close() error                                        { return nil }

type fixture struct {
	srv      *Server
	provider *fakeProvider
	conn     *fakeConn
	engine   *fakeEngine
}

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Server.Address = "127.0.0.1:0"
	cfg.Admin.Address = "127.0.0.1:0"
	cfg.Server.DrainTimeout = "2s"
	cfg.Supervisor.BaseDelay = "1ms"
	return cfg
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}
	f := &fixture{provider: &fakeProvider{}, conn: newFakeConn(), engine: &fakeEngine{}}
	srv, err := New(cfg, testLogger(), "test", WithUpstream(f.provider, f.conn), WithEngine(f.engine))
	require.NoError(t, err)
	f.srv = srv
	return f
}

func (f *fixture) get(path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rr := httptest.NewRecorder()
	f.srv.mainServer.Handler.ServeHTTP(rr, req)
	return rr
}

func (f *fixture) admin(path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rr := httptest.NewRecorder()
	f.srv.adminServer.Handler.ServeHTTP(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) apperror.Body {
	t.Helper()
	var body apperror.Body
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	return body
}

func TestPresenceRoute(t *testing.T) {
	t.Run("returns the presence payload", func(t *testing.T) {
		f := newFixture(t, nil)
		rr := f.get("/presence/123")

		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
		assert.NotEmpty(t, rr.Header().Get("X-Request-Id"))
		assert.Equal(t, "100", rr.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, "99", rr.Header().Get("X-RateLimit-Remaining"))

		var p presence.Presence
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &p))
		assert.Equal(t, "ada", p.User.Username)
		assert.Equal(t, "online", p.State.Status)
	})

	t.Run("unknown user is a 404 body", func(t *testing.T) {
		f := newFixture(t, nil)
		rr := f.get("/presence/404")

		require.Equal(t, http.StatusNotFound, rr.Code)
		body := decodeError(t, rr)
		assert.Equal(t, "not_found", body.Error)
		assert.Equal(t, rr.Header().Get("X-Request-Id"), body.RequestID)
	})

	t.Run("upstream failure is a 502 body", func(t *testing.T) {
		f := newFixture(t, nil)
		rr := f.get("/presence/502")

		require.Equal(t, http.StatusBadGateway, rr.Code)
		assert.Equal(t, "upstream_unavailable", decodeError(t, rr).Error)
	})

	t.Run("handler panic is a 500 and recorded as one", func(t *testing.T) {
		f := newFixture(t, nil)
		rr := f.get("/presence/500")

		require.Equal(t, http.StatusInternalServerError, rr.Code)
		assert.Equal(t, "internal", decodeError(t, rr).Error)
		require.Equal(t, 1, testutil.CollectAndCount(f.srv.metrics.PromRequestDuration))
		_, err := f.srv.metrics.PromRequestDuration.GetMetricWithLabelValues("/presence/{id}", "500")
		require.NoError(t, err)
		assert.Equal(t, 1, testutil.CollectAndCount(f.srv.metrics.PromRequestDuration))
	})

	t.Run("eleventh request inside the burst window is throttled", func(t *testing.T) {
		f := newFixture(t, nil)
		for i := range 10 {
			require.Equal(t, http.StatusOK, f.get("/presence/123").Code, "request %d", i+1)
		}
		rr := f.get("/presence/123")

		require.Equal(t, http.StatusTooManyRequests, rr.Code)
		assert.NotEmpty(t, rr.Header().Get("Retry-After"))
		assert.Equal(t, "throttled", decodeError(t, rr).Error)
		assert.Equal(t, int32(10), f.provider.calls.Load())
	})

	t.Run("unknown route is a JSON 404", func(t *testing.T) {
		f := newFixture(t, nil)
		rr := f.get("/nope")

		require.Equal(t, http.StatusNotFound, rr.Code)
		assert.Equal(t, "not_found", decodeError(t, rr).Error)
	})
}

func TestCardRoute(t *testing.T) {
	t.Run("html by default", func(t *testing.T) {
		f := newFixture(t, nil)
		rr := f.get("/presence/123/card")

		require.Equal(t, http.StatusOK, rr.Code)
		assert.Contains(t, rr.Header().Get("Content-Type"), "text/html")
		assert.Contains(t, rr.Body.String(), `id="card"`)
		assert.Equal(t, "20", rr.Header().Get("X-RateLimit-Limit"))
	})

	for _, query := range []string{"?image=true", "?format=png"} {
		t.Run("png with "+query, func(t *testing.T) {
			f := newFixture(t, nil)
			rr := f.get("/presence/123/card" + query)

			require.Equal(t, http.StatusOK, rr.Code)
			assert.Equal(t, "image/png", rr.Header().Get("Content-Type"))
			assert.Equal(t, fakePNG, rr.Body.Bytes())

			st := f.srv.pool.Stats()
			assert.Equal(t, 1, st.Idle)
			assert.Equal(t, 0, st.InUse)
		})
	}

	t.Run("image request with rendering disabled", func(t *testing.T) {
		f := newFixture(t, func(c *config.Config) { c.Render.Enabled = false })
		rr := f.get("/presence/123/card?image=true")

		require.Equal(t, http.StatusNotFound, rr.Code)
		assert.Nil(t, f.srv.pool)
	})

	t.Run("unknown user never reaches the renderer", func(t *testing.T) {
		f := newFixture(t, nil)
		rr := f.get("/presence/404/card?image=true")

		require.Equal(t, http.StatusNotFound, rr.Code)
		assert.Equal(t, int64(0), f.srv.pool.Stats().Created)
	})
}

func TestStatusRoutes(t *testing.T) {
	f := newFixture(t, nil)
	f.get("/presence/123")

	for _, rr := range []*httptest.ResponseRecorder{f.get("/status"), f.admin("/status")} {
		require.Equal(t, http.StatusOK, rr.Code)

		var st Status
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &st))
		assert.Equal(t, "test", st.Version)
		assert.Equal(t, "connecting", st.Connection.State)
		assert.Equal(t, 0, st.Connection.ReconnectAttempts)
		require.NotNil(t, st.Pool)
		assert.Equal(t, 3, st.Pool.Capacity)
		assert.False(t, st.Pool.EngineRunning)
		assert.Equal(t, 1, st.ActiveClients)
	}
}

func TestAdminRoutes(t *testing.T) {
	f := newFixture(t, nil)

	assert.Equal(t, http.StatusServiceUnavailable, f.admin("/startz").Code)
	assert.Equal(t, http.StatusOK, f.admin("/healthz").Code)
	assert.Equal(t, http.StatusServiceUnavailable, f.admin("/readyz").Code)

	f.srv.health.SetStarted()
	f.srv.health.SetReady()
	assert.Equal(t, http.StatusOK, f.admin("/startz").Code)
	assert.Equal(t, http.StatusOK, f.admin("/readyz").Code)
	// the supervisor has not connected yet
	assert.Equal(t, http.StatusServiceUnavailable, f.admin("/readyz?deep=true").Code)

	f.get("/presence/123")
	rr := f.admin("/metrics")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "statuscard_admission_admitted_total")
}

func TestReload(t *testing.T) {
	t.Run("admission limits change without restart", func(t *testing.T) {
		f := newFixture(t, nil)

		next := testConfig()
		next.Admission.Burst.Limit = 2
		require.NoError(t, f.srv.Reload(next))

		assert.Equal(t, http.StatusOK, f.get("/presence/123").Code)
		assert.Equal(t, http.StatusOK, f.get("/presence/123").Code)
		assert.Equal(t, http.StatusTooManyRequests, f.get("/presence/123").Code)
	})

	t.Run("restart-only fields are kept", func(t *testing.T) {
		f := newFixture(t, nil)

		next := testConfig()
		next.Render.MaxWorkers = 9
		next.Server.Address = "127.0.0.1:1"
		require.NoError(t, f.srv.Reload(next))

		assert.Equal(t, 3, f.srv.pool.Stats().Capacity)
		assert.Equal(t, 3, f.srv.cfg.Render.MaxWorkers)
		assert.Equal(t, "127.0.0.1:0", f.srv.cfg.Server.Address)
	})

	t.Run("invalid key strategy is rejected", func(t *testing.T) {
		f := newFixture(t, nil)

		next := testConfig()
		next.Admission.KeyStrategy = config.KeyStrategyConfig{Type: "bogus"}
		assert.Error(t, f.srv.Reload(next))
	})
}

func TestNew(t *testing.T) {
	t.Run("redis store with miniredis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		f := newFixture(t, func(c *config.Config) {
			c.Admission.Store = config.StoreRedis
			c.Redis.Endpoints = []string{mr.Addr()}
		})
		require.NotNil(t, f.srv.store)

		assert.Equal(t, http.StatusOK, f.get("/presence/123").Code)
		assert.NotEmpty(t, mr.Keys())
	})

	t.Run("unreachable redis falls back under passthrough", func(t *testing.T) {
		f := newFixture(t, func(c *config.Config) {
			c.Admission.Store = config.StoreRedis
			c.Admission.FailurePolicy = config.FailurePolicyPassThrough
			c.Redis.Endpoints = []string{"127.0.0.1:1"}
			c.Redis.DialTimeout = "100ms"
		})
		assert.Nil(t, f.srv.store)
		assert.Equal(t, http.StatusOK, f.get("/presence/123").Code)
	})

	t.Run("unreachable redis is fatal under failclosed", func(t *testing.T) {
		cfg := testConfig()
		cfg.Admission.Store = config.StoreRedis
		cfg.Admission.FailurePolicy = config.FailurePolicyFailClosed
		cfg.Redis.Endpoints = []string{"127.0.0.1:1"}
		cfg.Redis.DialTimeout = "100ms"

		_, err := New(cfg, testLogger(), "test", WithUpstream(&fakeProvider{}, newFakeConn()))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "connect admission store")
	})
}

func TestRun(t *testing.T) {
	t.Run("signal shuts down cleanly in order", func(t *testing.T) {
		f := newFixture(t, nil)
		ctx, cancel := context.WithCancel(context.Background())

		done := make(chan int, 1)
		go func() { done <- f.srv.Run(ctx) }()

		require.Eventually(t, func() bool { return f.srv.health.IsReady() }, 2*time.Second, time.Millisecond)
		require.Eventually(t, func() bool { return f.conn.connects.Load() == 1 }, 2*time.Second, time.Millisecond)
		cancel()

		select {
		case code := <-done:
			assert.Equal(t, shutdown.ExitOK, code)
		case <-time.After(5 * time.Second):
			t.Fatal("Run did not return")
		}
		assert.False(t, f.srv.health.IsReady())
		assert.Equal(t, int32(1), f.engine.closed.Load())
		assert.GreaterOrEqual(t, f.conn.disconnects.Load(), int32(1))
	})

	t.Run("fatal upstream error exits 1", func(t *testing.T) {
		f := newFixture(t, nil)
		f.conn.connectErr = apperror.Fatal("gateway open", assert.AnError)

		done := make(chan int, 1)
		go func() { done <- f.srv.Run(context.Background()) }()

		select {
		case code := <-done:
			assert.Equal(t, shutdown.ExitFailure, code)
		case <-time.After(5 * time.Second):
			t.Fatal("Run did not return")
		}
		reason, cause := f.srv.shutdown.Cause()
		assert.Equal(t, "supervisor", reason)
		assert.True(t, apperror.IsKind(cause, apperror.KindConnectionFatal))
	})

	t.Run("occupied port exits 1", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer ln.Close()

		f := newFixture(t, func(c *config.Config) { c.Server.Address = ln.Addr().String() })
		assert.Equal(t, shutdown.ExitFailure, f.srv.Run(context.Background()))
	})
}
