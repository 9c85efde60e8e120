package admission

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/statuscard/statuscard/internal/apperror"
	"github.com/statuscard/statuscard/internal/config"
	"github.com/statuscard/statuscard/internal/observability"
	"github.com/statuscard/statuscard/internal/redis"
)

// Tier selects which fixed-window limiter guards a route.
type Tier string

const (
	TierAPI    Tier = "api"
	TierRender Tier = "render"
)

// Rejection stages, used as the metrics "stage" label.
const (
	StageBurst    = "burst"
	StageWindow   = "window"
	StageSlowdown = "slowdown"
	StageStore    = "store"
)

// Outcome describes an admitted request.
type Outcome struct {
	Window Decision
	Delay  time.Duration
}

// Controller owns all admission state and applies burst → window →
// slowdown, strictly in that order, for each request.
type Controller struct {
	burst    *BurstGuard
	windows  map[Tier]*FixedWindow
	slowdown *Slowdown
	memory   *MemoryStore // nil when counters live in Redis
	policy   atomic.Value // config.FailurePolicy
	metrics  *observability.Metrics
	logger   *slog.Logger
	now      func() time.Time

	storeErrLog   rate.Sometimes
	storeFaultLog rate.Sometimes
	rejectLog     rate.Sometimes
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// New builds a Controller from cfg. When store is nil, fixed-window and
// slowdown counters are kept in process.
func New(cfg config.AdmissionConfig, store WindowStore, metrics *observability.Metrics, logger *slog.Logger, opts ...Option) *Controller {
	c := &Controller{
		metrics:       metrics,
		logger:        logger.With("component", "admission"),
		now:           time.Now,
		storeErrLog:   rate.Sometimes{Interval: 10 * time.Second},
		storeFaultLog: rate.Sometimes{Interval: 10 * time.Second},
		rejectLog:     rate.Sometimes{Interval: time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	if store == nil {
		c.memory = NewMemoryStore()
		store = c.memory
	}

	c.burst = NewBurstGuard(cfg.Burst.Limit, config.MustParseDuration(cfg.Burst.Window, time.Second))
	c.windows = map[Tier]*FixedWindow{
		TierAPI:    NewFixedWindow(string(TierAPI), store, cfg.API.Max, config.MustParseDuration(cfg.API.Window, 5*time.Minute)),
		TierRender: NewFixedWindow(string(TierRender), store, cfg.Render.Max, config.MustParseDuration(cfg.Render.Window, 5*time.Minute)),
	}
	c.slowdown = NewSlowdown(store, slowdownParams(cfg.Slowdown))
	c.policy.Store(cfg.FailurePolicy)
	return c
}

func slowdownParams(cfg config.SlowdownConfig) SlowdownParams {
	return SlowdownParams{
		After:    cfg.After,
		Unit:     config.MustParseDuration(cfg.Unit, 100*time.Millisecond),
		MaxDelay: config.MustParseDuration(cfg.MaxDelay, 2*time.Second),
		Window:   config.MustParseDuration(cfg.Window, 5*time.Minute),
	}
}

// Reload applies new limits without dropping existing counters.
func (c *Controller) Reload(cfg config.AdmissionConfig) {
	c.burst.SetParams(cfg.Burst.Limit, config.MustParseDuration(cfg.Burst.Window, time.Second))
	c.windows[TierAPI].SetParams(cfg.API.Max, config.MustParseDuration(cfg.API.Window, 5*time.Minute))
	c.windows[TierRender].SetParams(cfg.Render.Max, config.MustParseDuration(cfg.Render.Window, 5*time.Minute))
	c.slowdown.SetParams(slowdownParams(cfg.Slowdown))
	c.policy.Store(cfg.FailurePolicy)
}

// Admit runs the admission stack for key on tier. Throttled requests get an
// *apperror.Error of kind throttled. The returned delay has not been
// applied; the caller waits on its own context. Store failures follow the
// configured failure policy.
func (c *Controller) Admit(ctx context.Context, tier Tier, key string) (Outcome, error) {
	now := c.now()

	if ok, retry := c.burst.Admit(key, now); !ok {
		c.reject(StageBurst, key, tier)
		return Outcome{}, apperror.Throttled(StageBurst, "Too Many Requests", retry)
	}

	var out Outcome
	w, ok := c.windows[tier]
	if !ok {
		w = c.windows[TierAPI]
	}
	d, err := w.Admit(ctx, key, now)
	if err != nil {
		if err := c.storeFailure(err); err != nil {
			return Outcome{}, err
		}
		d = Decision{Allowed: true}
	}
	out.Window = d
	if !d.Allowed {
		c.reject(StageWindow, key, tier)
		return out, apperror.Throttled(StageWindow+" "+w.Name(), "Too Many Requests", d.RetryAfter)
	}

	delay, err := c.slowdown.Delay(ctx, key, now)
	if err != nil {
		if err := c.storeFailure(err); err != nil {
			return Outcome{}, err
		}
		delay = 0
	}
	out.Delay = delay
	if delay > 0 {
		c.metrics.ObserveDelay(delay.Seconds())
	}
	c.metrics.IncAdmitted()
	return out, nil
}

func (c *Controller) reject(stage, key string, tier Tier) {
	c.metrics.IncRejected(stage)
	c.rejectLog.Do(func() {
		c.logger.Warn("request throttled", "stage", stage, "tier", tier, "key", key)
	})
}

// storeFailure applies the failure policy to a counter store error. A nil
// return means the request proceeds unthrottled by that stage. Outages are
// logged at warn; anything else (script or protocol errors) at error.
func (c *Controller) storeFailure(err error) error {
	c.metrics.IncStoreErrors()
	policy, _ := c.policy.Load().(config.FailurePolicy)
	if redis.IsConnectivityErr(err) {
		c.storeErrLog.Do(func() {
			c.logger.Warn("admission store unreachable", "error", err, "policy", policy)
		})
	} else {
		c.storeFaultLog.Do(func() {
			c.logger.Error("admission store error", "error", err, "policy", policy)
		})
	}
	if policy == config.FailurePolicyFailClosed {
		c.metrics.IncRejected(StageStore)
		return apperror.StoreUnavailable(err)
	}
	return nil
}

// Sweep prunes expired burst timestamps and in-process windows.
func (c *Controller) Sweep(now time.Time) {
	c.burst.Sweep(now)
	if c.memory != nil {
		c.memory.Sweep(now)
	}
}

// RunSweeper is the single periodic cleanup task for all in-memory
// admission state. Start it once per process.
func (c *Controller) RunSweeper(ctx context.Context, interval time.Duration) {
	runSweeper(ctx, interval, c.Sweep)
}

// TrackedClients returns the number of clients with live burst state.
func (c *Controller) TrackedClients() int { return c.burst.Len() }
