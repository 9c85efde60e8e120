// Package supervisor keeps the single upstream event connection alive.
//
// The supervisor owns the connection state machine:
//
//	Connecting -> Ready       handshake succeeded, attempt counter reset
//	Ready      -> Degraded    disconnect event or failed health probe
//	Degraded   -> Connecting  reconnect attempt started
//	Connecting -> Degraded    reconnect attempt failed
//	Degraded   -> Closed      attempts exhausted, or credentials rejected
//
// Attempt n waits baseDelay*n before dialing. Run returns when the
// connection is Closed, and its error tells the caller to shut down.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/statuscard/statuscard/internal/apperror"
	"github.com/statuscard/statuscard/internal/config"
	"github.com/statuscard/statuscard/internal/observability"
)

// State is the connection state.
type State int32

const (
	Connecting State = iota
	Ready
	Degraded
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	case Degraded:
		return "degraded"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Connection is the supervised transport.
type Connection interface {
	// Connect dials and completes the handshake. Errors of kind
	// connection_fatal are never retried.
	Connect(ctx context.Context) error
	// Disconnect tears down the transport, including a half-open one.
	Disconnect() error
	// Alive reports whether the transport currently looks healthy.
	Alive() bool
	// Lost signals connection losses observed by the transport itself.
	Lost() <-chan struct{}
}

// Status is a point-in-time view for the status endpoint.
type Status struct {
	State             string `json:"state"`
	ReconnectAttempts int    `json:"reconnect_attempts"`
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithSleep replaces the backoff wait. Tests use it to observe delays.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Supervisor) { s.sleep = fn }
}

// WithOnTransition registers a hook called after every state change.
func WithOnTransition(fn func(from, to State)) Option {
	return func(s *Supervisor) { s.onTransition = fn }
}

// Supervisor drives a Connection through its lifecycle.
type Supervisor struct {
	conn          Connection
	maxAttempts   int
	baseDelay     time.Duration
	probeInterval time.Duration
	metrics       *observability.Metrics
	logger        *slog.Logger

	sleep        func(ctx context.Context, d time.Duration) error
	onTransition func(from, to State)

	state    atomic.Int32
	attempts atomic.Int32

	mu      sync.Mutex
	running bool
}

// New creates a supervisor. Nothing connects until Run.
func New(conn Connection, cfg config.SupervisorConfig, metrics *observability.Metrics, logger *slog.Logger, opts ...Option) *Supervisor {
	s := &Supervisor{
		conn:          conn,
		maxAttempts:   cfg.MaxAttempts,
		baseDelay:     config.MustParseDuration(cfg.BaseDelay, 5*time.Second),
		probeInterval: config.MustParseDuration(cfg.ProbeInterval, 30*time.Second),
		metrics:       metrics,
		logger:        logger.With("component", "supervisor"),
		sleep:         sleepCtx,
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = 5
	}
	for _, o := range opts {
		o(s)
	}
	s.state.Store(int32(Connecting))
	return s
}

// State returns the current connection state.
func (s *Supervisor) State() State { return State(s.state.Load()) }

// Snapshot returns the state and reconnect counter.
func (s *Supervisor) Snapshot() Status {
	return Status{State: s.State().String(), ReconnectAttempts: int(s.attempts.Load())}
}

// Check implements observability.Checker: only Ready is healthy.
func (s *Supervisor) Check(context.Context) error {
	if st := s.State(); st != Ready {
		return fmt.Errorf("upstream connection %s", st)
	}
	return nil
}

// Run connects and supervises until ctx is canceled (nil) or the connection
// is Closed (connection_fatal or reconnect_exhausted error).
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("supervisor already running")
	}
	s.running = true
	s.mu.Unlock()

	s.transition(Connecting)
	if err := s.conn.Connect(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		if apperror.IsKind(err, apperror.KindConnectionFatal) {
			s.logger.Error("upstream rejected credentials", "error", err)
			s.transition(Closed)
			return err
		}
		s.logger.Warn("initial connect failed", "error", err)
		s.transition(Degraded)
		if err := s.reconnect(ctx); err != nil || ctx.Err() != nil {
			return err
		}
	} else {
		s.transition(Ready)
	}

	probe := time.NewTicker(s.probeInterval)
	defer probe.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-s.conn.Lost():
			s.logger.Warn("upstream connection lost")
			s.transition(Degraded)
			if err := s.reconnect(ctx); err != nil || ctx.Err() != nil {
				return err
			}

		case <-probe.C:
			if s.State() != Ready || s.conn.Alive() {
				continue
			}
			s.logger.Warn("health probe found connection closed")
			s.transition(Degraded)
			if err := s.reconnect(ctx); err != nil || ctx.Err() != nil {
				return err
			}
		}
	}
}

// reconnect retries until Ready, ctx is canceled (nil), or the connection
// is Closed (error).
func (s *Supervisor) reconnect(ctx context.Context) error {
	var lastErr error
	for {
		attempt := int(s.attempts.Load())
		if attempt >= s.maxAttempts {
			s.logger.Error("reconnect attempts exhausted", "attempts", attempt, "error", lastErr)
			s.transition(Closed)
			return apperror.Exhausted(attempt, lastErr)
		}
		attempt++
		s.attempts.Store(int32(attempt))

		if err := s.conn.Disconnect(); err != nil {
			s.logger.Debug("discarding previous transport failed", "error", err)
		}
		s.drainLost()
		s.transition(Connecting)

		delay := s.baseDelay * time.Duration(attempt)
		s.logger.Info("reconnecting", "attempt", attempt, "max_attempts", s.maxAttempts, "delay", delay)
		if err := s.sleep(ctx, delay); err != nil {
			return nil
		}

		err := s.conn.Connect(ctx)
		if err == nil {
			s.attempts.Store(0)
			s.metrics.IncReconnect()
			s.logger.Info("reconnected", "attempt", attempt)
			s.transition(Ready)
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		if apperror.IsKind(err, apperror.KindConnectionFatal) {
			s.logger.Error("upstream rejected credentials", "attempt", attempt, "error", err)
			s.transition(Closed)
			return err
		}

		s.metrics.IncReconnectFailure()
		s.logger.Warn("reconnect failed", "attempt", attempt, "error", err)
		lastErr = err
		s.transition(Degraded)
	}
}

func (s *Supervisor) drainLost() {
	for {
		select {
		case <-s.conn.Lost():
		default:
			return
		}
	}
}

func (s *Supervisor) transition(to State) {
	from := State(s.state.Swap(int32(to)))
	s.metrics.SetConnectionState(int(to))
	if from == to {
		return
	}
	s.logger.Debug("connection state changed", "from", from.String(), "to", to.String())
	if s.onTransition != nil {
		s.onTransition(from, to)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
