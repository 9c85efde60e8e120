// Package shutdown runs the ordered, best-effort teardown of the service.
package shutdown

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// Exit codes returned by Run.
const (
	ExitOK      = 0
	ExitFailure = 1
)

// StepFunc releases one owned resource.
type StepFunc func(ctx context.Context) error

type step struct {
	name string
	fn   StepFunc
}

// Coordinator collects teardown steps and runs them once, in registration
// order, when triggered by a signal, a background fault or the connection
// supervisor giving up.
type Coordinator struct {
	logger  *slog.Logger
	timeout time.Duration

	mu     sync.Mutex
	steps  []step
	reason string
	cause  error

	once    sync.Once
	trigger chan struct{}
	tasks   sync.WaitGroup
}

// New creates a coordinator whose steps share a total budget of timeout.
func New(timeout time.Duration, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		logger:  logger.With("component", "shutdown"),
		timeout: timeout,
		trigger: make(chan struct{}),
	}
}

// Add appends a teardown step.
func (c *Coordinator) Add(name string, fn StepFunc) {
	c.mu.Lock()
	c.steps = append(c.steps, step{name: name, fn: fn})
	c.mu.Unlock()
}

// Trigger requests shutdown. Only the first call is recorded; a non-nil
// cause makes Run exit non-zero.
func (c *Coordinator) Trigger(reason string, cause error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.reason, c.cause = reason, cause
		c.mu.Unlock()
		if cause != nil {
			c.logger.Error("shutdown triggered", "reason", reason, "error", cause)
		} else {
			c.logger.Info("shutdown triggered", "reason", reason)
		}
		close(c.trigger)
	})
}

// Triggered is closed once Trigger has been called.
func (c *Coordinator) Triggered() <-chan struct{} { return c.trigger }

// Cause returns the reason and error passed to the first Trigger.
func (c *Coordinator) Cause() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason, c.cause
}

// Go runs fn in the background. A returned error or a panic triggers
// shutdown.
func (c *Coordinator) Go(name string, fn func() error) {
	c.tasks.Add(1)
	go func() {
		defer c.tasks.Done()
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("background task panicked", "task", name, "panic", r, "stack", string(debug.Stack()))
				c.Trigger(name, fmt.Errorf("panic in %s: %v", name, r))
			}
		}()
		if err := fn(); err != nil {
			c.Trigger(name, err)
		}
	}()
}

// Run executes every step even if earlier ones fail, then returns ExitOK
// when all steps succeeded and the trigger carried no error.
func (c *Coordinator) Run(ctx context.Context) int {
	c.mu.Lock()
	steps := append([]step(nil), c.steps...)
	cause := c.cause
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	code := ExitOK
	if cause != nil {
		code = ExitFailure
	}
	for _, s := range steps {
		start := time.Now()
		if err := runStep(ctx, s); err != nil {
			code = ExitFailure
			c.logger.Error("shutdown step failed", "step", s.name, "error", err, "duration", time.Since(start))
			continue
		}
		c.logger.Info("shutdown step completed", "step", s.name, "duration", time.Since(start))
	}
	c.logger.Info("shutdown finished", "exit_code", code)
	return code
}

// Wait blocks until background tasks started with Go have returned or ctx
// is done.
func (c *Coordinator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func runStep(ctx context.Context, s step) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.fn(ctx)
}
