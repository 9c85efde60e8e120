package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/statuscard/statuscard/internal/apperror"
	"github.com/statuscard/statuscard/internal/observability"
)

var tracer = otel.Tracer("statuscard.render")

// Pipeline stage names, used in errors, spans and metrics.
const (
	StageAcquire = "acquire"
	StageLoad    = "load"
	StageImages  = "images"
	StageMeasure = "measure"
	StageResize  = "resize"
	StageCapture = "capture"
)

// Timeouts bounds each pipeline stage independently.
type Timeouts struct {
	Acquire  time.Duration
	Load     time.Duration
	Images   time.Duration
	PerImage time.Duration
	Measure  time.Duration
	Capture  time.Duration
}

// Renderer drives one pooled worker through load → images → measure →
// resize → capture. The worker is released on every exit path.
type Renderer struct {
	pool     *Pool
	timeouts Timeouts
	selector string
	scale    float64
	metrics  *observability.Metrics
	logger   *slog.Logger
}

// NewRenderer creates a renderer capturing the element matched by
// selector at the given device pixel ratio.
func NewRenderer(pool *Pool, t Timeouts, selector string, scale float64, metrics *observability.Metrics, logger *slog.Logger) *Renderer {
	if scale <= 0 {
		scale = 1
	}
	return &Renderer{
		pool:     pool,
		timeouts: t,
		selector: selector,
		scale:    scale,
		metrics:  metrics,
		logger:   logger.With("component", "renderer"),
	}
}

// Render produces a PNG of markup. Failures are *apperror.Error values of
// kind render_timeout or render_failure naming the failing stage.
func (r *Renderer) Render(ctx context.Context, markup string) (png []byte, err error) {
	ctx, span := tracer.Start(ctx, "statuscard.render")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	var w *Worker
	if err := r.stage(ctx, StageAcquire, r.timeouts.Acquire, func(ctx context.Context) error {
		var aerr error
		w, aerr = r.pool.Acquire(ctx)
		return aerr
	}); err != nil {
		return nil, err
	}
	defer r.pool.Release(w)
	span.SetAttributes(attribute.String("render.worker", w.ID))

	if w.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.Timeout)
		defer cancel()
	}
	sess := w.Session()

	if err := r.stage(ctx, StageLoad, r.timeouts.Load, func(ctx context.Context) error {
		return sess.Load(ctx, markup)
	}); err != nil {
		return nil, err
	}

	if err := r.stage(ctx, StageImages, r.timeouts.Images, func(ctx context.Context) error {
		return sess.WaitImages(ctx, r.timeouts.PerImage)
	}); err != nil {
		return nil, err
	}

	var box Box
	if err := r.stage(ctx, StageMeasure, r.timeouts.Measure, func(ctx context.Context) error {
		var merr error
		if box, merr = sess.Measure(ctx, r.selector); merr != nil {
			return merr
		}
		if box.Empty() {
			return fmt.Errorf("element %q has no area", r.selector)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	if err := r.stage(ctx, StageResize, r.timeouts.Measure, func(ctx context.Context) error {
		return sess.Resize(ctx, box, r.scale)
	}); err != nil {
		return nil, err
	}

	if err := r.stage(ctx, StageCapture, r.timeouts.Capture, func(ctx context.Context) error {
		var cerr error
		png, cerr = sess.Capture(ctx, box)
		return cerr
	}); err != nil {
		return nil, err
	}

	r.metrics.IncRenders()
	return png, nil
}

// stage runs fn under its own timeout and records duration and failures.
// An error returned after the stage deadline passed is reported as a
// timeout even when the session wraps it in its own type.
func (r *Renderer) stage(ctx context.Context, name string, timeout time.Duration, fn func(context.Context) error) error {
	sctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	err := fn(sctx)
	r.metrics.ObserveRenderStage(name, time.Since(start).Seconds())
	if err == nil {
		return nil
	}

	if errors.Is(sctx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
	}
	r.metrics.IncRenderFailure(name)
	r.logger.Warn("render stage failed", "stage", name, "error", err)
	return apperror.Render(name, err)
}
