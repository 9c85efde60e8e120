package render

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"github.com/statuscard/statuscard/internal/config"
)

// ChromeEngine runs one headless Chrome process shared by every session.
type ChromeEngine struct {
	opts   []chromedp.ExecAllocatorOption
	policy *Policy
	logger *slog.Logger

	mu            sync.Mutex
	browserCtx    context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc
	running       atomic.Bool
}

// NewChromeEngine configures, but does not start, the browser.
func NewChromeEngine(cfg config.RenderConfig, policy *Policy, logger *slog.Logger) *ChromeEngine {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", cfg.Headless),
		chromedp.DisableGPU,
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("mute-audio", true),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	return &ChromeEngine{opts: opts, policy: policy, logger: logger.With("component", "chrome")}
}

// Start launches the browser. It returns when the browser is ready or ctx
// is done; the browser itself is not bound to ctx.
func (e *ChromeEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running.Load() {
		return nil
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), e.opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithErrorf(func(format string, args ...any) {
			e.logger.Debug(fmt.Sprintf(format, args...))
		}),
	)

	errc := make(chan error, 1)
	go func() { errc <- chromedp.Run(browserCtx) }()
	select {
	case err := <-errc:
		if err != nil {
			browserCancel()
			allocCancel()
			return fmt.Errorf("launching browser: %w", err)
		}
	case <-ctx.Done():
		browserCancel()
		allocCancel()
		return ctx.Err()
	}

	e.browserCtx, e.browserCancel, e.allocCancel = browserCtx, browserCancel, allocCancel
	e.running.Store(true)
	e.logger.Info("browser started")
	return nil
}

// Running reports whether the browser is up.
func (e *ChromeEngine) Running() bool { return e.running.Load() }

// NewSession opens a tab with request interception enabled.
func (e *ChromeEngine) NewSession(ctx context.Context) (Session, error) {
	e.mu.Lock()
	browserCtx := e.browserCtx
	e.mu.Unlock()
	if browserCtx == nil || !e.running.Load() {
		return nil, errors.New("browser is not running")
	}
	if browserCtx.Err() != nil {
		e.running.Store(false)
		return nil, errors.New("browser has exited")
	}

	tabCtx, tabCancel := chromedp.NewContext(browserCtx)
	s := &chromeSession{tabCtx: tabCtx, tabCancel: tabCancel, policy: e.policy, logger: e.logger}
	chromedp.ListenTarget(tabCtx, s.onEvent)

	err := s.run(ctx, fetch.Enable().WithPatterns([]*fetch.RequestPattern{{URLPattern: "*"}}))
	if err != nil {
		tabCancel()
		if browserCtx.Err() != nil {
			e.running.Store(false)
		}
		return nil, fmt.Errorf("opening tab: %w", err)
	}
	return s, nil
}

// Close terminates the browser and every tab.
func (e *ChromeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.browserCtx == nil {
		return nil
	}
	e.running.Store(false)
	err := chromedp.Cancel(e.browserCtx)
	e.browserCancel()
	e.allocCancel()
	e.browserCtx = nil
	e.logger.Info("browser stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

type chromeSession struct {
	tabCtx    context.Context
	tabCancel context.CancelFunc
	policy    *Policy
	logger    *slog.Logger
}

// onEvent evaluates the resource policy for each paused request. The
// listener must not block, so the CDP reply is sent from a goroutine.
func (s *chromeSession) onEvent(ev any) {
	paused, ok := ev.(*fetch.EventRequestPaused)
	if !ok {
		return
	}
	allow := s.policy == nil || s.policy.Allow(paused.Request.URL, string(paused.ResourceType))
	go func() {
		c := chromedp.FromContext(s.tabCtx)
		if c == nil || c.Target == nil {
			return
		}
		ctx := cdp.WithExecutor(s.tabCtx, c.Target)
		var err error
		if allow {
			err = fetch.ContinueRequest(paused.RequestID).Do(ctx)
		} else {
			err = fetch.FailRequest(paused.RequestID, network.ErrorReasonBlockedByClient).Do(ctx)
		}
		if err != nil && s.tabCtx.Err() == nil {
			s.logger.Debug("request interception reply failed", "url", paused.Request.URL, "error", err)
		}
	}()
}

// run executes actions on the tab, bounded by ctx. The tab itself lives on
// past ctx.
func (s *chromeSession) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(s.tabCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ctx.Err(), err)
	}
	return err
}

func (s *chromeSession) Load(ctx context.Context, markup string) error {
	return s.run(ctx,
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			tree, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(tree.Frame.ID, markup).Do(ctx)
		}),
	)
}

// waitImagesJS resolves once every <img> has loaded or errored, each one
// bounded by its own timer.
const waitImagesJS = `(async (perImage) => {
  const imgs = Array.from(document.images);
  await Promise.all(imgs.map((img) => {
    if (img.complete) return null;
    return new Promise((resolve) => {
      const timer = setTimeout(resolve, perImage);
      const done = () => { clearTimeout(timer); resolve(); };
      img.addEventListener('load', done, { once: true });
      img.addEventListener('error', done, { once: true });
    });
  }));
  return imgs.length;
})(%d)`

func awaitPromise(p *runtime.EvaluateParams) *runtime.EvaluateParams {
	return p.WithAwaitPromise(true)
}

func (s *chromeSession) WaitImages(ctx context.Context, perImage time.Duration) error {
	var n int
	return s.run(ctx, chromedp.Evaluate(fmt.Sprintf(waitImagesJS, perImage.Milliseconds()), &n, awaitPromise))
}

const measureJS = `(() => {
  const el = document.querySelector(%s);
  if (!el) return null;
  const r = el.getBoundingClientRect();
  return { x: r.left + window.scrollX, y: r.top + window.scrollY, width: r.width, height: r.height };
})()`

func (s *chromeSession) Measure(ctx context.Context, selector string) (Box, error) {
	sel, err := json.Marshal(selector)
	if err != nil {
		return Box{}, err
	}
	var box *Box
	if err := s.run(ctx, chromedp.Evaluate(fmt.Sprintf(measureJS, sel), &box)); err != nil {
		return Box{}, err
	}
	if box == nil {
		return Box{}, fmt.Errorf("no element matches %q", selector)
	}
	return *box, nil
}

func (s *chromeSession) Resize(ctx context.Context, box Box, scale float64) error {
	w := int64(math.Ceil(box.X + box.Width))
	h := int64(math.Ceil(box.Y + box.Height))
	return s.run(ctx,
		emulation.SetDeviceMetricsOverride(w, h, scale, false),
		emulation.SetDefaultBackgroundColorOverride().WithColor(&cdp.RGBA{R: 0, G: 0, B: 0, A: 0}),
	)
}

func (s *chromeSession) Capture(ctx context.Context, box Box) ([]byte, error) {
	var buf []byte
	err := s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		buf, err = page.CaptureScreenshot().
			WithFormat(page.CaptureScreenshotFormatPng).
			WithClip(&page.Viewport{X: box.X, Y: box.Y, Width: box.Width, Height: box.Height, Scale: 1}).
			WithFromSurface(true).
			WithCaptureBeyondViewport(true).
			Do(ctx)
		return err
	}))
	return buf, err
}

func (s *chromeSession) Reset(ctx context.Context) error {
	return s.run(ctx,
		emulation.ClearDeviceMetricsOverride(),
		chromedp.Navigate("about:blank"),
	)
}

func (s *chromeSession) Close() error {
	err := chromedp.Cancel(s.tabCtx)
	s.tabCancel()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
