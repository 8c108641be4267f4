// Package executor renders pages with headless Chrome via chromedp.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/renderq/renderq/internal/queue"
)

// Config controls the navigation and settling phases of a render.
type Config struct {
	// ExecPath locates the browser binary; empty means chromedp's default
	// lookup.
	ExecPath string
	// DownloadDir is the staging directory pages may download files into.
	DownloadDir string
	// NavTimeout bounds the whole navigation including the idle wait.
	NavTimeout time.Duration
	// NetworkIdleWindow is how long the in-flight request count must stay at
	// zero before the page counts as settled.
	NetworkIdleWindow time.Duration
	// GracePeriod runs after network idle to let residual page logic finish.
	GracePeriod time.Duration
	// FallbackWait runs after the grace period when the page has not closed
	// itself.
	FallbackWait time.Duration
	// MaxViewportWidth/Height clamp the content-sized viewport.
	MaxViewportWidth  int64
	MaxViewportHeight int64
}

func (c Config) withDefaults() Config {
	if c.NavTimeout <= 0 {
		c.NavTimeout = 30 * time.Minute
	}
	if c.NetworkIdleWindow <= 0 {
		c.NetworkIdleWindow = 500 * time.Millisecond
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 5 * time.Second
	}
	if c.FallbackWait <= 0 {
		c.FallbackWait = 10 * time.Second
	}
	if c.MaxViewportWidth <= 0 {
		c.MaxViewportWidth = 3840
	}
	if c.MaxViewportHeight <= 0 {
		c.MaxViewportHeight = 10000
	}
	return c
}

// Executor implements queue.Executor using chromedp and headless Chrome.
// Each Execute call runs in a fresh tab context that is torn down on every
// exit path; the process-wide allocator is the only shared state.
type Executor struct {
	cfg         Config
	logger      *zap.Logger
	allocator   context.Context
	allocCancel context.CancelFunc
}

// New creates a headless executor backed by chromedp.
func New(cfg Config, logger *zap.Logger) (*Executor, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Executor{
		cfg:         cfg,
		logger:      logger,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator context.
func (e *Executor) Close() {
	e.allocCancel()
}

// Execute renders a URL and reports the outcome. Failures never escape as
// errors; they are folded into the result so the worker loop stays alive.
func (e *Executor) Execute(ctx context.Context, url string) queue.ExecutionResult {
	start := time.Now()
	log := e.logger.With(zap.String("url", url))

	tabCtx, cancelTab := chromedp.NewContext(e.allocator)
	defer cancelTab()

	navCtx, cancelNav := context.WithTimeout(tabCtx, e.cfg.NavTimeout)
	defer cancelNav()

	stopForward := forwardCancel(ctx, cancelNav)
	defer stopForward()

	idle := newIdleWaiter(e.cfg.NetworkIdleWindow)
	chromedp.ListenTarget(tabCtx, idle.handle)
	crash := &crashWatcher{}
	chromedp.ListenTarget(tabCtx, crash.handle)
	e.acceptDialogs(tabCtx, log)

	log.Info("navigation start")
	if err := chromedp.Run(navCtx,
		e.setupActions(),
		chromedp.Navigate(url),
		idle.waitAction(),
	); err != nil {
		log.Warn("navigation failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		return failure("navigate", url, err)
	}
	log.Info("network idle reached", zap.Duration("elapsed", time.Since(start)))

	if closed := waitOrClosed(tabCtx, e.cfg.GracePeriod); closed {
		if crash.crashed.Load() {
			log.Warn("render target crashed during grace period")
			return failure("render", url, errTargetCrashed)
		}
		log.Info("page closed itself during grace period")
		return queue.ExecutionResult{Success: true}
	}
	if closed := waitOrClosed(tabCtx, e.cfg.FallbackWait); closed {
		if crash.crashed.Load() {
			log.Warn("render target crashed during fallback period")
			return failure("render", url, errTargetCrashed)
		}
		log.Info("page closed itself during fallback period")
		return queue.ExecutionResult{Success: true}
	}

	// Page is still open: size the viewport to the content so the final
	// render captures the full page. Measurement failure keeps the prior
	// viewport.
	if err := e.fitViewport(tabCtx); err != nil {
		log.Warn("viewport fit failed", zap.Error(err))
	}

	log.Info("navigation end",
		zap.Duration("elapsed", time.Since(start)),
	)
	return queue.ExecutionResult{Success: true}
}

func (e *Executor) setupActions() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if e.cfg.DownloadDir != "" {
			err := browser.SetDownloadBehavior(browser.SetDownloadBehaviorBehaviorAllow).
				WithDownloadPath(e.cfg.DownloadDir).
				Do(ctx)
			if err != nil {
				return fmt.Errorf("set download behavior: %w", err)
			}
		}
		return nil
	})
}

// acceptDialogs auto-accepts any native dialog the page raises so navigation
// never blocks on a confirmation prompt.
func (e *Executor) acceptDialogs(tabCtx context.Context, log *zap.Logger) {
	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		dialog, ok := ev.(*page.EventJavascriptDialogOpening)
		if !ok {
			return
		}
		log.Info("auto-accepting dialog",
			zap.String("type", string(dialog.Type)),
			zap.String("message", dialog.Message),
		)
		go func() {
			action := page.HandleJavaScriptDialog(true)
			if err := chromedp.Run(tabCtx, action); err != nil {
				log.Warn("dialog accept failed", zap.Error(err))
			}
		}()
	})
}

// fitViewport measures the rendered content and resizes the viewport to
// match, clamped to the configured maxima.
func (e *Executor) fitViewport(tabCtx context.Context) error {
	measureCtx, cancel := context.WithTimeout(tabCtx, 10*time.Second)
	defer cancel()

	return chromedp.Run(measureCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, _, contentSize, _, _, cssContentSize, err := page.GetLayoutMetrics().Do(ctx)
		if err != nil {
			return fmt.Errorf("layout metrics: %w", err)
		}
		size := cssContentSize
		if size == nil {
			size = contentSize
		}
		if size == nil {
			return fmt.Errorf("layout metrics returned no content size")
		}
		width, height := clampViewport(
			int64(size.Width), int64(size.Height),
			e.cfg.MaxViewportWidth, e.cfg.MaxViewportHeight,
		)
		if err := chromedp.EmulateViewport(width, height).Do(ctx); err != nil {
			return fmt.Errorf("set viewport: %w", err)
		}
		return nil
	}))
}

// clampViewport bounds content extents to the configured maxima and floors
// them at a usable minimum.
func clampViewport(width, height, maxWidth, maxHeight int64) (int64, int64) {
	if width < 1 {
		width = 1
	}
	if height < 1 {
		height = 1
	}
	if width > maxWidth {
		width = maxWidth
	}
	if height > maxHeight {
		height = maxHeight
	}
	return width, height
}

var errTargetCrashed = errors.New("render target crashed")

// crashWatcher flags a tab whose target crashed. A crash cancels the tab
// context just like a page closing itself; the flag is what tells the two
// apart at the settle waits.
type crashWatcher struct {
	crashed atomic.Bool
}

func (c *crashWatcher) handle(ev interface{}) {
	if _, ok := ev.(*inspector.EventTargetCrashed); ok {
		c.crashed.Store(true)
	}
}

// waitOrClosed sleeps for d, returning early with true when the tab context
// finishes first (the page closed itself or the browser went away).
func waitOrClosed(tabCtx context.Context, d time.Duration) bool {
	if d <= 0 {
		return tabCtx.Err() != nil
	}
	select {
	case <-tabCtx.Done():
		return true
	case <-time.After(d):
		return false
	}
}

func failure(phase, url string, err error) queue.ExecutionResult {
	return queue.ExecutionResult{
		Success:     false,
		Diagnostics: fmt.Sprintf("%s %s: %v", phase, url, err),
	}
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
