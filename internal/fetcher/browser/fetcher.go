package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-capture/internal/capture"
	"github.com/JakeFAU/site-capture/internal/metrics"
	"github.com/JakeFAU/site-capture/internal/theme"
)

// Strategy is one navigation attempt.
type Strategy struct {
	Name    string
	Wait    WaitCondition
	Timeout time.Duration
	// Settle is an unconditional pause after the navigation completes.
	Settle time.Duration
	// WaitForBody polls for document.body after settling.
	WaitForBody bool
}

// DefaultStrategies go from strictest to loosest completion condition.
func DefaultStrategies() []Strategy {
	return []Strategy{
		{Name: "networkidle", Wait: WaitNetworkIdle, Timeout: 45 * time.Second},
		{Name: "domcontentloaded", Wait: WaitDOMContentLoaded, Timeout: 30 * time.Second, Settle: 5 * time.Second, WaitForBody: true},
		{Name: "load", Wait: WaitLoad, Timeout: 20 * time.Second, Settle: 8 * time.Second},
	}
}

// DismissSelectors match common cookie/consent accept and close affordances.
var DismissSelectors = []string{
	`[data-test*="cookie"] button[data-test*="accept"]`,
	`[id*="cookie"] button[id*="accept"]`,
	`[class*="cookie"] button[class*="accept"]`,
	`button[class*="accept-all"]`,
	`button[id*="accept-all"]`,
	`.cookie-banner button`,
	`#cookie-banner button`,
	`[aria-label*="Accept"]`,
	`[aria-label*="Close"]`,
}

// Config tunes navigation and post-load waits.
type Config struct {
	Strategies        []Strategy
	BodyTimeout       time.Duration
	ReadyStateTimeout time.Duration
	PostReadyDelay    time.Duration
	DismissDelay      time.Duration
	PollInterval      time.Duration
	MinContentBytes   int
	Overrides         []Override
	Headers           map[string]string
}

// DefaultConfig returns the stock navigation settings.
func DefaultConfig() Config {
	return Config{
		Strategies:        DefaultStrategies(),
		BodyTimeout:       10 * time.Second,
		ReadyStateTimeout: 10 * time.Second,
		PostReadyDelay:    3 * time.Second,
		DismissDelay:      time.Second,
		PollInterval:      100 * time.Millisecond,
		MinContentBytes:   1000,
		Overrides:         DefaultOverrides,
		Headers:           Headers,
	}
}

// Fetcher implements capture.BrowserFetcher on top of a Launcher.
type Fetcher struct {
	cfg      Config
	launcher Launcher
	logger   *zap.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithSleep replaces the settle/poll sleeper.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(f *Fetcher) { f.sleep = sleep }
}

// New builds a Fetcher.
func New(launcher Launcher, cfg Config, logger *zap.Logger, opts ...Option) (*Fetcher, error) {
	if launcher == nil {
		return nil, errors.New("browser launcher is required")
	}
	def := DefaultConfig()
	if len(cfg.Strategies) == 0 {
		cfg.Strategies = def.Strategies
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.Overrides == nil {
		cfg.Overrides = def.Overrides
	}
	if cfg.Headers == nil {
		cfg.Headers = def.Headers
	}
	if _, err := StealthScript(cfg.Overrides); err != nil {
		return nil, fmt.Errorf("stealth overrides: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Fetcher{
		cfg:      cfg,
		launcher: launcher,
		logger:   logger.Named("browser"),
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// FetchWithBrowser renders rawURL and extracts its theme while the page is open.
// The browser is closed on every return path.
func (f *Fetcher) FetchWithBrowser(ctx context.Context, rawURL string) (result capture.BrowserCapture, err error) {
	b, err := f.launcher.Launch(ctx)
	if err != nil {
		return capture.BrowserCapture{}, fmt.Errorf("%w: launch browser: %v", capture.ErrBrowserCaptureFailed, err)
	}
	defer f.closeBrowser(b)

	p, err := b.NewPage(ctx)
	if err != nil {
		return capture.BrowserCapture{}, fmt.Errorf("%w: open page: %v", capture.ErrBrowserCaptureFailed, err)
	}
	defer f.closePage(p)
	if err := f.prepare(ctx, p); err != nil {
		return capture.BrowserCapture{}, fmt.Errorf("%w: %v", capture.ErrBrowserCaptureFailed, err)
	}

	status, err := f.navigate(ctx, p, rawURL)
	if err != nil {
		return capture.BrowserCapture{}, fmt.Errorf("%w: %w", capture.ErrBrowserCaptureFailed, err)
	}
	if status != 0 && (status < 200 || status > 299) {
		return capture.BrowserCapture{}, fmt.Errorf("%w: navigation returned HTTP %d", capture.ErrBrowserCaptureFailed, status)
	}

	if err := f.poll(ctx, p, `document.readyState === "complete"`, f.cfg.ReadyStateTimeout); err != nil {
		f.logger.Debug("ready state wait failed, continuing", zap.String("url", rawURL), zap.Error(err))
	}
	if err := f.sleep(ctx, f.cfg.PostReadyDelay); err != nil {
		return capture.BrowserCapture{}, fmt.Errorf("%w: %w", capture.ErrBrowserCaptureFailed, err)
	}
	f.dismissOverlays(ctx, p)

	html, err := p.Content(ctx)
	if err != nil {
		return capture.BrowserCapture{}, fmt.Errorf("%w: read content: %w", capture.ErrBrowserCaptureFailed, err)
	}
	f.inspect(rawURL, html)

	info, err := theme.Extract(ctx, p)
	if err != nil {
		f.logger.Warn("in-page theme extraction failed, using static markup", zap.String("url", rawURL), zap.Error(err))
		if info, err = theme.FromHTML(html, rawURL); err != nil {
			return capture.BrowserCapture{}, fmt.Errorf("%w: %w", capture.ErrBrowserCaptureFailed, err)
		}
	}
	return capture.BrowserCapture{HTML: html, Theme: info, StatusCode: status}, nil
}

// ExtractTheme loads already-downloaded markup into a throwaway page and runs
// the theme extractor against it. The markup itself is not modified.
func (f *Fetcher) ExtractTheme(ctx context.Context, html, baseURL string) (capture.ThemeInfo, error) {
	b, err := f.launcher.Launch(ctx)
	if err != nil {
		return capture.ThemeInfo{}, fmt.Errorf("launch browser: %w", err)
	}
	defer f.closeBrowser(b)

	p, err := b.NewPage(ctx)
	if err != nil {
		return capture.ThemeInfo{}, fmt.Errorf("open page: %w", err)
	}
	defer f.closePage(p)
	if err := p.SetContent(ctx, html, baseURL); err != nil {
		return capture.ThemeInfo{}, fmt.Errorf("set content: %w", err)
	}
	if err := f.poll(ctx, p, `document.readyState === "complete"`, f.cfg.ReadyStateTimeout); err != nil {
		f.logger.Debug("ready state wait failed, continuing", zap.Error(err))
	}
	return theme.Extract(ctx, p)
}

func (f *Fetcher) prepare(ctx context.Context, p Page) error {
	if err := p.SetExtraHeaders(ctx, f.cfg.Headers); err != nil {
		return fmt.Errorf("set extra headers: %w", err)
	}
	script, err := StealthScript(f.cfg.Overrides)
	if err != nil {
		return err
	}
	if err := p.EvaluateBeforeLoad(ctx, script); err != nil {
		return fmt.Errorf("install stealth script: %w", err)
	}
	return nil
}

// navigate tries each strategy in order; a strategy runs only after the
// previous one failed.
func (f *Fetcher) navigate(ctx context.Context, p Page, rawURL string) (int, error) {
	var lastErr error
	for _, s := range f.cfg.Strategies {
		status, err := p.Goto(ctx, rawURL, s.Wait, s.Timeout)
		if err != nil {
			lastErr = err
			metrics.ObserveFetchAttempt(string(capture.StrategyBrowser), "failed")
			f.logger.Info("navigation strategy failed",
				zap.String("url", rawURL),
				zap.String("strategy", s.Name),
				zap.Error(err),
			)
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			continue
		}
		metrics.ObserveFetchAttempt(string(capture.StrategyBrowser), "success")
		f.logger.Debug("navigation succeeded",
			zap.String("url", rawURL),
			zap.String("strategy", s.Name),
			zap.Int("status", status),
		)
		if err := f.sleep(ctx, s.Settle); err != nil {
			return 0, err
		}
		if s.WaitForBody {
			if err := f.poll(ctx, p, "document.body !== null", f.cfg.BodyTimeout); err != nil {
				f.logger.Debug("body wait failed, continuing", zap.String("url", rawURL), zap.Error(err))
			}
		}
		return status, nil
	}
	return 0, fmt.Errorf("all navigation strategies failed, last error: %w", lastErr)
}

// poll evaluates a boolean expression until it holds or timeout elapses.
// Evaluation errors count as false.
func (f *Fetcher) poll(ctx context.Context, p Page, expression string, timeout time.Duration) error {
	tries := int(timeout/f.cfg.PollInterval) + 1
	for i := 0; i < tries; i++ {
		var ok bool
		if err := p.Evaluate(ctx, expression, &ok); err == nil && ok {
			return nil
		}
		if err := f.sleep(ctx, f.cfg.PollInterval); err != nil {
			return err
		}
	}
	return fmt.Errorf("condition %q not met within %s", expression, timeout)
}

// dismissOverlays clicks the first visible match of the first matching
// selector. Errors are ignored and the next selector is tried.
func (f *Fetcher) dismissOverlays(ctx context.Context, p Page) {
	for _, selector := range DismissSelectors {
		var clicked bool
		if err := p.Evaluate(ctx, dismissExpression(selector), &clicked); err != nil || !clicked {
			continue
		}
		f.logger.Debug("dismissed overlay", zap.String("selector", selector))
		_ = f.sleep(ctx, f.cfg.DismissDelay)
		return
	}
}

func dismissExpression(selector string) string {
	quoted, _ := json.Marshal(selector)
	return fmt.Sprintf(`(() => {
  const el = document.querySelector(%s);
  if (!el) return false;
  const rect = el.getBoundingClientRect();
  if (rect.width === 0 && rect.height === 0) return false;
  el.click();
  return true;
})()`, quoted)
}

// inspect emits advisory warnings about likely challenge pages.
func (f *Fetcher) inspect(rawURL, html string) []string {
	if len(html) < f.cfg.MinContentBytes {
		f.logger.Warn("captured markup is very small, page may be blocked",
			zap.String("url", rawURL), zap.Int("bytes", len(html)))
	}
	found := BlockingIndicators(html)
	for _, indicator := range found {
		metrics.ObserveBlockingIndicator(indicator)
		f.logger.Warn("potential blocking indicator in captured markup",
			zap.String("url", rawURL), zap.String("indicator", indicator))
	}
	return found
}

func (f *Fetcher) closePage(p Page) {
	if err := p.Close(); err != nil {
		f.logger.Debug("close page", zap.Error(err))
	}
}

func (f *Fetcher) closeBrowser(b Browser) {
	if err := b.Close(); err != nil {
		f.logger.Warn("close browser", zap.Error(err))
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
