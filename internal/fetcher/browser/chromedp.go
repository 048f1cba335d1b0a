package browser

import (
	"context"
	"errors"
	"fmt"
	stdhtml "html"
	"regexp"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// ChromeConfig controls how Chrome is started.
type ChromeConfig struct {
	ExecPath     string
	Headless     bool
	NoSandbox    bool
	UserAgent    string
	WindowWidth  int
	WindowHeight int
}

// ChromeLauncher starts a fresh Chrome process per Launch.
type ChromeLauncher struct {
	cfg ChromeConfig
}

// NewChromeLauncher fills unset viewport and user agent values.
func NewChromeLauncher(cfg ChromeConfig) *ChromeLauncher {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.WindowWidth <= 0 {
		cfg.WindowWidth = 1920
	}
	if cfg.WindowHeight <= 0 {
		cfg.WindowHeight = 1080
	}
	return &ChromeLauncher{cfg: cfg}
}

// Launch starts Chrome and waits until it accepts commands.
func (l *ChromeLauncher) Launch(ctx context.Context) (Browser, error) {
	headless := any(false)
	if l.cfg.Headless {
		headless = "new"
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", headless),
		chromedp.WindowSize(l.cfg.WindowWidth, l.cfg.WindowHeight),
		chromedp.UserAgent(l.cfg.UserAgent),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-infobars", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
	)
	if l.cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if l.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.cfg.ExecPath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}
	return &chromeBrowser{
		ctx:         browserCtx,
		cancel:      browserCancel,
		allocCancel: allocCancel,
		cfg:         l.cfg,
	}, nil
}

type chromeBrowser struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	cfg         ChromeConfig
	closeOnce   sync.Once
	closeErr    error
}

func (b *chromeBrowser) Close() error {
	b.closeOnce.Do(func() {
		if err := chromedp.Cancel(b.ctx); err != nil && !errors.Is(err, context.Canceled) {
			b.closeErr = fmt.Errorf("close chrome: %w", err)
		}
		b.cancel()
		b.allocCancel()
	})
	return b.closeErr
}

func (b *chromeBrowser) NewPage(ctx context.Context) (Page, error) {
	tabCtx, cancel := chromedp.NewContext(b.ctx)
	p := &chromePage{ctx: tabCtx, cancel: cancel, events: newLifecycle()}
	chromedp.ListenTarget(tabCtx, p.events.observe)
	err := p.run(ctx,
		network.Enable(),
		page.SetLifecycleEventsEnabled(true),
		emulation.SetDeviceMetricsOverride(int64(b.cfg.WindowWidth), int64(b.cfg.WindowHeight), 1, false),
		emulation.SetUserAgentOverride(b.cfg.UserAgent),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("prepare tab: %w", err)
	}
	return p, nil
}

type chromePage struct {
	ctx    context.Context
	cancel context.CancelFunc
	events *lifecycle
}

// run executes actions on the tab, aborting when ctx ends.
func (p *chromePage) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

func (p *chromePage) SetExtraHeaders(ctx context.Context, headers map[string]string) error {
	h := make(network.Headers, len(headers))
	for k, v := range headers {
		h[k] = v
	}
	return p.run(ctx, network.SetExtraHTTPHeaders(h))
}

func (p *chromePage) EvaluateBeforeLoad(ctx context.Context, script string) error {
	return p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, err := page.AddScriptToEvaluateOnNewDocument(script).Do(ctx)
		return err
	}))
}

func (p *chromePage) Goto(ctx context.Context, url string, wait WaitCondition, timeout time.Duration) (int, error) {
	navCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var loaderID cdp.LoaderID
	err := p.run(navCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		var errText string
		var err error
		_, loaderID, errText, _, err = page.Navigate(url).Do(ctx)
		if err != nil {
			return err
		}
		if errText != "" {
			return fmt.Errorf("navigate %s: %s", url, errText)
		}
		return nil
	}))
	if err != nil {
		return 0, p.navError(err, timeout)
	}
	if loaderID == "" {
		// Same-document navigation; nothing further will load.
		return 0, nil
	}
	status, err := p.events.wait(navCtx, loaderID, string(wait))
	if err != nil {
		return 0, p.navError(err, timeout)
	}
	return status, nil
}

func (p *chromePage) navError(err error, timeout time.Duration) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("navigation timeout of %s exceeded: %w", timeout, err)
	}
	return err
}

func (p *chromePage) SetContent(ctx context.Context, html, baseURL string) error {
	return p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		tree, err := page.GetFrameTree().Do(ctx)
		if err != nil {
			return fmt.Errorf("frame tree: %w", err)
		}
		return page.SetDocumentContent(tree.Frame.ID, withBase(html, baseURL)).Do(ctx)
	}))
}

func (p *chromePage) Evaluate(ctx context.Context, expression string, out any) error {
	return p.run(ctx, chromedp.Evaluate(expression, out))
}

const contentScript = `(document.doctype ? new XMLSerializer().serializeToString(document.doctype) + "\n" : "") + document.documentElement.outerHTML`

func (p *chromePage) Content(ctx context.Context) (string, error) {
	var html string
	if err := p.Evaluate(ctx, contentScript, &html); err != nil {
		return "", fmt.Errorf("serialize document: %w", err)
	}
	return html, nil
}

func (p *chromePage) Close() error {
	err := chromedp.Cancel(p.ctx)
	p.cancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("close tab: %w", err)
	}
	return nil
}

var headOpen = regexp.MustCompile(`(?i)<head(\s[^>]*)?>`)

// withBase inserts a <base> element so relative references resolve against
// baseURL when the markup is loaded without a URL.
func withBase(markup, baseURL string) string {
	if baseURL == "" {
		return markup
	}
	tag := fmt.Sprintf(`<base href="%s">`, stdhtml.EscapeString(baseURL))
	if loc := headOpen.FindStringIndex(markup); loc != nil {
		return markup[:loc[1]] + tag + markup[loc[1]:]
	}
	return tag + markup
}

// lifecycle records page lifecycle milestones and document statuses per
// loader so Goto can wait on the navigation it started.
type lifecycle struct {
	mu      sync.Mutex
	seen    map[cdp.LoaderID]map[string]bool
	status  map[cdp.LoaderID]int
	changed chan struct{}
}

func newLifecycle() *lifecycle {
	return &lifecycle{
		seen:    make(map[cdp.LoaderID]map[string]bool),
		status:  make(map[cdp.LoaderID]int),
		changed: make(chan struct{}),
	}
}

func (l *lifecycle) observe(ev any) {
	switch e := ev.(type) {
	case *page.EventLifecycleEvent:
		l.mu.Lock()
		names, ok := l.seen[e.LoaderID]
		if !ok {
			names = make(map[string]bool)
			l.seen[e.LoaderID] = names
		}
		names[e.Name] = true
		l.broadcast()
		l.mu.Unlock()
	case *network.EventResponseReceived:
		if e.Type != network.ResourceTypeDocument || e.Response == nil {
			return
		}
		l.mu.Lock()
		l.status[e.LoaderID] = int(e.Response.Status)
		l.broadcast()
		l.mu.Unlock()
	}
}

// broadcast wakes all waiters. Callers hold mu.
func (l *lifecycle) broadcast() {
	close(l.changed)
	l.changed = make(chan struct{})
}

func (l *lifecycle) wait(ctx context.Context, loaderID cdp.LoaderID, name string) (int, error) {
	for {
		l.mu.Lock()
		if l.seen[loaderID][name] {
			status := l.status[loaderID]
			l.mu.Unlock()
			return status, nil
		}
		changed := l.changed
		l.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}
