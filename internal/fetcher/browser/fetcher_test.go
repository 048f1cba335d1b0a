package browser

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/site-capture/internal/capture"
	"github.com/JakeFAU/site-capture/internal/theme"
)

type gotoResult struct {
	status int
	err    error
}

type fakePage struct {
	mu           sync.Mutex
	gotoResults  []gotoResult
	waits        []WaitCondition
	headers      map[string]string
	scripts      []string
	content      string
	setContent   string
	setBase      string
	clickable    map[string]bool
	dismissTries int
	themeJSON    string
	themeErr     error
	closed       bool
}

func (p *fakePage) SetExtraHeaders(_ context.Context, headers map[string]string) error {
	p.headers = headers
	return nil
}

func (p *fakePage) EvaluateBeforeLoad(_ context.Context, script string) error {
	p.scripts = append(p.scripts, script)
	return nil
}

func (p *fakePage) Goto(_ context.Context, _ string, wait WaitCondition, _ time.Duration) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := len(p.waits)
	p.waits = append(p.waits, wait)
	if idx < len(p.gotoResults) {
		r := p.gotoResults[idx]
		return r.status, r.err
	}
	return 200, nil
}

func (p *fakePage) SetContent(_ context.Context, html, baseURL string) error {
	p.setContent = html
	p.setBase = baseURL
	return nil
}

func (p *fakePage) Evaluate(_ context.Context, expression string, out any) error {
	switch {
	case expression == theme.Script:
		if p.themeErr != nil {
			return p.themeErr
		}
		return json.Unmarshal([]byte(p.themeJSON), out)
	case strings.Contains(expression, "querySelector(") && strings.Contains(expression, "el.click()"):
		p.dismissTries++
		for selector, ok := range p.clickable {
			quoted, _ := json.Marshal(selector)
			if ok && strings.Contains(expression, string(quoted)) {
				*(out.(*bool)) = true
				return nil
			}
		}
		*(out.(*bool)) = false
		return nil
	default:
		*(out.(*bool)) = true
		return nil
	}
}

func (p *fakePage) Content(context.Context) (string, error) {
	return p.content, nil
}

func (p *fakePage) Close() error {
	p.closed = true
	return nil
}

type fakeBrowser struct {
	page   *fakePage
	closed bool
}

func (b *fakeBrowser) NewPage(context.Context) (Page, error) { return b.page, nil }

func (b *fakeBrowser) Close() error {
	b.closed = true
	return nil
}

type fakeLauncher struct {
	browser *fakeBrowser
	err     error
}

func (l *fakeLauncher) Launch(context.Context) (Browser, error) {
	if l.err != nil {
		return nil, l.err
	}
	return l.browser, nil
}

const themeResult = `{"css_links":[],"inline_styles":[],"logo_url":null,"favicon_url":null,
"hero_image_url":null,"color_palette":["rgb(1, 2, 3)"],"fonts":["Inter"],
"layout_hints":{"has_header":true,"has_nav":true,"has_main":false,"has_footer":false}}`

func newTestFetcher(t *testing.T, page *fakePage) (*Fetcher, *fakeBrowser, *[]time.Duration) {
	t.Helper()
	b := &fakeBrowser{page: page}
	var (
		mu     sync.Mutex
		sleeps []time.Duration
	)
	f, err := New(&fakeLauncher{browser: b}, DefaultConfig(), nil, WithSleep(func(_ context.Context, d time.Duration) error {
		mu.Lock()
		sleeps = append(sleeps, d)
		mu.Unlock()
		return nil
	}))
	require.NoError(t, err)
	return f, b, &sleeps
}

func TestFetchWithBrowserFallsThroughStrategies(t *testing.T) {
	t.Parallel()

	page := &fakePage{
		gotoResults: []gotoResult{
			{err: errors.New("navigation timeout of 45s exceeded")},
			{err: errors.New("navigation timeout of 30s exceeded")},
			{status: 200},
		},
		content:   "<html><body>" + strings.Repeat("x", 2000) + "</body></html>",
		themeJSON: themeResult,
	}
	f, b, sleeps := newTestFetcher(t, page)

	got, err := f.FetchWithBrowser(context.Background(), "https://example.com/")
	require.NoError(t, err)
	require.Equal(t, page.content, got.HTML)
	require.Equal(t, 200, got.StatusCode)
	require.Equal(t, []string{"Inter"}, got.Theme.Fonts)
	require.Equal(t, []WaitCondition{WaitNetworkIdle, WaitDOMContentLoaded, WaitLoad}, page.waits)
	require.Contains(t, *sleeps, 8*time.Second)
	require.Contains(t, *sleeps, 3*time.Second)
	require.True(t, b.closed)
	require.True(t, page.closed)
}

func TestFetchWithBrowserStopsAtFirstWorkingStrategy(t *testing.T) {
	t.Parallel()

	page := &fakePage{content: "<html></html>", themeJSON: themeResult}
	f, _, sleeps := newTestFetcher(t, page)

	_, err := f.FetchWithBrowser(context.Background(), "https://example.com/")
	require.NoError(t, err)
	require.Equal(t, []WaitCondition{WaitNetworkIdle}, page.waits)
	require.NotContains(t, *sleeps, 8*time.Second)
}

func TestFetchWithBrowserAllStrategiesFail(t *testing.T) {
	t.Parallel()

	boom := errors.New("net::ERR_CONNECTION_RESET")
	page := &fakePage{gotoResults: []gotoResult{{err: boom}, {err: boom}, {err: boom}}}
	f, b, _ := newTestFetcher(t, page)

	_, err := f.FetchWithBrowser(context.Background(), "https://example.com/")
	require.Error(t, err)
	require.ErrorIs(t, err, capture.ErrBrowserCaptureFailed)
	require.ErrorIs(t, err, boom)
	require.Contains(t, err.Error(), "all navigation strategies failed")
	require.Len(t, page.waits, 3)
	require.True(t, b.closed)
}

func TestFetchWithBrowserRejectsErrorStatus(t *testing.T) {
	t.Parallel()

	page := &fakePage{gotoResults: []gotoResult{{status: 403}}}
	f, b, _ := newTestFetcher(t, page)

	_, err := f.FetchWithBrowser(context.Background(), "https://example.com/")
	require.ErrorIs(t, err, capture.ErrBrowserCaptureFailed)
	require.Contains(t, err.Error(), "HTTP 403")
	require.True(t, b.closed)
}

func TestFetchWithBrowserTreatsUnknownStatusAsSuccess(t *testing.T) {
	t.Parallel()

	page := &fakePage{gotoResults: []gotoResult{{status: 0}}, content: "<html></html>", themeJSON: themeResult}
	f, _, _ := newTestFetcher(t, page)

	got, err := f.FetchWithBrowser(context.Background(), "https://example.com/")
	require.NoError(t, err)
	require.Zero(t, got.StatusCode)
}

func TestFetchWithBrowserDismissesFirstMatchOnly(t *testing.T) {
	t.Parallel()

	page := &fakePage{
		content:   "<html></html>",
		themeJSON: themeResult,
		clickable: map[string]bool{
			DismissSelectors[2]: true,
			DismissSelectors[5]: true,
		},
	}
	f, _, sleeps := newTestFetcher(t, page)

	_, err := f.FetchWithBrowser(context.Background(), "https://example.com/")
	require.NoError(t, err)
	require.Equal(t, 3, page.dismissTries)
	require.Contains(t, *sleeps, time.Second)
}

func TestFetchWithBrowserPreparesPage(t *testing.T) {
	t.Parallel()

	page := &fakePage{content: "<html></html>", themeJSON: themeResult}
	f, _, _ := newTestFetcher(t, page)

	_, err := f.FetchWithBrowser(context.Background(), "https://example.com/")
	require.NoError(t, err)
	require.Equal(t, Headers, page.headers)
	require.Len(t, page.scripts, 1)
	require.Contains(t, page.scripts[0], `Object.defineProperty(navigator, "webdriver"`)
}

func TestFetchWithBrowserFallsBackToStaticTheme(t *testing.T) {
	t.Parallel()

	page := &fakePage{
		content:  `<html><head><link rel="stylesheet" href="/a.css"></head><body><footer></footer></body></html>`,
		themeErr: errors.New("execution context was destroyed"),
	}
	f, _, _ := newTestFetcher(t, page)

	got, err := f.FetchWithBrowser(context.Background(), "https://example.com/")
	require.NoError(t, err)
	require.Equal(t, []string{"https://example.com/a.css"}, got.Theme.CSSLinks)
	require.True(t, got.Theme.LayoutHints.HasFooter)
}

func TestFetchWithBrowserLaunchFailure(t *testing.T) {
	t.Parallel()

	f, err := New(&fakeLauncher{err: errors.New("chrome not found")}, DefaultConfig(), nil)
	require.NoError(t, err)

	_, err = f.FetchWithBrowser(context.Background(), "https://example.com/")
	require.ErrorIs(t, err, capture.ErrBrowserCaptureFailed)
	require.Contains(t, err.Error(), "chrome not found")
}

func TestExtractThemeLoadsMarkupWithoutNavigating(t *testing.T) {
	t.Parallel()

	page := &fakePage{themeJSON: themeResult}
	f, b, _ := newTestFetcher(t, page)

	info, err := f.ExtractTheme(context.Background(), "<html><body>hi</body></html>", "https://example.com/about")
	require.NoError(t, err)
	require.Equal(t, []string{"rgb(1, 2, 3)"}, info.ColorPalette)
	require.Equal(t, "<html><body>hi</body></html>", page.setContent)
	require.Equal(t, "https://example.com/about", page.setBase)
	require.Empty(t, page.waits)
	require.True(t, b.closed)
}

func TestNewRequiresLauncher(t *testing.T) {
	t.Parallel()

	_, err := New(nil, DefaultConfig(), nil)
	require.Error(t, err)
}

func TestNewRejectsInvalidOverride(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Overrides = []Override{{Target: "window); alert(1", Property: "x"}}
	_, err := New(&fakeLauncher{}, cfg, nil)
	require.Error(t, err)
}
