package capture_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/JakeFAU/site-capture/internal/capture"
	markuphash "github.com/JakeFAU/site-capture/internal/hash/sha256"
	pubmemory "github.com/JakeFAU/site-capture/internal/publisher/memory"
	"github.com/JakeFAU/site-capture/internal/rewriter"
	"github.com/JakeFAU/site-capture/internal/storage/memory"
	"github.com/JakeFAU/site-capture/internal/theme"
	"github.com/JakeFAU/site-capture/internal/uploader"
)

const bucket = "captures"

// origin serves canned responses keyed by exact URL.
type origin struct {
	mu     sync.Mutex
	pages  map[string]string
	fail   map[string]error
	calls  map[string]int
	header map[string]string
}

func newOrigin(pages map[string]string) *origin {
	return &origin{pages: pages, fail: map[string]error{}, calls: map[string]int{}, header: map[string]string{}}
}

func (o *origin) Fetch(_ context.Context, rawURL string) (capture.FetchOutcome, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls[rawURL]++
	if err, ok := o.fail[rawURL]; ok {
		return capture.FetchOutcome{}, err
	}
	body, ok := o.pages[rawURL]
	if !ok {
		return capture.FetchOutcome{}, &capture.ExhaustedError{
			Attempts: 3,
			Last:     &capture.FetchError{Kind: capture.FailureOther, URL: rawURL, StatusCode: http.StatusNotFound},
		}
	}
	h := http.Header{}
	if ct, ok := o.header[rawURL]; ok {
		h.Set("Content-Type", ct)
	}
	return capture.FetchOutcome{URL: rawURL, StatusCode: http.StatusOK, Header: h, Body: []byte(body)}, nil
}

func (o *origin) count(rawURL string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls[rawURL]
}

type fakeBrowser struct {
	mu         sync.Mutex
	capture    capture.BrowserCapture
	err        error
	themeErr   error
	fetches    int
	themeCalls []string
}

func (b *fakeBrowser) FetchWithBrowser(_ context.Context, _ string) (capture.BrowserCapture, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fetches++
	return b.capture, b.err
}

func (b *fakeBrowser) ExtractTheme(_ context.Context, html, baseURL string) (capture.ThemeInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.themeCalls = append(b.themeCalls, baseURL)
	if b.themeErr != nil {
		return capture.ThemeInfo{}, b.themeErr
	}
	info := capture.EmptyTheme()
	info.Fonts = []string{"Browser Sans"}
	if strings.Contains(html, "<nav") {
		info.LayoutHints.HasNav = true
	}
	return info, nil
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type fixedIDs struct{ id string }

func (g fixedIDs) NewID() (string, error) { return g.id, nil }

type recordSink struct {
	mu      sync.Mutex
	records []capture.Record
	err     error
}

func (r *recordSink) InsertCapture(_ context.Context, rec capture.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return r.err
}

// failingStore rejects markup uploads.
type failingStore struct {
	*memory.BlobStore
}

func (s failingStore) PutObject(ctx context.Context, bucket, key, contentType string, data []byte) (string, error) {
	if strings.HasSuffix(key, ".html") {
		return "", errors.New("bucket quota exceeded")
	}
	return s.BlobStore.PutObject(ctx, bucket, key, contentType, data)
}

type harness struct {
	origin  *origin
	blobs   *memory.BlobStore
	service *capture.Service
}

func newHarness(t *testing.T, o *origin, store capture.BlobStore, opts ...capture.Option) *harness {
	t.Helper()
	blobs := memory.NewBlobStore()
	if store == nil {
		store = blobs
	}
	up := uploader.New(store, uploader.Config{PublicBaseURL: "cdn.example.net"}, nil, nil)
	rw := rewriter.New(o, nil, rewriter.Config{Concurrency: 1}, nil)
	base := []capture.Option{
		capture.WithThemeFallback(theme.FromHTML),
		capture.WithClock(fixedClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}),
		capture.WithIDGenerator(fixedIDs{id: "req-1"}),
	}
	svc, err := capture.NewService(o, rw, up, nil, append(base, opts...)...)
	require.NoError(t, err)
	return &harness{origin: o, blobs: blobs, service: svc}
}

func (h *harness) markup(t *testing.T, key string) string {
	t.Helper()
	obj, ok := h.blobs.Get(bucket, key)
	require.True(t, ok, "missing object %s", key)
	return string(obj.Data)
}

func request(rawURL string) capture.Request {
	return capture.Request{TargetURL: rawURL, Destination: capture.Destination{Bucket: bucket, Prefix: "sites"}}
}

func forbiddenExhausted(rawURL string) error {
	return &capture.ExhaustedError{
		Attempts: 3,
		Last:     &capture.FetchError{Kind: capture.FailureForbidden, URL: rawURL, Attempt: 3, StatusCode: http.StatusForbidden},
	}
}

func TestCaptureDirectRehostsImages(t *testing.T) {
	t.Parallel()

	o := newOrigin(map[string]string{
		"https://example.com/page":  `<html><head><title>x</title></head><body><img src="/a.png"></body></html>`,
		"https://example.com/a.png": "PNGDATA",
	})
	o.header["https://example.com/a.png"] = "image/png"
	h := newHarness(t, o, nil)

	art, err := h.service.Capture(context.Background(), request("https://example.com/page?x=1#frag"))
	require.NoError(t, err)

	require.Equal(t, "https://example.com/page", art.URL)
	require.Equal(t, 1, o.count("https://example.com/page"))
	require.Equal(t, capture.StrategyDirect, art.Strategy)
	require.Equal(t, "sites/req-1/original.html", art.OriginalHTMLKey)
	require.Equal(t, "sites/req-1/rewritten.html", art.RewrittenHTMLKey)

	location := art.URLMap["https://example.com/a.png"]
	require.True(t, strings.HasPrefix(location, "https://cdn.example.net/sites/"), location)
	require.True(t, strings.HasSuffix(location, ".png"), location)

	rewritten := h.markup(t, art.RewrittenHTMLKey)
	require.Contains(t, rewritten, `<img src="`+location+`">`)
	require.Equal(t, `<html><head><title>x</title></head><body><img src="/a.png"></body></html>`,
		h.markup(t, art.OriginalHTMLKey))

	payload := art.Payload()
	require.Equal(t, "fetched", payload.Status)
	require.Equal(t, "http", payload.MethodUsed)
	require.NotNil(t, payload.ThemeInfo)
	require.Equal(t, []string{}, payload.ThemeInfo.Fonts)
}

func TestCaptureInlinesLinkedStylesheets(t *testing.T) {
	t.Parallel()

	o := newOrigin(map[string]string{
		"https://example.com/":             `<html><head><link rel="stylesheet" href="/css/site.css"></head><body></body></html>`,
		"https://example.com/css/site.css": ".logo { background: url('logo.png'); }",
		"https://example.com/css/logo.png": "LOGO",
	})
	o.header["https://example.com/css/site.css"] = "text/css"
	h := newHarness(t, o, nil)

	art, err := h.service.Capture(context.Background(), request("https://example.com/"))
	require.NoError(t, err)

	rewritten := h.markup(t, art.RewrittenHTMLKey)
	require.NotContains(t, rewritten, `rel="stylesheet"`)
	require.Contains(t, rewritten, "<style>")
	require.NotContains(t, rewritten, "url('logo.png')")

	location := art.URLMap["https://example.com/css/logo.png"]
	require.True(t, strings.HasPrefix(location, "https://cdn.example.net/sites/"), location)
	require.Contains(t, rewritten, location)
	require.Equal(t, 1, o.count("https://example.com/css/logo.png"))
}

func TestCaptureFallsBackToBrowserOnForbidden(t *testing.T) {
	t.Parallel()

	o := newOrigin(map[string]string{"https://example.com/img/hero.jpg": "JPEG"})
	o.fail["https://example.com/shop"] = forbiddenExhausted("https://example.com/shop")
	browserTheme := capture.EmptyTheme()
	browserTheme.ColorPalette = []string{"rgb(0, 0, 0)"}
	b := &fakeBrowser{capture: capture.BrowserCapture{
		HTML:       `<html><body><img src="img/hero.jpg"></body></html>`,
		Theme:      browserTheme,
		StatusCode: http.StatusOK,
	}}
	h := newHarness(t, o, nil, capture.WithBrowser(b))

	art, err := h.service.Capture(context.Background(), request("https://example.com/shop"))
	require.NoError(t, err)

	require.Equal(t, 1, b.fetches)
	require.Empty(t, b.themeCalls)
	require.Equal(t, capture.StrategyBrowser, art.Strategy)
	require.Equal(t, "puppeteer", art.Payload().MethodUsed)
	require.Equal(t, []string{"rgb(0, 0, 0)"}, art.Theme.ColorPalette)
	require.Contains(t, art.URLMap, "https://example.com/img/hero.jpg")
}

func TestCaptureRecordsSpans(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	o := newOrigin(nil)
	o.fail["https://example.com/shop"] = forbiddenExhausted("https://example.com/shop")
	b := &fakeBrowser{capture: capture.BrowserCapture{HTML: "<html></html>", Theme: capture.EmptyTheme()}}
	h := newHarness(t, o, nil, capture.WithBrowser(b), capture.WithTracerProvider(tp))

	_, err := h.service.Capture(context.Background(), request("https://example.com/shop"))
	require.NoError(t, err)

	names := map[string]bool{}
	for _, span := range recorder.Ended() {
		names[span.Name()] = true
	}
	require.True(t, names["capture"])
	require.True(t, names["capture.browser_fallback"])
	require.True(t, names["capture.rewrite"])

	recorder2 := tracetest.NewSpanRecorder()
	tp2 := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder2))
	t.Cleanup(func() { _ = tp2.Shutdown(context.Background()) })
	failing := newHarness(t, newOrigin(nil), nil, capture.WithTracerProvider(tp2))
	_, err = failing.service.Capture(context.Background(), request("https://example.com/missing"))
	require.Error(t, err)

	ended := recorder2.Ended()
	require.Len(t, ended, 1)
	require.Equal(t, codes.Error, ended[0].Status().Code)
	require.Equal(t, "FetchExhausted", ended[0].Status().Description)
}

func TestCaptureReportsBothFailures(t *testing.T) {
	t.Parallel()

	o := newOrigin(nil)
	o.fail["https://example.com/page"] = forbiddenExhausted("https://example.com/page")
	b := &fakeBrowser{err: fmt.Errorf("%w: all navigation strategies failed, last error: navigation timeout of 20s exceeded",
		capture.ErrBrowserCaptureFailed)}
	h := newHarness(t, o, nil, capture.WithBrowser(b))

	_, err := h.service.Capture(context.Background(), request("https://example.com/page"))
	require.Error(t, err)
	require.Equal(t, 1, b.fetches)
	require.Equal(t, capture.KindBrowserCaptureFailed, capture.KindOf(err))
	require.ErrorIs(t, err, capture.ErrBrowserCaptureFailed)
	require.ErrorIs(t, err, capture.ErrFetchExhausted)

	payload := capture.ErrorPayload(err)
	require.Equal(t, "error", payload.Status)
	require.Equal(t, "BrowserCaptureFailed", payload.ErrorType)
	require.Equal(t, "blocked", payload.Cause)
	require.Contains(t, payload.Error, "HTTP 403")
	require.Contains(t, payload.Error, "navigation timeout of 20s exceeded")
	require.Empty(t, h.blobs.Keys(bucket))
}

func TestCaptureSkipsBrowserForOtherFailures(t *testing.T) {
	t.Parallel()

	o := newOrigin(nil)
	b := &fakeBrowser{}
	h := newHarness(t, o, nil, capture.WithBrowser(b))

	_, err := h.service.Capture(context.Background(), request("https://example.com/missing"))
	require.Error(t, err)
	require.Zero(t, b.fetches)
	require.Equal(t, capture.KindFetchExhausted, capture.KindOf(err))
	require.Equal(t, capture.CauseOrigin, capture.CauseOf(err))
	require.Contains(t, err.Error(), "HTTP 404")
}

func TestCaptureWithoutBrowserReportsUnavailable(t *testing.T) {
	t.Parallel()

	o := newOrigin(nil)
	o.fail["https://example.com/"] = &capture.ExhaustedError{
		Attempts: 3,
		Last:     &capture.FetchError{Kind: capture.FailureTimeout, URL: "https://example.com/", Err: context.DeadlineExceeded},
	}
	h := newHarness(t, o, nil)

	_, err := h.service.Capture(context.Background(), request("https://example.com/"))
	require.Error(t, err)
	require.Equal(t, capture.KindFetchExhausted, capture.KindOf(err))
	require.ErrorIs(t, err, capture.ErrBrowserUnavailable)
	require.Equal(t, capture.CauseNetwork, capture.CauseOf(err))
}

func TestCaptureRejectsUnsafeTargets(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"", "ftp://example.com/", "http://127.0.0.1/admin", "http://localhost:8080/"} {
		o := newOrigin(nil)
		h := newHarness(t, o, nil)
		_, err := h.service.Capture(context.Background(), request(raw))
		require.Error(t, err, raw)
		require.Equal(t, capture.KindInvalidInput, capture.KindOf(err), raw)
		require.Equal(t, http.StatusBadRequest, capture.KindOf(err).HTTPStatus())
		require.Empty(t, o.calls, raw)
	}
}

func TestCaptureRequiresBucket(t *testing.T) {
	t.Parallel()

	o := newOrigin(nil)
	h := newHarness(t, o, nil)
	_, err := h.service.Capture(context.Background(), capture.Request{TargetURL: "https://example.com/"})
	require.Error(t, err)
	require.Equal(t, capture.KindMisconfiguration, capture.KindOf(err))
	require.Equal(t, capture.CauseInternal, capture.CauseOf(err))
	require.Empty(t, o.calls)
}

func TestCaptureUsesBrowserForThemeAfterDirectFetch(t *testing.T) {
	t.Parallel()

	o := newOrigin(map[string]string{"https://example.com/": `<html><body><nav></nav></body></html>`})
	b := &fakeBrowser{}
	h := newHarness(t, o, nil, capture.WithBrowser(b))

	art, err := h.service.Capture(context.Background(), request("https://example.com/"))
	require.NoError(t, err)
	require.Zero(t, b.fetches)
	require.Equal(t, []string{"https://example.com/"}, b.themeCalls)
	require.Equal(t, []string{"Browser Sans"}, art.Theme.Fonts)
	require.True(t, art.Theme.LayoutHints.HasNav)
}

func TestCaptureFallsBackToStaticTheme(t *testing.T) {
	t.Parallel()

	o := newOrigin(map[string]string{
		"https://example.com/":            `<html><head><link rel="icon" href="/favicon.ico"></head><body><header></header></body></html>`,
		"https://example.com/favicon.ico": "ICO",
	})
	b := &fakeBrowser{themeErr: errors.New("launch chrome: exec: not found")}
	h := newHarness(t, o, nil, capture.WithBrowser(b))

	art, err := h.service.Capture(context.Background(), request("https://example.com/"))
	require.NoError(t, err)
	require.True(t, art.Theme.LayoutHints.HasHeader)
	require.NotNil(t, art.Theme.FaviconURL)
	require.Equal(t, "https://example.com/favicon.ico", *art.Theme.FaviconURL)
}

func TestCaptureMarkupUploadFailureIsFatal(t *testing.T) {
	t.Parallel()

	o := newOrigin(map[string]string{"https://example.com/": `<html><body></body></html>`})
	h := newHarness(t, o, failingStore{BlobStore: memory.NewBlobStore()})

	_, err := h.service.Capture(context.Background(), request("https://example.com/"))
	require.Error(t, err)
	require.Equal(t, capture.KindStorageFailure, capture.KindOf(err))
	require.Contains(t, err.Error(), "bucket quota exceeded")
}

func TestCapturePublishesAndRecords(t *testing.T) {
	t.Parallel()

	o := newOrigin(map[string]string{
		"https://example.com/":      `<img src="/a.png"><img src="https://EXAMPLE.com/a.png">`,
		"https://example.com/a.png": "PNG",
	})
	pub := pubmemory.New()
	records := &recordSink{}
	h := newHarness(t, o, nil, capture.WithPublisher(pub, "captures-done"), capture.WithRecordStore(records))

	art, err := h.service.Capture(context.Background(), request("https://example.com/"))
	require.NoError(t, err)
	require.Equal(t, 1, art.AssetCount())

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "captures-done", msgs[0].Topic)
	require.Equal(t, capture.CompletedEvent, msgs[0].Event)
	require.Contains(t, string(msgs[0].Data), `"request_id":"req-1"`)
	require.Contains(t, string(msgs[0].Data), `"asset_count":1`)

	require.Len(t, records.records, 1)
	rec := records.records[0]
	require.Equal(t, "req-1", rec.ID)
	require.Equal(t, bucket, rec.Bucket)
	require.Equal(t, "http", rec.MethodUsed)
	require.Equal(t, art.URLMap, rec.URLMap)
	require.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), rec.CapturedAt)

	want, err := markuphash.New().HashReader(strings.NewReader(h.markup(t, art.OriginalHTMLKey)))
	require.NoError(t, err)
	require.Equal(t, want, art.ContentHash)
	require.Equal(t, want, rec.ContentHash)
	require.Contains(t, string(msgs[0].Data), `"content_sha256":"`+want+`"`)
}

func TestCaptureIgnoresLedgerFailures(t *testing.T) {
	t.Parallel()

	o := newOrigin(map[string]string{"https://example.com/": `<p>hi</p>`})
	records := &recordSink{err: errors.New("connection refused")}
	h := newHarness(t, o, nil, capture.WithRecordStore(records))

	_, err := h.service.Capture(context.Background(), request("https://example.com/"))
	require.NoError(t, err)
	require.Len(t, records.records, 1)
}

func TestCaptureCanceledContextIsAborted(t *testing.T) {
	t.Parallel()

	o := newOrigin(nil)
	o.fail["https://example.com/"] = fmt.Errorf("direct fetch aborted: %w", context.Canceled)
	b := &fakeBrowser{}
	h := newHarness(t, o, nil, capture.WithBrowser(b))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.service.Capture(ctx, request("https://example.com/"))
	require.Error(t, err)
	require.Equal(t, capture.KindAborted, capture.KindOf(err))
	require.Equal(t, http.StatusGatewayTimeout, capture.KindOf(err).HTTPStatus())
	require.Zero(t, b.fetches)
}

func TestNewServiceValidatesDependencies(t *testing.T) {
	t.Parallel()

	o := newOrigin(nil)
	up := uploader.New(memory.NewBlobStore(), uploader.Config{}, nil, nil)
	rw := rewriter.New(o, nil, rewriter.Config{}, nil)

	_, err := capture.NewService(nil, rw, up, nil)
	require.ErrorContains(t, err, "direct fetcher is required")
	_, err = capture.NewService(o, nil, up, nil)
	require.ErrorContains(t, err, "asset rewriter is required")
	_, err = capture.NewService(o, rw, nil, nil)
	require.ErrorContains(t, err, "uploader is required")
}
