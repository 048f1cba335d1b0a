package capture

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-capture/internal/hash/sha256"
	"github.com/JakeFAU/site-capture/internal/id/uuid"
	"github.com/JakeFAU/site-capture/internal/metrics"
	"github.com/JakeFAU/site-capture/internal/sanitizer"
)

// Markup artifact names under {prefix}/{requestID}/.
const (
	OriginalMarkupName  = "original.html"
	RewrittenMarkupName = "rewritten.html"
)

// CompletedEvent is the event name published after a successful capture.
const CompletedEvent = "capture.completed"

const tracerName = "github.com/JakeFAU/site-capture/internal/capture"

// Service runs the capture pipeline. It holds no per-request state, so a
// single Service may serve concurrent captures.
type Service struct {
	direct    DirectFetcher
	browser   BrowserFetcher
	rewriter  AssetRewriter
	uploader  Uploader
	publisher Publisher
	topic     string
	records   RecordStore
	fallback  ThemeFallback
	clock     Clock
	ids       IDGenerator
	hasher    Hasher
	tracer    trace.Tracer
	logger    *zap.Logger
}

// Option customizes a Service.
type Option func(*Service)

// WithBrowser enables the browser fallback and browser theme extraction.
func WithBrowser(b BrowserFetcher) Option {
	return func(s *Service) { s.browser = b }
}

// WithPublisher publishes a notification to topic after each capture.
func WithPublisher(p Publisher, topic string) Option {
	return func(s *Service) {
		s.publisher = p
		s.topic = topic
	}
}

// WithRecordStore writes a ledger row after each capture.
func WithRecordStore(r RecordStore) Option {
	return func(s *Service) { s.records = r }
}

// WithThemeFallback derives theme signals when browser extraction is not
// possible.
func WithThemeFallback(f ThemeFallback) Option {
	return func(s *Service) { s.fallback = f }
}

// WithClock overrides the time source.
func WithClock(c Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithHasher overrides the markup fingerprint.
func WithHasher(h Hasher) Option {
	return func(s *Service) { s.hasher = h }
}

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Service) { s.tracer = tp.Tracer(tracerName) }
}

// WithIDGenerator overrides request ID generation.
func WithIDGenerator(g IDGenerator) Option {
	return func(s *Service) { s.ids = g }
}

// NewService wires the pipeline stages.
func NewService(direct DirectFetcher, rewriter AssetRewriter, uploader Uploader, logger *zap.Logger, opts ...Option) (*Service, error) {
	if direct == nil {
		return nil, errors.New("direct fetcher is required")
	}
	if rewriter == nil {
		return nil, errors.New("asset rewriter is required")
	}
	if uploader == nil {
		return nil, errors.New("uploader is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		direct:   direct,
		rewriter: rewriter,
		uploader: uploader,
		clock:    systemClock{},
		ids:      uuid.NewUUIDGenerator(),
		hasher:   sha256.New(),
		tracer:   otel.Tracer(tracerName),
		logger:   logger.Named("capture"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Capture runs one capture of req.TargetURL into req.Destination. Every
// returned error is a *Error.
func (s *Service) Capture(ctx context.Context, req Request) (Artifact, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "capture", trace.WithAttributes(attribute.String("capture.url", req.TargetURL)))
	defer span.End()

	art, err := s.run(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, KindOf(err).String())
		metrics.ObserveCapture("none", StatusError, time.Since(start))
		s.logger.Warn("capture failed",
			zap.String("url", req.TargetURL),
			zap.String("kind", KindOf(err).String()),
			zap.String("cause", string(CauseOf(err))),
			zap.Error(err),
		)
		return Artifact{}, err
	}
	span.SetAttributes(
		attribute.String("capture.request_id", art.RequestID),
		attribute.String("capture.method", art.Strategy.WireName()),
		attribute.Int("capture.assets", art.AssetCount()),
	)
	metrics.ObserveCapture(art.Strategy.WireName(), StatusFetched, time.Since(start))
	s.logger.Info("capture complete",
		zap.String("request_id", art.RequestID),
		zap.String("url", art.URL),
		zap.String("method", art.Strategy.WireName()),
		zap.Int("assets", art.AssetCount()),
		zap.Duration("elapsed", time.Since(start)),
	)
	return art, nil
}

func (s *Service) run(ctx context.Context, req Request) (Artifact, error) {
	target, err := sanitizer.Sanitize(req.TargetURL)
	if err != nil {
		return Artifact{}, newError(KindInvalidInput, "sanitize url", err)
	}
	dest := req.Destination
	if strings.TrimSpace(dest.Bucket) == "" {
		return Artifact{}, newError(KindMisconfiguration, "resolve destination",
			errors.New("destination bucket is not configured"))
	}
	requestID, err := s.ids.NewID()
	if err != nil {
		return Artifact{}, newError(KindInternal, "generate request id", err)
	}
	logger := s.logger.With(zap.String("request_id", requestID), zap.String("url", target))

	page, err := s.fetch(ctx, target, logger)
	if err != nil {
		return Artifact{}, err
	}

	store := s.uploader.ForDestination(dest)
	rctx, rspan := s.tracer.Start(ctx, "capture.rewrite")
	rewritten, err := s.rewriter.Rewrite(rctx, page.html, page.baseURL, store)
	rspan.SetAttributes(attribute.Int("capture.rehosted", len(rewritten.URLMap)))
	rspan.End()
	if err != nil {
		return Artifact{}, newError(abortedOr(ctx, KindInternal), "rewrite assets", err)
	}

	originalKey, err := store.PutMarkup(ctx, requestID, OriginalMarkupName, page.html)
	if err != nil {
		return Artifact{}, newError(abortedOr(ctx, KindStorageFailure), "store original markup", err)
	}
	rewrittenKey, err := store.PutMarkup(ctx, requestID, RewrittenMarkupName, rewritten.HTML)
	if err != nil {
		return Artifact{}, newError(abortedOr(ctx, KindStorageFailure), "store rewritten markup", err)
	}

	art := Artifact{
		RequestID:        requestID,
		URL:              target,
		OriginalHTMLKey:  originalKey,
		RewrittenHTMLKey: rewrittenKey,
		Theme:            page.theme,
		URLMap:           rewritten.URLMap,
		Strategy:         page.strategy,
		ContentHash:      s.fingerprint(page.html, logger),
		CapturedAt:       s.clock.Now(),
	}
	s.record(ctx, art, dest, logger)
	return art, nil
}

// fetched is the markup produced by either fetch path.
type fetched struct {
	html     string
	baseURL  string
	theme    ThemeInfo
	strategy Strategy
}

// fetch tries the direct path first and falls back to the browser for
// failures that look like blocking or network trouble.
func (s *Service) fetch(ctx context.Context, target string, logger *zap.Logger) (fetched, error) {
	outcome, directErr := s.direct.Fetch(ctx, target)
	if directErr == nil {
		baseURL := outcome.URL
		if baseURL == "" {
			baseURL = target
		}
		html := string(outcome.Body)
		return fetched{
			html:     html,
			baseURL:  baseURL,
			theme:    s.theme(ctx, html, baseURL, logger),
			strategy: StrategyDirect,
		}, nil
	}
	if ctx.Err() != nil {
		return fetched{}, newError(KindAborted, "direct fetch", directErr)
	}

	kind := FailureKindOf(directErr)
	if !kind.FallbackEligible() {
		return fetched{}, newError(KindFetchExhausted, "direct fetch", directErr)
	}
	if s.browser == nil {
		return fetched{}, newError(KindFetchExhausted, "direct fetch",
			&CombinedError{Direct: directErr, Browser: ErrBrowserUnavailable})
	}

	logger.Info("direct fetch failed, falling back to browser",
		zap.String("kind", kind.String()),
		zap.Error(directErr),
	)
	bctx, bspan := s.tracer.Start(ctx, "capture.browser_fallback",
		trace.WithAttributes(attribute.String("capture.direct_failure", kind.String())))
	bc, browserErr := s.browser.FetchWithBrowser(bctx, target)
	if browserErr != nil {
		bspan.RecordError(browserErr)
	}
	bspan.End()
	if browserErr != nil {
		combined := &CombinedError{Direct: directErr, Browser: browserErr}
		return fetched{}, newError(abortedOr(ctx, KindBrowserCaptureFailed), "browser fallback", combined)
	}
	return fetched{
		html:     bc.HTML,
		baseURL:  target,
		theme:    bc.Theme,
		strategy: StrategyBrowser,
	}, nil
}

// theme extracts theme signals from markup that was fetched directly. It
// never fails: browser extraction falls back to static analysis, which
// falls back to an empty theme.
func (s *Service) theme(ctx context.Context, html, baseURL string, logger *zap.Logger) ThemeInfo {
	if s.browser != nil {
		info, err := s.browser.ExtractTheme(ctx, html, baseURL)
		if err == nil {
			return info
		}
		logger.Warn("browser theme extraction failed, using static fallback", zap.Error(err))
	}
	if s.fallback != nil {
		info, err := s.fallback(html, baseURL)
		if err == nil {
			return info
		}
		logger.Warn("static theme extraction failed", zap.Error(err))
	}
	return EmptyTheme()
}

// record publishes the completion event and writes the ledger row. Both
// are best effort.
func (s *Service) record(ctx context.Context, art Artifact, dest Destination, logger *zap.Logger) {
	if s.publisher != nil && s.topic != "" {
		note := Notification{
			Event:     CompletedEvent,
			RequestID: art.RequestID,
			URL:       art.URL,
			Bucket:    dest.Bucket,
			Keys: Keys{
				OriginalHTML:  art.OriginalHTMLKey,
				RewrittenHTML: art.RewrittenHTMLKey,
			},
			MethodUsed:  art.Strategy.WireName(),
			AssetCount:  art.AssetCount(),
			ContentHash: art.ContentHash,
			CapturedAt:  art.CapturedAt,
		}
		if msgID, err := s.publisher.Publish(ctx, s.topic, note); err != nil {
			logger.Warn("publish capture notification failed", zap.String("topic", s.topic), zap.Error(err))
		} else {
			logger.Debug("capture notification published", zap.String("message_id", msgID))
		}
	}
	if s.records != nil {
		rec := Record{
			ID:               art.RequestID,
			URL:              art.URL,
			Bucket:           dest.Bucket,
			OriginalHTMLKey:  art.OriginalHTMLKey,
			RewrittenHTMLKey: art.RewrittenHTMLKey,
			MethodUsed:       art.Strategy.WireName(),
			URLMap:           art.URLMap,
			ContentHash:      art.ContentHash,
			CapturedAt:       art.CapturedAt,
		}
		if err := s.records.InsertCapture(ctx, rec); err != nil {
			logger.Warn("write capture record failed", zap.Error(err))
		}
	}
}

func (s *Service) fingerprint(markup string, logger *zap.Logger) string {
	sum, err := s.hasher.Hash([]byte(markup))
	if err != nil {
		logger.Warn("hash original markup failed", zap.Error(err))
		return ""
	}
	return sum
}

func abortedOr(ctx context.Context, kind ErrorKind) ErrorKind {
	if ctx.Err() != nil {
		return KindAborted
	}
	return kind
}

// EmptyTheme is the theme reported when no signals could be extracted.
func EmptyTheme() ThemeInfo {
	return ThemeInfo{
		CSSLinks:     []string{},
		InlineStyles: []string{},
		ColorPalette: []string{},
		Fonts:        []string{},
	}
}
