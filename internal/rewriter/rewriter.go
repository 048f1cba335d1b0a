// Package rewriter makes captured markup self-contained: every image,
// script, icon and stylesheet it references is downloaded once, re-hosted,
// and the reference is rewritten in place. Linked stylesheets are inlined.
package rewriter

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/site-capture/internal/capture"
	"github.com/JakeFAU/site-capture/internal/metrics"
	"github.com/JakeFAU/site-capture/internal/sanitizer"
)

// Config controls asset processing.
type Config struct {
	// Concurrency bounds parallel downloads. 1 processes references
	// sequentially in document order.
	Concurrency int
}

// Rewriter implements capture.AssetRewriter.
type Rewriter struct {
	assets      capture.DirectFetcher
	stylesheets capture.DirectFetcher
	cfg         Config
	logger      *zap.Logger
	blocked     func(host string) bool
	newPacer    func() Pacer
}

// Pacer delays a download until its host may be contacted again.
type Pacer interface {
	Wait(ctx context.Context, rawURL string) error
}

// Option customizes a Rewriter.
type Option func(*Rewriter)

// WithHostFilter replaces the check that keeps assets on internal hosts
// from being fetched.
func WithHostFilter(blocked func(host string) bool) Option {
	return func(r *Rewriter) { r.blocked = blocked }
}

// WithPacer throttles asset downloads per host. newPacer is called once per
// Rewrite call so pacing state lives only as long as one capture.
func WithPacer(newPacer func() Pacer) Option {
	return func(r *Rewriter) { r.newPacer = newPacer }
}

// New builds a Rewriter. stylesheets downloads linked CSS and defaults to
// assets when nil.
func New(assets, stylesheets capture.DirectFetcher, cfg Config, logger *zap.Logger, opts ...Option) *Rewriter {
	if stylesheets == nil {
		stylesheets = assets
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Rewriter{
		assets:      assets,
		stylesheets: stylesheets,
		cfg:         cfg,
		logger:      logger.Named("rewriter"),
		blocked:     sanitizer.Forbidden,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Rewrite rehosts the assets referenced by markup into target. Individual
// asset failures are logged and leave that reference untouched; only
// cancellation of ctx fails the call.
func (r *Rewriter) Rewrite(ctx context.Context, markup, baseURL string, target capture.AssetSink) (capture.Rewritten, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return capture.Rewritten{}, fmt.Errorf("parse base url: %w", err)
	}
	doc := parse(markup)
	s := &session{
		Rewriter: r,
		base:     base,
		target:   target,
		memo:     newMemo(),
		urlMap:   make(map[string]string),
	}
	if r.newPacer != nil {
		s.pacer = r.newPacer()
	}

	var g errgroup.Group
	g.SetLimit(r.cfg.Concurrency)
	for _, ref := range doc.refs {
		g.Go(func() error {
			s.process(ctx, doc.parts[ref.part], ref)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return capture.Rewritten{}, fmt.Errorf("rewrite aborted: %w", err)
	}

	r.logger.Debug("rewrite complete",
		zap.String("base_url", baseURL),
		zap.Int("references", len(doc.refs)),
		zap.Int("rehosted", len(s.urlMap)),
	)
	return capture.Rewritten{HTML: doc.render(), URLMap: s.urlMap}, nil
}

// session is the state of one Rewrite call.
type session struct {
	*Rewriter
	base   *url.URL
	target capture.AssetSink
	memo   *memo
	pacer  Pacer

	mu     sync.Mutex
	urlMap map[string]string
}

func (s *session) process(ctx context.Context, raw string, ref *reference) {
	abs, ok := s.resolve(s.base, ref.value)
	if !ok {
		return
	}
	switch ref.kind {
	case refStylesheet:
		s.inline(ctx, raw, ref, abs)
	default:
		if a, ok := s.rehost(ctx, abs, false); ok {
			ref.replacement = ref.attr.withValue(raw, a.location)
		}
	}
}

// inline replaces a stylesheet link with a <style> element holding the
// rewritten CSS. A sheet whose upload failed is still inlined; the link is
// left as is only when the CSS text could not be downloaded.
func (s *session) inline(ctx context.Context, raw string, ref *reference, abs *url.URL) {
	a, ok := s.rehost(ctx, abs, true)
	if a.body != nil {
		css := s.rewriteCSS(ctx, string(a.body), abs)
		ref.replacement = styleElement(css, ref.media)
		return
	}
	if ok {
		ref.replacement = ref.attr.withValue(raw, a.location)
	}
}

// resolve turns ref into an absolute http(s) URL. Inline data, non-network
// schemes and internal hosts are skipped.
func (s *session) resolve(base *url.URL, ref string) (*url.URL, bool) {
	if ref == "" || hasPrefixFold(ref, "data:") {
		return nil, false
	}
	u, err := base.Parse(ref)
	if err != nil {
		s.logger.Debug("skipping unparsable asset reference", zap.String("ref", ref), zap.Error(err))
		return nil, false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, false
	}
	if u.Hostname() == "" || s.blocked(u.Hostname()) {
		metrics.ObserveAsset("skipped")
		s.logger.Debug("skipping asset on disallowed host", zap.String("url", u.String()))
		return nil, false
	}
	return u, true
}

// rehost downloads and uploads abs at most once per capture and records the
// spelling in the URL map on success.
func (s *session) rehost(ctx context.Context, abs *url.URL, stylesheet bool) (asset, bool) {
	spelling := abs.String()
	a := s.memo.get(normalizeKey(abs), func() asset {
		return s.download(ctx, spelling, stylesheet)
	})
	if a.err != nil {
		return a, false
	}
	s.mu.Lock()
	s.urlMap[spelling] = a.location
	s.mu.Unlock()
	return a, true
}

func (s *session) download(ctx context.Context, rawURL string, stylesheet bool) asset {
	fetcher := s.assets
	if stylesheet {
		fetcher = s.stylesheets
	}
	if s.pacer != nil {
		if err := s.pacer.Wait(ctx, rawURL); err != nil {
			metrics.ObserveAsset("failed")
			return asset{err: err}
		}
	}
	outcome, err := fetcher.Fetch(ctx, rawURL)
	if err != nil {
		metrics.ObserveAsset("failed")
		s.logger.Warn("asset download failed, keeping original reference",
			zap.String("url", rawURL), zap.Error(err))
		return asset{err: err}
	}
	contentType := outcome.ContentType()
	var a asset
	if stylesheet || strings.Contains(strings.ToLower(contentType), "css") {
		a.body = outcome.Body
	}
	location, err := s.target.PutAsset(ctx, rawURL, contentType, outcome.Body)
	if err != nil {
		metrics.ObserveAsset("failed")
		s.logger.Warn("asset upload failed, keeping original reference",
			zap.String("url", rawURL), zap.Error(err))
		a.err = err
		return a
	}
	metrics.ObserveAsset("rehosted")
	s.logger.Debug("asset rehosted", zap.String("url", rawURL), zap.String("location", location))

	a.location = location
	return a
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}
