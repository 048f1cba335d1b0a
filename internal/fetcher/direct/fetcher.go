// Package direct fetches pages over plain HTTP, rotating browser identities
// and backing off between attempts.
package direct

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-capture/internal/capture"
	"github.com/JakeFAU/site-capture/internal/metrics"
)

// Config controls attempts, timeouts, and backoff.
type Config struct {
	MaxAttempts      int
	BaseTimeout      time.Duration
	TimeoutIncrement time.Duration
	ForbiddenBackoff time.Duration
	RetryBackoff     time.Duration
	MaxBodyBytes     int64
}

// DefaultConfig returns the settings used for page fetches.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:      3,
		BaseTimeout:      20 * time.Second,
		TimeoutIncrement: 5 * time.Second,
		ForbiddenBackoff: 2 * time.Second,
		RetryBackoff:     time.Second,
		MaxBodyBytes:     32 << 20,
	}
}

// Fetcher implements capture.DirectFetcher.
type Fetcher struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
	pick   func(n int) int
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient overrides the HTTP client. Redirects are still handled by
// the fetcher, so the client's CheckRedirect is replaced.
func WithHTTPClient(client *http.Client) Option {
	return func(f *Fetcher) {
		c := *client
		c.CheckRedirect = noRedirects
		f.client = &c
	}
}

// WithSleep replaces the backoff sleeper.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(f *Fetcher) { f.sleep = sleep }
}

// WithPicker replaces the random source used to pick referrers.
func WithPicker(pick func(n int) int) Option {
	return func(f *Fetcher) { f.pick = pick }
}

// New builds a Fetcher. Zero config fields take their defaults; negative
// durations disable the corresponding wait.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Fetcher {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	cfg.BaseTimeout = durationOrDefault(cfg.BaseTimeout, def.BaseTimeout)
	cfg.TimeoutIncrement = durationOrDefault(cfg.TimeoutIncrement, def.TimeoutIncrement)
	cfg.ForbiddenBackoff = durationOrDefault(cfg.ForbiddenBackoff, def.ForbiddenBackoff)
	cfg.RetryBackoff = durationOrDefault(cfg.RetryBackoff, def.RetryBackoff)
	if cfg.MaxBodyBytes == 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Fetcher{
		cfg: cfg,
		client: &http.Client{
			Transport:     newHTTPTransport(),
			CheckRedirect: noRedirects,
		},
		logger: logger.Named("direct"),
		sleep:  sleepContext,
		pick:   rand.IntN,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch downloads rawURL, retrying up to MaxAttempts times.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (capture.FetchOutcome, error) {
	var last *capture.FetchError
	for n := 1; n <= f.cfg.MaxAttempts; n++ {
		attempt := f.plan(n)
		outcome, ferr := f.attempt(ctx, rawURL, attempt)
		if ferr == nil {
			metrics.ObserveFetchAttempt(string(capture.StrategyDirect), "success")
			f.logger.Debug("direct fetch succeeded",
				zap.String("url", rawURL),
				zap.Int("attempt", n),
				zap.Int("status", outcome.StatusCode),
				zap.Int("bytes", len(outcome.Body)),
			)
			return outcome, nil
		}
		last = ferr
		metrics.ObserveFetchAttempt(string(capture.StrategyDirect), ferr.Kind.String())
		f.logger.Info("direct fetch attempt failed",
			zap.String("url", rawURL),
			zap.Int("attempt", n),
			zap.String("kind", ferr.Kind.String()),
			zap.String("user_agent", attempt.UserAgent),
			zap.Error(ferr),
		)
		if ctx.Err() != nil {
			return capture.FetchOutcome{}, fmt.Errorf("direct fetch aborted: %w", ctx.Err())
		}
		if n == f.cfg.MaxAttempts {
			break
		}
		delay := f.Backoff(n, ferr.Kind)
		if err := f.sleep(ctx, delay); err != nil {
			return capture.FetchOutcome{}, fmt.Errorf("direct fetch aborted: %w", err)
		}
	}
	return capture.FetchOutcome{}, &capture.ExhaustedError{Attempts: f.cfg.MaxAttempts, Last: last}
}

// Backoff returns the wait after a failed attempt. Forbidden responses get a
// longer cooldown than generic failures.
func (f *Fetcher) Backoff(attempt int, kind capture.FailureKind) time.Duration {
	if kind == capture.FailureForbidden {
		return f.cfg.ForbiddenBackoff << uint(attempt)
	}
	return f.cfg.RetryBackoff << uint(attempt-1)
}

// Timeout returns the per-attempt timeout.
func (f *Fetcher) Timeout(attempt int) time.Duration {
	return f.cfg.BaseTimeout + time.Duration(attempt-1)*f.cfg.TimeoutIncrement
}

func (f *Fetcher) plan(n int) capture.FetchAttempt {
	return capture.FetchAttempt{
		Number:    n,
		Strategy:  capture.StrategyDirect,
		UserAgent: IdentityFor(n, f.pick).UserAgent,
		Timeout:   f.Timeout(n),
	}
}

func (f *Fetcher) attempt(ctx context.Context, rawURL string, attempt capture.FetchAttempt) (capture.FetchOutcome, *capture.FetchError) {
	attemptCtx, cancel := context.WithTimeout(ctx, attempt.Timeout)
	defer cancel()

	identity := IdentityFor(attempt.Number, f.pick)
	outcome, err := f.get(attemptCtx, rawURL, identity)
	if err != nil {
		return capture.FetchOutcome{}, classifyError(attemptCtx, rawURL, attempt.Number, err)
	}
	if outcome.StatusCode >= 300 && outcome.StatusCode < 400 {
		if location := outcome.Header.Get("Location"); location != "" {
			target, err := resolveLocation(rawURL, location)
			if err != nil {
				return capture.FetchOutcome{}, &capture.FetchError{
					Kind: capture.FailureOther, URL: rawURL, Attempt: attempt.Number, Err: err,
				}
			}
			f.logger.Debug("following redirect", zap.String("from", rawURL), zap.String("to", target))
			outcome, err = f.get(attemptCtx, target, identity)
			if err != nil {
				return capture.FetchOutcome{}, classifyError(attemptCtx, target, attempt.Number, err)
			}
		}
	}
	if ferr := classifyStatus(outcome, attempt.Number); ferr != nil {
		return capture.FetchOutcome{}, ferr
	}
	return outcome, nil
}

func (f *Fetcher) get(ctx context.Context, rawURL string, identity Identity) (capture.FetchOutcome, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return capture.FetchOutcome{}, fmt.Errorf("build request: %w", err)
	}
	for key, values := range identity.Header {
		req.Header[key] = append([]string(nil), values...)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return capture.FetchOutcome{}, fmt.Errorf("get %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	raw, err := readLimited(resp.Body, f.cfg.MaxBodyBytes, "raw")
	if err != nil {
		return capture.FetchOutcome{}, fmt.Errorf("read body: %w", err)
	}
	body, err := decodeBody(resp.Header.Get("Content-Encoding"), raw, f.cfg.MaxBodyBytes)
	if err != nil {
		return capture.FetchOutcome{}, err
	}
	return capture.FetchOutcome{
		URL:        resp.Request.URL.String(),
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
	}, nil
}

func classifyStatus(outcome capture.FetchOutcome, attempt int) *capture.FetchError {
	switch {
	case outcome.StatusCode >= 200 && outcome.StatusCode < 400:
		return nil
	case outcome.StatusCode == http.StatusForbidden:
		return &capture.FetchError{
			Kind: capture.FailureForbidden, URL: outcome.URL, Attempt: attempt, StatusCode: outcome.StatusCode,
		}
	default:
		return &capture.FetchError{
			Kind: capture.FailureOther, URL: outcome.URL, Attempt: attempt, StatusCode: outcome.StatusCode,
		}
	}
}

func classifyError(ctx context.Context, rawURL string, attempt int, err error) *capture.FetchError {
	kind := capture.FailureOther
	var netErr net.Error
	switch {
	case errors.Is(err, syscall.ECONNRESET):
		kind = capture.FailureConnectionReset
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		kind = capture.FailureTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = capture.FailureTimeout
	}
	return &capture.FetchError{Kind: kind, URL: rawURL, Attempt: attempt, Err: err}
}

func resolveLocation(base, location string) (string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	ref, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("parse location %q: %w", location, err)
	}
	return baseURL.ResolveReference(ref).String(), nil
}

// durationOrDefault treats zero as unset and negative values as "none".
func durationOrDefault(d, def time.Duration) time.Duration {
	switch {
	case d == 0:
		return def
	case d < 0:
		return 0
	default:
		return d
	}
}

func noRedirects(*http.Request, []*http.Request) error {
	return http.ErrUseLastResponse
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

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		DisableCompression:    true,
	}
}
