package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-capture/internal/capture"
	"github.com/JakeFAU/site-capture/internal/metrics"
)

const maxRequestBytes = 1 << 20

// Capturer runs one capture.
type Capturer interface {
	Capture(ctx context.Context, req capture.Request) (capture.Artifact, error)
}

// Options configures the HTTP boundary.
type Options struct {
	// Defaults fills the bucket or prefix a request leaves out.
	Defaults capture.Destination
	// RequestTimeout bounds one capture. Zero disables the deadline.
	RequestTimeout time.Duration
	// APIKey, when set, is required in X-API-Key or the api_key query parameter.
	APIKey string
	// Ready reports downstream readiness for /readyz.
	Ready func(ctx context.Context) error
}

// Server wires HTTP handlers to the capture service.
type Server struct {
	router   chi.Router
	capturer Capturer
	opts     Options
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(capturer Capturer, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		capturer: capturer,
		opts:     opts,
		logger:   logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(otelhttp.NewMiddleware("capture-api"))
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Post("/captures", s.createCapture)
		r.Get("/captures", s.createCapture)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ready != nil {
		if err := s.opts.Ready(r.Context()); err != nil {
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// captureRequest accepts "url" or the older "source_url" spelling.
type captureRequest struct {
	URL       string `json:"url"`
	SourceURL string `json:"source_url"`
	Bucket    string `json:"bucket"`
	Prefix    string `json:"prefix"`
}

func (s *Server) createCapture(w http.ResponseWriter, r *http.Request) {
	body, err := decodeCaptureRequest(r)
	if err != nil {
		s.writeFailure(w, &capture.Error{Kind: capture.KindInvalidInput, Op: "decode request", Err: err})
		return
	}
	target := body.URL
	if target == "" {
		target = body.SourceURL
	}
	dest := capture.Destination{Bucket: body.Bucket, Prefix: body.Prefix}
	if dest.Bucket == "" {
		dest.Bucket = s.opts.Defaults.Bucket
	}
	if dest.Prefix == "" {
		dest.Prefix = s.opts.Defaults.Prefix
	}

	ctx := r.Context()
	if s.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.RequestTimeout)
		defer cancel()
	}
	art, err := s.capturer.Capture(ctx, capture.Request{TargetURL: target, Destination: dest})
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	w.Header().Set("X-Capture-ID", art.RequestID)
	s.writeJSON(w, http.StatusOK, art.Payload())
}

func decodeCaptureRequest(r *http.Request) (captureRequest, error) {
	var body captureRequest
	if r.Method == http.MethodGet {
		q := r.URL.Query()
		body.URL = q.Get("url")
		body.Bucket = q.Get("bucket")
		body.Prefix = q.Get("prefix")
		return body, nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	if err := dec.Decode(&body); err != nil {
		if errors.Is(err, io.EOF) {
			return body, errors.New("request body is empty")
		}
		return body, fmt.Errorf("invalid JSON: %w", err)
	}
	return body, nil
}

func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	s.writeJSON(w, capture.KindOf(err).HTTPStatus(), capture.ErrorPayload(err))
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID returns the request ID stored by the middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("request_id", RequestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered",
					zap.String("request_id", RequestID(r.Context())),
					zap.Any("panic", rec),
				)
				s.writeFailure(w, &capture.Error{Kind: capture.KindInternal, Err: errors.New("internal server error")})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if subtle.ConstantTimeCompare([]byte(key), []byte(expected)) != 1 {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"status":"error","error":"unauthorized"}` + "\n"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("write JSON failed", zap.Error(err))
	}
}
