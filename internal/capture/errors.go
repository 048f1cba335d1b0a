package capture

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// FailureKind classifies a failed direct fetch attempt.
type FailureKind int

// Failure kinds produced by the direct fetcher.
const (
	FailureOther FailureKind = iota
	FailureForbidden
	FailureTimeout
	FailureConnectionReset
)

func (k FailureKind) String() string {
	switch k {
	case FailureForbidden:
		return "forbidden"
	case FailureTimeout:
		return "timeout"
	case FailureConnectionReset:
		return "connection_reset"
	default:
		return "other"
	}
}

// FallbackEligible reports whether the browser fallback should be attempted.
func (k FailureKind) FallbackEligible() bool {
	switch k {
	case FailureForbidden, FailureTimeout, FailureConnectionReset:
		return true
	default:
		return false
	}
}

// FetchError is the classified failure of one direct fetch attempt.
type FetchError struct {
	Kind       FailureKind
	URL        string
	Attempt    int
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	switch {
	case e.StatusCode == http.StatusForbidden:
		return "HTTP 403: access forbidden, site may be blocking automated requests"
	case e.StatusCode != 0:
		text := http.StatusText(e.StatusCode)
		if text == "" {
			text = "unknown error"
		}
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, text)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// ExhaustedError is returned once every direct attempt has failed.
type ExhaustedError struct {
	Attempts int
	Last     *FetchError
}

func (e *ExhaustedError) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("failed after %d attempts", e.Attempts)
	}
	return fmt.Sprintf("failed after %d attempts, last error: %s", e.Attempts, e.Last.Error())
}

func (e *ExhaustedError) Unwrap() []error {
	if e.Last == nil {
		return []error{ErrFetchExhausted}
	}
	return []error{ErrFetchExhausted, e.Last}
}

// CombinedError keeps both failures when the direct and browser paths fail.
type CombinedError struct {
	Direct  error
	Browser error
}

func (e *CombinedError) Error() string {
	return fmt.Sprintf("unable to fetch website, direct fetch error: %v; browser fallback error: %v",
		e.Direct, e.Browser)
}

func (e *CombinedError) Unwrap() []error {
	return []error{e.Direct, e.Browser}
}

// Sentinel errors shared across the pipeline.
var (
	ErrFetchExhausted       = errors.New("direct fetch exhausted")
	ErrBrowserCaptureFailed = errors.New("browser capture failed")
	ErrBrowserUnavailable   = errors.New("browser fallback is not configured")
)

// FailureKindOf extracts the failure kind carried by err.
func FailureKindOf(err error) FailureKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return FailureOther
}

// ErrorKind is the pipeline-level error taxonomy.
type ErrorKind int

// Pipeline error kinds.
const (
	KindInternal ErrorKind = iota
	KindInvalidInput
	KindFetchExhausted
	KindBrowserCaptureFailed
	KindStorageFailure
	KindMisconfiguration
	KindAborted
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidInput:
		return "InvalidInput"
	case KindFetchExhausted:
		return "FetchExhausted"
	case KindBrowserCaptureFailed:
		return "BrowserCaptureFailed"
	case KindStorageFailure:
		return "StorageFailure"
	case KindMisconfiguration:
		return "Misconfiguration"
	case KindAborted:
		return "Aborted"
	default:
		return "Internal"
	}
}

// HTTPStatus maps the kind onto a response status code.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindFetchExhausted, KindBrowserCaptureFailed:
		return http.StatusBadGateway
	case KindAborted:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Error is a pipeline failure surfaced to callers.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the pipeline error kind of err.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindAborted
	}
	return KindInternal
}

// Cause is a coarse explanation of why a capture failed.
type Cause string

// Failure causes.
const (
	CauseBlocked  Cause = "blocked"
	CauseNetwork  Cause = "network"
	CauseOrigin   Cause = "origin"
	CauseInput    Cause = "input"
	CauseInternal Cause = "internal"
)

// CauseOf distinguishes origin blocking from network trouble and internal faults.
func CauseOf(err error) Cause {
	switch KindOf(err) {
	case KindInvalidInput:
		return CauseInput
	case KindMisconfiguration, KindStorageFailure, KindInternal:
		return CauseInternal
	case KindAborted:
		return CauseNetwork
	}
	var fe *FetchError
	if !errors.As(err, &fe) {
		return CauseOrigin
	}
	switch fe.Kind {
	case FailureForbidden:
		return CauseBlocked
	case FailureTimeout, FailureConnectionReset:
		return CauseNetwork
	}
	if fe.StatusCode != 0 {
		return CauseOrigin
	}
	return CauseNetwork
}
