// Package browser renders pages in a headless browser when a direct fetch is
// blocked, and runs in-page theme extraction.
package browser

import (
	"context"
	"time"
)

// WaitCondition is the lifecycle milestone a navigation waits for.
type WaitCondition string

// Navigation completion conditions, loosest last.
const (
	WaitNetworkIdle      WaitCondition = "networkAlmostIdle"
	WaitDOMContentLoaded WaitCondition = "DOMContentLoaded"
	WaitLoad             WaitCondition = "load"
)

// Launcher starts a browser process.
type Launcher interface {
	Launch(ctx context.Context) (Browser, error)
}

// Browser is one running browser process. Close terminates it.
type Browser interface {
	NewPage(ctx context.Context) (Page, error)
	Close() error
}

// Page is a single tab.
type Page interface {
	SetExtraHeaders(ctx context.Context, headers map[string]string) error
	EvaluateBeforeLoad(ctx context.Context, script string) error
	// Goto navigates and returns the main document status, or 0 if unknown.
	Goto(ctx context.Context, url string, wait WaitCondition, timeout time.Duration) (int, error)
	// SetContent replaces the document with html; relative references
	// resolve against baseURL.
	SetContent(ctx context.Context, html, baseURL string) error
	Evaluate(ctx context.Context, expression string, out any) error
	Content(ctx context.Context) (string, error)
	Close() error
}
