package capture

import (
	"context"
	"time"
)

// DirectFetcher downloads a URL over plain HTTP with retries.
type DirectFetcher interface {
	Fetch(ctx context.Context, rawURL string) (FetchOutcome, error)
}

// BrowserFetcher renders pages in a headless browser.
type BrowserFetcher interface {
	FetchWithBrowser(ctx context.Context, rawURL string) (BrowserCapture, error)
	ExtractTheme(ctx context.Context, html, baseURL string) (ThemeInfo, error)
}

// AssetRewriter re-hosts referenced assets and rewrites markup in place.
type AssetRewriter interface {
	Rewrite(ctx context.Context, html, baseURL string, target AssetSink) (Rewritten, error)
}

// AssetSink stores one asset and returns the location it is served from.
type AssetSink interface {
	PutAsset(ctx context.Context, assetURL, contentType string, data []byte) (string, error)
}

// StorageTarget is a destination-bound view of the uploader.
type StorageTarget interface {
	AssetSink
	PutMarkup(ctx context.Context, requestID, name, html string) (string, error)
}

// Uploader binds uploads to a destination.
type Uploader interface {
	ForDestination(dest Destination) StorageTarget
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, bucket, key, contentType string, data []byte) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// RecordStore persists one row per successful capture.
type RecordStore interface {
	InsertCapture(ctx context.Context, record Record) error
}

// ThemeFallback derives theme signals without a browser.
type ThemeFallback func(html, baseURL string) (ThemeInfo, error)

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// Hasher fingerprints captured markup.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// IDGenerator produces request IDs.
type IDGenerator interface {
	NewID() (string, error)
}
