// Package uploader names and writes capture artifacts to a blob store.
package uploader

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-capture/internal/capture"
)

// MarkupContentType is used for both markup uploads.
const MarkupContentType = "text/html; charset=utf-8"

const (
	suffixLen     = 11
	suffixCharset = "0123456789abcdefghijklmnopqrstuvwxyz"
	maxExtLen     = 5
)

// Config controls how stored objects are addressed.
type Config struct {
	// PublicBaseURL is a CDN domain or URL in front of the bucket. When
	// empty, the blob store URI is used as the asset location.
	PublicBaseURL string
}

// Uploader implements capture.Uploader.
type Uploader struct {
	store  capture.BlobStore
	cfg    Config
	now    func() time.Time
	suffix func() (string, error)
	logger *zap.Logger
}

// New builds an Uploader. A nil clock uses the system clock.
func New(store capture.BlobStore, cfg Config, clock capture.Clock, logger *zap.Logger) *Uploader {
	now := time.Now
	if clock != nil {
		now = clock.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Uploader{
		store:  store,
		cfg:    cfg,
		now:    now,
		suffix: randomSuffix,
		logger: logger.Named("uploader"),
	}
}

// ForDestination binds uploads to one bucket and prefix.
func (u *Uploader) ForDestination(dest capture.Destination) capture.StorageTarget {
	return &target{Uploader: u, bucket: dest.Bucket, prefix: strings.Trim(dest.Prefix, "/")}
}

type target struct {
	*Uploader
	bucket string
	prefix string
}

// PutAsset stores one asset under {prefix}/{millis}-{random}[.ext] and
// returns the location it is served from.
func (t *target) PutAsset(ctx context.Context, assetURL, contentType string, data []byte) (string, error) {
	suffix, err := t.suffix()
	if err != nil {
		return "", err
	}
	key := AssetKey(t.prefix, t.now(), suffix, Extension(assetURL))
	uri, err := t.store.PutObject(ctx, t.bucket, key, contentType, data)
	if err != nil {
		return "", fmt.Errorf("upload asset %s: %w", key, err)
	}
	location := t.location(key, uri)
	t.logger.Debug("asset uploaded",
		zap.String("asset_url", assetURL),
		zap.String("key", key),
		zap.Int("bytes", len(data)),
	)
	return location, nil
}

// PutMarkup stores markup under {prefix}/{requestID}/{name} and returns the key.
func (t *target) PutMarkup(ctx context.Context, requestID, name, html string) (string, error) {
	key := MarkupKey(t.prefix, requestID, name)
	if _, err := t.store.PutObject(ctx, t.bucket, key, MarkupContentType, []byte(html)); err != nil {
		return "", fmt.Errorf("upload markup %s: %w", key, err)
	}
	t.logger.Debug("markup uploaded", zap.String("key", key), zap.Int("bytes", len(html)))
	return key, nil
}

func (t *target) location(key, uri string) string {
	base := strings.TrimRight(strings.TrimSpace(t.cfg.PublicBaseURL), "/")
	switch {
	case base == "":
		return uri
	case strings.Contains(base, "://"):
		return base + "/" + key
	default:
		return "https://" + base + "/" + key
	}
}

// AssetKey builds the storage key of one asset.
func AssetKey(prefix string, at time.Time, suffix, ext string) string {
	name := strconv.FormatInt(at.UnixMilli(), 10) + "-" + suffix
	if ext != "" {
		name += "." + ext
	}
	return joinKey(prefix, name)
}

// MarkupKey builds the storage key of a markup artifact.
func MarkupKey(prefix, requestID, name string) string {
	return joinKey(prefix, requestID+"/"+name)
}

func joinKey(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

// Extension returns the short alphanumeric file extension of rawURL's path,
// or "" when there is none.
func Extension(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	ext := strings.TrimPrefix(path.Ext(u.Path), ".")
	if ext == "" || len(ext) > maxExtLen {
		return ""
	}
	for _, r := range ext {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return ""
		}
	}
	return strings.ToLower(ext)
}

func randomSuffix() (string, error) {
	buf := make([]byte, suffixLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("random key suffix: %w", err)
	}
	for i, b := range buf {
		buf[i] = suffixCharset[int(b)%len(suffixCharset)]
	}
	return string(buf), nil
}
