package uploader

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/site-capture/internal/capture"
	"github.com/JakeFAU/site-capture/internal/storage/memory"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

var at = time.UnixMilli(1700000000123).UTC()

func newTestUploader(store capture.BlobStore, cfg Config) *Uploader {
	u := New(store, cfg, fixedClock{at}, nil)
	u.suffix = func() (string, error) { return "abcdefghijk", nil }
	return u
}

func TestPutAssetKeysAndLocation(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	target := newTestUploader(store, Config{}).ForDestination(capture.Destination{Bucket: "captures", Prefix: "/sites/acme/"})

	location, err := target.PutAsset(context.Background(), "https://example.com/img/Logo.PNG?v=2", "image/png", []byte("png"))
	require.NoError(t, err)
	require.Equal(t, "memory://captures/sites/acme/1700000000123-abcdefghijk.png", location)

	obj, ok := store.Get("captures", "sites/acme/1700000000123-abcdefghijk.png")
	require.True(t, ok)
	require.Equal(t, "image/png", obj.ContentType)
}

func TestPutAssetPublicBaseURL(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"d111.cloudfront.net":          "https://d111.cloudfront.net/p/1700000000123-abcdefghijk.js",
		"https://cdn.example.org/":     "https://cdn.example.org/p/1700000000123-abcdefghijk.js",
		"http://localhost:9000/bucket": "http://localhost:9000/bucket/p/1700000000123-abcdefghijk.js",
	}
	for base, want := range cases {
		target := newTestUploader(memory.NewBlobStore(), Config{PublicBaseURL: base}).
			ForDestination(capture.Destination{Bucket: "b", Prefix: "p"})
		got, err := target.PutAsset(context.Background(), "https://example.com/app.js", "text/javascript", nil)
		require.NoError(t, err)
		require.Equal(t, want, got, base)
	}
}

func TestPutMarkupReturnsKey(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	target := newTestUploader(store, Config{PublicBaseURL: "cdn.test"}).
		ForDestination(capture.Destination{Bucket: "captures", Prefix: "sites"})

	key, err := target.PutMarkup(context.Background(), "req-1", "original.html", "<html></html>")
	require.NoError(t, err)
	require.Equal(t, "sites/req-1/original.html", key)

	obj, ok := store.Get("captures", key)
	require.True(t, ok)
	require.Equal(t, MarkupContentType, obj.ContentType)
	require.Equal(t, "<html></html>", string(obj.Data))
}

type failingStore struct{}

func (failingStore) PutObject(context.Context, string, string, string, []byte) (string, error) {
	return "", errors.New("quota exceeded")
}

func TestUploadErrorsPropagate(t *testing.T) {
	t.Parallel()

	target := newTestUploader(failingStore{}, Config{}).ForDestination(capture.Destination{Bucket: "b"})
	_, err := target.PutMarkup(context.Background(), "req", "rewritten.html", "x")
	require.ErrorContains(t, err, "quota exceeded")
	_, err = target.PutAsset(context.Background(), "https://example.com/a.png", "image/png", nil)
	require.ErrorContains(t, err, "quota exceeded")
}

func TestExtension(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"https://example.com/a.png":             "png",
		"https://example.com/a.WEBP#x":          "webp",
		"https://example.com/fonts/f.woff2?v=1": "woff2",
		"https://example.com/":                  "",
		"https://example.com/archive.tar.gz":    "gz",
		"https://example.com/x.verylongext":     "",
		"https://example.com/api/v1.2/image":    "",
		"https://example.com/odd.p%20g":         "",
	}
	for in, want := range cases {
		require.Equal(t, want, Extension(in), in)
	}
}

func TestRandomSuffix(t *testing.T) {
	t.Parallel()

	s, err := randomSuffix()
	require.NoError(t, err)
	require.Regexp(t, regexp.MustCompile(`^[0-9a-z]{11}$`), s)
}

func TestAssetKeyWithoutPrefix(t *testing.T) {
	t.Parallel()

	require.Equal(t, "1700000000123-x", AssetKey("", at, "x", ""))
	require.Equal(t, "r/original.html", MarkupKey("", "r", "original.html"))
}
