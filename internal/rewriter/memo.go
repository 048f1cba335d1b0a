package rewriter

import (
	"net/url"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// asset is the memoized outcome of rehosting one URL. Failures are cached
// too, so a broken URL is requested only once per capture.
type asset struct {
	location string
	body     []byte
	err      error
}

// memo guarantees at most one download per normalized URL, including when
// the same URL is requested concurrently.
type memo struct {
	mu    sync.Mutex
	done  map[string]asset
	group singleflight.Group
}

func newMemo() *memo {
	return &memo{done: make(map[string]asset)}
}

func (m *memo) lookup(key string) (asset, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.done[key]
	return a, ok
}

func (m *memo) get(key string, load func() asset) asset {
	if a, ok := m.lookup(key); ok {
		return a
	}
	v, _, _ := m.group.Do(key, func() (any, error) {
		if a, ok := m.lookup(key); ok {
			return a, nil
		}
		a := load()
		m.mu.Lock()
		m.done[key] = a
		m.mu.Unlock()
		return a, nil
	})
	return v.(asset)
}

// normalizeKey folds equivalent spellings of an absolute URL onto one key:
// scheme and host are lowercased, default ports and fragments dropped, and
// an empty path becomes "/".
func normalizeKey(u *url.URL) string {
	n := *u
	n.Scheme = strings.ToLower(n.Scheme)
	host := strings.ToLower(n.Host)
	switch {
	case n.Scheme == "http" && strings.HasSuffix(host, ":80"):
		host = strings.TrimSuffix(host, ":80")
	case n.Scheme == "https" && strings.HasSuffix(host, ":443"):
		host = strings.TrimSuffix(host, ":443")
	}
	n.Host = host
	n.Fragment = ""
	n.RawFragment = ""
	if n.Path == "" && n.RawPath == "" && n.Opaque == "" {
		n.Path = "/"
	}
	return n.String()
}
