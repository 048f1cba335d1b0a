package sanitizer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSanitizeStripsQueryAndFragment(t *testing.T) {
	t.Parallel()

	got, err := Sanitize("https://example.com/page?x=1#frag")
	require.NoError(t, err)
	require.Equal(t, "https://example.com/page", got)
}

func TestSanitizeRejectsInternalHosts(t *testing.T) {
	t.Parallel()

	hosts := []string{
		"http://localhost/",
		"http://LOCALHOST:8080/admin",
		"http://api.localhost/",
		"http://127.0.0.1/",
		"http://127.8.9.10/",
		"http://[::1]/",
		"http://10.0.0.1/",
		"http://10.255.255.255/x",
		"http://172.16.0.1/",
		"http://172.31.255.254/",
		"http://192.168.1.1/",
		"http://169.254.169.254/latest/meta-data",
		"http://[fe80::1]/",
		"http://[fd00::1]/",
		"http://[fc00::abcd]/",
		"http://0.0.0.0/",
		"http://224.0.0.1/",
		"http://240.0.0.1/",
		"http://[::ffff:127.0.0.1]/",
		"http://127.1/",
	}
	for _, raw := range hosts {
		_, err := Sanitize(raw)
		require.ErrorIs(t, err, ErrForbiddenHost, raw)
	}
}

func TestSanitizeAllowsPublicHosts(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{
		"http://example.com/",
		"https://172.15.0.1/",
		"https://172.32.0.1/",
		"https://8.8.8.8/dns",
		"https://[2606:4700::1111]/",
		"https://example.com:8443/a/b",
	} {
		_, err := Sanitize(raw)
		require.NoError(t, err, raw)
	}
}

func TestSanitizeRejectsBadInput(t *testing.T) {
	t.Parallel()

	_, err := Sanitize("")
	require.ErrorIs(t, err, ErrMissingURL)

	_, err = Sanitize("   ")
	require.ErrorIs(t, err, ErrMissingURL)

	_, err = Sanitize("ftp://example.com/file")
	require.ErrorIs(t, err, ErrUnsupportedScheme)

	_, err = Sanitize("javascript:alert(1)")
	require.ErrorIs(t, err, ErrUnsupportedScheme)

	_, err = Sanitize("/relative/path")
	require.ErrorIs(t, err, ErrUnsupportedScheme)

	_, err = Sanitize("http://")
	require.ErrorIs(t, err, ErrMalformedURL)

	_, err = Sanitize("http://exa mple.com/")
	require.ErrorIs(t, err, ErrMalformedURL)
}

func TestStripQueryIsIdempotent(t *testing.T) {
	t.Parallel()

	inputs := []string{
		"https://example.com/page?x=1#frag",
		"https://example.com/page?",
		"https://example.com/#",
		"https://example.com/a%20b?q=%20",
		"not a url at all",
		"https://example.com",
	}
	for _, in := range inputs {
		once := StripQuery(in)
		require.Equal(t, once, StripQuery(once), in)
	}
}

func FuzzStripQueryIdempotent(f *testing.F) {
	for _, seed := range []string{"https://example.com/?a=b#c", "http://x/y?", "::"} {
		f.Add(seed)
	}
	f.Fuzz(func(t *testing.T, in string) {
		once := StripQuery(in)
		if twice := StripQuery(once); twice != once {
			t.Fatalf("StripQuery not idempotent: %q -> %q -> %q", in, once, twice)
		}
	})
}
