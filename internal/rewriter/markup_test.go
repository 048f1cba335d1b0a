package rewriter

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScanAttrs(t *testing.T) {
	t.Parallel()

	raw := `<img  SRC = "a&amp;b.png" alt='x y' data-flag hidden width=10/>`
	attrs := scanAttrs(raw)
	require.Len(t, attrs, 5)

	src, ok := lookup(attrs, "src")
	require.True(t, ok)
	require.True(t, src.quoted)
	require.Equal(t, "a&amp;b.png", raw[src.start:src.end])
	require.Equal(t, "a&b.png", src.decoded())

	alt, ok := lookup(attrs, "alt")
	require.True(t, ok)
	require.Equal(t, "x y", alt.decoded())

	_, ok = lookup(attrs, "data-flag")
	require.False(t, ok, "valueless attributes are not lookups")

	width, ok := lookup(attrs, "width")
	require.True(t, ok)
	require.False(t, width.quoted)
	require.Equal(t, "10/", width.raw)
}

func TestScanAttrsFirstDuplicateWins(t *testing.T) {
	t.Parallel()

	src, ok := lookup(scanAttrs(`<img src="/first.png" src="/second.png">`), "src")
	require.True(t, ok)
	require.Equal(t, "/first.png", src.decoded())
}

func TestWithValueEscapes(t *testing.T) {
	t.Parallel()

	raw := `<img src='/a.png'>`
	src, _ := lookup(scanAttrs(raw), "src")
	require.Equal(t, `<img src='https://cdn.test/a.png?x=1&amp;y=2'>`, src.withValue(raw, "https://cdn.test/a.png?x=1&y=2"))
}

func TestParseRoundTrips(t *testing.T) {
	t.Parallel()

	inputs := []string{
		"",
		"plain text",
		"<p>unclosed <b>tags",
		"<!-- c --><![CDATA[x]]><?pi?><br/><a href=x>y</a>",
		"<textarea><img src=/a.png></textarea><title><link rel=stylesheet href=/s.css></title>",
	}
	for _, in := range inputs {
		require.Equal(t, in, parse(in).render())
	}
}

func TestParseFindsReferences(t *testing.T) {
	t.Parallel()

	doc := parse(`<img src="/a.png"><img><script src="/a.js"></script><script>x()</script>` +
		`<link rel="stylesheet" href="/s.css"><link rel="icon" href="/i.ico"><link rel="canonical" href="/">`)
	require.Len(t, doc.refs, 4)
	require.Equal(t, refAttr, doc.refs[0].kind)
	require.Equal(t, "/a.js", doc.refs[1].value)
	require.Equal(t, refStylesheet, doc.refs[2].kind)
	require.Equal(t, "/i.ico", doc.refs[3].value)
}

func TestNormalizeKey(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"HTTPS://Example.COM:443/a.png#frag": "https://example.com/a.png",
		"http://example.com:80":              "http://example.com/",
		"http://example.com:8080/x?y=1":      "http://example.com:8080/x?y=1",
		"https://example.com/A.PNG":          "https://example.com/A.PNG",
	}
	for in, want := range cases {
		u, err := url.Parse(in)
		require.NoError(t, err)
		require.Equal(t, want, normalizeKey(u), in)
	}
}
