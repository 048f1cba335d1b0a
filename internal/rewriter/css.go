package rewriter

import (
	"context"
	"html"
	"net/url"
	"regexp"
	"strings"
)

var cssURLPattern = regexp.MustCompile(`(?i)url\(\s*(?:'([^'\)]+)'|"([^"\)]+)"|([^'"\)\s]+))\s*\)`)

var styleClose = regexp.MustCompile(`(?i)</style`)

// rewriteCSS rehosts every url() reference in css, resolving relative
// references against sheet. A reference that cannot be rehosted is written
// as its absolute URL so it still resolves once the CSS is inlined.
func (s *session) rewriteCSS(ctx context.Context, css string, sheet *url.URL) string {
	matches := cssURLPattern.FindAllStringSubmatchIndex(css, -1)
	if len(matches) == 0 {
		return css
	}
	var b strings.Builder
	last := 0
	for _, m := range matches {
		start, end := -1, -1
		for g := 1; g <= 3; g++ {
			if m[2*g] >= 0 {
				start, end = m[2*g], m[2*g+1]
				break
			}
		}
		if start < 0 {
			continue
		}
		ref := strings.TrimSpace(css[start:end])
		if strings.HasPrefix(ref, "#") {
			continue
		}
		abs, ok := s.resolve(sheet, ref)
		if !ok {
			continue
		}
		replacement := abs.String()
		if a, ok := s.rehost(ctx, abs, false); ok {
			replacement = a.location
		}
		b.WriteString(css[last:start])
		b.WriteString(replacement)
		last = end
	}
	b.WriteString(css[last:])
	return b.String()
}

// styleElement wraps css in a <style> element that cannot be terminated
// early by the stylesheet's own text.
func styleElement(css, media string) string {
	var b strings.Builder
	b.WriteString("<style")
	if media != "" {
		b.WriteString(` media="`)
		b.WriteString(html.EscapeString(media))
		b.WriteString(`"`)
	}
	b.WriteString(">")
	b.WriteString(styleClose.ReplaceAllString(css, `<\/style`))
	b.WriteString("</style>")
	return b.String()
}
