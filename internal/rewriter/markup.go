package rewriter

import (
	"html"
	"strings"

	nethtml "golang.org/x/net/html"
)

type refKind int

const (
	refAttr refKind = iota
	refStylesheet
)

// reference is one asset-bearing tag found in the markup.
type reference struct {
	part  int
	kind  refKind
	attr  attrSpan
	value string
	media string
	// replacement, when set, replaces the whole tag in the output.
	replacement string
}

type document struct {
	parts []string
	refs  []*reference
}

// parse splits markup into raw tokens. Concatenating parts reproduces the
// input byte for byte.
func parse(markup string) *document {
	doc := &document{}
	z := nethtml.NewTokenizer(strings.NewReader(markup))
	for {
		tt := z.Next()
		raw := string(z.Raw())
		if tt == nethtml.ErrorToken {
			if raw != "" {
				doc.parts = append(doc.parts, raw)
			}
			return doc
		}
		doc.parts = append(doc.parts, raw)
		if tt != nethtml.StartTagToken && tt != nethtml.SelfClosingTagToken {
			continue
		}
		name, _ := z.TagName()
		if ref := classify(string(name), raw); ref != nil {
			ref.part = len(doc.parts) - 1
			doc.refs = append(doc.refs, ref)
		}
	}
}

// render joins the parts, substituting rewritten tags.
func (d *document) render() string {
	var b strings.Builder
	next := 0
	for i, part := range d.parts {
		if next < len(d.refs) && d.refs[next].part == i {
			ref := d.refs[next]
			next++
			if ref.replacement != "" {
				b.WriteString(ref.replacement)
				continue
			}
		}
		b.WriteString(part)
	}
	return b.String()
}

func classify(tag, raw string) *reference {
	attrs := scanAttrs(raw)
	switch tag {
	case "img", "script":
		if a, ok := lookup(attrs, "src"); ok {
			return &reference{kind: refAttr, attr: a, value: a.decoded()}
		}
	case "link":
		rel, _ := lookup(attrs, "rel")
		href, ok := lookup(attrs, "href")
		if !ok {
			return nil
		}
		tokens := strings.Fields(strings.ToLower(rel.decoded()))
		switch {
		case contains(tokens, "stylesheet"):
			media, _ := lookup(attrs, "media")
			return &reference{kind: refStylesheet, attr: href, value: href.decoded(), media: media.decoded()}
		case contains(tokens, "icon"):
			return &reference{kind: refAttr, attr: href, value: href.decoded()}
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// attrSpan locates an attribute value inside a raw tag.
type attrSpan struct {
	name       string
	start, end int
	quoted     bool
	hasValue   bool
	raw        string
}

func (a attrSpan) decoded() string {
	return strings.TrimSpace(html.UnescapeString(a.raw))
}

// withValue returns raw with the attribute value replaced by value.
func (a attrSpan) withValue(raw, value string) string {
	escaped := html.EscapeString(value)
	if !a.quoted {
		escaped = `"` + escaped + `"`
	}
	return raw[:a.start] + escaped + raw[a.end:]
}

func lookup(attrs []attrSpan, name string) (attrSpan, bool) {
	for _, a := range attrs {
		if a.name == name && a.hasValue {
			return a, true
		}
	}
	return attrSpan{}, false
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\f' || c == '\r'
}

// scanAttrs walks a raw start tag the way the HTML tokenizer does and
// records where each attribute value sits, so a value can be replaced
// without re-serializing the tag.
func scanAttrs(raw string) []attrSpan {
	n := len(raw)
	i := 1
	for i < n && !isSpace(raw[i]) && raw[i] != '/' && raw[i] != '>' {
		i++
	}
	var attrs []attrSpan
	for i < n {
		for i < n && (isSpace(raw[i]) || raw[i] == '/') {
			i++
		}
		if i >= n || raw[i] == '>' {
			break
		}
		nameStart := i
		if raw[i] == '=' {
			i++
		}
		for i < n && !isSpace(raw[i]) && raw[i] != '/' && raw[i] != '>' && raw[i] != '=' {
			i++
		}
		a := attrSpan{name: strings.ToLower(raw[nameStart:i])}
		j := i
		for j < n && isSpace(raw[j]) {
			j++
		}
		if j < n && raw[j] == '=' {
			j++
			for j < n && isSpace(raw[j]) {
				j++
			}
			a.hasValue = true
			switch {
			case j < n && (raw[j] == '"' || raw[j] == '\''):
				quote := raw[j]
				a.quoted = true
				a.start = j + 1
				end := strings.IndexByte(raw[a.start:], quote)
				if end < 0 {
					a.end = n
					i = n
				} else {
					a.end = a.start + end
					i = a.end + 1
				}
			default:
				a.start = j
				for j < n && !isSpace(raw[j]) && raw[j] != '>' {
					j++
				}
				a.end = j
				i = j
			}
			a.raw = raw[a.start:a.end]
		}
		attrs = append(attrs, a)
	}
	return attrs
}
