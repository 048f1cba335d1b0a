package theme

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/site-capture/internal/capture"
)

// FromHTML derives theme signals from markup alone. Computed styles are not
// available, so colors and fonts stay empty, and the hero image relies on
// declared width/height attributes.
func FromHTML(html, baseURL string) (capture.ThemeInfo, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return capture.ThemeInfo{}, fmt.Errorf("parse markup: %w", err)
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return capture.ThemeInfo{}, fmt.Errorf("parse base url: %w", err)
	}
	resolve := func(ref string) string {
		u, err := base.Parse(strings.TrimSpace(ref))
		if err != nil {
			return ref
		}
		return u.String()
	}

	info := capture.ThemeInfo{
		CSSLinks:     []string{},
		InlineStyles: []string{},
		ColorPalette: []string{},
		Fonts:        []string{},
	}
	doc.Find(`link[rel="stylesheet"]`).Each(func(_ int, s *goquery.Selection) {
		if href, ok := s.Attr("href"); ok {
			info.CSSLinks = append(info.CSSLinks, resolve(href))
		}
	})
	doc.Find("style").Each(func(_ int, s *goquery.Selection) {
		inner, _ := s.Html()
		info.InlineStyles = append(info.InlineStyles, inner)
	})
	if src, ok := doc.Find(`img[alt*="logo"], img[src*="logo"]`).First().Attr("src"); ok {
		info.LogoURL = ptr(resolve(src))
	}
	if href, ok := doc.Find(`link[rel~="icon"]`).First().Attr("href"); ok {
		info.FaviconURL = ptr(resolve(href))
	}
	img := doc.Find("main img").First()
	if img.Length() == 0 {
		img = doc.Find("body img").First()
	}
	if src, ok := img.Attr("src"); ok && dimension(img, "width") > HeroMinWidth && dimension(img, "height") > HeroMinHeight {
		info.HeroImageURL = ptr(resolve(src))
	}
	info.LayoutHints = capture.LayoutHints{
		HasHeader: doc.Find("header").Length() > 0,
		HasNav:    doc.Find("nav").Length() > 0,
		HasMain:   doc.Find("main").Length() > 0,
		HasFooter: doc.Find("footer").Length() > 0,
	}
	return info, nil
}

func dimension(s *goquery.Selection, attr string) int {
	raw, ok := s.Attr(attr)
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimSpace(raw), "px"))
	if err != nil {
		return 0
	}
	return n
}

func ptr(s string) *string {
	return &s
}
