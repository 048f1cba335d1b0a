// Package theme harvests style and layout signals from a captured page.
package theme

import (
	"context"
	"fmt"

	"github.com/JakeFAU/site-capture/internal/capture"
)

// Evaluator runs an expression inside a loaded page and decodes the result.
type Evaluator interface {
	Evaluate(ctx context.Context, expression string, out any) error
}

// HeroMinWidth and HeroMinHeight bound the first content image considered a
// hero image.
const (
	HeroMinWidth  = 300
	HeroMinHeight = 150
)

// Script inspects the DOM and computed styles without mutating the page.
var Script = fmt.Sprintf(`(() => {
  const abs = (el, attr) => (el ? el[attr] || null : null);
  const cssLinks = Array.from(document.querySelectorAll('link[rel="stylesheet"]')).map(l => l.href);
  const inlineStyles = Array.from(document.querySelectorAll('style')).map(s => s.innerHTML);
  const logo = document.querySelector('img[alt*="logo"], img[src*="logo"]');
  const favicon = document.querySelector('link[rel~="icon"]');
  let hero = null;
  const img = document.querySelector('main img') || document.querySelector('body img');
  if (img && img.width > %d && img.height > %d) hero = img.src;
  const body = document.body;
  const styles = body ? window.getComputedStyle(body) : null;
  return {
    css_links: cssLinks,
    inline_styles: inlineStyles,
    logo_url: abs(logo, 'src'),
    favicon_url: abs(favicon, 'href'),
    hero_image_url: hero,
    color_palette: styles ? [styles.backgroundColor, styles.color] : [],
    fonts: styles ? [styles.fontFamily] : [],
    layout_hints: {
      has_header: !!document.querySelector('header'),
      has_nav: !!document.querySelector('nav'),
      has_main: !!document.querySelector('main'),
      has_footer: !!document.querySelector('footer')
    }
  };
})()`, HeroMinWidth, HeroMinHeight)

// Extract runs Script through ev.
func Extract(ctx context.Context, ev Evaluator) (capture.ThemeInfo, error) {
	var info capture.ThemeInfo
	if err := ev.Evaluate(ctx, Script, &info); err != nil {
		return capture.ThemeInfo{}, fmt.Errorf("extract theme: %w", err)
	}
	return normalize(info), nil
}

func normalize(info capture.ThemeInfo) capture.ThemeInfo {
	if info.CSSLinks == nil {
		info.CSSLinks = []string{}
	}
	if info.InlineStyles == nil {
		info.InlineStyles = []string{}
	}
	if info.ColorPalette == nil {
		info.ColorPalette = []string{}
	}
	if info.Fonts == nil {
		info.Fonts = []string{}
	}
	return info
}
