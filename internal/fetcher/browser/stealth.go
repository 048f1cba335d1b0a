package browser

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Override replaces one property read by fingerprinting scripts. Value is
// JSON-encoded; Expr, when set, is a raw JavaScript expression evaluated once
// before the property is redefined. A nil Value with no Expr yields undefined.
type Override struct {
	Target   string
	Property string
	Value    any
	Expr     string
}

const permissionsQuery = `((orig) => (parameters) => (parameters && parameters.name === 'notifications'
  ? Promise.resolve({ state: 'granted' })
  : orig(parameters)))(navigator.permissions.query.bind(navigator.permissions))`

// DefaultOverrides hide automation markers and present a Windows desktop.
var DefaultOverrides = []Override{
	{Target: "navigator", Property: "webdriver"},
	{Target: "window", Property: "chrome", Value: map[string]any{"runtime": map[string]any{}}},
	{Target: "navigator.permissions", Property: "query", Expr: permissionsQuery},
	{Target: "screen", Property: "width", Value: 1920},
	{Target: "screen", Property: "height", Value: 1080},
	{Target: "screen", Property: "availWidth", Value: 1920},
	{Target: "screen", Property: "availHeight", Value: 1040},
	{Target: "screen", Property: "colorDepth", Value: 24},
	{Target: "screen", Property: "pixelDepth", Value: 24},
	{Target: "navigator", Property: "language", Value: "en-US"},
	{Target: "navigator", Property: "languages", Value: []string{"en-US", "en"}},
	{Target: "navigator", Property: "platform", Value: "Win32"},
	{Target: "navigator", Property: "hardwareConcurrency", Value: 8},
	{Target: "navigator", Property: "deviceMemory", Value: 8},
	{Target: "navigator", Property: "plugins", Value: []map[string]string{{
		"name":        "Chrome PDF Plugin",
		"filename":    "internal-pdf-viewer",
		"description": "Portable Document Format",
	}}},
}

// Headers mirror a desktop Chrome 120 navigation request.
var Headers = map[string]string{
	"Accept":                    "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,image/apng,*/*;q=0.8",
	"Accept-Language":           "en-US,en;q=0.9",
	"Accept-Encoding":           "gzip, deflate, br",
	"Cache-Control":             "max-age=0",
	"Connection":                "keep-alive",
	"DNT":                       "1",
	"Upgrade-Insecure-Requests": "1",
	"Sec-Fetch-Dest":            "document",
	"Sec-Fetch-Mode":            "navigate",
	"Sec-Fetch-Site":            "none",
	"Sec-Fetch-User":            "?1",
	"sec-ch-ua":                 `"Not_A Brand";v="8", "Chromium";v="120", "Google Chrome";v="120"`,
	"sec-ch-ua-mobile":          "?0",
	"sec-ch-ua-platform":        `"Windows"`,
}

// DefaultUserAgent is presented by the browser and the page.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

var targetPattern = regexp.MustCompile(`^[A-Za-z_$][\w$]*(\.[A-Za-z_$][\w$]*)*$`)

// StealthScript renders overrides as a script run before any page script.
// Each override is isolated so one failure does not skip the rest.
func StealthScript(overrides []Override) (string, error) {
	var b strings.Builder
	b.WriteString("(() => {\n")
	for _, o := range overrides {
		if !targetPattern.MatchString(o.Target) {
			return "", fmt.Errorf("invalid override target %q", o.Target)
		}
		if o.Property == "" {
			return "", fmt.Errorf("override on %s has no property", o.Target)
		}
		value, err := o.expression()
		if err != nil {
			return "", err
		}
		prop, err := json.Marshal(o.Property)
		if err != nil {
			return "", fmt.Errorf("encode property %q: %w", o.Property, err)
		}
		fmt.Fprintf(&b,
			"  try { const v = %s; Object.defineProperty(%s, %s, { get: () => v, configurable: true }); } catch (e) {}\n",
			value, o.Target, prop)
	}
	b.WriteString("})();")
	return b.String(), nil
}

func (o Override) expression() (string, error) {
	if o.Expr != "" {
		return o.Expr, nil
	}
	if o.Value == nil {
		return "undefined", nil
	}
	raw, err := json.Marshal(o.Value)
	if err != nil {
		return "", fmt.Errorf("encode %s.%s: %w", o.Target, o.Property, err)
	}
	return string(raw), nil
}
