package capture

import (
	"net/http"
	"time"
)

// Strategy names the fetch path that produced the captured markup.
type Strategy string

// Fetch strategies.
const (
	StrategyDirect  Strategy = "direct"
	StrategyBrowser Strategy = "browser"
)

// WireName returns the value reported as method_used.
func (s Strategy) WireName() string {
	if s == StrategyBrowser {
		return "puppeteer"
	}
	return "http"
}

// Capture statuses reported to callers.
const (
	StatusFetched = "fetched"
	StatusError   = "error"
)

// Destination is the blob store location that receives the capture artifacts.
type Destination struct {
	Bucket string `json:"bucket"`
	Prefix string `json:"prefix"`
}

// Request is one capture invocation.
type Request struct {
	TargetURL   string
	Destination Destination
}

// FetchAttempt describes a single try of a fetch strategy.
type FetchAttempt struct {
	Number    int
	Strategy  Strategy
	UserAgent string
	Timeout   time.Duration
}

// FetchOutcome is the successful result of a direct fetch.
type FetchOutcome struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
}

// ContentType returns the advertised content type or a generic binary type.
func (o FetchOutcome) ContentType() string {
	if o.Header != nil {
		if ct := o.Header.Get("Content-Type"); ct != "" {
			return ct
		}
	}
	return "application/octet-stream"
}

// LayoutHints flags the presence of landmark elements.
type LayoutHints struct {
	HasHeader bool `json:"has_header"`
	HasNav    bool `json:"has_nav"`
	HasMain   bool `json:"has_main"`
	HasFooter bool `json:"has_footer"`
}

// ThemeInfo carries the style and layout signals harvested from a page.
type ThemeInfo struct {
	CSSLinks     []string    `json:"css_links"`
	InlineStyles []string    `json:"inline_styles"`
	LogoURL      *string     `json:"logo_url"`
	FaviconURL   *string     `json:"favicon_url"`
	HeroImageURL *string     `json:"hero_image_url"`
	ColorPalette []string    `json:"color_palette"`
	Fonts        []string    `json:"fonts"`
	LayoutHints  LayoutHints `json:"layout_hints"`
}

// BrowserCapture is the markup and theme produced by the browser fallback.
type BrowserCapture struct {
	HTML       string
	Theme      ThemeInfo
	StatusCode int
}

// Rewritten is the output of the asset rewriting stage.
type Rewritten struct {
	HTML   string
	URLMap map[string]string
}

// Artifact is the terminal output of a capture.
type Artifact struct {
	RequestID        string
	URL              string
	OriginalHTMLKey  string
	RewrittenHTMLKey string
	Theme            ThemeInfo
	URLMap           map[string]string
	Strategy         Strategy
	// ContentHash is the hex SHA-256 of the original markup.
	ContentHash string
	CapturedAt  time.Time
}

// AssetCount is the number of distinct rehosted assets. Several spellings
// of one asset share a location.
func (a Artifact) AssetCount() int {
	seen := make(map[string]struct{}, len(a.URLMap))
	for _, loc := range a.URLMap {
		seen[loc] = struct{}{}
	}
	return len(seen)
}

// Keys holds the storage keys of the persisted markup.
type Keys struct {
	OriginalHTML  string `json:"original_html"`
	RewrittenHTML string `json:"rewritten_html"`
}

// Payload is the JSON body returned to callers for both outcomes.
type Payload struct {
	ThemeInfo  *ThemeInfo        `json:"theme_info,omitempty"`
	Keys       *Keys             `json:"s3_keys,omitempty"`
	URLMap     map[string]string `json:"url_map,omitempty"`
	MethodUsed string            `json:"method_used,omitempty"`
	Status     string            `json:"status"`
	Error      string            `json:"error,omitempty"`
	ErrorType  string            `json:"errorType,omitempty"`
	Cause      string            `json:"cause,omitempty"`
}

// Payload renders the artifact as a success response.
func (a Artifact) Payload() Payload {
	theme := a.Theme
	urlMap := a.URLMap
	if urlMap == nil {
		urlMap = map[string]string{}
	}
	return Payload{
		ThemeInfo: &theme,
		Keys: &Keys{
			OriginalHTML:  a.OriginalHTMLKey,
			RewrittenHTML: a.RewrittenHTMLKey,
		},
		URLMap:     urlMap,
		MethodUsed: a.Strategy.WireName(),
		Status:     StatusFetched,
	}
}

// ErrorPayload renders err as a structured error response.
func ErrorPayload(err error) Payload {
	return Payload{
		Status:    StatusError,
		Error:     err.Error(),
		ErrorType: KindOf(err).String(),
		Cause:     string(CauseOf(err)),
	}
}

// Notification is published after a successful capture.
type Notification struct {
	Event       string    `json:"event"`
	RequestID   string    `json:"request_id"`
	URL         string    `json:"url"`
	Bucket      string    `json:"bucket"`
	Keys        Keys      `json:"s3_keys"`
	MethodUsed  string    `json:"method_used"`
	AssetCount  int       `json:"asset_count"`
	ContentHash string    `json:"content_sha256,omitempty"`
	CapturedAt  time.Time `json:"captured_at"`
}

// EventName identifies the notification to subscribers.
func (n Notification) EventName() string {
	return n.Event
}

// Record is the ledger row written for each successful capture.
type Record struct {
	ID               string
	URL              string
	Bucket           string
	OriginalHTMLKey  string
	RewrittenHTMLKey string
	MethodUsed       string
	URLMap           map[string]string
	ContentHash      string
	CapturedAt       time.Time
}
