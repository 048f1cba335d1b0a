package direct

import "net/http"

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
}

var referers = []string{
	"https://www.google.com/",
	"https://www.bing.com/",
	"https://duckduckgo.com/",
	"https://www.yahoo.com/",
	"https://www.baidu.com/",
}

// baseHeaders mirror a desktop Chrome navigation. Keys are stored verbatim so
// the lowercase client-hint names go out on the wire as written.
var baseHeaders = [][2]string{
	{"Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,image/apng,*/*;q=0.8,application/signed-exchange;v=b3;q=0.7"},
	{"Accept-Language", "en-US,en;q=0.9"},
	{"Accept-Encoding", "gzip, deflate, br"},
	{"DNT", "1"},
	{"Connection", "keep-alive"},
	{"Upgrade-Insecure-Requests", "1"},
	{"Sec-Fetch-Dest", "document"},
	{"Sec-Fetch-Mode", "navigate"},
	{"Sec-Fetch-Site", "none"},
	{"Sec-Fetch-User", "?1"},
	{"Cache-Control", "max-age=0"},
	{"sec-ch-ua", `"Not_A Brand";v="8", "Chromium";v="120", "Google Chrome";v="120"`},
	{"sec-ch-ua-mobile", "?0"},
	{"sec-ch-ua-platform", `"Windows"`},
}

var forwardedHeaders = [][2]string{
	{"X-Forwarded-For", "1.1.1.1"},
	{"X-Real-IP", "8.8.8.8"},
	{"CF-Connecting-IP", "1.1.1.1"},
}

// Identity is the synthetic browser profile presented on one attempt.
type Identity struct {
	UserAgent string
	Header    http.Header
}

// IdentityFor builds the profile for a 1-based attempt number. pick returns a
// value in [0, n) and selects the referrer.
func IdentityFor(attempt int, pick func(n int) int) Identity {
	if attempt < 1 {
		attempt = 1
	}
	ua := userAgents[(attempt-1)%len(userAgents)]
	h := make(http.Header, len(baseHeaders)+len(forwardedHeaders)+2)
	h["User-Agent"] = []string{ua}
	for _, kv := range baseHeaders {
		h[kv[0]] = []string{kv[1]}
	}
	if attempt > 1 {
		h["Referer"] = []string{referers[pick(len(referers))]}
	}
	if attempt > 2 {
		for _, kv := range forwardedHeaders {
			h[kv[0]] = []string{kv[1]}
		}
	}
	return Identity{UserAgent: ua, Header: h}
}
