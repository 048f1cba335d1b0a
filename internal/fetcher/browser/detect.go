package browser

import "strings"

var blockingIndicators = []string{
	"blocked",
	"forbidden",
	"access denied",
	"not authorized",
	"cloudflare",
	"security check",
	"captcha",
	"bot detection",
}

// BlockingIndicators returns the known challenge-page phrases present in html.
func BlockingIndicators(html string) []string {
	lower := strings.ToLower(html)
	var found []string
	for _, indicator := range blockingIndicators {
		if strings.Contains(lower, indicator) {
			found = append(found, indicator)
		}
	}
	return found
}
