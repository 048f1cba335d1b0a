// Package sanitizer validates capture targets and strips the parts of a URL
// that do not identify the page.
//
// Host checks operate on the literal hostname only. Names are never resolved,
// so a public DNS name pointing at a private address passes; the checks are
// advisory and do not form a complete SSRF barrier.
package sanitizer

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Rejection reasons.
var (
	ErrMissingURL        = errors.New("missing URL parameter")
	ErrMalformedURL      = errors.New("malformed URL")
	ErrUnsupportedScheme = errors.New("unsupported URL scheme")
	ErrForbiddenHost     = errors.New("host is not allowed")
)

// Sanitize strips the query and fragment from raw and rejects unsafe targets.
func Sanitize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrMissingURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedURL, err)
	}
	strip(u)
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("%w: no host", ErrMalformedURL)
	}
	if port := u.Port(); port != "" {
		if n, err := strconv.Atoi(port); err != nil || n <= 0 || n > 65535 {
			return "", fmt.Errorf("%w: invalid port %q", ErrMalformedURL, port)
		}
	}
	if Forbidden(host) {
		return "", fmt.Errorf("%w: %s", ErrForbiddenHost, host)
	}
	return u.String(), nil
}

// StripQuery removes the query string and fragment. Unparseable input is
// returned unchanged.
func StripQuery(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	strip(u)
	return u.String()
}

func strip(u *url.URL) {
	u.RawQuery = ""
	u.ForceQuery = false
	u.Fragment = ""
	u.RawFragment = ""
}

var forbiddenPrefixes = []string{
	"10.", "192.168.", "169.254.", "0.", "127.", "224.", "240.",
	"fc00:", "fd00:", "fe80:",
}

// Forbidden reports whether host names loopback, link-local, private or
// reserved address space.
func Forbidden(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(strings.Trim(host, "[]"), "."))
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return forbiddenIP(ip)
	}
	for _, prefix := range forbiddenPrefixes {
		if strings.HasPrefix(host, prefix) {
			return true
		}
	}
	return inPrivate172(host)
}

func forbiddenIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsMulticast() {
		return true
	}
	if v4 := ip.To4(); v4 != nil {
		// 0.0.0.0/8 and 240.0.0.0/4
		return v4[0] == 0 || v4[0] >= 240
	}
	return false
}

func inPrivate172(host string) bool {
	octets := strings.Split(host, ".")
	if len(octets) != 4 || octets[0] != "172" {
		return false
	}
	second, err := strconv.Atoi(octets[1])
	if err != nil {
		return false
	}
	return second >= 16 && second <= 31
}
