package router

import (
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"llmrelay/internal/gwerr"
)

// Classify maps an upstream HTTP status/body (or transport error) to a
// gwerr.Kind per spec.md §4.6 rule 3: 429/5xx/network errors are
// fallbackable; 4xx other than 429/402 are fatal and propagate immediately.
func Classify(status int, body string, transportErr error) *gwerr.Error {
	if transportErr != nil {
		if isNetworkTimeout(transportErr) {
			return gwerr.New(gwerr.KindTransientUpstream, http.StatusBadGateway, "upstream network error", transportErr)
		}
		return gwerr.New(gwerr.KindTransientUpstream, http.StatusBadGateway, "upstream transport error", transportErr)
	}

	switch {
	case status == http.StatusTooManyRequests:
		return quotaExhausted(status, "upstream rate limited", body)
	case status == http.StatusPaymentRequired:
		return quotaExhausted(status, "upstream quota exhausted", body)
	case status >= 500:
		return gwerr.New(gwerr.KindTransientUpstream, status, "upstream server error", nil)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return gwerr.New(gwerr.KindUnauthenticatedUpstream, status, "upstream rejected credentials", nil)
	case status == http.StatusBadRequest && looksLikeInvalidSignature(body):
		return gwerr.New(gwerr.KindInvalidSignatureRejected, status, "upstream rejected thinking signature", nil)
	case status >= 400:
		return gwerr.New(gwerr.KindClientRequestInvalid, status, "upstream rejected request", nil)
	default:
		return nil
	}
}

// quotaExhausted builds a KindQuotaExhausted error and populates RetryAfter
// whenever body carries a parseable retry delay (spec.md §4.6 rule 4), so
// dispatch.go's Suspend-on-429 path has a real duration to act on instead
// of only the default suspension window.
func quotaExhausted(status int, message, body string) *gwerr.Error {
	ge := gwerr.New(gwerr.KindQuotaExhausted, status, message, nil)
	if d, ok := extractRetryDelay(body); ok {
		secs := gwerr.DurationSeconds(d.Seconds())
		ge.RetryAfter = &secs
	}
	return ge
}

// retryDelayRe matches a retryDelay/RetryInfo-shaped field in an upstream
// error body, e.g. Gemini's `"retryDelay":"1.5s"` or a bare
// `Retry-After: 30` style value, and captures the value ParseRetryDelay
// expects.
var retryDelayRe = regexp.MustCompile(`(?i)retry[-_]?(?:delay|after)"?\s*:?\s*"?([0-9]+(?:\.[0-9]+)?(?:ms|s|m|h)?)"?`)

func extractRetryDelay(body string) (time.Duration, bool) {
	m := retryDelayRe.FindStringSubmatch(body)
	if len(m) < 2 {
		return 0, false
	}
	return ParseRetryDelay(m[1])
}

func isNetworkTimeout(err error) bool {
	var netErr net.Error
	if ne, ok := err.(net.Error); ok {
		netErr = ne
		return netErr.Timeout()
	}
	return false
}

var invalidSignatureMarkers = []string{"signature", "thinking_signature", "invalid_signature"}

func looksLikeInvalidSignature(body string) bool {
	lower := strings.ToLower(body)
	for _, m := range invalidSignatureMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

var (
	clockDurationRe = regexp.MustCompile(`^(\d+)h(\d+)m([\d.]+)s$`)
)

// ParseRetryDelay parses a retry-after/retryDelay value in any of the
// formats upstreams use (spec.md §4.6 rule 4): a bare Go duration string
// ("1.5s", "200ms"), a clock-style duration ("1h16m0.667s", which
// time.ParseDuration also happens to accept), or a bare integer number of
// seconds (the classic HTTP Retry-After header shape).
func ParseRetryDelay(raw string) (time.Duration, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d, true
	}
	if clockDurationRe.MatchString(raw) {
		// time.ParseDuration above already accepts this shape (and a
		// seconds-less "1h16m", which this regex does not match), so this
		// branch adds no format of its own; it marks the clock format as
		// a documented boundary.
		if d, err := time.ParseDuration(raw); err == nil {
			return d, true
		}
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), true
	}
	return 0, false
}
