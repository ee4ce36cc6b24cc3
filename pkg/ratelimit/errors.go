// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ratelimit

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrQueueTimeout is returned when a queued call waited past the
	// configured ceiling without acquiring capacity
	ErrQueueTimeout = errors.New("ratelimit: queued request timed out waiting for capacity")

	// ErrRetriesExhausted is never surfaced directly; callers receive the
	// original upstream error once attempts run out. It exists for tests
	// and internal bookkeeping.
	ErrRetriesExhausted = errors.New("ratelimit: retry attempts exhausted")
)

// Provider error codes that signal quota exhaustion. These are the
// application-level throttling codes ad platforms return alongside HTTP 200
// or 400, so status alone is not enough.
var quotaErrorCodes = map[int]struct{}{
	4:   {}, // application request limit
	17:  {}, // user request limit
	32:  {}, // page request limit
	613: {}, // custom rate limit
}

// Subcodes that signal throttling even when the top-level code is generic
var quotaErrorSubcodes = map[int]struct{}{
	80004: {}, // too many calls for this ad account
}

// RateLimitError describes an upstream quota-exceeded response
type RateLimitError struct {
	StatusCode  int
	Code        int
	Subcode     int
	Message     string
	RetryAfter  time.Duration // explicit hint, zero when absent
	UsageHeader string        // raw provider usage header, JSON
}

func (e *RateLimitError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("upstream rate limit (code %d): %s", e.Code, e.Message)
	}
	return fmt.Sprintf("upstream rate limit (status %d): %s", e.StatusCode, e.Message)
}

// IsRateLimitError reports whether err matches an upstream quota-exceeded
// signature: HTTP 429, a known provider throttling code, or the usual
// message text.
func IsRateLimitError(err error) bool {
	if err == nil {
		return false
	}

	var rle *RateLimitError
	if errors.As(err, &rle) {
		return true
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "request limit reached") {
		return true
	}
	return strings.Contains(msg, fmt.Sprintf("status %d", http.StatusTooManyRequests))
}

// usageEntry mirrors the JSON body of a provider usage header
type usageEntry struct {
	CallCount    float64 `json:"call_count"`
	TotalCPUTime float64 `json:"total_cputime"`
	TotalTime    float64 `json:"total_time"`
}

func (u usageEntry) maxPercent() float64 {
	return math.Max(u.CallCount, math.Max(u.TotalCPUTime, u.TotalTime))
}

// retryDelay derives how long to back off before retrying a quota error.
// An explicit RetryAfter wins. Otherwise the provider usage header is
// parsed: past 80% consumption the wait grows quadratically with the
// overshoot, capped at one minute. Anything else falls back to the default.
func retryDelay(err error, fallback time.Duration) time.Duration {
	var rle *RateLimitError
	if !errors.As(err, &rle) {
		return fallback
	}
	if rle.RetryAfter > 0 {
		// The one-minute cap applies to the usage-derived backoff only;
		// an upstream that asked for longer gets what it asked for
		return rle.RetryAfter
	}
	if rle.UsageHeader == "" {
		return fallback
	}

	pct := parseUsagePercent(rle.UsageHeader)
	if pct <= 80 {
		return fallback
	}
	delay := time.Duration((pct-80)*(pct-80)) * 150 * time.Millisecond
	if delay > time.Minute {
		return time.Minute
	}
	return delay
}

// parseUsagePercent extracts the highest consumption percentage from a
// usage header. Providers ship either a flat object or a map of account id
// to entry lists; both are handled, anything unparsable yields zero.
func parseUsagePercent(header string) float64 {
	var flat usageEntry
	if err := json.Unmarshal([]byte(header), &flat); err == nil && flat.maxPercent() > 0 {
		return flat.maxPercent()
	}

	var grouped map[string][]usageEntry
	if err := json.Unmarshal([]byte(header), &grouped); err == nil {
		var max float64
		for _, entries := range grouped {
			for _, e := range entries {
				if p := e.maxPercent(); p > max {
					max = p
				}
			}
		}
		return max
	}
	return 0
}

// isQuotaCode reports whether a provider error code signals throttling
func isQuotaCode(code int) bool {
	_, ok := quotaErrorCodes[code]
	return ok
}

func isQuotaSubcode(subcode int) bool {
	_, ok := quotaErrorSubcodes[subcode]
	return ok
}

// Provider headers carrying quota consumption, in the order they are checked
var usageHeaderNames = []string{
	"X-Business-Use-Case-Usage",
	"X-App-Usage",
	"X-Ad-Account-Usage",
}

// errorEnvelope mirrors the error body ad platforms wrap failures in
type errorEnvelope struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
		Subcode int    `json:"error_subcode"`
	} `json:"error"`
}

// ErrorFromResponse classifies an upstream HTTP response. Throttling
// responses, whether HTTP 429 or a provider quota code inside a 200/400
// body, become a *RateLimitError carrying the retry hint and usage header.
// Other failures become plain errors; success returns nil.
func ErrorFromResponse(resp *http.Response, body []byte) error {
	var envelope errorEnvelope
	_ = json.Unmarshal(body, &envelope)

	if resp.StatusCode == http.StatusTooManyRequests ||
		isQuotaCode(envelope.Error.Code) ||
		isQuotaSubcode(envelope.Error.Subcode) {
		rle := &RateLimitError{
			StatusCode:  resp.StatusCode,
			Code:        envelope.Error.Code,
			Subcode:     envelope.Error.Subcode,
			Message:     envelope.Error.Message,
			UsageHeader: usageHeader(resp.Header),
		}
		if rle.Message == "" {
			rle.Message = http.StatusText(resp.StatusCode)
		}
		if s := resp.Header.Get("Retry-After"); s != "" {
			if secs, err := strconv.Atoi(s); err == nil && secs > 0 {
				rle.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return rle
	}

	if resp.StatusCode >= 400 {
		if envelope.Error.Message != "" {
			return fmt.Errorf("upstream error (status %d, code %d): %s",
				resp.StatusCode, envelope.Error.Code, envelope.Error.Message)
		}
		return fmt.Errorf("upstream error: status %d", resp.StatusCode)
	}
	return nil
}

func usageHeader(h http.Header) string {
	for _, name := range usageHeaderNames {
		if v := h.Get(name); v != "" {
			return v
		}
	}
	return ""
}
