// Package reliability classifies vendor failures so dial and stream paths can
// decide between retrying and surfacing the error to the session.
package reliability

import (
	"net/http"
	"time"
)

// IsRetryableHTTPStatus reports whether a rejected websocket handshake or API
// call is worth another attempt. Auth and validation rejections stay
// permanent for the session; only throttling and server-side faults retry.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Transient in-stream error types as the realtime websockets report them. A
// bad API key, voice id or model id will fail identically on retry, so those
// are not listed.
var retryableRealtime = map[string]bool{
	"error":                        true,
	"rate_limited":                 true,
	"resource_exhausted":           true,
	"queue_overflow":               true,
	"too_many_concurrent_requests": true,
}

// IsRetryableRealtimeMessageType reports whether a realtime error message of
// the given type is transient.
func IsRetryableRealtimeMessageType(messageType string) bool {
	return retryableRealtime[messageType]
}

// ExponentialBackoff doubles base per attempt up to the cap. Deterministic on
// purpose: one session retries one vendor dial at a time, so jitter buys
// nothing here.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	d := base
	for ; attempt > 0 && d < cap; attempt-- {
		d *= 2
	}
	if d > cap {
		return cap
	}
	return d
}
