package reliability

import (
	"testing"
	"time"
)

func TestIsRetryableHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{200, false},
		{400, false},
		{401, false},
		{404, false},
		{429, true},
		{500, true},
		{502, true},
		{503, true},
		{504, true},
	}
	for _, tc := range cases {
		if got := IsRetryableHTTPStatus(tc.code); got != tc.want {
			t.Fatalf("IsRetryableHTTPStatus(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestIsRetryableRealtimeMessageType(t *testing.T) {
	cases := []struct {
		messageType string
		want        bool
	}{
		{"rate_limited", true},
		{"resource_exhausted", true},
		{"queue_overflow", true},
		{"too_many_concurrent_requests", true},
		{"error", true},
		{"auth_error", false},
		{"invalid_voice_id", false},
		{"invalid_model_id", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := IsRetryableRealtimeMessageType(tc.messageType); got != tc.want {
			t.Fatalf("IsRetryableRealtimeMessageType(%q) = %v, want %v", tc.messageType, got, tc.want)
		}
	}
}

func TestExponentialBackoff(t *testing.T) {
	base := 100 * time.Millisecond
	capDur := 700 * time.Millisecond

	if got := ExponentialBackoff(0, base, capDur); got != base {
		t.Fatalf("attempt 0 = %v, want %v", got, base)
	}
	if got := ExponentialBackoff(1, base, capDur); got != 2*base {
		t.Fatalf("attempt 1 = %v, want %v", got, 2*base)
	}
	if got := ExponentialBackoff(2, base, capDur); got != 4*base {
		t.Fatalf("attempt 2 = %v, want %v", got, 4*base)
	}
	if got := ExponentialBackoff(10, base, capDur); got != capDur {
		t.Fatalf("attempt 10 = %v, want cap %v", got, capDur)
	}
}
