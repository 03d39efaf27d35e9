package reliability

import "time"

// Category buckets a session failure by the treatment it gets: only Setup
// and Transport failures are surfaced to the user; everything else degrades
// silently.
type Category string

const (
	// CategorySetup covers connection-setup failures: token issuance,
	// transport dial, microphone permission.
	CategorySetup Category = "setup"
	// CategoryTransport covers mid-session transport errors.
	CategoryTransport Category = "transport"
	// CategoryEnhancement covers failures of non-critical extras such as
	// reminder speech synthesis.
	CategoryEnhancement Category = "enhancement"
	// CategoryMalformed covers unparseable inbound events and tool calls
	// with missing arguments.
	CategoryMalformed Category = "malformed"
	// CategoryTeardown covers double-teardown and teardown-without-setup.
	CategoryTeardown Category = "teardown"
)

// UserVisible reports whether a failure in this category produces error text
// and a retry affordance in the UI.
func (c Category) UserVisible() bool {
	return c == CategorySetup || c == CategoryTransport
}

// Retryable reports whether reconnecting can clear a failure in this
// category. Tracks UserVisible today: exactly the surfaced failures are the
// ones worth retrying.
func (c Category) Retryable() bool {
	return c == CategorySetup || c == CategoryTransport
}

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
