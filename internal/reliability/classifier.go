package reliability

import "time"

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// KindForHTTPStatus maps an upstream HTTP status to the error taxonomy.
// Client-side rejections (bad request, unauthorized, unprocessable) mean the
// configuration we sent was wrong; everything else upstream is an API fault.
func KindForHTTPStatus(code int) Kind {
	switch code {
	case 400, 401, 403, 422:
		return KindInvalidConfig
	case 408, 504:
		return KindTimeout
	default:
		return KindAPI
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
