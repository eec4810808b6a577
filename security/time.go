package security

import "time"

// IsExpiredAt reports whether expiresAt has passed at now, allowing grace for
// clock skew between nodes. A zero expiresAt never expires.
func IsExpiredAt(expiresAt, now time.Time, grace time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return now.After(expiresAt.Add(grace))
}

// SecondsUntil returns the whole seconds left until expiresAt, floored at zero.
func SecondsUntil(expiresAt, now time.Time) int64 {
	if expiresAt.IsZero() {
		return 0
	}
	left := expiresAt.Sub(now) / time.Second
	if left < 0 {
		return 0
	}
	return int64(left)
}
