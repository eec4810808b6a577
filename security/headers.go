package security

import "net/http"

// SetNoStoreHeaders marks a response carrying credentials as non-cacheable
// (RFC 6749 Section 5.1).
func SetNoStoreHeaders(h http.Header) {
	h.Set("Cache-Control", "no-store")
	h.Set("Pragma", "no-cache")
}

// SetJSONHeaders sets the content type of token endpoint responses along with
// the no-sniff guard.
func SetJSONHeaders(h http.Header) {
	h.Set("Content-Type", "application/json;charset=UTF-8")
	h.Set("X-Content-Type-Options", "nosniff")
}
