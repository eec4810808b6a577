package scope

import "strings"

// Resolve returns the scopes a request asks for. An explicit scope string
// wins. A blank one falls back to the server defaults, narrowed to the
// client's registered scopes when the client has any: a client can restrict
// the defaults but never widen them.
func Resolve(raw string, defaults, client Set) Set {
	if strings.TrimSpace(raw) != "" {
		return Parse(raw)
	}
	if client.IsEmpty() {
		return defaults
	}
	return defaults.Intersect(client)
}

// WellFormed reports whether a raw scope parameter is free of the control
// whitespace that RFC 6749 forbids between scope tokens.
func WellFormed(raw string) bool {
	return !strings.ContainsAny(raw, "\r\n\t")
}

// Permitted reports whether requested may be granted. It must be non-empty,
// within the server scopes and, if the client registers scopes, within those
// as well.
func Permitted(requested, server, client Set) bool {
	if requested.IsEmpty() {
		return false
	}
	allowed := server
	if !client.IsEmpty() {
		allowed = server.Intersect(client)
	}
	return allowed.HasAll(requested)
}
