package server

import (
	"net"
	"net/url"
	"strings"

	oauth "github.com/giantswarm/oauth-engine"
	"github.com/giantswarm/oauth-engine/scope"
	"github.com/giantswarm/oauth-engine/security"
	"github.com/giantswarm/oauth-engine/storage"
)

// resolveRedirectURI returns the registered redirect URI a request refers
// to, or "" when it matches none. A blank requested URI resolves to the only
// registered one (RFC 6749 Section 3.1.2.3). The out-of-band URI matches only
// when registered.
func resolveRedirectURI(client *storage.Client, requested string, allowLoopbackPortVariation bool) string {
	if requested == "" {
		if len(client.RedirectURIs) == 1 {
			return client.RedirectURIs[0]
		}
		return ""
	}
	for _, registered := range client.RedirectURIs {
		if registered == requested {
			return requested
		}
		if allowLoopbackPortVariation && loopbackMatch(registered, requested) {
			return requested
		}
	}
	return ""
}

// loopbackMatch compares two http loopback IP URIs ignoring the port
// (RFC 8252 Section 7.3). "localhost" is not a loopback IP literal and never
// matches here.
func loopbackMatch(registered, requested string) bool {
	r, err := url.Parse(registered)
	if err != nil {
		return false
	}
	q, err := url.Parse(requested)
	if err != nil {
		return false
	}
	if r.Scheme != "http" || q.Scheme != "http" {
		return false
	}
	if !isLoopbackIP(r.Hostname()) || r.Hostname() != q.Hostname() {
		return false
	}
	return r.Path == q.Path && r.RawQuery == q.RawQuery && q.Fragment == "" && q.User == nil
}

// isLoopbackIP reports whether host is an IPv4 or IPv6 loopback literal.
func isLoopbackIP(host string) bool {
	ip := net.ParseIP(strings.Trim(host, "[]"))
	return ip != nil && ip.IsLoopback()
}

// isOOB reports whether uri is the native out-of-band redirect URI.
func isOOB(uri string) bool {
	return uri == oauth.OOBRedirectURI
}

// scopeAcceptable resolves and checks a requested scope against the server
// and client scopes.
func (s *Server) scopeAcceptable(raw string, client *storage.Client) (scope.Set, bool) {
	if !scope.WellFormed(raw) {
		return nil, false
	}
	var clientScopes scope.Set
	if client != nil {
		clientScopes = client.Scopes
	}
	resolved := scope.Resolve(raw, s.config.defaultScopes(), clientScopes)
	if !scope.Permitted(resolved, s.config.serverScopes(), clientScopes) {
		return nil, false
	}
	return resolved, true
}

// pkceAcceptable validates the PKCE parameters of an authorization request
// and returns the effective challenge method. A blank method with a
// challenge is "plain" per RFC 7636 Section 4.3.
func (s *Server) pkceAcceptable(client *storage.Client, challenge, method string) (string, bool) {
	if challenge == "" {
		if method != "" {
			return "", false
		}
		if s.config.RequirePKCE || (!client.Confidential && s.config.RequirePKCEForPublicClients) {
			return "", false
		}
		return "", true
	}
	if method == "" {
		method = security.PKCEMethodPlain
	}
	if !security.SupportedChallengeMethod(method, s.config.AllowPKCEPlain) {
		return "", false
	}
	return method, true
}
