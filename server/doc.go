// Package server implements the OAuth2 grant-flow engines.
//
// A Server receives already-parsed requests, validates them against an
// ordered rule list per flow and decides which credential to mint, reuse or
// revoke. It never performs transport I/O; the caller renders results with
// oauth.FormatSuccess and oauth.FormatError.
//
// Supported flows:
//   - Authorization code with PKCE (RFC 6749 Section 4.1, RFC 7636)
//   - Implicit, disabled by default (RFC 6749 Section 4.2)
//   - Resource owner password credentials (RFC 6749 Section 4.3)
//   - Client credentials (RFC 6749 Section 4.4)
//   - Refresh token (RFC 6749 Section 6)
//   - Device authorization grant (RFC 8628)
//   - Token introspection (RFC 7662) and revocation (RFC 7009)
//
// Grants and refresh tokens are consumed through the repository's
// lock-and-revoke primitives, so each is honoured at most once under
// concurrent redemption.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	cfg := server.DefaultConfig()
//	cfg.DefaultScopes = []string{"public"}
//	cfg.OptionalScopes = []string{"write"}
//
//	srv, err := server.New(store, cfg, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	payload, err := srv.Token(ctx, &server.TokenRequest{
//	    GrantType:    oauth.GrantTypeClientCredentials,
//	    ClientID:     "abc",
//	    ClientSecret: "s3cret",
//	})
//	resp := oauth.FormatSuccess(payload)
//	if err != nil {
//	    resp = oauth.FormatError(err)
//	}
package server
