// Package providers implements resource owner authenticators for the
// password grant.
//
// Every type here satisfies server.ResourceOwnerAuthenticator: Authenticate
// returns the owner ID for valid credentials, "" for wrong ones and an error
// only when the check itself could not run.
//
// Implementations:
//   - Static: an in-process table of bcrypt-hashed passwords
//   - Upstream: delegates to an upstream OAuth2/OIDC identity provider using
//     its password grant and userinfo endpoint
//
// Example usage:
//
//	owners := providers.NewStatic()
//	if err := owners.Add("alice", "user-1", "wonderland"); err != nil {
//	    log.Fatal(err)
//	}
//
//	cfg := server.DefaultConfig()
//	cfg.ResourceOwnerAuthenticator = owners
//
// Upstream endpoints may be discovered from an issuer:
//
//	upstream, err := providers.NewUpstream(ctx, providers.UpstreamConfig{
//	    Issuer:       "https://dex.example.com",
//	    ClientID:     "oauth-engine",
//	    ClientSecret: os.Getenv("UPSTREAM_CLIENT_SECRET"),
//	})
package providers
