package server

import (
	"context"
	"errors"
	"testing"

	oauth "github.com/giantswarm/oauth-engine"
	"github.com/giantswarm/oauth-engine/internal/testutil"
	"github.com/giantswarm/oauth-engine/providers"
)

// staticOwners authenticates a fixed username/password table.
func staticOwners(users map[string]string) ResourceOwnerAuthenticatorFunc {
	return func(_ context.Context, username, password string) (string, error) {
		if want, ok := users[username]; ok && want == password {
			return "owner-" + username, nil
		}
		return "", nil
	}
}

func TestPassword_DefaultScopesNarrowedToClient(t *testing.T) {
	srv, store, _ := newTestServer(t, func(c *Config) {
		c.DefaultScopes = []string{"public", "admin"}
		c.ResourceOwnerAuthenticator = staticOwners(map[string]string{"alice": "wonderland"})
	})
	saveClient(t, store, testutil.NewTestClient(testClientID))

	payload, err := srv.Token(context.Background(), &TokenRequest{
		GrantType:    oauth.GrantTypePassword,
		ClientID:     testClientID,
		ClientSecret: testutil.TestClientSecret,
		Username:     "alice",
		Password:     "wonderland",
	})
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if payload.Scope != "public" {
		t.Errorf("Scope = %q, want public", payload.Scope)
	}
	if payload.RefreshToken == "" {
		t.Error("password grant should issue a refresh token by default")
	}

	token, err := store.FindTokenByToken(context.Background(), payload.AccessToken)
	if err != nil {
		t.Fatalf("FindTokenByToken() error = %v", err)
	}
	if token.ResourceOwnerID != "owner-alice" {
		t.Errorf("ResourceOwnerID = %q, want owner-alice", token.ResourceOwnerID)
	}
}

func TestPassword_Failures(t *testing.T) {
	owners := staticOwners(map[string]string{"alice": "wonderland"})

	tests := []struct {
		name     string
		mutate   func(*Config)
		req      TokenRequest
		wantCode string
	}{
		{
			name:     "no authenticator configured",
			req:      TokenRequest{ClientID: testClientID, ClientSecret: testutil.TestClientSecret, Username: "alice", Password: "wonderland"},
			wantCode: oauth.ErrorCodeInvalidGrant,
		},
		{
			name:     "wrong password",
			mutate:   func(c *Config) { c.ResourceOwnerAuthenticator = owners },
			req:      TokenRequest{ClientID: testClientID, ClientSecret: testutil.TestClientSecret, Username: "alice", Password: "nope"},
			wantCode: oauth.ErrorCodeInvalidGrant,
		},
		{
			name:     "missing password",
			mutate:   func(c *Config) { c.ResourceOwnerAuthenticator = owners },
			req:      TokenRequest{ClientID: testClientID, ClientSecret: testutil.TestClientSecret, Username: "alice"},
			wantCode: oauth.ErrorCodeInvalidRequest,
		},
		{
			name:     "wrong client secret",
			mutate:   func(c *Config) { c.ResourceOwnerAuthenticator = owners },
			req:      TokenRequest{ClientID: testClientID, ClientSecret: "wrong", Username: "alice", Password: "wonderland"},
			wantCode: oauth.ErrorCodeInvalidClient,
		},
		{
			name:     "clientless not allowed",
			mutate:   func(c *Config) { c.ResourceOwnerAuthenticator = owners },
			req:      TokenRequest{Username: "alice", Password: "wonderland"},
			wantCode: oauth.ErrorCodeInvalidClient,
		},
		{
			name:     "scope outside client",
			mutate:   func(c *Config) { c.ResourceOwnerAuthenticator = owners },
			req:      TokenRequest{ClientID: testClientID, ClientSecret: testutil.TestClientSecret, Username: "alice", Password: "wonderland", Scope: "admin"},
			wantCode: oauth.ErrorCodeInvalidScope,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, store, _ := newTestServer(t, tt.mutate)
			saveClient(t, store, testutil.NewTestClient(testClientID))

			req := tt.req
			req.GrantType = oauth.GrantTypePassword
			_, err := srv.Password(context.Background(), &req)
			wantCode(t, err, tt.wantCode)
		})
	}
}

func TestPassword_WithoutClient(t *testing.T) {
	srv, _, _ := newTestServer(t, func(c *Config) {
		c.AllowPasswordWithoutClient = true
		c.ResourceOwnerAuthenticator = staticOwners(map[string]string{"alice": "wonderland"})
	})
	ctx := context.Background()

	payload, err := srv.Password(ctx, &TokenRequest{
		GrantType: oauth.GrantTypePassword,
		Username:  "alice",
		Password:  "wonderland",
		Scope:     "read",
	})
	if err != nil {
		t.Fatalf("Password() error = %v", err)
	}
	if payload.Scope != "read" {
		t.Errorf("Scope = %q, want read", payload.Scope)
	}

	// The clientless token can be refreshed without client credentials.
	refreshed, err := srv.RefreshToken(ctx, &TokenRequest{
		GrantType:    oauth.GrantTypeRefreshToken,
		RefreshToken: payload.RefreshToken,
	})
	if err != nil {
		t.Fatalf("RefreshToken() error = %v", err)
	}
	if refreshed.AccessToken == payload.AccessToken {
		t.Error("refresh should mint a new access token")
	}
}

func TestPassword_AuthenticatorError(t *testing.T) {
	srv, store, _ := newTestServer(t, func(c *Config) {
		c.ResourceOwnerAuthenticator = ResourceOwnerAuthenticatorFunc(func(context.Context, string, string) (string, error) {
			return "", errors.New("directory unavailable")
		})
	})
	saveClient(t, store, testutil.NewTestClient(testClientID))

	_, err := srv.Password(context.Background(), &TokenRequest{
		GrantType:    oauth.GrantTypePassword,
		ClientID:     testClientID,
		ClientSecret: testutil.TestClientSecret,
		Username:     "alice",
		Password:     "wonderland",
	})
	if err == nil {
		t.Fatal("Password() error = nil, want infrastructure error")
	}
	if _, ok := oauth.AsOAuthError(err); ok {
		t.Errorf("Password() error = %v, want a non-OAuth error", err)
	}
}

func TestPassword_ReusesToken(t *testing.T) {
	srv, store, _ := newTestServer(t, func(c *Config) {
		c.ReuseAccessToken = true
		c.ResourceOwnerAuthenticator = staticOwners(map[string]string{"alice": "wonderland"})
	})
	saveClient(t, store, testutil.NewTestClient(testClientID))
	ctx := context.Background()

	req := &TokenRequest{
		GrantType:    oauth.GrantTypePassword,
		ClientID:     testClientID,
		ClientSecret: testutil.TestClientSecret,
		Username:     "alice",
		Password:     "wonderland",
		Scope:        "read write",
	}
	first, err := srv.Password(ctx, req)
	if err != nil {
		t.Fatalf("first Password() error = %v", err)
	}

	req.Scope = "write read"
	second, err := srv.Password(ctx, req)
	if err != nil {
		t.Fatalf("second Password() error = %v", err)
	}
	if second.AccessToken != first.AccessToken {
		t.Error("same client, owner and scope set should reuse the token")
	}

	req.Scope = "read"
	third, err := srv.Password(ctx, req)
	if err != nil {
		t.Fatalf("third Password() error = %v", err)
	}
	if third.AccessToken == first.AccessToken {
		t.Error("a different scope set should not reuse the token")
	}
}

func TestPassword_StaticProvider(t *testing.T) {
	owners := providers.NewStatic()
	if err := owners.Add("alice", "user-1", "wonderland"); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	srv, store, _ := newTestServer(t, func(c *Config) { c.ResourceOwnerAuthenticator = owners })
	saveClient(t, store, testutil.NewTestClient(testClientID))

	req := &TokenRequest{
		GrantType:    oauth.GrantTypePassword,
		ClientID:     testClientID,
		ClientSecret: testutil.TestClientSecret,
		Username:     "alice",
		Password:     "wonderland",
	}
	payload, err := srv.Token(context.Background(), req)
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	token, err := store.FindTokenByToken(context.Background(), payload.AccessToken)
	if err != nil {
		t.Fatalf("FindTokenByToken() error = %v", err)
	}
	if token.ResourceOwnerID != "user-1" {
		t.Errorf("ResourceOwnerID = %q, want user-1", token.ResourceOwnerID)
	}

	req.Password = "looking-glass"
	_, err = srv.Token(context.Background(), req)
	if oe, ok := oauth.AsOAuthError(err); !ok || oe.Code != oauth.ErrorCodeInvalidGrant {
		t.Errorf("Token() with wrong password error = %v, want invalid_grant", err)
	}
}
