package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	oauth "github.com/giantswarm/oauth-engine"
	"github.com/giantswarm/oauth-engine/internal/testutil"
	"github.com/giantswarm/oauth-engine/scope"
	"github.com/giantswarm/oauth-engine/storage"
	"github.com/giantswarm/oauth-engine/storage/memory"
	"github.com/giantswarm/oauth-engine/storage/mock"
)

const (
	testClientID    = "abc"
	testRedirectURI = "https://example.com/callback"
	testOwnerID     = "user-123"
)

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestServer returns a server over a fresh memory store driven by a mock
// clock. mutate may adjust the configuration before New.
func newTestServer(t *testing.T, mutate func(*Config)) (*Server, *memory.Store, *testutil.MockClock) {
	t.Helper()

	store := memory.New()
	t.Cleanup(store.Stop)

	clock := testutil.NewMockClock(testStart)
	store.SetClock(clock.Now)
	store.SetLogger(discardLogger())

	cfg := DefaultConfig()
	cfg.DefaultScopes = []string{"public"}
	cfg.OptionalScopes = []string{"read", "write"}
	cfg.VerificationURI = "https://example.com/device"
	cfg.Clock = clock.Now
	if mutate != nil {
		mutate(&cfg)
	}

	srv, err := New(store, cfg, discardLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return srv, store, clock
}

// saveClient registers a confidential client with testutil.TestClientSecret.
func saveClient(t *testing.T, store *memory.Store, client *storage.Client) *storage.Client {
	t.Helper()

	secret := ""
	if client.Confidential {
		secret = testutil.TestClientSecret
	}
	if err := store.SaveClient(context.Background(), client, secret); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}
	return client
}

// savePublicClient registers a public client.
func savePublicClient(t *testing.T, store *memory.Store, id string) *storage.Client {
	t.Helper()

	client := testutil.NewTestClient(id)
	client.Confidential = false
	return saveClient(t, store, client)
}

// wantCode fails unless err is an OAuth error with the given code.
func wantCode(t *testing.T, err error, code string) *oauth.OAuthError {
	t.Helper()

	if err == nil {
		t.Fatalf("error = nil, want %s", code)
	}
	oe, ok := oauth.AsOAuthError(err)
	if !ok {
		t.Fatalf("error = %v (%T), want OAuth error %s", err, err, code)
	}
	if oe.Code != code {
		t.Fatalf("error code = %q (%s), want %q", oe.Code, oe.Description, code)
	}
	return oe
}

func TestNew(t *testing.T) {
	store := memory.New()
	defer store.Stop()

	srv, err := New(store, DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if srv.Logger == nil {
		t.Error("Logger should not be nil")
	}
	if srv.Auditor == nil {
		t.Error("Auditor should not be nil")
	}

	cfg := srv.Config()
	if cfg.AuthorizationCodeTTL != DefaultAuthorizationCodeTTL {
		t.Errorf("AuthorizationCodeTTL = %d, want %d", cfg.AuthorizationCodeTTL, DefaultAuthorizationCodeTTL)
	}
	if cfg.AccessTokenTTL != DefaultAccessTokenTTL {
		t.Errorf("AccessTokenTTL = %d, want %d", cfg.AccessTokenTTL, DefaultAccessTokenTTL)
	}
	if cfg.DeviceCodeTTL != DefaultDeviceCodeTTL {
		t.Errorf("DeviceCodeTTL = %d, want %d", cfg.DeviceCodeTTL, DefaultDeviceCodeTTL)
	}
	if cfg.DevicePollingInterval != DefaultDevicePollingInterval {
		t.Errorf("DevicePollingInterval = %d, want %d", cfg.DevicePollingInterval, DefaultDevicePollingInterval)
	}
	if cfg.UserCodeMaxAttempts != DefaultUserCodeMaxAttempts {
		t.Errorf("UserCodeMaxAttempts = %d, want %d", cfg.UserCodeMaxAttempts, DefaultUserCodeMaxAttempts)
	}
	if cfg.ClockSkewGracePeriod != 0 {
		t.Errorf("ClockSkewGracePeriod = %d, want 0", cfg.ClockSkewGracePeriod)
	}
	if cfg.responseTypeEnabled(oauth.ResponseTypeToken) {
		t.Error("implicit flow should be disabled by default")
	}
	if !cfg.AllowPublicClients {
		t.Error("AllowPublicClients should default to true")
	}
	if cfg.StrictVerifierFormat {
		t.Error("StrictVerifierFormat should default to false")
	}
	if _, ok := cfg.TokenGenerator.(OpaqueGenerator); !ok {
		t.Errorf("TokenGenerator = %T, want OpaqueGenerator", cfg.TokenGenerator)
	}
}

func TestNew_NilRepository(t *testing.T) {
	if _, err := New(nil, DefaultConfig(), nil); err == nil {
		t.Fatal("New() with nil repository should fail")
	}
}

func TestNew_BooleansTakenAsGiven(t *testing.T) {
	plainDefault := DefaultConfig()
	plainDefault.AllowPKCEPlain = true

	tests := []struct {
		name             string
		cfg              Config
		wantPublic       bool
		wantPublicPKCE   bool
		wantRequirePKCE  bool
		wantAllowPlain   bool
		wantIssueRefresh bool
	}{
		{
			name: "zero config",
			cfg:  Config{},
		},
		{
			name:           "single flag",
			cfg:            Config{AllowPKCEPlain: true},
			wantAllowPlain: true,
		},
		{
			name:            "require pkce only",
			cfg:             Config{RequirePKCE: true},
			wantRequirePKCE: true,
		},
		{
			name:             "default config",
			cfg:              DefaultConfig(),
			wantPublic:       true,
			wantPublicPKCE:   true,
			wantIssueRefresh: true,
		},
		{
			name:             "default config with one flag changed",
			cfg:              plainDefault,
			wantPublic:       true,
			wantPublicPKCE:   true,
			wantAllowPlain:   true,
			wantIssueRefresh: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.New()
			defer store.Stop()

			srv, err := New(store, tt.cfg, discardLogger())
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}

			cfg := srv.Config()
			if cfg.AllowPublicClients != tt.wantPublic {
				t.Errorf("AllowPublicClients = %v, want %v", cfg.AllowPublicClients, tt.wantPublic)
			}
			if cfg.RequirePKCEForPublicClients != tt.wantPublicPKCE {
				t.Errorf("RequirePKCEForPublicClients = %v, want %v", cfg.RequirePKCEForPublicClients, tt.wantPublicPKCE)
			}
			if cfg.RequirePKCE != tt.wantRequirePKCE {
				t.Errorf("RequirePKCE = %v, want %v", cfg.RequirePKCE, tt.wantRequirePKCE)
			}
			if cfg.AllowPKCEPlain != tt.wantAllowPlain {
				t.Errorf("AllowPKCEPlain = %v, want %v", cfg.AllowPKCEPlain, tt.wantAllowPlain)
			}
			if cfg.IssueRefreshTokens != tt.wantIssueRefresh {
				t.Errorf("IssueRefreshTokens = %v, want %v", cfg.IssueRefreshTokens, tt.wantIssueRefresh)
			}
		})
	}
}

func TestNew_ExplicitBooleansKept(t *testing.T) {
	store := memory.New()
	defer store.Stop()

	cfg := DefaultConfig()
	cfg.AllowPublicClients = false
	cfg.RequirePKCEForPublicClients = false

	srv, err := New(store, cfg, discardLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if srv.Config().AllowPublicClients {
		t.Error("explicit AllowPublicClients=false should be kept")
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"reuse limit above 100", func(c *Config) { c.TokenReuseLimit = 101 }},
		{"negative ttl", func(c *Config) { c.AccessTokenTTL = -1 }},
		{"negative grace period", func(c *Config) { c.ClockSkewGracePeriod = -5 }},
		{"unknown grant type", func(c *Config) { c.GrantTypes = []string{"magic"} }},
		{"unknown response type", func(c *Config) { c.ResponseTypes = []string{"id_token"} }},
		{"bad user code class", func(c *Config) { c.UserCodeTemplate = "4x-4w" }},
		{"bad user code length", func(c *Config) { c.UserCodeTemplate = "0w" }},
		{"jwt without key", func(c *Config) { c.AccessTokenFormat = AccessTokenFormatJWT }},
		{"unknown token format", func(c *Config) { c.AccessTokenFormat = "paseto" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.New()
			defer store.Stop()

			cfg := DefaultConfig()
			tt.mutate(&cfg)

			_, err := New(store, cfg, discardLogger())
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("New() error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestNew_CopiesConfig(t *testing.T) {
	store := memory.New()
	defer store.Stop()

	cfg := DefaultConfig()
	cfg.DefaultScopes = []string{"public"}

	srv, err := New(store, cfg, discardLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	cfg.DefaultScopes[0] = "admin"
	got := srv.Config()
	if scopes := got.defaultScopes(); !scopes.Equal(scope.New("public")) {
		t.Errorf("defaultScopes() = %v, want [public]", scopes)
	}
}

func TestAuthenticateClient(t *testing.T) {
	srv, store, _ := newTestServer(t, nil)
	saveClient(t, store, testutil.NewTestClient("confidential"))
	savePublicClient(t, store, "public")
	ctx := context.Background()

	tests := []struct {
		name     string
		clientID string
		secret   string
		want     bool
	}{
		{"confidential with secret", "confidential", testutil.TestClientSecret, true},
		{"confidential wrong secret", "confidential", "wrong", false},
		{"confidential without secret", "confidential", "", false},
		{"public by uid", "public", "", true},
		{"unknown", "nobody", "", false},
		{"empty", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := srv.authenticateClient(ctx, tt.clientID, tt.secret)
			if err != nil {
				t.Fatalf("authenticateClient() error = %v", err)
			}
			if got := client != nil; got != tt.want {
				t.Errorf("authenticateClient() authenticated = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAuthenticateClient_PublicClientsDisabled(t *testing.T) {
	srv, store, _ := newTestServer(t, func(c *Config) {
		c.AllowPublicClients = false
	})
	savePublicClient(t, store, "public")

	client, err := srv.authenticateClient(context.Background(), "public", "")
	if err != nil {
		t.Fatalf("authenticateClient() error = %v", err)
	}
	if client != nil {
		t.Error("public client should not authenticate when AllowPublicClients is false")
	}
}

func TestServer_InfrastructureFailureIsServerError(t *testing.T) {
	store := memory.New()
	defer store.Stop()

	repo := mock.New(store)
	repo.FindClientByUIDFunc = func(context.Context, string) (*storage.Client, error) {
		return nil, errors.New("connection refused")
	}

	srv, err := New(repo, DefaultConfig(), discardLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, err = srv.PreAuthorize(context.Background(), &AuthorizationRequest{
		ClientID:     testClientID,
		ResponseType: oauth.ResponseTypeCode,
	})
	if err == nil {
		t.Fatal("PreAuthorize() error = nil, want infrastructure error")
	}
	if _, ok := oauth.AsOAuthError(err); ok {
		t.Fatalf("PreAuthorize() error = %v, want a non-OAuth error", err)
	}

	resp := oauth.FormatError(err)
	if resp.Status != 500 {
		t.Errorf("FormatError() status = %d, want 500", resp.Status)
	}
}
