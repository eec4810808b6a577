package server

import (
	"context"
	"errors"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	oauth "github.com/giantswarm/oauth-engine"
	"github.com/giantswarm/oauth-engine/internal/testutil"
	"github.com/giantswarm/oauth-engine/storage/mock"
)

const deviceClientID = "tv-app"

// startDevice starts a device flow for deviceClientID.
func startDevice(t *testing.T, srv *Server, scope string) *oauth.DevicePayload {
	t.Helper()

	payload, err := srv.DeviceAuthorization(context.Background(), &DeviceAuthorizationRequest{
		ClientID: deviceClientID,
		Scope:    scope,
	})
	if err != nil {
		t.Fatalf("DeviceAuthorization() error = %v", err)
	}
	return payload
}

func poll(srv *Server, deviceCode string) (*oauth.SuccessPayload, error) {
	return srv.Token(context.Background(), &TokenRequest{
		GrantType:  oauth.GrantTypeDeviceCode,
		ClientID:   deviceClientID,
		DeviceCode: deviceCode,
	})
}

func TestDeviceAuthorization(t *testing.T) {
	srv, store, _ := newTestServer(t, nil)
	savePublicClient(t, store, deviceClientID)

	payload := startDevice(t, srv, "read")

	if payload.DeviceCode == "" {
		t.Error("DeviceCode should not be empty")
	}
	if !regexp.MustCompile(`^[BCDFGHJKLMNPQRSTVWXZ]{4}-[BCDFGHJKLMNPQRSTVWXZ]{4}$`).MatchString(payload.UserCode) {
		t.Errorf("UserCode = %q, want the 4w-4w pattern", payload.UserCode)
	}
	if payload.VerificationURI != "https://example.com/device" {
		t.Errorf("VerificationURI = %q", payload.VerificationURI)
	}
	if payload.ExpiresIn != DefaultDeviceCodeTTL {
		t.Errorf("ExpiresIn = %d, want %d", payload.ExpiresIn, DefaultDeviceCodeTTL)
	}
	if payload.Interval != DefaultDevicePollingInterval {
		t.Errorf("Interval = %d, want %d", payload.Interval, DefaultDevicePollingInterval)
	}

	u, err := url.Parse(payload.VerificationURIComplete)
	if err != nil {
		t.Fatalf("url.Parse() error = %v", err)
	}
	if u.Query().Get("user_code") != payload.UserCode {
		t.Errorf("VerificationURIComplete = %q, want user_code=%s", payload.VerificationURIComplete, payload.UserCode)
	}

	grant, err := srv.LookupUserCode(context.Background(), strings.ToLower(payload.UserCode)+" ")
	if err != nil {
		t.Fatalf("LookupUserCode() error = %v", err)
	}
	if grant.ClientID != deviceClientID || grant.ResourceOwnerID != "" {
		t.Errorf("grant client = %q owner = %q, want %q and no owner", grant.ClientID, grant.ResourceOwnerID, deviceClientID)
	}
}

func TestDeviceFlow_PollingLifecycle(t *testing.T) {
	srv, store, clock := newTestServer(t, nil)
	savePublicClient(t, store, deviceClientID)
	ctx := context.Background()

	payload := startDevice(t, srv, "read")

	_, err := poll(srv, payload.DeviceCode)
	wantCode(t, err, oauth.ErrorCodeAuthorizationPending)

	_, err = poll(srv, payload.DeviceCode)
	wantCode(t, err, oauth.ErrorCodeSlowDown)

	clock.Advance(6 * time.Second)
	_, err = poll(srv, payload.DeviceCode)
	wantCode(t, err, oauth.ErrorCodeAuthorizationPending)

	if err := srv.ApproveDevice(ctx, payload.UserCode, testOwnerID); err != nil {
		t.Fatalf("ApproveDevice() error = %v", err)
	}

	clock.Advance(6 * time.Second)
	token, err := poll(srv, payload.DeviceCode)
	if err != nil {
		t.Fatalf("poll after approval error = %v", err)
	}
	if token.AccessToken == "" || token.Scope != "read" {
		t.Errorf("token = %+v, want an access token with scope read", token)
	}

	stored, err := store.FindTokenByToken(ctx, token.AccessToken)
	if err != nil {
		t.Fatalf("FindTokenByToken() error = %v", err)
	}
	if stored.ResourceOwnerID != testOwnerID {
		t.Errorf("ResourceOwnerID = %q, want %q", stored.ResourceOwnerID, testOwnerID)
	}

	clock.Advance(6 * time.Second)
	_, err = poll(srv, payload.DeviceCode)
	wantCode(t, err, oauth.ErrorCodeAuthorizationDeclined)
}

func TestDeviceFlow_SlowDownDoesNotResetInterval(t *testing.T) {
	srv, store, clock := newTestServer(t, nil)
	savePublicClient(t, store, deviceClientID)

	payload := startDevice(t, srv, "")

	_, err := poll(srv, payload.DeviceCode)
	wantCode(t, err, oauth.ErrorCodeAuthorizationPending)

	clock.Advance(3 * time.Second)
	_, err = poll(srv, payload.DeviceCode)
	wantCode(t, err, oauth.ErrorCodeSlowDown)

	// 5s after the last accepted poll, not after the rejected one.
	clock.Advance(2 * time.Second)
	_, err = poll(srv, payload.DeviceCode)
	wantCode(t, err, oauth.ErrorCodeAuthorizationPending)
}

func TestDeviceFlow_ConcurrentPollsSingleAccepted(t *testing.T) {
	srv, store, _ := newTestServer(t, nil)
	savePublicClient(t, store, deviceClientID)

	payload := startDevice(t, srv, "")

	var pending, slowDown atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := poll(srv, payload.DeviceCode)
			oe, ok := oauth.AsOAuthError(err)
			switch {
			case ok && oe.Code == oauth.ErrorCodeAuthorizationPending:
				pending.Add(1)
			case ok && oe.Code == oauth.ErrorCodeSlowDown:
				slowDown.Add(1)
			default:
				t.Errorf("poll() error = %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if pending.Load() != 1 || slowDown.Load() != 19 {
		t.Errorf("pending = %d, slow_down = %d, want 1 and 19", pending.Load(), slowDown.Load())
	}
}

func TestDeviceFlow_Denied(t *testing.T) {
	srv, store, _ := newTestServer(t, nil)
	savePublicClient(t, store, deviceClientID)
	ctx := context.Background()

	payload := startDevice(t, srv, "read")
	if err := srv.DenyDevice(ctx, payload.UserCode); err != nil {
		t.Fatalf("DenyDevice() error = %v", err)
	}

	_, err := poll(srv, payload.DeviceCode)
	wantCode(t, err, oauth.ErrorCodeAuthorizationDeclined)

	err = srv.ApproveDevice(ctx, payload.UserCode, testOwnerID)
	wantCode(t, err, oauth.ErrorCodeInvalidGrant)
}

func TestDeviceFlow_Expired(t *testing.T) {
	srv, store, clock := newTestServer(t, nil)
	savePublicClient(t, store, deviceClientID)
	ctx := context.Background()

	payload := startDevice(t, srv, "read")
	clock.Advance(DefaultDeviceCodeTTL*time.Second + time.Second)

	_, err := poll(srv, payload.DeviceCode)
	wantCode(t, err, oauth.ErrorCodeCodeExpired)

	err = srv.ApproveDevice(ctx, payload.UserCode, testOwnerID)
	wantCode(t, err, oauth.ErrorCodeCodeExpired)
}

func TestDeviceFlow_ApproveTwice(t *testing.T) {
	srv, store, _ := newTestServer(t, nil)
	savePublicClient(t, store, deviceClientID)
	ctx := context.Background()

	payload := startDevice(t, srv, "read")
	if err := srv.ApproveDevice(ctx, payload.UserCode, testOwnerID); err != nil {
		t.Fatalf("ApproveDevice() error = %v", err)
	}
	if err := srv.ApproveDevice(ctx, payload.UserCode, testOwnerID); err != nil {
		t.Errorf("repeat approval by the same owner error = %v", err)
	}

	err := srv.ApproveDevice(ctx, payload.UserCode, "someone-else")
	wantCode(t, err, oauth.ErrorCodeInvalidGrant)
}

func TestDeviceFlow_Failures(t *testing.T) {
	srv, store, _ := newTestServer(t, nil)
	savePublicClient(t, store, deviceClientID)
	savePublicClient(t, store, "other-device")
	ctx := context.Background()

	payload := startDevice(t, srv, "read")

	tests := []struct {
		name     string
		req      TokenRequest
		wantCode string
	}{
		{"unknown client", TokenRequest{ClientID: "nobody", DeviceCode: payload.DeviceCode}, oauth.ErrorCodeInvalidClient},
		{"missing device code", TokenRequest{ClientID: deviceClientID}, oauth.ErrorCodeInvalidRequest},
		{"unknown device code", TokenRequest{ClientID: deviceClientID, DeviceCode: "nope"}, oauth.ErrorCodeAuthorizationDeclined},
		{"other client", TokenRequest{ClientID: "other-device", DeviceCode: payload.DeviceCode}, oauth.ErrorCodeAuthorizationDeclined},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			req.GrantType = oauth.GrantTypeDeviceCode
			_, err := srv.DeviceToken(ctx, &req)
			wantCode(t, err, tt.wantCode)
		})
	}

	if _, err := srv.LookupUserCode(ctx, "ZZZZ-ZZZZ"); err == nil {
		t.Error("LookupUserCode() for an unknown code should fail")
	}
}

func TestDeviceAuthorization_Disabled(t *testing.T) {
	srv, store, _ := newTestServer(t, func(c *Config) {
		c.GrantTypes = []string{oauth.GrantTypeAuthorizationCode}
	})
	savePublicClient(t, store, deviceClientID)

	_, err := srv.DeviceAuthorization(context.Background(), &DeviceAuthorizationRequest{ClientID: deviceClientID})
	wantCode(t, err, oauth.ErrorCodeUnsupportedGrantType)
}

func TestDeviceAuthorization_ClientNotAllowed(t *testing.T) {
	srv, store, _ := newTestServer(t, nil)
	client := testutil.NewTestClient("web-only")
	client.GrantTypes = []string{oauth.GrantTypeAuthorizationCode}
	saveClient(t, store, client)

	_, err := srv.DeviceAuthorization(context.Background(), &DeviceAuthorizationRequest{
		ClientID:     "web-only",
		ClientSecret: testutil.TestClientSecret,
	})
	wantCode(t, err, oauth.ErrorCodeUnauthorizedClient)
}

func TestDeviceAuthorization_UserCodeExhausted(t *testing.T) {
	_, store, clock := newTestServer(t, nil)
	savePublicClient(t, store, deviceClientID)

	cfg := DefaultConfig()
	cfg.Clock = clock.Now
	cfg.UserCodeMaxAttempts = 3
	repo := mock.New(store)
	repo.UserCodeExistsFunc = func(context.Context, string, time.Time) (bool, error) {
		return true, nil
	}

	srv, err := New(repo, cfg, discardLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, err = srv.DeviceAuthorization(context.Background(), &DeviceAuthorizationRequest{ClientID: deviceClientID})
	if !errors.Is(err, ErrUserCodeExhausted) {
		t.Fatalf("DeviceAuthorization() error = %v, want ErrUserCodeExhausted", err)
	}
	if resp := oauth.FormatError(err); resp.Status != 500 {
		t.Errorf("FormatError() status = %d, want 500", resp.Status)
	}
	if got := repo.Calls("UserCodeExists"); got != cfg.UserCodeMaxAttempts {
		t.Errorf("UserCodeExists calls = %d, want %d", got, cfg.UserCodeMaxAttempts)
	}
	if got := repo.Calls("CreateGrant"); got != 0 {
		t.Errorf("CreateGrant calls = %d, want 0", got)
	}
}
