package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/giantswarm/oauth-engine/internal/testutil"
	"github.com/giantswarm/oauth-engine/scope"
	"github.com/giantswarm/oauth-engine/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newGrant(token string, expiresAt time.Time) *storage.Grant {
	return &storage.Grant{
		ID:          "id-" + token,
		Token:       token,
		Kind:        storage.GrantKindAuthorizationCode,
		ClientID:    "client-1",
		RedirectURI: "https://cb",
		Scopes:      scope.New("read"),
		CreatedAt:   expiresAt.Add(-10 * time.Minute),
		ExpiresAt:   expiresAt,
	}
}

// ============================================================
// ClientStore Tests
// ============================================================

func TestStore_FindClientByUIDSecret(t *testing.T) {
	ctx := context.Background()
	store := New()
	defer store.Stop()

	if err := store.SaveClient(ctx, testutil.NewTestClient("abc"), testutil.TestClientSecret); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	client, err := store.FindClientByUIDSecret(ctx, "abc", testutil.TestClientSecret)
	if err != nil {
		t.Fatalf("FindClientByUIDSecret() error = %v", err)
	}
	if client.SecretHash == testutil.TestClientSecret || client.SecretHash == "" {
		t.Error("secret must be stored as a hash")
	}

	tests := []struct {
		name   string
		uid    string
		secret string
	}{
		{"wrong secret", "abc", "wrong"},
		{"unknown client", "nope", testutil.TestClientSecret},
		{"empty secret", "abc", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.FindClientByUIDSecret(ctx, tt.uid, tt.secret)
			if !errors.Is(err, storage.ErrClientNotFound) {
				t.Errorf("FindClientByUIDSecret() error = %v, want ErrClientNotFound", err)
			}
		})
	}
}

func TestStore_PublicClientHasNoSecret(t *testing.T) {
	ctx := context.Background()
	store := New()
	defer store.Stop()

	client := testutil.NewTestClient("public-app")
	client.Confidential = false
	if err := store.SaveClient(ctx, client, ""); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	if _, err := store.FindClientByUID(ctx, "public-app"); err != nil {
		t.Fatalf("FindClientByUID() error = %v", err)
	}
	if _, err := store.FindClientByUIDSecret(ctx, "public-app", ""); !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("public client must not authenticate with a secret, error = %v", err)
	}
}

func TestStore_ClientAdmin(t *testing.T) {
	ctx := context.Background()
	store := New()
	defer store.Stop()

	for _, id := range []string{"b", "a", "c"} {
		if err := store.SaveClient(ctx, testutil.NewTestClient(id), ""); err != nil {
			t.Fatalf("SaveClient(%s) error = %v", id, err)
		}
	}

	clients, err := store.ListClients(ctx)
	if err != nil {
		t.Fatalf("ListClients() error = %v", err)
	}
	if len(clients) != 3 || clients[0].ID != "a" || clients[2].ID != "c" {
		t.Errorf("ListClients() returned %d clients in wrong order", len(clients))
	}

	if err := store.DeleteClient(ctx, "b"); err != nil {
		t.Fatalf("DeleteClient() error = %v", err)
	}
	if err := store.DeleteClient(ctx, "b"); !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("second DeleteClient() error = %v, want ErrClientNotFound", err)
	}
	if err := store.SaveClient(ctx, &storage.Client{}, ""); err == nil {
		t.Error("SaveClient() without ID should fail")
	}
}

func TestStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := New()
	defer store.Stop()

	_ = store.SaveClient(ctx, testutil.NewTestClient("abc"), "")
	client, _ := store.FindClientByUID(ctx, "abc")
	client.RedirectURIs[0] = "https://evil"

	again, _ := store.FindClientByUID(ctx, "abc")
	if again.RedirectURIs[0] == "https://evil" {
		t.Error("mutating a returned client changed the stored one")
	}
}

// ============================================================
// GrantStore Tests
// ============================================================

func TestStore_GrantLifecycle(t *testing.T) {
	ctx := context.Background()
	store := New()
	defer store.Stop()

	g := newGrant("code-1", time.Now().Add(10*time.Minute))
	if err := store.CreateGrant(ctx, g); err != nil {
		t.Fatalf("CreateGrant() error = %v", err)
	}
	if err := store.CreateGrant(ctx, g); !errors.Is(err, storage.ErrAlreadyExists) {
		t.Errorf("duplicate CreateGrant() error = %v, want ErrAlreadyExists", err)
	}

	got, err := store.FindGrantByToken(ctx, "code-1")
	if err != nil {
		t.Fatalf("FindGrantByToken() error = %v", err)
	}
	if got.Revoked() {
		t.Error("new grant should not be revoked")
	}

	ok, err := store.LockAndRevokeGrant(ctx, "code-1")
	if err != nil || !ok {
		t.Fatalf("LockAndRevokeGrant() = %v, %v; want true, nil", ok, err)
	}
	ok, err = store.LockAndRevokeGrant(ctx, "code-1")
	if err != nil || ok {
		t.Errorf("second LockAndRevokeGrant() = %v, %v; want false, nil", ok, err)
	}

	got, _ = store.FindGrantByToken(ctx, "code-1")
	if !got.Revoked() {
		t.Error("grant should be revoked")
	}

	if _, err := store.FindGrantByToken(ctx, "missing"); !errors.Is(err, storage.ErrGrantNotFound) {
		t.Errorf("FindGrantByToken(missing) error = %v", err)
	}
	if _, err := store.LockAndRevokeGrant(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("LockAndRevokeGrant(missing) error = %v", err)
	}
}

func TestStore_LockAndRevokeGrant_SingleWinner(t *testing.T) {
	ctx := context.Background()
	store := New()
	defer store.Stop()

	if err := store.CreateGrant(ctx, newGrant("race", time.Now().Add(time.Minute))); err != nil {
		t.Fatalf("CreateGrant() error = %v", err)
	}

	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, err := store.LockAndRevokeGrant(ctx, "race")
			if err != nil {
				t.Errorf("LockAndRevokeGrant() error = %v", err)
			}
			if ok {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("winners = %d, want exactly 1", wins.Load())
	}
}

func TestStore_TouchGrantPolled_SingleWinner(t *testing.T) {
	ctx := context.Background()
	store := New()
	defer store.Stop()

	now := time.Now()
	g := newGrant("device-race", now.Add(time.Minute))
	g.Kind = storage.GrantKindDeviceCode
	if err := store.CreateGrant(ctx, g); err != nil {
		t.Fatalf("CreateGrant() error = %v", err)
	}

	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, err := store.TouchGrantPolled(ctx, "device-race", now, 5*time.Second)
			if err != nil {
				t.Errorf("TouchGrantPolled() error = %v", err)
			}
			if ok {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("winners = %d, want exactly 1", wins.Load())
	}
}

func TestStore_DeviceGrantHelpers(t *testing.T) {
	ctx := context.Background()
	store := New()
	defer store.Stop()

	now := time.Now()
	g := newGrant("device-1", now.Add(5*time.Minute))
	g.Kind = storage.GrantKindDeviceCode
	g.CreatedAt = now
	g.UserCode = "BCDF-GHJK"
	if err := store.CreateGrant(ctx, g); err != nil {
		t.Fatalf("CreateGrant() error = %v", err)
	}

	exists, err := store.UserCodeExists(ctx, "BCDF-GHJK", now)
	if err != nil || !exists {
		t.Errorf("UserCodeExists(live) = %v, %v", exists, err)
	}
	exists, _ = store.UserCodeExists(ctx, "BCDF-GHJK", now.Add(6*time.Minute))
	if exists {
		t.Error("UserCodeExists() must ignore expired grants")
	}

	dup := newGrant("device-2", now.Add(5*time.Minute))
	dup.CreatedAt = now
	dup.UserCode = "BCDF-GHJK"
	if err := store.CreateGrant(ctx, dup); !errors.Is(err, storage.ErrAlreadyExists) {
		t.Errorf("CreateGrant() with a live user code error = %v", err)
	}

	byCode, err := store.FindGrantByUserCode(ctx, "BCDF-GHJK")
	if err != nil || byCode.Token != "device-1" {
		t.Fatalf("FindGrantByUserCode() = %v, %v", byCode, err)
	}

	polled := now.Add(time.Second)
	if ok, err := store.TouchGrantPolled(ctx, "device-1", polled, 5*time.Second); err != nil || !ok {
		t.Fatalf("TouchGrantPolled() = %v, %v, want true", ok, err)
	}
	if ok, err := store.TouchGrantPolled(ctx, "device-1", polled.Add(time.Second), 5*time.Second); err != nil || ok {
		t.Errorf("TouchGrantPolled() within interval = %v, %v, want false", ok, err)
	}
	if err := store.AssignGrantOwner(ctx, "device-1", "user-1"); err != nil {
		t.Fatalf("AssignGrantOwner() error = %v", err)
	}
	if err := store.DenyGrant(ctx, "device-1"); err != nil {
		t.Fatalf("DenyGrant() error = %v", err)
	}

	got, _ := store.FindGrantByToken(ctx, "device-1")
	if got.LastPolledAt == nil || !got.LastPolledAt.Equal(polled) {
		t.Errorf("LastPolledAt = %v, want %v", got.LastPolledAt, polled)
	}
	if got.ResourceOwnerID != "user-1" || !got.Denied {
		t.Errorf("grant = %+v", got)
	}

	if _, err := store.TouchGrantPolled(ctx, "missing", now, time.Second); !errors.Is(err, storage.ErrGrantNotFound) {
		t.Errorf("TouchGrantPolled(missing) error = %v", err)
	}
}

// ============================================================
// TokenStore Tests
// ============================================================

func TestStore_TokenLookups(t *testing.T) {
	ctx := context.Background()
	store := New()
	defer store.Stop()

	now := time.Now()
	older := &storage.Token{
		Token: "at-old", RefreshToken: "rt-old", ClientID: "c", ResourceOwnerID: "u",
		Scopes: scope.New("read", "write"), CreatedAt: now.Add(-time.Hour), ExpiresAt: now.Add(time.Hour),
	}
	newer := &storage.Token{
		Token: "at-new", RefreshToken: "rt-new", ClientID: "c", ResourceOwnerID: "u",
		Scopes: scope.New("write", "read"), CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}
	other := &storage.Token{
		Token: "at-other", ClientID: "c", ResourceOwnerID: "u",
		Scopes: scope.New("read"), CreatedAt: now.Add(time.Minute), ExpiresAt: now.Add(time.Hour),
	}
	for _, tok := range []*storage.Token{older, newer, other} {
		if err := store.CreateToken(ctx, tok); err != nil {
			t.Fatalf("CreateToken(%s) error = %v", tok.Token, err)
		}
	}

	got, err := store.FindAccessibleTokenFor(ctx, "c", "u", scope.New("read", "write"))
	if err != nil {
		t.Fatalf("FindAccessibleTokenFor() error = %v", err)
	}
	if got.Token != "at-new" {
		t.Errorf("FindAccessibleTokenFor() = %s, want at-new", got.Token)
	}

	if err := store.RevokeToken(ctx, "at-new"); err != nil {
		t.Fatalf("RevokeToken() error = %v", err)
	}
	got, _ = store.FindAccessibleTokenFor(ctx, "c", "u", scope.New("read", "write"))
	if got == nil || got.Token != "at-old" {
		t.Errorf("revoked tokens must be skipped, got %v", got)
	}

	byRefresh, err := store.FindTokenByRefreshToken(ctx, "rt-old")
	if err != nil || byRefresh.Token != "at-old" {
		t.Errorf("FindTokenByRefreshToken() = %v, %v", byRefresh, err)
	}
	if _, err := store.FindTokenByRefreshToken(ctx, ""); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("FindTokenByRefreshToken(\"\") error = %v", err)
	}
	if _, err := store.FindTokenByToken(ctx, "at-other"); err != nil {
		t.Errorf("FindTokenByToken() error = %v", err)
	}
	if _, err := store.FindAccessibleTokenFor(ctx, "c", "someone-else", scope.New("read")); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("FindAccessibleTokenFor(other owner) error = %v", err)
	}

	dup := &storage.Token{Token: "at-dup", RefreshToken: "rt-old"}
	if err := store.CreateToken(ctx, dup); !errors.Is(err, storage.ErrAlreadyExists) {
		t.Errorf("CreateToken() with reused refresh token error = %v", err)
	}
}

func TestStore_LockAndRevokeToken_SingleWinner(t *testing.T) {
	ctx := context.Background()
	store := New()
	defer store.Stop()

	_ = store.CreateToken(ctx, &storage.Token{Token: "at", RefreshToken: "rt", CreatedAt: time.Now()})

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := store.LockAndRevokeToken(ctx, "at"); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("winners = %d, want exactly 1", wins.Load())
	}
}

// ============================================================
// Cleanup Tests
// ============================================================

func TestStore_Cleanup(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewMockClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	store := New()
	defer store.Stop()
	store.SetClock(clock.Now)
	store.SetRetention(time.Hour)

	now := clock.Now()
	_ = store.CreateGrant(ctx, newGrant("old", now.Add(-2*time.Hour)))
	_ = store.CreateGrant(ctx, newGrant("recent", now.Add(-30*time.Minute)))
	_ = store.CreateToken(ctx, &storage.Token{Token: "expired", CreatedAt: now.Add(-3 * time.Hour), ExpiresAt: now.Add(-2 * time.Hour)})
	_ = store.CreateToken(ctx, &storage.Token{Token: "refreshable", RefreshToken: "rt", CreatedAt: now.Add(-3 * time.Hour), ExpiresAt: now.Add(-2 * time.Hour)})

	if removed := store.cleanup(); removed != 2 {
		t.Errorf("cleanup() removed %d, want 2", removed)
	}
	if _, err := store.FindGrantByToken(ctx, "recent"); err != nil {
		t.Error("grant within retention was removed")
	}
	if _, err := store.FindTokenByRefreshToken(ctx, "rt"); err != nil {
		t.Error("refreshable token was removed")
	}

	_ = store.RevokeToken(ctx, "refreshable")
	clock.Advance(2 * time.Hour)
	if removed := store.cleanup(); removed != 2 {
		t.Errorf("second cleanup() removed %d, want 2", removed)
	}
}
