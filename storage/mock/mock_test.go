package mock

import (
	"context"
	"errors"
	"testing"

	"github.com/giantswarm/oauth-engine/internal/testutil"
	"github.com/giantswarm/oauth-engine/storage"
	"github.com/giantswarm/oauth-engine/storage/memory"
)

func TestRepository_Fallback(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	defer store.Stop()

	if err := store.SaveClient(ctx, testutil.NewTestClient("abc"), ""); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	repo := New(store)
	client, err := repo.FindClientByUID(ctx, "abc")
	if err != nil {
		t.Fatalf("FindClientByUID() error = %v", err)
	}
	if client.ID != "abc" {
		t.Errorf("FindClientByUID() = %q, want abc", client.ID)
	}

	boom := errors.New("boom")
	repo.FindClientByUIDFunc = func(context.Context, string) (*storage.Client, error) { return nil, boom }
	if _, err := repo.FindClientByUID(ctx, "abc"); !errors.Is(err, boom) {
		t.Errorf("FindClientByUID() error = %v, want override error", err)
	}

	if got := repo.Calls("FindClientByUID"); got != 2 {
		t.Errorf("Calls() = %d, want 2", got)
	}
	repo.ResetCallCounts()
	if got := repo.Calls("FindClientByUID"); got != 0 {
		t.Errorf("Calls() after reset = %d, want 0", got)
	}
}

func TestRepository_Unconfigured(t *testing.T) {
	repo := New(nil)

	if _, err := repo.FindTokenByToken(context.Background(), "x"); err == nil {
		t.Error("FindTokenByToken() without override or fallback should fail")
	}

	repo.LockAndRevokeTokenFunc = func(context.Context, string) (bool, error) { return true, nil }
	won, err := repo.LockAndRevokeToken(context.Background(), "x")
	if err != nil || !won {
		t.Errorf("LockAndRevokeToken() = %v, %v, want override result", won, err)
	}
}
