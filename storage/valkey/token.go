package valkey

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/giantswarm/oauth-engine/internal/util"
	"github.com/giantswarm/oauth-engine/scope"
	"github.com/giantswarm/oauth-engine/storage"
)

// ============================================================
// TokenStore Implementation
// ============================================================

// CreateToken stores a new token with its refresh and owner indexes.
// Refreshable tokens never expire from Valkey on their own; they are kept
// until revoked, since the refresh token outlives the access token.
func (s *Store) CreateToken(ctx context.Context, token *storage.Token) (err error) {
	ctx, span := s.startStorageSpan(ctx, "create_token")
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "create_token", err, start) }(time.Now())

	if token == nil || token.Token == "" {
		return fmt.Errorf("token cannot be empty")
	}
	if err = validateStringLength(token.Token, MaxTokenLength, "token"); err != nil {
		return err
	}
	if err = validateStringLength(token.RefreshToken, MaxTokenLength, "refreshToken"); err != nil {
		return err
	}

	key := s.tokenKey(token.Token)
	sealed, err := storage.SealRecord(s.encryptor, key, token)
	if err != nil {
		return err
	}

	expiry := "0"
	refreshable := "0"
	if token.RefreshToken != "" {
		refreshable = "1"
	} else {
		expiry = s.expiryMillis(token.ExpiresAt)
	}

	result, err := s.eval(ctx, luaCreateToken,
		[]string{key, s.refreshKey(token.RefreshToken), s.ownerKey(token.ClientID, token.ResourceOwnerID)},
		string(sealed), expiry, token.Token, refreshable,
		strconv.FormatInt(token.CreatedAt.UnixMicro(), 10),
	).ToString()
	if err != nil {
		return fmt.Errorf("failed to create token: %w", err)
	}

	switch result {
	case "EXISTS":
		return storage.ErrAlreadyExists
	case "REFRESH_EXISTS":
		return fmt.Errorf("refresh token: %w", storage.ErrAlreadyExists)
	}

	s.logger.Debug("Created token",
		"client_id", token.ClientID,
		"refreshable", token.RefreshToken != "",
		"token_prefix", util.TokenPrefix(token.Token))
	return nil
}

// FindTokenByToken retrieves a token by its access token value
func (s *Store) FindTokenByToken(ctx context.Context, token string) (*storage.Token, error) {
	var t storage.Token
	fields, err := s.loadHash(ctx, s.tokenKey(token), &t)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, err
	}
	if t.RevokedAt, err = parseTime(fields, fieldRevokedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

// FindTokenByRefreshToken retrieves the token carrying a refresh token
func (s *Store) FindTokenByRefreshToken(ctx context.Context, rt string) (t *storage.Token, err error) {
	ctx, span := s.startStorageSpan(ctx, "find_token_by_refresh_token")
	defer func(start time.Time) {
		s.recordStorageOperation(ctx, span, "find_token_by_refresh_token", err, start)
	}(time.Now())

	if rt == "" {
		return nil, storage.ErrTokenNotFound
	}

	access, err := s.client.Do(ctx, s.client.B().Get().Key(s.refreshKey(rt)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}
	return s.FindTokenByToken(ctx, access)
}

// FindAccessibleTokenFor walks the owner sorted set newest first and returns
// the first non-revoked token carrying exactly scopes. Members whose record
// has expired are removed from the set on the way.
func (s *Store) FindAccessibleTokenFor(ctx context.Context, clientID, ownerID string, scopes scope.Set) (found *storage.Token, err error) {
	ctx, span := s.startStorageSpan(ctx, "find_accessible_token")
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "find_accessible_token", err, start) }(time.Now())

	ownerKey := s.ownerKey(clientID, ownerID)
	members, err := s.client.Do(ctx,
		s.client.B().Zrevrange().Key(ownerKey).Start(0).Stop(-1).Build(),
	).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to list owner tokens: %w", err)
	}

	var stale []string
	defer func() {
		if len(stale) == 0 {
			return
		}
		if e := s.client.Do(ctx, s.client.B().Zrem().Key(ownerKey).Member(stale...).Build()).Error(); e != nil {
			s.logger.Warn("Failed to prune owner index", "error", e)
		}
	}()

	for _, access := range members {
		t, e := s.FindTokenByToken(ctx, access)
		if errors.Is(e, storage.ErrNotFound) {
			stale = append(stale, access)
			continue
		}
		if e != nil {
			return nil, e
		}
		if !t.Revoked() && t.MatchesOwner(clientID, ownerID, scopes) {
			return t, nil
		}
	}
	return nil, storage.ErrTokenNotFound
}

// RevokeToken marks a token revoked. Revoking twice is a no-op.
func (s *Store) RevokeToken(ctx context.Context, token string) error {
	_, err := s.LockAndRevokeToken(ctx, token)
	return err
}

// LockAndRevokeToken marks a token revoked with a Lua compare-and-set and
// reports whether this call did it.
// SECURITY: refresh token rotation depends on exactly one winner.
func (s *Store) LockAndRevokeToken(ctx context.Context, token string) (won bool, err error) {
	ctx, span := s.startStorageSpan(ctx, "lock_and_revoke_token")
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "lock_and_revoke_token", err, start) }(time.Now())

	won, err = s.lockAndRevoke(ctx, s.tokenKey(token), token)
	if errors.Is(err, storage.ErrNotFound) {
		return false, storage.ErrTokenNotFound
	}
	return won, err
}
