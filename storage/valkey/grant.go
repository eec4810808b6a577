package valkey

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/giantswarm/oauth-engine/internal/util"
	"github.com/giantswarm/oauth-engine/storage"
)

// ============================================================
// GrantStore Implementation
// ============================================================

// CreateGrant stores a new grant and reserves its user code until the grant expires
func (s *Store) CreateGrant(ctx context.Context, grant *storage.Grant) (err error) {
	ctx, span := s.startStorageSpan(ctx, "create_grant")
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "create_grant", err, start) }(time.Now())

	if grant == nil || grant.Token == "" {
		return fmt.Errorf("grant token cannot be empty")
	}
	if err = validateStringLength(grant.Token, MaxTokenLength, "grant token"); err != nil {
		return err
	}

	key := s.grantKey(grant.Token)
	sealed, err := storage.SealRecord(s.encryptor, key, grant)
	if err != nil {
		return err
	}

	codeExpiry := "0"
	if grant.UserCode != "" {
		codeExpiry = strconv.FormatInt(grant.ExpiresAt.UnixMilli(), 10)
	}

	result, err := s.eval(ctx, luaCreateGrant,
		[]string{key, s.userCodeKey(grant.UserCode)},
		string(sealed), s.expiryMillis(grant.ExpiresAt), grant.Token, codeExpiry,
	).ToString()
	if err != nil {
		return fmt.Errorf("failed to create grant: %w", err)
	}

	switch result {
	case "EXISTS":
		return storage.ErrAlreadyExists
	case "CODE_TAKEN":
		return fmt.Errorf("user code: %w", storage.ErrAlreadyExists)
	}

	s.logger.Debug("Created grant",
		"kind", grant.Kind,
		"client_id", grant.ClientID,
		"token_prefix", util.TokenPrefix(grant.Token))
	return nil
}

// FindGrantByToken retrieves a grant, revoked or not
func (s *Store) FindGrantByToken(ctx context.Context, token string) (grant *storage.Grant, err error) {
	ctx, span := s.startStorageSpan(ctx, "find_grant")
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "find_grant", err, start) }(time.Now())

	return s.getGrant(ctx, token)
}

func (s *Store) getGrant(ctx context.Context, token string) (*storage.Grant, error) {
	var grant storage.Grant
	fields, err := s.loadHash(ctx, s.grantKey(token), &grant)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, storage.ErrGrantNotFound
		}
		return nil, err
	}

	if grant.RevokedAt, err = parseTime(fields, fieldRevokedAt); err != nil {
		return nil, err
	}
	if polled, err := parseTime(fields, fieldLastPolledAt); err != nil {
		return nil, err
	} else if polled != nil {
		grant.LastPolledAt = polled
	}
	if owner, ok := fields[fieldOwner]; ok {
		grant.ResourceOwnerID = owner
	}
	if fields[fieldDenied] == "1" {
		grant.Denied = true
	}
	return &grant, nil
}

// LockAndRevokeGrant marks the grant revoked with a Lua compare-and-set.
// SECURITY: only ONE concurrent caller gets true.
func (s *Store) LockAndRevokeGrant(ctx context.Context, token string) (won bool, err error) {
	ctx, span := s.startStorageSpan(ctx, "lock_and_revoke_grant")
	defer func(start time.Time) { s.recordStorageOperation(ctx, span, "lock_and_revoke_grant", err, start) }(time.Now())

	won, err = s.lockAndRevoke(ctx, s.grantKey(token), token)
	if errors.Is(err, storage.ErrNotFound) {
		return false, storage.ErrGrantNotFound
	}
	return won, err
}

func (s *Store) lockAndRevoke(ctx context.Context, key, token string) (bool, error) {
	n, err := s.eval(ctx, luaLockAndRevoke, []string{key},
		formatTime(s.now()), strconv.FormatInt(s.retention.Milliseconds(), 10),
	).AsInt64()
	if err != nil {
		return false, fmt.Errorf("failed to revoke: %w", err)
	}

	switch n {
	case -1:
		return false, storage.ErrNotFound
	case 0:
		s.logger.Debug("Record already revoked", "token_prefix", util.TokenPrefix(token))
		return false, nil
	default:
		return true, nil
	}
}

// UserCodeExists reports whether a grant still live at notExpiredSince uses code
func (s *Store) UserCodeExists(ctx context.Context, code string, notExpiredSince time.Time) (bool, error) {
	grant, err := s.FindGrantByUserCode(ctx, code)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return grant.ExpiresAt.After(notExpiredSince), nil
}

// FindGrantByUserCode retrieves the device grant bound to a user code
func (s *Store) FindGrantByUserCode(ctx context.Context, code string) (*storage.Grant, error) {
	token, err := s.client.Do(ctx, s.client.B().Get().Key(s.userCodeKey(code)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrGrantNotFound
		}
		return nil, fmt.Errorf("failed to get user code: %w", err)
	}
	return s.getGrant(ctx, token)
}

// TouchGrantPolled records the time of a device poll unless the previous
// one is within interval
func (s *Store) TouchGrantPolled(ctx context.Context, token string, at time.Time, interval time.Duration) (bool, error) {
	n, err := s.eval(ctx, luaTouchPolled, []string{s.grantKey(token)},
		formatTime(at), formatTime(at.Add(-interval))).AsInt64()
	if err != nil {
		return false, fmt.Errorf("failed to record device poll: %w", err)
	}
	if n < 0 {
		return false, storage.ErrGrantNotFound
	}
	return n == 1, nil
}

// AssignGrantOwner binds a device grant to the approving resource owner
func (s *Store) AssignGrantOwner(ctx context.Context, token, ownerID string) error {
	if err := validateStringLength(ownerID, MaxIDLength, "ownerID"); err != nil {
		return err
	}
	return s.updateGrant(ctx, token, fieldOwner, ownerID)
}

// DenyGrant flags a device grant as denied
func (s *Store) DenyGrant(ctx context.Context, token string) error {
	return s.updateGrant(ctx, token, fieldDenied, "1")
}

func (s *Store) updateGrant(ctx context.Context, token string, fieldValues ...string) error {
	n, err := s.eval(ctx, luaUpdateFields, []string{s.grantKey(token)}, fieldValues...).AsInt64()
	if err != nil {
		return fmt.Errorf("failed to update grant: %w", err)
	}
	if n == 0 {
		return storage.ErrGrantNotFound
	}
	return nil
}
