package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-engine/instrumentation"
	"github.com/giantswarm/oauth-engine/security"
	"github.com/giantswarm/oauth-engine/storage"
)

const (
	storeType = "valkey"

	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "oauth:"

	// DefaultRetention is how long revoked or expired records are kept, so
	// replays of consumed codes and rotated refresh tokens can be detected.
	DefaultRetention = time.Hour

	// scanBatchSize is the number of keys to fetch per SCAN iteration
	scanBatchSize = 100

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// MaxTokenLength is the maximum allowed length for token strings
	MaxTokenLength = 512

	// MaxIDLength is the maximum allowed length for client and owner IDs
	MaxIDLength = 256
)

// hash fields
const (
	fieldData         = "data"
	fieldRevokedAt    = "revoked_at"
	fieldOwner        = "owner"
	fieldDenied       = "denied"
	fieldLastPolledAt = "last_polled_at"
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "oauth:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Encryptor seals record payloads at rest when enabled.
	Encryptor *security.Encryptor

	// Retention is how long records outlive revocation or expiry (default: 1h)
	Retention time.Duration

	// Clock stamps revocations and client creation (default: time.Now)
	Clock func() time.Time

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Valkey-backed storage.Repository and storage.ClientAdmin.
// Grants and tokens are hashes whose mutable fields sit next to the sealed
// payload, so revocation and device updates never rewrite the payload.
type Store struct {
	client          valkeygo.Client
	prefix          string
	encryptor       *security.Encryptor
	retention       time.Duration
	now             func() time.Time
	logger          *slog.Logger
	instrumentation *instrumentation.Instrumentation
}

var (
	_ storage.Repository  = (*Store)(nil)
	_ storage.ClientAdmin = (*Store)(nil)
)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	retention := cfg.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}

	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
		Password:    cfg.Password,
		TLSConfig:   cfg.TLS,
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix,
		"encrypted", cfg.Encryptor.IsEnabled())

	return &Store{
		client:    client,
		prefix:    prefix,
		encryptor: cfg.Encryptor,
		retention: retention,
		now:       now,
		logger:    logger,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetInstrumentation enables storage spans and operation metrics.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
}

// validateStringLength checks if a string exceeds the maximum allowed length
func validateStringLength(value string, maxLen int, fieldName string) error {
	if len(value) > maxLen {
		return fmt.Errorf("%s exceeds maximum length of %d bytes", fieldName, maxLen)
	}
	return nil
}

// ============================================================
// Key Helpers
// ============================================================

// clientKey returns the key for a client: {prefix}client:{clientID}
func (s *Store) clientKey(clientID string) string {
	return fmt.Sprintf("%sclient:%s", s.prefix, clientID)
}

// grantKey returns the hash key for a grant: {prefix}grant:{token}
func (s *Store) grantKey(token string) string {
	return fmt.Sprintf("%sgrant:%s", s.prefix, token)
}

// userCodeKey returns the key reserving a user code: {prefix}usercode:{code}
func (s *Store) userCodeKey(code string) string {
	return fmt.Sprintf("%susercode:%s", s.prefix, code)
}

// tokenKey returns the hash key for a token: {prefix}token:{accessToken}
func (s *Store) tokenKey(token string) string {
	return fmt.Sprintf("%stoken:%s", s.prefix, token)
}

// refreshKey returns the refresh token index key: {prefix}refresh:{refreshToken}
func (s *Store) refreshKey(rt string) string {
	return fmt.Sprintf("%srefresh:%s", s.prefix, rt)
}

// ownerKey returns the sorted set of a client's tokens for one owner:
// {prefix}owner:{clientID}:{ownerID}
func (s *Store) ownerKey(clientID, ownerID string) string {
	return fmt.Sprintf("%sowner:%s:%s", s.prefix, clientID, ownerID)
}

// ============================================================
// Lua Scripts for Atomic Operations
// ============================================================

// luaCreateGrant stores a grant hash unless the token is taken and reserves
// its user code with SET NX.
//
// KEYS[1] = grant key, KEYS[2] = user code key
// ARGV[1] = sealed payload, ARGV[2] = record expiry (unix ms, 0 for none),
// ARGV[3] = grant token, ARGV[4] = user code expiry (unix ms, 0 for no user code)
const luaCreateGrant = `
if redis.call('EXISTS', KEYS[1]) == 1 then
    return 'EXISTS'
end
if ARGV[4] ~= '0' then
    if not redis.call('SET', KEYS[2], ARGV[3], 'NX', 'PXAT', ARGV[4]) then
        return 'CODE_TAKEN'
    end
end
redis.call('HSET', KEYS[1], 'data', ARGV[1])
if ARGV[2] ~= '0' then
    redis.call('PEXPIREAT', KEYS[1], ARGV[2])
end
return 'OK'
`

// luaCreateToken stores a token hash unless its access or refresh token is
// taken, then indexes it by owner.
//
// KEYS[1] = token key, KEYS[2] = refresh key, KEYS[3] = owner sorted set
// ARGV[1] = sealed payload, ARGV[2] = record expiry (unix ms, 0 for none),
// ARGV[3] = access token, ARGV[4] = '1' when refreshable, ARGV[5] = owner score
const luaCreateToken = `
if redis.call('EXISTS', KEYS[1]) == 1 then
    return 'EXISTS'
end
if ARGV[4] == '1' then
    if not redis.call('SET', KEYS[2], ARGV[3], 'NX') then
        return 'REFRESH_EXISTS'
    end
end
redis.call('HSET', KEYS[1], 'data', ARGV[1])
if ARGV[2] ~= '0' then
    redis.call('PEXPIREAT', KEYS[1], ARGV[2])
end
redis.call('ZADD', KEYS[3], ARGV[5], ARGV[3])
return 'OK'
`

// luaLockAndRevoke is a compare-and-set on the revoked_at field. Exactly one
// caller gets 1; later callers get 0 and unknown keys -1. The winner also
// caps the record TTL at the retention period.
//
// KEYS[1] = grant or token key
// ARGV[1] = revocation time (unix ns), ARGV[2] = retention (ms)
const luaLockAndRevoke = `
if redis.call('EXISTS', KEYS[1]) == 0 then
    return -1
end
if redis.call('HSETNX', KEYS[1], 'revoked_at', ARGV[1]) == 0 then
    return 0
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 or ttl > tonumber(ARGV[2]) then
    redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 1
`

// luaTouchPolled is a compare-and-set on last_polled_at. It returns 1 when the
// poll was recorded, 0 when the previous poll is after the threshold and -1
// for unknown keys.
//
// KEYS[1] = grant key
// ARGV[1] = poll time (unix ns), ARGV[2] = threshold, poll time minus interval (unix ns)
const luaTouchPolled = `
if redis.call('EXISTS', KEYS[1]) == 0 then
    return -1
end
local last = redis.call('HGET', KEYS[1], 'last_polled_at')
if last and last ~= '' and tonumber(last) > tonumber(ARGV[2]) then
    return 0
end
redis.call('HSET', KEYS[1], 'last_polled_at', ARGV[1])
return 1
`

// luaUpdateFields sets hash fields only on an existing record.
//
// KEYS[1] = record key, ARGV = field/value pairs
const luaUpdateFields = `
if redis.call('EXISTS', KEYS[1]) == 0 then
    return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV))
return 1
`

// eval runs a Lua script against keys with args.
func (s *Store) eval(ctx context.Context, script string, keys []string, args ...string) valkeygo.ValkeyResult {
	return s.client.Do(ctx,
		s.client.B().Eval().Script(script).
			Numkeys(int64(len(keys))).
			Key(keys...).
			Arg(args...).
			Build(),
	)
}

// ============================================================
// Record Helpers
// ============================================================

// loadHash returns the fields of a record hash, or storage.ErrNotFound when
// the key is missing or has expired.
func (s *Store) loadHash(ctx context.Context, key string, v any) (map[string]string, error) {
	fields, err := s.client.Do(ctx, s.client.B().Hgetall().Key(key).Build()).AsStrMap()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	data, ok := fields[fieldData]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if err := storage.OpenRecord(s.encryptor, key, []byte(data), v); err != nil {
		return nil, err
	}
	return fields, nil
}

func formatTime(t time.Time) string {
	return strconv.FormatInt(t.UnixNano(), 10)
}

// parseTime reads a formatTime field; absent fields yield nil.
func parseTime(fields map[string]string, name string) (*time.Time, error) {
	raw, ok := fields[name]
	if !ok || raw == "" {
		return nil, nil
	}
	ns, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s field: %w", name, err)
	}
	t := time.Unix(0, ns)
	return &t, nil
}

// expiryMillis is the PEXPIREAT argument for a record expiring at expiresAt,
// or "0" when the record should not expire.
func (s *Store) expiryMillis(expiresAt time.Time) string {
	if expiresAt.IsZero() {
		return "0"
	}
	return strconv.FormatInt(expiresAt.Add(s.retention).UnixMilli(), 10)
}

// isNilError checks if the error indicates a nil/not-found result from Valkey.
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}

// ============================================================
// Instrumentation Helpers
// ============================================================

func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	return s.instrumentation.StartStorageSpan(ctx, storeType, operation)
}

func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	s.instrumentation.EndStorageOperation(ctx, span, operation, err, startTime)
	span.End()
}
