package server

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// EnvPrefix prefixes every environment override read by LoadConfig.
const EnvPrefix = "OAUTH_ENGINE_"

// LoadConfig loads configuration from TOML files with environment overrides.
// Files are applied in order over DefaultConfig, later files override
// earlier ones and missing files are skipped. The result is validated.
func LoadConfig(paths ...string) (*Config, error) {
	config := DefaultConfig()

	for _, path := range paths {
		if path == "" {
			continue
		}

		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(&config); err != nil {
		return nil, err
	}

	applyTimeDefaults(&config)
	applyFlowDefaults(&config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// applyEnvOverrides applies OAUTH_ENGINE_* environment variables to config
func applyEnvOverrides(config *Config) error {
	ints := map[string]*int64{
		"AUTHORIZATION_CODE_TTL":  &config.AuthorizationCodeTTL,
		"ACCESS_TOKEN_TTL":        &config.AccessTokenTTL,
		"DEVICE_CODE_TTL":         &config.DeviceCodeTTL,
		"DEVICE_POLLING_INTERVAL": &config.DevicePollingInterval,
		"CLOCK_SKEW_GRACE_PERIOD": &config.ClockSkewGracePeriod,
	}
	for name, field := range ints {
		v, ok := lookupEnv(name)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: %s%s: %w", ErrInvalidConfig, EnvPrefix, name, err)
		}
		*field = n
	}

	bools := map[string]*bool{
		"ISSUE_REFRESH_TOKENS":            &config.IssueRefreshTokens,
		"REUSE_ACCESS_TOKEN":              &config.ReuseAccessToken,
		"ALLOW_PUBLIC_CLIENTS":            &config.AllowPublicClients,
		"REQUIRE_PKCE":                    &config.RequirePKCE,
		"REQUIRE_PKCE_FOR_PUBLIC_CLIENTS": &config.RequirePKCEForPublicClients,
		"AUDIT_ENABLED":                   &config.AuditEnabled,
	}
	for name, field := range bools {
		v, ok := lookupEnv(name)
		if !ok {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: %s%s: %w", ErrInvalidConfig, EnvPrefix, name, err)
		}
		*field = b
	}

	if v, ok := lookupEnv("DEFAULT_SCOPES"); ok {
		config.DefaultScopes = strings.Fields(v)
	}
	if v, ok := lookupEnv("OPTIONAL_SCOPES"); ok {
		config.OptionalScopes = strings.Fields(v)
	}
	if v, ok := lookupEnv("VERIFICATION_URI"); ok {
		config.VerificationURI = v
	}
	if v, ok := lookupEnv("ACCESS_TOKEN_FORMAT"); ok {
		config.AccessTokenFormat = v
	}
	if v, ok := lookupEnv("JWT_SIGNING_KEY"); ok {
		config.JWTSigningKey = v
	}
	if v, ok := lookupEnv("JWT_ISSUER"); ok {
		config.JWTIssuer = v
	}
	return nil
}

func lookupEnv(name string) (string, bool) {
	v := os.Getenv(EnvPrefix + name)
	return v, v != ""
}
