package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-engine/internal/util"
)

// DefaultUpstreamTimeout bounds each request to the upstream provider.
const DefaultUpstreamTimeout = 10 * time.Second

// UpstreamConfig configures an Upstream authenticator. Either Issuer or both
// TokenURL and UserInfoURL must be set.
type UpstreamConfig struct {
	// Issuer enables OIDC discovery of the token and userinfo endpoints.
	Issuer string

	TokenURL    string
	UserInfoURL string

	ClientID     string
	ClientSecret string

	// Scopes requested from the upstream provider.
	// Default: openid
	Scopes []string

	// HTTPClient is used for discovery, token and userinfo requests.
	// Default: client with DefaultUpstreamTimeout
	HTTPClient *http.Client

	Logger *slog.Logger
}

// Upstream authenticates resource owners with the password grant of an
// upstream identity provider and resolves the owner ID from its userinfo
// endpoint.
type Upstream struct {
	config      *oauth2.Config
	userInfoURL string
	httpClient  *http.Client
	logger      *slog.Logger
}

// NewUpstream builds an Upstream authenticator, running discovery when
// cfg.Issuer is set.
func NewUpstream(ctx context.Context, cfg UpstreamConfig) (*Upstream, error) {
	return newUpstream(ctx, cfg, false)
}

// newUpstream skips issuer validation when asked so tests can use loopback
// servers.
func newUpstream(ctx context.Context, cfg UpstreamConfig, skipIssuerValidation bool) (*Upstream, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultUpstreamTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"openid"}
	}

	tokenURL, userInfoURL := cfg.TokenURL, cfg.UserInfoURL
	if cfg.Issuer != "" {
		if !skipIssuerValidation {
			if err := ValidateIssuerURL(cfg.Issuer); err != nil {
				return nil, err
			}
		}
		doc, err := discover(ctx, httpClient, cfg.Issuer)
		if err != nil {
			return nil, err
		}
		tokenURL, userInfoURL = doc.TokenEndpoint, doc.UserInfoEndpoint
		logger.Info("Upstream discovery successful",
			"issuer", cfg.Issuer,
			"token_endpoint", tokenURL)
	}
	if tokenURL == "" || userInfoURL == "" {
		return nil, fmt.Errorf("issuer or token and userinfo URLs are required")
	}

	return &Upstream{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Scopes:       scopes,
			Endpoint: oauth2.Endpoint{
				TokenURL: tokenURL,
			},
		},
		userInfoURL: userInfoURL,
		httpClient:  httpClient,
		logger:      logger,
	}, nil
}

// Authenticate exchanges the credentials for an upstream token and returns
// the upstream subject as owner ID. Credentials the upstream rejects with
// invalid_grant yield "" and no error.
func (u *Upstream) Authenticate(ctx context.Context, username, password string) (string, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, u.httpClient)

	token, err := u.config.PasswordCredentialsToken(ctx, username, password)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.ErrorCode == "invalid_grant" {
			u.logger.Debug("Upstream rejected credentials", "username", util.SafeTruncate(username, 8))
			return "", nil
		}
		return "", fmt.Errorf("failed to obtain upstream token: %w", err)
	}

	info, err := u.userInfo(ctx, token)
	if err != nil {
		return "", err
	}
	if info.ID == "" {
		return "", fmt.Errorf("upstream userinfo has no subject")
	}
	return info.ID, nil
}

// userInfo calls the userinfo endpoint with token.
func (u *Upstream) userInfo(ctx context.Context, token *oauth2.Token) (*UserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.userInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create userinfo request: %w", err)
	}

	resp, err := u.config.Client(ctx, token).Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get user info: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("userinfo request failed with status %d", resp.StatusCode)
	}

	var claims struct {
		Sub   string `json:"sub"`
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&claims); err != nil {
		return nil, fmt.Errorf("failed to decode user info: %w", err)
	}

	return &UserInfo{ID: claims.Sub, Email: claims.Email, Name: claims.Name}, nil
}
