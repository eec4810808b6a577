package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// DiscoveryDocument holds the upstream provider metadata the engine needs
// (OpenID Connect Discovery 1.0, RFC 8414).
type DiscoveryDocument struct {
	Issuer              string   `json:"issuer"`
	TokenEndpoint       string   `json:"token_endpoint"`
	UserInfoEndpoint    string   `json:"userinfo_endpoint"`
	GrantTypesSupported []string `json:"grant_types_supported,omitempty"`
}

// ValidateIssuerURL rejects issuer URLs that are not HTTPS or that point at
// loopback, private or link-local addresses.
func ValidateIssuerURL(issuerURL string) error {
	u, err := url.Parse(issuerURL)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}

	if u.Scheme != "https" {
		return fmt.Errorf("issuer URL must use HTTPS, got %s", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("issuer URL must have a hostname")
	}

	// SECURITY: block SSRF against internal services
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() {
			return fmt.Errorf("issuer URL must not point to loopback addresses")
		}
		if ip.IsPrivate() {
			return fmt.Errorf("issuer URL must not point to private IP ranges")
		}
		if ip.IsLinkLocalUnicast() {
			return fmt.Errorf("issuer URL must not point to link-local addresses")
		}
	}

	return nil
}

// discover fetches the discovery document of issuerURL.
func discover(ctx context.Context, client *http.Client, issuerURL string) (*DiscoveryDocument, error) {
	discoveryURL := strings.TrimSuffix(issuerURL, "/") + "/.well-known/openid-configuration"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoveryURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create discovery request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch discovery document: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discovery failed with status %d", resp.StatusCode)
	}

	var doc DiscoveryDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode discovery document: %w", err)
	}
	if err := validateDocument(&doc, issuerURL); err != nil {
		return nil, fmt.Errorf("invalid discovery document: %w", err)
	}
	return &doc, nil
}

// validateDocument checks that the endpoints the password grant needs are
// present and served over HTTPS.
func validateDocument(doc *DiscoveryDocument, issuerURL string) error {
	if strings.TrimSuffix(doc.Issuer, "/") != strings.TrimSuffix(issuerURL, "/") {
		return fmt.Errorf("issuer mismatch: got %s", doc.Issuer)
	}

	endpoints := []struct {
		name string
		url  string
	}{
		{"token_endpoint", doc.TokenEndpoint},
		{"userinfo_endpoint", doc.UserInfoEndpoint},
	}
	for _, endpoint := range endpoints {
		if endpoint.url == "" {
			return fmt.Errorf("%s is required but missing", endpoint.name)
		}
		if !strings.HasPrefix(endpoint.url, "https://") {
			return fmt.Errorf("%s must use HTTPS: %s", endpoint.name, endpoint.url)
		}
	}

	if len(doc.GrantTypesSupported) > 0 {
		for _, gt := range doc.GrantTypesSupported {
			if gt == "password" {
				return nil
			}
		}
		return fmt.Errorf("provider does not support the password grant")
	}
	return nil
}
