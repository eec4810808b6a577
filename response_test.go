package oauth

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"
)

func TestFormatSuccess(t *testing.T) {
	resp := FormatSuccess(&SuccessPayload{
		AccessToken: "at",
		TokenType:   TokenTypeBearer,
		ExpiresIn:   3600,
		Scope:       "read",
		CreatedAt:   1700000000,
	})

	if resp.Status != http.StatusOK {
		t.Errorf("Status = %d, want 200", resp.Status)
	}
	if got := resp.Header.Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", got)
	}
	if got := resp.Header.Get("Pragma"); got != "no-cache" {
		t.Errorf("Pragma = %q, want no-cache", got)
	}
	if got := resp.Header.Get("Content-Type"); !strings.HasPrefix(got, "application/json") {
		t.Errorf("Content-Type = %q", got)
	}

	var body map[string]any
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body["token_type"] != "Bearer" {
		t.Errorf("token_type = %v", body["token_type"])
	}
	if _, ok := body["refresh_token"]; ok {
		t.Error("empty refresh_token should be omitted")
	}
}

func TestFormatError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		status    int
		code      string
		challenge string
	}{
		{"invalid_grant", ErrInvalidGrant("used"), http.StatusBadRequest, "invalid_grant", ""},
		{"invalid_client", ErrInvalidClient("nope"), http.StatusUnauthorized, "invalid_client", `Basic realm="oauth"`},
		{"invalid_token", ErrInvalidToken("nope"), http.StatusUnauthorized, "invalid_token", `Bearer error="invalid_token"`},
		{"access_denied", ErrAccessDenied("policy"), http.StatusForbidden, "access_denied", ""},
		{"plain error", errors.New("db down at 10.0.0.3"), http.StatusInternalServerError, "server_error", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := FormatError(tt.err)
			if resp.Status != tt.status {
				t.Errorf("Status = %d, want %d", resp.Status, tt.status)
			}
			if got := resp.Header.Get("WWW-Authenticate"); got != tt.challenge {
				t.Errorf("WWW-Authenticate = %q, want %q", got, tt.challenge)
			}

			var body ErrorPayload
			if err := json.Unmarshal(resp.Body, &body); err != nil {
				t.Fatalf("failed to decode body: %v", err)
			}
			if body.Error != tt.code {
				t.Errorf("error = %q, want %q", body.Error, tt.code)
			}
			if strings.Contains(string(resp.Body), "10.0.0.3") {
				t.Error("internal error details leaked")
			}
		})
	}
}

func TestFormatError_CarriesState(t *testing.T) {
	resp := FormatError(ErrInvalidScope("bad").WithRedirect("https://cb", "st-1", false))

	var body ErrorPayload
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body.State != "st-1" {
		t.Errorf("state = %q, want st-1", body.State)
	}
}

func TestInactiveIntrospectionSerialization(t *testing.T) {
	data, err := json.Marshal(Inactive())
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(data) != `{"active":false}` {
		t.Errorf("inactive payload = %s", data)
	}
}

func TestErrorRedirectURL(t *testing.T) {
	oe := ErrAccessDenied("user said no").WithRedirect("https://cb/path?keep=1", "abc", false)

	got, err := ErrorRedirectURL(oe)
	if err != nil {
		t.Fatalf("ErrorRedirectURL() error = %v", err)
	}
	u, err := url.Parse(got)
	if err != nil {
		t.Fatalf("failed to parse %q: %v", got, err)
	}
	q := u.Query()
	if q.Get("error") != "access_denied" || q.Get("state") != "abc" || q.Get("keep") != "1" {
		t.Errorf("query = %v", q)
	}
	if u.Fragment != "" {
		t.Errorf("fragment = %q, want empty", u.Fragment)
	}

	frag := ErrAccessDenied("no").WithRedirect("https://cb", "abc", true)
	got, err = ErrorRedirectURL(frag)
	if err != nil {
		t.Fatalf("ErrorRedirectURL() error = %v", err)
	}
	if !strings.HasPrefix(got, "https://cb#") || strings.Contains(got, "?") {
		t.Errorf("fragment redirect = %q", got)
	}

	if _, err := ErrorRedirectURL(ErrInvalidClient("x")); err == nil {
		t.Error("ErrorRedirectURL() should refuse errors without a redirect URI")
	}
}

func TestFragmentURL(t *testing.T) {
	params := url.Values{}
	params.Set("access_token", "tok")
	params.Set("token_type", "Bearer")

	got, err := FragmentURL("https://app/cb#old", params)
	if err != nil {
		t.Fatalf("FragmentURL() error = %v", err)
	}
	if got != "https://app/cb#access_token=tok&token_type=Bearer" {
		t.Errorf("FragmentURL() = %q", got)
	}
}
