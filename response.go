package oauth

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/giantswarm/oauth-engine/security"
)

const genericServerErrorDescription = "The authorization server encountered an unexpected condition"

// Response is a transport-neutral rendering of an engine decision. The caller
// copies Header and writes Status and Body.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// FormatSuccess renders a payload as a 200 JSON response that must not be cached.
func FormatSuccess(body any) *Response {
	data, err := json.Marshal(body)
	if err != nil {
		return FormatError(fmt.Errorf("failed to encode response: %w", err))
	}

	h := make(http.Header)
	security.SetJSONHeaders(h)
	security.SetNoStoreHeaders(h)

	return &Response{Status: http.StatusOK, Header: h, Body: data}
}

// FormatError renders err as an OAuth error response. Anything that is not an
// *OAuthError becomes a server_error without leaking its message.
func FormatError(err error) *Response {
	oe, ok := AsOAuthError(err)
	if !ok {
		oe = ErrServerError(genericServerErrorDescription)
	}

	status := oe.Status
	if status == 0 {
		status = StatusFor(oe.Code)
	}

	h := make(http.Header)
	security.SetJSONHeaders(h)
	security.SetNoStoreHeaders(h)

	switch oe.Code {
	case ErrorCodeInvalidClient:
		h.Set("WWW-Authenticate", `Basic realm="oauth"`)
	case ErrorCodeInvalidToken:
		h.Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	}

	// ErrorPayload only has string fields, so this cannot fail.
	data, _ := json.Marshal(ErrorPayload{
		Error:            oe.Code,
		ErrorDescription: oe.Description,
		State:            oe.State,
	})

	return &Response{Status: status, Header: h, Body: data}
}

// ErrorRedirectURL builds the redirect that reports an authorization error to
// the client (RFC 6749 Section 4.1.2.1 and 4.2.2.1).
func ErrorRedirectURL(oe *OAuthError) (string, error) {
	if oe == nil || !oe.Redirectable() {
		return "", fmt.Errorf("error is not redirectable")
	}

	params := url.Values{}
	params.Set("error", oe.Code)
	if oe.Description != "" {
		params.Set("error_description", oe.Description)
	}
	if oe.State != "" {
		params.Set("state", oe.State)
	}

	if oe.Fragment {
		return FragmentURL(oe.RedirectURI, params)
	}
	return QueryURL(oe.RedirectURI, params)
}

// QueryURL merges params into the query of base, keeping its existing parameters.
func QueryURL(base string, params url.Values) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("failed to parse redirect URI: %w", err)
	}

	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// FragmentURL places params in the fragment of base, replacing any fragment
// it already had. Implicit grant tokens must only ever travel this way.
func FragmentURL(base string, params url.Values) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("failed to parse redirect URI: %w", err)
	}
	u.Fragment = ""
	u.RawFragment = ""

	return u.String() + "#" + params.Encode(), nil
}
