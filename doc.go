// Package oauth holds the wire-level vocabulary of the engine: error codes,
// the OAuthError type, response payloads and the formatter that turns engine
// decisions into transport-neutral responses.
//
// The decision logic lives in package server. A transport calls a server
// method, then renders the result with FormatSuccess or FormatError:
//
//	payload, err := srv.Token(ctx, req)
//	var resp *oauth.Response
//	if err != nil {
//		resp = oauth.FormatError(err)
//	} else {
//		resp = oauth.FormatSuccess(payload)
//	}
package oauth
