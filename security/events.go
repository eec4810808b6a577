package security

// Event type constants for security audit logging.
const (
	// Credential lifecycle events

	// EventGrantIssued is logged when an authorization code or device code grant is created
	EventGrantIssued = "grant_issued"

	// EventTokenIssued is logged when an access token is issued or reused for a request
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when a refresh token is redeemed
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a token is revoked explicitly
	EventTokenRevoked = "token_revoked"

	// Replay detection events

	// EventAuthorizationCodeReuseDetected is logged when an already consumed grant is redeemed again
	EventAuthorizationCodeReuseDetected = "authorization_code_reuse_detected"

	// EventRefreshTokenReuseDetected is logged when a refresh token is redeemed after rotation
	EventRefreshTokenReuseDetected = "refresh_token_reuse_detected" //nolint:gosec // G101: event name, not a credential

	// Request failures

	// EventAuthFailure is logged when client or resource owner authentication fails
	EventAuthFailure = "auth_failure"

	// EventPKCEValidationFailed is logged when a code_verifier does not match the stored challenge
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventAuthorizationDenied is logged when a resource owner or policy hook denies a request
	EventAuthorizationDenied = "authorization_denied"

	// EventIntrospectionDenied is logged when an introspection caller fails authorization
	EventIntrospectionDenied = "introspection_denied"

	// Device flow events

	// EventDeviceAuthorizationStarted is logged when a device code is issued
	EventDeviceAuthorizationStarted = "device_authorization_started"

	// EventDeviceApproved is logged when a resource owner claims a user code
	EventDeviceApproved = "device_approved"

	// EventDeviceDenied is logged when a resource owner rejects a user code
	EventDeviceDenied = "device_denied"

	// EventUserCodeExhausted is logged when no unique user code could be generated
	EventUserCodeExhausted = "device_user_code_exhausted"
)
