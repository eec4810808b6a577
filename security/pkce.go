package security

import (
	"crypto/subtle"

	"golang.org/x/oauth2"
)

const (
	// PKCEMethodS256 is the SHA-256 code challenge method (RFC 7636 Section 4.2)
	PKCEMethodS256 = "S256"

	// PKCEMethodPlain sends the verifier itself as the challenge
	PKCEMethodPlain = "plain"

	// MinCodeVerifierLength is the RFC 7636 lower bound for code_verifier
	MinCodeVerifierLength = 43

	// MaxCodeVerifierLength is the RFC 7636 upper bound for code_verifier
	MaxCodeVerifierLength = 128
)

// VerifyPKCE reports whether verifier satisfies challenge under method.
//
//	S256:  challenge == base64url_nopad(sha256(verifier))
//	plain: challenge == verifier
//
// Any other method never verifies. Callers skip the check entirely when the
// grant recorded no challenge.
func VerifyPKCE(method, challenge, verifier string) bool {
	var computed string
	switch method {
	case PKCEMethodS256:
		computed = oauth2.S256ChallengeFromVerifier(verifier)
	case PKCEMethodPlain:
		computed = verifier
	default:
		return false
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

// ValidVerifierFormat reports whether verifier has the RFC 7636 length and
// only uses [A-Za-z0-9-._~].
func ValidVerifierFormat(verifier string) bool {
	if len(verifier) < MinCodeVerifierLength || len(verifier) > MaxCodeVerifierLength {
		return false
	}
	for i := 0; i < len(verifier); i++ {
		if !isUnreserved(verifier[i]) {
			return false
		}
	}
	return true
}

// SupportedChallengeMethod reports whether method may be used to start a flow.
func SupportedChallengeMethod(method string, allowPlain bool) bool {
	switch method {
	case PKCEMethodS256:
		return true
	case PKCEMethodPlain:
		return allowPlain
	default:
		return false
	}
}

func isUnreserved(ch byte) bool {
	return (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
		ch == '-' || ch == '.' || ch == '_' || ch == '~'
}
