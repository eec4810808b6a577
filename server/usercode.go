package server

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"
)

// ErrUserCodeExhausted is returned when no unused user code was found within
// UserCodeMaxAttempts. It is a capacity failure, reported as server_error.
var ErrUserCodeExhausted = errors.New("failed to generate a unique user code")

// User code alphabets. Letters are the RFC 8628 Section 6.1 consonants,
// which avoid vowels and look-alike characters.
const (
	userCodeLetters = "BCDFGHJKLMNPQRSTVWXZ"
	userCodeDigits  = "0123456789"

	maxUserCodeSegmentLength = 16
)

type codeSegment struct {
	length   int
	alphabet string
}

// parseUserCodeTemplate parses templates such as "4w-4w" or "3d-3w-3d":
// dash-separated segments of <n><class>, where class w is letters and d is
// digits.
func parseUserCodeTemplate(template string) ([]codeSegment, error) {
	if template == "" {
		return nil, fmt.Errorf("%w: user code template is empty", ErrInvalidConfig)
	}

	parts := strings.Split(template, "-")
	segments := make([]codeSegment, 0, len(parts))
	for _, part := range parts {
		if len(part) < 2 {
			return nil, fmt.Errorf("%w: malformed user code segment %q", ErrInvalidConfig, part)
		}

		n, err := strconv.Atoi(part[:len(part)-1])
		if err != nil || n < 1 || n > maxUserCodeSegmentLength {
			return nil, fmt.Errorf("%w: invalid user code segment length in %q", ErrInvalidConfig, part)
		}

		var alphabet string
		switch part[len(part)-1] {
		case 'w':
			alphabet = userCodeLetters
		case 'd':
			alphabet = userCodeDigits
		default:
			return nil, fmt.Errorf("%w: unknown user code class in %q", ErrInvalidConfig, part)
		}
		segments = append(segments, codeSegment{length: n, alphabet: alphabet})
	}
	return segments, nil
}

// generateUserCode draws one code from segments using crypto/rand.
func generateUserCode(segments []codeSegment) (string, error) {
	var b strings.Builder
	for i, seg := range segments {
		if i > 0 {
			b.WriteByte('-')
		}
		limit := big.NewInt(int64(len(seg.alphabet)))
		for j := 0; j < seg.length; j++ {
			n, err := rand.Int(rand.Reader, limit)
			if err != nil {
				return "", fmt.Errorf("failed to read random bytes: %w", err)
			}
			b.WriteByte(seg.alphabet[n.Int64()])
		}
	}
	return b.String(), nil
}

// uniqueUserCode rolls user codes until one is not held by an unexpired
// grant, giving up after UserCodeMaxAttempts with ErrUserCodeExhausted.
func (s *Server) uniqueUserCode(ctx context.Context, now time.Time) (string, error) {
	for attempt := 0; attempt < s.config.UserCodeMaxAttempts; attempt++ {
		code, err := generateUserCode(s.userCodeSegments)
		if err != nil {
			return "", err
		}
		exists, err := s.repo.UserCodeExists(ctx, code, now)
		if err != nil {
			return "", fmt.Errorf("failed to check user code: %w", err)
		}
		if !exists {
			return code, nil
		}
		s.Logger.Debug("User code collision, regenerating", "attempt", attempt+1)
	}
	return "", ErrUserCodeExhausted
}

// normalizeUserCode accepts user input in any case and surrounded by spaces.
func normalizeUserCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
