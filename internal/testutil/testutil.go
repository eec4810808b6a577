// Package testutil provides testing utilities and helpers for the oauth-engine module.
package testutil

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"golang.org/x/oauth2"

	"github.com/giantswarm/oauth-engine/scope"
	"github.com/giantswarm/oauth-engine/storage"
)

// MockClock provides a controllable time source for deterministic testing.
// It is safe for concurrent use.
type MockClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockClock creates a new mock clock
func NewMockClock(t time.Time) *MockClock {
	return &MockClock{now: t}
}

// Now returns the current mock time
func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set sets the mock time to a specific value
func (m *MockClock) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// NewTestClient creates a confidential test client. Its plaintext secret is
// "s3cret" and is hashed by the store on SaveClient.
func NewTestClient(id string, redirectURIs ...string) *storage.Client {
	if len(redirectURIs) == 0 {
		redirectURIs = []string{"https://example.com/callback"}
	}
	return &storage.Client{
		ID:           id,
		Name:         "Test Client " + id,
		RedirectURIs: redirectURIs,
		Scopes:       scope.New("read", "write", "public"),
		Confidential: true,
		CreatedAt:    time.Now(),
	}
}

// TestClientSecret is the plaintext secret used with NewTestClient.
const TestClientSecret = "s3cret"

// GenerateRandomString generates a random base64url string of the given length
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// GeneratePKCEPair generates a valid S256 PKCE challenge and verifier pair.
// Returns (challenge, verifier).
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = oauth2.GenerateVerifier()
	challenge = oauth2.S256ChallengeFromVerifier(verifier)
	return challenge, verifier
}

// CounterTotal sums every data point of the int64 counter called name.
// It returns 0 when the counter has not been recorded yet.
func CounterTotal(ctx context.Context, reader sdkmetric.Reader, name string) (int64, error) {
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		return 0, fmt.Errorf("failed to collect metrics: %w", err)
	}

	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				return 0, fmt.Errorf("metric %s is %T, not an int64 sum", name, m.Data)
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total, nil
}
