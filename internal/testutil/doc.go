// Package testutil provides test fixtures shared across packages: a mock
// clock, client and PKCE generators, and a helper that reads counters back
// from an OpenTelemetry ManualReader.
package testutil
