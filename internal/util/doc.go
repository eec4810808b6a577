// Package util provides small helpers shared across packages that don't fit
// into a domain package.
package util
