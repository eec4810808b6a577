// Package scope implements the OAuth scope set used by every grant flow.
//
// A Set is an ordered collection of unique, case-sensitive scope tokens.
// Equality ignores order; String renders the tokens space-joined in insertion
// order. All operations return new sets and never modify their receivers.
package scope

import "strings"

// Set is an ordered, duplicate-free list of scope tokens.
// Build sets with New or Parse so the uniqueness invariant holds.
type Set []string

// New builds a Set from the given tokens, dropping empties and duplicates
// while keeping first-seen order.
func New(scopes ...string) Set {
	if len(scopes) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(scopes))
	out := make(Set, 0, len(scopes))
	for _, s := range scopes {
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Parse splits a space-delimited scope string (RFC 6749 Section 3.3).
func Parse(s string) Set {
	return New(strings.Fields(s)...)
}

// String joins the scopes with single spaces.
func (s Set) String() string {
	return strings.Join(s, " ")
}

// Len returns the number of scopes.
func (s Set) Len() int {
	return len(s)
}

// IsEmpty reports whether the set holds no scopes.
func (s Set) IsEmpty() bool {
	return len(s) == 0
}

// Has reports whether scope is a member of s.
func (s Set) Has(scope string) bool {
	for _, v := range s {
		if v == scope {
			return true
		}
	}
	return false
}

// HasAll reports whether every scope in other is also in s.
func (s Set) HasAll(other Set) bool {
	if len(other) == 0 {
		return true
	}
	idx := s.index()
	for _, v := range other {
		if _, ok := idx[v]; !ok {
			return false
		}
	}
	return true
}

// SubsetOf reports whether s is contained in other.
func (s Set) SubsetOf(other Set) bool {
	return other.HasAll(s)
}

// Equal reports whether s and other hold the same scopes, in any order.
func (s Set) Equal(other Set) bool {
	return len(s) == len(other) && s.HasAll(other)
}

// Union returns the scopes of s followed by the scopes of other not already in s.
func (s Set) Union(other Set) Set {
	merged := make([]string, 0, len(s)+len(other))
	merged = append(merged, s...)
	merged = append(merged, other...)
	return New(merged...)
}

// Intersect returns the scopes of s that are also in other, in the order of s.
func (s Set) Intersect(other Set) Set {
	idx := other.index()
	var out []string
	for _, v := range s {
		if _, ok := idx[v]; ok {
			out = append(out, v)
		}
	}
	return New(out...)
}

func (s Set) index() map[string]struct{} {
	idx := make(map[string]struct{}, len(s))
	for _, v := range s {
		idx[v] = struct{}{}
	}
	return idx
}
