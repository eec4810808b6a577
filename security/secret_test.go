package security

import "testing"

func TestHashSecret(t *testing.T) {
	hash, err := HashSecret("s3cret")
	if err != nil {
		t.Fatalf("HashSecret() error = %v", err)
	}
	if hash == "s3cret" {
		t.Fatal("HashSecret() returned the plaintext")
	}
	if !CompareSecret(hash, "s3cret") {
		t.Error("CompareSecret() = false for the right secret")
	}
	if CompareSecret(hash, "wrong") {
		t.Error("CompareSecret() = true for a wrong secret")
	}
}

func TestHashSecret_Empty(t *testing.T) {
	if _, err := HashSecret(""); err == nil {
		t.Error("HashSecret(\"\") should fail")
	}
}

func TestCompareSecret_EmptyHashNeverMatches(t *testing.T) {
	if CompareSecret("", "") {
		t.Error("CompareSecret with empty hash matched an empty secret")
	}
	if CompareSecret("", "anything") {
		t.Error("CompareSecret with empty hash matched")
	}
}

func TestGenerateToken(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		tok := GenerateToken()
		if len(tok) != 43 {
			t.Fatalf("GenerateToken() length = %d, want 43", len(tok))
		}
		if seen[tok] {
			t.Fatalf("GenerateToken() produced a duplicate: %s", tok)
		}
		seen[tok] = true
	}
}
