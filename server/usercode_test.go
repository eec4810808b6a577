package server

import (
	"errors"
	"regexp"
	"testing"
)

func TestParseUserCodeTemplate(t *testing.T) {
	tests := []struct {
		template string
		want     []codeSegment
		wantErr  bool
	}{
		{template: "4w-4w", want: []codeSegment{{4, userCodeLetters}, {4, userCodeLetters}}},
		{template: "3d-3w-3d", want: []codeSegment{{3, userCodeDigits}, {3, userCodeLetters}, {3, userCodeDigits}}},
		{template: "8d", want: []codeSegment{{8, userCodeDigits}}},
		{template: "", wantErr: true},
		{template: "w", wantErr: true},
		{template: "4x", wantErr: true},
		{template: "0w", wantErr: true},
		{template: "17w", wantErr: true},
		{template: "4w--4w", wantErr: true},
		{template: "aw", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.template, func(t *testing.T) {
			got, err := parseUserCodeTemplate(tt.template)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidConfig) {
					t.Fatalf("parseUserCodeTemplate() error = %v, want ErrInvalidConfig", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseUserCodeTemplate() error = %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("segments = %d, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("segment %d = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestGenerateUserCode(t *testing.T) {
	segments, err := parseUserCodeTemplate("3d-3w-3d")
	if err != nil {
		t.Fatalf("parseUserCodeTemplate() error = %v", err)
	}

	pattern := regexp.MustCompile(`^[0-9]{3}-[BCDFGHJKLMNPQRSTVWXZ]{3}-[0-9]{3}$`)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		code, err := generateUserCode(segments)
		if err != nil {
			t.Fatalf("generateUserCode() error = %v", err)
		}
		if !pattern.MatchString(code) {
			t.Fatalf("generateUserCode() = %q, does not match template", code)
		}
		seen[code] = true
	}
	if len(seen) < 90 {
		t.Errorf("only %d distinct codes in 100 draws", len(seen))
	}
}

func TestNormalizeUserCode(t *testing.T) {
	if got := normalizeUserCode("  bcdf-ghjk\n"); got != "BCDF-GHJK" {
		t.Errorf("normalizeUserCode() = %q, want BCDF-GHJK", got)
	}
}
