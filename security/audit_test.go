package security

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func newBufferedAuditor(t *testing.T, enabled bool) (*Auditor, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	return NewAuditor(logger, enabled), &buf
}

func TestAuditor_HashesOwnerID(t *testing.T) {
	a, buf := newBufferedAuditor(t, true)

	a.LogTokenIssued("user-42", "client-1", "password", "read", false)

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("failed to parse log record: %v", err)
	}
	if record["msg"] != "security_audit" {
		t.Errorf("msg = %v, want security_audit", record["msg"])
	}
	if record["event_type"] != EventTokenIssued {
		t.Errorf("event_type = %v, want %s", record["event_type"], EventTokenIssued)
	}
	if strings.Contains(buf.String(), "user-42") {
		t.Error("owner ID must not appear in audit logs")
	}
	if record["owner_id_hash"] != hashForLogging("user-42") {
		t.Errorf("owner_id_hash = %v", record["owner_id_hash"])
	}
	if record["client_id"] != "client-1" {
		t.Errorf("client_id = %v, want client-1", record["client_id"])
	}
}

func TestAuditor_Disabled(t *testing.T) {
	a, buf := newBufferedAuditor(t, false)

	a.LogAuthFailure("client-1", "password", "bad secret")
	a.LogReuseDetected(EventAuthorizationCodeReuseDetected, "user", "client-1")

	if buf.Len() != 0 {
		t.Errorf("disabled auditor wrote %q", buf.String())
	}

	var nilAuditor *Auditor
	nilAuditor.LogGrantIssued("u", "c", "authorization_code", "read")
}

func TestAuditor_EventTypes(t *testing.T) {
	tests := []struct {
		name string
		log  func(a *Auditor)
		want string
	}{
		{"grant", func(a *Auditor) { a.LogGrantIssued("u", "c", "device_code", "read") }, EventGrantIssued},
		{"refresh", func(a *Auditor) { a.LogTokenRefreshed("u", "c") }, EventTokenRefreshed},
		{"revoke", func(a *Auditor) { a.LogTokenRevoked("u", "c", "access_token") }, EventTokenRevoked},
		{"reuse", func(a *Auditor) { a.LogReuseDetected(EventRefreshTokenReuseDetected, "u", "c") }, EventRefreshTokenReuseDetected},
		{"failure", func(a *Auditor) { a.LogAuthFailure("c", "client_credentials", "x") }, EventAuthFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, buf := newBufferedAuditor(t, true)
			tt.log(a)
			if !strings.Contains(buf.String(), `"event_type":"`+tt.want+`"`) {
				t.Errorf("log %s does not contain event type %s", buf.String(), tt.want)
			}
		})
	}
}

func TestHashForLogging(t *testing.T) {
	if got := hashForLogging(""); got != "<empty>" {
		t.Errorf("hashForLogging(\"\") = %q", got)
	}
	if got := hashForLogging("x"); len(got) != 16 {
		t.Errorf("hashForLogging() length = %d, want 16", len(got))
	}
}
