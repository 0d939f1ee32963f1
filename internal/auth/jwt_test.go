package auth

import (
	"testing"
	"time"
)

func TestIssueAndParse(t *testing.T) {
	token, err := Issue("stu-1", RoleStudent, "liveclass", "secret", time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	claims, err := Parse(token.Value, "secret", "liveclass")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "stu-1" || claims.Role != RoleStudent {
		t.Errorf("claims: %+v", claims)
	}
}

func TestIssueRejectsUnknownRole(t *testing.T) {
	if _, err := Issue("u-1", "superadmin", "liveclass", "secret", time.Hour); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestParseRejectsWrongKey(t *testing.T) {
	token, err := Issue("stu-1", RoleStudent, "liveclass", "secret", time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := Parse(token.Value, "other-secret", "liveclass"); err == nil {
		t.Fatal("expected error for wrong key")
	}
}

func TestParseRejectsIssuerMismatch(t *testing.T) {
	token, err := Issue("stu-1", RoleStudent, "someone-else", "secret", time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := Parse(token.Value, "secret", "liveclass"); err == nil {
		t.Fatal("expected issuer mismatch error")
	}
}
