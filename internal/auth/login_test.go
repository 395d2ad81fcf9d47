package auth

import (
	"errors"
	"testing"
)

func TestAccounts_Authenticate(t *testing.T) {
	a := NewAccounts(
		Account{User: "admin", Password: "s3cret", Role: "admin"},
		Account{User: "agent", Password: "", Role: "agent"},
	)
	if a.Len() != 1 {
		t.Fatalf("expected account without password to be skipped, got %d", a.Len())
	}

	role, err := a.Authenticate(" admin ", "s3cret")
	if err != nil || role != "admin" {
		t.Fatalf("expected admin role, got %q %v", role, err)
	}
	if _, err := a.Authenticate("admin", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if _, err := a.Authenticate("agent", ""); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected disabled account to be rejected, got %v", err)
	}
	if _, ok := a.RoleOf("agent"); ok {
		t.Fatalf("expected agent to be unknown")
	}
}
