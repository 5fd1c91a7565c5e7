package auth

import (
	"errors"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

func TestIssueAndValidateDriverToken(t *testing.T) {
	mgr, err := NewManager("test-secret", time.Hour)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	token, err := mgr.IssueDriverToken("driver-042")
	if err != nil {
		t.Fatalf("IssueDriverToken: %v", err)
	}

	claims, err := mgr.ParseAndValidate(token)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if claims.DriverID != "driver-042" || claims.Role != "driver" {
		t.Fatalf("claims: %+v", claims)
	}
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	mgr, _ := NewManager("secret-a", time.Hour)
	other, _ := NewManager("secret-b", time.Hour)

	token, err := mgr.IssueDriverToken("driver-042")
	if err != nil {
		t.Fatalf("IssueDriverToken: %v", err)
	}

	if _, err := other.ParseAndValidate(token); err == nil {
		t.Fatal("expected validation failure with the wrong secret")
	}
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	mgr, _ := NewManager("test-secret", time.Nanosecond)

	token, err := mgr.IssueDriverToken("driver-042")
	if err != nil {
		t.Fatalf("IssueDriverToken: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	if _, err := mgr.ParseAndValidate(token); err == nil {
		t.Fatal("expected validation failure for expired token")
	}
}

func TestValidateRejectsNonDriverRole(t *testing.T) {
	mgr, _ := NewManager("test-secret", time.Hour)

	now := time.Now().UTC()
	claims := &Claims{
		DriverID: "driver-042",
		Role:     "admin",
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   "driver-042",
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(time.Hour)),
		},
	}
	token, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if _, err := mgr.ParseAndValidate(token); !errors.Is(err, ErrNotDriverToken) {
		t.Fatalf("expected ErrNotDriverToken, got %v", err)
	}
}

func TestNewManagerRequiresSecret(t *testing.T) {
	if _, err := NewManager("   ", time.Hour); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func TestIssueRequiresDriverID(t *testing.T) {
	mgr, _ := NewManager("test-secret", time.Hour)
	if _, err := mgr.IssueDriverToken("  "); err == nil {
		t.Fatal("expected error for empty driver id")
	}
}
