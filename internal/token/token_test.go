package token

import (
	"errors"
	"testing"
	"time"
)

func setupSecret(t *testing.T) {
	t.Helper()
	t.Setenv("COMMONS_AUTH_SECRET", "unit-test-secret")
	ResetSecretForTests()
	t.Cleanup(ResetSecretForTests)
}

func TestGenerateAndValidateToken(t *testing.T) {
	setupSecret(t)

	signed, err := GenerateToken("user-1", []string{"administrator", "administrator", " "}, []string{"org-a", "org-a", "org-b"}, time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	claims, err := ParseAndValidate(signed)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if claims.Subject != "user-1" {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}
	if !claims.IsAdministrator() {
		t.Fatal("expected administrator role")
	}
	if len(claims.Organizations) != 2 {
		t.Fatalf("expected deduped organizations, got %v", claims.Organizations)
	}

	id := claims.Identity()
	if !id.IsAdministrator || id.SubjectID != "user-1" {
		t.Fatalf("unexpected identity: %+v", id)
	}
	if len(id.ClaimedOrganizations) != 2 {
		t.Fatalf("unexpected claimed organizations: %v", id.ClaimedOrganizations)
	}
	if id.TokenExpiry.IsZero() {
		t.Fatal("expected token expiry in identity")
	}
}

func TestGenerateTokenValidation(t *testing.T) {
	setupSecret(t)

	if _, err := GenerateToken("  ", nil, nil, time.Minute); err == nil {
		t.Fatal("expected error for empty subject")
	}
	if _, err := GenerateToken("user-1", nil, nil, 0); err == nil {
		t.Fatal("expected error for non-positive ttl")
	}
}

func TestParseRejectsExpiredToken(t *testing.T) {
	setupSecret(t)

	signed, err := GenerateToken("user-1", nil, nil, time.Millisecond)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := ParseAndValidate(signed); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestParseRejectsTampering(t *testing.T) {
	setupSecret(t)

	signed, err := GenerateToken("user-1", nil, nil, time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if _, err := ParseAndValidate(signed + "x"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for tampered token, got %v", err)
	}
	if _, err := ParseAndValidate(""); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for empty token, got %v", err)
	}
}

func TestMissingSecret(t *testing.T) {
	t.Setenv("COMMONS_AUTH_SECRET", "")
	ResetSecretForTests()
	t.Cleanup(ResetSecretForTests)

	if _, err := GenerateToken("user-1", nil, nil, time.Minute); err == nil {
		t.Fatal("expected error without configured secret")
	}
}
