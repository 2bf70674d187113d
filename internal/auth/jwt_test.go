package auth

import (
	"testing"
	"time"
)

func TestTokenRoundTrip(t *testing.T) {
	token, err := NewAccessToken("secret", "attendsync", time.Hour, Claims{
		UserID:   "lecturer-1",
		UserType: UserTypeLecturer,
	})
	if err != nil {
		t.Fatalf("token creation failed: %v", err)
	}

	claims, err := ParseToken("secret", "attendsync", token)
	if err != nil {
		t.Fatalf("token parse failed: %v", err)
	}
	if claims.UserID != "lecturer-1" {
		t.Fatalf("expected user id lecturer-1, got %s", claims.UserID)
	}
	if claims.UserType != UserTypeLecturer {
		t.Fatalf("expected lecturer type, got %s", claims.UserType)
	}
}

func TestTokenWrongSecret(t *testing.T) {
	token, err := NewAccessToken("secret", "attendsync", time.Hour, Claims{UserID: "s1", UserType: UserTypeStudent})
	if err != nil {
		t.Fatalf("token creation failed: %v", err)
	}
	if _, err := ParseToken("other", "attendsync", token); err == nil {
		t.Fatalf("expected signature error")
	}
}

func TestTokenWrongIssuer(t *testing.T) {
	token, err := NewAccessToken("secret", "someone-else", time.Hour, Claims{UserID: "s1", UserType: UserTypeStudent})
	if err != nil {
		t.Fatalf("token creation failed: %v", err)
	}
	if _, err := ParseToken("secret", "attendsync", token); err == nil {
		t.Fatalf("expected issuer error")
	}
}

func TestTokenExpired(t *testing.T) {
	token, err := NewAccessToken("secret", "attendsync", -time.Minute, Claims{UserID: "s1", UserType: UserTypeStudent})
	if err != nil {
		t.Fatalf("token creation failed: %v", err)
	}
	if _, err := ParseToken("secret", "attendsync", token); err == nil {
		t.Fatalf("expected expiry error")
	}
}
