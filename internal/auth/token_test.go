package auth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestIssueAndParseToken(t *testing.T) {
	secret := []byte("secret")
	now := time.Now()
	issued, err := IssueToken(secret, NewClaims("op-1", "Avery", "editor", now, time.Hour))
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	claims, err := ParseToken(secret, issued)
	if err != nil {
		t.Fatalf("ParseToken() error = %v", err)
	}
	if claims.Sub != "op-1" || claims.Name != "Avery" || claims.Role != "editor" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if !strings.HasPrefix(claims.JTI, "tok_") || claims.Iat != now.Unix() {
		t.Fatalf("unexpected token metadata: %+v", claims)
	}
}

func TestParseTokenRejectsExpired(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, NewClaims("op-1", "Avery", "editor", time.Now(), -time.Minute))
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	if _, err := ParseToken(secret, issued); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestParseTokenRejectsTampering(t *testing.T) {
	secret := []byte("secret")
	issued, err := IssueToken(secret, NewClaims("op-1", "Avery", "viewer", time.Now(), time.Hour))
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}

	cases := map[string]string{
		"other secret":    "",
		"no separator":    strings.ReplaceAll(issued, ".", ""),
		"extra segment":   issued + ".x",
		"swapped payload": "e30." + strings.SplitN(issued, ".", 2)[1],
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			key := secret
			if token == "" {
				key, token = []byte("other"), issued
			}
			if _, err := ParseToken(key, token); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("expected ErrInvalidToken, got %v", err)
			}
		})
	}
}

func TestIssueTokenRequiresSecret(t *testing.T) {
	if _, err := IssueToken(nil, Claims{Sub: "x"}); err == nil {
		t.Fatal("expected error for empty secret")
	}
}
