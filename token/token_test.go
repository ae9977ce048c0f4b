package token_test

import (
	"testing"
	"time"

	"github.com/kraklabs/execbroker/token"
)

func TestMintAndVerifyRoundTrip(t *testing.T) {
	m := token.New("test-secret", time.Minute)
	tok, err := m.Mint("abc123")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Verify(tok, "abc123"); err != nil {
		t.Fatalf("expected valid token, got %v", err)
	}
}

func TestVerifyRejectsWrongDigest(t *testing.T) {
	m := token.New("test-secret", time.Minute)
	tok, err := m.Mint("abc123")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Verify(tok, "other"); err == nil {
		t.Fatal("expected verification to fail for mismatched digest")
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	m := token.New("test-secret", -time.Second)
	tok, err := m.Mint("abc123")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Verify(tok, "abc123"); err == nil {
		t.Fatal("expected verification to fail for expired token")
	}
}
