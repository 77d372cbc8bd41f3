package auth

import (
	"context"
	"errors"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestHMACVerifyValid(t *testing.T) {
	t.Parallel()

	token, err := NewToken("alice", testSecret, "https://issuer.test", "", time.Minute)
	if err != nil {
		t.Fatalf("NewToken() error = %v", err)
	}

	v := NewHMACVerifier(testSecret, "https://issuer.test", "")
	claims, err := v.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if claims.Subject != "alice" {
		t.Errorf("Subject = %q, want alice", claims.Subject)
	}
}

func TestHMACVerifyExpired(t *testing.T) {
	t.Parallel()

	token, err := NewToken("alice", testSecret, "", "", -time.Minute)
	if err != nil {
		t.Fatalf("NewToken() error = %v", err)
	}

	v := NewHMACVerifier(testSecret, "", "")
	_, err = v.Verify(context.Background(), token)
	if !errors.Is(err, ErrTokenExpired) {
		t.Errorf("Verify() error = %v, want ErrTokenExpired", err)
	}
}

func TestHMACVerifyWrongSecret(t *testing.T) {
	t.Parallel()

	token, err := NewToken("alice", testSecret, "", "", time.Minute)
	if err != nil {
		t.Fatalf("NewToken() error = %v", err)
	}

	v := NewHMACVerifier("another-secret-another-secret-32", "", "")
	_, err = v.Verify(context.Background(), token)
	if !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("Verify() error = %v, want ErrTokenInvalid", err)
	}
}

func TestHMACVerifyIssuerMismatch(t *testing.T) {
	t.Parallel()

	token, err := NewToken("alice", testSecret, "https://other.test", "", time.Minute)
	if err != nil {
		t.Fatalf("NewToken() error = %v", err)
	}

	v := NewHMACVerifier(testSecret, "https://issuer.test", "")
	if _, err := v.Verify(context.Background(), token); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("Verify() error = %v, want ErrTokenInvalid", err)
	}
}

func TestHMACVerifyAudience(t *testing.T) {
	t.Parallel()

	v := NewHMACVerifier(testSecret, "", "chatbus-client")

	// Token carrying the matching audience is accepted.
	withAud, err := NewToken("alice", testSecret, "", "chatbus-client", time.Minute)
	if err != nil {
		t.Fatalf("NewToken() error = %v", err)
	}
	if _, err := v.Verify(context.Background(), withAud); err != nil {
		t.Errorf("Verify(matching audience) error = %v", err)
	}

	// Access-token shape with no audience claim at all is accepted too.
	noAud, err := NewToken("alice", testSecret, "", "", time.Minute)
	if err != nil {
		t.Fatalf("NewToken() error = %v", err)
	}
	if _, err := v.Verify(context.Background(), noAud); err != nil {
		t.Errorf("Verify(no audience) error = %v", err)
	}

	// A different audience is rejected.
	wrongAud, err := NewToken("alice", testSecret, "", "someone-else", time.Minute)
	if err != nil {
		t.Fatalf("NewToken() error = %v", err)
	}
	if _, err := v.Verify(context.Background(), wrongAud); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("Verify(wrong audience) error = %v, want ErrTokenInvalid", err)
	}
}

func TestHMACVerifyGarbage(t *testing.T) {
	t.Parallel()

	v := NewHMACVerifier(testSecret, "", "")
	if _, err := v.Verify(context.Background(), "not.a.token"); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("Verify() error = %v, want ErrTokenInvalid", err)
	}
}

func TestNewTokenRequiresSecret(t *testing.T) {
	t.Parallel()

	if _, err := NewToken("alice", "", "", "", time.Minute); err == nil {
		t.Errorf("NewToken() with empty secret succeeded")
	}
}
