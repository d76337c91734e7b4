package chatsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signedToken(t *testing.T, subject string, exp time.Time) string {
	t.Helper()
	claims := jwt.RegisteredClaims{Subject: subject}
	if !exp.IsZero() {
		claims.ExpiresAt = jwt.NewNumericDate(exp)
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestInspectToken(t *testing.T) {
	tok := signedToken(t, "7", t0.Add(time.Hour))
	info, ok := InspectToken(tok)
	if !ok {
		t.Fatal("expected a parsable JWT")
	}
	if info.Subject != "7" || !info.ExpiresAt.Equal(t0.Add(time.Hour)) {
		t.Fatalf("unexpected info %+v", info)
	}

	if _, ok := InspectToken("opaque-token"); ok {
		t.Fatal("opaque token should not parse")
	}
}

func TestCheckToken(t *testing.T) {
	ctx := context.Background()

	t.Run("nil source", func(t *testing.T) {
		_, err := CheckToken(ctx, nil, "messages", t0)
		if !IsAuthError(err) || !errors.Is(err, ErrNoToken) {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("blank token", func(t *testing.T) {
		_, err := CheckToken(ctx, StaticToken("  "), "messages", t0)
		if !errors.Is(err, ErrNoToken) {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("source error", func(t *testing.T) {
		src := TokenFunc(func(context.Context) (string, error) { return "", errBoom })
		_, err := CheckToken(ctx, src, "messages", t0)
		if !IsAuthError(err) || !errors.Is(err, errBoom) {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("expired JWT", func(t *testing.T) {
		tok := signedToken(t, "7", t0.Add(-time.Minute))
		_, err := CheckToken(ctx, StaticToken(tok), "messages", t0)
		if !errors.Is(err, ErrTokenExpired) {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("valid JWT and opaque token pass", func(t *testing.T) {
		tok := signedToken(t, "7", t0.Add(time.Minute))
		for _, src := range []TokenSource{StaticToken(tok), testToken} {
			if _, err := CheckToken(ctx, src, "messages", t0); err != nil {
				t.Fatalf("err = %v", err)
			}
		}
	})
}
