package auth

import (
	"testing"
	"time"
)

func TestAccessTokenRoundTrip(t *testing.T) {
	secret := []byte("signing-secret")
	now := time.Now().UTC()

	token, exp, err := signAccessToken(secret, "iss", "user-1", []string{"admin"}, []string{"roles.write"}, now, 15*time.Minute)
	if err != nil {
		t.Fatalf("signAccessToken: %v", err)
	}
	if !exp.After(now) {
		t.Fatalf("expiry not in the future: %v", exp)
	}

	claims, err := parseAccessToken(secret, "iss", token, func() time.Time { return now }, 0)
	if err != nil {
		t.Fatalf("parseAccessToken: %v", err)
	}
	if claims.Subject != "user-1" {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}
	if len(claims.Roles) != 1 || claims.Roles[0] != "admin" {
		t.Fatalf("roles lost: %v", claims.Roles)
	}
	if claims.ID == "" {
		t.Fatal("expected a jti")
	}
}

func TestParseAccessTokenRejections(t *testing.T) {
	secret := []byte("signing-secret")
	now := time.Now().UTC()
	token, _, err := signAccessToken(secret, "iss", "user-1", nil, nil, now, time.Minute)
	if err != nil {
		t.Fatalf("signAccessToken: %v", err)
	}

	cases := []struct {
		name   string
		secret []byte
		issuer string
		at     time.Time
		leeway time.Duration
		token  string
	}{
		{"wrong secret", []byte("other"), "iss", now, 0, token},
		{"wrong issuer", secret, "someone-else", now, 0, token},
		{"expired", secret, "iss", now.Add(2 * time.Minute), 0, token},
		{"empty", secret, "iss", now, 0, ""},
		{"garbage", secret, "iss", now, 0, "aaa.bbb.ccc"},
	}
	for _, tc := range cases {
		at := tc.at
		if _, err := parseAccessToken(tc.secret, tc.issuer, tc.token, func() time.Time { return at }, tc.leeway); err == nil {
			t.Fatalf("%s: expected rejection", tc.name)
		}
	}
}

func TestParseAccessTokenLeewayAbsorbsSkew(t *testing.T) {
	secret := []byte("signing-secret")
	now := time.Now().UTC()
	token, _, err := signAccessToken(secret, "iss", "user-1", nil, nil, now, time.Minute)
	if err != nil {
		t.Fatalf("signAccessToken: %v", err)
	}
	// 10s past expiry, 30s leeway: still valid
	at := now.Add(70 * time.Second)
	if _, err := parseAccessToken(secret, "iss", token, func() time.Time { return at }, 30*time.Second); err != nil {
		t.Fatalf("leeway should absorb the skew: %v", err)
	}
	// past expiry plus leeway: rejected
	at = now.Add(2 * time.Minute)
	if _, err := parseAccessToken(secret, "iss", token, func() time.Time { return at }, 30*time.Second); err == nil {
		t.Fatal("expected rejection beyond leeway")
	}
}

func TestRefreshTokenFormat(t *testing.T) {
	now := time.Now().UTC()
	raw, sess, err := newRefreshToken("user-1", "ua", "127.0.0.1", now, time.Hour)
	if err != nil {
		t.Fatalf("newRefreshToken: %v", err)
	}
	id, secret, err := splitRefreshToken(raw)
	if err != nil {
		t.Fatalf("splitRefreshToken: %v", err)
	}
	if id != sess.ID {
		t.Fatalf("token id %s != session id %s", id, sess.ID)
	}
	if sess.TokenHash == secret {
		t.Fatal("raw secret must never equal the stored hash")
	}
	if !matchRefreshSecret(sess.TokenHash, secret) {
		t.Fatal("secret should match its own hash")
	}
	if matchRefreshSecret(sess.TokenHash, secret+"x") {
		t.Fatal("tampered secret must not match")
	}
}

func TestSplitRefreshTokenRejectsMalformed(t *testing.T) {
	for _, raw := range []string{"", "nodot", "a.b.c", ".", "x.", ".y"} {
		if _, _, err := splitRefreshToken(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}
