package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"foliogate.org/internal/ids"
)

// Claims are the decodable-but-tamper-proof contents of an access token. The
// roles and permissions embedded here are a snapshot taken at issuance;
// authorization guards that need freshness re-check against the resolver.
type Claims struct {
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

// signAccessToken mints an HS256 JWT for the subject.
func signAccessToken(secret []byte, issuer, subject string, roles, permissions []string, now time.Time, ttl time.Duration) (string, time.Time, error) {
	exp := now.Add(ttl)
	claims := Claims{
		Roles:       roles,
		Permissions: permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// parseAccessToken verifies signature, issuer and expiry. leeway absorbs
// clock skew between issuing and validating hosts.
func parseAccessToken(secret []byte, issuer, raw string, now func() time.Time, leeway time.Duration) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrUnauthorized
	}
	parsed, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrUnauthorized
		}
		return secret, nil
	},
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(now),
		jwt.WithLeeway(leeway),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, ErrUnauthorized
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrUnauthorized
	}
	return claims, nil
}

// newRefreshToken generates an opaque refresh token "<session id>.<secret>"
// and the session row that registers it. Only the hash of the secret is
// persisted; the raw value exists solely in the returned string.
func newRefreshToken(userID, userAgent, ip string, now time.Time, ttl time.Duration) (string, *Session, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, err
	}
	secret := base64.RawURLEncoding.EncodeToString(buf)
	sess := &Session{
		ID:        ids.New(),
		UserID:    userID,
		TokenHash: hashRefreshSecret(secret),
		UserAgent: userAgent,
		IP:        ip,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
	return sess.ID + "." + secret, sess, nil
}

func splitRefreshToken(raw string) (id, secret string, err error) {
	parts := strings.Split(strings.TrimSpace(raw), ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.New("invalid refresh token format")
	}
	return parts[0], parts[1], nil
}

func hashRefreshSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func matchRefreshSecret(storedHash, secret string) bool {
	actual := hashRefreshSecret(secret)
	if len(storedHash) != len(actual) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(storedHash), []byte(actual)) == 1
}
