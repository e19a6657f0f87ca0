package auth

import (
	"strconv"

	"github.com/dmarkov/support-chat/pkg/apperr"
	"github.com/golang-jwt/jwt/v5"
)

// Verifier resolves an identity token to a user id. Token issuance is
// owned by the surrounding platform; this subsystem only consumes the
// verify side.
type Verifier interface {
	Verify(token string) (int64, error)
}

// JWTVerifier verifies HMAC-signed JWTs whose subject claim carries
// the user id.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier for tokens signed with the given
// HMAC secret
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

// Verify parses and validates the token and returns the user id from
// its subject claim. Any parse, signature, or expiry failure yields an
// Unauthenticated error.
func (v *JWTVerifier) Verify(token string) (int64, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, apperr.Unauthenticated("unexpected token signing method")
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil {
		return 0, apperr.Wrap(apperr.CodeUnauthenticated, "invalid token", err)
	}

	subject, err := parsed.Claims.GetSubject()
	if err != nil || subject == "" {
		return 0, apperr.Unauthenticated("token has no subject")
	}

	userID, err := strconv.ParseInt(subject, 10, 64)
	if err != nil || userID <= 0 {
		return 0, apperr.Unauthenticated("token subject is not a valid user id")
	}

	return userID, nil
}
