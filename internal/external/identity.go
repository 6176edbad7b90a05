package external

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	svcErr "github.com/oggyb/muzz-connect/internal/errors"
)

// ErrUnauthenticated is returned for missing, malformed or expired tokens.
var ErrUnauthenticated = errors.New("unauthenticated")

// JWTIdentity validates HS256 tokens whose subject is the user id.
type JWTIdentity struct {
	secret []byte
	issuer string
}

func NewJWTIdentity(secret, issuer string) *JWTIdentity {
	return &JWTIdentity{secret: []byte(secret), issuer: issuer}
}

func (j *JWTIdentity) Authenticate(_ context.Context, token string) (uint64, error) {
	if token == "" {
		return 0, ErrUnauthenticated
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if j.issuer != "" {
		opts = append(opts, jwt.WithIssuer(j.issuer))
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return j.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return 0, ErrUnauthenticated
	}

	id, err := strconv.ParseUint(claims.Subject, 10, 64)
	if err != nil || id == 0 {
		return 0, ErrUnauthenticated
	}
	return id, nil
}

// Issue signs a token for userID. Used by the seed tool and tests.
func (j *JWTIdentity) Issue(userID uint64, ttl time.Duration) (string, error) {
	if userID == 0 {
		return "", svcErr.InvalidArgument("user id required")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatUint(userID, 10),
		Issuer:    j.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
}
