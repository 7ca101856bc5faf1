// Package auth authenticates the application calling the token exchange
// endpoint (§4.H). Adapted from the teacher's internal/auth/middleware.go
// agent-key dual auth, narrowed to a single JWT bearer check whose "sub"
// claim names the calling application.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrMissingBearer is returned when the Authorization header is absent or
// malformed.
var ErrMissingBearer = errors.New("auth: missing or malformed bearer token")

// ErrInvalidToken is returned when the bearer token fails JWT validation.
var ErrInvalidToken = errors.New("auth: invalid application token")

// ApplicationAuthenticator verifies the bearer JWT presented by a calling
// application and extracts its application ID from the "sub" claim.
type ApplicationAuthenticator struct {
	secret []byte
	issuer string
}

// NewApplicationAuthenticator builds an authenticator against the given
// HMAC secret. issuer, if non-empty, is required to match the token's "iss"
// claim.
func NewApplicationAuthenticator(secret []byte, issuer string) *ApplicationAuthenticator {
	return &ApplicationAuthenticator{secret: secret, issuer: issuer}
}

// Authenticate extracts and validates the bearer token from r, returning the
// authenticated application's ID.
func (a *ApplicationAuthenticator) Authenticate(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", ErrMissingBearer
	}
	tokenStr := strings.TrimPrefix(authHeader, "Bearer ")
	return a.validate(tokenStr)
}

func (a *ApplicationAuthenticator) validate(tokenStr string) (string, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("%w: missing sub claim", ErrInvalidToken)
	}
	return sub, nil
}
