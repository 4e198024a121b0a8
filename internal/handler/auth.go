package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthenticated is returned for missing or invalid bearer tokens.
var ErrUnauthenticated = errors.New("unauthenticated")

type subjectKey struct{}

// SubjectFromContext returns the authenticated user id.
func SubjectFromContext(ctx context.Context) (string, bool) {
	sub, ok := ctx.Value(subjectKey{}).(string)
	return sub, ok && sub != ""
}

// AuthConfig configures bearer token validation.
type AuthConfig struct {
	Secret []byte
	// Issuer, when set, must match the iss claim.
	Issuer string
	Leeway time.Duration
}

// Authenticator validates HS256 bearer tokens and exposes the sub claim as
// the caller identity.
type Authenticator struct {
	cfg AuthConfig
}

// NewAuthenticator returns an Authenticator. An empty secret rejects every
// token.
func NewAuthenticator(cfg AuthConfig) *Authenticator {
	return &Authenticator{cfg: cfg}
}

// Subject validates token and returns its subject.
func (a *Authenticator) Subject(token string) (string, error) {
	if len(a.cfg.Secret) == 0 || token == "" {
		return "", ErrUnauthenticated
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(a.cfg.Leeway),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}

	var claims jwt.RegisteredClaims
	if _, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.cfg.Secret, nil
	}, opts...); err != nil {
		return "", errors.Wrap(ErrUnauthenticated, err.Error())
	}
	if claims.Subject == "" {
		return "", errors.Wrap(ErrUnauthenticated, "missing subject")
	}
	return claims.Subject, nil
}

// Issue signs a token for subject. It backs the operator CLI and tests.
func (a *Authenticator) Issue(subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    a.cfg.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.cfg.Secret)
	if err != nil {
		return "", errors.Wrap(err, "sign token")
	}
	return s, nil
}

// Middleware rejects requests without a valid bearer token.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		sub, err := a.Subject(strings.TrimSpace(raw))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), subjectKey{}, sub)))
	})
}
