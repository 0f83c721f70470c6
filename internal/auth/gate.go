// Package auth is the session gate: it admits a connection only with a valid bearer credential.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"wiicare/pkg/interfaces"
	"wiicare/pkg/types"
)

// Gate errors. All of them match interfaces.ErrUnauthorized with errors.Is.
var (
	ErrMissingCredential = fmt.Errorf("%w: missing bearer credential", interfaces.ErrUnauthorized)
	ErrInvalidCredential = fmt.Errorf("%w: invalid bearer credential", interfaces.ErrUnauthorized)
	ErrExpiredCredential = fmt.Errorf("%w: bearer credential expired", interfaces.ErrUnauthorized)
	ErrInvalidIdentity   = fmt.Errorf("%w: credential carries no usable user id", interfaces.ErrUnauthorized)
	ErrUnsupportedAlg    = errors.New("unsupported signing algorithm")
)

// Options controls signing and validation
type Options struct {
	Secret []byte
	Alg    string        // HS256/HS384/HS512, default HS256
	Issuer string        // optional; checked when set
	Leeway time.Duration // clock skew tolerance
	TTL    time.Duration // lifetime of issued tokens, default 24h
}

// UserClaims represents JWT claims issued by the auth service
type UserClaims struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// Gate validates bearer credentials against a shared secret
type Gate struct {
	opts   Options
	method jwt.SigningMethod
	parser *jwt.Parser
}

var _ interfaces.Authenticator = (*Gate)(nil)

// NewGate creates a session gate
func NewGate(opts Options) (*Gate, error) {
	if len(opts.Secret) == 0 {
		return nil, errors.New("jwt secret cannot be empty")
	}
	if opts.Alg == "" {
		opts.Alg = "HS256"
	}
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	method, err := signingMethod(opts.Alg)
	if err != nil {
		return nil, err
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{method.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(opts.Leeway),
	}
	if opts.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(opts.Issuer))
	}

	return &Gate{opts: opts, method: method, parser: jwt.NewParser(parserOpts...)}, nil
}

// Authenticate reads the credential from the Authorization header, or the
// token query parameter for browser websocket clients that cannot set headers
func (g *Gate) Authenticate(r *http.Request) (types.Identity, error) {
	token := BearerToken(r)
	if token == "" {
		return types.Identity{}, ErrMissingCredential
	}
	return g.Verify(token)
}

// Verify validates signature, expiry and issuer and returns the embedded identity
func (g *Gate) Verify(token string) (types.Identity, error) {
	if token == "" {
		return types.Identity{}, ErrMissingCredential
	}

	claims := &UserClaims{}
	_, err := g.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return g.opts.Secret, nil
	})
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return types.Identity{}, ErrExpiredCredential
	case err != nil:
		return types.Identity{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	if !types.IsValidUserID(userID) {
		return types.Identity{}, ErrInvalidIdentity
	}
	return types.Identity{UserID: userID, Role: claims.Role}, nil
}

// Issue signs a credential for identity. The auth service owns issuance in
// production; this is used by tests and local tooling.
func (g *Gate) Issue(identity types.Identity) (string, time.Time, error) {
	return g.IssueWithTTL(identity, g.opts.TTL)
}

// IssueWithTTL signs a credential with an explicit lifetime (negative for already expired)
func (g *Gate) IssueWithTTL(identity types.Identity, ttl time.Duration) (string, time.Time, error) {
	now := time.Now()
	exp := now.Add(ttl)
	claims := UserClaims{
		UserID: identity.UserID,
		Role:   identity.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.UserID,
			Issuer:    g.opts.Issuer,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Second)),
		},
	}
	signed, err := jwt.NewWithClaims(g.method, claims).SignedString(g.opts.Secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// BearerToken extracts the raw token from a request
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
			return strings.TrimSpace(h[7:])
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

func signingMethod(alg string) (jwt.SigningMethod, error) {
	switch strings.ToUpper(alg) {
	case "HS256":
		return jwt.SigningMethodHS256, nil
	case "HS384":
		return jwt.SigningMethodHS384, nil
	case "HS512":
		return jwt.SigningMethodHS512, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlg, alg)
	}
}
