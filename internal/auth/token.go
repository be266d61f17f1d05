package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("authorization header is missing")
	ErrBadHeader    = errors.New("authorization header format must be 'Bearer {token}'")
	ErrNoSubject    = errors.New("subject claim not found in token")
)

// TokenVerifier turns a bearer token into an Identity.
type TokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (Identity, error)
}

// ExtractTokenFromRequest reads the bearer token from the Authorization header.
func ExtractTokenFromRequest(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", ErrMissingToken
	}

	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", ErrBadHeader
	}
	return parts[1], nil
}

type hmacClaims struct {
	RoleClaims
	jwt.RegisteredClaims
}

// HMACVerifier validates HS256 tokens signed with a shared secret.
type HMACVerifier struct {
	secret    []byte
	adminRole string
}

func NewHMACVerifier(secret, adminRole string) *HMACVerifier {
	return &HMACVerifier{secret: []byte(secret), adminRole: adminRole}
}

func (v *HMACVerifier) Verify(_ context.Context, rawToken string) (Identity, error) {
	claims := &hmacClaims{}
	_, err := jwt.ParseWithClaims(rawToken, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Identity{}, fmt.Errorf("invalid token: %w", err)
	}
	if claims.Subject == "" {
		return Identity{}, ErrNoSubject
	}
	return Identity{UserID: claims.Subject, IsAdmin: claims.HasRole(v.adminRole)}, nil
}

// IssueHMACToken signs a token for subject. Used by tests and local tooling.
func IssueHMACToken(secret, subject string, roles ...string) (string, error) {
	claims := hmacClaims{
		RoleClaims:       RoleClaims{Roles: roles},
		RegisteredClaims: jwt.RegisteredClaims{Subject: subject},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// OIDCVerifier validates tokens against an OpenID Connect issuer.
type OIDCVerifier struct {
	verifier  *oidc.IDTokenVerifier
	adminRole string
}

func NewOIDCVerifier(ctx context.Context, issuer, adminRole string) (*OIDCVerifier, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("create OIDC provider: %w", err)
	}
	return &OIDCVerifier{
		verifier:  provider.Verifier(&oidc.Config{SkipClientIDCheck: true}),
		adminRole: adminRole,
	}, nil
}

func (v *OIDCVerifier) Verify(ctx context.Context, rawToken string) (Identity, error) {
	idToken, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		return Identity{}, fmt.Errorf("invalid token: %w", err)
	}

	var claims struct {
		RoleClaims
		Sub string `json:"sub"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return Identity{}, fmt.Errorf("failed to parse claims: %w", err)
	}
	if claims.Sub == "" {
		return Identity{}, ErrNoSubject
	}
	return Identity{UserID: claims.Sub, IsAdmin: claims.HasRole(v.adminRole)}, nil
}
