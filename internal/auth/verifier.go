package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/DukeRupert/geepity/internal/domain"
)

const (
	// DefaultJWKSURL serves the public keys that sign Firebase ID tokens.
	DefaultJWKSURL = "https://www.googleapis.com/service_accounts/v1/jwk/securetoken@system.gserviceaccount.com"

	issuerPrefix  = "https://securetoken.google.com/"
	defaultLeeway = 30 * time.Second
	maxSubjectLen = 128
)

// TokenVerifier turns a caller's identity token into an account id.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// FirebaseVerifier validates Firebase ID tokens against Google's JWKS.
type FirebaseVerifier struct {
	issuer   string
	audience string
	keyfunc  keyfunc.Keyfunc
	parser   *jwt.Parser
}

var _ TokenVerifier = (*FirebaseVerifier)(nil)

// NewFirebaseVerifier builds a verifier for the given Firebase project. An
// empty jwksURL selects DefaultJWKSURL. Key refresh runs in the background
// until ctx is cancelled.
func NewFirebaseVerifier(ctx context.Context, projectID, jwksURL string) (*FirebaseVerifier, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, errors.New("firebase project id must be set")
	}
	if jwksURL == "" {
		jwksURL = DefaultJWKSURL
	}

	keyProvider, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("failed to init JWKS keyfunc: %w", err)
	}

	issuer := issuerPrefix + projectID
	parser := jwt.NewParser(
		jwt.WithIssuer(issuer),
		jwt.WithAudience(projectID),
		jwt.WithLeeway(defaultLeeway),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Name}),
	)

	return &FirebaseVerifier{
		issuer:   issuer,
		audience: projectID,
		keyfunc:  keyProvider,
		parser:   parser,
	}, nil
}

// Verify validates the token and returns its subject, which is the account id.
func (v *FirebaseVerifier) Verify(ctx context.Context, tokenString string) (string, error) {
	const op = "auth.verify"

	var claims jwt.RegisteredClaims
	token, err := v.parser.ParseWithClaims(tokenString, &claims, v.keyfunc.KeyfuncCtx(ctx))
	if err != nil {
		return "", domain.Wrap(err, domain.EUNAUTHORIZED, op, "Invalid token")
	}
	if !token.Valid {
		return "", domain.Unauthorized(op, "Invalid token")
	}
	if claims.Subject == "" || len(claims.Subject) > maxSubjectLen {
		return "", domain.Unauthorized(op, "Invalid token")
	}
	return claims.Subject, nil
}
