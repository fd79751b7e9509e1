package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

// TokenVerifier checks an id token signature and claims.
type TokenVerifier func(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)

// NewVerifier fetches the user pool's discovery document and returns a
// verifier for its id tokens.
func NewVerifier(ctx context.Context, issuer string) (TokenVerifier, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to create oidc provider: %w", err)
	}
	return provider.Verifier(&oidc.Config{
		ClientID: ClientID,
		// expiry is handled by the refresh window
		SkipExpiryCheck: true,
	}).Verify, nil
}

// tokenExpiry reads the exp claim of a JWT without verifying it.
func tokenExpiry(raw string) (time.Time, error) {
	tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.RS256})
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse token: %w", err)
	}
	var claims jwt.Claims
	if err := tok.UnsafeClaimsWithoutVerification(&claims); err != nil {
		return time.Time{}, fmt.Errorf("failed to read token claims: %w", err)
	}
	if claims.Expiry == nil {
		return time.Time{}, fmt.Errorf("token has no exp claim")
	}
	return claims.Expiry.Time(), nil
}
